// Package audio holds the pure PCM plumbing between the telephony leg and the
// speech providers: G.711 mu-law transcoding, sample-rate conversion, and WAV
// payload extraction. Everything here is stateless; malformed input returns an
// error and the caller drops the chunk.
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawToLinear16 expands 8-bit G.711 mu-law to little-endian signed 16-bit PCM.
func MuLawToLinear16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawDecode(b)))
	}
	return out
}

// Linear16ToMuLaw compresses little-endian signed 16-bit PCM to G.711 mu-law.
// Input length must be even.
func Linear16ToMuLaw(in []byte) ([]byte, error) {
	if len(in)%2 != 0 {
		return nil, fmt.Errorf("audio: pcm16 payload has odd length %d", len(in))
	}
	out := make([]byte, len(in)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(in[i*2:]))
		out[i] = muLawEncode(s)
	}
	return out, nil
}

func muLawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exp := (b >> 4) & 0x07
	mant := b & 0x0F
	v := ((int32(mant) << 3) + muLawBias) << exp
	v -= muLawBias
	if sign != 0 {
		v = -v
	}
	return int16(v)
}

func muLawEncode(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias
	exp := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (exp + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// Resample converts little-endian signed 16-bit mono PCM between sample rates
// using linear interpolation. Values that overshoot the 16-bit range clip
// rather than wrap. Same-rate input is returned as a copy.
func Resample(pcm []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("audio: invalid resample rates %d -> %d", fromRate, toRate)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: pcm16 payload has odd length %d", len(pcm))
	}
	if fromRate == toRate {
		return append([]byte(nil), pcm...), nil
	}
	n := len(pcm) / 2
	if n == 0 {
		return []byte{}, nil
	}
	src := make([]int16, n)
	for i := range src {
		src[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	outN := n * toRate / fromRate
	if outN == 0 {
		return []byte{}, nil
	}
	out := make([]byte, outN*2)
	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outN; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= n-1 {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(src[n-1]))
			continue
		}
		frac := pos - float64(j)
		v := float64(src[j])*(1-frac) + float64(src[j+1])*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clip16(v)))
	}
	return out, nil
}

func clip16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
