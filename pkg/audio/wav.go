package audio

import (
	"encoding/binary"
	"fmt"
)

// ExtractPCMFromWAV pulls the raw sample data out of a RIFF/WAVE container and
// reports its sample rate. Only uncompressed 16-bit PCM is accepted; one-shot
// synthesizers return exactly that shape.
func ExtractPCMFromWAV(wav []byte) (pcm []byte, sampleRate int, err error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("audio: not a RIFF/WAVE payload")
	}
	var (
		haveFmt  bool
		format   uint16
		channels uint16
		rate     uint32
		bits     uint16
	)
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(wav) {
			return nil, 0, fmt.Errorf("audio: wav chunk %q overruns payload", id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("audio: wav fmt chunk too short (%d bytes)", size)
			}
			format = binary.LittleEndian.Uint16(wav[body:])
			channels = binary.LittleEndian.Uint16(wav[body+2:])
			rate = binary.LittleEndian.Uint32(wav[body+4:])
			bits = binary.LittleEndian.Uint16(wav[body+14:])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("audio: wav data chunk before fmt chunk")
			}
			if format != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("audio: unsupported wav format %d/%d-bit, want PCM 16-bit", format, bits)
			}
			if channels != 1 {
				return nil, 0, fmt.Errorf("audio: unsupported wav channel count %d", channels)
			}
			return append([]byte(nil), wav[body:body+size]...), int(rate), nil
		}
		// Chunks are word-aligned.
		off = body + size + size%2
	}
	return nil, 0, fmt.Errorf("audio: wav data chunk not found")
}

// WrapPCMInWAV builds a minimal mono 16-bit PCM RIFF container. Buffered
// recognizers post utterances as WAV files.
func WrapPCMInWAV(pcm []byte, sampleRate int) []byte {
	out := make([]byte, 44+len(pcm))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], 1)
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(out[32:], 2)
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}
