package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func samples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

func TestMuLawRoundTrip(t *testing.T) {
	// Quantization error of G.711 is bounded by the segment step size; for
	// mid-range values a round trip must land close to the original.
	for _, want := range []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000} {
		enc, err := Linear16ToMuLaw(pcm16(want))
		if err != nil {
			t.Fatal(err)
		}
		got := samples(MuLawToLinear16(enc))[0]
		diff := math.Abs(float64(got) - float64(want))
		if diff > 1000 {
			t.Fatalf("round trip %d -> %d, err %.0f", want, got, diff)
		}
	}
}

func TestMuLawSilence(t *testing.T) {
	enc, err := Linear16ToMuLaw(pcm16(0, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range samples(MuLawToLinear16(enc)) {
		if s != 0 {
			t.Fatalf("silence decoded to %d", s)
		}
	}
}

func TestLinear16ToMuLawOddLength(t *testing.T) {
	if _, err := Linear16ToMuLaw([]byte{0x01}); err == nil {
		t.Fatal("odd-length pcm must error")
	}
}

func TestResampleSameRate(t *testing.T) {
	in := pcm16(1, 2, 3)
	out, err := Resample(in, 8000, 8000)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d", len(out))
	}
	out[0] = 0xFF
	if in[0] == 0xFF {
		t.Fatal("same-rate resample must copy")
	}
}

func TestResampleDownThreeToOne(t *testing.T) {
	// One second of 24 kHz PCM down to 8 kHz yields a third of the samples.
	in := make([]byte, 24000*2)
	out, err := Resample(in, 24000, 8000)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 8000*2 {
		t.Fatalf("24k->8k len = %d, want %d", len(out), 8000*2)
	}
	// And the telephony wire sees one mu-law byte per sample.
	wire, err := Linear16ToMuLaw(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(wire) != 8000 {
		t.Fatalf("wire bytes = %d", len(wire))
	}
}

func TestResampleUpInterpolates(t *testing.T) {
	out, err := Resample(pcm16(0, 1000), 8000, 16000)
	if err != nil {
		t.Fatal(err)
	}
	got := samples(out)
	if len(got) != 4 {
		t.Fatalf("len = %d", len(got))
	}
	if got[1] != 500 {
		t.Fatalf("midpoint = %d, want 500", got[1])
	}
}

func TestResampleErrors(t *testing.T) {
	if _, err := Resample([]byte{0x01}, 8000, 16000); err == nil {
		t.Fatal("odd length must error")
	}
	if _, err := Resample(nil, 0, 8000); err == nil {
		t.Fatal("zero rate must error")
	}
}

func TestWavRoundTrip(t *testing.T) {
	pcm := pcm16(10, -10, 2000, -2000)
	wav := WrapPCMInWAV(pcm, 24000)
	got, rate, err := ExtractPCMFromWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 24000 {
		t.Fatalf("rate = %d", rate)
	}
	if len(got) != len(pcm) {
		t.Fatalf("len = %d", len(got))
	}
	for i := range got {
		if got[i] != pcm[i] {
			t.Fatalf("byte %d differs", i)
		}
	}
}

func TestExtractPCMFromWAVRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("RIFFxxxx"),
		[]byte("not audio at all, just text padding"),
	}
	for _, c := range cases {
		if _, _, err := ExtractPCMFromWAV(c); err == nil {
			t.Fatalf("payload %q must error", c)
		}
	}
}

func TestExtractPCMFromWAVTruncatedChunk(t *testing.T) {
	wav := WrapPCMInWAV(pcm16(1, 2, 3, 4), 8000)
	if _, _, err := ExtractPCMFromWAV(wav[:len(wav)-3]); err == nil {
		t.Fatal("truncated data chunk must error")
	}
}
