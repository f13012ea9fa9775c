package whisper

import (
	"encoding/binary"
	"math"
)

// energyVAD classifies chunks of 16-bit PCM as speech or silence by
// short-window RMS energy. It is deliberately simple; telephone audio is
// mono and band-limited, and the endpointing logic above it smooths over
// single-chunk misfires.
type energyVAD struct {
	threshold float64
}

func newEnergyVAD(threshold float64) *energyVAD {
	if threshold <= 0 {
		threshold = 300
	}
	return &energyVAD{threshold: threshold}
}

func (v *energyVAD) isSpeech(pcm []byte) bool {
	return rmsEnergy(pcm) >= v.threshold
}

func rmsEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
