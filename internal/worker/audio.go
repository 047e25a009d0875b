package worker

import (
	"encoding/binary"
	"math"
)

// Audio format diagnostics. These never gate processing: telephony audio is
// lossy and legitimately quiet, so anomalies are surfaced as metrics only.
const (
	audioOK         = ""
	audioOddLength  = "odd_length"
	audioSilent     = "silent"
	audioClipped    = "clipped"
	audioConstantDC = "constant_dc"
)

// Narrowband 8 kHz telephony carries less energy than 16 kHz wideband, so
// the silence floor is lower there: quiet speech on a narrowband trunk must
// not be flagged as a format error.
const (
	energyFloorNarrowband = 3.0
	energyFloorWideband   = 8.0
)

// inspectPCM16 checks decoded PCM16 energy and value range and returns a
// diagnostic kind, or audioOK. A "silent" result on a short chunk usually
// means comfort noise; sustained silence across chunks with full-scale
// clipping means the payload is probably not PCM16 at all.
func inspectPCM16(data []byte, sampleRate int) string {
	if len(data)%2 != 0 {
		return audioOddLength
	}
	n := len(data) / 2
	if n == 0 {
		return audioOK
	}

	var sumSq float64
	clipped := 0
	first := int16(binary.LittleEndian.Uint16(data[:2]))
	constant := true
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(data[2*i:]))
		v := float64(s)
		sumSq += v * v
		if s == 32767 || s == -32768 {
			clipped++
		}
		if s != first {
			constant = false
		}
	}

	if constant && first != 0 {
		return audioConstantDC
	}
	if clipped*4 >= n {
		return audioClipped
	}

	floor := energyFloorWideband
	if sampleRate <= 8000 {
		floor = energyFloorNarrowband
	}
	rms := math.Sqrt(sumSq / float64(n))
	if rms < floor {
		return audioSilent
	}
	return audioOK
}
