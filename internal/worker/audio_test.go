package worker

import (
	"encoding/binary"
	"testing"
)

func pcm16(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func repeatSamples(a, b int16, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = a
		} else {
			samples[i] = b
		}
	}
	return pcm16(samples...)
}

func TestInspectPCM16_OddLength(t *testing.T) {
	if got := inspectPCM16([]byte{0x01, 0x02, 0x03}, 8000); got != audioOddLength {
		t.Fatalf("got %q, want %q", got, audioOddLength)
	}
}

func TestInspectPCM16_Empty(t *testing.T) {
	if got := inspectPCM16(nil, 8000); got != audioOK {
		t.Fatalf("got %q, want ok", got)
	}
}

func TestInspectPCM16_Silent(t *testing.T) {
	if got := inspectPCM16(pcm16(0, 0, 0, 0, 0, 0, 0, 0), 8000); got != audioSilent {
		t.Fatalf("got %q, want %q", got, audioSilent)
	}
}

func TestInspectPCM16_Clipped(t *testing.T) {
	data := repeatSamples(32767, -32768, 64)
	if got := inspectPCM16(data, 8000); got != audioClipped {
		t.Fatalf("got %q, want %q", got, audioClipped)
	}
}

func TestInspectPCM16_ConstantDC(t *testing.T) {
	data := repeatSamples(1000, 1000, 64)
	if got := inspectPCM16(data, 8000); got != audioConstantDC {
		t.Fatalf("got %q, want %q", got, audioConstantDC)
	}
}

func TestInspectPCM16_NormalSpeech(t *testing.T) {
	data := repeatSamples(1200, -900, 160)
	if got := inspectPCM16(data, 8000); got != audioOK {
		t.Fatalf("got %q, want ok", got)
	}
}

// Quiet narrowband audio passes where the same level on wideband is flagged.
func TestInspectPCM16_EnergyFloorDependsOnSampleRate(t *testing.T) {
	data := repeatSamples(5, -5, 160)
	if got := inspectPCM16(data, 8000); got != audioOK {
		t.Fatalf("narrowband got %q, want ok", got)
	}
	if got := inspectPCM16(data, 16000); got != audioSilent {
		t.Fatalf("wideband got %q, want %q", got, audioSilent)
	}
}
