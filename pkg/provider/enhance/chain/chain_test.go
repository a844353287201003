package chain

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/asrhub/pkg/provider/enhance"
)

func tone(n int, freq, amplitude float64) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/16000)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*32767)))
	}
	return buf
}

func peakOf(pcm []byte) float64 {
	var peak float64
	for i := 0; i+1 < len(pcm); i += 2 {
		v := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i:]))) / 32768.0)
		if v > peak {
			peak = v
		}
	}
	return peak
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(WithSampleRate(0)); err == nil {
		t.Error("zero sample rate accepted")
	}
	if _, err := New(WithCutoff(0)); err == nil {
		t.Error("zero cutoff accepted")
	}
	if _, err := New(WithCutoff(9000)); err == nil {
		t.Error("cutoff above Nyquist accepted")
	}
}

func TestStagesPerPurpose(t *testing.T) {
	t.Parallel()

	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		purpose enhance.Purpose
		want    []string
	}{
		{enhance.PurposeVAD, []string{"highpass", "gate"}},
		{enhance.PurposeWakeWord, []string{"highpass", "gate", "normalize"}},
		{enhance.PurposeASR, []string{"highpass", "normalize"}},
		{enhance.PurposeRecording, []string{"normalize"}},
		{enhance.PurposeGeneral, []string{"highpass"}},
	}

	in := tone(1600, 440, 0.4)
	for _, tc := range cases {
		_, report, err := e.Enhance(in, tc.purpose)
		if err != nil {
			t.Fatalf("Enhance(%s): %v", tc.purpose, err)
		}
		if len(report.Stages) != len(tc.want) {
			t.Errorf("%s: stages = %v, want %v", tc.purpose, report.Stages, tc.want)
			continue
		}
		for i := range tc.want {
			if report.Stages[i] != tc.want[i] {
				t.Errorf("%s: stages = %v, want %v", tc.purpose, report.Stages, tc.want)
				break
			}
		}
	}
}

func TestUnknownPurposeRejected(t *testing.T) {
	t.Parallel()

	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := e.Enhance(tone(100, 440, 0.4), enhance.Purpose("bogus")); err == nil {
		t.Error("unknown purpose accepted")
	}
}

func TestNormalizeBoostsQuietAudio(t *testing.T) {
	t.Parallel()

	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := tone(1600, 440, 0.1)
	out, report, err := e.Enhance(in, enhance.PurposeRecording)
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	if report.GainDB <= 0 {
		t.Errorf("GainDB = %v, want positive boost for quiet audio", report.GainDB)
	}
	if p := peakOf(out); p < 0.8 {
		t.Errorf("normalized peak = %v, want >= 0.8", p)
	}
}

func TestGateSilencesNoiseFloor(t *testing.T) {
	t.Parallel()

	e, err := New(WithGateThreshold(0.02))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Near-silence well under the gate threshold.
	in := tone(1600, 440, 0.002)
	out, report, err := e.Enhance(in, enhance.PurposeVAD)
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	if report.GatedRatio < 0.9 {
		t.Errorf("GatedRatio = %v, want ~1 for pure noise floor", report.GatedRatio)
	}
	if p := peakOf(out); p > 0.001 {
		t.Errorf("gated output peak = %v, want silence", p)
	}
}

func TestHighPassRemovesDC(t *testing.T) {
	t.Parallel()

	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Constant DC offset.
	n := 1600
	in := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(in[i*2:], uint16(int16(16383)))
	}

	out, _, err := e.Enhance(in, enhance.PurposeGeneral)
	if err != nil {
		t.Fatalf("Enhance: %v", err)
	}

	// After the initial transient the DC level must be gone.
	var sum float64
	for i := n / 2; i < n; i++ {
		sum += float64(int16(binary.LittleEndian.Uint16(out[i*2:]))) / 32768.0
	}
	mean := sum / float64(n/2)
	if math.Abs(mean) > 0.01 {
		t.Errorf("residual DC = %v, want ~0", mean)
	}
}

func TestEnhanceDoesNotModifyInput(t *testing.T) {
	t.Parallel()

	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := tone(1600, 440, 0.3)
	orig := make([]byte, len(in))
	copy(orig, in)

	if _, _, err := e.Enhance(in, enhance.PurposeASR); err != nil {
		t.Fatalf("Enhance: %v", err)
	}
	for i := range in {
		if in[i] != orig[i] {
			t.Fatal("input buffer was modified")
		}
	}
}

func TestOddLengthRejected(t *testing.T) {
	t.Parallel()

	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := e.Enhance(make([]byte, 3), enhance.PurposeGeneral); err == nil {
		t.Error("odd-length input accepted")
	}
}
