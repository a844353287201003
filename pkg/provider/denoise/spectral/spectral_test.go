package spectral

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"
)

func makeSignal(n int, tone, noise float64) []byte {
	rng := rand.New(rand.NewSource(42))
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := tone*math.Sin(2*math.Pi*440*float64(i)/16000) + noise*(rng.Float64()*2-1)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*32767)))
	}
	return buf
}

func rmsOf(pcm []byte) float64 {
	n := len(pcm) / 2
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(WithFrameSize(511)); err == nil {
		t.Error("odd frame size accepted")
	}
	if _, err := New(WithFrameSize(0)); err == nil {
		t.Error("zero frame size accepted")
	}
	if _, err := New(WithOverSubtraction(0)); err == nil {
		t.Error("zero over-subtraction accepted")
	}
	if _, err := New(WithFloor(1)); err == nil {
		t.Error("floor of 1 accepted")
	}
}

func TestDenoiseReducesNoiseFloor(t *testing.T) {
	t.Parallel()

	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Pure low-level noise, no tone: the whole signal is noise floor.
	in := makeSignal(16000, 0, 0.05)
	out, err := d.Denoise(in)
	if err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("output length %d, want %d", len(out), len(in))
	}

	before, after := rmsOf(in), rmsOf(out)
	if after >= before {
		t.Errorf("noise RMS did not drop: before %v, after %v", before, after)
	}
}

func TestDenoiseKeepsTone(t *testing.T) {
	t.Parallel()

	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := makeSignal(16000, 0.5, 0.02)
	out, err := d.Denoise(in)
	if err != nil {
		t.Fatalf("Denoise: %v", err)
	}

	before, after := rmsOf(in), rmsOf(out)
	// The dominant tone must survive; allow the noise share to go.
	if after < before*0.5 {
		t.Errorf("tone attenuated too much: before %v, after %v", before, after)
	}
}

func TestDenoiseShortInputPassesThrough(t *testing.T) {
	t.Parallel()

	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := makeSignal(100, 0.5, 0)
	out, err := d.Denoise(in)
	if err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("output length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatal("short input was modified, want pass-through copy")
		}
	}
	// Must be a copy, not an alias.
	out[0] ^= 0xFF
	if in[0] == out[0] {
		t.Error("pass-through output aliases the input")
	}
}

func TestDenoiseRejectsOddLength(t *testing.T) {
	t.Parallel()

	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := d.Denoise(make([]byte, 3)); err == nil {
		t.Error("odd-length input accepted")
	}
}

func TestDenoiseDoesNotModifyInput(t *testing.T) {
	t.Parallel()

	d, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := makeSignal(8000, 0.3, 0.05)
	orig := make([]byte, len(in))
	copy(orig, in)

	if _, err := d.Denoise(in); err != nil {
		t.Fatalf("Denoise: %v", err)
	}
	for i := range in {
		if in[i] != orig[i] {
			t.Fatal("input buffer was modified")
		}
	}
}
