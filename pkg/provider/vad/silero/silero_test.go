package silero

import (
	"testing"

	"github.com/MrWong99/asrhub/pkg/provider/vad"
)

// Session creation loads a native model, so these tests cover the pure
// pieces: engine validation and sample conversion.

func TestNewRequiresModelPath(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") returned nil error")
	}
}

func TestNewSessionRejectsBadConfig(t *testing.T) {
	t.Parallel()

	e, err := New("silero_vad.onnx")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		name string
		cfg  vad.Config
	}{
		{"wrong sample rate", vad.Config{SampleRate: 8000, FrameSizeMs: 32}},
		{"zero frame size", vad.Config{SampleRate: 16000}},
		{"threshold out of range", vad.Config{SampleRate: 16000, FrameSizeMs: 32, SpeechThreshold: 2}},
	}
	for _, tc := range cases {
		if _, err := e.NewSession(tc.cfg); err == nil {
			t.Errorf("%s: NewSession returned nil error", tc.name)
		}
	}
}

func TestBytesToFloat32(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x00, 0x00, 0x00, 0x80}
	got := bytesToFloat32(pcm)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0] != 0 || got[1] != -1 {
		t.Errorf("samples = %v, want [0 -1]", got)
	}
}

func TestProbabilityFor(t *testing.T) {
	t.Parallel()

	if p := probabilityFor(false, 0.5); p != 0 {
		t.Errorf("probabilityFor(false) = %v, want 0", p)
	}
	if p := probabilityFor(true, 0.5); p <= 0.5 || p > 1 {
		t.Errorf("probabilityFor(true, 0.5) = %v, want in (0.5, 1]", p)
	}
}
