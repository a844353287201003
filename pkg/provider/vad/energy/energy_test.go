package energy

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/asrhub/pkg/provider/vad"
)

const (
	testRate    = 16000
	testFrameMs = 20
)

func testConfig() vad.Config {
	return vad.Config{
		SampleRate:      testRate,
		FrameSizeMs:     testFrameMs,
		SpeechThreshold: 0.05,
	}
}

// sineFrame generates one frame of a 200 Hz tone at the given amplitude
// (0-1). Low frequency keeps the zero-crossing rate well under the noise
// cutoff.
func sineFrame(amplitude float64) []byte {
	n := testRate * testFrameMs / 1000
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*200*float64(i)/testRate)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(v*32767)))
	}
	return buf
}

func silentFrame() []byte {
	n := testRate * testFrameMs / 1000
	return make([]byte, n*2)
}

func TestNewSessionValidation(t *testing.T) {
	t.Parallel()

	e := New()
	cases := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero sample rate", vad.Config{FrameSizeMs: 20, SpeechThreshold: 0.5}},
		{"zero frame size", vad.Config{SampleRate: 16000, SpeechThreshold: 0.5}},
		{"threshold above one", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 1.5}},
		{"silence above speech", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.3, SilenceThreshold: 0.5}},
	}
	for _, tc := range cases {
		if _, err := e.NewSession(tc.cfg); err == nil {
			t.Errorf("%s: NewSession returned nil error", tc.name)
		}
	}
}

func TestSpeechStartAfterHysteresis(t *testing.T) {
	t.Parallel()

	e := New(WithSpeechFrames(3), WithSilenceFrames(5))
	sess, err := e.NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	loud := sineFrame(0.5)

	var sawStart bool
	for i := 0; i < 3; i++ {
		ev, err := sess.ProcessFrame(loud)
		if err != nil {
			t.Fatalf("ProcessFrame %d: %v", i, err)
		}
		if ev.Type == vad.SpeechStart {
			if i < 2 {
				t.Errorf("speech started on frame %d, want hysteresis of 3 frames", i)
			}
			sawStart = true
		}
	}
	if !sawStart {
		t.Error("no SpeechStart event after 3 loud frames")
	}

	ev, err := sess.ProcessFrame(loud)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.SpeechContinue {
		t.Errorf("event after start = %v, want SpeechContinue", ev.Type)
	}
	if sess.SilenceFor() != 0 {
		t.Errorf("SilenceFor during speech = %v, want 0", sess.SilenceFor())
	}
}

func TestSpeechEndAndSilenceRun(t *testing.T) {
	t.Parallel()

	e := New(WithSpeechFrames(1), WithSilenceFrames(2))
	sess, err := e.NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.ProcessFrame(sineFrame(0.5)); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}

	quiet := silentFrame()
	var end vad.Event
	for i := 0; i < 2; i++ {
		ev, err := sess.ProcessFrame(quiet)
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		end = ev
	}
	if end.Type != vad.SpeechEnd {
		t.Fatalf("event after silence run = %v, want SpeechEnd", end.Type)
	}
	if end.SilenceDuration <= 0 {
		t.Error("SpeechEnd carries no SilenceDuration")
	}

	ev, err := sess.ProcessFrame(quiet)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != vad.Silence {
		t.Errorf("event = %v, want Silence", ev.Type)
	}
	want := 2 * time.Duration(testFrameMs) * time.Millisecond
	if sess.SilenceFor() < want {
		t.Errorf("SilenceFor = %v, want >= %v", sess.SilenceFor(), want)
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	e := New(WithSpeechFrames(1))
	sess, err := e.NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.ProcessFrame(sineFrame(0.5)); err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	sess.Reset()
	if sess.SilenceFor() != 0 {
		t.Errorf("SilenceFor after Reset = %v, want 0", sess.SilenceFor())
	}

	ev, err := sess.ProcessFrame(silentFrame())
	if err != nil {
		t.Fatalf("ProcessFrame after Reset: %v", err)
	}
	if ev.Type != vad.Silence {
		t.Errorf("event after Reset = %v, want Silence", ev.Type)
	}
}

func TestWrongFrameSize(t *testing.T) {
	t.Parallel()

	sess, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Error("ProcessFrame accepted a wrong-size frame")
	}
}

func TestClosedSession(t *testing.T) {
	t.Parallel()

	sess, err := New().NewSession(testConfig())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := sess.ProcessFrame(silentFrame()); err == nil {
		t.Error("ProcessFrame on closed session returned nil error")
	}
}
