package audio

import (
	"encoding/binary"
	"errors"
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func samplesFromPCM(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return s
}

func TestConvertFastPath(t *testing.T) {
	t.Parallel()

	conv := FormatConverter{Target: HubFormat()}
	in := pcmFromSamples([]int16{1, 2, 3})
	out := conv.Convert(in, HubFormat())
	if &out[0] != &in[0] {
		t.Error("matching format did not return the input unchanged")
	}
}

func TestConvertDropsOddLength(t *testing.T) {
	t.Parallel()

	conv := FormatConverter{Target: HubFormat()}
	if out := conv.Convert([]byte{1, 2, 3}, Format{SampleRate: 48000, Channels: 2}); out != nil {
		t.Errorf("odd-length input returned %d bytes, want nil", len(out))
	}
}

func TestTo16kMonoFromStereo48k(t *testing.T) {
	t.Parallel()

	// 48 kHz stereo, 48 frames = 1 ms.
	samples := make([]int16, 96)
	for i := range samples {
		samples[i] = int16(i * 100)
	}
	out := To16kMono(pcmFromSamples(samples), 48000, 2)

	// 1 ms at 16 kHz mono = 16 samples = 32 bytes.
	if len(out) != 32 {
		t.Errorf("output length = %d bytes, want 32", len(out))
	}
}

func TestStereoToMonoAverages(t *testing.T) {
	t.Parallel()

	in := pcmFromSamples([]int16{100, 200, -100, 300})
	got := samplesFromPCM(StereoToMono(in))
	want := []int16{150, 100}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereoDuplicates(t *testing.T) {
	t.Parallel()

	in := pcmFromSamples([]int16{42, -7})
	got := samplesFromPCM(MonoToStereo(in))
	want := []int16{42, 42, -7, -7}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16Halves(t *testing.T) {
	t.Parallel()

	in := pcmFromSamples(make([]int16, 320)) // 10 ms at 32 kHz
	out := ResampleMono16(in, 32000, 16000)
	if len(out) != 320 { // 160 samples
		t.Errorf("resampled length = %d bytes, want 320", len(out))
	}
}

func TestResampleSameRatePassthrough(t *testing.T) {
	t.Parallel()

	in := pcmFromSamples([]int16{1, 2, 3})
	if out := ResampleMono16(in, 16000, 16000); &out[0] != &in[0] {
		t.Error("same-rate resample did not return input unchanged")
	}
}

func TestFormatHelpers(t *testing.T) {
	t.Parallel()

	f := HubFormat()
	if got := f.BytesPerSecond(); got != 32000 {
		t.Errorf("BytesPerSecond = %d, want 32000", got)
	}
	if got := f.DurationMsToBytes(400); got != 12800 {
		t.Errorf("DurationMsToBytes(400) = %d, want 12800", got)
	}
	if got := f.BytesToDurationMs(12800); got != 400 {
		t.Errorf("BytesToDurationMs(12800) = %d, want 400", got)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	t.Parallel()

	pcm := pcmFromSamples([]int16{10, -20, 30, -40})
	wav := BuildWAV(pcm, 16000, 1)

	got, format, err := ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if format.SampleRate != 16000 || format.Channels != 1 {
		t.Errorf("format = %+v, want 16000/1", format)
	}
	if len(got) != len(pcm) {
		t.Fatalf("payload = %d bytes, want %d", len(got), len(pcm))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatal("payload differs from input")
		}
	}
}

func TestParseWAVRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, _, err := ParseWAV([]byte("not a wav file, just bytes that are long enough to pass")); !errors.Is(err, ErrNotWAV) {
		t.Errorf("error = %v, want ErrNotWAV", err)
	}
	if _, _, err := ParseWAV(nil); !errors.Is(err, ErrNotWAV) {
		t.Errorf("error = %v, want ErrNotWAV", err)
	}
}

func TestParseWAVRejectsCompressed(t *testing.T) {
	t.Parallel()

	wav := BuildWAV(pcmFromSamples([]int16{1, 2}), 16000, 1)
	// Flip the audio format field to 6 (a-law).
	binary.LittleEndian.PutUint16(wav[20:22], 6)
	if _, _, err := ParseWAV(wav); !errors.Is(err, ErrUnsupportedWAV) {
		t.Errorf("error = %v, want ErrUnsupportedWAV", err)
	}
}
