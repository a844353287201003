// Package chain implements the built-in enhancement chains: a first-order
// high-pass filter against rumble, an RMS noise gate, and peak
// normalization. The stages that run depend on the purpose:
//
//	vad        high-pass + hard gate
//	wakeword   high-pass + gate + normalize
//	asr        high-pass + normalize
//	recording  normalize
//	general    high-pass
//
// Gating is deliberately absent from the asr chain: recognizers degrade
// on gated audio because the gate removes low-energy consonants.
package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/asrhub/pkg/provider/enhance"
)

const (
	// defaultCutoffHz is the high-pass corner frequency.
	defaultCutoffHz = 100.0

	// defaultGateThreshold is the normalized RMS below which a gate
	// window is silenced.
	defaultGateThreshold = 0.01

	// gateWindow is the gate decision granularity in samples (10 ms at
	// 16 kHz).
	gateWindow = 160

	// defaultTargetPeak is the normalization target as a fraction of
	// full scale.
	defaultTargetPeak = 0.9
)

// Compile-time assertion that Enhancer implements enhance.Enhancer.
var _ enhance.Enhancer = (*Enhancer)(nil)

// Option is a functional option for configuring an Enhancer.
type Option func(*Enhancer)

// WithSampleRate sets the sample rate the filter math assumes.
// Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(e *Enhancer) {
		e.sampleRate = rate
	}
}

// WithCutoff sets the high-pass corner frequency in Hz. Defaults to 100.
func WithCutoff(hz float64) Option {
	return func(e *Enhancer) {
		e.cutoffHz = hz
	}
}

// WithGateThreshold sets the normalized RMS below which gate windows are
// silenced. Defaults to 0.01.
func WithGateThreshold(threshold float64) Option {
	return func(e *Enhancer) {
		e.gateThreshold = threshold
	}
}

// Enhancer applies purpose-dependent enhancement chains. Stateless per
// call and safe for concurrent use.
type Enhancer struct {
	sampleRate    int
	cutoffHz      float64
	gateThreshold float64
	targetPeak    float64
}

// New creates an Enhancer with the given options.
func New(opts ...Option) (*Enhancer, error) {
	e := &Enhancer{
		sampleRate:    16000,
		cutoffHz:      defaultCutoffHz,
		gateThreshold: defaultGateThreshold,
		targetPeak:    defaultTargetPeak,
	}
	for _, o := range opts {
		o(e)
	}
	if e.sampleRate <= 0 {
		return nil, fmt.Errorf("chain: invalid sample rate %d", e.sampleRate)
	}
	if e.cutoffHz <= 0 || e.cutoffHz >= float64(e.sampleRate)/2 {
		return nil, fmt.Errorf("chain: cutoff %g Hz out of range for %d Hz audio", e.cutoffHz, e.sampleRate)
	}
	return e, nil
}

var errOddLength = errors.New("chain: pcm length is not a whole number of int16 samples")

// Enhance runs the chain selected by purpose.
func (e *Enhancer) Enhance(pcm []byte, purpose enhance.Purpose) ([]byte, enhance.Report, error) {
	if !purpose.Valid() {
		return nil, enhance.Report{}, fmt.Errorf("chain: unknown purpose %q", purpose)
	}
	if len(pcm)%2 != 0 {
		return nil, enhance.Report{}, errOddLength
	}

	samples := bytesToFloat64(pcm)
	report := enhance.Report{Purpose: purpose}

	highpass := purpose != enhance.PurposeRecording
	gate := purpose == enhance.PurposeVAD || purpose == enhance.PurposeWakeWord
	normalize := purpose == enhance.PurposeWakeWord || purpose == enhance.PurposeASR ||
		purpose == enhance.PurposeRecording

	if highpass {
		e.highPass(samples)
		report.Stages = append(report.Stages, "highpass")
	}
	if gate {
		report.GatedRatio = e.noiseGate(samples)
		report.Stages = append(report.Stages, "gate")
	}
	if normalize {
		report.GainDB = e.normalize(samples)
		report.Stages = append(report.Stages, "normalize")
	}

	return float64ToBytes(samples), report, nil
}

// highPass applies a first-order high-pass filter in place.
func (e *Enhancer) highPass(samples []float64) {
	rc := 1 / (2 * math.Pi * e.cutoffHz)
	dt := 1 / float64(e.sampleRate)
	alpha := rc / (rc + dt)

	var prevIn, prevOut float64
	for i, v := range samples {
		out := alpha * (prevOut + v - prevIn)
		prevIn = v
		prevOut = out
		samples[i] = out
	}
}

// noiseGate silences windows below the threshold and returns the silenced
// fraction.
func (e *Enhancer) noiseGate(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	gated := 0
	for start := 0; start < len(samples); start += gateWindow {
		end := start + gateWindow
		if end > len(samples) {
			end = len(samples)
		}
		var sum float64
		for _, v := range samples[start:end] {
			sum += v * v
		}
		rms := math.Sqrt(sum / float64(end-start))
		if rms < e.gateThreshold {
			for i := start; i < end; i++ {
				samples[i] = 0
			}
			gated += end - start
		}
	}
	return float64(gated) / float64(len(samples))
}

// normalize scales peaks to the target and returns the applied gain in
// dB. Quiet-but-not-silent audio is boosted, clipping audio attenuated.
func (e *Enhancer) normalize(samples []float64) float64 {
	var peak float64
	for _, v := range samples {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak < 1e-6 {
		return 0
	}
	gain := e.targetPeak / peak
	for i := range samples {
		samples[i] *= gain
	}
	return 20 * math.Log10(gain)
}

func bytesToFloat64(pcm []byte) []float64 {
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

func float64ToBytes(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}
