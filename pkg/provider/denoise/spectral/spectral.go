// Package spectral implements noise suppression by spectral subtraction.
//
// The utterance is cut into half-overlapping Hann-windowed frames, each
// frame is transformed with an FFT, and a noise magnitude profile
// (estimated from the quietest frames of the utterance itself) is
// subtracted from every bin before the inverse transform. Overlap-add
// reconstruction keeps frame boundaries inaudible.
//
// Subtraction is capped by a spectral floor so that over-subtraction
// cannot produce the hollow "musical noise" artifact at aggressive
// settings.
package spectral

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"sync"

	"github.com/MrWong99/asrhub/pkg/provider/denoise"
	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	defaultFrameSize = 512

	// defaultOverSubtraction scales the noise profile before subtraction.
	defaultOverSubtraction = 1.5

	// defaultFloor keeps a fraction of the original magnitude in every
	// bin.
	defaultFloor = 0.05

	// noiseQuantile selects which fraction of the quietest frames feeds
	// the noise estimate.
	noiseQuantile = 0.2
)

// Compile-time assertion that Denoiser implements denoise.Denoiser.
var _ denoise.Denoiser = (*Denoiser)(nil)

// Option is a functional option for configuring a Denoiser.
type Option func(*Denoiser)

// WithFrameSize sets the FFT frame size in samples. Must be even.
// Defaults to 512 (32 ms at 16 kHz).
func WithFrameSize(n int) Option {
	return func(d *Denoiser) {
		d.frameSize = n
	}
}

// WithOverSubtraction sets the noise profile scale factor. Values above 1
// remove noise more aggressively. Defaults to 1.5.
func WithOverSubtraction(f float64) Option {
	return func(d *Denoiser) {
		d.overSubtraction = f
	}
}

// WithFloor sets the minimum fraction of the original magnitude kept per
// bin. Defaults to 0.05.
func WithFloor(f float64) Option {
	return func(d *Denoiser) {
		d.floor = f
	}
}

// Denoiser implements spectral subtraction. Safe for concurrent use; the
// FFT plan is guarded because gonum transforms share scratch space.
type Denoiser struct {
	frameSize       int
	overSubtraction float64
	floor           float64

	mu     sync.Mutex
	fft    *fourier.FFT
	window []float64
}

// New creates a Denoiser with the given options.
func New(opts ...Option) (*Denoiser, error) {
	d := &Denoiser{
		frameSize:       defaultFrameSize,
		overSubtraction: defaultOverSubtraction,
		floor:           defaultFloor,
	}
	for _, o := range opts {
		o(d)
	}
	if d.frameSize <= 0 || d.frameSize%2 != 0 {
		return nil, fmt.Errorf("spectral: frame size %d must be positive and even", d.frameSize)
	}
	if d.overSubtraction <= 0 {
		return nil, fmt.Errorf("spectral: over-subtraction %g must be positive", d.overSubtraction)
	}
	if d.floor < 0 || d.floor >= 1 {
		return nil, fmt.Errorf("spectral: floor %g out of range [0, 1)", d.floor)
	}
	d.fft = fourier.NewFFT(d.frameSize)
	d.window = hannWindow(d.frameSize)
	return d, nil
}

var errOddLength = errors.New("spectral: pcm length is not a whole number of int16 samples")

// Denoise suppresses the utterance's steady noise floor. Inputs shorter
// than two frames are returned unchanged (copied).
func (d *Denoiser) Denoise(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errOddLength
	}

	samples := bytesToFloat64(pcm)
	hop := d.frameSize / 2

	if len(samples) < d.frameSize*2 {
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	numFrames := (len(samples)-d.frameSize)/hop + 1

	// Pass 1: frame magnitudes and a per-frame energy ranking.
	spectra := make([][]complex128, numFrames)
	energies := make([]float64, numFrames)
	frame := make([]float64, d.frameSize)
	for f := 0; f < numFrames; f++ {
		start := f * hop
		var energy float64
		for i := 0; i < d.frameSize; i++ {
			v := samples[start+i] * d.window[i]
			frame[i] = v
			energy += v * v
		}
		spectra[f] = d.fft.Coefficients(nil, frame)
		energies[f] = energy
	}

	noise := d.noiseProfile(spectra, energies)

	// Pass 2: subtract and reconstruct with overlap-add.
	out := make([]float64, len(samples))
	norm := make([]float64, len(samples))
	for f := 0; f < numFrames; f++ {
		coeffs := spectra[f]
		for k, c := range coeffs {
			mag := cmplx.Abs(c)
			cleaned := mag - d.overSubtraction*noise[k]
			if min := mag * d.floor; cleaned < min {
				cleaned = min
			}
			if mag > 0 {
				coeffs[k] = c * complex(cleaned/mag, 0)
			}
		}
		rec := d.fft.Sequence(nil, coeffs)
		start := f * hop
		scale := 1 / float64(d.frameSize)
		for i := 0; i < d.frameSize; i++ {
			w := d.window[i]
			out[start+i] += rec[i] * scale * w
			norm[start+i] += w * w
		}
	}
	for i := range out {
		if norm[i] > 1e-9 {
			out[i] /= norm[i]
		} else {
			out[i] = samples[i]
		}
	}

	return float64ToBytes(out), nil
}

// noiseProfile averages the magnitude spectra of the quietest frames.
// Must be called with d.mu held.
func (d *Denoiser) noiseProfile(spectra [][]complex128, energies []float64) []float64 {
	n := len(energies)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return energies[order[a]] < energies[order[b]] })

	take := int(float64(n) * noiseQuantile)
	if take < 1 {
		take = 1
	}

	bins := len(spectra[0])
	profile := make([]float64, bins)
	for _, f := range order[:take] {
		for k, c := range spectra[f] {
			profile[k] += cmplx.Abs(c)
		}
	}
	for k := range profile {
		profile[k] /= float64(take)
	}
	return profile
}

func hannWindow(size int) []float64 {
	w := make([]float64, size)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(size-1)))
	}
	return w
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
