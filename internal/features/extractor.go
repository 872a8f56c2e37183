// Package features turns audio chunks into the log-mel tensors the encoder
// consumes.
package features

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/tensor"
)

const (
	NFFT       = 400
	HopLength  = 160
	SampleRate = 16000
	logFloor   = 1e-10
)

// Layout is the memory order of the feature tensor.
type Layout string

const (
	LayoutNHWC Layout = "nhwc"
	LayoutNCHW Layout = "nchw"
)

var ErrFeatureShape = errors.New("feature shape")

// FeatureShapeError reports a chunk whose length is outside tolerance.
type FeatureShapeError struct {
	Seq      uint64
	Expected int
	Got      int
}

func (e *FeatureShapeError) Error() string {
	return fmt.Sprintf("chunk %d has %d samples, expected %d", e.Seq, e.Got, e.Expected)
}

func (e *FeatureShapeError) Unwrap() error { return ErrFeatureShape }

// Tensor is the encoder input produced for one chunk.
type Tensor struct {
	Seq uint64
	tensor.Tensor
}

// Config parameterises an Extractor.
type Config struct {
	ChunkSeconds float64
	Mels         int
	Layout       Layout
	// Tolerance is the accepted relative length deviation before a chunk is rejected.
	Tolerance float64
}

// Extractor computes Whisper log-mel spectrograms. It is safe for concurrent
// use; the filterbank and window are read-only after construction.
type Extractor struct {
	cfg      Config
	samples  int
	frames   int
	window   []float64
	filters  [][]float64
	fftPool  sync.Pool
	freqBins int
}

func NewExtractor(cfg Config) (*Extractor, error) {
	if cfg.ChunkSeconds <= 0 {
		return nil, fmt.Errorf("chunk seconds must be positive")
	}
	if cfg.Mels <= 0 {
		cfg.Mels = 80
	}
	switch cfg.Layout {
	case "":
		cfg.Layout = LayoutNHWC
	case LayoutNHWC, LayoutNCHW:
	default:
		return nil, fmt.Errorf("unsupported feature layout %q", cfg.Layout)
	}
	if cfg.Tolerance < 0 {
		return nil, fmt.Errorf("tolerance must not be negative")
	}
	samples := int(math.Round(cfg.ChunkSeconds * SampleRate))
	e := &Extractor{
		cfg:      cfg,
		samples:  samples,
		frames:   samples / HopLength,
		window:   hann(NFFT),
		filters:  melFilterbank(SampleRate, NFFT, cfg.Mels),
		freqBins: NFFT/2 + 1,
	}
	e.fftPool.New = func() any { return fourier.NewFFT(NFFT) }
	return e, nil
}

// Shape is the tensor shape Extract returns.
func (e *Extractor) Shape() []int {
	if e.cfg.Layout == LayoutNCHW {
		return []int{1, e.cfg.Mels, 1, e.frames}
	}
	return []int{1, 1, e.frames, e.cfg.Mels}
}

// Extract converts chunk into a log-mel tensor. Flush chunks and chunks within
// tolerance are zero-padded or truncated to the expected length.
func (e *Extractor) Extract(chunk audio.Chunk) (Tensor, error) {
	if chunk.SampleRate != SampleRate {
		return Tensor{}, fmt.Errorf("chunk %d sample rate %d: %w", chunk.Seq, chunk.SampleRate, ErrFeatureShape)
	}
	got := len(chunk.Samples)
	deviation := math.Abs(float64(got-e.samples)) / float64(e.samples)
	if deviation > e.cfg.Tolerance && !(chunk.Flush && got < e.samples && got > 0) {
		return Tensor{}, &FeatureShapeError{Seq: chunk.Seq, Expected: e.samples, Got: got}
	}

	signal := make([]float64, e.samples)
	for i := 0; i < e.samples && i < got; i++ {
		signal[i] = float64(chunk.Samples[i])
	}

	mel := e.logMel(signal)
	out := Tensor{Seq: chunk.Seq, Tensor: tensor.New(e.Shape()...)}
	mels := e.cfg.Mels
	for f := 0; f < e.frames; f++ {
		for m := 0; m < mels; m++ {
			v := float32(mel[f*mels+m])
			if e.cfg.Layout == LayoutNCHW {
				out.Data[m*e.frames+f] = v
			} else {
				out.Data[f*mels+m] = v
			}
		}
	}
	return out, nil
}

// logMel returns frame-major log-mel values for a signal of e.samples.
func (e *Extractor) logMel(signal []float64) []float64 {
	padded := reflectPad(signal, NFFT/2)
	fft := e.fftPool.Get().(*fourier.FFT)
	defer e.fftPool.Put(fft)

	mels := e.cfg.Mels
	out := make([]float64, e.frames*mels)
	frame := make([]float64, NFFT)
	coeffs := make([]complex128, e.freqBins)
	power := make([]float64, e.freqBins)
	maxLog := math.Inf(-1)

	for f := 0; f < e.frames; f++ {
		start := f * HopLength
		for i := 0; i < NFFT; i++ {
			frame[i] = padded[start+i] * e.window[i]
		}
		coeffs = fft.Coefficients(coeffs, frame)
		for k, c := range coeffs {
			power[k] = real(c)*real(c) + imag(c)*imag(c)
		}
		for m := 0; m < mels; m++ {
			var sum float64
			for k, w := range e.filters[m] {
				if w != 0 {
					sum += w * power[k]
				}
			}
			v := math.Log10(math.Max(sum, logFloor))
			out[f*mels+m] = v
			if v > maxLog {
				maxLog = v
			}
		}
	}

	floor := maxLog - 8
	for i, v := range out {
		if v < floor {
			v = floor
		}
		out[i] = (v + 4) / 4
	}
	return out
}

func reflectPad(x []float64, pad int) []float64 {
	n := len(x)
	out := make([]float64, n+2*pad)
	copy(out[pad:], x)
	for i := 0; i < pad; i++ {
		if l := pad - i; l < n {
			out[i] = x[l]
		}
		if r := n - 2 - i; r >= 0 {
			out[pad+n+i] = x[r]
		}
	}
	return out
}

// hann is the periodic Hann window.
func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// melFilterbank builds Slaney-normalised triangular filters on the Slaney mel scale.
func melFilterbank(sampleRate, nfft, mels int) [][]float64 {
	bins := nfft/2 + 1
	fftFreqs := make([]float64, bins)
	for i := range fftFreqs {
		fftFreqs[i] = float64(i) * float64(sampleRate) / float64(nfft)
	}
	minMel, maxMel := hzToMel(0), hzToMel(float64(sampleRate)/2)
	points := make([]float64, mels+2)
	for i := range points {
		points[i] = melToHz(minMel + (maxMel-minMel)*float64(i)/float64(mels+1))
	}

	filters := make([][]float64, mels)
	for m := 0; m < mels; m++ {
		lo, center, hi := points[m], points[m+1], points[m+2]
		norm := 2 / (hi - lo)
		row := make([]float64, bins)
		for k, f := range fftFreqs {
			lower := (f - lo) / (center - lo)
			upper := (hi - f) / (hi - center)
			if w := math.Min(lower, upper); w > 0 {
				row[k] = w * norm
			}
		}
		filters[m] = row
	}
	return filters
}

const (
	melLinearStep = 200.0 / 3
	melLogHz      = 1000.0
	melLogMel     = melLogHz / melLinearStep
)

var melLogStep = math.Log(6.4) / 27

func hzToMel(hz float64) float64 {
	if hz < melLogHz {
		return hz / melLinearStep
	}
	return melLogMel + math.Log(hz/melLogHz)/melLogStep
}

func melToHz(mel float64) float64 {
	if mel < melLogMel {
		return mel * melLinearStep
	}
	return melLogHz * math.Exp(melLogStep*(mel-melLogMel))
}
