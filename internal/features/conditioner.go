package features

import (
	"math"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/audio"
)

const maxGain = 10

// ConditionerConfig tunes input conditioning ahead of feature extraction.
type ConditionerConfig struct {
	// VAD enables trimming of leading non-speech.
	VAD          bool
	VADThreshold float64
	VADWindow    time.Duration
	// LeadIn is kept before the first voiced window.
	LeadIn        time.Duration
	GainThreshold float64
	GainTarget    float64
}

// Report describes what the conditioner did to a chunk.
type Report struct {
	Peak   float32
	Gain   float32
	Offset time.Duration
	Voiced bool
}

// Conditioner boosts quiet input and aligns the first voiced window near the
// start of the chunk. It never changes the chunk length.
type Conditioner struct {
	cfg ConditionerConfig
}

func NewConditioner(cfg ConditionerConfig) *Conditioner {
	if cfg.VADWindow <= 0 {
		cfg.VADWindow = 30 * time.Millisecond
	}
	return &Conditioner{cfg: cfg}
}

// Condition returns a conditioned copy of chunk.
func (c *Conditioner) Condition(chunk audio.Chunk) (audio.Chunk, Report) {
	report := Report{Peak: chunk.Peak(), Gain: 1}
	samples := make([]float32, len(chunk.Samples))
	copy(samples, chunk.Samples)

	if report.Peak > 0 && float64(report.Peak) < c.cfg.GainThreshold && c.cfg.GainTarget > 0 {
		gain := float32(c.cfg.GainTarget) / report.Peak
		if gain > maxGain {
			gain = maxGain
		}
		for i := range samples {
			samples[i] *= gain
		}
		report.Gain = gain
	}

	if c.cfg.VAD && chunk.SampleRate > 0 {
		window := int(c.cfg.VADWindow.Seconds() * float64(chunk.SampleRate))
		if start, ok := firstVoiced(samples, window, c.cfg.VADThreshold); ok {
			report.Voiced = true
			lead := int(c.cfg.LeadIn.Seconds() * float64(chunk.SampleRate))
			if offset := start - lead; offset > 0 {
				n := copy(samples, samples[offset:])
				clear(samples[n:])
				report.Offset = time.Duration(offset) * time.Second / time.Duration(chunk.SampleRate)
			}
		}
	}

	out := chunk
	out.Samples = samples
	return out, report
}

// firstVoiced returns the start index of the first window whose RMS reaches threshold.
func firstVoiced(samples []float32, window int, threshold float64) (int, bool) {
	if window <= 0 {
		return 0, false
	}
	for start := 0; start+window <= len(samples); start += window {
		var energy float64
		for _, s := range samples[start : start+window] {
			energy += float64(s) * float64(s)
		}
		if math.Sqrt(energy/float64(window)) >= threshold {
			return start, true
		}
	}
	return 0, false
}
