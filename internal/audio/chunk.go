package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCapture is the kind of every failure to open or read the capture device.
var ErrCapture = errors.New("capture error")

// CaptureError reports that the audio device is unavailable or disconnected.
type CaptureError struct {
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture error (%s): %v", e.Source, e.Err)
}

func (e *CaptureError) Unwrap() []error { return []error{ErrCapture, e.Err} }

// Chunk is a fixed-duration slice of mono audio. It is immutable once returned
// by the chunker; consumers must not modify Samples.
type Chunk struct {
	Seq        uint64
	CapturedAt time.Time
	SampleRate int
	Samples    []float32
	// Overlap is the number of leading samples repeated from the previous chunk.
	Overlap int
	// Flush marks a trailing chunk shorter than the configured duration,
	// produced at end of stream or on an explicit flush request.
	Flush bool
}

func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Peak returns the largest absolute sample value.
func (c Chunk) Peak() float32 {
	var peak float32
	for _, s := range c.Samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}

// Source yields interleaved float32 frames in [-1, 1].
type Source interface {
	// Read fills dst with up to len(dst) samples. io.EOF marks a finite source
	// that has been fully consumed; any other error is a device failure.
	Read(ctx context.Context, dst []float32) (int, error)
	Close() error
	Name() string
}
