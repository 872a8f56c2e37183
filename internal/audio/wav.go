package audio

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// wavSource replays a previously recorded WAV file (reuse-audio mode).
type wavSource struct {
	file     *os.File
	dec      *wav.Decoder
	buf      *goaudio.IntBuffer
	scale    float32
	channels int
}

// NewWAVSource opens a PCM WAV file whose sample rate must equal sampleRate.
func NewWAVSource(path string, sampleRate int) (Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &CaptureError{Source: "wav", Err: fmt.Errorf("audio file %s not found; record audio first: %w", path, err)}
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, &CaptureError{Source: "wav", Err: fmt.Errorf("%s is not a valid wav file", path)}
	}
	if int(dec.SampleRate) != sampleRate {
		file.Close()
		return nil, &CaptureError{Source: "wav", Err: fmt.Errorf("%s has sample rate %d, expected %d", path, dec.SampleRate, sampleRate)}
	}
	if dec.BitDepth == 0 || dec.NumChans == 0 {
		file.Close()
		return nil, &CaptureError{Source: "wav", Err: fmt.Errorf("%s has an unsupported format", path)}
	}
	return &wavSource{
		file:     file,
		dec:      dec,
		buf:      &goaudio.IntBuffer{Format: dec.Format()},
		scale:    float32(int64(1) << (dec.BitDepth - 1)),
		channels: int(dec.NumChans),
	}, nil
}

func (s *wavSource) Name() string { return "wav" }

// Channels reports the channel count stored in the file.
func (s *wavSource) Channels() int { return s.channels }

func (s *wavSource) Read(_ context.Context, dst []float32) (int, error) {
	if cap(s.buf.Data) < len(dst) {
		s.buf.Data = make([]int, len(dst))
	}
	s.buf.Data = s.buf.Data[:len(dst)]
	n, err := s.dec.PCMBuffer(s.buf)
	if n == 0 {
		if err != nil && err != io.EOF {
			return 0, err
		}
		return 0, io.EOF
	}
	for i := 0; i < n; i++ {
		dst[i] = float32(s.buf.Data[i]) / s.scale
	}
	return n, nil
}

func (s *wavSource) Close() error {
	return s.file.Close()
}

// WriteWAV stores mono float32 samples as 16-bit PCM.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav: %w", err)
	}
	defer file.Close()

	data := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		data[i] = int(s * 32767)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Recorder keeps the first maxSeconds of captured audio and writes it as a WAV
// file on Close, so a later run can replay it with reuse-audio.
type Recorder struct {
	path       string
	sampleRate int
	limit      int
	mu         sync.Mutex
	samples    []float32
}

func NewRecorder(path string, sampleRate int, maxSeconds float64) *Recorder {
	limit := int(maxSeconds * float64(sampleRate))
	return &Recorder{path: path, sampleRate: sampleRate, limit: limit, samples: make([]float32, 0, limit)}
}

// Write appends mono samples until the recorder is full.
func (r *Recorder) Write(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.limit - len(r.samples)
	if room <= 0 {
		return
	}
	if len(samples) > room {
		samples = samples[:room]
	}
	r.samples = append(r.samples, samples...)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	samples := r.samples
	r.samples = nil
	r.mu.Unlock()
	if len(samples) == 0 {
		return nil
	}
	return WriteWAV(r.path, samples, r.sampleRate)
}
