//go:build portaudio

package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

type portaudioSource struct {
	stream *portaudio.Stream
	buf    []float32
	once   sync.Once
}

// NewPortAudioSource opens the default input device.
func NewPortAudioSource(sampleRate, channels, frames int) (Source, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &CaptureError{Source: "portaudio", Err: err}
	}
	buf := make([]float32, frames*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), frames, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, &CaptureError{Source: "portaudio", Err: fmt.Errorf("open input stream: %w", err)}
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, &CaptureError{Source: "portaudio", Err: fmt.Errorf("start input stream: %w", err)}
	}
	return &portaudioSource{stream: stream, buf: buf}, nil
}

func (s *portaudioSource) Name() string { return "portaudio" }

func (s *portaudioSource) Read(_ context.Context, dst []float32) (int, error) {
	// overflow means the driver dropped frames; the block we got is still valid
	if err := s.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return 0, err
	}
	return copy(dst, s.buf), nil
}

func (s *portaudioSource) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.stream.Stop()
		err = s.stream.Close()
		portaudio.Terminate()
	})
	return err
}
