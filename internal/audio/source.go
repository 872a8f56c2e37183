package audio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/mattn/go-shellwords"
)

// NewSource builds the capture source selected by cfg.
func NewSource(cfg config.AudioConfig) (Source, error) {
	if cfg.ReuseAudio {
		return NewWAVSource(cfg.WAVPath, cfg.SampleRate)
	}
	switch cfg.Source {
	case "exec":
		return NewExecSource(cfg.Command, cfg.Channels)
	case "wav":
		return NewWAVSource(cfg.WAVPath, cfg.SampleRate)
	case "portaudio":
		return NewPortAudioSource(cfg.SampleRate, cfg.Channels, cfg.BlockFrames)
	case "silence":
		return NewSilenceSource(cfg.SampleRate, cfg.Channels, 0, true), nil
	default:
		return nil, fmt.Errorf("unsupported audio source %q", cfg.Source)
	}
}

// execSource reads signed 16-bit little-endian PCM from a capture command's stdout.
type execSource struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	reader   *bufio.Reader
	channels int
	scratch  []byte

	mu     sync.Mutex
	stderr bytes.Buffer

	once    sync.Once
	waitErr error
}

// stderrWriter keeps the first 4 KiB of the capture command's stderr.
type stderrWriter struct {
	s *execSource
}

func (w stderrWriter) Write(p []byte) (int, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()
	if w.s.stderr.Len() < 4096 {
		w.s.stderr.Write(p)
	}
	return len(p), nil
}

func NewExecSource(command string, channels int) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, &CaptureError{Source: "exec", Err: fmt.Errorf("parse capture command: %w", err)}
	}
	if len(args) == 0 {
		return nil, &CaptureError{Source: "exec", Err: fmt.Errorf("capture command is empty")}
	}

	s := &execSource{channels: channels}
	s.cmd = exec.Command(args[0], args[1:]...)
	s.cmd.Stderr = stderrWriter{s: s}
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return nil, &CaptureError{Source: "exec", Err: err}
	}
	if err := s.cmd.Start(); err != nil {
		return nil, &CaptureError{Source: "exec", Err: fmt.Errorf("start capture command: %w", err)}
	}
	s.stdout = stdout
	s.reader = bufio.NewReaderSize(stdout, 64*1024)
	return s, nil
}

func (s *execSource) Name() string { return "exec" }

func (s *execSource) Read(_ context.Context, dst []float32) (int, error) {
	// whole frames only
	frames := len(dst) / s.channels
	need := frames * s.channels * 2
	if cap(s.scratch) < need {
		s.scratch = make([]byte, need)
	}
	buf := s.scratch[:need]
	n, err := io.ReadFull(s.reader, buf)
	samples := (n / (2 * s.channels)) * s.channels
	for i := 0; i < samples; i++ {
		dst[i] = float32(int16(binary.LittleEndian.Uint16(buf[i*2:]))) / 32768
	}
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = s.exitError()
		}
		return samples, err
	}
	return samples, nil
}

// wait reaps the command once. After it returns stderr is complete.
func (s *execSource) wait() error {
	s.once.Do(func() { s.waitErr = s.cmd.Wait() })
	return s.waitErr
}

func (s *execSource) exitError() error {
	waitErr := s.wait()
	s.mu.Lock()
	msg := string(bytes.TrimSpace(s.stderr.Bytes()))
	s.mu.Unlock()
	if msg == "" && waitErr != nil {
		msg = waitErr.Error()
	}
	if msg == "" {
		msg = "end of stream"
	}
	return fmt.Errorf("capture command exited: %s", msg)
}

func (s *execSource) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.wait()
	return nil
}

// silenceSource produces zeros; paced at the sample rate when realtime is set.
type silenceSource struct {
	sampleRate int
	channels   int
	remaining  int64
	limited    bool
	realtime   bool
}

// NewSilenceSource returns a source of digital silence. A zero limit never ends.
func NewSilenceSource(sampleRate, channels int, limit time.Duration, realtime bool) Source {
	frames := int64(limit.Seconds() * float64(sampleRate))
	return &silenceSource{
		sampleRate: sampleRate,
		channels:   channels,
		remaining:  frames * int64(channels),
		limited:    limit > 0,
		realtime:   realtime,
	}
}

func (s *silenceSource) Name() string { return "silence" }

func (s *silenceSource) Read(ctx context.Context, dst []float32) (int, error) {
	n := len(dst) - len(dst)%s.channels
	if s.limited {
		if s.remaining <= 0 {
			return 0, io.EOF
		}
		if int64(n) > s.remaining {
			n = int(s.remaining)
		}
		s.remaining -= int64(n)
	}
	if s.realtime {
		wait := time.Duration(n/s.channels) * time.Second / time.Duration(s.sampleRate)
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(wait):
		}
	}
	clear(dst[:n])
	return n, nil
}

func (s *silenceSource) Close() error { return nil }
