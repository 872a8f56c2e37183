package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// sliceSource replays a fixed buffer, then returns err (io.EOF by default).
type sliceSource struct {
	mu        sync.Mutex
	data      []float32
	err       error
	exhausted chan struct{}
	once      sync.Once
}

func newSliceSource(data []float32, err error) *sliceSource {
	if err == nil {
		err = io.EOF
	}
	return &sliceSource{data: data, err: err, exhausted: make(chan struct{})}
}

func (s *sliceSource) Name() string { return "slice" }

func (s *sliceSource) Read(_ context.Context, dst []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) == 0 {
		s.once.Do(func() { close(s.exhausted) })
		return 0, s.err
	}
	n := copy(dst, s.data)
	s.data = s.data[n:]
	return n, nil
}

func (s *sliceSource) Close() error { return nil }

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%1000) / 1000
	}
	return out
}

func chunkerConfig(rate int, chunk, overlap time.Duration, buffered int) ChunkerConfig {
	return ChunkerConfig{
		SampleRate:    rate,
		Channels:      1,
		ChunkDuration: chunk,
		Overlap:       overlap,
		BlockFrames:   64,
		MaxBuffered:   buffered,
	}
}

func drain(t *testing.T, c *Chunker) []Chunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var chunks []Chunk
	for {
		chunk, err := c.NextChunk(ctx)
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("next chunk: %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestChunkerSequenceStrictlyIncreasing(t *testing.T) {
	src := newSliceSource(ramp(1000*7+300), nil)
	c := NewChunker(src, chunkerConfig(1000, time.Second, 0, 100), newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	chunks := drain(t, c)
	if len(chunks) != 8 {
		t.Fatalf("expected 7 full chunks and a flush chunk, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.Seq != uint64(i+1) {
			t.Fatalf("chunk %d has seq %d", i, chunk.Seq)
		}
	}
	for _, chunk := range chunks[:7] {
		if len(chunk.Samples) != 1000 || chunk.Flush {
			t.Fatalf("expected full chunk, got %d samples flush=%v", len(chunk.Samples), chunk.Flush)
		}
	}
	last := chunks[7]
	if !last.Flush || len(last.Samples) != 300 {
		t.Fatalf("expected 300-sample flush chunk, got %d flush=%v", len(last.Samples), last.Flush)
	}
}

func TestChunkerOverlap(t *testing.T) {
	src := newSliceSource(ramp(2500), nil)
	c := NewChunker(src, chunkerConfig(1000, time.Second, 250*time.Millisecond, 100), newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	chunks := drain(t, c)
	if len(chunks) < 2 {
		t.Fatalf("expected at least two chunks, got %d", len(chunks))
	}
	first, second := chunks[0], chunks[1]
	if second.Overlap != 250 {
		t.Fatalf("expected 250 overlap samples, got %d", second.Overlap)
	}
	for i := 0; i < 250; i++ {
		if second.Samples[i] != first.Samples[750+i] {
			t.Fatalf("overlap mismatch at %d", i)
		}
	}
	if len(second.Samples) != 1000 {
		t.Fatalf("overlapped chunk must keep full length, got %d", len(second.Samples))
	}
}

func TestChunkerCaptureError(t *testing.T) {
	src := newSliceSource(ramp(500), errors.New("device unplugged"))
	c := NewChunker(src, chunkerConfig(1000, time.Second, 0, 10), newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.NextChunk(ctx)
	if !errors.Is(err, ErrCapture) {
		t.Fatalf("expected capture error, got %v", err)
	}
	var capErr *CaptureError
	if !errors.As(err, &capErr) || capErr.Source != "slice" {
		t.Fatalf("expected *CaptureError from slice source, got %#v", err)
	}
}

func TestChunkerDropsWhenConsumerIsSlow(t *testing.T) {
	src := newSliceSource(ramp(10*1000), nil)
	c := NewChunker(src, chunkerConfig(1000, time.Second, 0, 1), newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	<-src.exhausted
	chunks := drain(t, c)
	if len(chunks) != 1 {
		t.Fatalf("expected a single retained chunk, got %d", len(chunks))
	}
	if got := c.Stats().DroppedSamples; got != 9000 {
		t.Fatalf("expected 9000 dropped samples, got %d", got)
	}
	if chunks[0].Seq != 1 {
		t.Fatalf("sequence must not skip on drops, got %d", chunks[0].Seq)
	}
	if stats := c.Stats(); stats.DroppedSamples != 9000 || stats.ChunksEmitted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestChunkerBlockingKeepsEveryFrame(t *testing.T) {
	data := ramp(10 * 1000)
	src := newSliceSource(data, nil)
	cfg := chunkerConfig(1000, time.Second, 0, 1)
	cfg.Blocking = true
	c := NewChunker(src, cfg, newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	// give capture time to fill the ring before the consumer starts
	time.Sleep(50 * time.Millisecond)
	chunks := drain(t, c)
	if len(chunks) != 10 {
		t.Fatalf("expected 10 chunks, got %d", len(chunks))
	}
	if got := c.Stats().DroppedSamples; got != 0 {
		t.Fatalf("expected no dropped samples, got %d", got)
	}
	for i, chunk := range chunks {
		for j, v := range chunk.Samples {
			if v != data[i*1000+j] {
				t.Fatalf("chunk %d sample %d: got %v want %v", chunk.Seq, j, v, data[i*1000+j])
			}
		}
	}
}

func TestChunkerBlockingCloseUnblocksCapture(t *testing.T) {
	src := newSliceSource(ramp(10*1000), nil)
	cfg := chunkerConfig(1000, time.Second, 0, 1)
	cfg.Blocking = true
	c := NewChunker(src, cfg, newLogger())
	c.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked behind a waiting capture")
	}
}

func TestChunkerFlushRequest(t *testing.T) {
	src := NewSilenceSource(1000, 1, 0, true)
	c := NewChunker(src, chunkerConfig(1000, 10*time.Second, 0, 2), newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	time.Sleep(100 * time.Millisecond)
	c.Flush()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	chunk, err := c.NextChunk(ctx)
	if err != nil {
		t.Fatalf("next chunk: %v", err)
	}
	if !chunk.Flush || len(chunk.Samples) == 0 || len(chunk.Samples) >= 10000 {
		t.Fatalf("expected short flush chunk, got %d samples flush=%v", len(chunk.Samples), chunk.Flush)
	}
}

func TestChunkerDownmixesStereo(t *testing.T) {
	frames := []float32{1, 0, 0.5, 0.5, -1, 1, 0.25, 0.75}
	src := newSliceSource(frames, nil)
	cfg := chunkerConfig(4, time.Second, 0, 10)
	cfg.Channels = 2
	c := NewChunker(src, cfg, newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	chunks := drain(t, c)
	if len(chunks) != 1 {
		t.Fatalf("expected one chunk, got %d", len(chunks))
	}
	want := []float32{0.5, 0.5, 0, 0.5}
	for i, v := range want {
		if chunks[0].Samples[i] != v {
			t.Fatalf("sample %d: want %v got %v", i, v, chunks[0].Samples[i])
		}
	}
}

func TestChunkerTapAndRecorder(t *testing.T) {
	rec := NewRecorder(filepath.Join(t.TempDir(), "sampled_audio.wav"), 1000, 1.5)
	cfg := chunkerConfig(1000, time.Second, 0, 10)
	cfg.Tap = rec.Write
	c := NewChunker(newSliceSource(ramp(3000), nil), cfg, newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	drain(t, c)
	if rec.Len() != 1500 {
		t.Fatalf("expected recorder to stop at 1500 samples, got %d", rec.Len())
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close recorder: %v", err)
	}
}

func TestWAVSourceReplaysRecording(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sampled_audio.wav")
	samples := make([]float32, 1600)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 10))
	}
	if err := WriteWAV(path, samples, 16000); err != nil {
		t.Fatalf("write wav: %v", err)
	}

	src, err := NewWAVSource(path, 16000)
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	c := NewChunker(src, chunkerConfig(16000, 50*time.Millisecond, 0, 100), newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	var got []float32
	for _, chunk := range drain(t, c) {
		got = append(got, chunk.Samples...)
	}
	if len(got) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if d := math.Abs(float64(got[i] - samples[i])); d > 1e-3 {
			t.Fatalf("sample %d differs by %v", i, d)
		}
	}
}

func TestWAVSourceRejectsMissingOrMismatchedFile(t *testing.T) {
	if _, err := NewWAVSource(filepath.Join(t.TempDir(), "missing.wav"), 16000); !errors.Is(err, ErrCapture) {
		t.Fatalf("expected capture error for missing file, got %v", err)
	}
	path := filepath.Join(t.TempDir(), "8k.wav")
	if err := WriteWAV(path, make([]float32, 80), 8000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if _, err := NewWAVSource(path, 16000); !errors.Is(err, ErrCapture) {
		t.Fatalf("expected capture error for sample rate mismatch, got %v", err)
	}
}

func TestSilenceSourceLimit(t *testing.T) {
	src := NewSilenceSource(1000, 1, 5*time.Second, false)
	c := NewChunker(src, chunkerConfig(1000, 5*time.Second, 0, 2), newLogger())
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Close() })

	chunks := drain(t, c)
	if len(chunks) != 1 || len(chunks[0].Samples) != 5000 || chunks[0].Flush {
		t.Fatalf("expected a single full 5s chunk, got %d chunks", len(chunks))
	}
	if chunks[0].Peak() != 0 {
		t.Fatal("silence should have zero peak")
	}
}
