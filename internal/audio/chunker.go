package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ChunkerConfig controls chunk framing.
type ChunkerConfig struct {
	SampleRate    int
	Channels      int
	ChunkDuration time.Duration
	Overlap       time.Duration
	BlockFrames   int
	// MaxBuffered bounds pending audio, in chunk lengths, before the oldest
	// samples are dropped.
	MaxBuffered int
	// Blocking makes capture wait for the consumer instead of dropping. Use it
	// for finite sources such as a recording, which can be read faster than
	// real time.
	Blocking bool
	// Tap, when set, receives every captured mono block (used for recording).
	Tap func([]float32)
}

// ChunkerStats is a snapshot of chunker counters.
type ChunkerStats struct {
	ChunksEmitted  uint64 `json:"chunks_emitted"`
	DroppedSamples uint64 `json:"dropped_samples"`
	PendingSamples int    `json:"pending_samples"`
}

// Chunker captures from a Source on its own goroutine and frames the audio
// into fixed-size chunks with strictly increasing sequence numbers.
type Chunker struct {
	cfg          ChunkerConfig
	src          Source
	log          *slog.Logger
	chunkSamples int
	overlap      int
	maxPending   int

	mu         sync.Mutex
	pending    []float32
	tail       []float32
	droppedGap bool
	captureErr error
	eof        bool
	flushReq   bool
	closed     bool

	seq     uint64
	emitted atomic.Uint64
	dropped atomic.Uint64
	notify  chan struct{}
	space   chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	dropCounter metric.Int64Counter
}

func NewChunker(src Source, cfg ChunkerConfig, log *slog.Logger) *Chunker {
	if cs, ok := src.(interface{ Channels() int }); ok {
		cfg.Channels = cs.Channels()
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.BlockFrames <= 0 {
		cfg.BlockFrames = 2048
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 1
	}
	chunkSamples := int(cfg.ChunkDuration.Seconds() * float64(cfg.SampleRate))
	overlap := int(cfg.Overlap.Seconds() * float64(cfg.SampleRate))
	if overlap >= chunkSamples {
		overlap = 0
	}
	c := &Chunker{
		cfg:          cfg,
		src:          src,
		log:          log.With(slog.String("component", "audio-chunker")),
		chunkSamples: chunkSamples,
		overlap:      overlap,
		maxPending:   chunkSamples * cfg.MaxBuffered,
		notify:       make(chan struct{}, 1),
		space:        make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-whisper/audio").Int64Counter(
		"loqa.audio.dropped_samples",
		metric.WithDescription("Captured samples discarded because the consumer fell behind"),
	)
	if err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	c.dropCounter = counter
	return c
}

// Start launches the capture goroutine.
func (c *Chunker) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.captureLoop(ctx)
}

func (c *Chunker) captureLoop(ctx context.Context) {
	defer close(c.done)
	block := make([]float32, c.cfg.BlockFrames*c.cfg.Channels)
	for {
		n, err := c.src.Read(ctx, block)
		if n > 0 && !c.push(ctx, downmix(block[:n], c.cfg.Channels)) {
			err = ctx.Err()
		}
		if err != nil {
			c.mu.Lock()
			switch {
			case errors.Is(err, io.EOF):
				c.eof = true
			case ctx.Err() != nil:
				c.eof = true
			default:
				c.captureErr = &CaptureError{Source: c.src.Name(), Err: err}
			}
			c.mu.Unlock()
			c.signal()
			return
		}
	}
}

// push appends captured audio. In blocking mode it waits while a full ring is
// pending and reports false if ctx ends first.
func (c *Chunker) push(ctx context.Context, mono []float32) bool {
	if c.cfg.Tap != nil {
		c.cfg.Tap(mono)
	}
	c.mu.Lock()
	if c.cfg.Blocking {
		for len(c.pending) >= c.maxPending && !c.closed {
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return false
			case <-c.space:
			}
			c.mu.Lock()
		}
		c.pending = append(c.pending, mono...)
		c.mu.Unlock()
		c.signal()
		return true
	}
	c.pending = append(c.pending, mono...)
	if over := len(c.pending) - c.maxPending; over > 0 {
		c.pending = append(c.pending[:0], c.pending[over:]...)
		c.droppedGap = true
		c.mu.Unlock()
		c.dropped.Add(uint64(over))
		if c.dropCounter != nil {
			c.dropCounter.Add(context.Background(), int64(over))
		}
		c.log.Debug("dropped captured samples", slog.Int("samples", over))
	} else {
		c.mu.Unlock()
	}
	c.signal()
	return true
}

func (c *Chunker) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// NextChunk blocks until a full chunk is available, a flush was requested, or
// capture ended. It returns io.EOF once a finite source is drained and a
// *CaptureError when the device fails.
func (c *Chunker) NextChunk(ctx context.Context) (Chunk, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Chunk{}, io.EOF
		}
		if c.droppedGap {
			// overlap only spans contiguous audio
			c.tail = nil
			c.droppedGap = false
		}
		need := c.chunkSamples - len(c.tail)
		if len(c.pending) >= need {
			chunk := c.cut(need, false)
			c.mu.Unlock()
			return chunk, nil
		}
		if c.captureErr != nil {
			err := c.captureErr
			c.mu.Unlock()
			return Chunk{}, err
		}
		if c.eof || c.flushReq {
			if len(c.pending) > 0 {
				c.flushReq = false
				chunk := c.cut(len(c.pending), true)
				c.mu.Unlock()
				return chunk, nil
			}
			if c.eof {
				c.mu.Unlock()
				return Chunk{}, io.EOF
			}
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-c.notify:
		}
	}
}

// cut must be called with c.mu held.
func (c *Chunker) cut(fresh int, flush bool) Chunk {
	samples := make([]float32, 0, len(c.tail)+fresh)
	samples = append(samples, c.tail...)
	samples = append(samples, c.pending[:fresh]...)
	overlap := len(c.tail)
	c.pending = append(c.pending[:0], c.pending[fresh:]...)

	if c.overlap > 0 && !flush && len(samples) >= c.overlap {
		c.tail = append(c.tail[:0], samples[len(samples)-c.overlap:]...)
	} else {
		c.tail = nil
	}
	select {
	case c.space <- struct{}{}:
	default:
	}
	c.seq++
	c.emitted.Add(1)
	return Chunk{
		Seq:        c.seq,
		CapturedAt: time.Now(),
		SampleRate: c.cfg.SampleRate,
		Samples:    samples,
		Overlap:    overlap,
		Flush:      flush,
	}
}

// Flush makes the next NextChunk call return whatever audio is pending as a
// short chunk instead of waiting for a full one.
func (c *Chunker) Flush() {
	c.mu.Lock()
	c.flushReq = true
	c.mu.Unlock()
	c.signal()
}

func (c *Chunker) Stats() ChunkerStats {
	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()
	return ChunkerStats{
		ChunksEmitted:  c.emitted.Load(),
		DroppedSamples: c.dropped.Load(),
		PendingSamples: pending,
	}
}

// Close stops capture and releases the source.
func (c *Chunker) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	err := c.src.Close()
	if c.cancel != nil {
		<-c.done
	}
	c.signal()
	return err
}

func downmix(frames []float32, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(frames))
		copy(out, frames)
		return out
	}
	out := make([]float32, len(frames)/channels)
	for i := range out {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += frames[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
