// Package pipeline wires capture, feature extraction, encoder inference and
// decoding into one continuous transcription loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-whisper/internal/accel"
	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/decode"
	"github.com/loqalabs/loqa-whisper/internal/eventstore"
	"github.com/loqalabs/loqa-whisper/internal/features"
	"github.com/loqalabs/loqa-whisper/internal/sink"
	"github.com/loqalabs/loqa-whisper/internal/tensor"
)

const instrumentation = "github.com/loqalabs/loqa-whisper/pipeline"

// UnclearAudio is reported for a chunk that decoded to nothing although it
// carried audible signal.
const UnclearAudio = "(unclear audio)"

type Mode string

const (
	// ModePipelined captures continuously while earlier chunks are decoded.
	ModePipelined Mode = "pipelined"
	// ModeSequential starts capturing chunk i+1 only after chunk i is emitted.
	ModeSequential Mode = "sequential"
)

type Backpressure string

const (
	BackpressureDrop  Backpressure = "drop"
	BackpressureQueue Backpressure = "queue"
)

type Config struct {
	RunID        string
	Mode         Mode
	Backpressure Backpressure
	// QueueDepth is the number of captured chunks allowed to wait while a
	// decode runs. Under the drop policy a newer chunk beyond it is dropped.
	QueueDepth int
	// Preempt cancels an unfinished decode instead of dropping a newer chunk.
	Preempt        bool
	EncoderTimeout time.Duration
	// Timing logs per-stage durations.
	Timing bool
	// UnclearPeak is the conditioned peak above which an empty transcript is
	// reported as UnclearAudio.
	UnclearPeak float32
}

// ChunkSource yields captured chunks; audio.Chunker implements it.
type ChunkSource interface {
	NextChunk(ctx context.Context) (audio.Chunk, error)
}

// Accelerator is the part of accel.Session the orchestrator needs.
type Accelerator interface {
	Submit(h *accel.ModelHandle, inputs []tensor.Tensor, priority accel.Priority) (*accel.Job, error)
	Await(ctx context.Context, job *accel.Job, timeout time.Duration) (tensor.Tensor, error)
	Cancel(job *accel.Job)
	Err() error
}

// Decoder runs the decode loop for one chunk; decode.Loop implements it.
type Decoder interface {
	Run(ctx context.Context, encoded tensor.Tensor, emit func(fragment string)) decode.Result
}

// Journal records chunk lifecycle events; eventstore.Store implements it.
type Journal interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	Source ChunkSource
	// Conditioner is optional.
	Conditioner *features.Conditioner
	Extractor   *features.Extractor
	Session     Accelerator
	Encoder     *accel.ModelHandle
	Decoder     Decoder
	Sink        sink.Sink
	// Journal is optional.
	Journal Journal
	Config  Config
	Logger  *slog.Logger
}

// Stats counts chunks by outcome.
type Stats struct {
	Captured uint64 `json:"captured"`
	Dropped  uint64 `json:"dropped"`
	Emitted  uint64 `json:"emitted"`
	Failed   uint64 `json:"failed"`
}

type encodedChunk struct {
	chunk   audio.Chunk
	encoded tensor.Tensor
	peak    float32
}

type Orchestrator struct {
	opts   Options
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer

	// turn serialises capture behind emission in sequential mode.
	turn chan struct{}

	mu           sync.Mutex
	cancelDecode context.CancelFunc

	// waiting counts chunks handed to inference whose decode has not started.
	waiting  atomic.Int64
	decoding atomic.Bool

	captured atomic.Uint64
	dropped  atomic.Uint64
	emitted  atomic.Uint64
	failed   atomic.Uint64

	droppedCounter metric.Int64Counter
	latency        metric.Float64Histogram
	stageDuration  metric.Float64Histogram
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Source == nil:
		return nil, errors.New("pipeline: chunk source is required")
	case opts.Extractor == nil:
		return nil, errors.New("pipeline: feature extractor is required")
	case opts.Session == nil || opts.Encoder == nil:
		return nil, errors.New("pipeline: accelerator session and encoder are required")
	case opts.Decoder == nil:
		return nil, errors.New("pipeline: decoder is required")
	case opts.Sink == nil:
		return nil, errors.New("pipeline: sink is required")
	}
	cfg := opts.Config
	if cfg.Mode == "" {
		cfg.Mode = ModePipelined
	}
	if cfg.Mode != ModePipelined && cfg.Mode != ModeSequential {
		return nil, fmt.Errorf("pipeline: unknown mode %q", cfg.Mode)
	}
	if cfg.Backpressure == "" {
		cfg.Backpressure = BackpressureDrop
	}
	if cfg.Backpressure != BackpressureDrop && cfg.Backpressure != BackpressureQueue {
		return nil, fmt.Errorf("pipeline: unknown backpressure policy %q", cfg.Backpressure)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	if cfg.EncoderTimeout <= 0 {
		cfg.EncoderTimeout = 5 * time.Second
	}
	if cfg.UnclearPeak <= 0 {
		cfg.UnclearPeak = 0.05
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	o := &Orchestrator{
		opts:   opts,
		cfg:    cfg,
		log:    log.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer(instrumentation),
	}
	if cfg.Mode == ModeSequential {
		o.turn = make(chan struct{}, 1)
		o.turn <- struct{}{}
	}
	if err := o.initMetrics(); err != nil {
		o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return o, nil
}

func (o *Orchestrator) initMetrics() error {
	meter := otel.Meter(instrumentation)
	var err error
	o.droppedCounter, err = meter.Int64Counter(
		"loqa.pipeline.dropped_chunks",
		metric.WithDescription("Captured chunks discarded because decoding fell behind"),
	)
	if err != nil {
		return err
	}
	o.latency, err = meter.Float64Histogram(
		"loqa.pipeline.chunk.latency",
		metric.WithDescription("Time from chunk capture to final text"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	o.stageDuration, err = meter.Float64Histogram(
		"loqa.pipeline.stage.duration",
		metric.WithDescription("Time spent per chunk in each pipeline stage"),
		metric.WithUnit("s"),
	)
	return err
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Captured: o.captured.Load(),
		Dropped:  o.dropped.Load(),
		Emitted:  o.emitted.Load(),
		Failed:   o.failed.Load(),
	}
}

// Run processes chunks until ctx is cancelled or the source is exhausted. It
// returns nil on either, and an error when capture, the model or the
// accelerator fails in a way later chunks cannot recover from.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	chunks := make(chan audio.Chunk, o.cfg.QueueDepth)
	encoded := make(chan encodedChunk, 1)

	g.Go(func() error {
		defer close(chunks)
		return o.capture(gctx, chunks)
	})
	g.Go(func() error {
		defer close(encoded)
		return o.infer(gctx, chunks, encoded)
	})
	g.Go(func() error {
		return o.emit(gctx, encoded)
	})

	err := g.Wait()
	stats := o.Stats()
	o.log.Info("pipeline stopped",
		slog.Uint64("captured", stats.Captured),
		slog.Uint64("emitted", stats.Emitted),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("dropped", stats.Dropped),
	)
	if err != nil {
		o.log.Error("pipeline aborted", slog.String("kind", Kind(err)), slog.String("error", err.Error()))
	}
	return err
}

func (o *Orchestrator) capture(ctx context.Context, out chan<- audio.Chunk) error {
	for {
		if o.turn != nil {
			select {
			case <-o.turn:
			case <-ctx.Done():
				return nil
			}
		}
		chunk, err := o.opts.Source.NextChunk(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				o.log.Info("audio source drained")
				return nil
			case ctx.Err() != nil:
				return nil
			}
			return fmt.Errorf("capture: %w", err)
		}
		o.captured.Add(1)
		o.journal(ctx, eventstore.Event{ChunkSeq: chunk.Seq, Type: eventstore.TypeCaptured})

		if o.turn != nil || o.cfg.Backpressure == BackpressureQueue {
			if !o.enqueue(ctx, out, chunk) {
				return nil
			}
			continue
		}

		if !o.behind() && o.offer(out, chunk) {
			continue
		}
		if o.cfg.Preempt {
			o.preempt()
			if !o.enqueue(ctx, out, chunk) {
				return nil
			}
			continue
		}
		o.drop(ctx, chunk)
	}
}

// behind reports whether a decode is running with QueueDepth chunks already
// waiting behind it.
func (o *Orchestrator) behind() bool {
	return o.decoding.Load() && o.waiting.Load() >= int64(o.cfg.QueueDepth)
}

// offer hands chunk to inference without blocking.
func (o *Orchestrator) offer(out chan<- audio.Chunk, chunk audio.Chunk) bool {
	o.waiting.Add(1)
	select {
	case out <- chunk:
		return true
	default:
		o.waiting.Add(-1)
		return false
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, out chan<- audio.Chunk, chunk audio.Chunk) bool {
	o.waiting.Add(1)
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		o.waiting.Add(-1)
		return false
	}
}

func (o *Orchestrator) drop(ctx context.Context, chunk audio.Chunk) {
	o.dropped.Add(1)
	if o.droppedCounter != nil {
		o.droppedCounter.Add(ctx, 1)
	}
	o.log.Warn("dropping chunk, decoder behind", slog.Uint64("chunk", chunk.Seq))
	o.journal(ctx, eventstore.Event{ChunkSeq: chunk.Seq, Type: eventstore.TypeDropped})
}

// preempt cancels the decode in progress, if any.
func (o *Orchestrator) preempt() {
	o.mu.Lock()
	cancel := o.cancelDecode
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// next lets sequential capture proceed.
func (o *Orchestrator) next() {
	if o.turn == nil {
		return
	}
	select {
	case o.turn <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) infer(ctx context.Context, in <-chan audio.Chunk, out chan<- encodedChunk) error {
	for chunk := range in {
		item, err := o.encode(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fatal(err, o.opts.Session) {
				return fmt.Errorf("chunk %d: %w", chunk.Seq, err)
			}
			o.waiting.Add(-1)
			o.fail(ctx, chunk, err)
			o.next()
			continue
		}
		select {
		case out <- item:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) encode(ctx context.Context, chunk audio.Chunk) (encodedChunk, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.encode", trace.WithAttributes(attribute.Int64("chunk.seq", int64(chunk.Seq))))
	defer span.End()

	start := time.Now()
	if o.opts.Conditioner != nil {
		var report features.Report
		chunk, report = o.opts.Conditioner.Condition(chunk)
		if report.Gain != 1 || report.Offset > 0 {
			o.log.Debug("conditioned chunk",
				slog.Uint64("chunk", chunk.Seq),
				slog.Float64("gain", float64(report.Gain)),
				slog.Duration("offset", report.Offset),
			)
		}
	}
	feats, err := o.opts.Extractor.Extract(chunk)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return encodedChunk{}, err
	}
	o.stage(ctx, "features", chunk.Seq, time.Since(start))

	start = time.Now()
	job, err := o.opts.Session.Submit(o.opts.Encoder, []tensor.Tensor{feats.Tensor}, accel.PriorityNormal)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return encodedChunk{}, fmt.Errorf("submit encoder: %w", err)
	}
	out, err := o.opts.Session.Await(ctx, job, o.cfg.EncoderTimeout)
	if err != nil {
		o.opts.Session.Cancel(job)
		span.SetStatus(codes.Error, err.Error())
		return encodedChunk{}, fmt.Errorf("encoder: %w", err)
	}
	o.stage(ctx, "encoder", chunk.Seq, time.Since(start))
	o.journal(ctx, eventstore.Event{ChunkSeq: chunk.Seq, Type: eventstore.TypeEncoded, Duration: time.Since(start)})
	return encodedChunk{chunk: chunk, encoded: out, peak: chunk.Peak()}, nil
}

func (o *Orchestrator) emit(ctx context.Context, in <-chan encodedChunk) error {
	for item := range in {
		o.decoding.Store(true)
		o.waiting.Add(-1)
		err := o.decode(ctx, item)
		o.decoding.Store(false)
		o.next()
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) decode(ctx context.Context, item encodedChunk) error {
	seq := item.chunk.Seq
	dctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancelDecode = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.cancelDecode = nil
		o.mu.Unlock()
		cancel()
	}()

	dctx, span := o.tracer.Start(dctx, "pipeline.decode", trace.WithAttributes(attribute.Int64("chunk.seq", int64(seq))))
	defer span.End()

	start := time.Now()
	gate := &textGate{seq: seq, sink: o.opts.Sink}
	res := o.opts.Decoder.Run(dctx, item.encoded, gate.write)
	o.stage(ctx, "decoder", seq, time.Since(start))
	span.SetAttributes(attribute.Int("decode.tokens", len(res.Tokens)), attribute.String("decode.state", res.State.String()))

	switch res.State {
	case decode.StateTerminated:
		o.finalize(ctx, item, gate, res)
		return nil
	case decode.StateCancelled:
		if ctx.Err() != nil {
			return nil
		}
		o.failed.Add(1)
		o.log.Info("decode preempted", slog.Uint64("chunk", seq))
		o.opts.Sink.Fail(seq, "preempted")
		o.journal(ctx, eventstore.Event{ChunkSeq: seq, Type: eventstore.TypeCancelled, Tokens: len(res.Tokens)})
		return nil
	}

	span.SetStatus(codes.Error, errString(res.Err))
	if fatal(res.Err, o.opts.Session) {
		return fmt.Errorf("chunk %d: %w", seq, res.Err)
	}
	if res.Text != "" {
		// best-effort partial output
		gate.release()
		o.opts.Sink.Finalize(seq, res.Text)
		o.log.Warn("chunk decoded partially", slog.Uint64("chunk", seq), slog.String("kind", Kind(res.Err)), slog.String("error", errString(res.Err)))
		o.failed.Add(1)
		o.journal(ctx, eventstore.Event{ChunkSeq: seq, Type: eventstore.TypeFailed, Kind: Kind(res.Err), Tokens: len(res.Tokens)})
		return nil
	}
	o.fail(ctx, item.chunk, res.Err)
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, item encodedChunk, gate *textGate, res decode.Result) {
	seq := item.chunk.Seq
	text := res.Text
	switch trimmed := strings.TrimSpace(text); {
	case trimmed == ".":
		text = ""
	case trimmed == "" && item.peak > o.cfg.UnclearPeak:
		text = UnclearAudio
		o.opts.Sink.Emit(seq, text)
	case trimmed == "":
		text = ""
	default:
		gate.release()
	}
	o.opts.Sink.Finalize(seq, text)
	o.emitted.Add(1)

	elapsed := time.Since(item.chunk.CapturedAt)
	if o.latency != nil && !item.chunk.CapturedAt.IsZero() {
		o.latency.Record(ctx, elapsed.Seconds())
	}
	o.journal(ctx, eventstore.Event{ChunkSeq: seq, Type: eventstore.TypeEmitted, Tokens: len(res.Tokens), Duration: elapsed})
}

func (o *Orchestrator) fail(ctx context.Context, chunk audio.Chunk, err error) {
	kind := Kind(err)
	o.failed.Add(1)
	o.log.Warn(fmt.Sprintf("chunk %d failed: %s", chunk.Seq, kind), slog.String("error", errString(err)))
	o.opts.Sink.Fail(chunk.Seq, kind)
	o.journal(ctx, eventstore.Event{ChunkSeq: chunk.Seq, Type: eventstore.TypeFailed, Kind: kind})
}

func (o *Orchestrator) stage(ctx context.Context, name string, seq uint64, d time.Duration) {
	if o.stageDuration != nil {
		o.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", name)))
	}
	if !o.cfg.Timing {
		return
	}
	o.log.Info("stage timing", slog.String("stage", name), slog.Uint64("chunk", seq), slog.Float64("seconds", d.Seconds()))
}

func (o *Orchestrator) journal(ctx context.Context, evt eventstore.Event) {
	if o.opts.Journal == nil {
		return
	}
	evt.RunID = o.cfg.RunID
	if err := o.opts.Journal.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		o.log.Debug("failed to journal chunk event", slog.String("type", evt.Type), slog.String("error", err.Error()))
	}
}

// textGate holds back fragments while the decoded text is blank or a lone
// period, so suppressed transcripts never reach the sink.
type textGate struct {
	seq    uint64
	sink   sink.Sink
	held   []string
	text   strings.Builder
	opened bool
}

func (g *textGate) write(fragment string) {
	if g.opened {
		g.sink.Emit(g.seq, fragment)
		return
	}
	g.held = append(g.held, fragment)
	g.text.WriteString(fragment)
	if t := strings.TrimSpace(g.text.String()); t != "" && t != "." {
		g.release()
	}
}

func (g *textGate) release() {
	if g.opened {
		return
	}
	g.opened = true
	for _, f := range g.held {
		g.sink.Emit(g.seq, f)
	}
	g.held = nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
