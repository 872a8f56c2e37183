package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/accel"
	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/decode"
	"github.com/loqalabs/loqa-whisper/internal/eventstore"
	"github.com/loqalabs/loqa-whisper/internal/features"
	"github.com/loqalabs/loqa-whisper/internal/model"
	"github.com/loqalabs/loqa-whisper/internal/sink"
	"github.com/loqalabs/loqa-whisper/internal/tensor"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedSource returns its chunks in order, then end (io.EOF by default).
type scriptedSource struct {
	chunks []audio.Chunk
	gap    time.Duration
	end    error
	before func(call int)
	calls  atomic.Int32
}

func (s *scriptedSource) NextChunk(ctx context.Context) (audio.Chunk, error) {
	i := int(s.calls.Add(1)) - 1
	if s.before != nil {
		s.before(i)
	}
	if s.gap > 0 {
		select {
		case <-time.After(s.gap):
		case <-ctx.Done():
			return audio.Chunk{}, ctx.Err()
		}
	}
	if i < len(s.chunks) {
		return s.chunks[i], nil
	}
	if s.end != nil {
		return audio.Chunk{}, s.end
	}
	return audio.Chunk{}, io.EOF
}

func tone(seq uint64, amplitude float64) audio.Chunk {
	samples := make([]float32, features.SampleRate)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/features.SampleRate))
	}
	return audio.Chunk{Seq: seq, CapturedAt: time.Now(), SampleRate: features.SampleRate, Samples: samples}
}

func tones(n int) []audio.Chunk {
	out := make([]audio.Chunk, n)
	for i := range out {
		out[i] = tone(uint64(i+1), 0.3)
	}
	return out
}

// helloWorld makes the simulated decoder answer "Hello world" for every chunk.
func helloWorld(_ tensor.Tensor, ids []int) int {
	switch len(ids) - len(decode.DefaultSpecials().Prefix()) {
	case 0:
		return 1
	case 1:
		return 2
	}
	return decode.DefaultSpecials().EOT
}

type fixture struct {
	session *accel.Session
	encoder *accel.ModelHandle
	loop    *decode.Loop
	extract *features.Extractor
}

func newFixture(t *testing.T, opts accel.SimOptions) fixture {
	t.Helper()
	reg := model.NewRegistry(t.TempDir(), nil)
	for _, c := range []model.Component{model.Encoder, model.Decoder} {
		path := reg.Path(model.ID{Arch: model.Hailo8, Variant: model.Base, Component: c})
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("hef"), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
	}
	s, err := accel.NewSession(context.Background(), accel.Options{
		Device:   accel.NewSimDevice(model.Hailo8, opts),
		Registry: reg,
		Logger:   newLogger(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	load := func(c model.Component) *accel.ModelHandle {
		h, err := s.LoadModel(context.Background(), model.ID{Arch: model.Hailo8, Variant: model.Base, Component: c})
		if err != nil {
			t.Fatalf("load %s: %v", c, err)
		}
		return h
	}
	enc, dec := load(model.Encoder), load(model.Decoder)

	vocab := decode.NewVocabulary(map[string]int{"Hello": 1, "Ġworld": 2, ".": 3}, decode.DefaultSpecials())
	loop, err := decode.NewLoop(s, dec, vocab, decode.Greedy{Specials: decode.DefaultSpecials()},
		decode.Config{SeqLen: 24, StepTimeout: time.Second, Priority: accel.PriorityHigh}, newLogger())
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	extractor, err := features.NewExtractor(features.Config{ChunkSeconds: 1, Mels: 80, Tolerance: 0.01})
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	return fixture{session: s, encoder: enc, loop: loop, extract: extractor}
}

func (f fixture) options(src ChunkSource, out sink.Sink, cfg Config) Options {
	return Options{
		Source:    src,
		Extractor: f.extract,
		Session:   f.session,
		Encoder:   f.encoder,
		Decoder:   f.loop,
		Sink:      out,
		Config:    cfg,
		Logger:    newLogger(),
	}
}

func run(t *testing.T, opts Options) (*Orchestrator, error) {
	t.Helper()
	o, err := New(opts)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = o.Run(ctx)
	if ctx.Err() != nil {
		t.Fatal("pipeline did not finish")
	}
	return o, err
}

func TestPipelineTranscribesChunksInOrder(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Decode: helloWorld})
	out := sink.NewCollector()
	o, err := run(t, f.options(&scriptedSource{chunks: tones(4)}, out, Config{Backpressure: BackpressureQueue}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	records := out.Records()
	if len(records) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(records))
	}
	for i, r := range records {
		if r.Seq != uint64(i+1) {
			t.Fatalf("chunk %d emitted out of order: %d", i+1, r.Seq)
		}
		if !r.Final || r.Text != "Hello world" || r.Streamed() != r.Text {
			t.Fatalf("unexpected record %+v", r)
		}
	}
	if s := o.Stats(); s.Captured != 4 || s.Emitted != 4 || s.Dropped != 0 || s.Failed != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if f.session.Running() != 0 {
		t.Fatal("jobs left running")
	}
}

func TestSequentialModeCapturesAfterEmission(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Decode: helloWorld, Latency: 2 * time.Millisecond})
	out := sink.NewCollector()
	var early atomic.Bool
	src := &scriptedSource{chunks: tones(3), before: func(call int) {
		if out.Done() != call {
			early.Store(true)
		}
	}}
	if _, err := run(t, f.options(src, out, Config{Mode: ModeSequential})); err != nil {
		t.Fatalf("run: %v", err)
	}
	if early.Load() {
		t.Fatal("capture started before the previous chunk was emitted")
	}
	if out.Done() != 3 {
		t.Fatalf("expected 3 chunks, got %d", out.Done())
	}
}

func TestDropPolicyCountsDroppedChunks(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Decode: helloWorld, Latency: 30 * time.Millisecond})
	out := sink.NewCollector()
	o, err := run(t, f.options(&scriptedSource{chunks: tones(8)}, out, Config{Backpressure: BackpressureDrop, QueueDepth: 1}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	s := o.Stats()
	if s.Dropped < 2 {
		t.Fatalf("expected chunks to be dropped, got %+v", s)
	}
	if s.Dropped+s.Emitted != s.Captured {
		t.Fatalf("every chunk must be emitted or dropped: %+v", s)
	}
	var last uint64
	for _, r := range out.Records() {
		if r.Seq <= last {
			t.Fatalf("chunk %d emitted after %d", r.Seq, last)
		}
		last = r.Seq
	}
}

// slowFirstDecoder holds the first chunk's decode for delay.
type slowFirstDecoder struct {
	Decoder
	delay time.Duration
	calls atomic.Int32
}

func (d *slowFirstDecoder) Run(ctx context.Context, encoded tensor.Tensor, emit func(string)) decode.Result {
	if d.calls.Add(1) == 1 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
		}
	}
	return d.Decoder.Run(ctx, encoded, emit)
}

func TestDropPolicyBoundsChunksWaitingOnDecode(t *testing.T) {
	cases := []struct {
		depth   int
		emitted []uint64
	}{
		{depth: 1, emitted: []uint64{1, 2}},
		{depth: 2, emitted: []uint64{1, 2, 3}},
	}
	for _, tc := range cases {
		f := newFixture(t, accel.SimOptions{Decode: helloWorld})
		out := sink.NewCollector()
		opts := f.options(&scriptedSource{chunks: tones(4), gap: 40 * time.Millisecond}, out,
			Config{Backpressure: BackpressureDrop, QueueDepth: tc.depth})
		opts.Decoder = &slowFirstDecoder{Decoder: f.loop, delay: 300 * time.Millisecond}
		o, err := run(t, opts)
		if err != nil {
			t.Fatalf("depth %d: run: %v", tc.depth, err)
		}
		s := o.Stats()
		if s.Captured != 4 || s.Emitted != uint64(len(tc.emitted)) || s.Dropped != 4-uint64(len(tc.emitted)) {
			t.Fatalf("depth %d: unexpected stats %+v", tc.depth, s)
		}
		records := out.Records()
		if len(records) != len(tc.emitted) {
			t.Fatalf("depth %d: expected %d records, got %+v", tc.depth, len(tc.emitted), records)
		}
		for i, r := range records {
			if r.Seq != tc.emitted[i] || r.Text != "Hello world" {
				t.Fatalf("depth %d: unexpected record %+v", tc.depth, r)
			}
		}
	}
}

func TestChunkFailureDoesNotStopPipeline(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Decode: helloWorld})
	chunks := tones(3)
	chunks[1].SampleRate = 8000
	out := sink.NewCollector()
	o, err := run(t, f.options(&scriptedSource{chunks: chunks}, out, Config{Backpressure: BackpressureQueue}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	records := make(map[uint64]sink.Record)
	for _, r := range out.Records() {
		records[r.Seq] = r
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %+v", records)
	}
	if records[2].Failure != "feature_shape" || records[2].Final {
		t.Fatalf("expected chunk 2 to fail, got %+v", records[2])
	}
	for _, seq := range []uint64{1, 3} {
		if !records[seq].Final || records[seq].Text != "Hello world" {
			t.Fatalf("expected chunk %d to be transcribed, got %+v", seq, records[seq])
		}
	}
	if s := o.Stats(); s.Failed != 1 || s.Emitted != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestCaptureErrorAborts(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Decode: helloWorld})
	src := &scriptedSource{chunks: tones(1), end: &audio.CaptureError{Source: "exec", Err: errors.New("device unplugged")}}
	_, err := run(t, f.options(src, sink.NewCollector(), Config{Backpressure: BackpressureQueue}))
	if !errors.Is(err, audio.ErrCapture) {
		t.Fatalf("expected capture error, got %v", err)
	}
	if Kind(err) != "capture" {
		t.Fatalf("unexpected kind %q", Kind(err))
	}
}

func TestFaultedSessionAborts(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Decode: helloWorld, FailAfter: 2})
	_, err := run(t, f.options(&scriptedSource{chunks: tones(3)}, sink.NewCollector(), Config{Backpressure: BackpressureQueue}))
	if !errors.Is(err, accel.ErrDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	if f.session.Healthy() {
		t.Fatal("session should be faulted")
	}
}

func TestSuppressedAndUnclearTranscripts(t *testing.T) {
	period := func(_ tensor.Tensor, ids []int) int {
		if len(ids) == len(decode.DefaultSpecials().Prefix()) {
			return 3
		}
		return decode.DefaultSpecials().EOT
	}
	cases := []struct {
		name   string
		decode accel.SimDecoder
		chunk  audio.Chunk
		want   string
	}{
		{"period", period, tone(1, 0.3), ""},
		{"quiet empty", nil, tone(1, 0.01), ""},
		{"loud empty", nil, tone(1, 0.3), UnclearAudio},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, accel.SimOptions{Decode: tc.decode})
			out := sink.NewCollector()
			if _, err := run(t, f.options(&scriptedSource{chunks: []audio.Chunk{tc.chunk}}, out, Config{})); err != nil {
				t.Fatalf("run: %v", err)
			}
			records := out.Records()
			if len(records) != 1 || !records[0].Final {
				t.Fatalf("expected one finalized chunk, got %+v", records)
			}
			if records[0].Text != tc.want || records[0].Streamed() != tc.want {
				t.Fatalf("want %q, got final %q streamed %q", tc.want, records[0].Text, records[0].Streamed())
			}
		})
	}
}

// stallingDecoder blocks on the first chunk until cancelled and answers the rest at once.
type stallingDecoder struct {
	mu    sync.Mutex
	calls int
}

func (d *stallingDecoder) Run(ctx context.Context, _ tensor.Tensor, emit func(string)) decode.Result {
	d.mu.Lock()
	d.calls++
	first := d.calls == 1
	d.mu.Unlock()
	if first {
		emit("stale")
		<-ctx.Done()
		return decode.Result{State: decode.StateCancelled, Err: ctx.Err()}
	}
	emit("fresh")
	return decode.Result{State: decode.StateTerminated, Text: "fresh"}
}

func TestPreemptCancelsStaleDecode(t *testing.T) {
	f := newFixture(t, accel.SimOptions{})
	out := sink.NewCollector()
	opts := f.options(&scriptedSource{chunks: tones(6), gap: 10 * time.Millisecond}, out, Config{Backpressure: BackpressureDrop, Preempt: true})
	opts.Decoder = &stallingDecoder{}
	o, err := run(t, opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	records := out.Records()
	if len(records) == 0 || records[0].Seq != 1 || records[0].Failure != "preempted" {
		t.Fatalf("expected first chunk preempted, got %+v", records)
	}
	if s := o.Stats(); s.Dropped != 0 || s.Emitted != 5 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

type memJournal struct {
	mu     sync.Mutex
	events []eventstore.Event
}

func (j *memJournal) AppendEvent(_ context.Context, evt eventstore.Event) error {
	j.mu.Lock()
	j.events = append(j.events, evt)
	j.mu.Unlock()
	return nil
}

func TestJournalRecordsLifecycle(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Decode: helloWorld})
	journal := &memJournal{}
	opts := f.options(&scriptedSource{chunks: tones(1)}, sink.NewCollector(), Config{RunID: "run-7", Timing: true})
	opts.Journal = journal
	opts.Conditioner = features.NewConditioner(features.ConditionerConfig{GainThreshold: 0.1, GainTarget: 0.5})
	if _, err := run(t, opts); err != nil {
		t.Fatalf("run: %v", err)
	}
	var types []string
	for _, evt := range journal.events {
		if evt.RunID != "run-7" || evt.ChunkSeq != 1 {
			t.Fatalf("unexpected event %+v", evt)
		}
		types = append(types, evt.Type)
	}
	want := []string{eventstore.TypeCaptured, eventstore.TypeEncoded, eventstore.TypeEmitted}
	if len(types) != len(want) {
		t.Fatalf("want %v got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("want %v got %v", want, types)
		}
	}
}

func TestKind(t *testing.T) {
	cases := map[string]error{
		"timeout":       &accel.TimeoutError{JobID: 1},
		"resource_busy": &accel.ResourceBusyError{},
		"device":        accel.Transient("run", errors.New("busy")),
		"feature_shape": &features.FeatureShapeError{Seq: 1, Expected: 2, Got: 1},
		"model_load":    &accel.ModelLoadError{Err: errors.New("missing")},
		"cancelled":     context.Canceled,
		"internal":      errors.New("boom"),
	}
	for want, err := range cases {
		if got := Kind(err); got != want {
			t.Fatalf("Kind(%v) = %q, want %q", err, got, want)
		}
	}
}
