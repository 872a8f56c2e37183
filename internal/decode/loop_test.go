package decode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/accel"
	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/features"
	"github.com/loqalabs/loqa-whisper/internal/model"
	"github.com/loqalabs/loqa-whisper/internal/tensor"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testVocab holds a handful of GPT-2 style tokens; 4 and 5 are the two bytes of "é".
func testVocab() *Vocabulary {
	return NewVocabulary(map[string]int{
		"Hello":  1,
		"Ġworld": 2,
		"!":      3,
		"Ã":      4,
		"©":      5,
		".":      6,
	}, DefaultSpecials())
}

// script makes the simulated decoder produce tokens in order, then end-of-text.
func script(tokens ...int) accel.SimDecoder {
	return func(_ tensor.Tensor, ids []int) int {
		n := len(ids) - len(DefaultSpecials().Prefix())
		if n < len(tokens) {
			return tokens[n]
		}
		return DefaultSpecials().EOT
	}
}

type fixture struct {
	t       *testing.T
	session *accel.Session
	encoder *accel.ModelHandle
	decoder *accel.ModelHandle
}

func newFixture(t *testing.T, opts accel.SimOptions) fixture {
	t.Helper()
	reg := model.NewRegistry(t.TempDir(), nil)
	for _, c := range []model.Component{model.Encoder, model.Decoder} {
		path := reg.Path(model.ID{Arch: model.Hailo8, Variant: model.Base, Component: c})
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
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

	f := fixture{t: t, session: s}
	for _, c := range []model.Component{model.Encoder, model.Decoder} {
		h, err := s.LoadModel(context.Background(), model.ID{Arch: model.Hailo8, Variant: model.Base, Component: c})
		if err != nil {
			t.Fatalf("load %s: %v", c, err)
		}
		if c == model.Encoder {
			f.encoder = h
		} else {
			f.decoder = h
		}
	}
	return f
}

func (f fixture) loop(selector TokenSelector, cfg Config) *Loop {
	if cfg.SeqLen == 0 {
		cfg.SeqLen = 24
	}
	loop, err := NewLoop(f.session, f.decoder, testVocab(), selector, cfg, newLogger())
	if err != nil {
		f.t.Fatalf("new loop: %v", err)
	}
	return loop
}

func encoded() tensor.Tensor { return tensor.New(1, 1, 8) }

func TestLoopStreamsFragmentsInOrder(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Decode: script(1, 2, 4, 5, 3)})
	loop := f.loop(Greedy{Specials: DefaultSpecials()}, Config{StepTimeout: time.Second})

	var fragments []string
	res := loop.Run(context.Background(), encoded(), func(s string) { fragments = append(fragments, s) })
	if res.State != StateTerminated || res.Err != nil {
		t.Fatalf("expected terminated run, got %s (%v)", res.State, res.Err)
	}
	want := []string{"Hello", " world", "é", "!"}
	if strings.Join(fragments, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected fragments %q", fragments)
	}
	if res.Text != strings.Join(fragments, "") {
		t.Fatalf("final text %q does not equal concatenated fragments", res.Text)
	}
	if len(res.Tokens) != 6 || res.Tokens[5] != DefaultSpecials().EOT {
		t.Fatalf("unexpected tokens %v", res.Tokens)
	}
}

func TestLoopNeverExceedsMaxTokens(t *testing.T) {
	forever := func(_ tensor.Tensor, _ []int) int { return 1 }
	for _, limit := range []int{1, 5, 20} {
		f := newFixture(t, accel.SimOptions{Decode: forever})
		res := f.loop(Greedy{Specials: DefaultSpecials()}, Config{MaxTokens: limit}).Run(context.Background(), encoded(), nil)
		if res.State != StateTerminated {
			t.Fatalf("max %d: expected terminated, got %s", limit, res.State)
		}
		if len(res.Tokens) != limit || res.Steps != limit {
			t.Fatalf("max %d: generated %d tokens in %d steps", limit, len(res.Tokens), res.Steps)
		}
	}
}

func TestLoopDefaultMaxFollowsDecoderWindow(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Decode: func(_ tensor.Tensor, _ []int) int { return 1 }})
	res := f.loop(Accurate{Specials: DefaultSpecials()}, Config{SeqLen: 12}).Run(context.Background(), encoded(), nil)
	if len(res.Tokens) != 8 {
		t.Fatalf("expected 12-4 tokens, got %d", len(res.Tokens))
	}
}

func TestLoopCancelReleasesJobs(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Latency: 200 * time.Millisecond, Decode: func(_ tensor.Tensor, _ []int) int { return 1 }})
	loop := f.loop(Greedy{Specials: DefaultSpecials()}, Config{StepTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	res := loop.Run(ctx, encoded(), nil)
	if res.State != StateCancelled || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("expected cancelled run, got %s (%v)", res.State, res.Err)
	}
	if n := f.session.Running(); n != 0 {
		t.Fatalf("expected no running jobs after cancel, got %d", n)
	}
}

func TestLoopTimeoutFails(t *testing.T) {
	f := newFixture(t, accel.SimOptions{Latency: 500 * time.Millisecond})
	res := f.loop(Greedy{Specials: DefaultSpecials()}, Config{StepTimeout: 20 * time.Millisecond}).Run(context.Background(), encoded(), nil)
	if res.State != StateFailed || !errors.Is(res.Err, accel.ErrTimeout) {
		t.Fatalf("expected failed run with timeout, got %s (%v)", res.State, res.Err)
	}
	if f.session.Running() != 0 {
		t.Fatal("timed out job must be cancelled")
	}
}

func TestLoopFailureDiscardsPartialText(t *testing.T) {
	for _, bestEffort := range []bool{false, true} {
		f := newFixture(t, accel.SimOptions{FailAfter: 2, Decode: script(1, 2, 3)})
		var emitted string
		res := f.loop(Greedy{Specials: DefaultSpecials()}, Config{BestEffortPartial: bestEffort}).
			Run(context.Background(), encoded(), func(s string) { emitted += s })
		if res.State != StateFailed || !errors.Is(res.Err, accel.ErrDevice) {
			t.Fatalf("expected device failure, got %s (%v)", res.State, res.Err)
		}
		if emitted != "Hello world" {
			t.Fatalf("expected fragments before the failure to stream, got %q", emitted)
		}
		want := ""
		if bestEffort {
			want = "Hello world"
		}
		if res.Text != want {
			t.Fatalf("best effort %v: expected text %q, got %q", bestEffort, want, res.Text)
		}
	}
}

func TestSilentChunkTerminates(t *testing.T) {
	f := newFixture(t, accel.SimOptions{})
	extractor, err := features.NewExtractor(features.Config{ChunkSeconds: 5, Mels: 80})
	if err != nil {
		t.Fatalf("extractor: %v", err)
	}
	feats, err := extractor.Extract(audio.Chunk{Seq: 1, SampleRate: features.SampleRate, Samples: make([]float32, 5*features.SampleRate)})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	job, err := f.session.Submit(f.encoder, []tensor.Tensor{feats.Tensor}, accel.PriorityNormal)
	if err != nil {
		t.Fatalf("submit encoder: %v", err)
	}
	enc, err := f.session.Await(context.Background(), job, 2*time.Second)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}

	res := f.loop(Accurate{Specials: DefaultSpecials(), Penalty: 1.5, Window: 8, NoRepeatNGram: 3}, Config{}).Run(context.Background(), enc, nil)
	if res.State != StateTerminated || res.Err != nil {
		t.Fatalf("expected silent chunk to terminate cleanly, got %s (%v)", res.State, res.Err)
	}
	if len(res.Tokens) > 20 || res.Text != "" {
		t.Fatalf("expected empty transcript within bound, got %q (%d tokens)", res.Text, len(res.Tokens))
	}
}

func TestLoopReadsPerPositionLogits(t *testing.T) {
	loop := &Loop{}
	out := tensor.New(1, 3, 4)
	out.Data[1*4+2] = 5
	row, err := loop.nextRow(out, 2)
	if err != nil {
		t.Fatalf("next row: %v", err)
	}
	if row[2] != 5 {
		t.Fatalf("expected row for position 1, got %v", row)
	}
	if _, err := loop.nextRow(out, 4); !errors.Is(err, accel.ErrDevice) {
		t.Fatalf("expected error for too few positions, got %v", err)
	}
}

func TestNewLoopRejectsMaxTokensBeyondWindow(t *testing.T) {
	f := newFixture(t, accel.SimOptions{})
	if _, err := NewLoop(f.session, f.decoder, testVocab(), Greedy{Specials: DefaultSpecials()}, Config{SeqLen: 24, MaxTokens: 22}, newLogger()); err == nil {
		t.Fatal("expected max tokens beyond the decoder window to be rejected")
	}
	// the final generated token is never fed back, so 21 still fits 24 positions
	forever := func(_ tensor.Tensor, ids []int) int {
		if len(ids) > 24 {
			t.Errorf("decoder fed %d tokens", len(ids))
		}
		return 1
	}
	f = newFixture(t, accel.SimOptions{Decode: forever})
	res := f.loop(Greedy{Specials: DefaultSpecials()}, Config{SeqLen: 24, MaxTokens: 21}).Run(context.Background(), encoded(), nil)
	if res.State != StateTerminated || len(res.Tokens) != 21 {
		t.Fatalf("unexpected result %s with %d tokens", res.State, len(res.Tokens))
	}
}
