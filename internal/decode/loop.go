// Package decode runs the autoregressive decoder for one chunk: it feeds the
// encoder output and token history to the accelerator, selects the next
// token and streams the decoded text as it goes.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/accel"
	"github.com/loqalabs/loqa-whisper/internal/tensor"
)

type State int

const (
	StateStart State = iota
	StateDecoding
	StateTerminated
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateDecoding:
		return "decoding"
	case StateTerminated:
		return "terminated"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// TokenSequence is the append-only token history of one chunk.
type TokenSequence struct {
	ids       []int
	prefixLen int
}

func NewTokenSequence(prefix []int) *TokenSequence {
	return &TokenSequence{ids: append([]int(nil), prefix...), prefixLen: len(prefix)}
}

func (s *TokenSequence) Append(id int) { s.ids = append(s.ids, id) }

// All returns the prefix followed by the generated tokens. Callers must not modify it.
func (s *TokenSequence) All() []int { return s.ids }

// Generated returns the tokens chosen after the prefix. Callers must not modify it.
func (s *TokenSequence) Generated() []int { return s.ids[s.prefixLen:] }

// Len is the number of generated tokens.
func (s *TokenSequence) Len() int { return len(s.ids) - s.prefixLen }

// Accelerator is the part of accel.Session the loop drives.
type Accelerator interface {
	Submit(h *accel.ModelHandle, inputs []tensor.Tensor, priority accel.Priority) (*accel.Job, error)
	Await(ctx context.Context, job *accel.Job, timeout time.Duration) (tensor.Tensor, error)
	Cancel(job *accel.Job)
}

type Config struct {
	// MaxTokens bounds generated tokens, end-of-text included.
	MaxTokens int
	// SeqLen is the decoder's fixed token window; unused positions are -1.
	SeqLen            int
	StepTimeout       time.Duration
	BestEffortPartial bool
	Priority          accel.Priority
}

// Result is the outcome of one Run.
type Result struct {
	State  State
	Tokens []int
	// Text is the concatenation of every emitted fragment. It is empty for a
	// failed run unless best-effort partial output was requested.
	Text  string
	Steps int
	Err   error
}

type Loop struct {
	accel    Accelerator
	decoder  *accel.ModelHandle
	vocab    *Vocabulary
	selector TokenSelector
	cfg      Config
	log      *slog.Logger
}

// NewLoop rejects a MaxTokens that would feed the decoder more than SeqLen
// tokens. The last step sees the prefix and every generated token but the
// final one.
func NewLoop(a Accelerator, decoder *accel.ModelHandle, vocab *Vocabulary, selector TokenSelector, cfg Config, log *slog.Logger) (*Loop, error) {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 2 * time.Second
	}
	prefix := len(vocab.Specials().Prefix())
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = max(1, cfg.SeqLen-prefix)
	}
	if cfg.SeqLen > 0 && prefix+cfg.MaxTokens-1 > cfg.SeqLen {
		return nil, fmt.Errorf("decode: max tokens %d exceed the decoder window of %d (at most %d)", cfg.MaxTokens, cfg.SeqLen, cfg.SeqLen-prefix+1)
	}
	return &Loop{
		accel:    a,
		decoder:  decoder,
		vocab:    vocab,
		selector: selector,
		cfg:      cfg,
		log:      log.With(slog.String("component", "decode-loop")),
	}, nil
}

// Run decodes one chunk. emit receives each new fragment of valid UTF-8 in
// order; it is called on the caller's goroutine.
func (l *Loop) Run(ctx context.Context, encoded tensor.Tensor, emit func(fragment string)) Result {
	seq := NewTokenSequence(l.vocab.Specials().Prefix())
	var (
		text   strings.Builder
		stream utf8Stream
		state  = StateDecoding
		result Result
	)
	out := func(fragment string) {
		if fragment == "" {
			return
		}
		text.WriteString(fragment)
		if emit != nil {
			emit(fragment)
		}
	}

	for state == StateDecoding {
		if err := ctx.Err(); err != nil {
			state, result.Err = StateCancelled, err
			break
		}
		logits, err := l.step(ctx, encoded, seq)
		if err != nil {
			if ctx.Err() != nil {
				state, result.Err = StateCancelled, ctx.Err()
			} else {
				state, result.Err = StateFailed, err
			}
			break
		}
		result.Steps++

		token := l.selector.Select(logits, seq)
		seq.Append(token)
		if l.selector.Terminal(token) {
			state = StateTerminated
			break
		}
		out(stream.Write(l.vocab.Bytes(token)))
		if seq.Len() >= l.cfg.MaxTokens {
			state = StateTerminated
		}
	}

	if state == StateTerminated || l.cfg.BestEffortPartial {
		out(stream.Flush())
	}
	result.State = state
	result.Tokens = append([]int(nil), seq.Generated()...)
	if state == StateTerminated || l.cfg.BestEffortPartial {
		result.Text = text.String()
	}
	if state != StateTerminated {
		l.log.Debug("decode stopped", slog.String("state", state.String()), slog.Int("tokens", seq.Len()), slog.String("error", errString(result.Err)))
	}
	return result
}

// step runs one decoder inference and returns the logit row for the next position.
func (l *Loop) step(ctx context.Context, encoded tensor.Tensor, seq *TokenSequence) ([]float32, error) {
	tokens := l.tokenTensor(seq)
	job, err := l.accel.Submit(l.decoder, []tensor.Tensor{encoded, tokens}, l.cfg.Priority)
	if err != nil {
		return nil, fmt.Errorf("submit decoder step: %w", err)
	}
	out, err := l.accel.Await(ctx, job, l.cfg.StepTimeout)
	if err != nil {
		l.accel.Cancel(job)
		return nil, err
	}
	return l.nextRow(out, len(seq.All()))
}

func (l *Loop) tokenTensor(seq *TokenSequence) tensor.Tensor {
	ids := seq.All()
	width := l.cfg.SeqLen
	if width <= 0 {
		width = len(ids)
	}
	t := tensor.New(1, width)
	for i := range t.Data {
		t.Data[i] = -1
	}
	for i, id := range ids {
		t.Data[i] = float32(id)
	}
	return t
}

// nextRow picks the logits of the position after the last token. Decoders
// may return one row or a row per position.
func (l *Loop) nextRow(out tensor.Tensor, length int) ([]float32, error) {
	if len(out.Shape) == 3 && out.Shape[1] > 1 {
		pos := length - 1
		if pos >= out.Shape[1] {
			return nil, &accel.DeviceError{Op: "decode", Err: fmt.Errorf("decoder returned %d positions for %d tokens", out.Shape[1], length)}
		}
		return out.Row(pos), nil
	}
	if len(out.Data) == 0 {
		return nil, &accel.DeviceError{Op: "decode", Err: errors.New("decoder returned no logits")}
	}
	return out.Data, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
