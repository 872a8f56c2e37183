package accel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/model"
	"github.com/loqalabs/loqa-whisper/internal/tensor"
)

// Device is the only code that touches accelerator hardware. Implementations
// must be safe for concurrent Run calls.
type Device interface {
	Arch() model.Arch
	// Load prepares an artifact and returns a device-side key for it.
	Load(ctx context.Context, artifact model.Artifact) (string, error)
	Run(ctx context.Context, key string, inputs []tensor.Tensor) (tensor.Tensor, error)
	Unload(key string) error
	Close() error
}

// SimDecoder chooses the next token for the simulated decoder.
type SimDecoder func(encoded tensor.Tensor, tokens []int) int

// SimOptions configures the deterministic in-process device.
type SimOptions struct {
	Latency   time.Duration
	VocabSize int
	Hidden    int
	EOT       int
	Decode    SimDecoder
	// TransientFailures makes the first n Run calls fail with a retryable error.
	TransientFailures int
	// FailAfter makes every Run after the first n fail permanently. Zero disables it.
	FailAfter int
}

// SimDevice executes models in process. The encoder pools its input into a
// small state tensor; the decoder produces one-hot logits chosen by Decode.
type SimDevice struct {
	arch model.Arch
	opts SimOptions

	mu      sync.Mutex
	models  map[string]model.Component
	nextKey int
	closed  bool

	calls         atomic.Int64
	transientLeft atomic.Int64
	active        atomic.Int64
	maxActive     atomic.Int64
}

func NewSimDevice(arch model.Arch, opts SimOptions) *SimDevice {
	if opts.VocabSize <= 0 {
		opts.VocabSize = 51865
	}
	if opts.Hidden <= 0 {
		opts.Hidden = 8
	}
	if opts.EOT == 0 {
		opts.EOT = 50257
	}
	d := &SimDevice{arch: arch, opts: opts, models: make(map[string]model.Component)}
	d.transientLeft.Store(int64(opts.TransientFailures))
	return d
}

func (d *SimDevice) Arch() model.Arch { return d.arch }

func (d *SimDevice) Load(_ context.Context, artifact model.Artifact) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", errors.New("device closed")
	}
	d.nextKey++
	key := fmt.Sprintf("%s#%d", artifact.ID.Component, d.nextKey)
	d.models[key] = artifact.ID.Component
	return key, nil
}

func (d *SimDevice) Run(ctx context.Context, key string, inputs []tensor.Tensor) (tensor.Tensor, error) {
	d.mu.Lock()
	component, ok := d.models[key]
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return tensor.Tensor{}, &DeviceError{Op: "run", Err: errors.New("device closed")}
	}
	if !ok {
		return tensor.Tensor{}, &DeviceError{Op: "run", Err: fmt.Errorf("model %s not loaded", key)}
	}

	active := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		peak := d.maxActive.Load()
		if active <= peak || d.maxActive.CompareAndSwap(peak, active) {
			break
		}
	}

	call := d.calls.Add(1)
	if d.opts.FailAfter > 0 && call > int64(d.opts.FailAfter) {
		return tensor.Tensor{}, &DeviceError{Op: "run", Err: errors.New("device stopped responding")}
	}
	if d.transientLeft.Add(-1) >= 0 {
		return tensor.Tensor{}, Transient("run", errors.New("device busy"))
	}

	if d.opts.Latency > 0 {
		timer := time.NewTimer(d.opts.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return tensor.Tensor{}, ctx.Err()
		case <-timer.C:
		}
	}

	switch component {
	case model.Encoder:
		if len(inputs) != 1 {
			return tensor.Tensor{}, &DeviceError{Op: "run", Err: fmt.Errorf("encoder expects 1 input, got %d", len(inputs))}
		}
		return d.encode(inputs[0]), nil
	default:
		if len(inputs) != 2 {
			return tensor.Tensor{}, &DeviceError{Op: "run", Err: fmt.Errorf("decoder expects 2 inputs, got %d", len(inputs))}
		}
		return d.decode(inputs[0], inputs[1]), nil
	}
}

func (d *SimDevice) encode(features tensor.Tensor) tensor.Tensor {
	out := tensor.New(1, 1, d.opts.Hidden)
	if len(features.Data) == 0 {
		return out
	}
	per := (len(features.Data) + d.opts.Hidden - 1) / d.opts.Hidden
	for h := 0; h < d.opts.Hidden; h++ {
		lo, hi := h*per, min((h+1)*per, len(features.Data))
		if lo >= hi {
			continue
		}
		var sum float32
		for _, v := range features.Data[lo:hi] {
			sum += v
		}
		out.Data[h] = sum / float32(hi-lo)
	}
	return out
}

func (d *SimDevice) decode(encoded, tokens tensor.Tensor) tensor.Tensor {
	ids := make([]int, 0, len(tokens.Data))
	for _, v := range tokens.Data {
		if v < 0 {
			break
		}
		ids = append(ids, int(v))
	}
	next := d.opts.EOT
	if d.opts.Decode != nil {
		next = d.opts.Decode(encoded, ids)
	}
	logits := tensor.New(1, d.opts.VocabSize)
	if next >= 0 && next < d.opts.VocabSize {
		logits.Data[next] = 10
	}
	return logits
}

func (d *SimDevice) Unload(key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.models, key)
	return nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.models = make(map[string]model.Component)
	return nil
}

// Calls is the number of Run invocations so far.
func (d *SimDevice) Calls() int64 { return d.calls.Load() }

// MaxActive is the highest number of concurrent Run calls observed.
func (d *SimDevice) MaxActive() int64 { return d.maxActive.Load() }

// Loaded is the number of models currently loaded.
func (d *SimDevice) Loaded() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.models)
}
