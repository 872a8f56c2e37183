package accel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-whisper/internal/model"
	"github.com/loqalabs/loqa-whisper/internal/tensor"
)

const handshakeTimeout = 10 * time.Second

// execDevice drives an external accelerator runtime over newline-delimited
// JSON on its stdin and stdout. Requests carry an id; responses may arrive
// out of order.
type execDevice struct {
	arch model.Arch
	cmd  *exec.Cmd
	log  *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser
	enc     *json.Encoder

	mu      sync.Mutex
	pending map[uint64]chan execResponse
	nextID  uint64
	exitErr error
	stderr  bytes.Buffer
	done    chan struct{}
}

type execRequest struct {
	ID     uint64       `json:"id"`
	Op     string       `json:"op"`
	Path   string       `json:"path,omitempty"`
	Handle string       `json:"handle,omitempty"`
	Inputs []wireTensor `json:"inputs,omitempty"`
	Target uint64       `json:"target,omitempty"`
}

type execResponse struct {
	ID        uint64       `json:"id"`
	Handle    string       `json:"handle,omitempty"`
	Arch      string       `json:"arch,omitempty"`
	Outputs   []wireTensor `json:"outputs,omitempty"`
	Error     string       `json:"error,omitempty"`
	Transient bool         `json:"transient,omitempty"`
}

// wireTensor carries little-endian float32 data, base64 encoded by encoding/json.
type wireTensor struct {
	Shape []int  `json:"shape"`
	Data  []byte `json:"data"`
}

func toWire(t tensor.Tensor) wireTensor {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return wireTensor{Shape: t.Shape, Data: buf}
}

func fromWire(w wireTensor) (tensor.Tensor, error) {
	if len(w.Data)%4 != 0 {
		return tensor.Tensor{}, fmt.Errorf("tensor payload of %d bytes is not float32 aligned", len(w.Data))
	}
	t := tensor.Tensor{Shape: w.Shape, Data: make([]float32, len(w.Data)/4)}
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(w.Data[4*i:]))
	}
	return t, t.Validate()
}

// NewExecDevice starts command (shell-style quoting allowed) as the
// accelerator runtime. The runtime must answer an "info" request with the
// architecture of the hardware it drives; that becomes the device's Arch.
func NewExecDevice(ctx context.Context, command string, log *slog.Logger) (Device, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse accelerator command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("accelerator command is empty")
	}

	d := &execDevice{
		log:     log.With(slog.String("component", "accel-exec"), slog.String("command", args[0])),
		pending: make(map[uint64]chan execResponse),
		done:    make(chan struct{}),
	}
	d.cmd = exec.Command(args[0], args[1:]...)
	d.cmd.Stderr = &lockedWriter{mu: &d.mu, buf: &d.stderr}
	stdin, err := d.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("accelerator stdin: %w", err)
	}
	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("accelerator stdout: %w", err)
	}
	if err := d.cmd.Start(); err != nil {
		return nil, fmt.Errorf("start accelerator runtime: %w", err)
	}
	d.stdin = stdin
	d.enc = json.NewEncoder(stdin)

	go d.readLoop(stdout)

	if err := d.handshake(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	d.log.Info("accelerator runtime started", slog.Int("pid", d.cmd.Process.Pid), slog.String("arch", string(d.arch)))
	return d, nil
}

func (d *execDevice) handshake(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	resp, err := d.call(ctx, execRequest{Op: "info"})
	if err != nil {
		return fmt.Errorf("accelerator handshake: %w", err)
	}
	arch, err := model.ParseArch(resp.Arch)
	if err != nil {
		return &DeviceError{Op: "info", Err: fmt.Errorf("runtime reported %w", err)}
	}
	d.arch = arch
	return nil
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() < 4096 {
		w.buf.Write(p)
	}
	return len(p), nil
}

func (d *execDevice) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), 256<<20)
	for scanner.Scan() {
		var resp execResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			d.log.Warn("invalid runtime response", slog.String("error", err.Error()))
			continue
		}
		d.mu.Lock()
		ch, ok := d.pending[resp.ID]
		delete(d.pending, resp.ID)
		d.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	waitErr := d.cmd.Wait()
	d.mu.Lock()
	msg := d.stderr.String()
	if msg == "" && waitErr != nil {
		msg = waitErr.Error()
	}
	if msg == "" {
		msg = "exited"
	}
	d.exitErr = fmt.Errorf("accelerator runtime: %s", msg)
	pending := d.pending
	d.pending = make(map[uint64]chan execResponse)
	d.mu.Unlock()
	for id, ch := range pending {
		ch <- execResponse{ID: id, Error: d.exitErr.Error()}
	}
	close(d.done)
}

func (d *execDevice) call(ctx context.Context, req execRequest) (execResponse, error) {
	ch := make(chan execResponse, 1)
	d.mu.Lock()
	if d.exitErr != nil {
		err := d.exitErr
		d.mu.Unlock()
		return execResponse{}, &DeviceError{Op: req.Op, Err: err}
	}
	d.nextID++
	req.ID = d.nextID
	d.pending[req.ID] = ch
	d.mu.Unlock()

	d.writeMu.Lock()
	err := d.enc.Encode(req)
	d.writeMu.Unlock()
	if err != nil {
		d.forget(req.ID)
		return execResponse{}, &DeviceError{Op: req.Op, Err: fmt.Errorf("write request: %w", err)}
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, &DeviceError{Op: req.Op, Transient: resp.Transient, Err: errors.New(resp.Error)}
		}
		return resp, nil
	case <-ctx.Done():
		d.forget(req.ID)
		if req.Op == "run" {
			d.writeMu.Lock()
			_ = d.enc.Encode(execRequest{Op: "cancel", Target: req.ID})
			d.writeMu.Unlock()
		}
		return execResponse{}, ctx.Err()
	}
}

func (d *execDevice) forget(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *execDevice) Arch() model.Arch { return d.arch }

func (d *execDevice) Load(ctx context.Context, artifact model.Artifact) (string, error) {
	resp, err := d.call(ctx, execRequest{Op: "load", Path: artifact.Path})
	if err != nil {
		return "", err
	}
	if resp.Handle == "" {
		return "", &DeviceError{Op: "load", Err: errors.New("runtime returned no handle")}
	}
	return resp.Handle, nil
}

func (d *execDevice) Run(ctx context.Context, key string, inputs []tensor.Tensor) (tensor.Tensor, error) {
	wire := make([]wireTensor, len(inputs))
	for i, in := range inputs {
		wire[i] = toWire(in)
	}
	resp, err := d.call(ctx, execRequest{Op: "run", Handle: key, Inputs: wire})
	if err != nil {
		return tensor.Tensor{}, err
	}
	if len(resp.Outputs) == 0 {
		return tensor.Tensor{}, &DeviceError{Op: "run", Err: errors.New("runtime returned no outputs")}
	}
	out, err := fromWire(resp.Outputs[0])
	if err != nil {
		return tensor.Tensor{}, &DeviceError{Op: "run", Err: err}
	}
	return out, nil
}

func (d *execDevice) Unload(key string) error {
	_, err := d.call(context.Background(), execRequest{Op: "unload", Handle: key})
	return err
}

func (d *execDevice) Close() error {
	d.writeMu.Lock()
	err := d.stdin.Close()
	d.writeMu.Unlock()
	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
		d.log.Warn("accelerator runtime did not exit, killing it")
		_ = d.cmd.Process.Kill()
		<-d.done
	}
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
