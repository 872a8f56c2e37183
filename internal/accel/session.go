// Package accel schedules inference jobs onto an accelerator. A Session owns
// the device and the loaded models; an Arbiter decides when a job may run so
// that no more than the configured capacity executes at once, across every
// process sharing the device.
package accel

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-whisper/internal/model"
	"github.com/loqalabs/loqa-whisper/internal/tensor"
)

type JobState int

const (
	JobQueued JobState = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobQueued:
		return "queued"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	}
	return "unknown"
}

func (s JobState) terminal() bool { return s >= JobCompleted }

// ModelHandle is a model loaded on the device.
type ModelHandle struct {
	ID       model.ID
	Artifact model.Artifact
	key      string
	released bool
}

// Job is one submitted inference request.
type Job struct {
	ID       uint64
	Priority Priority
	model    *ModelHandle
	inputs   []tensor.Tensor
	seq      uint64
	index    int

	state  JobState
	output tensor.Tensor
	err    error
	lease  Lease
	cancel context.CancelFunc
	done   chan struct{}
	s      *Session
}

func (j *Job) State() JobState {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	return j.state
}

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Options configures a Session.
type Options struct {
	Device       Device
	Registry     *model.Registry
	Arbiter      Arbiter
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

// Session is the process-wide handle on one accelerator.
type Session struct {
	opts   Options
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu      sync.Mutex
	queue   jobQueue
	active  map[uint64]*Job
	models  map[*ModelHandle]struct{}
	nextJob uint64
	running int
	faulted error
	closed  bool

	runningGauge metric.Int64UpDownCounter
	duration     metric.Float64Histogram
	retries      metric.Int64Counter
}

func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.Device == nil {
		return nil, errors.New("accelerator device is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("model registry is required")
	}
	if opts.Arbiter == nil {
		opts.Arbiter = NewLocalArbiter(1, 3*time.Second)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 20 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		opts:   opts,
		log:    opts.Logger.With(slog.String("component", "accel-session"), slog.String("arch", string(opts.Device.Arch()))),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		active: make(map[uint64]*Job),
		models: make(map[*ModelHandle]struct{}),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	s.wg.Add(1)
	go s.dispatch()
	return s, nil
}

func (s *Session) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-whisper/accel")
	var err error
	if s.runningGauge, err = meter.Int64UpDownCounter("loqa.accel.jobs.running", metric.WithDescription("Accelerator jobs currently executing")); err != nil {
		return err
	}
	if s.duration, err = meter.Float64Histogram("loqa.accel.job.duration", metric.WithDescription("Accelerator job execution time"), metric.WithUnit("s")); err != nil {
		return err
	}
	if s.retries, err = meter.Int64Counter("loqa.accel.retries", metric.WithDescription("Transient device failures retried")); err != nil {
		return err
	}
	return nil
}

// Arch is the architecture of the attached device.
func (s *Session) Arch() model.Arch { return s.opts.Device.Arch() }

// LoadModel makes an artifact resident on the device.
func (s *Session) LoadModel(ctx context.Context, id model.ID) (*ModelHandle, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if !id.Arch.CanRunOn(s.Arch()) {
		return nil, &ModelLoadError{ID: id, Err: fmt.Errorf("artifact built for %s cannot run on %s", id.Arch, s.Arch())}
	}
	artifact, err := s.opts.Registry.Resolve(id)
	if err != nil {
		return nil, &ModelLoadError{ID: id, Err: err}
	}
	key, err := s.opts.Device.Load(ctx, artifact)
	if err != nil {
		return nil, &ModelLoadError{ID: id, Err: err}
	}

	h := &ModelHandle{ID: id, Artifact: artifact, key: key}
	s.mu.Lock()
	s.models[h] = struct{}{}
	s.mu.Unlock()
	s.log.Info("model loaded", slog.String("model", id.String()), slog.String("path", artifact.Path))
	return h, nil
}

// ReleaseModel cancels outstanding jobs for h and unloads it. Releasing twice is a no-op.
func (s *Session) ReleaseModel(h *ModelHandle) error {
	if h == nil {
		return nil
	}
	s.mu.Lock()
	if h.released {
		s.mu.Unlock()
		return nil
	}
	h.released = true
	delete(s.models, h)
	var leases []Lease
	for _, job := range s.jobsForLocked(h) {
		if l := s.finishLocked(job, JobCancelled, tensor.Tensor{}, ErrModelReleased); l != nil {
			leases = append(leases, l)
		}
	}
	s.mu.Unlock()
	for _, l := range leases {
		l.Release()
	}
	return s.opts.Device.Unload(h.key)
}

func (s *Session) jobsForLocked(h *ModelHandle) []*Job {
	var jobs []*Job
	for _, job := range s.queue {
		if job.model == h {
			jobs = append(jobs, job)
		}
	}
	for _, job := range s.active {
		if job.model == h {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// Submit enqueues inference of inputs on h. It never blocks.
func (s *Session) Submit(h *ModelHandle, inputs []tensor.Tensor, priority Priority) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.faulted != nil {
		return nil, &DeviceError{Op: "submit", Err: s.faulted}
	}
	if h == nil || h.released {
		return nil, ErrModelReleased
	}
	if s.queue.Len() >= s.opts.QueueSize {
		return nil, &ResourceBusyError{Reason: fmt.Sprintf("queue full (%d jobs)", s.queue.Len())}
	}
	s.nextJob++
	job := &Job{
		ID:       s.nextJob,
		Priority: priority,
		model:    h,
		inputs:   inputs,
		seq:      s.nextJob,
		done:     make(chan struct{}),
		s:        s,
	}
	heap.Push(&s.queue, job)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return job, nil
}

// Await waits up to timeout for job's result. A zero timeout polls.
func (s *Session) Await(ctx context.Context, job *Job, timeout time.Duration) (tensor.Tensor, error) {
	if timeout <= 0 {
		select {
		case <-job.done:
			return s.result(job)
		default:
			return tensor.Tensor{}, &TimeoutError{JobID: job.ID, After: 0}
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-job.done:
		return s.result(job)
	case <-timer.C:
		return tensor.Tensor{}, &TimeoutError{JobID: job.ID, After: timeout}
	case <-ctx.Done():
		return tensor.Tensor{}, ctx.Err()
	}
}

func (s *Session) result(job *Job) (tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return job.output, job.err
}

// Cancel abandons job. Its admission lease, if any, is returned immediately.
func (s *Session) Cancel(job *Job) {
	if job == nil {
		return
	}
	s.mu.Lock()
	lease := s.finishLocked(job, JobCancelled, tensor.Tensor{}, context.Canceled)
	s.mu.Unlock()
	if lease != nil {
		lease.Release()
	}
}

// Running is the number of jobs currently executing for this session.
func (s *Session) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Healthy reports whether the session can still accept work.
func (s *Session) Healthy() bool {
	return s.usable() == nil
}

// Err returns the fault that disabled the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faulted
}

func (s *Session) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.faulted != nil {
		return &DeviceError{Op: "session", Err: s.faulted}
	}
	return nil
}

// Close cancels outstanding jobs, unloads every model and closes the device.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var leases []Lease
	for s.queue.Len() > 0 {
		job := s.queue[0]
		if l := s.finishLocked(job, JobCancelled, tensor.Tensor{}, ErrSessionClosed); l != nil {
			leases = append(leases, l)
		}
	}
	for _, job := range s.active {
		if l := s.finishLocked(job, JobCancelled, tensor.Tensor{}, ErrSessionClosed); l != nil {
			leases = append(leases, l)
		}
	}
	handles := make([]*ModelHandle, 0, len(s.models))
	for h := range s.models {
		h.released = true
		handles = append(handles, h)
	}
	s.models = make(map[*ModelHandle]struct{})
	s.mu.Unlock()

	for _, l := range leases {
		l.Release()
	}
	s.cancel()
	s.wg.Wait()

	var errs []error
	for _, h := range handles {
		if err := s.opts.Device.Unload(h.key); err != nil {
			errs = append(errs, fmt.Errorf("unload %s: %w", h.ID, err))
		}
	}
	if err := s.opts.Device.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close device: %w", err))
	}
	return errors.Join(errs...)
}

// finishLocked moves job to a terminal state and returns the lease the
// caller must release after unlocking.
func (s *Session) finishLocked(job *Job, state JobState, out tensor.Tensor, err error) Lease {
	if job.state.terminal() {
		return nil
	}
	if job.state == JobQueued && job.index >= 0 {
		heap.Remove(&s.queue, job.index)
	}
	if job.state == JobRunning {
		delete(s.active, job.ID)
		s.running--
		if s.runningGauge != nil {
			s.runningGauge.Add(context.Background(), -1)
		}
		if job.cancel != nil {
			job.cancel()
		}
	}
	job.state = state
	job.output = out
	job.err = err
	job.inputs = nil
	close(job.done)
	lease := job.lease
	job.lease = nil
	return lease
}

func (s *Session) dispatch() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for s.queue.Len() == 0 && !s.closed {
			s.mu.Unlock()
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			s.mu.Lock()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		priority := s.queue[0].Priority
		s.mu.Unlock()

		lease, err := s.opts.Arbiter.Acquire(s.ctx, priority)

		s.mu.Lock()
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			if lease != nil {
				lease.Release()
			}
			if s.ctx.Err() != nil {
				return
			}
			continue
		}
		job := heap.Pop(&s.queue).(*Job)
		if err != nil {
			s.finishLocked(job, JobFailed, tensor.Tensor{}, err)
			s.mu.Unlock()
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn("job not admitted", slog.Uint64("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		job.state = JobRunning
		job.lease = lease
		jobCtx, cancel := context.WithCancel(s.ctx)
		job.cancel = cancel
		s.active[job.ID] = job
		s.running++
		if s.runningGauge != nil {
			s.runningGauge.Add(context.Background(), 1)
		}
		key, inputs := job.model.key, job.inputs
		s.mu.Unlock()

		s.wg.Add(1)
		go s.run(jobCtx, job, key, inputs)
	}
}

func (s *Session) run(ctx context.Context, job *Job, key string, inputs []tensor.Tensor) {
	defer s.wg.Done()
	start := time.Now()

	attempts := 0
	operation := func() (tensor.Tensor, error) {
		attempts++
		out, err := s.opts.Device.Run(ctx, key, inputs)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return tensor.Tensor{}, backoff.Permanent(ctx.Err())
		}
		if isTransient(err) {
			if s.retries != nil {
				s.retries.Add(ctx, 1)
			}
			return tensor.Tensor{}, err
		}
		return tensor.Tensor{}, backoff.Permanent(err)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.RetryBackoff
	policy.MaxInterval = 20 * s.opts.RetryBackoff
	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.opts.MaxRetries+1)),
	)

	elapsed := time.Since(start)
	if s.duration != nil {
		s.duration.Record(context.Background(), elapsed.Seconds(),
			metric.WithAttributes(attribute.String("component", string(job.model.ID.Component))))
	}

	s.mu.Lock()
	if job.state.terminal() {
		// cancelled while running
		s.mu.Unlock()
		return
	}
	var lease Lease
	switch {
	case err != nil && ctx.Err() != nil:
		lease = s.finishLocked(job, JobCancelled, tensor.Tensor{}, ctx.Err())
	case err != nil:
		var devErr *DeviceError
		if !errors.As(err, &devErr) {
			err = &DeviceError{Op: "run", Err: err}
			errors.As(err, &devErr)
		}
		if !devErr.Transient && s.faulted == nil {
			s.faulted = err
			s.log.Error("accelerator faulted", slog.Uint64("job_id", job.ID), slog.String("error", err.Error()))
		}
		lease = s.finishLocked(job, JobFailed, tensor.Tensor{}, err)
	default:
		lease = s.finishLocked(job, JobCompleted, out, nil)
	}
	s.mu.Unlock()
	if lease != nil {
		lease.Release()
	}
	if attempts > 1 {
		s.log.Debug("job retried", slog.Uint64("job_id", job.ID), slog.Int("attempts", attempts))
	}
}

// jobQueue orders jobs by priority class, then submission order.
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	job := x.(*Job)
	job.index = len(*q)
	*q = append(*q, job)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*q = old[:n-1]
	return job
}
