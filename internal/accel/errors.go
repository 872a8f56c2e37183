package accel

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/model"
)

var (
	ErrModelLoad    = errors.New("model load")
	ErrResourceBusy = errors.New("resource busy")
	ErrTimeout      = errors.New("timeout")
	ErrDevice       = errors.New("device")

	ErrSessionClosed = errors.New("accelerator session closed")
	ErrModelReleased = errors.New("model released")
)

// ModelLoadError reports a missing, unreadable or incompatible artifact.
type ModelLoadError struct {
	ID  model.ID
	Err error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.ID, e.Err)
}

func (e *ModelLoadError) Unwrap() []error { return []error{ErrModelLoad, e.Err} }

// ResourceBusyError reports that no admission lease was granted within the bound.
type ResourceBusyError struct {
	Waited time.Duration
	Reason string
}

func (e *ResourceBusyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("accelerator busy after %s: %s", e.Waited, e.Reason)
	}
	return fmt.Sprintf("accelerator busy after %s", e.Waited)
}

func (e *ResourceBusyError) Unwrap() error { return ErrResourceBusy }

type TimeoutError struct {
	JobID uint64
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %d not complete after %s", e.JobID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// DeviceError is a failure reported by the accelerator. Transient errors are
// retried; anything else faults the session.
type DeviceError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() []error { return []error{ErrDevice, e.Err} }

// Transient marks err as a retryable device failure.
func Transient(op string, err error) error {
	return &DeviceError{Op: op, Transient: true, Err: err}
}

func isTransient(err error) bool {
	var devErr *DeviceError
	return errors.As(err, &devErr) && devErr.Transient
}
