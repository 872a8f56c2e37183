package pipeline

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-whisper/internal/accel"
	"github.com/loqalabs/loqa-whisper/internal/audio"
	"github.com/loqalabs/loqa-whisper/internal/features"
)

// Kind names the class of a chunk failure as reported to sinks and the journal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrCapture):
		return "capture"
	case errors.Is(err, features.ErrFeatureShape):
		return "feature_shape"
	case errors.Is(err, accel.ErrModelLoad), errors.Is(err, accel.ErrModelReleased):
		return "model_load"
	case errors.Is(err, accel.ErrResourceBusy):
		return "resource_busy"
	case errors.Is(err, accel.ErrTimeout):
		return "timeout"
	case errors.Is(err, accel.ErrDevice), errors.Is(err, accel.ErrSessionClosed):
		return "device"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "internal"
}

// fatal reports whether err leaves the pipeline without audio or without a
// usable accelerator.
func fatal(err error, session Accelerator) bool {
	switch {
	case errors.Is(err, audio.ErrCapture),
		errors.Is(err, accel.ErrModelLoad),
		errors.Is(err, accel.ErrModelReleased),
		errors.Is(err, accel.ErrSessionClosed):
		return true
	}
	return session.Err() != nil
}
