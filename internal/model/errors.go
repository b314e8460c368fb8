package model

import (
	"errors"
	"fmt"
	"time"
)

// ConfigError is fatal at startup, before any phase runs.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return "config: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError formats a ConfigError.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// CheckpointError is fatal to the phase that hit it. Prior checkpoints stay
// intact, so the run remains resumable.
type CheckpointError struct {
	Op         string
	PhaseID    string
	BatchIndex int
	Err        error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s %s/%d: %v", e.Op, e.PhaseID, e.BatchIndex, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }

// ResourceTimeoutError is returned when a shared-resource lease was not
// granted within the caller's timeout. It is scoped to a single task.
type ResourceTimeoutError struct {
	Waited time.Duration
}

func (e *ResourceTimeoutError) Error() string {
	return fmt.Sprintf("shared resource not acquired after %s", e.Waited)
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsCheckpointError reports whether err is or wraps a CheckpointError.
func IsCheckpointError(err error) bool {
	var ce *CheckpointError
	return errors.As(err, &ce)
}

// IsResourceTimeout reports whether err is or wraps a ResourceTimeoutError.
func IsResourceTimeout(err error) bool {
	var re *ResourceTimeoutError
	return errors.As(err, &re)
}
