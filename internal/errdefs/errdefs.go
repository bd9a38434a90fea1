// Package errdefs defines the error taxonomy shared across the agent.
//
// Conflict errors are rejected synchronously and never retried. Hardware
// errors abort the current session start or capture cycle. Transient network
// errors are retried with backoff inside the platform client and the upload
// coordinator and stay invisible to callers until attempts are exhausted.
// Inference errors degrade a result but never drop it.
package errdefs

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned for lookups of unknown results, batches or sessions.
var ErrNotFound = errors.New("not found")

// ConflictError signals an invariant violation, e.g. a second active session
// or an overlapping checkout.
type ConflictError struct {
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflict: %s", e.Op, e.Reason)
}

// Conflict builds a ConflictError.
func Conflict(op, format string, args ...interface{}) error {
	return &ConflictError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// HardwareError signals a camera open/read failure.
type HardwareError struct {
	Device string
	Err    error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("hardware failure on %s: %v", e.Device, e.Err)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// Hardware wraps err as a HardwareError for the named device.
func Hardware(device string, err error) error {
	return &HardwareError{Device: device, Err: err}
}

// IsHardware reports whether err is (or wraps) a HardwareError.
func IsHardware(err error) bool {
	var he *HardwareError
	return errors.As(err, &he)
}

// TransientNetworkError signals a retryable transport failure against a
// platform endpoint.
type TransientNetworkError struct {
	Endpoint string
	Err      error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error against %s: %v", e.Endpoint, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientNetworkError for the endpoint.
func Transient(endpoint string, err error) error {
	return &TransientNetworkError{Endpoint: endpoint, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientNetworkError.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

// InferenceError signals a model inference failure. For stage 2 the pipeline
// emits a degraded result instead of dropping the frame.
type InferenceError struct {
	Stage string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed at %s: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Inference wraps err as an InferenceError for the named stage.
func Inference(stage string, err error) error {
	return &InferenceError{Stage: stage, Err: err}
}

// IsInference reports whether err is (or wraps) an InferenceError.
func IsInference(err error) bool {
	var ie *InferenceError
	return errors.As(err, &ie)
}
