// Package errs holds the typed failures raised by the supervisor, the refresh
// coordinator and the tool bridge.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrationNotConfigured is returned when neither a personal nor a
	// workspace integration is usable for the requested type
	ErrIntegrationNotConfigured = errors.New("integration not configured")

	// ErrLeaseHeld is returned when another supervisor instance owns the worker
	ErrLeaseHeld = errors.New("worker lease held by another supervisor")

	// ErrNotWorkerMode is returned when a worker operation targets a direct-API integration
	ErrNotWorkerMode = errors.New("integration is not in worker-process mode")
)

// WorkerStartFailedError reports a worker that exited right after launch
type WorkerStartFailedError struct {
	ProcessName string
	ExitCode    int
	Stderr      string
	Err         error
}

func (e *WorkerStartFailedError) Error() string {
	msg := fmt.Sprintf("worker %s failed to start", e.ProcessName)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *WorkerStartFailedError) Unwrap() error { return e.Err }

// WorkerUnresponsiveError reports a worker that did not answer in time or
// closed its stdio
type WorkerUnresponsiveError struct {
	ProcessName string
	Op          string
	Err         error
}

func (e *WorkerUnresponsiveError) Error() string {
	return fmt.Sprintf("worker %s unresponsive during %s: %v", e.ProcessName, e.Op, e.Err)
}

func (e *WorkerUnresponsiveError) Unwrap() error { return e.Err }

// RefreshFailedError reports a rejected or timed-out token refresh. The
// integration has been deactivated by the time this error is returned.
type RefreshFailedError struct {
	IntegrationType string
	ProcessName     string
	Err             error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("token refresh failed for %s: %v", e.ProcessName, e.Err)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }

// PermissionCorrectionWarning describes a credential path whose mode had
// drifted and was fixed. It is logged, never returned as a failure.
type PermissionCorrectionWarning struct {
	Path string
	Was  uint32
	Want uint32
}

func (w PermissionCorrectionWarning) Error() string {
	return fmt.Sprintf("corrected permissions on %s from %#o to %#o", w.Path, w.Was, w.Want)
}

// Kind is the small set of outcomes surfaced to the orchestration layer
type Kind string

const (
	KindReconnect   Kind = "reconnect"
	KindUnavailable Kind = "unavailable"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindInvalid     Kind = "invalid"
	KindNotFound    Kind = "not_configured"
	KindInternal    Kind = "internal"
)

// ToolError is the only error type returned across the tool bridge boundary
type ToolError struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// UserMessage is the text safe to show an end user
func (e *ToolError) UserMessage() string {
	switch e.Kind {
	case KindReconnect:
		return "Please reconnect your account."
	case KindUnavailable, KindTransient:
		return "The integration is temporarily unavailable, please retry."
	case KindRateLimited:
		return "The provider is rate limiting requests, please retry shortly."
	case KindNotFound:
		return "This integration is not connected."
	default:
		return e.Message
	}
}

// KindOf returns the tool error kind carried by err, or KindInternal
func KindOf(err error) Kind {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}
