package superupload

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrCancelled is returned to callers waiting on a session that was cancelled.
	ErrCancelled = errors.New("upload cancelled")
	// ErrSessionClosed is returned when a terminal session is started again.
	ErrSessionClosed = errors.New("upload session is closed")
	// ErrNotStarted is returned by Wait on a session that was never started.
	ErrNotStarted = errors.New("upload session is not started")
)

// ValidationError reports a bad argument, detected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientTransportError wraps a network level or throttling failure.
type TransientTransportError struct {
	Err error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("transient transport error: %s", e.Err)
}

func (e *TransientTransportError) Unwrap() error { return e.Err }

// ClockSkewError is a rejection caused by the local clock. Offset is the correction
// applied to the shared clock.
type ClockSkewError struct {
	ServerTime time.Time
	Offset     time.Duration
	Err        error
}

func (e *ClockSkewError) Error() string {
	return fmt.Sprintf("clock skew (server time %s, offset now %s): %s", e.ServerTime.UTC().Format(time.RFC3339), e.Offset, e.Err)
}

func (e *ClockSkewError) Unwrap() error { return e.Err }

// PartFailure is a part that was rejected, or exhausted its retries.
type PartFailure struct {
	PartNumber int
	Attempts   int
	Err        error
}

func (e *PartFailure) Error() string {
	return fmt.Sprintf("part %d failed after %d attempt(s): %s", e.PartNumber, e.Attempts, e.Err)
}

func (e *PartFailure) Unwrap() error { return e.Err }

// PartFailuresError is returned by Wait when every part settled but some failed.
// The session stays open: RetryFailed re-queues the failed parts, Cancel gives up
// and releases the session. One of them has to be called.
type PartFailuresError struct {
	UploadID string
	Failures []*PartFailure
	errs     *multierror.Error
}

func newPartFailuresError(uploadID string, failures []*PartFailure) *PartFailuresError {
	var errs *multierror.Error
	for _, f := range failures {
		errs = multierror.Append(errs, f)
	}
	return &PartFailuresError{UploadID: uploadID, Failures: failures, errs: errs}
}

func (e *PartFailuresError) Error() string {
	return fmt.Sprintf("upload %s: %s", e.UploadID, e.errs.Error())
}

// Unwrap exposes every *PartFailure to errors.Is and errors.As.
func (e *PartFailuresError) Unwrap() []error {
	return e.errs.WrappedErrors()
}

// CompletionError is a rejected completion request. The upload is not aborted.
type CompletionError struct {
	UploadID string
	Err      error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("complete upload %s: %s", e.UploadID, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// AlreadyStartedError is returned by a second Start.
type AlreadyStartedError struct {
	UploadID string
}

func (e *AlreadyStartedError) Error() string {
	if e.UploadID == "" {
		return "upload session already started"
	}
	return fmt.Sprintf("upload session already started with upload id %s", e.UploadID)
}

type sourceError struct {
	err error
}

func (e *sourceError) Error() string {
	return fmt.Sprintf("read source: %s", e.err)
}

func (e *sourceError) Unwrap() error { return e.err }
