package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"
)

// Error codes returned by the service that the upload engine reacts to.
const (
	CodeRequestTimeTooSkewed = "RequestTimeTooSkewed"
	CodeRequestExpired       = "RequestExpired"
	CodeNoSuchUpload         = "NoSuchUpload"
	CodeInternalError        = "InternalError"
	CodeServiceUnavailable   = "ServiceUnavailable"
	CodeSlowDown             = "SlowDown"
	CodeRequestTimeout       = "RequestTimeout"
)

// ServiceError is a rejection returned by the storage service.
type ServiceError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	// ServerTime is the service clock at the time of the response, zero if unknown.
	ServerTime time.Time
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("HTTP %d %s", e.StatusCode, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (request id: %s)", e.RequestID)
	}
	return msg
}

// IsClockSkew reports whether err is a rejection caused by the local clock drifting
// away from the service clock. It also returns the service time to resync with;
// a skew rejection without a usable service time is not reported.
func IsClockSkew(err error) (time.Time, bool) {
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		return time.Time{}, false
	}
	if serviceErr.StatusCode != http.StatusBadRequest && serviceErr.StatusCode != http.StatusForbidden {
		return time.Time{}, false
	}
	if serviceErr.Code != CodeRequestTimeTooSkewed && serviceErr.Code != CodeRequestExpired {
		return time.Time{}, false
	}
	if serviceErr.ServerTime.IsZero() {
		return time.Time{}, false
	}
	return serviceErr.ServerTime, true
}

// IsNoSuchUpload reports whether the service no longer knows the upload id.
func IsNoSuchUpload(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr) && serviceErr.Code == CodeNoSuchUpload
}

// IsTransient reports whether err is a failure worth retrying as is: a network level
// failure, or a throttling / server side rejection.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		switch serviceErr.Code {
		case CodeInternalError, CodeServiceUnavailable, CodeSlowDown, CodeRequestTimeout:
			return true
		}
		return serviceErr.StatusCode >= http.StatusInternalServerError || serviceErr.StatusCode == http.StatusTooManyRequests
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
