// Package resilience wraps outbound scoring and webhook calls with retry,
// circuit breaking, and a transient/permanent error taxonomy.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError marks a failure worth retrying: rate limits, upstream
// overload, flaky connections. Everything else is treated as permanent and
// surfaces immediately.
type TransientError struct {
	Err        error
	StatusCode int
}

// NewTransientError wraps err as retryable. statusCode is the HTTP status
// that triggered the wrap, or 0 when the failure never got a response.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// retryableMessages catches transport failures that arrive as opaque wrapped
// strings from HTTP clients.
var retryableMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
}

// IsTransient reports whether err is safe to retry: an explicit
// TransientError anywhere in the chain, a network timeout, a refused or
// reset connection, or a message matching a known transport failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryableMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an HTTP status from the scoring
// service or a webhook endpoint indicates a retryable condition.
func IsTransientHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == 408 || statusCode == 429:
		return true
	case statusCode == 500 || (statusCode >= 502 && statusCode <= 504):
		return true
	default:
		return false
	}
}
