package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// ErrTooManyRedirects is returned when a response redirects more than maxRedirects times.
var ErrTooManyRedirects = errors.New("stopped after 10 redirects")

// StatusError is a response whose status code is not a success.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: HTTP %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Blocked reports whether the server refused access outright.
func (e *StatusError) Blocked() bool {
	return e.StatusCode == http.StatusForbidden
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RetryError is returned once a retryable failure has used up every attempt.
type RetryError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("GET %s: giving up after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err should be retried: 429 and 5xx responses,
// refused connections and timeouts.
func IsRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsBlocked reports whether err carries a 403 response.
func IsBlocked(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Blocked()
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
