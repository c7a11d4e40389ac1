package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrLedgerDisabled is returned when run history is requested without a
// configured run ledger.
var ErrLedgerDisabled = errors.New("run ledger not configured")

// Class is the failure class of a remote call.
type Class string

// Failure classes. Timeout, transient server errors and rate limiting are
// retriable in-call; everything else is isolated on first failure.
const (
	ClassTimeout         Class = "timeout"
	ClassTransientServer Class = "transient_server"
	ClassRateLimited     Class = "rate_limited"
	ClassNotFound        Class = "not_found"
	ClassClient          Class = "client_error"
	ClassParse           Class = "parse"
	ClassStorage         Class = "storage"
	ClassUnknown         Class = "unknown"
)

// Retriable reports whether a failure of this class may be retried in-call.
func (c Class) Retriable() bool {
	switch c {
	case ClassTimeout, ClassTransientServer, ClassRateLimited:
		return true
	default:
		return false
	}
}

// FetchError is returned by FetchService implementations.
type FetchError struct {
	Class      Class
	URL        string
	StatusCode int
	Err        error
}

// NewFetchError wraps err with a failure class.
func NewFetchError(class Class, url string, status int, err error) *FetchError {
	return &FetchError{Class: class, URL: url, StatusCode: status, Err: err}
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s fetching %s (status %d): %v", e.Class, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetching %s: %v", e.Class, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ClassForStatus maps an HTTP status code to a failure class. Success codes
// map to the empty class.
func ClassForStatus(code int) Class {
	switch {
	case code >= 200 && code < 400:
		return ""
	case code == http.StatusNotFound || code == http.StatusGone:
		return ClassNotFound
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ClassTimeout
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code >= 500:
		return ClassTransientServer
	case code >= 400:
		return ClassClient
	default:
		return ClassUnknown
	}
}

// ClassOf extracts the failure class from err.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransientServer
	}
	return ClassUnknown
}
