package transport

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotConnected is returned when no delivery path is usable
	ErrNotConnected = errors.New("transport not connected")
	// ErrConnectionLost wraps a write failure on an established connection
	ErrConnectionLost = errors.New("connection lost")
	// ErrHTTPStatus is the sentinel behind every StatusError
	ErrHTTPStatus = errors.New("unexpected http status")
	// ErrUnsupportedItem is returned for queue items with no wire mapping
	ErrUnsupportedItem = errors.New("unsupported queue item type")
)

// StatusError is a non-2xx response from the fallback endpoint
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d %s", e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error {
	return ErrHTTPStatus
}

// Rejected reports whether the server refused the request itself rather
// than failing to process it. Such requests will never succeed on retry.
func (e *StatusError) Rejected() bool {
	if e.Code < 400 || e.Code >= 500 {
		return false
	}
	return e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}
