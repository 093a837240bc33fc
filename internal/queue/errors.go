package queue

import (
	"context"
	"errors"
	"io"
	"net"

	"fleet-tracker/internal/protocol"
	"fleet-tracker/internal/retry"
	"fleet-tracker/internal/transport"
)

// ErrPermanent marks a delivery that can never succeed, such as a payload
// that cannot be encoded.
var ErrPermanent = errors.New("permanent delivery failure")

// Error classes keyed in the retry policy and the analytics
const (
	ClassNone         = retry.ClassNone
	ClassNotConnected = "not_connected"
	ClassHTTPStatus   = "http_status"
	ClassTimeout      = "timeout"
	ClassNetwork      = "network"
	ClassPermanent    = "permanent"
	ClassUnknown      = "unknown"
)

// ClassifyError maps a send error onto its retry class.
func ClassifyError(err error) string {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, ErrPermanent) ||
		errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, transport.ErrUnsupportedItem) {
		return ClassPermanent
	}

	var status *transport.StatusError
	if errors.As(err, &status) {
		if status.Rejected() {
			return ClassPermanent
		}
		return ClassHTTPStatus
	}

	if errors.Is(err, transport.ErrNotConnected) {
		return ClassNotConnected
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}
	if errors.Is(err, transport.ErrConnectionLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassNetwork
	}

	return ClassUnknown
}

// retryable reports whether a class may consume the retry budget
func retryable(class string) bool {
	return class != ClassPermanent
}
