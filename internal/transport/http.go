package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleet-tracker/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// Fallback endpoints on the relay
const (
	LocationPath = "/api/location"
	StopPath     = "/api/stops"
)

// HTTPSender posts queue item payloads to the relay's HTTP surface.
type HTTPSender struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker[struct{}]
}

// NewHTTPSender creates a sender for baseURL, e.g. http://relay:8080
func NewHTTPSender(baseURL string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "relay-http",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				log.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_rate", failureRatio*100).Msg("[CIRCUIT BREAKER] Opening circuit")
			}
			return shouldTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("[CIRCUIT BREAKER] State transition")
		},
		// a refused payload says nothing about the relay's health
		IsSuccessful: func(err error) bool {
			var status *StatusError
			if errors.As(err, &status) {
				return status.Rejected()
			}
			return err == nil
		},
	})
	return &HTTPSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		cb:      cb,
	}
}

// Available reports whether the breaker lets requests through
func (h *HTTPSender) Available() bool {
	return h.cb.State() != gobreaker.StateOpen
}

// Send posts the payload of item. Any non-2xx response is a *StatusError.
func (h *HTTPSender) Send(ctx context.Context, item models.QueueItem) error {
	var path string
	switch item.Type {
	case models.TypeLocationUpdate:
		path = LocationPath
	case models.TypeStopEvent:
		path = StopPath
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedItem, item.Type)
	}

	_, err := h.cb.Execute(func() (struct{}, error) {
		return struct{}{}, h.post(ctx, h.baseURL+path, item.Payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return err
}

func (h *HTTPSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}
