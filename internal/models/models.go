package models

import (
	"encoding/json"
	"time"
)

// Queue item types
const (
	TypeLocationUpdate = "locationUpdate"
	TypeStopEvent      = "stopEvent"
)

// Queue priorities
const (
	PriorityLocation = 1
	PriorityStop     = 2
)

// LatLng is a WGS84 coordinate pair
type LatLng struct {
	Lat float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" validate:"gte=-180,lte=180"`
}

// PositionSample is a raw fix from the location source
type PositionSample struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	Timestamp      time.Time `json:"timestamp"`
}

// LatLng returns the sample position
func (s PositionSample) LatLng() LatLng {
	return LatLng{Lat: s.Latitude, Lng: s.Longitude}
}

// RoutePoint is one point of the travelled route
type RoutePoint struct {
	LatLng
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// StopInterval is a span where the vehicle stayed under the movement threshold
type StopInterval struct {
	ID         string     `json:"id" validate:"required"`
	Position   LatLng     `json:"position"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Confirmed  bool       `json:"confirmed"`
}

// IsOpen reports whether the vehicle is still stopped
func (s StopInterval) IsOpen() bool {
	return s.EndTime == nil
}

// Duration returns the final duration for a closed stop, or the elapsed time
// until now for an open one.
func (s StopInterval) Duration(now time.Time) time.Duration {
	if s.EndTime != nil {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// LocationUpdate is the payload of a driverLocationUpdate
type LocationUpdate struct {
	ID         string    `json:"id"`
	DriverName string    `json:"driverName" validate:"required"`
	Position   LatLng    `json:"position"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StopEvent is the payload of a stopEvent queue item
type StopEvent struct {
	DriverName string       `json:"driverName" validate:"required"`
	Stop       StopInterval `json:"stop"`
}

// QueueItem represents an outbound event awaiting delivery
type QueueItem struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	Priority   int             `json:"priority"`
	LastError  string          `json:"last_error,omitempty"`
	Seq        int64           `json:"seq"`
}

// DeadLetterItem is a queue item that exhausted its retry budget
type DeadLetterItem struct {
	QueueItem
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// RetryStrategy holds backoff parameters for one error class
type RetryStrategy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Factor     float64       `json:"factor"`
}

// DefaultRetryStrategy returns the strategy used for unseen error classes
func DefaultRetryStrategy() RetryStrategy {
	return RetryStrategy{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Factor:     2,
	}
}

// QueueMetrics holds delivery counters
type QueueMetrics struct {
	TotalProcessed int64            `json:"total_processed"`
	SuccessCount   int64            `json:"success_count"`
	FailureCount   int64            `json:"failure_count"`
	DeadLettered   int64            `json:"dead_lettered"`
	AverageLatency time.Duration    `json:"average_latency"`
	RetryCounts    map[int]int64    `json:"retry_counts"`
	ErrorTypes     map[string]int64 `json:"error_types"`
}

// Vehicle is the relay's last known view of a driver
type Vehicle struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	DriverName string    `json:"driverName"`
	Position   LatLng    `json:"position"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// Vehicle status constants
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)
