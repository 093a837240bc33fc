// Package detector turns a raw position stream into route points and stop
// intervals.
//
// A sample farther than the movement threshold from the last accepted
// position is movement: it closes any open stop and extends the route. A
// closer sample opens a stop if none is open and arms a confirmation timer.
// When the timer fires the stop is reported as confirmed while it stays
// open; only movement closes it. At most one stop is open at any time.
package detector

import (
	"math"
	"sync"
	"time"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config holds detection thresholds
type Config struct {
	MovementThreshold       float64 // meters
	PositionFilterThreshold float64 // meters
	VeryPoorAccuracy        float64 // meters
	StopDetectionTime       time.Duration
	Distance                geo.DistanceFunc
}

// DefaultConfig returns the device-tracking defaults
func DefaultConfig() Config {
	return Config{
		MovementThreshold:       20,
		PositionFilterThreshold: 10,
		VeryPoorAccuracy:        50,
		StopDetectionTime:       30 * time.Second,
		Distance:                geo.Distance,
	}
}

// Result describes what a sample produced
type Result struct {
	MovementDetected bool
	Rejected         bool
	RoutePoint       *models.RoutePoint
	// StopEvent is set when a stop long enough to be valid was closed
	StopEvent *models.StopInterval
}

// Detector is safe for concurrent use; the confirmation timer fires on its
// own goroutine.
type Detector struct {
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	last     *models.LatLng
	route    []models.RoutePoint
	stops    []models.StopInterval
	open     int // index into stops, -1 when none is open
	timer    clock.Timer
	onChange func(models.StopInterval)
}

// New creates a detector. A nil Distance falls back to haversine.
func New(cfg Config, clk clock.Clock) *Detector {
	if cfg.Distance == nil {
		cfg.Distance = geo.Distance
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Detector{cfg: cfg, clock: clk, open: -1}
}

// OnStopConfirmed registers a callback invoked when a stop reaches the
// detection time while still open.
func (d *Detector) OnStopConfirmed(f func(models.StopInterval)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = f
}

// OnSample classifies one sample.
func (d *Detector) OnSample(s models.PositionSample) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	pos := s.LatLng()
	now := d.clock.Now()

	if d.last == nil {
		d.last = &pos
		point := d.appendRoute(pos, s.Timestamp)
		return Result{RoutePoint: &point}
	}

	distance := d.cfg.Distance(*d.last, pos)

	if s.AccuracyMeters > d.cfg.VeryPoorAccuracy &&
		distance < math.Max(s.AccuracyMeters/2, d.cfg.PositionFilterThreshold) {
		log.Debug().
			Float64("accuracy", s.AccuracyMeters).
			Float64("distance", distance).
			Msg("[DETECT] Sample filtered as noise")
		return Result{Rejected: true}
	}

	d.last = &pos

	if distance >= d.cfg.MovementThreshold {
		res := Result{MovementDetected: true}
		if closed, ok := d.closeOpenStop(now); ok && d.isValid(closed, now) {
			res.StopEvent = &closed
		}
		point := d.appendRoute(pos, s.Timestamp)
		res.RoutePoint = &point
		return res
	}

	if d.open < 0 {
		d.openStop(pos, now)
	}
	return Result{}
}

// Route returns a copy of the route points
func (d *Detector) Route() []models.RoutePoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.RoutePoint(nil), d.route...)
}

// Stops returns a copy of every stop interval, short ones included
func (d *Detector) Stops() []models.StopInterval {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.StopInterval(nil), d.stops...)
}

// OpenStop returns the currently open stop, if any
func (d *Detector) OpenStop() (models.StopInterval, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open < 0 {
		return models.StopInterval{}, false
	}
	return d.stops[d.open], true
}

// ValidStops returns the stops whose final or elapsed duration reached the
// stop detection time.
func (d *Detector) ValidStops() []models.StopInterval {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	var valid []models.StopInterval
	for _, s := range d.stops {
		if d.isValid(s, now) {
			valid = append(valid, s)
		}
	}
	return valid
}

// Reset cancels the confirmation timer and discards the last position and
// the route history.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelTimer()
	d.last = nil
	d.route = nil
	d.stops = nil
	d.open = -1
}

// IsValidStop reports whether a stop lasted at least threshold.
func IsValidStop(s models.StopInterval, now time.Time, threshold time.Duration) bool {
	if s.EndTime != nil && s.DurationMs > 0 {
		return time.Duration(s.DurationMs)*time.Millisecond >= threshold
	}
	return s.Duration(now) >= threshold
}

func (d *Detector) isValid(s models.StopInterval, now time.Time) bool {
	return IsValidStop(s, now, d.cfg.StopDetectionTime)
}

func (d *Detector) appendRoute(pos models.LatLng, ts time.Time) models.RoutePoint {
	point := models.RoutePoint{LatLng: pos, Timestamp: ts}
	d.route = append(d.route, point)
	return point
}

func (d *Detector) openStop(pos models.LatLng, now time.Time) {
	stop := models.StopInterval{
		ID:        uuid.NewString(),
		Position:  pos,
		StartTime: now,
	}
	d.stops = append(d.stops, stop)
	d.open = len(d.stops) - 1

	id := stop.ID
	d.timer = d.clock.AfterFunc(d.cfg.StopDetectionTime, func() { d.confirm(id) })

	log.Debug().Str("stop_id", id).Msg("[DETECT] Possible stop")
}

func (d *Detector) closeOpenStop(now time.Time) (models.StopInterval, bool) {
	if d.open < 0 {
		return models.StopInterval{}, false
	}
	d.cancelTimer()

	end := now
	stop := &d.stops[d.open]
	stop.EndTime = &end
	stop.DurationMs = end.Sub(stop.StartTime).Milliseconds()
	d.open = -1

	log.Debug().Str("stop_id", stop.ID).Int64("duration_ms", stop.DurationMs).Msg("[DETECT] Stop closed")
	return *stop, true
}

func (d *Detector) confirm(id string) {
	d.mu.Lock()
	if d.open < 0 || d.stops[d.open].ID != id {
		// moved or reset before the timer fired
		d.mu.Unlock()
		return
	}
	stop := &d.stops[d.open]
	stop.Confirmed = true
	stop.DurationMs = d.clock.Now().Sub(stop.StartTime).Milliseconds()
	d.timer = nil
	confirmed := *stop
	cb := d.onChange
	d.mu.Unlock()

	log.Info().Str("stop_id", id).Int64("duration_ms", confirmed.DurationMs).Msg("[DETECT] Stop confirmed")
	if cb != nil {
		cb(confirmed)
	}
}

func (d *Detector) cancelTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
