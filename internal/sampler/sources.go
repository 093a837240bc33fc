package sampler

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"fleet-tracker/internal/clock"
	"fleet-tracker/internal/models"

	"github.com/gocarina/gocsv"
)

// SimulatedSource random-walks a vehicle around a start position. Hold
// freezes it in place until Release.
type SimulatedSource struct {
	interval time.Duration
	step     float64 // max degrees per tick on each axis
	accuracy float64
	clock    clock.Clock

	mu       sync.Mutex
	rng      *rand.Rand
	position models.LatLng
	held     bool
}

// NewSimulatedSource creates a simulation starting at start
func NewSimulatedSource(start models.LatLng, interval time.Duration, seed int64) *SimulatedSource {
	return &SimulatedSource{
		interval: interval,
		step:     0.005,
		accuracy: 10,
		clock:    clock.Real{},
		rng:      rand.New(rand.NewSource(seed)),
		position: start,
	}
}

// Hold stops the vehicle at its current position
func (s *SimulatedSource) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = true
}

// Release lets the vehicle move again
func (s *SimulatedSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
}

// Next advances the simulation by one tick and returns the sample
func (s *SimulatedSource) Next() models.PositionSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.held {
		s.position.Lat += (s.rng.Float64() - 0.5) * s.step
		s.position.Lng += (s.rng.Float64() - 0.5) * s.step
	}
	return models.PositionSample{
		Latitude:       s.position.Lat,
		Longitude:      s.position.Lng,
		AccuracyMeters: s.accuracy,
		Timestamp:      s.clock.Now(),
	}
}

func (s *SimulatedSource) Watch(ctx context.Context) (<-chan models.PositionSample, <-chan error, error) {
	out := make(chan models.PositionSample)
	errs := make(chan error)

	go func() {
		defer close(out)
		defer close(errs)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out <- s.Next():
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, errs, nil
}

// TrackRow is one line of a replay file
type TrackRow struct {
	Latitude  float64 `csv:"lat"`
	Longitude float64 `csv:"lng"`
	Accuracy  float64 `csv:"accuracy"`
	Timestamp string  `csv:"timestamp"`
}

// ReplaySource plays back a recorded CSV track
type ReplaySource struct {
	rows     []TrackRow
	interval time.Duration
}

// NewReplaySource loads a track file with lat,lng,accuracy,timestamp columns.
// Timestamps are RFC3339; an empty timestamp means "now" at emission.
func NewReplaySource(path string, interval time.Duration) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, err
	}
	defer f.Close()
	return ParseReplay(f, interval)
}

// ParseReplay reads a track from r
func ParseReplay(r io.Reader, interval time.Duration) (*ReplaySource, error) {
	var rows []TrackRow
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	if err := gocsv.UnmarshalCSV(reader, &rows); err != nil {
		return nil, fmt.Errorf("parse track: %w", err)
	}
	return &ReplaySource{rows: rows, interval: interval}, nil
}

// Len returns the number of samples in the track
func (r *ReplaySource) Len() int {
	return len(r.rows)
}

func (r *ReplaySource) Watch(ctx context.Context) (<-chan models.PositionSample, <-chan error, error) {
	out := make(chan models.PositionSample)
	errs := make(chan error)

	go func() {
		defer close(out)
		defer close(errs)

		for i, row := range r.rows {
			ts := time.Now()
			if row.Timestamp != "" {
				parsed, err := time.Parse(time.RFC3339, row.Timestamp)
				if err != nil {
					select {
					case errs <- fmt.Errorf("row %d: %w", i+1, err):
					case <-ctx.Done():
						return
					}
					continue
				}
				ts = parsed
			}

			sample := models.PositionSample{
				Latitude:       row.Latitude,
				Longitude:      row.Longitude,
				AccuracyMeters: row.Accuracy,
				Timestamp:      ts,
			}
			select {
			case out <- sample:
			case <-ctx.Done():
				return
			}

			if r.interval > 0 {
				select {
				case <-time.After(r.interval):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs, nil
}
