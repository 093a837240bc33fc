package sampler

import (
	"context"
	"errors"

	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/models"

	"github.com/rs/zerolog/log"
)

var (
	// ErrPermissionDenied is returned when the platform refuses location access
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrUnsupported is returned when no location source is available
	ErrUnsupported = errors.New("geolocation not supported")
)

// Source is the platform location-watch primitive. Watch fails before any
// sample is produced when access is refused. Both channels are closed when
// the watch ends.
type Source interface {
	Watch(ctx context.Context) (<-chan models.PositionSample, <-chan error, error)
}

// Sampler forwards valid samples from a Source to a handler
type Sampler struct {
	source  Source
	handler func(models.PositionSample)
}

// New creates a sampler
func New(source Source, handler func(models.PositionSample)) *Sampler {
	return &Sampler{source: source, handler: handler}
}

// Run watches the source until ctx is cancelled or the source ends. Errors
// from the running watch are logged and skipped; only a failure to start
// is returned.
func (s *Sampler) Run(ctx context.Context) error {
	samples, errs, err := s.Open(ctx)
	if err != nil {
		return err
	}
	s.Forward(ctx, samples, errs)
	return nil
}

// Open starts the source watch without consuming it
func (s *Sampler) Open(ctx context.Context) (<-chan models.PositionSample, <-chan error, error) {
	if s.source == nil {
		return nil, nil, ErrUnsupported
	}
	return s.source.Watch(ctx)
}

// Forward drains an opened watch into the handler, dropping invalid
// samples.
func (s *Sampler) Forward(ctx context.Context, samples <-chan models.PositionSample, errs <-chan error) {
	for samples != nil || errs != nil {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			if !geo.Valid(sample.LatLng()) || sample.AccuracyMeters < 0 {
				log.Warn().
					Float64("lat", sample.Latitude).
					Float64("lng", sample.Longitude).
					Msg("[SAMPLE] Dropping invalid sample")
				continue
			}
			s.handler(sample)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn().Err(err).Msg("[SAMPLE] Location source error")
		}
	}
}
