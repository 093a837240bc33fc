package sampler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"fleet-tracker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const track = `lat,lng,accuracy,timestamp
40.7128,-74.0060,5,2026-03-01T08:00:00Z
40.7130,-74.0061,8,2026-03-01T08:00:05Z
95.0000,-74.0061,8,2026-03-01T08:00:10Z
40.7140,-74.0070,12,not-a-time
40.7150,-74.0080,6,
`

func TestParseReplay(t *testing.T) {
	src, err := ParseReplay(strings.NewReader(track), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, src.Len())
}

func TestSamplerReplaySkipsInvalid(t *testing.T) {
	src, err := ParseReplay(strings.NewReader(track), 0)
	require.NoError(t, err)

	var got []models.PositionSample
	s := New(src, func(p models.PositionSample) { got = append(got, p) })
	require.NoError(t, s.Run(context.Background()))

	// out-of-range latitude and unparsable timestamp are dropped
	require.Len(t, got, 3)
	assert.Equal(t, 40.7128, got[0].Latitude)
	assert.Equal(t, 5.0, got[0].AccuracyMeters)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 5, 0, time.UTC), got[1].Timestamp.UTC())
	assert.False(t, got[2].Timestamp.IsZero())
}

type refusingSource struct{ err error }

func (r refusingSource) Watch(context.Context) (<-chan models.PositionSample, <-chan error, error) {
	return nil, nil, r.err
}

func TestSamplerSurfacesStartFailure(t *testing.T) {
	s := New(refusingSource{err: ErrPermissionDenied}, func(models.PositionSample) {})
	err := s.Run(context.Background())
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	assert.ErrorIs(t, New(nil, nil).Run(context.Background()), ErrUnsupported)
}

func TestSimulatedSourceHold(t *testing.T) {
	src := NewSimulatedSource(models.LatLng{Lat: 40.7128, Lng: -74.0060}, time.Millisecond, 1)

	moved := src.Next()
	src.Hold()
	a := src.Next()
	b := src.Next()
	assert.Equal(t, a.LatLng(), b.LatLng())

	src.Release()
	c := src.Next()
	assert.NotEqual(t, b.LatLng(), c.LatLng())
	assert.NotEqual(t, models.LatLng{Lat: 40.7128, Lng: -74.0060}, moved.LatLng())
}

func TestSimulatedSourceWatchStopsOnCancel(t *testing.T) {
	src := NewSimulatedSource(models.LatLng{Lat: 1, Lng: 1}, time.Millisecond, 7)
	ctx, cancel := context.WithCancel(context.Background())

	count := 0
	s := New(src, func(models.PositionSample) {
		count++
		if count == 3 {
			cancel()
		}
	})
	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, count, 3)
}
