package geo

import (
	"math"
	"testing"

	"fleet-tracker/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	lowerManhattan = models.LatLng{Lat: 40.7128, Lng: -74.0060}
	midtown        = models.LatLng{Lat: 40.7580, Lng: -73.9855}
)

func TestDistanceKnownPair(t *testing.T) {
	tests := []struct {
		name string
		a, b models.LatLng
		want float64
	}{
		{"lower manhattan to midtown", lowerManhattan, midtown, 5314.52},
		{"london to paris", models.LatLng{Lat: 51.5074, Lng: -0.1278}, models.LatLng{Lat: 48.8566, Lng: 2.3522}, 343556.06},
		{"one millidegree on the equator", models.LatLng{}, models.LatLng{Lng: 0.001}, 111.195},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Distance(tt.a, tt.b), tt.want*0.001)
		})
	}
}

func TestDistanceIdentity(t *testing.T) {
	points := []models.LatLng{lowerManhattan, midtown, {Lat: -33.8688, Lng: 151.2093}, {}}
	for _, p := range points {
		assert.Zero(t, Distance(p, p))
		assert.Zero(t, SphericalDistance(p, p))
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := models.LatLng{Lat: 51.5074, Lng: -0.1278}
	b := models.LatLng{Lat: 48.8566, Lng: 2.3522}
	assert.Equal(t, Distance(a, b), Distance(b, a))
	assert.InDelta(t, SphericalDistance(a, b), SphericalDistance(b, a), 1e-6)
}

func TestImplementationsAgree(t *testing.T) {
	pairs := [][2]models.LatLng{
		{lowerManhattan, midtown},
		{{Lat: 51.5074, Lng: -0.1278}, {Lat: 48.8566, Lng: 2.3522}},
		{{Lat: -6.2, Lng: 106.816}, {Lat: -6.9175, Lng: 107.6191}},
		{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.001}},
	}
	for _, p := range pairs {
		h := Distance(p[0], p[1])
		s := SphericalDistance(p[0], p[1])
		assert.InDelta(t, h, s, math.Max(0.01, h*1e-6))
	}
}

func TestByName(t *testing.T) {
	fn, err := ByName("haversine")
	require.NoError(t, err)
	assert.Equal(t, Distance(lowerManhattan, midtown), fn(lowerManhattan, midtown))

	fn, err = ByName("spherical")
	require.NoError(t, err)
	assert.InDelta(t, Distance(lowerManhattan, midtown), fn(lowerManhattan, midtown), 0.01)

	_, err = ByName("vincenty")
	assert.Error(t, err)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(lowerManhattan))
	assert.False(t, Valid(models.LatLng{Lat: 91}))
	assert.False(t, Valid(models.LatLng{Lng: -181}))
	assert.False(t, Valid(models.LatLng{Lat: math.NaN()}))
}
