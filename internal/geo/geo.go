package geo

import (
	"fmt"
	"math"

	"fleet-tracker/internal/models"
)

// EarthRadiusMeters is the mean Earth radius used by every distance function
const EarthRadiusMeters = 6371e3

// DistanceFunc returns the great-circle distance in meters between two points
type DistanceFunc func(a, b models.LatLng) float64

// Distance computes the great-circle distance using the haversine formula.
func Distance(a, b models.LatLng) float64 {
	phi1 := toRadians(a.Lat)
	phi2 := toRadians(b.Lat)
	dPhi := toRadians(b.Lat - a.Lat)
	dLambda := toRadians(b.Lng - a.Lng)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// SphericalDistance computes the same distance with the spherical law of
// cosines. It is the stand-in for a platform geometry routine.
func SphericalDistance(a, b models.LatLng) float64 {
	if a == b {
		return 0
	}
	phi1 := toRadians(a.Lat)
	phi2 := toRadians(b.Lat)
	dLambda := toRadians(b.Lng - a.Lng)

	cosC := math.Sin(phi1)*math.Sin(phi2) + math.Cos(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	// rounding can push cosC just outside [-1, 1]
	cosC = math.Max(-1, math.Min(1, cosC))
	return EarthRadiusMeters * math.Acos(cosC)
}

// ByName resolves a configured distance implementation.
func ByName(name string) (DistanceFunc, error) {
	switch name {
	case "", "haversine":
		return Distance, nil
	case "spherical":
		return SphericalDistance, nil
	default:
		return nil, fmt.Errorf("unknown distance function %q", name)
	}
}

// Valid reports whether the coordinate is a real position on Earth.
func Valid(p models.LatLng) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
