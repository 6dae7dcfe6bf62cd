// Package geo holds the geocoding and distance collaborators. The pipeline
// only consumes their results; candidates and durations come back as plain
// values so the core stays testable without the network.
package geo

import (
	"context"
	"math"
)

type LatLng struct {
	Lat float64
	Lng float64
}

// Candidate is one geocoding result: coordinates plus the provider's
// normalized form of the address.
type Candidate struct {
	Location  LatLng
	Formatted string
}

// Geocoder resolves a free-text address to candidate locations.
// Zero candidates means the address could not be resolved (retry next run);
// more than one means the address is ambiguous and needs manual review.
type Geocoder interface {
	Geocode(ctx context.Context, address string) ([]Candidate, error)
}

// DistanceEstimator returns the transit duration in minutes between two
// coordinates.
type DistanceEstimator interface {
	TransitMinutes(ctx context.Context, origin, dest LatLng) (float64, error)
}

// Haversine returns the straight-line distance between two points in km.
// It is a free prefilter: anything hopelessly far away never reaches the
// Distance Matrix API.
func Haversine(a, b LatLng) float64 {
	const earthRadiusKm = 6371.0

	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Asin(math.Sqrt(h))

	return earthRadiusKm * c
}
