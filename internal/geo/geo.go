// Package geo resolves coarse geolocation from IP addresses and provides
// distance math for the location heuristics.
package geo

import (
	"context"
	"math"
)

// earthRadiusKm is the mean Earth radius used for great-circle distance.
const earthRadiusKm = 6371.0

// Location is a coarse resolved location. Latitude/Longitude are zero when
// the resolver only knows the country.
type Location struct {
	Country   string  `json:"country"`
	Region    string  `json:"region,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Coordinates is a latitude/longitude pair supplied by a client.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Resolver looks up a coarse location for an IP address.
// A nil Location with nil error means the IP could not be resolved.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// Distance returns the great-circle distance in kilometers between two
// coordinate pairs using the haversine formula.
func Distance(a, b Coordinates) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}
