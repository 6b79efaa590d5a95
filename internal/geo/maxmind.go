package geo

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver resolves IPs against a local MaxMind GeoLite2/GeoIP2 City
// database.
type MaxMindResolver struct {
	db *geoip2.Reader
}

// NewMaxMindResolver opens the mmdb file at path.
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindResolver{db: db}, nil
}

// Close releases the underlying database.
func (r *MaxMindResolver) Close() error {
	return r.db.Close()
}

func (r *MaxMindResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, nil
	}

	rec, err := r.db.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("geoip lookup %s: %w", ip, err)
	}
	if rec.Country.IsoCode == "" {
		return nil, nil
	}

	loc := &Location{
		Country:   rec.Country.IsoCode,
		City:      rec.City.Names["en"],
		Latitude:  rec.Location.Latitude,
		Longitude: rec.Location.Longitude,
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].Names["en"]
	}
	return loc, nil
}
