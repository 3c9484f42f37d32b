// Package geo resolves request IPs to coarse locations and answers travel
// plausibility questions for the spoofing check. Resolvers are pure: no side
// effects, same input same output.
package geo

import (
	"math"
	"time"
)

// Location is a coarse city-level position resolved from an IP.
type Location struct {
	Country   string // ISO 3166-1 alpha-2
	City      string
	Latitude  float64
	Longitude float64
	Known     bool // false when the IP could not be resolved
}

// Resolver maps an IP address to a Location.
type Resolver interface {
	Resolve(ip string) Location
}

const (
	earthRadiusKm = 6371.0

	// maxPlausibleSpeedKmh is the fastest a legitimate user is assumed to
	// move between logins. Commercial flight plus margin.
	maxPlausibleSpeedKmh = 1000.0
)

// DistanceKm returns the great-circle distance between two locations.
func DistanceKm(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// TravelPlausible reports whether moving between the two locations within
// elapsed time is physically possible. Unknown locations are treated as
// plausible: resolution gaps must not lock people out.
func TravelPlausible(from, to Location, elapsed time.Duration) bool {
	if !from.Known || !to.Known {
		return true
	}
	if from.Country == to.Country && from.City == to.City {
		return true
	}

	distance := DistanceKm(from, to)
	if distance < 100 {
		// City-level resolution jitter, not travel
		return true
	}

	if elapsed <= 0 {
		return false
	}

	speed := distance / elapsed.Hours()
	return speed <= maxPlausibleSpeedKmh
}

// StaticResolver resolves from a fixed table, primarily for tests and
// development. Production wires a GeoIP-database-backed implementation.
type StaticResolver struct {
	Table map[string]Location
}

func (r *StaticResolver) Resolve(ip string) Location {
	if loc, ok := r.Table[ip]; ok {
		loc.Known = true
		return loc
	}
	return Location{}
}
