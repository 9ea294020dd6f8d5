// Package coordinates provides the small amount of WGS84 math the airspace
// core needs: validation, great-circle distance and bearing.
package coordinates

import (
	"errors"
	"fmt"
	"math"
)

// Constants for coordinate calculations
const (
	// DegreesToRadians converts degrees to radians
	DegreesToRadians = math.Pi / 180.0

	// RadiansToDegrees converts radians to degrees
	RadiansToDegrees = 180.0 / math.Pi

	// EarthRadiusKm is the Earth's radius in kilometers (WGS84 mean radius)
	EarthRadiusKm = 6371.0

	// FeetToMeters converts feet to meters
	FeetToMeters = 0.3048

	// MetersToFeet converts meters to feet
	MetersToFeet = 3.28084

	// MetersPerNauticalMile is the length of one nautical mile
	MetersPerNauticalMile = 1852.0
)

// ErrInvalidCoordinate is returned for positions outside the WGS84 range or NaN.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Geographic represents a position on Earth's surface.
// Uses the WGS84 coordinate system (same as GPS).
type Geographic struct {
	// Latitude in decimal degrees (-90 to +90)
	// Positive = North, Negative = South
	Latitude float64 `json:"lat"`

	// Longitude in decimal degrees (-180 to +180)
	// Positive = East, Negative = West
	Longitude float64 `json:"lon"`

	// Altitude in meters above mean sea level (MSL), zero when unknown
	Altitude float64 `json:"alt,omitempty"`
}

// Validate reports whether g is a usable WGS84 position.
func (g Geographic) Validate() error {
	if math.IsNaN(g.Latitude) || math.IsNaN(g.Longitude) ||
		math.IsInf(g.Latitude, 0) || math.IsInf(g.Longitude, 0) {
		return fmt.Errorf("%w: %v,%v", ErrInvalidCoordinate, g.Latitude, g.Longitude)
	}
	if g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
		return fmt.Errorf("%w: %v,%v", ErrInvalidCoordinate, g.Latitude, g.Longitude)
	}
	return nil
}

// String formats the position the way operators read it in logs.
func (g Geographic) String() string {
	return fmt.Sprintf("%.5f,%.5f", g.Latitude, g.Longitude)
}

// Bearing calculates the initial bearing (forward azimuth) from one point to another.
// Uses spherical trigonometry to calculate the bearing along a great circle.
// Returns bearing in degrees (0-360), where 0/360 = North, 90 = East, 180 = South, 270 = West.
func Bearing(from, to Geographic) float64 {
	lat1 := from.Latitude * DegreesToRadians
	lon1 := from.Longitude * DegreesToRadians
	lat2 := to.Latitude * DegreesToRadians
	lon2 := to.Longitude * DegreesToRadians

	dLon := lon2 - lon1
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	bearing := math.Atan2(y, x) * RadiansToDegrees

	if bearing < 0 {
		bearing += 360
	}

	return bearing
}

// DistanceMeters calculates the great-circle distance between two points
// using the Haversine formula.
func DistanceMeters(from, to Geographic) float64 {
	lat1Rad := from.Latitude * DegreesToRadians
	lon1Rad := from.Longitude * DegreesToRadians
	lat2Rad := to.Latitude * DegreesToRadians
	lon2Rad := to.Longitude * DegreesToRadians

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * 1000 * c
}

// DistanceNauticalMiles is DistanceMeters expressed in nautical miles.
func DistanceNauticalMiles(from, to Geographic) float64 {
	return DistanceMeters(from, to) / MetersPerNauticalMile
}
