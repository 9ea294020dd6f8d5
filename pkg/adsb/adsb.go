// Package adsb holds the traffic model shared by the beacon ingestion path
// and the retry/rate-limit plumbing used by every airspace network call.
package adsb

import (
	"context"
	"fmt"
	"time"

	"github.com/unklstewy/airsync/pkg/coordinates"
)

// Beacon is one nearby traffic report from the airspace network.
// All position data is in WGS84 coordinate system.
type Beacon struct {
	// ID is the network's identifier for the transmitter, or a synthesized
	// position-based id when the network omits one
	ID string `json:"id"`

	// Callsign is the flight number, registration or operator label
	Callsign string `json:"callsign,omitempty"`

	// Type is the emitter category reported by the network (e.g. "UAV", "GLIDER")
	Type string `json:"type,omitempty"`

	// Latitude in decimal degrees (-90 to +90)
	Latitude float64 `json:"lat"`

	// Longitude in decimal degrees (-180 to +180)
	Longitude float64 `json:"lon"`

	// Altitude in meters MSL, nil when not reported
	Altitude *float64 `json:"altitude,omitempty"`

	// Course is the ground track in degrees (0-359), nil when not reported
	Course *float64 `json:"course,omitempty"`

	// GroundSpeed in meters per second, nil when not reported
	GroundSpeed *float64 `json:"ground_speed,omitempty"`

	// VerticalSpeed in meters per second (positive = climbing)
	VerticalSpeed *float64 `json:"vertical_speed,omitempty"`

	// LastSeen is the local freshness timestamp assigned on ingestion.
	// It is what the TTL eviction compares against.
	LastSeen time.Time `json:"last_seen"`
}

// Position returns the beacon location.
func (b Beacon) Position() coordinates.Geographic {
	g := coordinates.Geographic{Latitude: b.Latitude, Longitude: b.Longitude}
	if b.Altitude != nil {
		g.Altitude = *b.Altitude
	}
	return g
}

// FallbackID synthesizes an identifier from position for reports that
// arrive without one. Two anonymous reports at the same rounded position
// collapse into one row, which is what the display wants.
func FallbackID(lat, lon float64) string {
	return fmt.Sprintf("pos:%.5f,%.5f", lat, lon)
}

// BeaconSource is anything that can answer "what traffic is near here".
// The airspace network client is the production implementation; tests use
// in-memory fakes.
type BeaconSource interface {
	// GetBeacons returns traffic within radiusMeters of center.
	GetBeacons(ctx context.Context, center coordinates.Geographic, radiusMeters float64) ([]Beacon, error)
}
