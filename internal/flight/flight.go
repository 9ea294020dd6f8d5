// Package flight defines the flight session and mission records shared by
// the session manager, the advisory publisher, the scheduler and storage.
package flight

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/unklstewy/airsync/pkg/coordinates"
)

// Mode selects how a flight is advertised to the airspace network.
type Mode string

const (
	// ModeNone flies without any advisory.
	ModeNone Mode = "none"

	// ModeRouteAdvisory publishes a polygon around the mission route.
	ModeRouteAdvisory Mode = "route-advisory"

	// ModeLivePosition publishes a point advisory around the pilot position.
	ModeLivePosition Mode = "live-position"
)

// ErrInvalidMode is returned for unknown mode strings.
var ErrInvalidMode = errors.New("invalid advisory mode")

// ParseMode parses a mode string; empty means ModeNone.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.TrimSpace(s)); m {
	case "":
		return ModeNone, nil
	case ModeNone, ModeRouteAdvisory, ModeLivePosition:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Advertised reports whether the mode publishes anything.
func (m Mode) Advertised() bool {
	return m == ModeRouteAdvisory || m == ModeLivePosition
}

// Session is one airborne pilot. There is at most one per pilot.
type Session struct {
	PilotID   string    `json:"pilot_id"`
	TenantID  string    `json:"tenant_id"`
	StartedAt time.Time `json:"started_at"`

	// MissionID is empty for ad-hoc flights
	MissionID string `json:"mission_id,omitempty"`

	Mode Mode `json:"mode"`

	// Route is the mission route captured at start, used when the
	// mission's stored route is unavailable
	Route []coordinates.Geographic `json:"route,omitempty"`

	// StartPosition is where the pilot was when the flight started
	StartPosition *coordinates.Geographic `json:"start_position,omitempty"`

	DeviceID    string `json:"device_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// CallSign is the label shown to other airspace users.
func (s Session) CallSign() string {
	if name := strings.TrimSpace(s.DisplayName); name != "" {
		return name
	}
	return s.PilotID
}

// Elapsed returns the flight time at now.
func (s Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() || now.Before(s.StartedAt) {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Validate checks the fields every stored session must carry.
func (s Session) Validate() error {
	if s.PilotID == "" {
		return errors.New("pilot id is required")
	}
	if s.StartedAt.IsZero() {
		return errors.New("start time is required")
	}
	if _, err := ParseMode(string(s.Mode)); err != nil {
		return err
	}
	if s.StartPosition != nil {
		if err := s.StartPosition.Validate(); err != nil {
			return fmt.Errorf("start position: %w", err)
		}
	}
	return nil
}

// Mission is the read-only view of a planned mission.
type Mission struct {
	ID       string                   `json:"id"`
	TenantID string                   `json:"tenant_id"`
	Name     string                   `json:"name,omitempty"`
	Route    []coordinates.Geographic `json:"route,omitempty"`

	// Location is the mission's fallback location when it has no route
	Location *coordinates.Geographic `json:"location,omitempty"`
}
