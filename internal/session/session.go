// Package session manages one pilot's flight lifecycle: starting and ending
// a flight, surviving restarts and outages, and watching the pilot's live
// position while airborne.
//
// The durable store is the source of truth for whether a pilot is flying.
// A device-local mirror and outbox (internal/localcache) cover the time
// the store cannot be reached.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/unklstewy/airsync/internal/advisory"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/internal/localcache"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
)

var (
	// ErrFlightActive is returned when starting while a flight is active.
	ErrFlightActive = errors.New("a flight is already active for this pilot")

	// ErrNoFlight is returned when ending without an active flight.
	ErrNoFlight = errors.New("no active flight")
)

// Store is the durable flight session store.
type Store interface {
	CreateFlightSession(ctx context.Context, s flight.Session) error
	GetFlightSession(ctx context.Context, pilotID string) (*flight.Session, error)
	DeleteFlightSession(ctx context.Context, pilotID string) error
}

// Publisher publishes a flight's advisory.
type Publisher interface {
	Publish(ctx context.Context, s flight.Session) advisory.Result
}

// Fix is one position report.
type Fix struct {
	Position coordinates.Geographic `json:"position"`
	Time     time.Time              `json:"time"`
	DeviceID string                 `json:"device_id,omitempty"`
}

// PositionSource delivers live position fixes for a pilot. fn may be called
// from any goroutine until the subscription is stopped.
type PositionSource interface {
	Watch(pilotID, deviceID string, fn func(Fix)) (Subscription, error)
}

// Subscription is an active position watch.
type Subscription interface {
	Stop()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Stop() { f() }

// Identity is the authenticated pilot a manager acts for.
type Identity struct {
	PilotID     string
	TenantID    string
	DisplayName string
}

// StartRequest describes a flight being started.
type StartRequest struct {
	MissionID string
	Mode      flight.Mode

	// Route overrides the mission route snapshot
	Route []coordinates.Geographic

	StartPosition *coordinates.Geographic
	DeviceID      string
}

// Snapshot is a read-only view of the manager's state.
type Snapshot struct {
	Active       bool                   `json:"active"`
	PilotID      string                 `json:"pilot_id"`
	Mode         flight.Mode            `json:"mode,omitempty"`
	MissionID    string                 `json:"mission_id,omitempty"`
	AdvisoryID   string                 `json:"advisory_id,omitempty"`
	StartedAt    time.Time              `json:"started_at,omitempty"`
	Elapsed      time.Duration          `json:"elapsed"`
	Position     coordinates.Geographic `json:"position"`
	PositionTime time.Time              `json:"position_time,omitempty"`

	// PendingSync is true while writes wait in the offline outbox
	PendingSync bool `json:"pending_sync"`
}

// Config controls manager behavior.
type Config struct {
	// DefaultPosition is reported before the first fix arrives
	DefaultPosition coordinates.Geographic

	// PublishOnStart publishes once right after a successful start
	PublishOnStart bool

	// PublishTimeout bounds the start-time publish (default 15s)
	PublishTimeout time.Duration
}

// Deps are the collaborators shared by every manager in a process. Only
// Store is required.
type Deps struct {
	Store     Store
	Cache     *localcache.Store
	Positions PositionSource
	Publisher Publisher
	Missions  advisory.MissionLookup
	Config    Config
	Logger    *log.Logger
}
