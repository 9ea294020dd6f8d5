package session

import (
	"context"

	"github.com/unklstewy/airsync/internal/flight"
)

// ActiveLister lists every flight the durable store holds.
type ActiveLister interface {
	ListActiveFlightSessions(ctx context.Context) ([]flight.Session, error)
}

// Registry exposes the durable store as the set of flights the refresh
// loop should advertise and watch traffic for.
type Registry struct {
	store ActiveLister
}

// NewRegistry wraps store.
func NewRegistry(store ActiveLister) *Registry {
	return &Registry{store: store}
}

// ActiveFlights returns every active flight, oldest first.
func (r *Registry) ActiveFlights(ctx context.Context) ([]flight.Session, error) {
	return r.store.ListActiveFlightSessions(ctx)
}
