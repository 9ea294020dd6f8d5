package session

import (
	"context"
	"sync"

	"github.com/unklstewy/airsync/internal/db"
)

// Pool hands out one Manager per pilot so that every request for the same
// pilot goes through the same serialized lifecycle.
type Pool struct {
	deps Deps

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewPool creates an empty pool sharing deps across managers.
func NewPool(deps Deps) *Pool {
	return &Pool{deps: deps, managers: make(map[string]*Manager)}
}

// Get returns the pilot's manager. A manager is reconciled with the store
// the first time it is handed out; an offline store is logged, not fatal.
func (p *Pool) Get(ctx context.Context, id Identity) *Manager {
	p.mu.Lock()
	m, ok := p.managers[id.PilotID]
	if !ok {
		m = NewManager(id, p.deps)
		p.managers[id.PilotID] = m
	}
	p.mu.Unlock()

	if !ok {
		if err := m.Reconcile(ctx); err != nil {
			level := m.logger.Error
			if db.IsConnectionError(err) {
				level = m.logger.Warn
			}
			level("initial reconcile failed", "error", err)
		}
	}
	return m
}

// ReplayAll replays every pilot's queued offline writes, one pilot at a
// time. A pilot with a manager replays through it, so the replay cannot
// interleave with that pilot's Start or End; the manager is reconciled
// afterwards. Pilots without a manager replay under the pool lock, which
// keeps Get from creating one mid-replay.
func (p *Pool) ReplayAll(ctx context.Context) (int, error) {
	if p.deps.Cache == nil {
		return 0, nil
	}
	pending, err := p.deps.Cache.Outbox().Pending("")
	if err != nil {
		return 0, err
	}

	var pilots []string
	seen := make(map[string]bool)
	for _, e := range pending {
		if !seen[e.PilotID] {
			seen[e.PilotID] = true
			pilots = append(pilots, e.PilotID)
		}
	}

	total := 0
	for _, pilotID := range pilots {
		n, err := p.replayPilot(ctx, pilotID)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *Pool) replayPilot(ctx context.Context, pilotID string) (int, error) {
	p.mu.Lock()
	m, ok := p.managers[pilotID]
	if !ok {
		defer p.mu.Unlock()
		return p.deps.Cache.Outbox().Replay(ctx, p.deps.Store, pilotID, p.deps.Logger)
	}
	p.mu.Unlock()

	n, err := m.SyncPending(ctx)
	if err != nil || n == 0 {
		return n, err
	}
	if err := m.Reconcile(ctx); err != nil {
		p.deps.Logger.Warn("reconcile after replay failed", "pilot", pilotID, "error", err)
	}
	return n, nil
}

// Close stops every manager's watch and waits for background work.
func (p *Pool) Close() {
	p.mu.Lock()
	managers := p.managers
	p.managers = make(map[string]*Manager)
	p.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
