package beacons

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/unklstewy/airsync/pkg/adsb"
)

// MemoryStore is an in-process Store for tools and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	beacons map[string]adsb.Beacon
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{beacons: make(map[string]adsb.Beacon)}
}

func (m *MemoryStore) UpsertBeacons(ctx context.Context, beacons []adsb.Beacon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range beacons {
		m.beacons[b.ID] = b
	}
	return nil
}

func (m *MemoryStore) DeleteBeaconsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, b := range m.beacons {
		if b.LastSeen.Before(cutoff) {
			delete(m.beacons, id)
			n++
		}
	}
	return n, nil
}

// ListBeacons returns every beacon, freshest first.
func (m *MemoryStore) ListBeacons(ctx context.Context) ([]adsb.Beacon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]adsb.Beacon, 0, len(m.beacons))
	for _, b := range m.beacons {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get returns one beacon by id.
func (m *MemoryStore) Get(id string) (adsb.Beacon, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.beacons[id]
	return b, ok
}

// Len returns the number of cached beacons.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.beacons)
}
