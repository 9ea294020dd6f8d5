// Package localcache keeps a device-local copy of flight state in a bbolt
// file: a per-pilot mirror of the active session and an ordered outbox of
// session writes made while the durable store was unreachable.
//
// The durable store stays the source of truth. The mirror lets a client
// resume its display quickly; the outbox lets a start or end survive an
// outage and be replayed later.
package localcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/coordinates"
)

var (
	mirrorBucket = []byte("mirror")
	outboxBucket = []byte("outbox")
	sessionKey   = []byte("session")
)

// Store is an open local cache file. It is safe for concurrent use.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the cache file at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{mirrorBucket, outboxBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize local cache: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the cache file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the cache file location.
func (s *Store) Path() string {
	return s.db.Path()
}

// Mirror returns the mirror namespaced to one pilot.
func (s *Store) Mirror(pilotID string) *Mirror {
	return &Mirror{db: s.db, pilotID: pilotID}
}

// Outbox returns the shared offline write queue.
func (s *Store) Outbox() *Outbox {
	return &Outbox{db: s.db}
}

// sessionRecord is the encoded form of a flight session.
type sessionRecord struct {
	PilotID     string                   `msgpack:"pilot_id"`
	TenantID    string                   `msgpack:"tenant_id"`
	StartedAt   time.Time                `msgpack:"started_at"`
	MissionID   string                   `msgpack:"mission_id,omitempty"`
	Mode        string                   `msgpack:"mode"`
	Route       []coordinates.Geographic `msgpack:"route,omitempty"`
	StartLat    *float64                 `msgpack:"start_lat,omitempty"`
	StartLon    *float64                 `msgpack:"start_lon,omitempty"`
	DeviceID    string                   `msgpack:"device_id,omitempty"`
	DisplayName string                   `msgpack:"display_name,omitempty"`
}

func toRecord(s flight.Session) sessionRecord {
	r := sessionRecord{
		PilotID:     s.PilotID,
		TenantID:    s.TenantID,
		StartedAt:   s.StartedAt.UTC(),
		MissionID:   s.MissionID,
		Mode:        string(s.Mode),
		Route:       s.Route,
		DeviceID:    s.DeviceID,
		DisplayName: s.DisplayName,
	}
	if s.StartPosition != nil {
		lat, lon := s.StartPosition.Latitude, s.StartPosition.Longitude
		r.StartLat, r.StartLon = &lat, &lon
	}
	return r
}

func (r sessionRecord) session() flight.Session {
	s := flight.Session{
		PilotID:     r.PilotID,
		TenantID:    r.TenantID,
		StartedAt:   r.StartedAt.UTC(),
		MissionID:   r.MissionID,
		Mode:        flight.Mode(r.Mode),
		Route:       r.Route,
		DeviceID:    r.DeviceID,
		DisplayName: r.DisplayName,
	}
	if r.StartLat != nil && r.StartLon != nil {
		s.StartPosition = &coordinates.Geographic{Latitude: *r.StartLat, Longitude: *r.StartLon}
	}
	return s
}

// Mirror is one pilot's cached view of their active session.
type Mirror struct {
	db      *bolt.DB
	pilotID string
}

// ErrWrongPilot is returned when saving another pilot's session into a mirror.
var ErrWrongPilot = errors.New("session belongs to another pilot")

// Save replaces the mirrored session.
func (m *Mirror) Save(s flight.Session) error {
	if s.PilotID != m.pilotID {
		return fmt.Errorf("%w: %s", ErrWrongPilot, s.PilotID)
	}
	data, err := msgpack.Marshal(toRecord(s))
	if err != nil {
		return fmt.Errorf("failed to encode mirror: %w", err)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(mirrorBucket).CreateBucketIfNotExists([]byte(m.pilotID))
		if err != nil {
			return err
		}
		return b.Put(sessionKey, data)
	})
}

// Load returns the mirrored session, or nil when the mirror is empty.
func (m *Mirror) Load() (*flight.Session, error) {
	var data []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(mirrorBucket).Bucket([]byte(m.pilotID))
		if b == nil {
			return nil
		}
		if v := b.Get(sessionKey); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}

	var r sessionRecord
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode mirror: %w", err)
	}
	s := r.session()
	return &s, nil
}

// Clear removes everything mirrored for the pilot.
func (m *Mirror) Clear() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(mirrorBucket).DeleteBucket([]byte(m.pilotID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}
