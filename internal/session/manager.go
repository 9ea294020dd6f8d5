package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unklstewy/airsync/internal/advisory"
	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/internal/localcache"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
)

const defaultPublishTimeout = 15 * time.Second

// Manager owns one pilot's flight lifecycle. Start, End and Reconcile are
// serialized; Snapshot and LastPosition never block on them.
type Manager struct {
	id        Identity
	store     Store
	mirror    *localcache.Mirror
	outbox    *localcache.Outbox
	positions PositionSource
	publisher Publisher
	missions  advisory.MissionLookup
	cfg       Config
	logger    *log.Logger
	now       func() time.Time

	// opMu serializes lifecycle operations for this pilot.
	opMu sync.Mutex

	current atomic.Pointer[flight.Session]

	// fix is the latest position; fixMu orders writes against watchGen so
	// a callback racing End cannot store after End cleared the cell.
	fixMu    sync.Mutex
	fix      atomic.Pointer[Fix]
	watchGen uint64
	sub      Subscription

	background sync.WaitGroup
}

// NewManager creates an inactive manager for id. Call Reconcile to pick up
// a flight started earlier or on another device.
func NewManager(id Identity, deps Deps) *Manager {
	m := &Manager{
		id:        id,
		store:     deps.Store,
		positions: deps.Positions,
		publisher: deps.Publisher,
		missions:  deps.Missions,
		cfg:       deps.Config,
		logger:    deps.Logger.With("pilot", id.PilotID),
		now:       time.Now,
	}
	if deps.Cache != nil {
		m.mirror = deps.Cache.Mirror(id.PilotID)
		m.outbox = deps.Cache.Outbox()
	}
	if m.cfg.PublishTimeout <= 0 {
		m.cfg.PublishTimeout = defaultPublishTimeout
	}
	return m
}

// Identity returns the pilot the manager acts for.
func (m *Manager) Identity() Identity {
	return m.id
}

// Start begins a flight. It fails with ErrFlightActive when the pilot
// already has one, whether known locally, in the durable store, or
// detected by the store's uniqueness rule on insert. When the store is
// unreachable the write is queued in the outbox and Start succeeds.
func (m *Manager) Start(ctx context.Context, req StartRequest) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.current.Load() != nil {
		return ErrFlightActive
	}

	// A queued end must reach the store before the existence check below.
	if _, err := m.syncPending(ctx); err != nil && !db.IsConnectionError(err) {
		m.logger.Warn("outbox replay failed", "error", err)
	}

	s, err := m.newSession(ctx, req)
	if err != nil {
		return err
	}

	offline := false
	existing, err := m.store.GetFlightSession(ctx, s.PilotID)
	switch {
	case err == nil && existing != nil:
		return ErrFlightActive
	case err == nil, errors.Is(err, db.ErrNotFound):
	case db.IsConnectionError(err):
		offline = true
	default:
		return fmt.Errorf("check active flight: %w", err)
	}

	if !offline {
		err := m.store.CreateFlightSession(ctx, s)
		switch {
		case err == nil:
		case db.IsUniqueViolation(err):
			return ErrFlightActive
		case db.IsConnectionError(err):
			offline = true
		default:
			return fmt.Errorf("create flight session: %w", err)
		}
	}

	if offline {
		if m.outbox == nil {
			return fmt.Errorf("start flight: %w", db.ErrOffline)
		}
		if pending, _ := m.outbox.HasPendingStart(s.PilotID); pending {
			return ErrFlightActive
		}
		if err := m.outbox.EnqueueStart(s); err != nil {
			return fmt.Errorf("queue offline start: %w", err)
		}
		m.logger.Warn("flight store offline, start queued")
	}

	m.saveMirror(s)
	m.current.Store(&s)

	if s.Mode == flight.ModeLivePosition {
		m.startWatch(s)
	}
	if s.StartPosition != nil {
		m.setFix(Fix{Position: *s.StartPosition, Time: s.StartedAt, DeviceID: s.DeviceID})
	}

	m.logger.Info("flight started", "mode", s.Mode, "mission", s.MissionID, "offline", offline)

	if m.cfg.PublishOnStart && m.publisher != nil && s.Mode.Advertised() {
		m.publishInBackground(s)
	}
	return nil
}

func (m *Manager) newSession(ctx context.Context, req StartRequest) (flight.Session, error) {
	mode, err := flight.ParseMode(string(req.Mode))
	if err != nil {
		return flight.Session{}, err
	}
	if req.StartPosition != nil {
		if err := req.StartPosition.Validate(); err != nil {
			return flight.Session{}, fmt.Errorf("start position: %w", err)
		}
	}

	s := flight.Session{
		PilotID:     m.id.PilotID,
		TenantID:    m.id.TenantID,
		DisplayName: m.id.DisplayName,
		// Postgres keeps microseconds; truncating keeps the advisory id
		// identical before and after a round trip through the store.
		StartedAt:     m.now().UTC().Truncate(time.Microsecond),
		MissionID:     req.MissionID,
		Mode:          mode,
		Route:         req.Route,
		StartPosition: req.StartPosition,
		DeviceID:      req.DeviceID,
	}

	if len(s.Route) == 0 && s.MissionID != "" && m.missions != nil {
		mission, err := m.missions.GetMission(ctx, s.MissionID)
		switch {
		case err == nil && mission != nil:
			s.Route = mission.Route
		case err != nil:
			// The snapshot is a fallback; a flight can start without it.
			m.logger.Warn("mission route snapshot unavailable", "mission", s.MissionID, "error", err)
		}
	}
	return s, nil
}

// End finishes the active flight: the durable record is deleted (or the
// delete queued when offline, or the queued start cancelled when the store
// never saw it), the position watch is stopped before End returns, and the
// mirror is cleared. Advisories are left to expire on the network.
func (m *Manager) End(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.current.Load()
	if cur == nil {
		return ErrNoFlight
	}

	// A start still in the outbox never reached the store. Cancelling it
	// is the whole end; deleting instead would leave it to be replayed.
	cancelled := false
	if m.outbox != nil {
		pending, err := m.outbox.HasPendingStart(cur.PilotID)
		if err != nil {
			return fmt.Errorf("read outbox: %w", err)
		}
		if pending {
			if err := m.outbox.EnqueueEnd(cur.PilotID); err != nil {
				return fmt.Errorf("cancel queued start: %w", err)
			}
			cancelled = true
		}
	}

	var err error
	if !cancelled {
		err = m.store.DeleteFlightSession(ctx, cur.PilotID)
	}
	switch {
	case err == nil:
	case db.IsConnectionError(err) && m.outbox != nil:
		if qerr := m.outbox.EnqueueEnd(cur.PilotID); qerr != nil {
			return fmt.Errorf("queue offline end: %w", qerr)
		}
		m.logger.Warn("flight store offline, end queued")
	default:
		return fmt.Errorf("delete flight session: %w", err)
	}

	m.stopWatch()
	m.clearMirror()
	m.current.Store(nil)

	m.logger.Info("flight ended", "elapsed", cur.Elapsed(m.now()).Round(time.Second))
	return nil
}

// Reconcile aligns local state with the durable store. Queued offline
// writes are replayed first. If the store has a flight, it is adopted
// (elapsed time counts from its stored start) and the watch resumed for
// live flights; if not, the mirror is cleared and the manager goes
// inactive. While the store is unreachable, the mirror is adopted only if
// the outbox still holds this pilot's unreplayed start; otherwise the
// offline error is returned and local state is left as it was.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, err := m.syncPending(ctx); err != nil && !db.IsConnectionError(err) {
		m.logger.Warn("outbox replay failed", "error", err)
	}

	s, err := m.store.GetFlightSession(ctx, m.id.PilotID)
	switch {
	case err == nil && s != nil:
		m.adopt(*s)
		return nil

	case err == nil, errors.Is(err, db.ErrNotFound):
		if m.current.Load() != nil {
			m.logger.Info("flight no longer in store, going inactive")
		}
		m.stopWatch()
		m.clearMirror()
		m.current.Store(nil)
		return nil

	case db.IsConnectionError(err):
		return m.reconcileOffline(err)

	default:
		return fmt.Errorf("reconcile flight: %w", err)
	}
}

func (m *Manager) reconcileOffline(storeErr error) error {
	if m.outbox == nil || m.mirror == nil {
		return fmt.Errorf("reconcile flight: %w", storeErr)
	}
	pending, err := m.outbox.HasPendingStart(m.id.PilotID)
	if err != nil {
		return fmt.Errorf("reconcile flight: read outbox: %w", err)
	}
	if !pending {
		return fmt.Errorf("reconcile flight: %w", storeErr)
	}

	mirrored, err := m.mirror.Load()
	if err != nil {
		return fmt.Errorf("reconcile flight: read mirror: %w", err)
	}
	if mirrored == nil {
		return fmt.Errorf("reconcile flight: %w", storeErr)
	}
	m.logger.Warn("flight store offline, resuming from local mirror")
	m.adopt(*mirrored)
	return nil
}

// adopt makes s the active flight. Called with opMu held.
func (m *Manager) adopt(s flight.Session) {
	prev := m.current.Load()
	same := prev != nil && prev.StartedAt.Equal(s.StartedAt) && prev.Mode == s.Mode

	m.saveMirror(s)
	m.current.Store(&s)

	if same && (s.Mode != flight.ModeLivePosition || m.watching()) {
		return
	}
	m.stopWatch()
	if s.Mode == flight.ModeLivePosition {
		m.startWatch(s)
	}
	m.logger.Info("flight adopted", "mode", s.Mode, "started_at", s.StartedAt)
}

// SyncPending replays this pilot's queued offline writes.
func (m *Manager) SyncPending(ctx context.Context) (int, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.syncPending(ctx)
}

func (m *Manager) syncPending(ctx context.Context) (int, error) {
	if m.outbox == nil {
		return 0, nil
	}
	n, err := m.outbox.Replay(ctx, m.store, m.id.PilotID, m.logger)
	if n > 0 {
		m.logger.Info("replayed offline writes", "count", n)
	}
	return n, err
}

// Active returns the current flight, or nil.
func (m *Manager) Active() *flight.Session {
	cur := m.current.Load()
	if cur == nil {
		return nil
	}
	s := *cur
	return &s
}

// Snapshot returns the current state. It performs no I/O beyond reading
// the outbox length.
func (m *Manager) Snapshot() Snapshot {
	pos, at := m.LastPosition()
	snap := Snapshot{
		PilotID:      m.id.PilotID,
		Position:     pos,
		PositionTime: at,
	}
	if cur := m.current.Load(); cur != nil {
		snap.Active = true
		snap.Mode = cur.Mode
		snap.MissionID = cur.MissionID
		snap.StartedAt = cur.StartedAt
		snap.Elapsed = cur.Elapsed(m.now())
		if cur.Mode.Advertised() {
			snap.AdvisoryID = advisory.AdvisoryID(*cur)
		}
	}
	if m.outbox != nil {
		if entries, err := m.outbox.Pending(m.id.PilotID); err == nil {
			snap.PendingSync = len(entries) > 0
		}
	}
	return snap
}

// LastPosition returns the latest fix, or the configured default position
// with a zero time when none has arrived.
func (m *Manager) LastPosition() (coordinates.Geographic, time.Time) {
	if f := m.fix.Load(); f != nil {
		return f.Position, f.Time
	}
	return m.cfg.DefaultPosition, time.Time{}
}

// ElapsedTicks emits the active flight's elapsed time once a second until
// ctx is done; zero while inactive. It is a local timer and does no I/O.
// Ticks are dropped, not queued, when the receiver is slow.
func (m *Manager) ElapsedTicks(ctx context.Context) <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var elapsed time.Duration
				if cur := m.current.Load(); cur != nil {
					elapsed = cur.Elapsed(m.now())
				}
				select {
				case ch <- elapsed:
				default:
				}
			}
		}
	}()
	return ch
}

// Close stops the position watch and waits for background publishes.
// It does not end the flight.
func (m *Manager) Close() {
	m.opMu.Lock()
	m.stopWatch()
	m.opMu.Unlock()
	m.background.Wait()
}

func (m *Manager) publishInBackground(s flight.Session) {
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("start publish panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
		defer cancel()
		res := m.publisher.Publish(ctx, s)
		m.logger.Info("start publish", "status", res.Status, "advisory", res.AdvisoryID)
	}()
}

// startWatch subscribes to live fixes. Called with opMu held.
func (m *Manager) startWatch(s flight.Session) {
	if m.positions == nil {
		return
	}

	m.fixMu.Lock()
	m.watchGen++
	gen := m.watchGen
	m.fixMu.Unlock()

	sub, err := m.positions.Watch(s.PilotID, s.DeviceID, func(f Fix) {
		if err := f.Position.Validate(); err != nil {
			return
		}
		m.fixMu.Lock()
		defer m.fixMu.Unlock()
		if m.watchGen != gen {
			return
		}
		m.fix.Store(&f)
	})
	if err != nil {
		m.logger.Warn("position watch failed", "error", err)
		return
	}
	m.sub = sub
}

// stopWatch cancels the subscription and clears the position cell. After
// it returns no callback from the old watch can change state. Called with
// opMu held.
func (m *Manager) stopWatch() {
	m.fixMu.Lock()
	m.watchGen++
	m.fix.Store(nil)
	m.fixMu.Unlock()

	if m.sub != nil {
		m.sub.Stop()
		m.sub = nil
	}
}

func (m *Manager) watching() bool {
	return m.sub != nil
}

func (m *Manager) setFix(f Fix) {
	m.fixMu.Lock()
	defer m.fixMu.Unlock()
	m.fix.Store(&f)
}

func (m *Manager) saveMirror(s flight.Session) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Save(s); err != nil {
		m.logger.Warn("local mirror write failed", "error", err)
	}
}

func (m *Manager) clearMirror() {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Clear(); err != nil {
		m.logger.Warn("local mirror clear failed", "error", err)
	}
}
