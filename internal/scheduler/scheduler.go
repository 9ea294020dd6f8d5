// Package scheduler keeps every airborne flight's advisory alive and the
// nearby-traffic cache fresh on a fixed cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unklstewy/airsync/internal/advisory"
	"github.com/unklstewy/airsync/internal/beacons"
	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultMaxConcurrency = 8
	DefaultCallTimeout    = 15 * time.Second
)

// FlightRegistry is the read-only list of airborne flights.
type FlightRegistry interface {
	ActiveFlights(ctx context.Context) ([]flight.Session, error)
}

// Publisher publishes one flight's advisory from an already resolved
// mission, which is nil when the flight has none.
type Publisher interface {
	PublishMission(ctx context.Context, s flight.Session, mission *flight.Mission) advisory.Result
}

// Ingestor runs beacon passes and eviction.
type Ingestor interface {
	Ingest(ctx context.Context, queries []beacons.Query) beacons.PassReport
	Evict(ctx context.Context, now time.Time) (int, error)
}

// Config controls the refresh loop.
type Config struct {
	Interval       time.Duration
	MaxConcurrency int
	CallTimeout    time.Duration

	// BeaconRadiusMeters is the traffic query radius around each flight
	BeaconRadiusMeters float64
}

// TickReport summarizes one refresh cycle. It is logged, not returned as
// an error: a cycle with failures is still a completed cycle.
type TickReport struct {
	Started  time.Time     `json:"started"`
	Flights  int           `json:"flights"`
	Duration time.Duration `json:"duration"`

	Published int `json:"published"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	BeaconQueries int `json:"beacon_queries"`
	BeaconFailed  int `json:"beacon_failed"`
	BeaconsStored int `json:"beacons_stored"`
	Evicted       int `json:"evicted"`

	// Errors lists registry, store and eviction failures for the cycle
	Errors []string `json:"errors,omitempty"`
}

// Scheduler runs the refresh loop.
type Scheduler struct {
	registry  FlightRegistry
	publisher Publisher
	ingestor  Ingestor
	missions  advisory.MissionLookup
	cfg       Config
	logger    *log.Logger
	now       func() time.Time

	mu   sync.RWMutex
	last *TickReport
}

// New creates a scheduler. missions may be nil; route flights then use
// their start snapshot for both advisories and traffic queries.
func New(registry FlightRegistry, publisher Publisher, ingestor Ingestor, missions advisory.MissionLookup, cfg Config, logger *log.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Scheduler{
		registry:  registry,
		publisher: publisher,
		ingestor:  ingestor,
		missions:  missions,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Run ticks immediately and then every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("refresh scheduler started",
		"interval", s.cfg.Interval,
		"max_concurrency", s.cfg.MaxConcurrency,
		"call_timeout", s.cfg.CallTimeout)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		s.safeTick(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// safeTick keeps the loop alive if a cycle panics outside per-flight work.
func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("refresh cycle panicked", "panic", r)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	report := s.Tick(ctx)
	s.logger.Info("refresh cycle complete",
		"flights", report.Flights,
		"published", report.Published,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"beacons", report.BeaconsStored,
		"evicted", report.Evicted,
		"duration", report.Duration)
}

// LastReport returns the most recent completed cycle, or nil before the
// first one.
func (s *Scheduler) LastReport() *TickReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

// Tick runs one refresh cycle: publish every advertised flight, then one
// beacon pass over all of them, then eviction. Publishing finishes before
// ingestion starts.
func (s *Scheduler) Tick(ctx context.Context) (report TickReport) {
	report.Started = s.now()
	defer func() {
		report.Duration = s.now().Sub(report.Started)
		s.mu.Lock()
		r := report
		s.last = &r
		s.mu.Unlock()
	}()

	flights, err := s.activeFlights(ctx)
	if err != nil {
		s.logger.Error("flight registry unavailable", "error", err)
		report.Errors = append(report.Errors, err.Error())
	}
	report.Flights = len(flights)

	missions := s.loadMissions(ctx, flights)

	s.publishAll(ctx, flights, missions, &report)

	queries := s.beaconQueries(flights, missions)
	if len(queries) > 0 {
		pass := s.ingestor.Ingest(ctx, queries)
		report.BeaconQueries = pass.Queries
		report.BeaconFailed = pass.Failed
		report.BeaconsStored = pass.Stored
		if pass.Err != nil {
			report.Errors = append(report.Errors, pass.Err.Error())
		}
	}

	evictCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	evicted, err := s.ingestor.Evict(evictCtx, s.now())
	if err != nil {
		s.logger.Error("beacon eviction failed", "error", err)
		report.Errors = append(report.Errors, err.Error())
	}
	report.Evicted = evicted

	return report
}

func (s *Scheduler) activeFlights(ctx context.Context) ([]flight.Session, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	flights, err := s.registry.ActiveFlights(callCtx)
	if err != nil {
		return nil, fmt.Errorf("list active flights: %w", err)
	}
	return flights, nil
}

// missionResult is one mission lookup for the cycle.
type missionResult struct {
	mission *flight.Mission
	err     error
}

// loadMissions resolves each referenced mission once per cycle, with the
// same bounded fan-out as publishing. A mission that no longer exists is
// nil; other lookup failures are kept and fail that mission's publishes.
func (s *Scheduler) loadMissions(ctx context.Context, flights []flight.Session) map[string]missionResult {
	var ids []string
	seen := make(map[string]bool)
	for _, f := range flights {
		if f.MissionID == "" || !f.Mode.Advertised() || seen[f.MissionID] {
			continue
		}
		seen[f.MissionID] = true
		ids = append(ids, f.MissionID)
	}

	missions := make(map[string]missionResult, len(ids))
	if s.missions == nil || len(ids) == 0 {
		return missions
	}

	results := make([]missionResult, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
			defer cancel()
			m, err := s.missions.GetMission(callCtx, id)
			switch {
			case errors.Is(err, db.ErrNotFound):
			case err != nil:
				s.logger.Warn("mission lookup failed", "mission", id, "error", err)
				results[i].err = fmt.Errorf("lookup mission %s: %w", id, err)
			default:
				results[i].mission = m
			}
			return nil
		})
	}
	g.Wait()

	for i, id := range ids {
		missions[id] = results[i]
	}
	return missions
}

// publishAll fans publishes out with bounded concurrency and joins them.
func (s *Scheduler) publishAll(ctx context.Context, flights []flight.Session, missions map[string]missionResult, report *TickReport) {
	var targets []flight.Session
	for _, f := range flights {
		switch {
		case f.Mode == flight.ModeRouteAdvisory && (f.MissionID != "" || len(f.Route) > 0):
			targets = append(targets, f)
		case f.Mode == flight.ModeLivePosition && f.StartPosition != nil:
			targets = append(targets, f)
		}
	}
	if len(targets) == 0 {
		return
	}

	results := make([]advisory.Result, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, f := range targets {
		g.Go(func() error {
			results[i] = s.publishOne(ctx, f, missions[f.MissionID])
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		switch r.Status {
		case advisory.StatusPublished:
			report.Published++
		case advisory.StatusSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}
}

func (s *Scheduler) publishOne(ctx context.Context, f flight.Session, lookup missionResult) (res advisory.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("advisory publish panicked", "pilot", f.PilotID, "panic", r)
			res = advisory.Result{PilotID: f.PilotID, Status: advisory.StatusFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if f.Mode == flight.ModeRouteAdvisory && lookup.err != nil {
		return advisory.Result{
			PilotID:    f.PilotID,
			AdvisoryID: advisory.AdvisoryID(f),
			Status:     advisory.StatusFailed,
			Err:        lookup.err,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.publisher.PublishMission(callCtx, f, lookup.mission)
}

// beaconQueries picks one query location per advertised flight: the first
// route point, else the mission location, else the start position. Flights
// with none of these are skipped.
func (s *Scheduler) beaconQueries(flights []flight.Session, missions map[string]missionResult) []beacons.Query {
	var queries []beacons.Query
	for _, f := range flights {
		if !f.Mode.Advertised() {
			continue
		}
		center, ok := QueryLocation(f, missions[f.MissionID].mission)
		if !ok {
			s.logger.Debug("no query location for flight", "pilot", f.PilotID)
			continue
		}
		queries = append(queries, beacons.Query{
			PilotID:      f.PilotID,
			Center:       center,
			RadiusMeters: s.cfg.BeaconRadiusMeters,
		})
	}
	return queries
}

// QueryLocation resolves where to look for traffic around a flight.
// mission may be nil.
func QueryLocation(f flight.Session, mission *flight.Mission) (coordinates.Geographic, bool) {
	switch {
	case mission != nil && len(mission.Route) > 0:
		return mission.Route[0], true
	case len(f.Route) > 0:
		return f.Route[0], true
	case mission != nil && mission.Location != nil:
		return *mission.Location, true
	case f.StartPosition != nil:
		return *f.StartPosition, true
	}
	return coordinates.Geographic{}, false
}
