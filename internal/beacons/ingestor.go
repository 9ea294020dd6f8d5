// Package beacons fetches nearby traffic for airborne flights, merges it
// into one deduplicated set per pass and expires reports that stop arriving.
package beacons

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unklstewy/airsync/pkg/adsb"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
)

const (
	// DefaultTTL is how long a beacon survives without being seen again.
	DefaultTTL = 60 * time.Second

	// DefaultRadiusMeters is the query radius around each flight.
	DefaultRadiusMeters = 10000.0

	DefaultMaxConcurrency = 8
	DefaultCallTimeout    = 15 * time.Second
)

// Store persists the merged beacon set.
type Store interface {
	UpsertBeacons(ctx context.Context, beacons []adsb.Beacon) error
	DeleteBeaconsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	ListBeacons(ctx context.Context) ([]adsb.Beacon, error)
}

// Query is one area to fetch traffic for.
type Query struct {
	// PilotID names the flight the query is for (logging only)
	PilotID      string
	Center       coordinates.Geographic
	RadiusMeters float64
}

// PassReport summarizes one ingestion pass.
type PassReport struct {
	Queries  int
	Failed   int
	Fetched  int
	Stored   int
	Duration time.Duration

	// Err is set when the merged set could not be written
	Err error
}

// Config controls ingestion.
type Config struct {
	TTL            time.Duration
	RadiusMeters   float64
	MaxConcurrency int
	CallTimeout    time.Duration
}

// Ingestor fetches, merges and expires beacons.
type Ingestor struct {
	source adsb.BeaconSource
	store  Store
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// NewIngestor creates an ingestor. Zero config values take the defaults.
func NewIngestor(source adsb.BeaconSource, store Store, cfg Config, logger *log.Logger) *Ingestor {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = DefaultRadiusMeters
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Ingestor{
		source: source,
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// TTL returns the configured freshness window.
func (in *Ingestor) TTL() time.Duration {
	return in.cfg.TTL
}

// RadiusMeters returns the default query radius.
func (in *Ingestor) RadiusMeters() float64 {
	return in.cfg.RadiusMeters
}

// Ingest fetches every query, merges the results by beacon id and writes the
// merged set once. When two queries report the same id, the one merged
// later wins and its freshness timestamp is the time it was merged. A failed
// fetch is logged and counted; it never stops the other fetches.
func (in *Ingestor) Ingest(ctx context.Context, queries []Query) PassReport {
	start := in.now()
	report := PassReport{Queries: len(queries)}

	results := make([][]adsb.Beacon, len(queries))
	failed := make([]bool, len(queries))

	g := new(errgroup.Group)
	g.SetLimit(in.cfg.MaxConcurrency)
	for i, q := range queries {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					in.logger.Error("beacon fetch panicked", "pilot", q.PilotID, "panic", r)
					failed[i] = true
				}
			}()

			radius := q.RadiusMeters
			if radius <= 0 {
				radius = in.cfg.RadiusMeters
			}

			callCtx, cancel := context.WithTimeout(ctx, in.cfg.CallTimeout)
			defer cancel()

			beacons, err := in.source.GetBeacons(callCtx, q.Center, radius)
			if err != nil {
				in.logger.Warn("beacon fetch failed", "pilot", q.PilotID, "center", q.Center.String(), "error", err)
				failed[i] = true
				return nil
			}
			results[i] = beacons
			return nil
		})
	}
	g.Wait()

	merged := make(map[string]adsb.Beacon)
	for i := range queries {
		if failed[i] {
			report.Failed++
			continue
		}
		report.Fetched += len(results[i])
		for _, b := range results[i] {
			if b.ID == "" {
				b.ID = adsb.FallbackID(b.Latitude, b.Longitude)
			}
			b.LastSeen = in.now()
			merged[b.ID] = b
		}
	}

	if len(merged) > 0 {
		batch := make([]adsb.Beacon, 0, len(merged))
		for _, b := range merged {
			batch = append(batch, b)
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })

		storeCtx, cancel := context.WithTimeout(ctx, in.cfg.CallTimeout)
		err := in.store.UpsertBeacons(storeCtx, batch)
		cancel()
		if err != nil {
			report.Err = fmt.Errorf("store beacons: %w", err)
			in.logger.Error("beacon upsert failed", "count", len(batch), "error", err)
		} else {
			report.Stored = len(batch)
		}
	}

	report.Duration = in.now().Sub(start)
	return report
}

// Evict removes beacons last seen strictly more than TTL before now. A
// beacon exactly TTL old is kept.
func (in *Ingestor) Evict(ctx context.Context, now time.Time) (int, error) {
	n, err := in.store.DeleteBeaconsOlderThan(ctx, now.Add(-in.cfg.TTL))
	if err != nil {
		return 0, fmt.Errorf("evict beacons: %w", err)
	}
	if n > 0 {
		in.logger.Debug("evicted stale beacons", "count", n)
	}
	return n, nil
}

// Contact is a cached beacon relative to a viewer.
type Contact struct {
	adsb.Beacon
	DistanceMeters float64 `json:"distance_m"`
	BearingDeg     float64 `json:"bearing_deg"`
}

// Nearby lists cached beacons within radiusMeters of center, nearest
// first. A non-positive radius returns every cached beacon.
func (in *Ingestor) Nearby(ctx context.Context, center coordinates.Geographic, radiusMeters float64) ([]Contact, error) {
	return Nearby(ctx, in.store, center, radiusMeters)
}

// Nearby is the read-only display query over any store.
func Nearby(ctx context.Context, store Store, center coordinates.Geographic, radiusMeters float64) ([]Contact, error) {
	all, err := store.ListBeacons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list beacons: %w", err)
	}

	contacts := make([]Contact, 0, len(all))
	for _, b := range all {
		pos := b.Position()
		d := coordinates.DistanceMeters(center, pos)
		if radiusMeters > 0 && d > radiusMeters {
			continue
		}
		contacts = append(contacts, Contact{
			Beacon:         b,
			DistanceMeters: d,
			BearingDeg:     coordinates.Bearing(center, pos),
		})
	}
	sort.SliceStable(contacts, func(i, j int) bool {
		return contacts[i].DistanceMeters < contacts[j].DistanceMeters
	})
	return contacts, nil
}
