// Package advisory publishes one flight's advisory shape to the airspace
// network.
//
// A route-advisory flight is advertised as a polygon around its mission
// route; a live-position flight as a point with a radius around where it
// started. The advisory id is derived from the pilot and the flight's start
// time, so every refresh of the same flight overwrites one advisory on the
// network instead of creating a new one.
package advisory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	geojson "github.com/paulmach/go.geojson"

	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/geometry"
	"github.com/unklstewy/airsync/pkg/log"
)

// MinRoutePoints is the fewest route coordinates a route advisory needs.
// A single point is published as a small square.
const MinRoutePoints = 1

// DefaultMaxAltitudeMeters is the advisory ceiling when none is configured.
const DefaultMaxAltitudeMeters = 120.0

// advisoryNamespace scopes name-based advisory ids.
var advisoryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://airsync/advisories"))

// Status is the outcome of one publish attempt.
type Status string

const (
	StatusPublished Status = "published"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Result describes one publish attempt. Failures are reported here, never
// panicked or returned as errors, so one flight cannot abort a refresh
// cycle for others.
type Result struct {
	PilotID    string
	Status     Status
	AdvisoryID string

	// RemoteID is the network's own id when it reports one
	RemoteID string

	// Reason explains a skip
	Reason string

	Err error
}

// MissionLookup resolves missions by id.
type MissionLookup interface {
	GetMission(ctx context.Context, id string) (*flight.Mission, error)
}

// Network is the advisory endpoint of the airspace network.
type Network interface {
	PublishAdvisory(ctx context.Context, fc *geojson.FeatureCollection) (string, error)
}

// Config controls advisory content.
type Config struct {
	MaxAltitudeMeters float64
	Geometry          geometry.Builder
}

// Publisher builds and sends advisories. It is safe for concurrent use.
type Publisher struct {
	network  Network
	missions MissionLookup
	cfg      Config
	logger   *log.Logger
	now      func() time.Time
}

// NewPublisher creates a publisher. missions may be nil when no flight
// uses route mode.
func NewPublisher(network Network, missions MissionLookup, cfg Config, logger *log.Logger) *Publisher {
	if cfg.MaxAltitudeMeters <= 0 {
		cfg.MaxAltitudeMeters = DefaultMaxAltitudeMeters
	}
	return &Publisher{
		network:  network,
		missions: missions,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// AdvisoryID returns the stable advisory id for a flight.
func AdvisoryID(s flight.Session) string {
	name := s.PilotID + "|" + strconv.FormatInt(s.StartedAt.UnixNano(), 10)
	return uuid.NewSHA1(advisoryNamespace, []byte(name)).String()
}

// Publish resolves the flight's mission, builds its shape and sends it.
// The caller's context bounds the lookup and the network call.
func (p *Publisher) Publish(ctx context.Context, s flight.Session) Result {
	m, err := p.Mission(ctx, s)
	if err != nil {
		p.logger.Warn("advisory build failed", "pilot", s.PilotID, "error", err)
		return Result{PilotID: s.PilotID, AdvisoryID: AdvisoryID(s), Status: StatusFailed, Err: err}
	}
	return p.PublishMission(ctx, s, m)
}

// PublishMission is Publish with the mission already resolved; mission is
// nil when the flight has none or it no longer exists.
func (p *Publisher) PublishMission(ctx context.Context, s flight.Session, mission *flight.Mission) Result {
	res := Result{PilotID: s.PilotID, AdvisoryID: AdvisoryID(s)}
	logger := p.logger.With("pilot", s.PilotID, "advisory", res.AdvisoryID)

	shape, reason, err := p.Shape(s, mission)
	switch {
	case err != nil:
		res.Status, res.Err = StatusFailed, err
		logger.Warn("advisory build failed", "error", err)
		return res
	case reason != "":
		res.Status, res.Reason = StatusSkipped, reason
		logger.Info("advisory skipped", "reason", reason)
		return res
	}

	fc := p.Envelope(s, shape)
	remoteID, err := p.network.PublishAdvisory(ctx, fc)
	if err != nil {
		res.Status, res.Err = StatusFailed, fmt.Errorf("publish advisory: %w", err)
		logger.Warn("advisory publish failed", "error", err)
		return res
	}

	res.Status, res.RemoteID = StatusPublished, remoteID
	logger.Debug("advisory published", "kind", shape.Kind, "remote_id", remoteID)
	return res
}

// Mission looks up a route flight's mission. Other modes, flights without
// a mission and missions that no longer exist all yield nil.
func (p *Publisher) Mission(ctx context.Context, s flight.Session) (*flight.Mission, error) {
	if s.Mode != flight.ModeRouteAdvisory || s.MissionID == "" || p.missions == nil {
		return nil, nil
	}
	m, err := p.missions.GetMission(ctx, s.MissionID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("lookup mission %s: %w", s.MissionID, err)
	}
	return m, nil
}

// Shape resolves the geometry for a flight. A non-empty reason means the
// flight has nothing to publish right now; that is not an error.
func (p *Publisher) Shape(s flight.Session, mission *flight.Mission) (geometry.Shape, string, error) {
	switch s.Mode {
	case flight.ModeRouteAdvisory:
		route := Route(s, mission)
		if len(route) < MinRoutePoints {
			return geometry.Shape{}, "route has no coordinates", nil
		}
		shape, err := p.cfg.Geometry.Polygon(route)
		if err != nil {
			return geometry.Shape{}, "", fmt.Errorf("build route polygon: %w", err)
		}
		return shape, "", nil

	case flight.ModeLivePosition:
		if s.StartPosition == nil {
			return geometry.Shape{}, "no start position", nil
		}
		shape, err := p.cfg.Geometry.Point(*s.StartPosition)
		if err != nil {
			return geometry.Shape{}, "", fmt.Errorf("build point: %w", err)
		}
		return shape, "", nil

	default:
		return geometry.Shape{}, "advisories disabled", nil
	}
}

// Route returns the mission's route, falling back to the snapshot taken
// when the flight started if the mission has none or no longer exists.
func Route(s flight.Session, mission *flight.Mission) []coordinates.Geographic {
	if mission != nil && len(mission.Route) > 0 {
		return mission.Route
	}
	return s.Route
}

// Envelope wraps the shape in the feature collection the network accepts.
func (p *Publisher) Envelope(s flight.Session, shape geometry.Shape) *geojson.FeatureCollection {
	now := p.now()
	props := map[string]interface{}{
		"id":           AdvisoryID(s),
		"call_sign":    s.CallSign(),
		"last_update":  now.Unix(),
		"max_altitude": p.cfg.MaxAltitudeMeters,
		"remarks":      remarks(s),
	}

	fc := geojson.NewFeatureCollection()
	fc.AddFeature(shape.Feature(props))
	return fc
}

func remarks(s flight.Session) string {
	r := fmt.Sprintf("UAS %s flight since %s UTC", s.Mode, s.StartedAt.UTC().Format("15:04"))
	if s.MissionID != "" {
		r += ", mission " + s.MissionID
	}
	return r
}
