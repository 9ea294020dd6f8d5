// Package app wires configuration into the components the binaries share.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/unklstewy/airsync/internal/advisory"
	"github.com/unklstewy/airsync/internal/beacons"
	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/scheduler"
	"github.com/unklstewy/airsync/pkg/airspace"
	"github.com/unklstewy/airsync/pkg/config"
	"github.com/unklstewy/airsync/pkg/geometry"
	"github.com/unklstewy/airsync/pkg/log"
)

// LoadConfig reads .env, the config file and environment overrides, and
// validates the result.
func LoadConfig(path string) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Network builds the signed airspace client.
func Network(cfg *config.Config, logger *log.Logger) (*airspace.Client, error) {
	return airspace.NewClient(airspace.Config{
		BaseURL:           cfg.Airspace.BaseURL,
		Secret:            cfg.Airspace.Secret,
		RequestsPerSecond: cfg.Airspace.RequestsPerSecond,
		Timeout:           cfg.Airspace.Timeout(),
		Logger:            logger.With("component", "airspace"),
	})
}

// Publisher builds the advisory publisher.
func Publisher(cfg *config.Config, network advisory.Network, missions advisory.MissionLookup, logger *log.Logger) *advisory.Publisher {
	return advisory.NewPublisher(network, missions, advisory.Config{
		MaxAltitudeMeters: cfg.Airspace.MaxAltitudeMeters,
		Geometry: geometry.Builder{
			MarginDegrees:     cfg.Airspace.MarginDegrees,
			PointRadiusMeters: cfg.Airspace.PointRadiusMeters,
		},
	}, logger.With("component", "advisory"))
}

// Ingestor builds the beacon ingestor over store.
func Ingestor(cfg *config.Config, network *airspace.Client, store beacons.Store, logger *log.Logger) *beacons.Ingestor {
	return beacons.NewIngestor(network, store, beacons.Config{
		TTL:            cfg.Scheduler.BeaconTTL(),
		RadiusMeters:   cfg.Airspace.BeaconRadiusMeters,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		CallTimeout:    cfg.Scheduler.CallTimeout(),
	}, logger.With("component", "beacons"))
}

// SchedulerConfig maps the scheduler section onto scheduler.Config.
func SchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Interval:           cfg.Scheduler.Interval(),
		MaxConcurrency:     cfg.Scheduler.MaxConcurrency,
		CallTimeout:        cfg.Scheduler.CallTimeout(),
		BeaconRadiusMeters: cfg.Airspace.BeaconRadiusMeters,
	}
}

// Database connects with retry and applies the schema.
func Database(ctx context.Context, cfg *config.Config, logger *log.Logger) (*db.DB, error) {
	database, err := db.ReconnectWithRetry(ctx, cfg.Database, 5, 2*time.Second, logger)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchema(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
