package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/unklstewy/airsync/internal/app"
	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/localcache"
	"github.com/unklstewy/airsync/internal/session"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
)

// flight-console is a pilot's terminal: start and end a flight, watch the
// elapsed time, and see traffic around the current position.
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	pilotID := flag.String("pilot", os.Getenv("AIRSYNC_PILOT_ID"), "Pilot id")
	tenantID := flag.String("tenant", os.Getenv("AIRSYNC_TENANT_ID"), "Tenant id")
	name := flag.String("name", "", "Display name used as the advisory call sign")
	missionID := flag.String("mission", "", "Mission id to fly")
	deviceID := flag.String("device", "", "Device id reported with position fixes")
	fixesPath := flag.String("fixes", "", "File or named pipe of \"lat,lon[,alt]\" position fixes")
	cachePath := flag.String("cache", "", "Local cache file (default: flight-console-<pilot>.db beside the server's cache)")
	flag.Parse()

	if *pilotID == "" {
		fmt.Fprintln(os.Stderr, "Error: -pilot (or AIRSYNC_PILOT_ID) is required")
		os.Exit(1)
	}

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	// The terminal belongs to the UI; logs go to the file only.
	cfg.Logging.Stderr = false
	logger := log.New("flight-console", cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := app.Database(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	cache, err := localcache.Open(consoleCachePath(*cachePath, cfg.Session.LocalCachePath, *pilotID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open local cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	network, err := app.Network(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create network client: %v\n", err)
		os.Exit(1)
	}

	feed := session.NewFeed()
	fixes := newFixReader(feed, *pilotID, *deviceID, logger)
	if *fixesPath != "" {
		f, err := os.Open(*fixesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open position fixes: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		go func() {
			if err := fixes.Run(ctx, f); err != nil && ctx.Err() == nil {
				logger.Warn("position fixes stopped", "error", err)
			}
		}()
	}

	flights := db.NewFlightSessionRepository(database)
	missions := db.NewMissionRepository(database)

	mgr := session.NewManager(session.Identity{
		PilotID:     *pilotID,
		TenantID:    *tenantID,
		DisplayName: *name,
	}, session.Deps{
		Store:     flights,
		Cache:     cache,
		Publisher: app.Publisher(cfg, network, missions, logger),
		Missions:  missions,
		Positions: feed,
		Config: session.Config{
			DefaultPosition: coordinates.Geographic{
				Latitude:  cfg.Session.DefaultLatitude,
				Longitude: cfg.Session.DefaultLongitude,
			},
			PublishOnStart: cfg.Session.PublishOnStart,
			PublishTimeout: cfg.Scheduler.CallTimeout(),
		},
		Logger: logger,
	})

	if err := mgr.Reconcile(ctx); err != nil {
		logger.Warn("initial reconcile failed", "error", err)
	}
	go replayLoop(ctx, mgr, cfg.Session.ReplayInterval(), logger)

	m := newModel(ctx, mgr, db.NewBeaconRepository(database), *missionID, cfg.Airspace.BeaconRadiusMeters)
	m.position = fixes.Position
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Let an in-flight publish finish before the connections close.
	done := make(chan struct{})
	go func() {
		mgr.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}
