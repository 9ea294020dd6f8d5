package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unklstewy/airsync/internal/app"
	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/scheduler"
	"github.com/unklstewy/airsync/internal/session"
	"github.com/unklstewy/airsync/pkg/log"
)

// airspace-sync runs the refresh loop as a background service: every active
// flight's advisory is republished and nearby traffic is pulled into the
// shared beacon table, so pilot devices never talk to the network directly.
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	statsEvery := flag.Duration("stats", 30*time.Second, "Interval between stats lines")
	once := flag.Bool("once", false, "Run a single refresh cycle and exit")
	flag.Parse()

	fmt.Println("===========================================")
	fmt.Println("  Airspace Sync Service")
	fmt.Println("===========================================")

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := log.New("airspace-sync", cfg.Logging)
	fmt.Printf("Configuration loaded from: %s\n", *configPath)
	fmt.Printf("Network: %s\n", cfg.Airspace.BaseURL)
	fmt.Printf("Refresh interval: %s, concurrency %d, call timeout %s\n",
		cfg.Scheduler.Interval(), cfg.Scheduler.MaxConcurrency, cfg.Scheduler.CallTimeout())
	fmt.Printf("Beacon TTL: %s, query radius %.0f m\n", cfg.Scheduler.BeaconTTL(), cfg.Airspace.BeaconRadiusMeters)
	fmt.Printf("Logging to: %s\n", logger.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("\nConnecting to database...")
	database, err := app.Database(ctx, cfg, logger)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()
	fmt.Println("✓ Database connected, schema ready")

	network, err := app.Network(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create network client: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Signing as %s\n", network.Credential())

	flights := db.NewFlightSessionRepository(database)
	missions := db.NewMissionRepository(database)
	beaconRepo := db.NewBeaconRepository(database)

	sched := scheduler.New(
		session.NewRegistry(flights),
		app.Publisher(cfg, network, missions, logger),
		app.Ingestor(cfg, network, beaconRepo, logger),
		missions,
		app.SchedulerConfig(cfg),
		logger.With("component", "scheduler"),
	)

	if *once {
		report := sched.Tick(ctx)
		printReport(report)
		return
	}

	go printStats(ctx, database, sched, *statsEvery)

	fmt.Println("\n===========================================")
	fmt.Println("  Sync service started")
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println("===========================================")

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler stopped", "error", err)
	}

	fmt.Println("\nShutting down gracefully...")
	fmt.Println("✓ Sync service stopped")
}

// printStats reports table sizes and the last cycle until ctx is done.
func printStats(ctx context.Context, database *db.DB, sched *scheduler.Scheduler, every time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in stats: %v\n", r)
		}
	}()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		stats, err := database.GetStats(statsCtx)
		cancel()
		if err != nil {
			fmt.Printf("Error getting stats: %v\n", err)
			continue
		}

		last := "none yet"
		if r := sched.LastReport(); r != nil {
			last = fmt.Sprintf("%d published, %d skipped, %d failed, %d beacons stored, %d evicted",
				r.Published, r.Skipped, r.Failed, r.BeaconsStored, r.Evicted)
		}
		fmt.Printf("📊 Stats: %d active flights, %d beacons, %d missions | last cycle: %s\n",
			stats.ActiveFlights, stats.Beacons, stats.Missions, last)
	}
}

func printReport(r scheduler.TickReport) {
	fmt.Printf("[%s] %d flights in %s\n", r.Started.Format("15:04:05"), r.Flights, r.Duration.Round(time.Millisecond))
	fmt.Printf("  advisories: %d published, %d skipped, %d failed\n", r.Published, r.Skipped, r.Failed)
	fmt.Printf("  beacons: %d queries, %d failed, %d stored, %d evicted\n",
		r.BeaconQueries, r.BeaconFailed, r.BeaconsStored, r.Evicted)
	for _, e := range r.Errors {
		fmt.Printf("  ✗ %s\n", e)
	}
}
