package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/unklstewy/airsync/internal/app"
	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/pkg/log"
)

// traffic-board shows the shared beacon table and the active flights it is
// collected around, refreshed every two seconds.
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	refresh := flag.Duration("refresh", 2*time.Second, "Refresh interval")
	flag.Parse()

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.Logging.Stderr = false
	logger := log.New("traffic-board", cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := app.Database(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	board := NewBoard(BoardConfig{
		Beacons:  db.NewBeaconRepository(database),
		Flights:  db.NewFlightSessionRepository(database),
		Stats:    database.GetStats,
		TTL:      cfg.Scheduler.BeaconTTL(),
		Interval: *refresh,
		Logger:   logger,
	})

	if err := board.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
