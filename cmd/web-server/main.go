// Airsync Web Server
// Serves the pilot API: flight start/end, live position reports, nearby
// traffic over REST and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unklstewy/airsync/internal/app"
	"github.com/unklstewy/airsync/internal/auth"
	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/localcache"
	"github.com/unklstewy/airsync/internal/scheduler"
	"github.com/unklstewy/airsync/internal/session"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
)

const devJWTSecret = "dev-secret-change-in-production"

var (
	configPath = flag.String("config", "configs/config.json", "Path to configuration file")
	port       = flag.String("port", "", "HTTP server port (overrides config)")
	runSync    = flag.Bool("sync", false, "Also run the refresh scheduler in this process")
)

func main() {
	flag.Parse()

	fmt.Println("🚀 Starting Airsync Web Server...")

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	logger := log.New("web-server", cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := app.Database(ctx, cfg, logger)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	cache, err := localcache.Open(cfg.Session.LocalCachePath)
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

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		logger.Warn("no JWT secret configured, using development secret")
		jwtSecret = devJWTSecret
	}

	flights := db.NewFlightSessionRepository(database)
	missions := db.NewMissionRepository(database)
	beaconRepo := db.NewBeaconRepository(database)
	publisher := app.Publisher(cfg, network, missions, logger)
	feed := session.NewFeed()

	pool := session.NewPool(session.Deps{
		Store:     flights,
		Cache:     cache,
		Positions: feed,
		Publisher: publisher,
		Missions:  missions,
		Config: session.Config{
			DefaultPosition: coordinates.Geographic{
				Latitude:  cfg.Session.DefaultLatitude,
				Longitude: cfg.Session.DefaultLongitude,
			},
			PublishOnStart: cfg.Session.PublishOnStart,
			PublishTimeout: cfg.Scheduler.CallTimeout(),
		},
		Logger: logger.With("component", "session"),
	})
	defer pool.Close()

	var sched *scheduler.Scheduler
	if *runSync {
		sched = scheduler.New(
			session.NewRegistry(flights),
			publisher,
			app.Ingestor(cfg, network, beaconRepo, logger),
			missions,
			app.SchedulerConfig(cfg),
			logger.With("component", "scheduler"),
		)
		go func() {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("scheduler stopped", "error", err)
			}
		}()
	}

	srv := NewServer(ServerDeps{
		Auth:           auth.NewService(auth.Config{JWTSecret: jwtSecret, TokenDuration: 24 * time.Hour}),
		Pool:           pool,
		Feed:           feed,
		Beacons:        beaconRepo,
		Health:         func(ctx context.Context) error { return db.HealthCheck(ctx, database) },
		Stats:          database.GetStats,
		Scheduler:      sched,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RadiusMeters:   cfg.Airspace.BeaconRadiusMeters,
		Logger:         logger.With("component", "http"),
	})

	go replayLoop(ctx, pool, cfg.Session.ReplayInterval(), logger)

	httpServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:     srv,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout is left unset: websocket connections are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		fmt.Printf("📡 Server listening on %s\n", httpServer.Addr)
		if *runSync {
			fmt.Println("🔁 Refresh scheduler running in-process")
		}

		var err error
		if cfg.Server.TLSEnabled {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	fmt.Println("\n👋 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}

	fmt.Println("✅ Server stopped")
}

// replayLoop pushes queued offline writes to the store until ctx is done.
func replayLoop(ctx context.Context, pool *session.Pool, every time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := pool.ReplayAll(ctx)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil && db.IsConnectionError(err):
				logger.Debug("outbox replay deferred, store offline")
			case err != nil:
				logger.Warn("outbox replay failed", "error", err)
			case n > 0:
				logger.Info("outbox replayed", "count", n)
			}
		}
	}
}
