package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/unklstewy/airsync/pkg/config"
)

//go:embed schema.sql
var schemaSQL embed.FS

// DB wraps a database connection with helper methods.
type DB struct {
	*sql.DB
	config config.DatabaseConfig
}

// DSN builds the lib/pq connection string for cfg.
func DSN(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=5",
		cfg.Host,
		cfg.Port,
		cfg.Username,
		cfg.Password,
		cfg.Database,
		sslMode,
	)
}

// Connect establishes a connection to the PostgreSQL database.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	sqlDB, err := sql.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", classify(err))
	}

	return &DB{
		DB:     sqlDB,
		config: cfg,
	}, nil
}

// InitSchema creates or updates the database schema.
// This should be called once at application startup.
func (db *DB) InitSchema(ctx context.Context) error {
	schemaBytes, err := schemaSQL.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	if _, err := db.ExecContext(ctx, string(schemaBytes)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", classify(err))
	}

	return nil
}

// Stats is a point-in-time view of table sizes.
type Stats struct {
	ActiveFlights int       `json:"active_flights"`
	Beacons       int       `json:"beacons"`
	OldestBeacon  time.Time `json:"oldest_beacon,omitempty"`
	Missions      int       `json:"missions"`
}

// GetStats returns database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats

	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flight_sessions`,
	).Scan(&stats.ActiveFlights)
	if err != nil {
		return nil, classify(err)
	}

	var oldest sql.NullTime
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(last_seen) FROM beacons`,
	).Scan(&stats.Beacons, &oldest)
	if err != nil {
		return nil, classify(err)
	}
	if oldest.Valid {
		stats.OldestBeacon = oldest.Time
	}

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM missions`,
	).Scan(&stats.Missions)
	if err != nil {
		return nil, classify(err)
	}

	return &stats, nil
}
