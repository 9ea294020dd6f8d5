package db

import (
	"context"
	"fmt"
	"time"

	"github.com/unklstewy/airsync/pkg/config"
	"github.com/unklstewy/airsync/pkg/log"
)

// ReconnectWithRetry connects to the database with exponential backoff.
// This provides resilience against temporary database outages at startup.
//
// Parameters:
//   - maxRetries: Maximum number of connection attempts (0 = until ctx is done)
//   - initialDelay: Initial wait time between attempts, doubled up to 60s
func ReconnectWithRetry(ctx context.Context, cfg config.DatabaseConfig, maxRetries int, initialDelay time.Duration, logger *log.Logger) (*DB, error) {
	delay := initialDelay
	attempt := 0

	for {
		attempt++
		logger.Info("database connection attempt", "attempt", attempt)

		db, err := Connect(ctx, cfg)
		if err == nil {
			logger.Info("database connected", "host", cfg.Host, "database", cfg.Database)
			return db, nil
		}

		if maxRetries > 0 && attempt >= maxRetries {
			return nil, fmt.Errorf("failed to connect after %d attempts: %w", attempt, err)
		}

		logger.Warn("database connection failed", "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > 60*time.Second {
			delay = 60 * time.Second
		}
	}
}

// HealthCheck verifies the database answers a trivial query.
// A nil error means the store is ready for operations.
func HealthCheck(ctx context.Context, db *DB) error {
	if db == nil {
		return ErrOffline
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check query: %w", classify(err))
	}
	if result != 1 {
		return fmt.Errorf("health check: unexpected result %d", result)
	}
	return nil
}

// WithRetry executes a database operation, retrying only when it fails
// because the database is unreachable. Any other error is returned at once.
func WithRetry(ctx context.Context, maxRetries int, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsConnectionError(err) {
			return err
		}

		if attempt < maxRetries {
			wait := time.Duration(attempt+1) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", lastErr, ctx.Err())
			case <-time.After(wait):
			}
		}
	}

	return lastErr
}
