package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/unklstewy/airsync/pkg/adsb"
)

// BeaconRepository caches nearby traffic keyed by beacon id.
type BeaconRepository struct {
	db *DB
}

// NewBeaconRepository creates a new beacon repository.
func NewBeaconRepository(db *DB) *BeaconRepository {
	return &BeaconRepository{db: db}
}

// UpsertBeacons writes a merged ingestion pass in one transaction. Each
// beacon's LastSeen becomes the row's freshness timestamp.
func (r *BeaconRepository) UpsertBeacons(ctx context.Context, beacons []adsb.Beacon) error {
	if len(beacons) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin beacon upsert: %w", classify(err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO beacons (
			id, callsign, beacon_type, latitude, longitude,
			altitude_m, course_deg, ground_speed_ms, vertical_speed_ms, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			callsign = EXCLUDED.callsign,
			beacon_type = EXCLUDED.beacon_type,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			altitude_m = EXCLUDED.altitude_m,
			course_deg = EXCLUDED.course_deg,
			ground_speed_ms = EXCLUDED.ground_speed_ms,
			vertical_speed_ms = EXCLUDED.vertical_speed_ms,
			last_seen = EXCLUDED.last_seen`,
	)
	if err != nil {
		return fmt.Errorf("failed to prepare beacon upsert: %w", classify(err))
	}
	defer stmt.Close()

	for _, b := range beacons {
		_, err := stmt.ExecContext(ctx,
			b.ID, nullString(b.Callsign), nullString(b.Type), b.Latitude, b.Longitude,
			nullFloat(b.Altitude), nullFloat(b.Course), nullFloat(b.GroundSpeed), nullFloat(b.VerticalSpeed),
			b.LastSeen.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert beacon %s: %w", b.ID, classify(err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit beacon upsert: %w", classify(err))
	}
	return nil
}

// DeleteBeaconsOlderThan removes beacons last seen strictly before cutoff
// and returns how many were removed.
func (r *BeaconRepository) DeleteBeaconsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM beacons WHERE last_seen < $1`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to evict beacons: %w", classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListBeacons returns every cached beacon, freshest first.
func (r *BeaconRepository) ListBeacons(ctx context.Context) ([]adsb.Beacon, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, callsign, beacon_type, latitude, longitude,
		        altitude_m, course_deg, ground_speed_ms, vertical_speed_ms, last_seen
		 FROM beacons
		 ORDER BY last_seen DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list beacons: %w", classify(err))
	}
	defer rows.Close()

	var beacons []adsb.Beacon
	for rows.Next() {
		var (
			b                    adsb.Beacon
			callsign, beaconType sql.NullString
			alt, course, gs, vs  sql.NullFloat64
		)
		err := rows.Scan(&b.ID, &callsign, &beaconType, &b.Latitude, &b.Longitude,
			&alt, &course, &gs, &vs, &b.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("failed to scan beacon: %w", err)
		}
		b.Callsign = callsign.String
		b.Type = beaconType.String
		b.Altitude = floatPtr(alt)
		b.Course = floatPtr(course)
		b.GroundSpeed = floatPtr(gs)
		b.VerticalSpeed = floatPtr(vs)
		beacons = append(beacons, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return beacons, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
