package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/coordinates"
)

// MissionRepository reads missions owned by the operations application.
type MissionRepository struct {
	db *DB
}

// NewMissionRepository creates a new mission repository.
func NewMissionRepository(db *DB) *MissionRepository {
	return &MissionRepository{db: db}
}

// GetMission returns the mission or ErrNotFound.
func (r *MissionRepository) GetMission(ctx context.Context, id string) (*flight.Mission, error) {
	var (
		m        flight.Mission
		name     sql.NullString
		route    []byte
		lat, lon sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, route, latitude, longitude
		 FROM missions WHERE id = $1`,
		id,
	).Scan(&m.ID, &m.TenantID, &name, &route, &lat, &lon)
	if err != nil {
		return nil, fmt.Errorf("failed to get mission %s: %w", id, classify(err))
	}

	m.Name = name.String
	if lat.Valid && lon.Valid {
		m.Location = &coordinates.Geographic{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if m.Route, err = decodeRoute(route); err != nil {
		return nil, fmt.Errorf("mission %s: %w", id, err)
	}
	return &m, nil
}

// SaveMission inserts or replaces a mission. The service never edits
// missions; this exists for fixtures and the seed tool.
func (r *MissionRepository) SaveMission(ctx context.Context, m flight.Mission) error {
	route, err := encodeRoute(m.Route)
	if err != nil {
		return err
	}
	var lat, lon sql.NullFloat64
	if m.Location != nil {
		lat = sql.NullFloat64{Float64: m.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: m.Location.Longitude, Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO missions (id, tenant_id, name, route, latitude, longitude, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			route = EXCLUDED.route,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			updated_at = NOW()`,
		m.ID, m.TenantID, nullString(m.Name), route, lat, lon,
	)
	if err != nil {
		return fmt.Errorf("failed to save mission %s: %w", m.ID, classify(err))
	}
	return nil
}
