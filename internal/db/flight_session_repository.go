package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/coordinates"
)

// FlightSessionRepository stores one row per airborne pilot.
type FlightSessionRepository struct {
	db *DB
}

// NewFlightSessionRepository creates a new flight session repository.
func NewFlightSessionRepository(db *DB) *FlightSessionRepository {
	return &FlightSessionRepository{db: db}
}

const flightSessionColumns = `pilot_id, tenant_id, started_at, mission_id, mode, route,
	start_latitude, start_longitude, device_id, display_name`

// CreateFlightSession inserts a session. A second session for the same
// pilot fails with ErrDuplicate; an unreachable store fails with ErrOffline.
func (r *FlightSessionRepository) CreateFlightSession(ctx context.Context, s flight.Session) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid flight session: %w", err)
	}

	route, err := encodeRoute(s.Route)
	if err != nil {
		return err
	}

	var startLat, startLon sql.NullFloat64
	if s.StartPosition != nil {
		startLat = sql.NullFloat64{Float64: s.StartPosition.Latitude, Valid: true}
		startLon = sql.NullFloat64{Float64: s.StartPosition.Longitude, Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO flight_sessions (`+flightSessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.PilotID, s.TenantID, s.StartedAt.UTC(), nullString(s.MissionID), string(s.Mode), route,
		startLat, startLon, nullString(s.DeviceID), nullString(s.DisplayName),
	)
	if err != nil {
		return fmt.Errorf("failed to create flight session: %w", classify(err))
	}
	return nil
}

// GetFlightSession returns the pilot's session or ErrNotFound.
func (r *FlightSessionRepository) GetFlightSession(ctx context.Context, pilotID string) (*flight.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+flightSessionColumns+` FROM flight_sessions WHERE pilot_id = $1`,
		pilotID,
	)
	s, err := scanFlightSession(row)
	if err != nil {
		return nil, fmt.Errorf("failed to get flight session: %w", classify(err))
	}
	return s, nil
}

// DeleteFlightSession removes the pilot's session. Deleting a session that
// does not exist is not an error.
func (r *FlightSessionRepository) DeleteFlightSession(ctx context.Context, pilotID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM flight_sessions WHERE pilot_id = $1`,
		pilotID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete flight session: %w", classify(err))
	}
	return nil
}

// ListActiveFlightSessions returns every airborne flight, oldest first.
func (r *FlightSessionRepository) ListActiveFlightSessions(ctx context.Context) ([]flight.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+flightSessionColumns+` FROM flight_sessions ORDER BY started_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list flight sessions: %w", classify(err))
	}
	defer rows.Close()

	var sessions []flight.Session
	for rows.Next() {
		s, err := scanFlightSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flight session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlightSession(row rowScanner) (*flight.Session, error) {
	var (
		s                     flight.Session
		mode                  string
		missionID             sql.NullString
		route                 []byte
		startLat, startLon    sql.NullFloat64
		deviceID, displayName sql.NullString
		startedAt             time.Time
	)
	err := row.Scan(&s.PilotID, &s.TenantID, &startedAt, &missionID, &mode, &route,
		&startLat, &startLon, &deviceID, &displayName)
	if err != nil {
		return nil, err
	}

	s.StartedAt = startedAt.UTC()
	s.MissionID = missionID.String
	s.Mode = flight.Mode(mode)
	s.DeviceID = deviceID.String
	s.DisplayName = displayName.String
	if startLat.Valid && startLon.Valid {
		s.StartPosition = &coordinates.Geographic{Latitude: startLat.Float64, Longitude: startLon.Float64}
	}
	if s.Route, err = decodeRoute(route); err != nil {
		return nil, err
	}
	return &s, nil
}

// encodeRoute stores routes as a JSONB array of {lat, lon, alt} objects.
// Empty routes are stored as NULL.
func encodeRoute(route []coordinates.Geographic) (any, error) {
	if len(route) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(route)
	if err != nil {
		return nil, fmt.Errorf("failed to encode route: %w", err)
	}
	return string(data), nil
}

func decodeRoute(data []byte) ([]coordinates.Geographic, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var route []coordinates.Geographic
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, fmt.Errorf("failed to decode route: %w", err)
	}
	return route, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
