package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/unklstewy/airsync/internal/auth"
	"github.com/unklstewy/airsync/internal/beacons"
	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/internal/scheduler"
	"github.com/unklstewy/airsync/internal/session"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
)

const beaconPushInterval = 2 * time.Second

// ServerDeps are the collaborators of the HTTP API. Scheduler, Stats and
// Health may be nil.
type ServerDeps struct {
	Auth           *auth.Service
	Pool           *session.Pool
	Feed           *session.Feed
	Beacons        beacons.Store
	Health         func(ctx context.Context) error
	Stats          func(ctx context.Context) (*db.Stats, error)
	Scheduler      *scheduler.Scheduler
	AllowedOrigins []string
	RadiusMeters   float64
	Logger         *log.Logger
}

// Server holds the HTTP router and its dependencies
type Server struct {
	router   *chi.Mux
	deps     ServerDeps
	upgrader websocket.Upgrader
	started  time.Time
	push     time.Duration
}

// NewServer builds the router.
func NewServer(deps ServerDeps) *Server {
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	if deps.RadiusMeters <= 0 {
		deps.RadiusMeters = beacons.DefaultRadiusMeters
	}
	s := &Server{
		router:  chi.NewRouter(),
		deps:    deps,
		started: time.Now(),
		push:    beaconPushInterval,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.deps.Auth.Middleware)

			r.Get("/flight", s.handleGetFlight)
			r.Post("/flight/start", s.handleStartFlight)
			r.Post("/flight/end", s.handleEndFlight)
			r.Post("/flight/position", s.handlePosition)

			r.Get("/beacons", s.handleGetBeacons)
			r.Get("/ws/beacons", s.handleBeaconSocket)

			r.Get("/system/status", s.handleSystemStatus)
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.deps.Logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(s.deps.AllowedOrigins, "*") || slices.Contains(s.deps.AllowedOrigins, origin)
}

// manager returns the caller's session manager. Auth middleware guarantees
// claims are present.
func (s *Server) manager(r *http.Request) *session.Manager {
	claims, _ := auth.FromContext(r.Context())
	return s.deps.Pool.Get(r.Context(), claims.Identity())
}

type startFlightRequest struct {
	MissionID string   `json:"mission_id,omitempty"`
	Mode      string   `json:"mode"`
	StartLat  *float64 `json:"start_lat,omitempty"`
	StartLon  *float64 `json:"start_lon,omitempty"`
	DeviceID  string   `json:"device_id,omitempty"`
}

func (s *Server) handleStartFlight(w http.ResponseWriter, r *http.Request) {
	var body startFlightRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode, err := flight.ParseMode(body.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if (body.StartLat == nil) != (body.StartLon == nil) {
		respondError(w, http.StatusBadRequest, "start_lat and start_lon must be given together")
		return
	}

	req := session.StartRequest{MissionID: body.MissionID, Mode: mode, DeviceID: body.DeviceID}
	if body.StartLat != nil {
		req.StartPosition = &coordinates.Geographic{Latitude: *body.StartLat, Longitude: *body.StartLon}
	}

	err = s.manager(r).Start(r.Context(), req)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]any{"success": true})
	case errors.Is(err, session.ErrFlightActive):
		respondJSON(w, http.StatusConflict, map[string]any{"success": false, "error": err.Error()})
	case errors.Is(err, coordinates.ErrInvalidCoordinate), errors.Is(err, flight.ErrInvalidMode):
		respondJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
	default:
		s.deps.Logger.Error("start flight failed", "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "failed to start flight"})
	}
}

func (s *Server) handleEndFlight(w http.ResponseWriter, r *http.Request) {
	err := s.manager(r).End(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, session.ErrNoFlight):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		s.deps.Logger.Error("end flight failed", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to end flight")
	}
}

func (s *Server) handleGetFlight(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.manager(r).Snapshot())
}

type positionRequest struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Altitude  float64 `json:"alt,omitempty"`
	DeviceID  string  `json:"device_id,omitempty"`
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var body positionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pos := coordinates.Geographic{Latitude: body.Latitude, Longitude: body.Longitude, Altitude: body.Altitude}
	if err := pos.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	claims, _ := auth.FromContext(r.Context())
	// Make sure the pilot's manager exists so a live flight is watching.
	s.deps.Pool.Get(r.Context(), claims.Identity())
	delivered := s.deps.Feed.Push(claims.PilotID, session.Fix{
		Position: pos,
		Time:     time.Now().UTC(),
		DeviceID: body.DeviceID,
	})
	respondJSON(w, http.StatusAccepted, map[string]any{"delivered": delivered})
}

func (s *Server) handleGetBeacons(w http.ResponseWriter, r *http.Request) {
	center, radius, err := s.beaconArea(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	contacts, err := beacons.Nearby(r.Context(), s.deps.Beacons, center, radius)
	if err != nil {
		s.deps.Logger.Error("beacon query failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "beacons unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"center":   center,
		"radius_m": radius,
		"count":    len(contacts),
		"beacons":  contacts,
	})
}

// beaconArea reads lat, lon and radius_m, defaulting the center to the
// caller's last known position.
func (s *Server) beaconArea(r *http.Request) (coordinates.Geographic, float64, error) {
	q := r.URL.Query()
	radius := s.deps.RadiusMeters
	if v := q.Get("radius_m"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			return coordinates.Geographic{}, 0, errors.New("radius_m must be a positive number")
		}
		radius = parsed
	}

	if q.Get("lat") == "" && q.Get("lon") == "" {
		pos, _ := s.manager(r).LastPosition()
		return pos, radius, nil
	}

	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		return coordinates.Geographic{}, 0, errors.New("lat and lon must both be numbers")
	}
	center := coordinates.Geographic{Latitude: lat, Longitude: lon}
	if err := center.Validate(); err != nil {
		return coordinates.Geographic{}, 0, err
	}
	return center, radius, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}

	dbStatus := "ok"
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			dbStatus = err.Error()
		}
	}
	status["database"] = dbStatus

	if s.deps.Stats != nil && dbStatus == "ok" {
		if stats, err := s.deps.Stats(r.Context()); err == nil {
			status["stats"] = stats
		}
	}
	if s.deps.Scheduler != nil {
		status["last_tick"] = s.deps.Scheduler.LastReport()
	}
	respondJSON(w, http.StatusOK, status)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
