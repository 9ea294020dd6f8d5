package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unklstewy/airsync/internal/beacons"
	"github.com/unklstewy/airsync/pkg/coordinates"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// beaconFrame is one push over the beacon socket.
type beaconFrame struct {
	Time     time.Time              `json:"time"`
	Center   coordinates.Geographic `json:"center"`
	RadiusM  float64                `json:"radius_m"`
	Beacons  []beacons.Contact      `json:"beacons"`
	Error    string                 `json:"error,omitempty"`
	Inflight bool                   `json:"in_flight"`
}

// handleBeaconSocket pushes nearby traffic every two seconds. The area is
// re-read from the query (or the pilot's latest position) on every push so
// the view follows the aircraft.
func (s *Server) handleBeaconSocket(w http.ResponseWriter, r *http.Request) {
	// Validate before upgrading so bad requests still get a JSON error.
	if _, _, err := s.beaconArea(r); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	mgr := s.manager(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reader: handles pongs and notices the client going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := time.NewTicker(s.push)
	defer push.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	send := func() error {
		center, radius, _ := s.beaconArea(r)
		frame := beaconFrame{
			Time:     time.Now().UTC(),
			Center:   center,
			RadiusM:  radius,
			Inflight: mgr.Snapshot().Active,
		}
		qctx, qcancel := context.WithTimeout(ctx, writeWait)
		contacts, err := beacons.Nearby(qctx, s.deps.Beacons, center, radius)
		qcancel()
		if err != nil {
			frame.Error = "beacons unavailable"
		}
		frame.Beacons = contacts
		if frame.Beacons == nil {
			frame.Beacons = []beacons.Contact{}
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(frame)
	}

	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-push.C:
			if err := send(); err != nil {
				s.deps.Logger.Debug("websocket closed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
