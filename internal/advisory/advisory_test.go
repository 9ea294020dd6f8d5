package advisory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"testing"
	"time"

	geojson "github.com/paulmach/go.geojson"

	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/airspace"
	"github.com/unklstewy/airsync/pkg/airspace/airspacetest"
	"github.com/unklstewy/airsync/pkg/coordinates"
)

const secret = "advisory-test-secret"

type fakeMissions map[string]*flight.Mission

func (f fakeMissions) GetMission(ctx context.Context, id string) (*flight.Mission, error) {
	if id == "broken" {
		return nil, errors.New("mission store unavailable")
	}
	m, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("get mission: %w", db.ErrNotFound)
	}
	return m, nil
}

var osloRoute = []coordinates.Geographic{
	{Latitude: 59.91, Longitude: 10.75},
	{Latitude: 59.92, Longitude: 10.76},
	{Latitude: 59.915, Longitude: 10.78},
	{Latitude: 59.905, Longitude: 10.74},
}

func newPublisher(t *testing.T) (*Publisher, *airspacetest.Network) {
	t.Helper()
	network := airspacetest.NewNetwork(secret)
	t.Cleanup(network.Close)

	client, err := airspace.NewClient(airspace.Config{BaseURL: network.URL, Secret: secret, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	missions := fakeMissions{
		"oslo":  {ID: "oslo", Route: osloRoute},
		"empty": {ID: "empty"},
	}
	p := NewPublisher(client, missions, Config{MaxAltitudeMeters: 90}, nil)
	p.now = func() time.Time { return time.Unix(1780000000, 0) }
	return p, network
}

func session(mode flight.Mode) flight.Session {
	return flight.Session{
		PilotID:   "pilot-1",
		TenantID:  "tenant-a",
		StartedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Mode:      mode,
	}
}

func TestAdvisoryID(t *testing.T) {
	s := session(flight.ModeRouteAdvisory)
	id := AdvisoryID(s)
	if id != AdvisoryID(s) {
		t.Error("Expected advisory id to be stable")
	}

	later := s
	later.StartedAt = s.StartedAt.Add(time.Nanosecond)
	if AdvisoryID(later) == id {
		t.Error("Expected a new flight to get a new advisory id")
	}

	other := s
	other.PilotID = "pilot-2"
	if AdvisoryID(other) == id {
		t.Error("Expected different pilots to get different ids")
	}
}

func TestPublishRoute(t *testing.T) {
	p, network := newPublisher(t)
	s := session(flight.ModeRouteAdvisory)
	s.MissionID = "oslo"

	res := p.Publish(context.Background(), s)
	if res.Status != StatusPublished {
		t.Fatalf("Expected published, got %s (%v, %s)", res.Status, res.Err, res.Reason)
	}
	if res.RemoteID != "net-"+res.AdvisoryID {
		t.Errorf("Unexpected remote id %q", res.RemoteID)
	}

	got := network.Advisories()
	if len(got) != 1 {
		t.Fatalf("Expected 1 advisory, got %d", len(got))
	}
	f := got[0].Collection.Features[0]
	if !f.Geometry.IsPolygon() {
		t.Fatalf("Expected polygon, got %s", f.Geometry.Type)
	}
	ring := f.Geometry.Polygon[0]
	if len(ring) != 5 {
		t.Errorf("Expected 5-point ring, got %d", len(ring))
	}
	// [lon, lat]: the SW corner has the smallest longitude first
	if math.Abs(ring[0][0]-10.738) > 1e-9 || math.Abs(ring[0][1]-59.903) > 1e-9 {
		t.Errorf("Unexpected SW corner %v", ring[0])
	}

	checkProps(t, f, res.AdvisoryID, "pilot-1")
	if _, ok := f.Properties["max_distance"]; ok {
		t.Error("Polygons must not carry max_distance")
	}
}

func checkProps(t *testing.T, f *geojson.Feature, id, callSign string) {
	t.Helper()
	if got, _ := f.PropertyString("id"); got != id {
		t.Errorf("Expected id %s, got %s", id, got)
	}
	if got, _ := f.PropertyString("call_sign"); got != callSign {
		t.Errorf("Expected call sign %s, got %s", callSign, got)
	}
	if got, _ := f.PropertyFloat64("last_update"); got != 1780000000 {
		t.Errorf("Expected last_update 1780000000, got %v", got)
	}
	if got, _ := f.PropertyFloat64("max_altitude"); got != 90 {
		t.Errorf("Expected max_altitude 90, got %v", got)
	}
	if got, _ := f.PropertyString("remarks"); got == "" {
		t.Error("Expected remarks")
	}
}

func TestPublishRouteFallsBackToSnapshot(t *testing.T) {
	tests := []struct {
		name      string
		missionID string
	}{
		{"mission without route", "empty"},
		{"mission deleted", "gone"},
		{"no mission", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, network := newPublisher(t)
			s := session(flight.ModeRouteAdvisory)
			s.MissionID = tt.missionID
			s.Route = osloRoute[:1]

			res := p.Publish(context.Background(), s)
			if res.Status != StatusPublished {
				t.Fatalf("Expected published from snapshot, got %s (%v)", res.Status, res.Err)
			}
			ring := network.Advisories()[0].Collection.Features[0].Geometry.Polygon[0]
			if len(ring) != 5 {
				t.Errorf("Expected square ring for single point, got %d points", len(ring))
			}
		})
	}
}

func TestPublishSkips(t *testing.T) {
	tests := []struct {
		name    string
		session func() flight.Session
	}{
		{"mode none", func() flight.Session { return session(flight.ModeNone) }},
		{"route without coordinates", func() flight.Session {
			s := session(flight.ModeRouteAdvisory)
			s.MissionID = "empty"
			return s
		}},
		{"live without position", func() flight.Session { return session(flight.ModeLivePosition) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, network := newPublisher(t)
			res := p.Publish(context.Background(), tt.session())
			if res.Status != StatusSkipped {
				t.Fatalf("Expected skipped, got %s", res.Status)
			}
			if res.Reason == "" {
				t.Error("Expected a skip reason")
			}
			if len(network.Advisories()) != 0 {
				t.Error("Expected nothing sent")
			}
		})
	}
}

func TestPublishLivePosition(t *testing.T) {
	p, network := newPublisher(t)
	s := session(flight.ModeLivePosition)
	s.DisplayName = "Kari N."
	s.StartPosition = &coordinates.Geographic{Latitude: 59.91, Longitude: 10.75}

	res := p.Publish(context.Background(), s)
	if res.Status != StatusPublished {
		t.Fatalf("Expected published, got %s (%v)", res.Status, res.Err)
	}

	f := network.Advisories()[0].Collection.Features[0]
	if !f.Geometry.IsPoint() {
		t.Fatalf("Expected point, got %s", f.Geometry.Type)
	}
	if f.Geometry.Point[0] != 10.75 || f.Geometry.Point[1] != 59.91 {
		t.Errorf("Expected [lon, lat] = [10.75, 59.91], got %v", f.Geometry.Point)
	}
	if got, _ := f.PropertyFloat64("max_distance"); got != 500 {
		t.Errorf("Expected max_distance 500, got %v", got)
	}
	checkProps(t, f, res.AdvisoryID, "Kari N.")
}

func TestPublishFailures(t *testing.T) {
	t.Run("mission lookup error", func(t *testing.T) {
		p, network := newPublisher(t)
		s := session(flight.ModeRouteAdvisory)
		s.MissionID = "broken"

		res := p.Publish(context.Background(), s)
		if res.Status != StatusFailed || res.Err == nil {
			t.Fatalf("Expected failed with error, got %s %v", res.Status, res.Err)
		}
		if len(network.Advisories()) != 0 {
			t.Error("Expected nothing sent")
		}
	})

	t.Run("network rejects", func(t *testing.T) {
		p, network := newPublisher(t)
		network.SetPublish(func(a airspacetest.Advisory) int { return http.StatusBadGateway })
		s := session(flight.ModeRouteAdvisory)
		s.MissionID = "oslo"

		res := p.Publish(context.Background(), s)
		if res.Status != StatusFailed || res.Err == nil {
			t.Fatalf("Expected failed, got %s", res.Status)
		}
	})
}

func TestPublishMissionSkipsLookup(t *testing.T) {
	p, network := newPublisher(t)
	s := session(flight.ModeRouteAdvisory)
	// The lookup for this id fails, so a publish here proves none ran.
	s.MissionID = "broken"

	res := p.PublishMission(context.Background(), s, &flight.Mission{ID: "broken", Route: osloRoute})
	if res.Status != StatusPublished {
		t.Fatalf("Expected published, got %s (%v)", res.Status, res.Err)
	}
	if len(network.Advisories()) != 1 {
		t.Errorf("Expected 1 advisory, got %d", len(network.Advisories()))
	}
}

func TestMission(t *testing.T) {
	p, _ := newPublisher(t)
	tests := []struct {
		name    string
		mode    flight.Mode
		id      string
		want    bool
		wantErr bool
	}{
		{name: "route mission", mode: flight.ModeRouteAdvisory, id: "oslo", want: true},
		{name: "deleted mission", mode: flight.ModeRouteAdvisory, id: "gone"},
		{name: "lookup error", mode: flight.ModeRouteAdvisory, id: "broken", wantErr: true},
		{name: "live flight", mode: flight.ModeLivePosition, id: "oslo"},
		{name: "no mission", mode: flight.ModeRouteAdvisory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session(tt.mode)
			s.MissionID = tt.id
			m, err := p.Mission(context.Background(), s)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Mission error = %v, wantErr %v", err, tt.wantErr)
			}
			if (m != nil) != tt.want {
				t.Errorf("Expected mission %v, got %+v", tt.want, m)
			}
		})
	}
}

func TestRepeatedPublishSameID(t *testing.T) {
	p, network := newPublisher(t)
	s := session(flight.ModeRouteAdvisory)
	s.MissionID = "oslo"

	p.Publish(context.Background(), s)
	p.Publish(context.Background(), s)

	got := network.Advisories()
	if len(got) != 2 {
		t.Fatalf("Expected 2 publishes, got %d", len(got))
	}
	if got[0].ID != got[1].ID {
		t.Errorf("Expected same advisory id, got %s and %s", got[0].ID, got[1].ID)
	}
	if got[0].Headers.Nonce == got[1].Headers.Nonce || got[0].Headers.Signature == got[1].Headers.Signature {
		t.Error("Expected fresh nonce and signature per publish")
	}
}
