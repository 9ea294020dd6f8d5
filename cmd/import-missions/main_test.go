package main

import (
	"errors"
	"testing"

	"github.com/unklstewy/airsync/pkg/coordinates"
)

const missionsJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "properties": {"id": "m-route", "tenant_id": "t1", "name": "Harbour survey"},
     "geometry": {"type": "LineString", "coordinates": [[10.75, 59.90], [10.76, 59.91, 80]]}},
    {"type": "Feature", "properties": {"id": "m-point"},
     "geometry": {"type": "Point", "coordinates": [10.70, 59.95]}},
    {"type": "Feature", "properties": {"id": "m-area", "tenant_id": "t2"},
     "geometry": {"type": "Polygon", "coordinates": [[[10, 59], [11, 59], [11, 60], [10, 59]]]}},
    {"type": "Feature", "properties": {"name": "no id"},
     "geometry": {"type": "Point", "coordinates": [10, 59]}},
    {"type": "Feature", "properties": {"id": "m-bad"},
     "geometry": {"type": "Point", "coordinates": [10, 95]}},
    {"type": "Feature", "properties": {"id": "m-route"},
     "geometry": {"type": "Point", "coordinates": [10, 59]}}
  ]
}`

func TestParseMissions(t *testing.T) {
	missions, problems := parseMissions([]byte(missionsJSON), "default-tenant")

	if len(missions) != 3 {
		t.Fatalf("Expected 3 missions, got %d (%v)", len(missions), problems)
	}
	if len(problems) != 3 {
		t.Errorf("Expected 3 skipped features, got %d: %v", len(problems), problems)
	}

	route := missions[0]
	if route.ID != "m-route" || route.TenantID != "t1" || route.Name != "Harbour survey" {
		t.Errorf("Unexpected route mission %+v", route)
	}
	want := []coordinates.Geographic{
		{Latitude: 59.90, Longitude: 10.75},
		{Latitude: 59.91, Longitude: 10.76, Altitude: 80},
	}
	if len(route.Route) != 2 || route.Route[0] != want[0] || route.Route[1] != want[1] {
		t.Errorf("Expected [lon, lat] order to be swapped, got %+v", route.Route)
	}

	point := missions[1]
	if point.TenantID != "default-tenant" {
		t.Errorf("Expected default tenant, got %q", point.TenantID)
	}
	if point.Location == nil || point.Location.Latitude != 59.95 || len(point.Route) != 0 {
		t.Errorf("Unexpected point mission %+v", point)
	}

	if len(missions[2].Route) != 4 {
		t.Errorf("Expected polygon ring as route, got %d points", len(missions[2].Route))
	}

	var invalid int
	for _, p := range problems {
		if errors.Is(p, coordinates.ErrInvalidCoordinate) {
			invalid++
		}
	}
	if invalid != 1 {
		t.Errorf("Expected one invalid coordinate problem, got %d", invalid)
	}
}

func TestParseMissionsRequiresTenant(t *testing.T) {
	missions, problems := parseMissions([]byte(missionsJSON), "")
	if len(missions) != 2 {
		t.Errorf("Expected the untenanted point to be skipped, got %d missions", len(missions))
	}
	if len(problems) != 4 {
		t.Errorf("Expected 4 problems, got %d", len(problems))
	}
}

func TestParseMissionsInvalidJSON(t *testing.T) {
	missions, problems := parseMissions([]byte("{"), "t")
	if missions != nil || len(problems) != 1 {
		t.Errorf("Expected a single parse problem, got %v %v", missions, problems)
	}
}
