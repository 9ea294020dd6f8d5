package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	geojson "github.com/paulmach/go.geojson"

	"github.com/unklstewy/airsync/internal/app"
	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
)

// Mission Importer
// Loads missions from a GeoJSON FeatureCollection into the missions table.
//
// Each feature is one mission:
//   - LineString: the planned route, in flight order
//   - Point:      a single-location mission
//   - Polygon:    the outer ring is used as the route
//
// Properties: "id" (required), "tenant_id" (required unless -tenant is
// given), "name" (optional).
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	file := flag.String("file", "data/missions.geojson", "GeoJSON file with missions")
	tenant := flag.String("tenant", "", "Tenant id for features without one")
	dryRun := flag.Bool("dry-run", false, "Parse and validate only")
	flag.Parse()

	fmt.Println("===========================================")
	fmt.Println("  Mission Importer")
	fmt.Println("===========================================")

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", *file, err)
		os.Exit(1)
	}

	missions, problems := parseMissions(data, *tenant)
	for _, p := range problems {
		fmt.Printf("  ⚠ %v\n", p)
	}
	fmt.Printf("✓ Parsed %d missions from %s\n", len(missions), *file)
	if *dryRun || len(missions) == 0 {
		return
	}

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger := log.New("import-missions", cfg.Logging)

	ctx := context.Background()
	fmt.Println("Connecting to database...")
	database, err := app.Database(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()
	fmt.Println("✓ Database connected")

	repo := db.NewMissionRepository(database)
	saved := 0
	for _, m := range missions {
		err := db.WithRetry(ctx, 3, func() error {
			return repo.SaveMission(ctx, m)
		})
		if err != nil {
			fmt.Printf("  ✗ %s: %v\n", m.ID, err)
			logger.Error("mission import failed", "mission", m.ID, "error", err)
			continue
		}
		saved++
	}

	fmt.Println("\n===========================================")
	fmt.Println("Import Complete")
	fmt.Println("===========================================")
	fmt.Printf("Missions saved: %d of %d\n", saved, len(missions))
	if len(problems) > 0 {
		fmt.Printf("Features skipped: %d\n", len(problems))
	}
}

// parseMissions converts features into missions. Features that cannot be
// used are reported and skipped.
func parseMissions(data []byte, defaultTenant string) ([]flight.Mission, []error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, []error{fmt.Errorf("invalid feature collection: %w", err)}
	}

	var (
		missions []flight.Mission
		problems []error
		seen     = make(map[string]bool)
	)
	for i, f := range fc.Features {
		m, err := featureMission(f, defaultTenant)
		if err != nil {
			problems = append(problems, fmt.Errorf("feature %d: %w", i, err))
			continue
		}
		if seen[m.ID] {
			problems = append(problems, fmt.Errorf("feature %d: duplicate mission id %q", i, m.ID))
			continue
		}
		seen[m.ID] = true
		missions = append(missions, m)
	}
	return missions, problems
}

func featureMission(f *geojson.Feature, defaultTenant string) (flight.Mission, error) {
	id := strings.TrimSpace(f.PropertyMustString("id", ""))
	if id == "" {
		return flight.Mission{}, errors.New("missing id property")
	}
	m := flight.Mission{
		ID:       id,
		TenantID: f.PropertyMustString("tenant_id", defaultTenant),
		Name:     f.PropertyMustString("name", ""),
	}
	if m.TenantID == "" {
		return flight.Mission{}, fmt.Errorf("mission %s: missing tenant_id", id)
	}
	if f.Geometry == nil {
		return flight.Mission{}, fmt.Errorf("mission %s: no geometry", id)
	}

	var err error
	switch {
	case f.Geometry.IsPoint():
		var p coordinates.Geographic
		if p, err = position(f.Geometry.Point); err == nil {
			m.Location = &p
		}
	case f.Geometry.IsLineString():
		m.Route, err = positions(f.Geometry.LineString)
	case f.Geometry.IsPolygon() && len(f.Geometry.Polygon) > 0:
		m.Route, err = positions(f.Geometry.Polygon[0])
	default:
		err = fmt.Errorf("unsupported geometry %s", f.Geometry.Type)
	}
	if err != nil {
		return flight.Mission{}, fmt.Errorf("mission %s: %w", id, err)
	}
	return m, nil
}

// position reads a GeoJSON [lon, lat, alt?] position.
func position(p []float64) (coordinates.Geographic, error) {
	if len(p) < 2 {
		return coordinates.Geographic{}, errors.New("position needs longitude and latitude")
	}
	g := coordinates.Geographic{Latitude: p[1], Longitude: p[0]}
	if len(p) > 2 {
		g.Altitude = p[2]
	}
	return g, g.Validate()
}

func positions(ps [][]float64) ([]coordinates.Geographic, error) {
	if len(ps) == 0 {
		return nil, errors.New("empty route")
	}
	route := make([]coordinates.Geographic, 0, len(ps))
	for _, p := range ps {
		g, err := position(p)
		if err != nil {
			return nil, err
		}
		route = append(route, g)
	}
	return route, nil
}
