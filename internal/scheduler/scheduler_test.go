package scheduler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/unklstewy/airsync/internal/advisory"
	"github.com/unklstewy/airsync/internal/beacons"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/adsb"
	"github.com/unklstewy/airsync/pkg/airspace"
	"github.com/unklstewy/airsync/pkg/airspace/airspacetest"
	"github.com/unklstewy/airsync/pkg/coordinates"
)

const secret = "scheduler-test-secret"

type staticRegistry struct {
	flights []flight.Session
	err     error
}

func (r staticRegistry) ActiveFlights(ctx context.Context) ([]flight.Session, error) {
	return r.flights, r.err
}

type missionMap map[string]*flight.Mission

func (m missionMap) GetMission(ctx context.Context, id string) (*flight.Mission, error) {
	return m[id], nil
}

// countingMissions counts lookups per mission id.
type countingMissions struct {
	mu       sync.Mutex
	missions missionMap
	err      error
	calls    map[string]int
}

func (c *countingMissions) GetMission(ctx context.Context, id string) (*flight.Mission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[id]++
	if c.err != nil {
		return nil, c.err
	}
	return c.missions[id], nil
}

var start = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func routeFlight(pilot string) flight.Session {
	return flight.Session{
		PilotID:   pilot,
		StartedAt: start,
		Mode:      flight.ModeRouteAdvisory,
		MissionID: "oslo",
	}
}

func liveFlight(pilot string, lat float64) flight.Session {
	return flight.Session{
		PilotID:       pilot,
		StartedAt:     start,
		Mode:          flight.ModeLivePosition,
		StartPosition: &coordinates.Geographic{Latitude: lat, Longitude: 10.7},
	}
}

type harness struct {
	network *airspacetest.Network
	store   *beacons.MemoryStore
	sched   *Scheduler
}

func newHarness(t *testing.T, registry FlightRegistry) *harness {
	t.Helper()
	network := airspacetest.NewNetwork(secret)
	t.Cleanup(network.Close)

	retry := adsb.DefaultRetryConfig()
	retry.MaxRetries = 0
	client, err := airspace.NewClient(airspace.Config{BaseURL: network.URL, Secret: secret, Retry: &retry})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	missions := missionMap{"oslo": {ID: "oslo", Route: []coordinates.Geographic{
		{Latitude: 59.91, Longitude: 10.75},
		{Latitude: 59.92, Longitude: 10.76},
	}}}
	store := beacons.NewMemoryStore()
	pub := advisory.NewPublisher(client, missions, advisory.Config{}, nil)
	ing := beacons.NewIngestor(client, store, beacons.Config{}, nil)

	sched := New(registry, pub, ing, missions, Config{CallTimeout: 2 * time.Second}, nil)
	return &harness{network: network, store: store, sched: sched}
}

func TestTwoTicksSameAdvisoryID(t *testing.T) {
	h := newHarness(t, staticRegistry{flights: []flight.Session{routeFlight("pilot-1")}})

	first := h.sched.Tick(context.Background())
	second := h.sched.Tick(context.Background())

	if first.Published != 1 || second.Published != 1 {
		t.Fatalf("Expected one publish per tick, got %d and %d", first.Published, second.Published)
	}

	got := h.network.Advisories()
	if len(got) != 2 {
		t.Fatalf("Expected 2 signed POSTs, got %d", len(got))
	}
	if got[0].ID != got[1].ID {
		t.Errorf("Expected the same advisory id, got %s and %s", got[0].ID, got[1].ID)
	}
	if got[0].ID != advisory.AdvisoryID(routeFlight("pilot-1")) {
		t.Errorf("Unexpected advisory id %s", got[0].ID)
	}
	if got[0].Headers.Nonce == got[1].Headers.Nonce {
		t.Error("Expected a fresh nonce per request")
	}
	if h.network.Rejected() != 0 {
		t.Errorf("Expected every request to verify, %d rejected", h.network.Rejected())
	}
}

func TestTickFailureIsolation(t *testing.T) {
	flights := []flight.Session{
		liveFlight("good-1", 59.1),
		liveFlight("bad", 59.2),
		liveFlight("good-2", 59.3),
	}
	h := newHarness(t, staticRegistry{flights: flights})

	h.network.SetPublish(func(a airspacetest.Advisory) int {
		if cs, _ := a.Collection.Features[0].PropertyString("call_sign"); cs == "bad" {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	})
	h.network.SetBeacons(func(q airspacetest.BeaconQuery) ([]airspace.BeaconRecord, int) {
		if q.Latitude == 59.2 {
			return nil, http.StatusServiceUnavailable
		}
		return []airspace.BeaconRecord{{ID: "X123", Latitude: q.Latitude + 0.01, Longitude: 10.7}}, http.StatusOK
	})

	// A beacon far past its TTL must still be evicted this cycle
	h.store.UpsertBeacons(context.Background(), []adsb.Beacon{
		{ID: "ancient", LastSeen: time.Now().Add(-time.Hour)},
	})

	report := h.sched.Tick(context.Background())

	if report.Published != 2 || report.Failed != 1 {
		t.Errorf("Expected 2 published and 1 failed, got %+v", report)
	}
	if report.BeaconQueries != 3 || report.BeaconFailed != 1 {
		t.Errorf("Expected 3 queries with 1 failure, got %+v", report)
	}
	if report.BeaconsStored != 1 {
		t.Errorf("Expected X123 merged into one row, got %d", report.BeaconsStored)
	}
	if report.Evicted != 1 {
		t.Errorf("Expected eviction to run, got %d evicted", report.Evicted)
	}
	if _, ok := h.store.Get("ancient"); ok {
		t.Error("Expected ancient beacon to be evicted")
	}
}

func TestTickRegistryErrorStillEvicts(t *testing.T) {
	h := newHarness(t, staticRegistry{err: errors.New("database unreachable")})
	h.store.UpsertBeacons(context.Background(), []adsb.Beacon{
		{ID: "ancient", LastSeen: time.Now().Add(-time.Hour)},
	})

	report := h.sched.Tick(context.Background())
	if len(report.Errors) == 0 {
		t.Error("Expected registry error in report")
	}
	if report.Evicted != 1 {
		t.Errorf("Expected eviction despite registry failure, got %d", report.Evicted)
	}
	if h.sched.LastReport() == nil {
		t.Error("Expected last report to be recorded")
	}
}

type hungBeaconStore struct{ *beacons.MemoryStore }

func (hungBeaconStore) UpsertBeacons(ctx context.Context, bs []adsb.Beacon) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTickBoundedByStoreTimeout(t *testing.T) {
	h := newHarness(t, staticRegistry{flights: []flight.Session{liveFlight("pilot-1", 59.1)}})
	h.network.SetBeacons(func(q airspacetest.BeaconQuery) ([]airspace.BeaconRecord, int) {
		return []airspace.BeaconRecord{{ID: "X123", Latitude: q.Latitude, Longitude: 10.7}}, http.StatusOK
	})

	retry := adsb.DefaultRetryConfig()
	retry.MaxRetries = 0
	client, err := airspace.NewClient(airspace.Config{BaseURL: h.network.URL, Secret: secret, Retry: &retry})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	store := hungBeaconStore{beacons.NewMemoryStore()}
	store.MemoryStore.UpsertBeacons(context.Background(), []adsb.Beacon{
		{ID: "ancient", LastSeen: time.Now().Add(-time.Hour)},
	})
	ing := beacons.NewIngestor(client, store, beacons.Config{CallTimeout: 100 * time.Millisecond}, nil)
	sched := New(staticRegistry{flights: []flight.Session{liveFlight("pilot-1", 59.1)}},
		advisory.NewPublisher(client, missionMap{}, advisory.Config{}, nil), ing, missionMap{},
		Config{CallTimeout: 100 * time.Millisecond}, nil)

	done := make(chan TickReport, 1)
	go func() { done <- sched.Tick(context.Background()) }()

	select {
	case report := <-done:
		if len(report.Errors) == 0 {
			t.Error("Expected the store timeout in the report")
		}
		if report.Evicted != 1 {
			t.Errorf("Expected eviction after the failed write, got %d", report.Evicted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tick blocked on a hung beacon store")
	}
}

func TestTickSkipsUnadvertisedFlights(t *testing.T) {
	none := flight.Session{PilotID: "quiet", StartedAt: start, Mode: flight.ModeNone,
		StartPosition: &coordinates.Geographic{Latitude: 1, Longitude: 1}}
	liveNoPos := flight.Session{PilotID: "lost", StartedAt: start, Mode: flight.ModeLivePosition}

	h := newHarness(t, staticRegistry{flights: []flight.Session{none, liveNoPos}})
	report := h.sched.Tick(context.Background())

	if report.Published+report.Failed+report.Skipped != 0 {
		t.Errorf("Expected no publish attempts, got %+v", report)
	}
	if report.BeaconQueries != 0 {
		t.Errorf("Expected no beacon queries, got %d", report.BeaconQueries)
	}
	if len(h.network.Advisories()) != 0 || len(h.network.Queries()) != 0 {
		t.Error("Expected no network traffic")
	}
}

// orderRecorder checks that ingestion starts only after every publish ended.
type orderRecorder struct {
	mu          sync.Mutex
	inFlight    int
	published   int
	ingestEarly bool
	panicFor    string
}

func (o *orderRecorder) PublishMission(ctx context.Context, s flight.Session, m *flight.Mission) advisory.Result {
	if s.PilotID == o.panicFor {
		panic("publisher bug")
	}
	o.mu.Lock()
	o.inFlight++
	o.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	o.mu.Lock()
	o.inFlight--
	o.published++
	o.mu.Unlock()
	return advisory.Result{PilotID: s.PilotID, Status: advisory.StatusPublished}
}

func (o *orderRecorder) Ingest(ctx context.Context, q []beacons.Query) beacons.PassReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight != 0 {
		o.ingestEarly = true
	}
	return beacons.PassReport{Queries: len(q)}
}

func (o *orderRecorder) Evict(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func TestPublishBeforeIngest(t *testing.T) {
	var flights []flight.Session
	for i := 0; i < 20; i++ {
		flights = append(flights, liveFlight(string(rune('a'+i)), 50+float64(i)/10))
	}
	rec := &orderRecorder{}
	sched := New(staticRegistry{flights: flights}, rec, rec, nil, Config{MaxConcurrency: 4}, nil)

	report := sched.Tick(context.Background())
	if rec.ingestEarly {
		t.Error("Ingestion started while publishes were in flight")
	}
	if rec.published != 20 || report.Published != 20 {
		t.Errorf("Expected 20 publishes, got %d/%d", rec.published, report.Published)
	}
	if report.BeaconQueries != 20 {
		t.Errorf("Expected 20 beacon queries, got %d", report.BeaconQueries)
	}
}

func TestPublishPanicRecovered(t *testing.T) {
	flights := []flight.Session{liveFlight("ok", 50), liveFlight("boom", 51)}
	rec := &orderRecorder{panicFor: "boom"}
	sched := New(staticRegistry{flights: flights}, rec, rec, nil, Config{}, nil)

	report := sched.Tick(context.Background())
	if report.Published != 1 || report.Failed != 1 {
		t.Errorf("Expected 1 published and 1 failed, got %+v", report)
	}
}

func TestMissionLookedUpOncePerTick(t *testing.T) {
	h := newHarness(t, nil)
	missions := &countingMissions{missions: missionMap{"oslo": {ID: "oslo", Route: []coordinates.Geographic{
		{Latitude: 59.91, Longitude: 10.75},
		{Latitude: 59.92, Longitude: 10.76},
	}}}}
	client, err := airspace.NewClient(airspace.Config{BaseURL: h.network.URL, Secret: secret})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	flights := []flight.Session{routeFlight("pilot-1"), routeFlight("pilot-2")}
	sched := New(staticRegistry{flights: flights},
		advisory.NewPublisher(client, missions, advisory.Config{}, nil),
		beacons.NewIngestor(client, beacons.NewMemoryStore(), beacons.Config{}, nil),
		missions, Config{}, nil)

	report := sched.Tick(context.Background())
	if report.Published != 2 {
		t.Fatalf("Expected 2 published, got %+v", report)
	}
	if missions.calls["oslo"] != 1 {
		t.Errorf("Expected one mission lookup for the tick, got %d", missions.calls["oslo"])
	}
	if report.BeaconQueries != 2 {
		t.Errorf("Expected 2 beacon queries from the mission route, got %d", report.BeaconQueries)
	}
}

func TestMissionLookupFailureFailsPublish(t *testing.T) {
	missions := &countingMissions{err: errors.New("mission store unavailable")}
	rec := &orderRecorder{}
	live := liveFlight("live", 59.1)
	live.MissionID = "oslo"
	sched := New(staticRegistry{flights: []flight.Session{routeFlight("pilot-1"), live}},
		rec, rec, missions, Config{}, nil)

	report := sched.Tick(context.Background())
	if report.Failed != 1 || report.Published != 1 {
		t.Errorf("Expected the route flight failed and the live flight published, got %+v", report)
	}
	if rec.published != 1 {
		t.Errorf("Expected publisher called once, got %d", rec.published)
	}
}

func TestQueryLocation(t *testing.T) {
	routePt := coordinates.Geographic{Latitude: 1, Longitude: 1}
	snapPt := coordinates.Geographic{Latitude: 2, Longitude: 2}
	missionLoc := coordinates.Geographic{Latitude: 3, Longitude: 3}
	startPt := coordinates.Geographic{Latitude: 4, Longitude: 4}

	tests := []struct {
		name    string
		flight  flight.Session
		mission *flight.Mission
		want    coordinates.Geographic
		ok      bool
	}{
		{"mission route first", flight.Session{Route: []coordinates.Geographic{snapPt}, StartPosition: &startPt},
			&flight.Mission{Route: []coordinates.Geographic{routePt}, Location: &missionLoc}, routePt, true},
		{"snapshot route", flight.Session{Route: []coordinates.Geographic{snapPt}, StartPosition: &startPt},
			&flight.Mission{Location: &missionLoc}, snapPt, true},
		{"mission location", flight.Session{StartPosition: &startPt},
			&flight.Mission{Location: &missionLoc}, missionLoc, true},
		{"start position", flight.Session{StartPosition: &startPt}, nil, startPt, true},
		{"nothing", flight.Session{}, nil, coordinates.Geographic{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := QueryLocation(tt.flight, tt.mission)
			if ok != tt.ok || got != tt.want {
				t.Errorf("QueryLocation = %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRunTicksImmediatelyAndStops(t *testing.T) {
	rec := &orderRecorder{}
	sched := New(staticRegistry{flights: []flight.Session{liveFlight("a", 50)}}, rec, rec, nil,
		Config{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sched.LastReport() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sched.LastReport() == nil {
		t.Fatal("Expected an immediate first tick")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
