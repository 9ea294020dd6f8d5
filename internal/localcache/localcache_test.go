package localcache

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/coordinates"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache", "airsync.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(pilot string) flight.Session {
	return flight.Session{
		PilotID:       pilot,
		TenantID:      "tenant-a",
		StartedAt:     time.Date(2026, 5, 1, 10, 0, 0, 123000000, time.UTC),
		MissionID:     "mission-1",
		Mode:          flight.ModeLivePosition,
		Route:         []coordinates.Geographic{{Latitude: 59.9, Longitude: 10.7}},
		StartPosition: &coordinates.Geographic{Latitude: 59.91, Longitude: 10.75},
		DisplayName:   "Kari",
	}
}

func TestMirrorRoundTrip(t *testing.T) {
	store := openStore(t)
	m := store.Mirror("pilot-1")

	got, err := m.Load()
	if err != nil || got != nil {
		t.Fatalf("Expected empty mirror, got %v, %v", got, err)
	}

	want := testSession("pilot-1")
	if err := m.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err = m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("Expected mirrored session")
	}
	if !got.StartedAt.Equal(want.StartedAt) || got.MissionID != want.MissionID || got.Mode != want.Mode {
		t.Errorf("Mirror mismatch: got %+v", got)
	}
	if got.StartPosition == nil || *got.StartPosition != *want.StartPosition {
		t.Errorf("Start position not preserved: %v", got.StartPosition)
	}
	if got.DisplayName != "Kari" || len(got.Route) != 1 {
		t.Errorf("Display fields not preserved: %+v", got)
	}
}

func TestMirrorNamespacedPerPilot(t *testing.T) {
	store := openStore(t)

	if err := store.Mirror("pilot-1").Save(testSession("pilot-1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	other, err := store.Mirror("pilot-2").Load()
	if err != nil || other != nil {
		t.Errorf("Expected nothing for another pilot, got %v, %v", other, err)
	}

	err = store.Mirror("pilot-2").Save(testSession("pilot-1"))
	if !errors.Is(err, ErrWrongPilot) {
		t.Errorf("Expected ErrWrongPilot, got %v", err)
	}
}

func TestMirrorClear(t *testing.T) {
	store := openStore(t)
	m := store.Mirror("pilot-1")

	// Clearing an empty mirror is fine
	if err := m.Clear(); err != nil {
		t.Fatalf("Clear on empty mirror: %v", err)
	}
	if err := m.Save(testSession("pilot-1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if got, _ := m.Load(); got != nil {
		t.Errorf("Expected cleared mirror, got %+v", got)
	}
}

func TestMirrorSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "airsync.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Mirror("pilot-1").Save(testSession("pilot-1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer store.Close()
	if got, _ := store.Mirror("pilot-1").Load(); got == nil {
		t.Error("Expected mirror to survive reopen")
	}
}

// fakeWriter records replayed writes and fails on demand.
type fakeWriter struct {
	created []string
	deleted []string
	failOn  map[string]error
}

func (f *fakeWriter) CreateFlightSession(ctx context.Context, s flight.Session) error {
	if err := f.failOn["create:"+s.PilotID]; err != nil {
		return err
	}
	f.created = append(f.created, s.PilotID)
	return nil
}

func (f *fakeWriter) DeleteFlightSession(ctx context.Context, pilotID string) error {
	if err := f.failOn["delete:"+pilotID]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, pilotID)
	return nil
}

func TestOutboxOrderAndReplay(t *testing.T) {
	store := openStore(t)
	outbox := store.Outbox()

	if err := outbox.EnqueueStart(testSession("pilot-1")); err != nil {
		t.Fatalf("EnqueueStart: %v", err)
	}
	if err := outbox.EnqueueEnd("pilot-2"); err != nil {
		t.Fatalf("EnqueueEnd: %v", err)
	}
	if err := outbox.EnqueueStart(testSession("pilot-3")); err != nil {
		t.Fatalf("EnqueueStart: %v", err)
	}

	entries, err := outbox.Pending("")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq <= entries[i-1].Seq {
			t.Errorf("Entries out of order: %d after %d", entries[i].Seq, entries[i-1].Seq)
		}
	}

	w := &fakeWriter{}
	n, err := outbox.Replay(context.Background(), w, "", nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 replayed, got %d", n)
	}
	if fmt.Sprint(w.created) != "[pilot-1 pilot-3]" || fmt.Sprint(w.deleted) != "[pilot-2]" {
		t.Errorf("Unexpected replay: created %v deleted %v", w.created, w.deleted)
	}
	if l, _ := outbox.Len(); l != 0 {
		t.Errorf("Expected empty outbox, got %d", l)
	}
}

func TestOutboxReplayStopsWhileOffline(t *testing.T) {
	store := openStore(t)
	outbox := store.Outbox()
	outbox.EnqueueStart(testSession("pilot-1"))
	outbox.EnqueueStart(testSession("pilot-2"))

	w := &fakeWriter{failOn: map[string]error{
		"create:pilot-1": fmt.Errorf("%w: %w", db.ErrOffline, driver.ErrBadConn),
	}}
	n, err := outbox.Replay(context.Background(), w, "", nil)
	if !errors.Is(err, db.ErrOffline) {
		t.Fatalf("Expected offline error, got %v", err)
	}
	if n != 0 || len(w.created) != 0 {
		t.Errorf("Expected nothing replayed past the offline entry, got %d %v", n, w.created)
	}
	if l, _ := outbox.Len(); l != 2 {
		t.Errorf("Expected both entries kept, got %d", l)
	}
}

func TestOutboxReplayDropsRejectedEntries(t *testing.T) {
	store := openStore(t)
	outbox := store.Outbox()
	outbox.EnqueueStart(testSession("pilot-1"))
	outbox.EnqueueStart(testSession("pilot-2"))

	w := &fakeWriter{failOn: map[string]error{
		"create:pilot-1": db.ErrDuplicate,
	}}
	n, err := outbox.Replay(context.Background(), w, "", nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 1 || fmt.Sprint(w.created) != "[pilot-2]" {
		t.Errorf("Expected only pilot-2 replayed, got %d %v", n, w.created)
	}
	if l, _ := outbox.Len(); l != 0 {
		t.Errorf("Expected rejected entry dropped, got %d left", l)
	}
}

func TestOutboxReplaySinglePilot(t *testing.T) {
	store := openStore(t)
	outbox := store.Outbox()
	outbox.EnqueueStart(testSession("pilot-1"))
	outbox.EnqueueStart(testSession("pilot-2"))

	w := &fakeWriter{}
	if _, err := outbox.Replay(context.Background(), w, "pilot-2", nil); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if fmt.Sprint(w.created) != "[pilot-2]" {
		t.Errorf("Expected only pilot-2, got %v", w.created)
	}
	left, _ := outbox.Pending("")
	if len(left) != 1 || left[0].PilotID != "pilot-1" {
		t.Errorf("Expected pilot-1 still queued, got %+v", left)
	}
}

func TestOutboxEndCancelsPendingStart(t *testing.T) {
	store := openStore(t)
	outbox := store.Outbox()

	outbox.EnqueueStart(testSession("pilot-1"))
	pending, err := outbox.HasPendingStart("pilot-1")
	if err != nil || !pending {
		t.Fatalf("Expected pending start, got %v, %v", pending, err)
	}

	if err := outbox.EnqueueEnd("pilot-1"); err != nil {
		t.Fatalf("EnqueueEnd: %v", err)
	}
	if l, _ := outbox.Len(); l != 0 {
		t.Errorf("Expected start and end to cancel out, got %d entries", l)
	}
	if pending, _ := outbox.HasPendingStart("pilot-1"); pending {
		t.Error("Expected no pending start")
	}

	// An end with nothing to cancel is queued
	outbox.EnqueueEnd("pilot-1")
	entries, _ := outbox.Pending("pilot-1")
	if len(entries) != 1 || entries[0].Op != OpEnd {
		t.Errorf("Expected a queued end, got %+v", entries)
	}
}
