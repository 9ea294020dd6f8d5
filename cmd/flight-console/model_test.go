package main

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/unklstewy/airsync/internal/beacons"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/internal/session"
)

type fakeLifecycle struct {
	started  []session.StartRequest
	active   bool
	startErr error
}

func (f *fakeLifecycle) Start(ctx context.Context, req session.StartRequest) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, req)
	f.active = true
	return nil
}

func (f *fakeLifecycle) End(ctx context.Context) error {
	f.active = false
	return nil
}

func (f *fakeLifecycle) Reconcile(ctx context.Context) error { return nil }
func (f *fakeLifecycle) SyncPending(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeLifecycle) Snapshot() session.Snapshot {
	return session.Snapshot{Active: f.active, PilotID: "pilot-1"}
}

func (f *fakeLifecycle) ElapsedTicks(ctx context.Context) <-chan time.Duration {
	return make(chan time.Duration)
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press sends a key and runs the resulting command once.
func press(t *testing.T, m model, k string) model {
	t.Helper()
	next, cmd := m.Update(key(k))
	m = next.(model)
	if cmd != nil {
		if msg := cmd(); msg != nil {
			next, _ = m.Update(msg)
			m = next.(model)
		}
	}
	return m
}

func TestConsoleStartAndEnd(t *testing.T) {
	fake := &fakeLifecycle{}
	m := newModel(context.Background(), fake, beacons.NewMemoryStore(), "mission-1", 5000)

	m = press(t, m, "m")
	if modes[m.mode] != flight.ModeLivePosition {
		t.Fatalf("Expected mode to cycle to live-position, got %s", modes[m.mode])
	}

	m = press(t, m, "s")
	if len(fake.started) != 1 {
		t.Fatalf("Expected one start, got %d", len(fake.started))
	}
	if fake.started[0].Mode != flight.ModeLivePosition || fake.started[0].MissionID != "mission-1" {
		t.Errorf("Unexpected start request %+v", fake.started[0])
	}
	if !m.snap.Active || m.busy != "" {
		t.Errorf("Expected active and idle console, got active=%v busy=%q", m.snap.Active, m.busy)
	}
	if !strings.Contains(m.View(), "IN FLIGHT") {
		t.Error("Expected view to show the active flight")
	}

	m = press(t, m, "e")
	if m.snap.Active {
		t.Error("Expected inactive after end")
	}
}

func TestConsoleStartRejected(t *testing.T) {
	fake := &fakeLifecycle{startErr: session.ErrFlightActive}
	m := newModel(context.Background(), fake, beacons.NewMemoryStore(), "", 5000)

	m = press(t, m, "s")
	if m.err != nil {
		t.Errorf("Expected rejection shown as status, got error %v", m.err)
	}
	if !strings.Contains(m.status, "already active") {
		t.Errorf("Unexpected status %q", m.status)
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{61 * time.Second, "00:01:01"},
		{3*time.Hour + 4*time.Minute + 5*time.Second, "03:04:05"},
		{1500 * time.Millisecond, "00:00:02"},
	}
	for _, tt := range tests {
		if got := formatElapsed(tt.d); got != tt.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
