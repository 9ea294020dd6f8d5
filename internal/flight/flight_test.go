package flight

import (
	"errors"
	"testing"
	"time"

	"github.com/unklstewy/airsync/pkg/coordinates"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeNone, false},
		{"none", ModeNone, false},
		{"route-advisory", ModeRouteAdvisory, false},
		{" live-position ", ModeLivePosition, false},
		{"corridor", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidMode) {
					t.Fatalf("Expected ErrInvalidMode, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMode(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCallSign(t *testing.T) {
	s := Session{PilotID: "pilot-1"}
	if s.CallSign() != "pilot-1" {
		t.Errorf("Expected pilot id fallback, got %s", s.CallSign())
	}
	s.DisplayName = "Kari N."
	if s.CallSign() != "Kari N." {
		t.Errorf("Expected display name, got %s", s.CallSign())
	}
}

func TestElapsed(t *testing.T) {
	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := Session{StartedAt: start}

	if got := s.Elapsed(start.Add(90 * time.Second)); got != 90*time.Second {
		t.Errorf("Expected 90s, got %v", got)
	}
	if got := s.Elapsed(start.Add(-time.Second)); got != 0 {
		t.Errorf("Expected 0 for clock skew, got %v", got)
	}
}

func TestSessionValidate(t *testing.T) {
	now := time.Now()
	bad := coordinates.Geographic{Latitude: 91}

	tests := []struct {
		name    string
		session Session
		ok      bool
	}{
		{"valid", Session{PilotID: "p", StartedAt: now, Mode: ModeNone}, true},
		{"missing pilot", Session{StartedAt: now, Mode: ModeNone}, false},
		{"missing start", Session{PilotID: "p", Mode: ModeNone}, false},
		{"bad mode", Session{PilotID: "p", StartedAt: now, Mode: "x"}, false},
		{"bad position", Session{PilotID: "p", StartedAt: now, Mode: ModeLivePosition, StartPosition: &bad}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.session.Validate()
			if tt.ok && err != nil {
				t.Errorf("Expected valid, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
