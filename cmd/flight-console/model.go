package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/airsync/internal/beacons"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/internal/session"
	"github.com/unklstewy/airsync/pkg/coordinates"
)

const maxContacts = 15

// lifecycle is the part of session.Manager the console drives.
type lifecycle interface {
	Start(ctx context.Context, req session.StartRequest) error
	End(ctx context.Context) error
	Reconcile(ctx context.Context) error
	SyncPending(ctx context.Context) (int, error)
	Snapshot() session.Snapshot
	ElapsedTicks(ctx context.Context) <-chan time.Duration
}

var modes = []flight.Mode{flight.ModeRouteAdvisory, flight.ModeLivePosition, flight.ModeNone}

type model struct {
	ctx     context.Context
	mgr     lifecycle
	store   beacons.Store
	radius  float64
	mission string

	// position is the device's latest fix, used as a live flight's start.
	position func() *coordinates.Geographic

	mode     int
	snap     session.Snapshot
	elapsed  time.Duration
	elapsedC <-chan time.Duration
	contacts []beacons.Contact
	busy     string
	status   string
	err      error
}

type (
	elapsedMsg  time.Duration
	refreshMsg  time.Time
	contactsMsg struct {
		contacts []beacons.Contact
		err      error
	}
	opDoneMsg struct {
		op  string
		err error
	}
)

func newModel(ctx context.Context, mgr lifecycle, store beacons.Store, missionID string, radius float64) model {
	return model{
		ctx:      ctx,
		mgr:      mgr,
		store:    store,
		radius:   radius,
		mission:  missionID,
		snap:     mgr.Snapshot(),
		elapsedC: mgr.ElapsedTicks(ctx),
	}
}

func waitElapsed(ch <-chan time.Duration) tea.Cmd {
	return func() tea.Msg {
		d, ok := <-ch
		if !ok {
			return nil
		}
		return elapsedMsg(d)
	}
}

func refresh() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m model) loadContacts() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
		defer cancel()
		contacts, err := beacons.Nearby(ctx, m.store, m.snap.Position, m.radius)
		return contactsMsg{contacts: contacts, err: err}
	}
}

func (m model) run(op string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, 20*time.Second)
		defer cancel()
		return opDoneMsg{op: op, err: fn(ctx)}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitElapsed(m.elapsedC), refresh(), m.loadContacts())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case elapsedMsg:
		m.elapsed = time.Duration(msg)
		return m, waitElapsed(m.elapsedC)

	case refreshMsg:
		m.snap = m.mgr.Snapshot()
		return m, tea.Batch(refresh(), m.loadContacts())

	case contactsMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.contacts = msg.contacts
		}
		return m, nil

	case opDoneMsg:
		m.busy = ""
		m.snap = m.mgr.Snapshot()
		m.elapsed = m.snap.Elapsed
		switch {
		case msg.err == nil:
			m.status = msg.op + " ok"
			m.err = nil
		case errors.Is(msg.err, session.ErrFlightActive):
			m.status = "a flight is already active for this pilot"
		default:
			m.err = fmt.Errorf("%s: %w", msg.op, msg.err)
		}
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	}

	if m.busy != "" {
		return m, nil
	}
	m.err = nil

	switch msg.String() {
	case "m":
		if !m.snap.Active {
			m.mode = (m.mode + 1) % len(modes)
		}
	case "s":
		req := session.StartRequest{MissionID: m.mission, Mode: modes[m.mode]}
		if m.position != nil {
			req.StartPosition = m.position()
		}
		m.busy = "starting"
		return m, m.run("start", func(ctx context.Context) error { return m.mgr.Start(ctx, req) })
	case "e":
		m.busy = "ending"
		return m, m.run("end", m.mgr.End)
	case "r":
		m.busy = "reconciling"
		return m, m.run("reconcile", m.mgr.Reconcile)
	case "y":
		m.busy = "syncing"
		return m, m.run("sync", func(ctx context.Context) error {
			_, err := m.mgr.SyncPending(ctx)
			return err
		})
	}
	return m, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Background(lipgloss.Color("235")).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	idleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("AIRSYNC FLIGHT CONSOLE"))
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.renderFlight()))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(m.renderContacts()))
	s.WriteString("\n")

	switch {
	case m.busy != "":
		s.WriteString(warnStyle.Render(m.busy + "..."))
	case m.err != nil:
		s.WriteString(errStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	case m.status != "":
		s.WriteString(labelStyle.Render(m.status))
	}
	s.WriteString("\n\n")

	s.WriteString(helpStyle.Render("s: start  e: end  m: mode  r: reconcile  y: sync  q: quit"))
	return s.String()
}

func (m model) renderFlight() string {
	var s strings.Builder
	snap := m.snap

	if snap.Active {
		s.WriteString(activeStyle.Render("● IN FLIGHT"))
		fmt.Fprintf(&s, "  %s\n", formatElapsed(m.elapsed))
		fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Mode:    "), snap.Mode)
		if snap.MissionID != "" {
			fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Mission: "), snap.MissionID)
		}
		if snap.AdvisoryID != "" {
			fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Advisory:"), snap.AdvisoryID)
		}
		fmt.Fprintf(&s, "%s %s UTC\n", labelStyle.Render("Started: "), snap.StartedAt.UTC().Format("15:04:05"))
	} else {
		s.WriteString(idleStyle.Render("○ ON GROUND"))
		s.WriteString("\n")
		fmt.Fprintf(&s, "%s %s (press m to change)\n", labelStyle.Render("Mode:    "), modes[m.mode])
		if m.mission != "" {
			fmt.Fprintf(&s, "%s %s\n", labelStyle.Render("Mission: "), m.mission)
		}
	}

	pos := "no fix (default position)"
	if !snap.PositionTime.IsZero() {
		pos = fmt.Sprintf("fix %s ago", time.Since(snap.PositionTime).Round(time.Second))
	}
	fmt.Fprintf(&s, "%s %.5f, %.5f  %s", labelStyle.Render("Position:"),
		snap.Position.Latitude, snap.Position.Longitude, idleStyle.Render(pos))

	if snap.PendingSync {
		s.WriteString("\n")
		s.WriteString(warnStyle.Render("⚠ offline changes waiting to sync"))
	}
	return s.String()
}

func (m model) renderContacts() string {
	var s strings.Builder
	fmt.Fprintf(&s, "Traffic within %.1f km: %d\n", m.radius/1000, len(m.contacts))
	if len(m.contacts) == 0 {
		s.WriteString(idleStyle.Render("no traffic"))
		return s.String()
	}

	s.WriteString(labelStyle.Render(fmt.Sprintf("%-10s %-9s %8s %5s %7s", "ID", "CALLSIGN", "DIST", "BRG", "ALT")))
	for i, c := range m.contacts {
		if i == maxContacts {
			fmt.Fprintf(&s, "\n… %d more", len(m.contacts)-maxContacts)
			break
		}
		alt := "-"
		if c.Altitude != nil {
			alt = fmt.Sprintf("%.0fm", *c.Altitude)
		}
		fmt.Fprintf(&s, "\n%-10s %-9s %7.1fk %4.0f° %7s",
			truncate(c.ID, 10), truncate(c.Callsign, 9), c.DistanceMeters/1000, c.BearingDeg, alt)
	}
	return s.String()
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	mnt := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, mnt, sec)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
