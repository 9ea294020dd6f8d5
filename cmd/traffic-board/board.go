package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/unklstewy/airsync/internal/beacons"
	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/adsb"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
)

// SortMode orders the beacon table.
type SortMode int

const (
	SortByLastSeen SortMode = iota
	SortByCallsign
	SortByDistance
)

func (s SortMode) String() string {
	switch s {
	case SortByCallsign:
		return "callsign"
	case SortByDistance:
		return "distance"
	default:
		return "last seen"
	}
}

// FlightLister lists active flights.
type FlightLister interface {
	ListActiveFlightSessions(ctx context.Context) ([]flight.Session, error)
}

// BoardConfig holds the board's data sources
type BoardConfig struct {
	Beacons  beacons.Store
	Flights  FlightLister
	Stats    func(ctx context.Context) (*db.Stats, error)
	TTL      time.Duration
	Interval time.Duration
	Logger   *log.Logger
}

// Board is the traffic board application
type Board struct {
	cfg BoardConfig

	// UI components
	app     *tview.Application
	table   *tview.Table
	flights *tview.TextView
	status  *tview.TextView
	logs    *tview.TextView

	// State
	mu        sync.RWMutex
	sortMode  SortMode
	focus     int
	active    []flight.Session
	rows      []row
	stats     *db.Stats
	lastErr   error
	refreshed time.Time
}

// row is one beacon as displayed.
type row struct {
	beacon   adsb.Beacon
	distance float64 // meters from the focused flight, -1 without one
	rangeNM  float64
	bearing  float64
}

// NewBoard creates the board and its widgets.
func NewBoard(cfg BoardConfig) *Board {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	b := &Board{cfg: cfg}
	b.setupUI()
	return b
}

func (b *Board) setupUI() {
	b.app = tview.NewApplication()

	b.table = tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0).
		SetSelectable(true, false)
	b.table.SetBorder(true).SetTitle(" Traffic ")

	b.flights = tview.NewTextView().SetDynamicColors(true)
	b.flights.SetBorder(true).SetTitle(" Active flights ")

	b.status = tview.NewTextView().SetDynamicColors(true)
	b.status.SetBorder(true).SetTitle(" Status ")

	b.logs = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetMaxLines(100)
	b.logs.SetBorder(true).SetTitle(" Log ")

	sidebar := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(b.status, 8, 0, false).
		AddItem(b.flights, 0, 2, false).
		AddItem(b.logs, 0, 1, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(b.table, 0, 7, true).
		AddItem(sidebar, 0, 3, false)

	b.app.SetRoot(root, true)
	b.app.SetInputCapture(b.handleKeyboard)
}

// Run refreshes the board until ctx is done or the user quits.
func (b *Board) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.addLog("INFO", "Traffic board started")
	go b.refreshLoop(ctx)

	go func() {
		<-ctx.Done()
		b.app.Stop()
	}()
	return b.app.Run()
}

func (b *Board) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	b.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.refresh(ctx)
		}
	}
}

func (b *Board) refresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.cfg.Logger.Error("board refresh panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := b.load(ctx)
	b.app.QueueUpdateDraw(func() {
		if err != nil {
			b.addLog("ERROR", err.Error())
		}
		b.render()
	})
}

// load fetches beacons, flights and stats and rebuilds the rows.
func (b *Board) load(ctx context.Context) error {
	all, err := b.cfg.Beacons.ListBeacons(ctx)
	if err != nil {
		b.setErr(err)
		return fmt.Errorf("list beacons: %w", err)
	}
	active, err := b.cfg.Flights.ListActiveFlightSessions(ctx)
	if err != nil {
		b.setErr(err)
		return fmt.Errorf("list flights: %w", err)
	}
	var stats *db.Stats
	if b.cfg.Stats != nil {
		stats, _ = b.cfg.Stats(ctx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = active
	if b.focus >= len(active) {
		b.focus = 0
	}
	b.rows = buildRows(all, b.focusPosition(), b.sortMode)
	b.stats = stats
	b.lastErr = nil
	b.refreshed = time.Now()
	return nil
}

func (b *Board) setErr(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
}

// focusPosition returns where the focused flight is believed to be.
// Called with mu held.
func (b *Board) focusPosition() *coordinates.Geographic {
	if len(b.active) == 0 {
		return nil
	}
	f := b.active[b.focus]
	switch {
	case f.StartPosition != nil:
		p := *f.StartPosition
		return &p
	case len(f.Route) > 0:
		p := f.Route[0]
		return &p
	}
	return nil
}

func buildRows(all []adsb.Beacon, center *coordinates.Geographic, mode SortMode) []row {
	rows := make([]row, 0, len(all))
	for _, bc := range all {
		r := row{beacon: bc, distance: -1}
		if center != nil {
			pos := coordinates.Geographic{Latitude: bc.Latitude, Longitude: bc.Longitude}
			r.distance = coordinates.DistanceMeters(*center, pos)
			r.rangeNM = coordinates.DistanceNauticalMiles(*center, pos)
			r.bearing = coordinates.Bearing(*center, pos)
		}
		rows = append(rows, r)
	}

	switch mode {
	case SortByCallsign:
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].beacon.Callsign < rows[j].beacon.Callsign
		})
	case SortByDistance:
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].distance < 0 || rows[j].distance < 0 {
				return rows[j].distance < 0 && rows[i].distance >= 0
			}
			return rows[i].distance < rows[j].distance
		})
	default:
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].beacon.LastSeen.After(rows[j].beacon.LastSeen)
		})
	}
	return rows
}

// render redraws every panel. Runs on the UI goroutine.
func (b *Board) render() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.renderTable()
	b.renderFlights()
	b.renderStatus()
}

func (b *Board) renderTable() {
	b.table.Clear()
	headers := []string{"ID", "CALLSIGN", "TYPE", "LAT", "LON", "ALT m", "RNG nm", "BRG", "AGE"}
	for col, h := range headers {
		b.table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetExpansion(1))
	}

	now := time.Now()
	for i, r := range b.rows {
		bc := r.beacon
		age := now.Sub(bc.LastSeen)
		color := tcell.ColorWhite
		if b.cfg.TTL > 0 && age > b.cfg.TTL/2 {
			color = tcell.ColorGray
		}

		cells := []string{
			bc.ID,
			orDash(bc.Callsign),
			orDash(bc.Type),
			fmt.Sprintf("%.4f", bc.Latitude),
			fmt.Sprintf("%.4f", bc.Longitude),
			optional(bc.Altitude, "%.0f"),
			"-",
			"-",
			fmt.Sprintf("%.0fs", age.Seconds()),
		}
		if r.distance >= 0 {
			cells[6] = fmt.Sprintf("%.1f", r.rangeNM)
			cells[7] = fmt.Sprintf("%.0f°", r.bearing)
		}
		for col, text := range cells {
			b.table.SetCell(i+1, col, tview.NewTableCell(text).SetTextColor(color).SetExpansion(1))
		}
	}
	b.table.SetTitle(fmt.Sprintf(" Traffic (%d) sorted by %s ", len(b.rows), b.sortMode))
}

func (b *Board) renderFlights() {
	var s strings.Builder
	if len(b.active) == 0 {
		s.WriteString("[gray]No active flights[-]\n")
	}
	now := time.Now()
	for i, f := range b.active {
		marker := " "
		if i == b.focus {
			marker = "[green]▶[-]"
		}
		fmt.Fprintf(&s, "%s [white]%s[-] [gray](%s)[-]\n", marker, f.CallSign(), f.Mode)
		fmt.Fprintf(&s, "   [gray]up[-] %s", f.Elapsed(now).Round(time.Second))
		if f.MissionID != "" {
			fmt.Fprintf(&s, " [gray]mission[-] %s", f.MissionID)
		}
		s.WriteString("\n")
	}
	b.flights.SetText(s.String())
}

func (b *Board) renderStatus() {
	var s strings.Builder
	if b.lastErr != nil {
		fmt.Fprintf(&s, "[red]%v[-]\n", b.lastErr)
	} else {
		fmt.Fprintf(&s, "[gray]Updated:[-] [white]%s[-]\n", b.refreshed.Format("15:04:05"))
	}
	if b.stats != nil {
		fmt.Fprintf(&s, "[gray]Flights:[-] [white]%d[-]  [gray]Beacons:[-] [white]%d[-]\n",
			b.stats.ActiveFlights, b.stats.Beacons)
		fmt.Fprintf(&s, "[gray]Missions:[-] [white]%d[-]\n", b.stats.Missions)
		if !b.stats.OldestBeacon.IsZero() {
			fmt.Fprintf(&s, "[gray]Oldest:[-] [white]%.0fs[-]\n", time.Since(b.stats.OldestBeacon).Seconds())
		}
	}
	s.WriteString("\n[yellow]q[-] quit [yellow]o[-] sort [yellow]f[-] focus [yellow]r[-] refresh")
	b.status.SetText(s.String())
}

func (b *Board) addLog(level, message string) {
	color := "white"
	switch level {
	case "ERROR":
		color = "red"
	case "WARN":
		color = "yellow"
	}
	fmt.Fprintf(b.logs, "[gray]%s[-] [%s]%-5s[-] %s\n", time.Now().Format("15:04:05"), color, level, message)
}

func (b *Board) handleKeyboard(event *tcell.EventKey) *tcell.EventKey {
	switch {
	case event.Key() == tcell.KeyEscape || event.Rune() == 'q':
		b.app.Stop()
		return nil

	case event.Rune() == 'o':
		b.mu.Lock()
		b.sortMode = (b.sortMode + 1) % 3
		b.rows = buildRows(beaconsOf(b.rows), b.focusPosition(), b.sortMode)
		b.mu.Unlock()
		b.render()
		return nil

	case event.Rune() == 'f':
		b.mu.Lock()
		if len(b.active) > 0 {
			b.focus = (b.focus + 1) % len(b.active)
			b.rows = buildRows(beaconsOf(b.rows), b.focusPosition(), b.sortMode)
		}
		b.mu.Unlock()
		b.render()
		return nil

	case event.Rune() == 'r':
		go b.refresh(context.Background())
		return nil
	}
	return event
}

func beaconsOf(rows []row) []adsb.Beacon {
	out := make([]adsb.Beacon, len(rows))
	for i, r := range rows {
		out[i] = r.beacon
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func optional(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}
