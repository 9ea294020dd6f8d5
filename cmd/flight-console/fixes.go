package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/unklstewy/airsync/internal/session"
	"github.com/unklstewy/airsync/pkg/coordinates"
	"github.com/unklstewy/airsync/pkg/log"
)

// consoleCachePath is the bbolt file for the console's mirror and outbox.
// bbolt holds an exclusive lock, so it never shares the web server's file.
func consoleCachePath(flagValue, serverPath, pilotID string) string {
	if flagValue != "" {
		return flagValue
	}
	dir := filepath.Dir(serverPath)
	return filepath.Join(dir, "flight-console-"+sanitizeFileName(pilotID)+".db")
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// parseFix reads "lat,lon" or "lat,lon,alt_m". Blank lines and lines
// starting with '#' return ok=false.
func parseFix(line string, now time.Time) (fix session.Fix, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return session.Fix{}, false, nil
	}
	parts := strings.Split(line, ",")
	if len(parts) < 2 || len(parts) > 3 {
		return session.Fix{}, false, fmt.Errorf("fix %q: want lat,lon[,alt]", line)
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return session.Fix{}, false, fmt.Errorf("fix %q: %w", line, err)
		}
		vals[i] = v
	}
	pos := coordinates.Geographic{Latitude: vals[0], Longitude: vals[1]}
	if len(vals) == 3 {
		pos.Altitude = vals[2]
	}
	if err := pos.Validate(); err != nil {
		return session.Fix{}, false, fmt.Errorf("fix %q: %w", line, err)
	}
	return session.Fix{Position: pos, Time: now}, true, nil
}

// fixReader feeds a device's position stream into the session feed and
// keeps the latest fix as the start position for live flights.
type fixReader struct {
	feed     *session.Feed
	pilotID  string
	deviceID string
	logger   *log.Logger
	now      func() time.Time

	latest atomic.Pointer[session.Fix]
}

func newFixReader(feed *session.Feed, pilotID, deviceID string, logger *log.Logger) *fixReader {
	return &fixReader{feed: feed, pilotID: pilotID, deviceID: deviceID, logger: logger, now: time.Now}
}

// Run reads fixes from r until EOF or ctx is done. Bad lines are logged and
// skipped.
func (fr *fixReader) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fix, ok, err := parseFix(sc.Text(), fr.now().UTC())
		if err != nil {
			fr.logger.Warn("skipping position fix", "error", err)
			continue
		}
		if !ok {
			continue
		}
		fix.DeviceID = fr.deviceID
		fr.latest.Store(&fix)
		fr.feed.Push(fr.pilotID, fix)
	}
	return sc.Err()
}

// Position returns the latest fix's position, or nil before the first one.
func (fr *fixReader) Position() *coordinates.Geographic {
	fix := fr.latest.Load()
	if fix == nil {
		return nil
	}
	pos := fix.Position
	return &pos
}

// syncer is the part of session.Manager the replay loop drives.
type syncer interface {
	SyncPending(ctx context.Context) (int, error)
}

// replayLoop retries queued offline writes until ctx is done.
func replayLoop(ctx context.Context, s syncer, every time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SyncPending(ctx)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				logger.Debug("outbox replay deferred", "error", err)
			case n > 0:
				logger.Info("replayed queued writes", "count", n)
			}
		}
	}
}
