package localcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/unklstewy/airsync/internal/db"
	"github.com/unklstewy/airsync/internal/flight"
	"github.com/unklstewy/airsync/pkg/log"
)

// Op is a queued session write.
type Op string

const (
	OpStart Op = "start"
	OpEnd   Op = "end"
)

// Entry is one queued write.
type Entry struct {
	Seq      uint64
	Op       Op
	PilotID  string
	Session  *flight.Session
	QueuedAt time.Time
}

type entryRecord struct {
	Op       string         `msgpack:"op"`
	PilotID  string         `msgpack:"pilot_id"`
	Session  *sessionRecord `msgpack:"session,omitempty"`
	QueuedAt time.Time      `msgpack:"queued_at"`
}

// SessionWriter is the durable store the outbox replays into.
type SessionWriter interface {
	CreateFlightSession(ctx context.Context, s flight.Session) error
	DeleteFlightSession(ctx context.Context, pilotID string) error
}

// Outbox is an ordered queue of session writes awaiting the durable store.
type Outbox struct {
	db *bolt.DB
}

// EnqueueStart queues the creation of s.
func (o *Outbox) EnqueueStart(s flight.Session) error {
	return o.enqueue(Entry{Op: OpStart, PilotID: s.PilotID, Session: &s})
}

// EnqueueEnd queues the deletion of the pilot's session. An end that
// follows an unreplayed start cancels it instead; the store never needs
// to see either.
func (o *Outbox) EnqueueEnd(pilotID string) error {
	return o.enqueue(Entry{Op: OpEnd, PilotID: pilotID})
}

func (o *Outbox) enqueue(e Entry) error {
	rec := entryRecord{Op: string(e.Op), PilotID: e.PilotID, QueuedAt: time.Now().UTC()}
	if e.Session != nil {
		r := toRecord(*e.Session)
		rec.Session = &r
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode outbox entry: %w", err)
	}

	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(outboxBucket)

		if e.Op == OpEnd {
			key, last, err := lastFor(b, e.PilotID)
			if err != nil {
				return err
			}
			if last != nil && Op(last.Op) == OpStart {
				return b.Delete(key)
			}
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

// Pending returns queued entries in order. An empty pilotID returns all.
func (o *Outbox) Pending(pilotID string) ([]Entry, error) {
	var entries []Entry
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(k, v []byte) error {
			e, err := decodeEntry(k, v)
			if err != nil {
				return err
			}
			if pilotID == "" || e.PilotID == pilotID {
				entries = append(entries, e)
			}
			return nil
		})
	})
	return entries, err
}

// HasPendingStart reports whether the pilot's latest queued write is a
// start the store has not seen yet.
func (o *Outbox) HasPendingStart(pilotID string) (bool, error) {
	var pending bool
	err := o.db.View(func(tx *bolt.Tx) error {
		_, last, err := lastFor(tx.Bucket(outboxBucket), pilotID)
		pending = last != nil && Op(last.Op) == OpStart
		return err
	})
	return pending, err
}

// Len returns the number of queued entries.
func (o *Outbox) Len() (int, error) {
	var n int
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(outboxBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Replay applies queued writes in order, removing each once the store has
// accepted it. It stops at the first write that fails because the store is
// still offline. A start the store rejects as a duplicate, or any other
// permanent rejection, is dropped and logged so one bad entry cannot block
// the queue. An empty pilotID replays every pilot.
func (o *Outbox) Replay(ctx context.Context, store SessionWriter, pilotID string, logger *log.Logger) (int, error) {
	entries, err := o.Pending(pilotID)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		var applyErr error
		switch e.Op {
		case OpStart:
			if e.Session == nil {
				applyErr = errors.New("start entry without session")
			} else {
				applyErr = store.CreateFlightSession(ctx, *e.Session)
			}
		case OpEnd:
			applyErr = store.DeleteFlightSession(ctx, e.PilotID)
		default:
			applyErr = fmt.Errorf("unknown outbox op %q", e.Op)
		}

		if applyErr != nil {
			if db.IsConnectionError(applyErr) {
				return replayed, applyErr
			}
			logger.Warn("dropping outbox entry",
				"seq", e.Seq, "op", e.Op, "pilot", e.PilotID, "error", applyErr)
		} else {
			replayed++
		}

		if err := o.remove(e.Seq); err != nil {
			return replayed, err
		}
	}
	return replayed, nil
}

func (o *Outbox) remove(seq uint64) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete(seqKey(seq))
	})
}

// lastFor finds the newest entry for pilotID.
func lastFor(b *bolt.Bucket, pilotID string) ([]byte, *entryRecord, error) {
	c := b.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var rec entryRecord
		if err := msgpack.Unmarshal(v, &rec); err != nil {
			return nil, nil, fmt.Errorf("failed to decode outbox entry: %w", err)
		}
		if rec.PilotID == pilotID {
			return append([]byte(nil), k...), &rec, nil
		}
	}
	return nil, nil, nil
}

func decodeEntry(k, v []byte) (Entry, error) {
	var rec entryRecord
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return Entry{}, fmt.Errorf("failed to decode outbox entry: %w", err)
	}
	e := Entry{
		Seq:      binary.BigEndian.Uint64(k),
		Op:       Op(rec.Op),
		PilotID:  rec.PilotID,
		QueuedAt: rec.QueuedAt,
	}
	if rec.Session != nil {
		s := rec.Session.session()
		e.Session = &s
	}
	return e, nil
}

// seqKey encodes sequence numbers big-endian so keys sort in queue order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
