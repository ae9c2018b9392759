package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	swarmerrors "github.com/bullish-design/remora/pkg/swarm/errors"
	"github.com/bullish-design/remora/pkg/swarm/event"
)

// SQLiteStore persists the events table of §6 to SQLite, grounded on
// flowgraph/checkpoint/sqlite.go's schema-creation, WAL-pragma, and
// restrictive-permission discipline, generalized from a (run_id, node_id)
// keyed table to an append-only seq-keyed log.
//
// Trigger delivery happens over a bounded channel sized by queueCapacity
// (§9's trigger_queue_capacity); Append blocks when the queue is full,
// providing backpressure on the producer rather than dropping triggers.
type SQLiteStore struct {
	db *sql.DB

	mu       sync.Mutex
	nextSeq  int64
	triggers chan Trigger
	closed   bool
}

// NewSQLiteStore opens (or creates) the events table at path. queueCapacity
// bounds the in-memory trigger channel; a value of 0 uses a reasonable
// default of 1024.
func NewSQLiteStore(path string, queueCapacity int) (*SQLiteStore, error) {
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}

	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600); createErr == nil {
				if closeErr := f.Close(); closeErr != nil {
					slog.Warn("store: failed to close event log after creation",
						slog.String("path", path), slog.String("error", closeErr.Error()))
				}
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			timestamp REAL NOT NULL,
			correlation_id TEXT,
			from_agent TEXT,
			to_agent TEXT,
			path TEXT,
			tags TEXT,
			payload BLOB
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create correlation index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create kind index: %w", err)
	}

	if path != ":memory:" {
		if err := os.Chmod(path, 0600); err != nil {
			slog.Warn("store: failed to set restrictive permissions on event log",
				slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	var maxSeq sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM events`).Scan(&maxSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: read max seq: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		nextSeq:  maxSeq.Int64 + 1,
		triggers: make(chan Trigger, queueCapacity),
	}, nil
}

// Append implements Store. Seq assignment, durable write, and trigger
// enqueue all happen while mu is held, satisfying §4.3's ordering
// guarantee: a later Append cannot assign its seq or enqueue its triggers
// until this one has durably persisted and enqueued all of its own.
func (s *SQLiteStore) Append(e *event.Envelope, matcher Matcher) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, swarmerrors.ErrBackpressure
	}

	e.Seq = s.nextSeq

	_, err := s.db.Exec(`
		INSERT INTO events (seq, id, kind, timestamp, correlation_id, from_agent, to_agent, path, tags, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Seq, e.ID, string(e.Kind), toEpoch(e.Timestamp), nullableString(e.CorrelationID), nullableString(e.FromAgent),
		nullableString(e.ToAgent), nullableString(e.Path), nullableString(joinTags(e.Tags)), []byte(e.Payload))
	if err != nil {
		return 0, &swarmerrors.EventAppendError{Kind: string(e.Kind), Err: err}
	}

	s.nextSeq++

	if matcher != nil {
		for _, agentID := range matcher.Match(e) {
			s.triggers <- Trigger{AgentID: agentID, Seq: e.Seq, Event: e}
		}
	}

	return e.Seq, nil
}

// Replay implements Store.
func (s *SQLiteStore) Replay(filter ReplayFilter) ([]*event.Envelope, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, kind, timestamp, correlation_id, from_agent, to_agent, path, tags, payload
		FROM events WHERE seq > ? ORDER BY seq ASC
	`, filter.SinceSeq)
	if err != nil {
		return nil, fmt.Errorf("store: replay: %w", err)
	}
	defer rows.Close()

	var out []*event.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, rows.Err()
}

// Triggers implements Store.
func (s *SQLiteStore) Triggers() <-chan Trigger {
	return s.triggers
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.triggers)
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*event.Envelope, error) {
	var e event.Envelope
	var kind string
	var timestamp float64
	var correlationID, fromAgent, toAgent, path, tags sql.NullString
	var payload []byte
	if err := row.Scan(&e.Seq, &e.ID, &kind, &timestamp, &correlationID, &fromAgent, &toAgent, &path, &tags, &payload); err != nil {
		return nil, err
	}
	e.Kind = event.Kind(kind)
	e.Timestamp = fromEpoch(timestamp)
	e.CorrelationID = correlationID.String
	e.FromAgent = fromAgent.String
	e.ToAgent = toAgent.String
	e.Path = path.String
	if tags.Valid && tags.String != "" {
		e.Tags = splitTags(tags.String)
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

func splitTags(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinTags(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second))).UTC()
}
