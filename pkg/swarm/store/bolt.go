package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	swarmerrors "github.com/bullish-design/remora/pkg/swarm/errors"
	"github.com/bullish-design/remora/pkg/swarm/event"
)

var eventsBucket = []byte("events")

// BoltStore is an alternate Store backend for embedders who prefer a
// single-file KV log over SQLite, grounded on cuemby-warren's use of
// go.etcd.io/bbolt as its Raft log store: an append-only byte-key
// sequence with a long-lived single *bbolt.DB handle. Semantics are
// identical to SQLiteStore; only the durable representation differs.
type BoltStore struct {
	db *bbolt.DB

	mu       sync.Mutex
	nextSeq  int64
	triggers chan Trigger
	closed   bool
}

// boltRecord is the JSON envelope persisted per key; bbolt has no native
// column types, so the full envelope (including seq) is stored as one blob.
type boltRecord struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	Kind          event.Kind      `json:"kind"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	FromAgent     string          `json:"from_agent,omitempty"`
	ToAgent       string          `json:"to_agent,omitempty"`
	Path          string          `json:"path,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewBoltStore opens (or creates) path as a bbolt-backed event log.
func NewBoltStore(path string, queueCapacity int) (*BoltStore, error) {
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt database: %w", err)
	}

	var maxSeq int64
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(eventsBucket)
		if err != nil {
			return err
		}
		c := b.Cursor()
		if k, _ := c.Last(); k != nil {
			maxSeq = int64(binary.BigEndian.Uint64(k))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init bolt bucket: %w", err)
	}

	return &BoltStore{
		db:       db,
		nextSeq:  maxSeq + 1,
		triggers: make(chan Trigger, queueCapacity),
	}, nil
}

// Append implements Store.
func (s *BoltStore) Append(e *event.Envelope, matcher Matcher) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, swarmerrors.ErrBackpressure
	}

	e.Seq = s.nextSeq
	rec := boltRecord{
		ID: e.ID, Seq: e.Seq, Kind: e.Kind, Timestamp: e.Timestamp,
		CorrelationID: e.CorrelationID, FromAgent: e.FromAgent, ToAgent: e.ToAgent,
		Path: e.Path, Tags: e.Tags, Payload: e.Payload,
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return 0, &swarmerrors.EventAppendError{Kind: string(e.Kind), Err: err}
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(e.Seq))

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(eventsBucket).Put(key, blob)
	})
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
func (s *BoltStore) Replay(filter ReplayFilter) ([]*event.Envelope, error) {
	var out []*event.Envelope

	sinceKey := make([]byte, 8)
	binary.BigEndian.PutUint64(sinceKey, uint64(filter.SinceSeq)+1)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Seek(sinceKey); k != nil; k, v = c.Next() {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			e := &event.Envelope{
				ID: rec.ID, Seq: rec.Seq, Kind: rec.Kind, Timestamp: rec.Timestamp,
				CorrelationID: rec.CorrelationID, FromAgent: rec.FromAgent, ToAgent: rec.ToAgent,
				Path: rec.Path, Tags: rec.Tags, Payload: rec.Payload,
			}
			if filter.matches(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: replay bolt: %w", err)
	}
	return out, nil
}

// Triggers implements Store.
func (s *BoltStore) Triggers() <-chan Trigger {
	return s.triggers
}

// Close implements Store.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.triggers)
	return s.db.Close()
}
