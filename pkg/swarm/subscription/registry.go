package subscription

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	swarmerrors "github.com/bullish-design/remora/pkg/swarm/errors"
	"github.com/bullish-design/remora/pkg/swarm/event"
)

// Subscription binds an agent to a Pattern of events it cares about (§3).
type Subscription struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Pattern   Pattern   `json:"pattern"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry persists subscription patterns and matches incoming events to
// the agents that declared interest in them (§4.2).
type Registry interface {
	// Register adds a new subscription for agentID and returns its ID.
	Register(agentID string, pattern Pattern, isDefault bool) (string, error)

	// Unregister removes a single subscription.
	Unregister(subscriptionID string) error

	// UnregisterAll removes every subscription belonging to agentID.
	UnregisterAll(agentID string) error

	// UnregisterDefaults removes only agentID's default subscriptions,
	// leaving any custom subscriptions in place (§4.6 step 4).
	UnregisterDefaults(agentID string) error

	// RegisterDefaults replaces agentID's default subscriptions (§3: a
	// to_agent=self subscription and a path_glob=filePath subscription
	// scoped to content/file kinds). Idempotent.
	RegisterDefaults(agentID, filePath string) error

	// ListFor returns every subscription belonging to agentID.
	ListFor(agentID string) ([]Subscription, error)

	// Match returns the deduplicated set of agent IDs whose patterns match e.
	Match(e *event.Envelope) []string

	// Close releases any resources held by the registry.
	Close() error
}

// SQLiteRegistry is the durable Registry implementation: subscriptions are
// persisted to SQLite for recovery and mirrored into an in-memory index for
// fast matching, the way checkpoint.SQLiteStore persists checkpoints while
// flowgraph's executor keeps hot state in memory.
type SQLiteRegistry struct {
	db *sql.DB

	mu      sync.RWMutex
	byAgent map[string][]Subscription // agent_id -> subscriptions, in-memory index
}

// NewSQLiteRegistry opens (or creates) the subscription table at path and
// rebuilds the in-memory index from it, per §4.2 "on restart, rebuild
// indexes from the table".
func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600); createErr == nil {
				f.Close()
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("subscription: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("subscription: enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			pattern BLOB NOT NULL,
			is_default INTEGER NOT NULL,
			created_at REAL NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("subscription: create table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_subscriptions_agent ON subscriptions(agent_id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("subscription: create index: %w", err)
	}

	if path != ":memory:" {
		_ = os.Chmod(path, 0600)
	}

	r := &SQLiteRegistry{db: db, byAgent: make(map[string][]Subscription)}
	if err := r.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRegistry) rebuildIndex() error {
	rows, err := r.db.Query(`SELECT id, agent_id, pattern, is_default, created_at FROM subscriptions`)
	if err != nil {
		return fmt.Errorf("subscription: rebuild index: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAgent = make(map[string][]Subscription)

	for rows.Next() {
		var sub Subscription
		var patternBlob []byte
		var isDefault int
		var createdAt float64
		if err := rows.Scan(&sub.ID, &sub.AgentID, &patternBlob, &isDefault, &createdAt); err != nil {
			return fmt.Errorf("subscription: scan row: %w", err)
		}
		if err := json.Unmarshal(patternBlob, &sub.Pattern); err != nil {
			return fmt.Errorf("subscription: decode pattern: %w", err)
		}
		sub.IsDefault = isDefault != 0
		sub.CreatedAt = time.Unix(0, int64(createdAt*float64(time.Second)))
		r.byAgent[sub.AgentID] = append(r.byAgent[sub.AgentID], sub)
	}
	return rows.Err()
}

// Register implements Registry.
func (r *SQLiteRegistry) Register(agentID string, pattern Pattern, isDefault bool) (string, error) {
	sub := Subscription{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Pattern:   pattern,
		IsDefault: isDefault,
		CreatedAt: time.Now(),
	}

	patternBlob, err := json.Marshal(pattern)
	if err != nil {
		return "", &swarmerrors.RegistryWriteError{AgentID: agentID, Err: err}
	}

	_, err = r.db.Exec(
		`INSERT INTO subscriptions (id, agent_id, pattern, is_default, created_at) VALUES (?, ?, ?, ?, ?)`,
		sub.ID, sub.AgentID, patternBlob, boolToInt(sub.IsDefault), float64(sub.CreatedAt.UnixNano())/float64(time.Second),
	)
	if err != nil {
		return "", &swarmerrors.RegistryWriteError{AgentID: agentID, Err: err}
	}

	r.mu.Lock()
	r.byAgent[agentID] = append(r.byAgent[agentID], sub)
	r.mu.Unlock()

	return sub.ID, nil
}

// Unregister implements Registry.
func (r *SQLiteRegistry) Unregister(subscriptionID string) error {
	if _, err := r.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, subscriptionID); err != nil {
		return &swarmerrors.RegistryWriteError{Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for agentID, subs := range r.byAgent {
		for i, s := range subs {
			if s.ID == subscriptionID {
				r.byAgent[agentID] = append(subs[:i], subs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

// UnregisterAll implements Registry.
func (r *SQLiteRegistry) UnregisterAll(agentID string) error {
	if _, err := r.db.Exec(`DELETE FROM subscriptions WHERE agent_id = ?`, agentID); err != nil {
		return &swarmerrors.RegistryWriteError{AgentID: agentID, Err: err}
	}

	r.mu.Lock()
	delete(r.byAgent, agentID)
	r.mu.Unlock()
	return nil
}

// UnregisterDefaults implements Registry.
func (r *SQLiteRegistry) UnregisterDefaults(agentID string) error {
	existing, err := r.ListFor(agentID)
	if err != nil {
		return err
	}
	for _, s := range existing {
		if s.IsDefault {
			if err := r.Unregister(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// RegisterDefaults implements Registry. It is idempotent: calling it n
// times yields the same subscription set as calling it once (§8 property 6).
func (r *SQLiteRegistry) RegisterDefaults(agentID, filePath string) error {
	existing, err := r.ListFor(agentID)
	if err != nil {
		return err
	}
	for _, s := range existing {
		if s.IsDefault {
			if err := r.Unregister(s.ID); err != nil {
				return err
			}
		}
	}

	for _, pattern := range DefaultPatterns(agentID, filePath) {
		if _, err := r.Register(agentID, pattern, true); err != nil {
			return err
		}
	}
	return nil
}

// ListFor implements Registry.
func (r *SQLiteRegistry) ListFor(agentID string) ([]Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := r.byAgent[agentID]
	out := make([]Subscription, len(subs))
	copy(out, subs)
	return out, nil
}

// Match implements Registry. It returns a deduplicated set of agent IDs,
// sorted by agent ID so the order is deterministic given equal inputs.
func (r *SQLiteRegistry) Match(e *event.Envelope) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var matched []string
	for agentID, subs := range r.byAgent {
		if seen[agentID] {
			continue
		}
		for _, s := range subs {
			if s.Pattern.Matches(e) {
				seen[agentID] = true
				matched = append(matched, agentID)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched
}

// Close implements Registry.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
