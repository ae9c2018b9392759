package agentstate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/bullish-design/remora/pkg/swarm/subscription"
)

// ErrStateNotFound is returned when an agent has no persisted state yet.
var ErrStateNotFound = errors.New("agentstate: state not found")

// AgentStateStore persists the per-agent mutable record of §4.4: chat
// history, learned connections, and custom subscriptions. Last-writer-wins:
// concurrent Save calls for the same agent overwrite one another with no
// merge, matching §4.4's explicit resolution rule.
type AgentStateStore interface {
	// Load returns agentID's state, or ErrStateNotFound if it has never
	// been saved.
	Load(agentID string) (State, error)

	// Save overwrites agentID's full state (last-writer-wins).
	Save(state State) error

	// AppendChatMessage appends msg to agentID's chat history, creating
	// the state record if it does not already exist.
	AppendChatMessage(agentID string, msg ChatMessage) error

	// SetConnection records a learned agent-to-agent connection.
	SetConnection(agentID, key, targetAgentID string) error

	// SetCustomSubscriptions replaces agentID's custom subscription
	// patterns (distinct from the two always-present default patterns
	// of §3, which subscription.Registry owns).
	SetCustomSubscriptions(agentID string, patterns []subscription.Pattern) error

	// Close releases any resources held by the store.
	Close() error
}

// SQLiteAgentStateStore persists agent state to SQLite, following the same
// WAL + restrictive-permissions discipline as checkpoint.SQLiteStore.
type SQLiteAgentStateStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteAgentStateStore opens (or creates) the agent_state table at path.
func NewSQLiteAgentStateStore(path string) (*SQLiteAgentStateStore, error) {
	if path != ":memory:" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600); createErr == nil {
				f.Close()
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("agentstate: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("agentstate: enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_state (
			agent_id TEXT PRIMARY KEY,
			chat_history BLOB NOT NULL,
			connections BLOB NOT NULL,
			custom_subscriptions BLOB NOT NULL,
			last_activated_at REAL NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("agentstate: create table: %w", err)
	}

	if path != ":memory:" {
		_ = os.Chmod(path, 0600)
	}

	return &SQLiteAgentStateStore{db: db}, nil
}

// Load implements AgentStateStore.
func (s *SQLiteAgentStateStore) Load(agentID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT chat_history, connections, custom_subscriptions, last_activated_at
		FROM agent_state WHERE agent_id = ?
	`, agentID)

	var chatBlob, connBlob, subsBlob []byte
	var lastActivated float64
	err := row.Scan(&chatBlob, &connBlob, &subsBlob, &lastActivated)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrStateNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("agentstate: load state %s: %w", agentID, err)
	}

	out := State{AgentID: agentID, LastActivatedAt: fromEpoch(lastActivated)}
	if err := json.Unmarshal(chatBlob, &out.ChatHistory); err != nil {
		return State{}, fmt.Errorf("agentstate: decode chat history: %w", err)
	}
	if err := json.Unmarshal(connBlob, &out.Connections); err != nil {
		return State{}, fmt.Errorf("agentstate: decode connections: %w", err)
	}
	if err := json.Unmarshal(subsBlob, &out.CustomSubscriptions); err != nil {
		return State{}, fmt.Errorf("agentstate: decode custom subscriptions: %w", err)
	}
	return out, nil
}

// Save implements AgentStateStore.
func (s *SQLiteAgentStateStore) Save(state State) error {
	chatBlob, err := json.Marshal(state.ChatHistory)
	if err != nil {
		return fmt.Errorf("agentstate: encode chat history: %w", err)
	}
	connBlob, err := json.Marshal(state.Connections)
	if err != nil {
		return fmt.Errorf("agentstate: encode connections: %w", err)
	}
	subsBlob, err := json.Marshal(state.CustomSubscriptions)
	if err != nil {
		return fmt.Errorf("agentstate: encode custom subscriptions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(`
		INSERT INTO agent_state (agent_id, chat_history, connections, custom_subscriptions, last_activated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			chat_history = excluded.chat_history,
			connections = excluded.connections,
			custom_subscriptions = excluded.custom_subscriptions,
			last_activated_at = excluded.last_activated_at
	`, state.AgentID, chatBlob, connBlob, subsBlob, toEpoch(state.LastActivatedAt))
	if err != nil {
		return fmt.Errorf("agentstate: save state %s: %w", state.AgentID, err)
	}
	return nil
}

// AppendChatMessage implements AgentStateStore.
func (s *SQLiteAgentStateStore) AppendChatMessage(agentID string, msg ChatMessage) error {
	state, err := s.Load(agentID)
	if errors.Is(err, ErrStateNotFound) {
		state = State{AgentID: agentID, Connections: map[string]string{}}
	} else if err != nil {
		return err
	}
	state.ChatHistory = append(state.ChatHistory, msg)
	state.LastActivatedAt = msg.Timestamp
	return s.Save(state)
}

// SetConnection implements AgentStateStore.
func (s *SQLiteAgentStateStore) SetConnection(agentID, key, targetAgentID string) error {
	state, err := s.Load(agentID)
	if errors.Is(err, ErrStateNotFound) {
		state = State{AgentID: agentID}
	} else if err != nil {
		return err
	}
	if state.Connections == nil {
		state.Connections = make(map[string]string)
	}
	state.Connections[key] = targetAgentID
	return s.Save(state)
}

// SetCustomSubscriptions implements AgentStateStore.
func (s *SQLiteAgentStateStore) SetCustomSubscriptions(agentID string, patterns []subscription.Pattern) error {
	state, err := s.Load(agentID)
	if errors.Is(err, ErrStateNotFound) {
		state = State{AgentID: agentID, Connections: map[string]string{}}
	} else if err != nil {
		return err
	}
	state.CustomSubscriptions = patterns
	return s.Save(state)
}

// Close implements AgentStateStore.
func (s *SQLiteAgentStateStore) Close() error {
	return s.db.Close()
}

// MemoryAgentStateStore is an in-process AgentStateStore, grounded on
// checkpoint.MemoryStore, for tests and single-process ephemeral use.
type MemoryAgentStateStore struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryAgentStateStore creates an empty in-memory store.
func NewMemoryAgentStateStore() *MemoryAgentStateStore {
	return &MemoryAgentStateStore{states: make(map[string]State)}
}

// Load implements AgentStateStore.
func (m *MemoryAgentStateStore) Load(agentID string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[agentID]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return s.Clone(), nil
}

// Save implements AgentStateStore.
func (m *MemoryAgentStateStore) Save(state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.AgentID] = state.Clone()
	return nil
}

// AppendChatMessage implements AgentStateStore.
func (m *MemoryAgentStateStore) AppendChatMessage(agentID string, msg ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[agentID]
	if !ok {
		s = State{AgentID: agentID, Connections: map[string]string{}}
	}
	s.ChatHistory = append(s.ChatHistory, msg)
	s.LastActivatedAt = msg.Timestamp
	m.states[agentID] = s.Clone()
	return nil
}

// SetConnection implements AgentStateStore.
func (m *MemoryAgentStateStore) SetConnection(agentID, key, targetAgentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[agentID]
	if !ok {
		s = State{AgentID: agentID}
	}
	if s.Connections == nil {
		s.Connections = make(map[string]string)
	}
	s.Connections[key] = targetAgentID
	m.states[agentID] = s.Clone()
	return nil
}

// SetCustomSubscriptions implements AgentStateStore.
func (m *MemoryAgentStateStore) SetCustomSubscriptions(agentID string, patterns []subscription.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[agentID]
	if !ok {
		s = State{AgentID: agentID, Connections: map[string]string{}}
	}
	s.CustomSubscriptions = patterns
	m.states[agentID] = s.Clone()
	return nil
}

// Close implements AgentStateStore.
func (m *MemoryAgentStateStore) Close() error {
	return nil
}

// Len returns the number of agents with persisted state. Useful for tests.
func (m *MemoryAgentStateStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
