package agentstate

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/bullish-design/remora/pkg/swarm/event"
)

// ErrNotFound is returned when an agent record does not exist.
var ErrNotFound = errors.New("agentstate: agent not found")

// SwarmRegistry is the catalog of known agents (§4.5). Orphaned agents are
// retained indefinitely for history and referential integrity of prior
// events — Delete is deliberately not part of this interface.
type SwarmRegistry interface {
	// Upsert inserts or updates a record, keyed by AgentID.
	Upsert(record Record) error

	// Get retrieves a record by AgentID.
	Get(agentID string) (Record, error)

	// List returns every record matching filter.
	List(filter Filter) ([]Record, error)

	// MarkOrphaned transitions a record to StatusOrphaned.
	MarkOrphaned(agentID string) error

	// FindByIdentity looks up the active record for an identity key within
	// one file, used by the Reconciler to preserve agent IDs across edits
	// (§4.6 step 3).
	FindByIdentity(key IdentityKey) (Record, bool, error)

	// Close releases any resources held by the registry.
	Close() error
}

// SQLiteSwarmRegistry persists the agents table of §6 to SQLite, following
// the same WAL + restrictive-permissions discipline as
// checkpoint.SQLiteStore.
type SQLiteSwarmRegistry struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteSwarmRegistry opens (or creates) the agents table at path.
func NewSQLiteSwarmRegistry(path string) (*SQLiteSwarmRegistry, error) {
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
		CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			node_type TEXT NOT NULL,
			name TEXT NOT NULL,
			qualified_name TEXT NOT NULL,
			file_path TEXT NOT NULL,
			parent_id TEXT,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			source_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("agentstate: create table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_agents_file ON agents(file_path)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("agentstate: create index: %w", err)
	}

	if path != ":memory:" {
		_ = os.Chmod(path, 0600)
	}

	return &SQLiteSwarmRegistry{db: db}, nil
}

// Upsert implements SwarmRegistry.
func (r *SQLiteSwarmRegistry) Upsert(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.UpdatedAt = time.Now()

	_, err := r.db.Exec(`
		INSERT INTO agents (agent_id, node_type, name, qualified_name, file_path, parent_id,
			start_line, end_line, source_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			node_type = excluded.node_type,
			name = excluded.name,
			qualified_name = excluded.qualified_name,
			file_path = excluded.file_path,
			parent_id = excluded.parent_id,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			source_hash = excluded.source_hash,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, rec.AgentID, string(rec.NodeType), rec.Name, rec.QualifiedName, rec.FilePath, nullableString(rec.ParentID),
		rec.StartLine, rec.EndLine, rec.SourceHash, string(rec.Status),
		toEpoch(rec.CreatedAt), toEpoch(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("agentstate: upsert agent %s: %w", rec.AgentID, err)
	}
	return nil
}

// Get implements SwarmRegistry.
func (r *SQLiteSwarmRegistry) Get(agentID string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRow(`
		SELECT agent_id, node_type, name, qualified_name, file_path, parent_id,
			start_line, end_line, source_hash, status, created_at, updated_at
		FROM agents WHERE agent_id = ?
	`, agentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("agentstate: get agent %s: %w", agentID, err)
	}
	return rec, nil
}

// List implements SwarmRegistry.
func (r *SQLiteSwarmRegistry) List(filter Filter) ([]Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.Query(`
		SELECT agent_id, node_type, name, qualified_name, file_path, parent_id,
			start_line, end_line, source_hash, status, created_at, updated_at
		FROM agents
	`)
	if err != nil {
		return nil, fmt.Errorf("agentstate: list agents: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("agentstate: scan agent: %w", err)
		}
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

// MarkOrphaned implements SwarmRegistry.
func (r *SQLiteSwarmRegistry) MarkOrphaned(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?`,
		string(StatusOrphaned), toEpoch(time.Now()), agentID)
	if err != nil {
		return fmt.Errorf("agentstate: mark orphaned %s: %w", agentID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByIdentity implements SwarmRegistry. The identity key's
// (parent_qualified_name, node_type, name) tuple of §4.6 is resolved
// against QualifiedName, which the Reconciler always derives as
// "<parent_qualified_name>.<name>" (or just "<name>" at the top level) —
// so a QualifiedName match within one file and node type is exactly the
// identity-key match §4.6 step 3 describes, without a parent join.
func (r *SQLiteSwarmRegistry) FindByIdentity(key IdentityKey) (Record, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	row := r.db.QueryRow(`
		SELECT agent_id, node_type, name, qualified_name, file_path, parent_id,
			start_line, end_line, source_hash, status, created_at, updated_at
		FROM agents
		WHERE file_path = ? AND node_type = ? AND qualified_name = ? AND status = ?
	`, key.FilePath, string(key.NodeType), key.QualifiedName(), string(StatusActive))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("agentstate: find by identity: %w", err)
	}
	return rec, true, nil
}

// Close implements SwarmRegistry.
func (r *SQLiteSwarmRegistry) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var nodeType, status string
	var parentID sql.NullString
	var createdAt, updatedAt float64
	err := row.Scan(&rec.AgentID, &nodeType, &rec.Name, &rec.QualifiedName, &rec.FilePath, &parentID,
		&rec.StartLine, &rec.EndLine, &rec.SourceHash, &status, &createdAt, &updatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.NodeType = parseNodeType(nodeType)
	rec.Status = Status(status)
	rec.ParentID = parentID.String
	rec.CreatedAt = fromEpoch(createdAt)
	rec.UpdatedAt = fromEpoch(updatedAt)
	return rec, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseNodeType(s string) event.NodeType {
	return event.NodeType(s)
}

func toEpoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromEpoch(f float64) time.Time {
	return time.Unix(0, int64(f*float64(time.Second))).UTC()
}
