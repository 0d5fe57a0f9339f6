// Package transcript provides the per-agent, append-only message log
// that backs the get_messages RPC: a paginated read of an agent's
// conversation history for newly attaching clients reconstructing state
// before subscribing to live events.
package transcript

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one row of an agent's transcript.
type Message struct {
	Index      int
	Role       string
	Content    string
	ToolCallID string
	Meta       string
	Timestamp  time.Time
}

// Store is a SQLite-backed transcript log keyed by agent_id.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path using the
// driver name given — "sqlite3" (mattn/go-sqlite3, cgo) in production,
// "sqlite" (modernc.org/sqlite, pure Go) in tests — and runs the schema
// migration.
func Open(driverName, path string) (*Store, error) {
	db, err := sql.Open(driverName, path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		msg_index INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_call_id TEXT,
		meta TEXT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_agent_index ON messages(agent_id, msg_index);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append adds a new message to agentID's transcript, assigning it the
// next sequential index for that agent.
func (s *Store) Append(agentID, role, content, toolCallID, meta string) error {
	var nextIndex int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(msg_index) + 1, 0) FROM messages WHERE agent_id = ?`, agentID)
	if err := row.Scan(&nextIndex); err != nil {
		return fmt.Errorf("next index: %w", err)
	}

	id := uuid.New().String()
	_, err := s.db.Exec(
		`INSERT INTO messages (id, agent_id, msg_index, role, content, tool_call_id, meta) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, agentID, nextIndex, role, content, toolCallID, meta,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessages returns a page of agentID's transcript ordered by index,
// along with the total message count for that agent. Callers must
// already have validated 0 <= offset and 1 <= limit <= 2000.
func (s *Store) GetMessages(agentID string, offset, limit int) ([]Message, int, error) {
	var total int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE agent_id = ?`, agentID)
	if err := row.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT msg_index, role, content, tool_call_id, meta, timestamp FROM messages
		 WHERE agent_id = ? ORDER BY msg_index ASC LIMIT ? OFFSET ?`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var toolCallID, meta sql.NullString
		if err := rows.Scan(&m.Index, &m.Role, &m.Content, &toolCallID, &meta, &m.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		m.ToolCallID = toolCallID.String
		m.Meta = meta.String
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, total, nil
}

// Clear deletes every message for agentID.
func (s *Store) Clear(agentID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE agent_id = ?`, agentID); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
