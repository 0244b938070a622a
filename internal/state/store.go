// Package state provides durable SQLite-backed storage for aide's
// conversations and command audit trail.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/aide-sh/aide/internal/backend"
)

// Store provides SQLite-backed storage for sessions, messages, and commands.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens or creates a SQLite database at the given path.
// If the path is empty, it defaults to ~/.config/aide/aide.db.
func Open(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		path = filepath.Join(home, ".config", "aide", "aide.db")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	// WAL mode so readers (API listings) never block the writer.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Migrate applies all pending database migrations.
func (s *Store) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ApplyMigrations(s.db)
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ========================
// Session Operations
// ========================

// TouchSession creates the session on first sight and refreshes
// last_seen_at on every subsequent call. Sessions are created implicitly and
// never destroyed.
func (s *Store) TouchSession(id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, created_at, last_seen_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		id, now, now,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns (nil, nil) when absent.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := &Session{}
	err := s.db.QueryRow(`
		SELECT id, created_at, last_seen_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.LastSeenAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ========================
// Message Operations
// ========================

// AppendMessage appends a message to its session. Messages are immutable
// once written; there is deliberately no update path.
func (s *Store) AppendMessage(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO messages (id, session_id, sender, message, message_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Sender, msg.Text, msg.MessageType, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent messages of a session in
// chronological order. limit <= 0 means no limit.
func (s *Store) ListMessages(sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, session_id, sender, message, message_type, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Sender, &m.Text, &m.MessageType, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; flip to chronological for callers.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ========================
// Command Operations
// ========================

// CreateCommand persists a new command. The caller is responsible for
// starting it in StatusPending.
func (s *Store) CreateCommand(cmd *Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := marshalResult(cmd.Result)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO commands (id, session_id, command, description, platform, status, result, created_at, approved_at, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.SessionID, cmd.Command, cmd.Description, cmd.Platform, cmd.Status, resultJSON, cmd.CreatedAt, cmd.ApprovedAt, cmd.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("create command: %w", err)
	}
	return nil
}

// GetCommand retrieves a command by ID. Returns (nil, nil) when absent.
func (s *Store) GetCommand(id string) (*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cmd := &Command{}
	var resultJSON sql.NullString
	err := s.db.QueryRow(`
		SELECT id, session_id, command, COALESCE(description, ''), platform, status, result, created_at, approved_at, executed_at
		FROM commands WHERE id = ?`, id,
	).Scan(&cmd.ID, &cmd.SessionID, &cmd.Command, &cmd.Description, &cmd.Platform, &cmd.Status, &resultJSON, &cmd.CreatedAt, &cmd.ApprovedAt, &cmd.ExecutedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}

	if cmd.Result, err = unmarshalResult(resultJSON); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ListCommands returns commands filtered by session and status (empty = all),
// newest first.
func (s *Store) ListCommands(sessionID string, status Status) ([]Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, session_id, command, COALESCE(description, ''), platform, status, result, created_at, approved_at, executed_at
		FROM commands WHERE 1=1`
	var args []any
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var cmds []Command
	for rows.Next() {
		var cmd Command
		var resultJSON sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.SessionID, &cmd.Command, &cmd.Description, &cmd.Platform, &cmd.Status, &resultJSON, &cmd.CreatedAt, &cmd.ApprovedAt, &cmd.ExecutedAt); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		if cmd.Result, err = unmarshalResult(resultJSON); err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// MarkApproved transitions a command from pending to approved. The WHERE
// guard on the current status is the compare-and-swap that makes the
// transition out of pending exactly-once under concurrent approvals: of two
// racing callers, exactly one observes moved=true.
func (s *Store) MarkApproved(id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE commands SET status = ?, approved_at = ?
		WHERE id = ? AND status = ?`,
		StatusApproved, at, id, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark approved: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkFinished transitions a command from approved to executed or failed and
// stores the structured execution result. Guarded on the approved status so
// a finished command can never be finished twice.
func (s *Store) MarkFinished(id string, status Status, result *backend.Result, at time.Time) (bool, error) {
	if status != StatusExecuted && status != StatusFailed {
		return false, fmt.Errorf("mark finished: invalid terminal status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := marshalResult(result)
	if err != nil {
		return false, err
	}

	res, err := s.db.Exec(`
		UPDATE commands SET status = ?, result = ?, executed_at = ?
		WHERE id = ? AND status = ?`,
		status, resultJSON, at, id, StatusApproved,
	)
	if err != nil {
		return false, fmt.Errorf("mark finished: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkRejected sets a command to rejected unconditionally. The missing
// current-state guard is a deliberately preserved relaxation: rejecting an
// already-decided command rewrites its status rather than failing.
func (s *Store) MarkRejected(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE commands SET status = ? WHERE id = ?`, StatusRejected, id)
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	return nil
}

func marshalResult(r *backend.Result) (any, error) {
	if r == nil {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return string(data), nil
}

func unmarshalResult(col sql.NullString) (*backend.Result, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	r := &backend.Result{}
	if err := json.Unmarshal([]byte(col.String), r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return r, nil
}
