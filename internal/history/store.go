package history

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Roles a turn can carry.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one role-tagged message in a conversation. Immutable once stored.
type Turn struct {
	Role string
	Text string
}

// Store is an append-only SQLite log of conversation turns, keyed by chat.
// Message text is base64-encoded at rest so arbitrary bytes (control
// characters, multi-byte sequences) round-trip exactly.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at the given path, ensuring the parent
// directory exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory db: %w", err)
	}
	return &Store{db: db}, nil
}

// Init creates the history table if it does not exist.
func (s *Store) Init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (unixepoch())
		);
		CREATE INDEX IF NOT EXISTS idx_history_chat_id ON history(chat_id, id);
	`)
	if err != nil {
		return fmt.Errorf("failed to init history schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one turn for the given chat. Each call is a single atomic
// insert; there is no cross-call transaction spanning read-then-append.
func (s *Store) Append(chatID int64, role, text string) error {
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	_, err := s.db.Exec(
		"INSERT INTO history (chat_id, role, text) VALUES (?, ?, ?)",
		chatID, role, encoded,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s turn for chat %d: %w", role, chatID, err)
	}
	return nil
}

// ReadAll returns every turn for the given chat, most recent first.
func (s *Store) ReadAll(chatID int64) ([]Turn, error) {
	rows, err := s.db.Query(
		"SELECT role, text FROM history WHERE chat_id = ? ORDER BY id DESC",
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read history for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var role, encoded string
		if err := rows.Scan(&role, &encoded); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		text, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode history row for chat %d: %w", chatID, err)
		}
		turns = append(turns, Turn{Role: role, Text: string(text)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history for chat %d: %w", chatID, err)
	}
	return turns, nil
}
