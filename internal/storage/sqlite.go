package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rai/internal/chat"
)

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

const timeLayout = "2006-01-02 15:04:05"

// Store persists chat logs of finished and running sessions
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) the database at dbPath. ":memory:" keeps it in RAM.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			bot_name TEXT NOT NULL,
			username TEXT NOT NULL,
			tier TEXT NOT NULL,
			message_count INTEGER DEFAULT 0,
			compaction_count INTEGER DEFAULT 0,
			last_summary TEXT DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			role TEXT NOT NULL,
			author TEXT NOT NULL,
			content TEXT NOT NULL,
			reply_to TEXT DEFAULT '',
			sent_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id);`,
		`CREATE TABLE IF NOT EXISTS tier_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			from_tier TEXT NOT NULL,
			to_tier TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

// SessionRecord is the stored metadata of one conversation
type SessionRecord struct {
	ID              string `json:"id"`
	BotName         string `json:"bot_name"`
	Username        string `json:"username"`
	Tier            string `json:"tier"`
	MessageCount    int    `json:"message_count"`
	CompactionCount int    `json:"compaction_count"`
	LastSummary     string `json:"last_summary,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// CreateSession registers a new conversation
func (s *Store) CreateSession(id, botName, username, tier string) error {
	ts := s.timestamp()
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, bot_name, username, tier, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, botName, username, tier, ts, ts,
	)
	return err
}

// GetSession returns the metadata of a conversation
func (s *Store) GetSession(id string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.db.QueryRow(`
		SELECT id, bot_name, username, tier, message_count, compaction_count, last_summary, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&rec.ID, &rec.BotName, &rec.Username, &rec.Tier, &rec.MessageCount,
		&rec.CompactionCount, &rec.LastSummary, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSessions returns the most recently updated conversations
func (s *Store) ListSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, bot_name, username, tier, message_count, compaction_count, last_summary, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC, created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.BotName, &rec.Username, &rec.Tier, &rec.MessageCount,
			&rec.CompactionCount, &rec.LastSummary, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

// SaveMessage appends msg to the stored chat log of a session
func (s *Store) SaveMessage(sessionID string, msg *chat.Message) error {
	replyTo := ""
	if parent := msg.ReplyTo(); parent != nil {
		replyTo = parent.ID()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO session_messages (session_id, message_id, role, author, content, reply_to, sent_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		sessionID, msg.ID(), msg.Role(), msg.Author(), msg.Content(), replyTo, msg.SentAt().UTC().Format(timeLayout),
	)
	if err != nil {
		return err
	}
	if err := s.touch(tx, sessionID, "message_count = message_count + 1"); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveSummary records a context compression
func (s *Store) SaveSummary(sessionID, summary string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE sessions SET last_summary = ? WHERE id = ?", summary, sessionID); err != nil {
		return err
	}
	if err := s.touch(tx, sessionID, "compaction_count = compaction_count + 1"); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveTierChange records a model tier switch
func (s *Store) SaveTierChange(sessionID, from, to string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO tier_changes (session_id, from_tier, to_tier, created_at) VALUES (?, ?, ?, ?)",
		sessionID, from, to, s.timestamp(),
	); err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE sessions SET tier = ? WHERE id = ?", to, sessionID); err != nil {
		return err
	}
	if err := s.touch(tx, sessionID, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) touch(tx *sql.Tx, sessionID, extra string) error {
	query := "UPDATE sessions SET updated_at = ?"
	if extra != "" {
		query += ", " + extra
	}
	res, err := tx.Exec(query+" WHERE id = ?", s.timestamp(), sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// StoredMessage is one persisted chat log entry
type StoredMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Author  string `json:"author"`
	Content string `json:"content"`
	ReplyTo string `json:"reply_to,omitempty"`
	SentAt  string `json:"sent_at"`
}

// GetSessionMessages returns the chat log of a session in order.
// A limit of zero or less returns every message.
func (s *Store) GetSessionMessages(sessionID string, limit int) ([]StoredMessage, error) {
	query := `
		SELECT message_id, role, author, content, reply_to, sent_at
		FROM (
			SELECT id, message_id, role, author, content, reply_to, sent_at
			FROM session_messages
			WHERE session_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(query, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []StoredMessage
	for rows.Next() {
		var msg StoredMessage
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Author, &msg.Content, &msg.ReplyTo, &msg.SentAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// TierChange is one recorded tier switch
type TierChange struct {
	From      string `json:"from"`
	To        string `json:"to"`
	CreatedAt string `json:"created_at"`
}

// GetTierChanges returns the tier history of a session
func (s *Store) GetTierChanges(sessionID string) ([]TierChange, error) {
	rows, err := s.db.Query(
		"SELECT from_tier, to_tier, created_at FROM tier_changes WHERE session_id = ? ORDER BY id ASC",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []TierChange
	for rows.Next() {
		var c TierChange
		if err := rows.Scan(&c.From, &c.To, &c.CreatedAt); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// DeleteSession removes a session and its history
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// PruneSessions deletes sessions not updated since cutoff and returns how
// many were removed.
func (s *Store) PruneSessions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM sessions WHERE updated_at < ?", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
