package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("not found")
)

// MessageStore manages local chat history and the persisted device table
type MessageStore struct {
	db *sql.DB
}

// StoredMessage represents a message row
type StoredMessage struct {
	ID             int64
	MessageID      string
	ConversationID string
	SenderID       string
	SenderName     string
	RecipientID    string
	Content        string
	Timestamp      int64
	Status         string
	IsOutgoing     bool
	HopCount       int
}

// Conversation represents a conversation thread with one peer (or the
// broadcast channel)
type Conversation struct {
	ID            string
	PeerID        string
	LastMessageID string
	LastMessage   string
	LastTimestamp int64
	UnreadCount   int
}

// StoredDevice represents a persisted device-registry row, so known devices
// survive restarts
type StoredDevice struct {
	ID       string
	Name     string
	Address  string
	RSSI     int
	LastSeen int64
	HopCount int
}

// Open opens (or creates) the message store at the given path. Use
// ":memory:" for an ephemeral store.
func Open(dbPath string) (*MessageStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// WAL mode for better concurrency between the router goroutines and
	// API reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	store := &MessageStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates database tables
func (s *MessageStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		conversation_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		recipient_id TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		status TEXT NOT NULL,
		is_outgoing INTEGER NOT NULL,
		hop_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		last_message_id TEXT,
		last_message TEXT,
		last_timestamp INTEGER,
		unread_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		rssi INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL,
		hop_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_timestamp ON conversations(last_timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %v", err)
	}
	return nil
}

// Stats returns row counts per table
func (s *MessageStore) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	for _, table := range []string{"messages", "conversations", "devices"} {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err == nil {
			stats[table] = count
		}
	}
	return stats
}

// Close closes the database connection
func (s *MessageStore) Close() error {
	return s.db.Close()
}
