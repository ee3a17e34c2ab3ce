// Package store provides storage backends for TablePipe.
//
// This file implements an SQLite-backed store for conversations and messages.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/TablePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to open connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and keeps the upsert checks atomic.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("SQLiteStore.NewSQLiteStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: migrations applied", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetOrCreateConversation(userPhone string) (models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations
		WHERE user_phone = ? AND status = 'open' ORDER BY last_message_at DESC LIMIT 1`, userPhone)
	c, err := scanConversationRow(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		slog.Error("SQLiteStore.GetOrCreateConversation: lookup failed", "error", err, "user", userPhone)
		return models.Conversation{}, fmt.Errorf("failed to find conversation for %s: %w", userPhone, err)
	}

	t := now()
	c = models.Conversation{ID: newID(), UserPhone: userPhone, Status: models.ConversationOpen, StartedAt: t, LastMessageAt: t}
	_, err = s.db.Exec(`INSERT INTO conversations (id, user_phone, status, started_at, last_message_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserPhone, c.Status, c.StartedAt, c.LastMessageAt)
	if err != nil {
		slog.Error("SQLiteStore.GetOrCreateConversation: insert failed", "error", err, "user", userPhone)
		return models.Conversation{}, fmt.Errorf("failed to create conversation for %s: %w", userPhone, err)
	}
	slog.Debug("SQLiteStore.GetOrCreateConversation: created", "user", userPhone, "id", c.ID)
	return c, nil
}

func (s *SQLiteStore) IsNewUser(userPhone string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM conversations WHERE user_phone = ?`, userPhone).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count conversations: %w", err)
	}
	return n == 0, nil
}

func (s *SQLiteStore) GetHistory(conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		slog.Error("SQLiteStore.GetHistory: query failed", "error", err, "conversation", conversationID)
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return collectHistory(rows)
}

func (s *SQLiteStore) SaveMessage(msg models.Message) (models.Message, error) {
	msg.ID = newID()
	msg.CreatedAt = now()
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	_, err := s.db.Exec(`INSERT INTO messages (id, conversation_id, wa_message_id, direction, sender, message_type, text_content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, nilIfEmpty(msg.WAMessageID), msg.Direction, msg.Sender, msg.MessageType, nilIfEmpty(msg.Text), msg.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveMessage: insert failed", "error", err, "conversation", msg.ConversationID)
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE conversations SET last_message_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID); err != nil {
		slog.Warn("SQLiteStore.SaveMessage: failed to touch conversation", "error", err, "conversation", msg.ConversationID)
	}
	return msg, nil
}

func (s *SQLiteStore) CloseConversation(conversationID string) error {
	res, err := s.db.Exec(`UPDATE conversations SET status = 'closed' WHERE id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to close conversation: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *SQLiteStore) CloseOpenConversations(userPhone string) (int64, error) {
	res, err := s.db.Exec(`UPDATE conversations SET status = 'closed' WHERE user_phone = ? AND status = 'open'`, userPhone)
	if err != nil {
		return 0, fmt.Errorf("failed to close conversations: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) MarkDelivered(waMessageID string) error {
	res, err := s.db.Exec(`UPDATE messages SET delivered_at = ? WHERE wa_message_id = ?`, now(), waMessageID)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *SQLiteStore) MarkRead(waMessageID string) error {
	res, err := s.db.Exec(`UPDATE messages SET read_at = ? WHERE wa_message_id = ?`, now(), waMessageID)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return affectedOrNotFound(res)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("SQLiteStore.Close: closing database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("SQLiteStore.Close: failed", "error", err)
	}
	return err
}
