// Package store provides storage backends for TablePipe.
//
// This file implements a PostgreSQL-backed store for conversations and messages.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	_ "embed"

	"github.com/BTreeMap/TablePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to open connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("PostgresStore.NewPostgresStore: failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore.NewPostgresStore: migrations applied")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetOrCreateConversation(userPhone string) (models.Conversation, error) {
	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations
		WHERE user_phone = $1 AND status = 'open' ORDER BY last_message_at DESC LIMIT 1`, userPhone)
	c, err := scanConversationRow(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		slog.Error("PostgresStore.GetOrCreateConversation: lookup failed", "error", err, "user", userPhone)
		return models.Conversation{}, fmt.Errorf("failed to find conversation for %s: %w", userPhone, err)
	}

	t := now()
	c = models.Conversation{ID: newID(), UserPhone: userPhone, Status: models.ConversationOpen, StartedAt: t, LastMessageAt: t}
	_, err = s.db.Exec(`INSERT INTO conversations (id, user_phone, status, started_at, last_message_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.UserPhone, c.Status, c.StartedAt, c.LastMessageAt)
	if err != nil {
		slog.Error("PostgresStore.GetOrCreateConversation: insert failed", "error", err, "user", userPhone)
		return models.Conversation{}, fmt.Errorf("failed to create conversation for %s: %w", userPhone, err)
	}
	slog.Debug("PostgresStore.GetOrCreateConversation: created", "user", userPhone, "id", c.ID)
	return c, nil
}

func (s *PostgresStore) IsNewUser(userPhone string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM conversations WHERE user_phone = $1`, userPhone).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count conversations: %w", err)
	}
	return n == 0, nil
}

func (s *PostgresStore) GetHistory(conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2`, conversationID, limit)
	if err != nil {
		slog.Error("PostgresStore.GetHistory: query failed", "error", err, "conversation", conversationID)
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return collectHistory(rows)
}

func (s *PostgresStore) SaveMessage(msg models.Message) (models.Message, error) {
	msg.ID = newID()
	msg.CreatedAt = now()
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	_, err := s.db.Exec(`INSERT INTO messages (id, conversation_id, wa_message_id, direction, sender, message_type, text_content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ConversationID, nilIfEmpty(msg.WAMessageID), msg.Direction, msg.Sender, msg.MessageType, nilIfEmpty(msg.Text), msg.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveMessage: insert failed", "error", err, "conversation", msg.ConversationID)
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE conversations SET last_message_at = $1 WHERE id = $2`, msg.CreatedAt, msg.ConversationID); err != nil {
		slog.Warn("PostgresStore.SaveMessage: failed to touch conversation", "error", err, "conversation", msg.ConversationID)
	}
	return msg, nil
}

func (s *PostgresStore) CloseConversation(conversationID string) error {
	res, err := s.db.Exec(`UPDATE conversations SET status = 'closed' WHERE id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to close conversation: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *PostgresStore) CloseOpenConversations(userPhone string) (int64, error) {
	res, err := s.db.Exec(`UPDATE conversations SET status = 'closed' WHERE user_phone = $1 AND status = 'open'`, userPhone)
	if err != nil {
		return 0, fmt.Errorf("failed to close conversations: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) MarkDelivered(waMessageID string) error {
	res, err := s.db.Exec(`UPDATE messages SET delivered_at = $1 WHERE wa_message_id = $2`, now(), waMessageID)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return affectedOrNotFound(res)
}

func (s *PostgresStore) MarkRead(waMessageID string) error {
	res, err := s.db.Exec(`UPDATE messages SET read_at = $1 WHERE wa_message_id = $2`, now(), waMessageID)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return affectedOrNotFound(res)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
