// Package store provides storage backends for TablePipe.
//
// It persists conversations and their append-only message history, and the
// inbound_dedup table behind dedup.StoreCache. SQLite and PostgreSQL are
// supported; InMemoryStore serves tests and database-less runs.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TablePipe/internal/dedup"
	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/google/uuid"
)

// DefaultHistoryLimit is the number of messages loaded as agent context.
const DefaultHistoryLimit = 10

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract of the dialogue orchestrator.
type Store interface {
	// GetOrCreateConversation returns the open conversation of userPhone, creating one if needed.
	GetOrCreateConversation(userPhone string) (models.Conversation, error)
	// IsNewUser reports whether userPhone has no conversation at all.
	IsNewUser(userPhone string) (bool, error)
	// GetHistory returns up to limit most recent messages, oldest first.
	GetHistory(conversationID string, limit int) ([]models.Message, error)
	// SaveMessage appends msg, assigning ID and CreatedAt, and touches the conversation.
	SaveMessage(msg models.Message) (models.Message, error)
	// CloseConversation marks one conversation closed.
	CloseConversation(conversationID string) error
	// CloseOpenConversations closes every open conversation of userPhone.
	CloseOpenConversations(userPhone string) (int64, error)
	// MarkDelivered stamps delivered_at on the outbound message with the given transport id.
	MarkDelivered(waMessageID string) error
	// MarkRead stamps read_at on the outbound message with the given transport id.
	MarkRead(waMessageID string) error
	Close() error
}

// Ensure every backend implements Store and dedup.Repo
var (
	_ Store      = (*InMemoryStore)(nil)
	_ Store      = (*SQLiteStore)(nil)
	_ Store      = (*PostgresStore)(nil)
	_ dedup.Repo = (*InMemoryStore)(nil)
	_ dedup.Repo = (*SQLiteStore)(nil)
	_ dedup.Repo = (*PostgresStore)(nil)
)

// Opts holds configuration for SQL store constructors.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and key=value
// connection strings, and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	for _, key := range []string{"host=", "dbname=", "user=", "sslmode="} {
		if strings.Contains(lower, key) {
			return "postgres"
		}
	}
	return "sqlite3"
}

func newID() string {
	return uuid.NewString()
}

func now() time.Time {
	return time.Now().UTC()
}

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	messages      []models.Message
	dedup         map[string]dedupRow
}

type dedupRow struct {
	senderID string
	receivedAt    time.Time
	processedAt   *time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: map[string]*models.Conversation{},
		dedup:         map[string]dedupRow{},
	}
}

func (s *InMemoryStore) openFor(userPhone string) *models.Conversation {
	for _, c := range s.conversations {
		if c.UserPhone == userPhone && c.Status == models.ConversationOpen {
			return c
		}
	}
	return nil
}

func (s *InMemoryStore) GetOrCreateConversation(userPhone string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.openFor(userPhone); c != nil {
		return *c, nil
	}
	t := now()
	c := &models.Conversation{ID: newID(), UserPhone: userPhone, Status: models.ConversationOpen, StartedAt: t, LastMessageAt: t}
	s.conversations[c.ID] = c
	return *c, nil
}

func (s *InMemoryStore) IsNewUser(userPhone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.UserPhone == userPhone {
			return false, nil
		}
	}
	return true, nil
}

func (s *InMemoryStore) GetHistory(conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) SaveMessage(msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	msg.ID = newID()
	msg.CreatedAt = now()
	if msg.MessageType == "" {
		msg.MessageType = "text"
	}
	s.messages = append(s.messages, msg)
	c.LastMessageAt = msg.CreatedAt
	return msg, nil
}

func (s *InMemoryStore) CloseConversation(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	c.Status = models.ConversationClosed
	return nil
}

func (s *InMemoryStore) CloseOpenConversations(userPhone string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.conversations {
		if c.UserPhone == userPhone && c.Status == models.ConversationOpen {
			c.Status = models.ConversationClosed
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) mark(waMessageID string, set func(*models.Message, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := now()
	found := false
	for i := range s.messages {
		if s.messages[i].WAMessageID == waMessageID {
			set(&s.messages[i], t)
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *InMemoryStore) MarkDelivered(waMessageID string) error {
	return s.mark(waMessageID, func(m *models.Message, t time.Time) { m.DeliveredAt = &t })
}

func (s *InMemoryStore) MarkRead(waMessageID string) error {
	return s.mark(waMessageID, func(m *models.Message, t time.Time) { m.ReadAt = &t })
}

// Conversations returns a snapshot ordered by start time (for tests and stats).
func (s *InMemoryStore) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *InMemoryStore) RecordInbound(messageID, senderID string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.dedup[messageID]; ok && !row.receivedAt.Before(staleBefore) {
		return false, nil
	}
	s.dedup[messageID] = dedupRow{senderID: senderID, receivedAt: now()}
	return true, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.dedup[messageID]
	return ok && !row.receivedAt.Before(since), nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	t := now()
	row.processedAt = &t
	s.dedup[messageID] = row
	return nil
}

func (s *InMemoryStore) PurgeInboundBefore(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.dedup {
		if row.receivedAt.Before(before) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
