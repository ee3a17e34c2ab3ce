// Package session keeps the ephemeral per-user session records that span
// multiple turns. Sessions live in process memory only and are lost on restart.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TablePipe/internal/models"
)

// DefaultTimeout is the idle period after which a session counts as expired.
const DefaultTimeout = 30 * time.Minute

// Store defines the session operations used by the orchestrator and the reservation flow.
// All operations are total: an unknown user is a new session, never an error.
type Store interface {
	// Get returns a copy of the user's session, creating it with defaults if absent.
	Get(userID string) models.Session

	// Update applies fn to the user's session under the store lock and refreshes LastMessageTime.
	Update(userID string, fn func(*models.Session))

	// IsExpired reports whether the user has been idle longer than the timeout or has no session.
	IsExpired(userID string) bool

	// SweepExpired removes every expired session and returns the removed user IDs.
	SweepExpired() []string

	// Count returns the number of live sessions.
	Count() int
}

// Opts holds configuration options for the in-memory store.
type Opts struct {
	Timeout time.Duration
	Now     func() time.Time
}

// Option defines a configuration option for the in-memory store.
type Option func(*Opts)

// WithTimeout sets the idle timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = d
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// MemoryStore is a mutex-guarded map implementation of Store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	timeout  time.Duration
	now      func() time.Time
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty session store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := Opts{Timeout: DefaultTimeout, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	slog.Debug("session.NewMemoryStore: created", "timeout", cfg.Timeout)
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		timeout:  cfg.Timeout,
		now:      cfg.Now,
	}
}

// getLocked returns the live record, creating it if needed. Caller holds mu.
func (s *MemoryStore) getLocked(userID string) *models.Session {
	sess, ok := s.sessions[userID]
	if !ok {
		sess = &models.Session{
			UserID:          userID,
			IsFirstTime:     true,
			LastMessageTime: s.now(),
		}
		s.sessions[userID] = sess
		slog.Debug("MemoryStore.get: session created", "userID", userID)
	}
	return sess
}

// Get returns a copy of the user's session, creating it on first access.
func (s *MemoryStore) Get(userID string) models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(userID).Clone()
}

// Update mutates the session in place and stamps LastMessageTime.
func (s *MemoryStore) Update(userID string, fn func(*models.Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.getLocked(userID)
	if fn != nil {
		fn(sess)
	}
	sess.UserID = userID
	sess.LastMessageTime = s.now()
}

// IsExpired reports true for unknown users and for sessions idle longer than the timeout.
func (s *MemoryStore) IsExpired(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return true
	}
	return s.now().Sub(sess.LastMessageTime) > s.timeout
}

// SweepExpired drops idle sessions.
func (s *MemoryStore) SweepExpired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var removed []string
	for id, sess := range s.sessions {
		if now.Sub(sess.LastMessageTime) > s.timeout {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		slog.Debug("MemoryStore.SweepExpired: removed sessions", "count", len(removed), "remaining", len(s.sessions))
	}
	return removed
}

// Count returns the number of live sessions.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
