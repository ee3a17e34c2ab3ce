package conversation

import (
	"log/slog"

	"github.com/BTreeMap/TablePipe/internal/session"
)

// ConversationCloser closes the open conversations of a user. store.Store satisfies it.
type ConversationCloser interface {
	CloseOpenConversations(userPhone string) (int64, error)
}

// Purger drops expired records. dedup.StoreCache satisfies it.
type Purger interface {
	Purge()
}

// Maintenance is the periodic housekeeping job: it sweeps idle sessions,
// closes their conversations so the next message starts a new one, and
// purges expired dedup rows.
type Maintenance struct {
	sessions session.Store
	closer   ConversationCloser
	purgers  []Purger
}

// NewMaintenance creates the job. closer may be nil.
func NewMaintenance(sessions session.Store, closer ConversationCloser, purgers ...Purger) *Maintenance {
	return &Maintenance{sessions: sessions, closer: closer, purgers: purgers}
}

// Run performs one pass.
func (m *Maintenance) Run() {
	expired := m.sessions.SweepExpired()
	var closed int64
	if m.closer != nil {
		for _, user := range expired {
			n, err := m.closer.CloseOpenConversations(user)
			if err != nil {
				slog.Warn("Maintenance.Run: failed to close conversation", "user", user, "error", err)
				continue
			}
			closed += n
		}
	}
	for _, p := range m.purgers {
		p.Purge()
	}
	if len(expired) > 0 {
		slog.Info("Maintenance.Run: swept idle sessions", "sessions", len(expired), "conversations_closed", closed, "active", m.sessions.Count())
	}
}
