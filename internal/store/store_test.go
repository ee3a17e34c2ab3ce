package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/TablePipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type backend interface {
	Store
	RecordInbound(messageID, senderID string, staleBefore time.Time) (bool, error)
	IsDuplicate(messageID string, since time.Time) (bool, error)
	MarkProcessed(messageID string) error
	PurgeInboundBefore(before time.Time) (int64, error)
}

func backends(t *testing.T) map[string]backend {
	t.Helper()
	out := map[string]backend{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
	if dsn, ok := syscall.Getenv("DATABASE_URL"); ok && DetectDSNType(dsn) == "postgres" {
		pg, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err == nil {
			pg.db.Exec("DELETE FROM messages")
			pg.db.Exec("DELETE FROM conversations")
			pg.db.Exec("DELETE FROM inbound_dedup")
			t.Cleanup(func() { pg.Close() })
			out["postgres"] = pg
		}
	}
	return out
}

func TestStore_ConversationLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			user := "447700900123"
			isNew, err := s.IsNewUser(user)
			if err != nil || !isNew {
				t.Fatalf("IsNewUser before any conversation = %v, %v", isNew, err)
			}

			c1, err := s.GetOrCreateConversation(user)
			if err != nil {
				t.Fatalf("GetOrCreateConversation: %v", err)
			}
			if c1.Status != models.ConversationOpen || c1.UserPhone != user {
				t.Errorf("unexpected conversation %+v", c1)
			}
			c2, _ := s.GetOrCreateConversation(user)
			if c2.ID != c1.ID {
				t.Errorf("expected the open conversation to be reused, got %s and %s", c1.ID, c2.ID)
			}
			if isNew, _ := s.IsNewUser(user); isNew {
				t.Error("user with a conversation reported as new")
			}

			if err := s.CloseConversation(c1.ID); err != nil {
				t.Fatalf("CloseConversation: %v", err)
			}
			c3, _ := s.GetOrCreateConversation(user)
			if c3.ID == c1.ID {
				t.Error("closed conversation was reopened")
			}
			if isNew, _ := s.IsNewUser(user); isNew {
				t.Error("returning user reported as new after close")
			}

			n, err := s.CloseOpenConversations(user)
			if err != nil || n != 1 {
				t.Errorf("CloseOpenConversations = %d, %v", n, err)
			}
			if err := s.CloseConversation("missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("CloseConversation(missing) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_HistoryOldestFirst(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, _ := s.GetOrCreateConversation("447700900124")
			texts := []string{"one", "two", "three", "four"}
			for i, txt := range texts {
				dir, sender := models.DirectionIn, models.SenderUser
				if i%2 == 1 {
					dir, sender = models.DirectionOut, models.SenderBot
				}
				saved, err := s.SaveMessage(models.Message{ConversationID: c.ID, Direction: dir, Sender: sender, Text: txt})
				if err != nil {
					t.Fatalf("SaveMessage: %v", err)
				}
				if saved.ID == "" || saved.MessageType != "text" {
					t.Errorf("saved message not filled in: %+v", saved)
				}
			}

			hist, err := s.GetHistory(c.ID, 3)
			if err != nil {
				t.Fatalf("GetHistory: %v", err)
			}
			if len(hist) != 3 {
				t.Fatalf("len(history) = %d, want 3", len(hist))
			}
			for i, want := range []string{"two", "three", "four"} {
				if hist[i].Text != want {
					t.Errorf("history[%d] = %q, want %q", i, hist[i].Text, want)
				}
			}
			if hist[0].Sender != models.SenderBot || hist[1].Direction != models.DirectionIn {
				t.Errorf("direction/sender not preserved: %+v", hist)
			}

			all, _ := s.GetHistory(c.ID, 0)
			if len(all) != 4 {
				t.Errorf("unbounded history = %d, want 4", len(all))
			}
		})
	}
}

func TestStore_MarkDeliveredAndRead(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, _ := s.GetOrCreateConversation("447700900125")
			if _, err := s.SaveMessage(models.Message{ConversationID: c.ID, WAMessageID: "wamid.OUT", Direction: models.DirectionOut, Sender: models.SenderBot, Text: "hi"}); err != nil {
				t.Fatalf("SaveMessage: %v", err)
			}
			if err := s.MarkDelivered("wamid.OUT"); err != nil {
				t.Fatalf("MarkDelivered: %v", err)
			}
			if err := s.MarkRead("wamid.OUT"); err != nil {
				t.Fatalf("MarkRead: %v", err)
			}
			hist, _ := s.GetHistory(c.ID, 10)
			if len(hist) != 1 || hist[0].DeliveredAt == nil || hist[0].ReadAt == nil {
				t.Errorf("delivery marks not stored: %+v", hist)
			}
			if err := s.MarkRead("wamid.UNKNOWN"); !errors.Is(err, ErrNotFound) {
				t.Errorf("MarkRead(unknown) = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStore_DedupRepo(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			window := 5 * time.Minute
			stale := func() time.Time { return time.Now().Add(-window) }

			inserted, err := s.RecordInbound("wamid.in1", "447700900126", stale())
			if err != nil || !inserted {
				t.Fatalf("first RecordInbound = %v, %v", inserted, err)
			}
			inserted, _ = s.RecordInbound("wamid.in1", "447700900126", stale())
			if inserted {
				t.Error("redelivery inside the window was inserted again")
			}
			if dup, _ := s.IsDuplicate("wamid.in1", stale()); !dup {
				t.Error("IsDuplicate should see the recorded id")
			}
			if err := s.MarkProcessed("wamid.in1"); err != nil {
				t.Errorf("MarkProcessed: %v", err)
			}

			// A cutoff in the future makes the existing row stale, so it is revived.
			inserted, _ = s.RecordInbound("wamid.in1", "447700900126", time.Now().Add(time.Hour))
			if !inserted {
				t.Error("stale row should be revived")
			}

			n, err := s.PurgeInboundBefore(time.Now().Add(time.Hour))
			if err != nil || n != 1 {
				t.Errorf("PurgeInboundBefore = %d, %v", n, err)
			}
			if dup, _ := s.IsDuplicate("wamid.in1", time.Time{}); dup {
				t.Error("purged id still reported")
			}
		})
	}
}

func TestSQLiteStore_ConcurrentRecordInboundHasOneWinner(t *testing.T) {
	s := newTestSQLiteStore(t)
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.RecordInbound("wamid.race", "", time.Now().Add(-time.Minute))
			if err == nil && ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "nested", "tablepipe.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	c, _ := s1.GetOrCreateConversation("447700900127")
	s1.SaveMessage(models.Message{ConversationID: c.ID, Direction: models.DirectionIn, Sender: models.SenderUser, Text: "hello"})
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()
	c2, _ := s2.GetOrCreateConversation("447700900127")
	if c2.ID != c.ID {
		t.Errorf("open conversation lost across restart")
	}
	hist, _ := s2.GetHistory(c.ID, 10)
	if len(hist) != 1 || hist[0].Text != "hello" {
		t.Errorf("history lost across restart: %+v", hist)
	}
}

func TestNewSQLiteStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://user:pw@localhost/db", "postgres"},
		{"postgresql://localhost/db", "postgres"},
		{"host=localhost user=postgres dbname=test", "postgres"},
		{"/var/lib/tablepipe/tablepipe.db", "sqlite3"},
		{"file:test.db?_foreign_keys=on", "sqlite3"},
	}
	for _, tt := range tests {
		if got := DetectDSNType(tt.dsn); got != tt.want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}
