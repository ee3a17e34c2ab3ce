package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Repo is the persistence contract StoreCache needs. store.SQLiteStore and
// store.PostgresStore satisfy it.
type Repo interface {
	// RecordInbound inserts messageID, or revives a row received before staleBefore.
	// It returns false when a live row already exists.
	RecordInbound(messageID, senderID string, staleBefore time.Time) (bool, error)
	// IsDuplicate reports whether messageID was received at or after since.
	IsDuplicate(messageID string, since time.Time) (bool, error)
	// MarkProcessed stamps the row once the turn has finished.
	MarkProcessed(messageID string) error
	// PurgeInboundBefore deletes rows received before the cutoff.
	PurgeInboundBefore(before time.Time) (int64, error)
}

// Completer is implemented by caches that track turn completion.
type Completer interface {
	MarkProcessed(ctx context.Context, messageID string) error
}

// StoreCache keeps seen IDs in the application database so they survive restarts.
type StoreCache struct {
	repo   Repo
	window time.Duration
	now    func() time.Time
}

// Ensure StoreCache implements Cache and Completer
var (
	_ Cache     = (*StoreCache)(nil)
	_ Completer = (*StoreCache)(nil)
)

// NewStoreCache wraps repo with the given retention window.
func NewStoreCache(repo Repo, window time.Duration) *StoreCache {
	if window <= 0 {
		window = DefaultWindow
	}
	return &StoreCache{repo: repo, window: window, now: time.Now}
}

// SeenOrRecord performs a single conditional insert.
func (c *StoreCache) SeenOrRecord(_ context.Context, messageID string) (bool, error) {
	inserted, err := c.repo.RecordInbound(messageID, "", c.now().Add(-c.window))
	if err != nil {
		return false, fmt.Errorf("store dedup insert failed: %w", err)
	}
	return !inserted, nil
}

// Seen ignores rows older than the window even if they have not been purged yet.
func (c *StoreCache) Seen(_ context.Context, messageID string) (bool, error) {
	return c.repo.IsDuplicate(messageID, c.now().Add(-c.window))
}

// Record inserts messageID without reporting duplicates.
func (c *StoreCache) Record(ctx context.Context, messageID string) error {
	_, err := c.SeenOrRecord(ctx, messageID)
	return err
}

// MarkProcessed stamps the dedup row after the turn ends.
func (c *StoreCache) MarkProcessed(_ context.Context, messageID string) error {
	return c.repo.MarkProcessed(messageID)
}

// Purge deletes rows that fell out of the window. Intended to run periodically.
func (c *StoreCache) Purge() {
	n, err := c.repo.PurgeInboundBefore(c.now().Add(-c.window))
	if err != nil {
		slog.Warn("StoreCache.Purge: purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("StoreCache.Purge: purged dedup rows", "count", n)
	}
}
