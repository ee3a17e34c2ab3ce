// Package dedup absorbs retried webhook deliveries by remembering recently
// seen inbound message IDs for a fixed retention window.
package dedup

import (
	"context"
	"time"
)

// DefaultWindow is how long a message ID is remembered.
const DefaultWindow = 5 * time.Minute

// Cache is a time-bounded set of inbound message IDs.
type Cache interface {
	// SeenOrRecord atomically inserts messageID if absent. It returns true when
	// the ID was already present, meaning the caller must drop the event.
	SeenOrRecord(ctx context.Context, messageID string) (bool, error)

	// Seen reports whether messageID is currently remembered.
	Seen(ctx context.Context, messageID string) (bool, error)

	// Record remembers messageID for the retention window.
	Record(ctx context.Context, messageID string) error
}

// Sizer is implemented by caches that can report how many IDs they hold.
type Sizer interface {
	Len() int
}
