package store

import (
	"fmt"
	"time"
)

// RecordInbound inserts messageID, reviving a row older than staleBefore.
// The conditional upsert is one statement, so concurrent redeliveries have a single winner.
func (s *SQLiteStore) RecordInbound(messageID, senderID string, staleBefore time.Time) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, sender_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET received_at = excluded.received_at, sender_id = excluded.sender_id, processed_at = NULL
		 WHERE inbound_dedup.received_at < ?`,
		messageID, nilIfEmpty(senderID), now(), staleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) IsDuplicate(messageID string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM inbound_dedup WHERE message_id = ? AND received_at >= ?`, messageID, since.UTC()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeInboundBefore(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	return res.RowsAffected()
}
