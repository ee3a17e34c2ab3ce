package store

import (
	"fmt"
	"time"
)

func (s *PostgresStore) RecordInbound(messageID, senderID string, staleBefore time.Time) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, sender_id, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id) DO UPDATE SET received_at = EXCLUDED.received_at, sender_id = EXCLUDED.sender_id, processed_at = NULL
		 WHERE inbound_dedup.received_at < $4`,
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

func (s *PostgresStore) IsDuplicate(messageID string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM inbound_dedup WHERE message_id = $1 AND received_at >= $2`, messageID, since.UTC()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeInboundBefore(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE received_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge inbound failed: %w", err)
	}
	return res.RowsAffected()
}
