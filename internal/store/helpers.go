package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/TablePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const messageColumns = `id, conversation_id, wa_message_id, direction, sender, message_type, text_content, created_at, delivered_at, read_at`

const conversationColumns = `id, user_phone, status, started_at, last_message_at`

// scanMessage scans a Message from sql.Rows.
func scanMessage(rows *sql.Rows) (models.Message, error) {
	var m models.Message
	var waID, text sql.NullString
	var deliveredAt, readAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.ConversationID, &waID, &m.Direction, &m.Sender, &m.MessageType, &text,
		&m.CreatedAt, &deliveredAt, &readAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.WAMessageID = waID.String
	m.Text = text.String
	if deliveredAt.Valid {
		m.DeliveredAt = &deliveredAt.Time
	}
	if readAt.Valid {
		m.ReadAt = &readAt.Time
	}
	return m, nil
}

// scanConversationRow scans a Conversation from a single sql.Row.
func scanConversationRow(row *sql.Row) (models.Conversation, error) {
	var c models.Conversation
	err := row.Scan(&c.ID, &c.UserPhone, &c.Status, &c.StartedAt, &c.LastMessageAt)
	return c, err
}

// collectHistory scans rows fetched newest first and returns them oldest first.
func collectHistory(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// affectedOrNotFound maps zero affected rows to ErrNotFound.
func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected check failed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
