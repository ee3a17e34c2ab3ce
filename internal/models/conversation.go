package models

import "time"

// ConversationStatus is the lifecycle state of a persisted conversation.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation groups the messages exchanged with one user. At most one is open per user.
type Conversation struct {
	ID            string             `json:"id"`
	UserPhone     string             `json:"user_phone"`
	Status        ConversationStatus `json:"status"`
	StartedAt     time.Time          `json:"started_at"`
	LastMessageAt time.Time          `json:"last_message_at"`
}

// Direction of a persisted message relative to the bot.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Sender identifies who authored a persisted message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one append-only history entry.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	WAMessageID    string     `json:"wa_message_id,omitempty"`
	Direction      Direction  `json:"direction"`
	Sender         Sender     `json:"sender"`
	MessageType    string     `json:"message_type"`
	Text           string     `json:"text_content"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}
