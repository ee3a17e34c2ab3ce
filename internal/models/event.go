package models

import "time"

// EventKind discriminates the variants of InboundEvent.
type EventKind string

const (
	EventText        EventKind = "text"
	EventButtonReply EventKind = "button_reply"
	EventListReply   EventKind = "list_reply"
	EventAudio       EventKind = "audio"
	EventLocation    EventKind = "location"
	EventUnsupported EventKind = "unsupported"
)

// Selection is the id/title pair of a tapped button or list row.
type Selection struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MediaRef points at media held by the transport.
type MediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Location is a geographic point with optional labels.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// InboundEvent is one user message, resolved once at the transport boundary.
// Exactly one of Text, Selection, Audio or Location is meaningful, chosen by Kind.
type InboundEvent struct {
	Kind      EventKind  `json:"kind"`
	From      string     `json:"from"`
	MessageID string     `json:"message_id"`
	Timestamp time.Time  `json:"timestamp"`
	Text      string     `json:"text,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	Audio     *MediaRef  `json:"audio,omitempty"`
	Location  *Location  `json:"location,omitempty"`
}

// Supported reports whether the event is a variant the bot can answer.
func (e InboundEvent) Supported() bool {
	switch e.Kind {
	case EventText:
		return e.Text != ""
	case EventButtonReply, EventListReply:
		return e.Selection != nil && e.Selection.ID != ""
	case EventAudio:
		return e.Audio != nil
	case EventLocation:
		return e.Location != nil
	default:
		return false
	}
}

// CommandKind names a deterministic UI action.
type CommandKind string

const (
	CommandViewMenus         CommandKind = "view_menus"
	CommandMenu              CommandKind = "menu"
	CommandReserve           CommandKind = "reserve"
	CommandCancelReservation CommandKind = "cancel_reservation"
	CommandPartySize         CommandKind = "party_size"
	CommandDate              CommandKind = "date"
	CommandTime              CommandKind = "time"
	CommandDuration          CommandKind = "duration"
)

// Command is a parsed UI-action token.
type Command struct {
	Kind  CommandKind `json:"kind"`
	Value string      `json:"value,omitempty"`
}

// IsFlowAnswer reports whether the command answers a reservation step.
func (c Command) IsFlowAnswer() bool {
	switch c.Kind {
	case CommandPartySize, CommandDate, CommandTime, CommandDuration:
		return true
	}
	return false
}
