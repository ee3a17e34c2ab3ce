package cloudapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TablePipe/internal/models"
)

// BusinessAccountObject is the only webhook object this bot accepts.
const BusinessAccountObject = "whatsapp_business_account"

// SignatureHeader carries the HMAC of the raw webhook body.
const SignatureHeader = "X-Hub-Signature-256"

// WebhookPayload is the envelope Meta posts to the webhook.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry is one business account entry.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one notification inside an entry.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue holds inbound messages and outbound status updates.
type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []Contact        `json:"contacts,omitempty"`
	Messages         []InboundMessage `json:"messages,omitempty"`
	Statuses         []Status         `json:"statuses,omitempty"`
}

// Contact is the sender profile.
type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// InboundMessage is one message sent by a user.
type InboundMessage struct {
	From        string              `json:"from"`
	ID          string              `json:"id"`
	Timestamp   string              `json:"timestamp"`
	Type        string              `json:"type"`
	Text        *TextContent        `json:"text,omitempty"`
	Interactive *InteractiveContent `json:"interactive,omitempty"`
	Button      *ButtonContent      `json:"button,omitempty"`
	Audio       *AudioContent       `json:"audio,omitempty"`
	Location    *LocationContent    `json:"location,omitempty"`
}

// TextContent is the body of a text message.
type TextContent struct {
	Body string `json:"body"`
}

// InteractiveContent is the answer to an interactive message.
type InteractiveContent struct {
	Type        string `json:"type"`
	ButtonReply *Reply `json:"button_reply,omitempty"`
	ListReply   *Row   `json:"list_reply,omitempty"`
}

// ButtonContent is a quick-reply answer to a template message.
type ButtonContent struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

// AudioContent references a voice note.
type AudioContent struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
}

// LocationContent is a shared location.
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Status is a delivery notification for a message the bot sent.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// VerifySignature checks the sha256=<hex> HMAC of body against appSecret.
func VerifySignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign returns the header value Meta would send for body. Used by tests and tooling.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Events converts every inbound message of the payload, in order.
func (p WebhookPayload) Events() []models.InboundEvent {
	var out []models.InboundEvent
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			for _, m := range ch.Value.Messages {
				out = append(out, m.Event())
			}
		}
	}
	return out
}

// StatusUpdates converts every status notification of the payload.
func (p WebhookPayload) StatusUpdates() []models.StatusUpdate {
	var out []models.StatusUpdate
	for _, e := range p.Entry {
		for _, ch := range e.Changes {
			for _, s := range ch.Value.Statuses {
				out = append(out, models.StatusUpdate{
					MessageID: s.ID,
					Recipient: s.RecipientID,
					Status:    models.MessageStatus(s.Status),
					Time:      parseUnix(s.Timestamp),
				})
			}
		}
	}
	return out
}

// Event resolves the message into the tagged inbound event once.
func (m InboundMessage) Event() models.InboundEvent {
	ev := models.InboundEvent{
		Kind:      models.EventUnsupported,
		From:      m.From,
		MessageID: m.ID,
		Timestamp: parseUnix(m.Timestamp),
	}
	switch m.Type {
	case "text":
		if m.Text != nil {
			ev.Kind = models.EventText
			ev.Text = m.Text.Body
		}
	case "interactive":
		if m.Interactive == nil {
			break
		}
		switch {
		case m.Interactive.ButtonReply != nil:
			ev.Kind = models.EventButtonReply
			ev.Selection = &models.Selection{ID: m.Interactive.ButtonReply.ID, Title: m.Interactive.ButtonReply.Title}
		case m.Interactive.ListReply != nil:
			ev.Kind = models.EventListReply
			ev.Selection = &models.Selection{ID: m.Interactive.ListReply.ID, Title: m.Interactive.ListReply.Title}
		}
	case "button":
		if m.Button != nil {
			ev.Kind = models.EventButtonReply
			ev.Selection = &models.Selection{ID: m.Button.Payload, Title: m.Button.Text}
		}
	case "audio":
		if m.Audio != nil {
			ev.Kind = models.EventAudio
			ev.Audio = &models.MediaRef{ID: m.Audio.ID, MimeType: m.Audio.MimeType}
		}
	case "location":
		if m.Location != nil {
			ev.Kind = models.EventLocation
			ev.Location = &models.Location{
				Latitude:  m.Location.Latitude,
				Longitude: m.Location.Longitude,
				Name:      m.Location.Name,
				Address:   m.Location.Address,
			}
		}
	}
	return ev
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now()
	}
	return time.Unix(sec, 0)
}
