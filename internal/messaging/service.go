// Package messaging adapts WhatsApp transports to one Service interface.
//
// Outbound operations take the normalized models types and return the
// transport's message id. Inbound traffic is delivered on the Events and
// Statuses channels, already resolved into models.InboundEvent.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/TablePipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for event and status channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

var (
	// ErrServiceStopped is returned by sends after Stop.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrTooManyButtons is returned when more than MaxButtons reply buttons are requested.
	ErrTooManyButtons = errors.New("too many reply buttons")
	// ErrUnsupportedMedia is returned by FetchMedia when the reference cannot be resolved.
	ErrUnsupportedMedia = errors.New("media reference not resolvable by this transport")
)

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Transport is the outbound half used by the dialogue orchestrator.
type Transport interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	SendDocument(ctx context.Context, to string, doc models.Document) (string, error)
	SendButtons(ctx context.Context, to string, body string, buttons []models.Button) (string, error)
	SendList(ctx context.Context, to string, list models.List) (string, error)
	SendLocation(ctx context.Context, to string, loc models.Location) (string, error)
	// MarkRead acknowledges an inbound message. Transports without read receipts no-op.
	MarkRead(ctx context.Context, messageID string) error
	// FetchMedia opens inbound media; it returns the body and its MIME type. The caller closes the body.
	FetchMedia(ctx context.Context, ref models.MediaRef) (io.ReadCloser, string, error)
}

// Service defines a pluggable message delivery abstraction.
type Service interface {
	Transport

	// Start begins any background processing (e.g., event handler registration).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Events returns a channel of inbound user messages.
	Events() <-chan models.InboundEvent

	// Statuses returns a channel of delivery and read notifications for sent messages.
	Statuses() <-chan models.StatusUpdate
}

// CanonicalizeRecipient strips everything but digits and requires at least 6 of them.
func CanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// pipe owns the inbound channels shared by every Service implementation.
type pipe struct {
	name     string
	events   chan models.InboundEvent
	statuses chan models.StatusUpdate
	mu       sync.RWMutex
	stopped  bool
}

func newPipe(name string) *pipe {
	return &pipe{
		name:     name,
		events:   make(chan models.InboundEvent, DefaultChannelBufferSize),
		statuses: make(chan models.StatusUpdate, DefaultChannelBufferSize),
	}
}

func (p *pipe) Events() <-chan models.InboundEvent {
	return p.events
}

func (p *pipe) Statuses() <-chan models.StatusUpdate {
	return p.statuses
}

func (p *pipe) isStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// Stop closes both channels once. Emitters hold the read lock while sending,
// so no send can race the close.
func (p *pipe) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.events)
	close(p.statuses)
	slog.Info(p.name+".Stop: channels closed")
	return nil
}

func (p *pipe) emitEvent(ev models.InboundEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		slog.Warn(p.name+".emitEvent: dropping inbound event (service stopped)", "from", ev.From)
		return
	}
	select {
	case p.events <- ev:
		slog.Debug(p.name+".emitEvent: forwarded", "from", ev.From, "kind", ev.Kind, "id", ev.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(p.name+".emitEvent: channel blocked, dropping event", "from", ev.From, "timeout", DefaultChannelTimeout)
	}
}

func (p *pipe) emitStatus(st models.StatusUpdate) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	select {
	case p.statuses <- st:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(p.name+".emitStatus: channel blocked, dropping status", "id", st.MessageID, "status", st.Status)
	}
}
