package messaging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/whatsapp"
	"github.com/patrickmn/go-cache"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// DefaultMediaRefTTL bounds how long an inbound voice note stays downloadable.
const DefaultMediaRefTTL = 10 * time.Minute

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
// Interactive prompts are rendered as numbered text.
type WhatsAppService struct {
	*pipe
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling
	options  *OptionMemory
	media    *cache.Cache // message id -> *waE2E.AudioMessage
}

// Ensure WhatsAppService implements Service
var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		pipe:    newPipe("WhatsAppService"),
		client:  client,
		options: NewOptionMemory(DefaultOptionTTL),
		media:   cache.New(DefaultMediaRefTTL, 2*DefaultMediaRefTTL),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop disconnects the client and closes the channels.
func (s *WhatsAppService) Stop() error {
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().Disconnect()
	}
	return s.pipe.Stop()
}

func (s *WhatsAppService) guard(to string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	return CanonicalizeRecipient(to)
}

func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	if body == "" {
		return "", models.ErrEmptyBody
	}
	id, err := s.client.SendText(ctx, to, body)
	if err != nil {
		slog.Error("WhatsAppService.SendText: failed", "error", err, "to", to)
		return "", err
	}
	s.emitStatus(models.StatusUpdate{MessageID: id, Recipient: to, Status: models.MessageStatusSent, Time: time.Now()})
	return id, nil
}

func (s *WhatsAppService) SendDocument(ctx context.Context, to string, doc models.Document) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	return s.client.SendDocument(ctx, to, doc.URL, doc.Filename, doc.Caption)
}

func (s *WhatsAppService) SendButtons(ctx context.Context, to string, body string, buttons []models.Button) (string, error) {
	prepared, err := PrepareButtons(buttons)
	if err != nil {
		return "", err
	}
	text, opts := RenderButtons(body, prepared)
	id, err := s.SendText(ctx, to, text)
	if err != nil {
		return "", err
	}
	s.options.Remember(to, opts)
	return id, nil
}

func (s *WhatsAppService) SendList(ctx context.Context, to string, list models.List) (string, error) {
	text, opts := RenderList(PrepareList(list))
	id, err := s.SendText(ctx, to, text)
	if err != nil {
		return "", err
	}
	s.options.Remember(to, opts)
	return id, nil
}

func (s *WhatsAppService) SendLocation(ctx context.Context, to string, loc models.Location) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	return s.client.SendLocation(ctx, to, loc.Latitude, loc.Longitude, loc.Name, loc.Address)
}

// MarkRead is logged only; whatsmeow read receipts need the chat context of
// the original message, which the orchestrator does not carry.
func (s *WhatsAppService) MarkRead(ctx context.Context, messageID string) error {
	slog.Debug("WhatsAppService.MarkRead: skipped", "id", messageID)
	return nil
}

// FetchMedia downloads a voice note seen by the event handler.
func (s *WhatsAppService) FetchMedia(ctx context.Context, ref models.MediaRef) (io.ReadCloser, string, error) {
	v, ok := s.media.Get(ref.ID)
	if !ok {
		return nil, "", ErrUnsupportedMedia
	}
	audio := v.(*waE2E.AudioMessage)
	data, err := s.client.Download(ctx, audio)
	if err != nil {
		return nil, "", err
	}
	mimeType := audio.GetMimetype()
	if mimeType == "" {
		mimeType = ref.MimeType
	}
	return io.NopCloser(bytes.NewReader(data)), mimeType, nil
}

// handleIncomingMessage converts direct messages into inbound events.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	from := strings.TrimPrefix(evt.Info.Sender.User, "+")
	ev := models.InboundEvent{
		Kind:      models.EventUnsupported,
		From:      from,
		MessageID: evt.Info.ID,
		Timestamp: evt.Info.Timestamp,
	}

	msg := evt.Message
	text := msg.GetConversation()
	if text == "" {
		text = msg.GetExtendedTextMessage().GetText()
	}

	switch {
	case text != "":
		if sel, ok := s.options.Resolve(from, text); ok {
			ev.Kind = models.EventButtonReply
			ev.Selection = &sel
		} else {
			ev.Kind = models.EventText
			ev.Text = strings.TrimSpace(text)
		}
	case msg.GetAudioMessage() != nil:
		audio := msg.GetAudioMessage()
		s.media.SetDefault(evt.Info.ID, audio)
		ev.Kind = models.EventAudio
		ev.Audio = &models.MediaRef{ID: evt.Info.ID, MimeType: audio.GetMimetype()}
	case msg.GetLocationMessage() != nil:
		loc := msg.GetLocationMessage()
		ev.Kind = models.EventLocation
		ev.Location = &models.Location{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
			Name:      loc.GetName(),
			Address:   loc.GetAddress(),
		}
	}
	s.emitEvent(ev)
}

// handleMessageReceipt processes delivery and read receipts
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		slog.Debug("WhatsAppService.handleMessageReceipt: ignoring receipt type", "type", evt.Type)
		return
	}
	for _, id := range evt.MessageIDs {
		s.emitStatus(models.StatusUpdate{
			MessageID: id,
			Recipient: evt.Chat.User,
			Status:    status,
			Time:      statusTime(evt.Timestamp),
		})
	}
}
