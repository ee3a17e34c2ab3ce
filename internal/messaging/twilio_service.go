package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries Twilio's request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// emptyTwiML acknowledges a webhook without sending a reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// RequestValidator checks Twilio webhook signatures. twiliowhatsapp.Client implements it.
type RequestValidator interface {
	ValidateRequest(url string, params map[string]string, signature string) bool
}

// TwilioService implements the Service interface using Twilio API.
// Interactive prompts are rendered as numbered text.
type TwilioService struct {
	*pipe
	client    twiliowhatsapp.Sender // Could be real Twilio client or MockClient
	options   *OptionMemory
	validator RequestValidator
}

// Ensure TwilioService implements Service
var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature does not verify.
func WithSignatureValidation(v RequestValidator) TwilioOption {
	return func(s *TwilioService) { s.validator = v }
}

// WithOptionMemory shares the numbered-reply memory.
func WithOptionMemory(m *OptionMemory) TwilioOption {
	return func(s *TwilioService) { s.options = m }
}

// NewTwilioService creates a new TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		pipe:   newPipe("TwilioService"),
		client: client,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.options == nil {
		s.options = NewOptionMemory(DefaultOptionTTL)
	}
	return s
}

// Start is a no-op for Twilio (inbound traffic arrives on the webhook).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

func (s *TwilioService) guard(to string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	return CanonicalizeRecipient(to)
}

// sent emits a sent status for a message Twilio accepted.
func (s *TwilioService) sent(to, sid string) {
	s.emitStatus(models.StatusUpdate{MessageID: sid, Recipient: to, Status: models.MessageStatusSent, Time: time.Now()})
}

func (s *TwilioService) SendText(ctx context.Context, to string, body string) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	if body == "" {
		return "", models.ErrEmptyBody
	}
	sid, err := s.client.SendMessage(ctx, to, body)
	if err != nil {
		return "", err
	}
	s.sent(to, sid)
	return sid, nil
}

func (s *TwilioService) SendDocument(ctx context.Context, to string, doc models.Document) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	sid, err := s.client.SendMedia(ctx, to, doc.Caption, doc.URL)
	if err != nil {
		return "", err
	}
	s.sent(to, sid)
	return sid, nil
}

func (s *TwilioService) SendButtons(ctx context.Context, to string, body string, buttons []models.Button) (string, error) {
	prepared, err := PrepareButtons(buttons)
	if err != nil {
		return "", err
	}
	text, opts := RenderButtons(body, prepared)
	sid, err := s.SendText(ctx, to, text)
	if err != nil {
		return "", err
	}
	s.options.Remember(to, opts)
	return sid, nil
}

func (s *TwilioService) SendList(ctx context.Context, to string, list models.List) (string, error) {
	text, opts := RenderList(PrepareList(list))
	sid, err := s.SendText(ctx, to, text)
	if err != nil {
		return "", err
	}
	s.options.Remember(to, opts)
	return sid, nil
}

func (s *TwilioService) SendLocation(ctx context.Context, to string, loc models.Location) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	label := loc.Name
	if loc.Address != "" {
		label = strings.TrimSpace(label + ", " + loc.Address)
	}
	sid, err := s.client.SendLocation(ctx, to, loc.Latitude, loc.Longitude, label)
	if err != nil {
		return "", err
	}
	s.sent(to, sid)
	return sid, nil
}

// MarkRead is a no-op: Twilio's WhatsApp API has no read acknowledgment.
func (s *TwilioService) MarkRead(ctx context.Context, messageID string) error {
	slog.Debug("TwilioService.MarkRead: ignored (unsupported)", "id", messageID)
	return nil
}

func (s *TwilioService) FetchMedia(ctx context.Context, ref models.MediaRef) (io.ReadCloser, string, error) {
	if ref.URL == "" {
		return nil, "", ErrUnsupportedMedia
	}
	body, ct, err := s.client.FetchMedia(ctx, ref.URL)
	if err != nil {
		return nil, "", err
	}
	if ct == "" {
		ct = ref.MimeType
	}
	return body, ct, nil
}

// ParseWebhookForm converts a Twilio webhook form into either an inbound
// event or a status update. Exactly one of the two results is non-nil for a
// well-formed request.
func (s *TwilioService) ParseWebhookForm(form url.Values) (*models.InboundEvent, *models.StatusUpdate) {
	sid := form.Get("MessageSid")
	if status := form.Get("MessageStatus"); status != "" {
		return nil, &models.StatusUpdate{
			MessageID: sid,
			Recipient: twiliowhatsapp.StripAddress(form.Get("To")),
			Status:    twilioStatus(status),
			Time:      statusTime(time.Time{}),
		}
	}

	from := twiliowhatsapp.StripAddress(form.Get("From"))
	if from == "" || sid == "" {
		return nil, nil
	}
	ev := models.InboundEvent{Kind: models.EventUnsupported, From: from, MessageID: sid, Timestamp: time.Now()}
	body := strings.TrimSpace(form.Get("Body"))
	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))

	switch {
	case form.Get("ButtonPayload") != "":
		ev.Kind = models.EventButtonReply
		ev.Selection = &models.Selection{ID: form.Get("ButtonPayload"), Title: form.Get("ButtonText")}
	case numMedia > 0 && strings.HasPrefix(form.Get("MediaContentType0"), "audio/"):
		ev.Kind = models.EventAudio
		ev.Audio = &models.MediaRef{ID: sid, MimeType: form.Get("MediaContentType0"), URL: form.Get("MediaUrl0")}
	case form.Get("Latitude") != "" && form.Get("Longitude") != "":
		lat, errLat := strconv.ParseFloat(form.Get("Latitude"), 64)
		lon, errLon := strconv.ParseFloat(form.Get("Longitude"), 64)
		if errLat == nil && errLon == nil {
			ev.Kind = models.EventLocation
			ev.Location = &models.Location{Latitude: lat, Longitude: lon, Name: form.Get("Label"), Address: form.Get("Address")}
		}
	case body != "":
		if sel, ok := s.options.Resolve(from, body); ok {
			ev.Kind = models.EventButtonReply
			ev.Selection = &sel
		} else {
			ev.Kind = models.EventText
			ev.Text = body
		}
	}
	return &ev, nil
}

func twilioStatus(s string) models.MessageStatus {
	switch s {
	case "delivered":
		return models.MessageStatusDelivered
	case "read":
		return models.MessageStatusRead
	case "failed", "undelivered":
		return models.MessageStatusFailed
	default:
		return models.MessageStatusSent
	}
}

// requestURL rebuilds the public URL Twilio signed, honoring proxy headers.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.RequestURI())
}

// TwilioWebhookHandler handles inbound Twilio webhook requests for both
// messages and status callbacks. It always acknowledges a parsed request
// promptly; processing happens on the channel consumers.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateRequest(requestURL(r), params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("TwilioService.TwilioWebhookHandler: invalid signature", "from", r.PostForm.Get("From"))
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	ev, st := s.ParseWebhookForm(r.PostForm)
	switch {
	case st != nil:
		s.emitStatus(*st)
	case ev != nil:
		slog.Info("TwilioService.TwilioWebhookHandler: inbound message", "from", ev.From, "kind", ev.Kind)
		s.emitEvent(*ev)
	default:
		slog.Warn("TwilioService.TwilioWebhookHandler: missing required fields")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}
