package messaging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/BTreeMap/TablePipe/internal/cloudapi"
	"github.com/BTreeMap/TablePipe/internal/models"
)

// CloudAPIClient is the subset of cloudapi.Client used by CloudAPIService.
type CloudAPIClient interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendDocument(ctx context.Context, to, link, filename, caption string) (string, error)
	SendButtons(ctx context.Context, to, body string, buttons []cloudapi.Reply) (string, error)
	SendList(ctx context.Context, to, body, buttonLabel string, sections []cloudapi.Section) (string, error)
	SendLocation(ctx context.Context, to string, lat, lon float64, name, address string) (string, error)
	MarkRead(ctx context.Context, messageID string) error
	GetMedia(ctx context.Context, mediaID string) (cloudapi.Media, error)
	Download(ctx context.Context, mediaURL string) (io.ReadCloser, error)
}

// Ensure cloudapi.Client satisfies CloudAPIClient
var _ CloudAPIClient = (*cloudapi.Client)(nil)

// CloudAPIService implements Service over the Meta WhatsApp Cloud API.
// Inbound traffic arrives through HandleWebhookPayload, called by the HTTP layer.
type CloudAPIService struct {
	*pipe
	client CloudAPIClient
}

// Ensure CloudAPIService implements Service
var _ Service = (*CloudAPIService)(nil)

// NewCloudAPIService wraps client.
func NewCloudAPIService(client CloudAPIClient) *CloudAPIService {
	return &CloudAPIService{pipe: newPipe("CloudAPIService"), client: client}
}

// Start is a no-op; the webhook handler pushes events.
func (s *CloudAPIService) Start(ctx context.Context) error {
	slog.Debug("CloudAPIService.Start: waiting for webhook deliveries")
	return nil
}

// HandleWebhookPayload emits every message and status of a verified payload.
func (s *CloudAPIService) HandleWebhookPayload(p cloudapi.WebhookPayload) {
	for _, ev := range p.Events() {
		s.emitEvent(ev)
	}
	for _, st := range p.StatusUpdates() {
		s.emitStatus(st)
	}
}

func (s *CloudAPIService) guard(to string) (string, error) {
	if s.isStopped() {
		return "", ErrServiceStopped
	}
	return CanonicalizeRecipient(to)
}

func (s *CloudAPIService) SendText(ctx context.Context, to string, body string) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	if body == "" {
		return "", models.ErrEmptyBody
	}
	return s.client.SendText(ctx, to, Truncate(body, MaxTextMessageLength))
}

func (s *CloudAPIService) SendDocument(ctx context.Context, to string, doc models.Document) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	return s.client.SendDocument(ctx, to, doc.URL, doc.Filename, doc.Caption)
}

func (s *CloudAPIService) SendButtons(ctx context.Context, to string, body string, buttons []models.Button) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	prepared, err := PrepareButtons(buttons)
	if err != nil {
		return "", err
	}
	replies := make([]cloudapi.Reply, len(prepared))
	for i, b := range prepared {
		replies[i] = cloudapi.Reply{ID: b.ID, Title: b.Title}
	}
	return s.client.SendButtons(ctx, to, Truncate(body, MaxInteractiveBody), replies)
}

func (s *CloudAPIService) SendList(ctx context.Context, to string, list models.List) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	list = PrepareList(list)
	sections := make([]cloudapi.Section, 0, len(list.Sections))
	for _, sec := range list.Sections {
		cs := cloudapi.Section{Title: sec.Title}
		for _, row := range sec.Rows {
			cs.Rows = append(cs.Rows, cloudapi.Row{ID: row.ID, Title: row.Title, Description: row.Description})
		}
		sections = append(sections, cs)
	}
	return s.client.SendList(ctx, to, list.Body, list.ButtonLabel, sections)
}

func (s *CloudAPIService) SendLocation(ctx context.Context, to string, loc models.Location) (string, error) {
	to, err := s.guard(to)
	if err != nil {
		return "", err
	}
	return s.client.SendLocation(ctx, to, loc.Latitude, loc.Longitude, loc.Name, loc.Address)
}

func (s *CloudAPIService) MarkRead(ctx context.Context, messageID string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	return s.client.MarkRead(ctx, messageID)
}

// FetchMedia resolves the media id to a download URL unless the reference carries one.
func (s *CloudAPIService) FetchMedia(ctx context.Context, ref models.MediaRef) (io.ReadCloser, string, error) {
	mediaURL, mimeType := ref.URL, ref.MimeType
	if mediaURL == "" {
		if ref.ID == "" {
			return nil, "", ErrUnsupportedMedia
		}
		m, err := s.client.GetMedia(ctx, ref.ID)
		if err != nil {
			return nil, "", err
		}
		mediaURL = m.URL
		if m.MimeType != "" {
			mimeType = m.MimeType
		}
	}
	body, err := s.client.Download(ctx, mediaURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media %s: %w", ref.ID, err)
	}
	return body, mimeType, nil
}

// statusTime is used when a transport omits the notification timestamp.
func statusTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
