// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in TablePipe.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// AddressPrefix marks WhatsApp addresses in Twilio's To/From fields.
const AddressPrefix = "whatsapp:"

// Sender is the part of the Twilio client the messaging layer depends on.
// Every send returns the Twilio message SID.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
	SendMedia(ctx context.Context, to string, caption string, mediaURL string) (string, error)
	SendLocation(ctx context.Context, to string, lat, lon float64, label string) (string, error)
	FetchMedia(ctx context.Context, mediaURL string) (io.ReadCloser, string, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token. It also keys webhook signature validation.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the whatsapp: prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithHTTPClient overrides the client used to download inbound media.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client     *twilio.RestClient
	validator  twilioclient.RequestValidator
	accountSID string
	authToken  string
	fromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
	http       *http.Client
}

// Ensure Client implements Sender
var _ Sender = (*Client)(nil)

// NewClient creates a Twilio client. Credentials fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twiliowhatsapp.NewClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:     client,
		validator:  twilioclient.NewRequestValidator(cfg.AuthToken),
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromWhats:  Address(cfg.FromWhats),
		http:       cfg.HTTPClient,
	}, nil
}

// Address adds the whatsapp: prefix when missing.
func Address(number string) string {
	if strings.HasPrefix(number, AddressPrefix) {
		return number
	}
	return AddressPrefix + number
}

// StripAddress removes the whatsapp: prefix and a leading plus sign.
func StripAddress(addr string) string {
	return strings.TrimPrefix(strings.TrimPrefix(addr, AddressPrefix), "+")
}

func (c *Client) newParams(to string) *twilioApi.CreateMessageParams {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(plus(to)))
	params.SetFrom(c.fromWhats)
	return params
}

// plus restores the E.164 plus sign Twilio expects.
func plus(number string) string {
	if strings.HasPrefix(number, "+") || strings.HasPrefix(number, AddressPrefix) {
		return number
	}
	return "+" + number
}

func (c *Client) create(to string, params *twilioApi.CreateMessageParams) (string, error) {
	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("twiliowhatsapp.Client.create: CreateMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		msg := ""
		if resp.ErrorMessage != nil {
			msg = *resp.ErrorMessage
		}
		return "", fmt.Errorf("twilio error %d: %s", *resp.ErrorCode, msg)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("twiliowhatsapp.Client.create: message sent", "to", to, "sid", sid)
	return sid, nil
}

// SendMessage sends a WhatsApp text message using Twilio API
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	params := c.newParams(to)
	params.SetBody(body)
	return c.create(to, params)
}

// SendMedia sends a media message (menu PDFs) with an optional caption.
func (c *Client) SendMedia(ctx context.Context, to string, caption string, mediaURL string) (string, error) {
	params := c.newParams(to)
	if caption != "" {
		params.SetBody(caption)
	}
	params.SetMediaUrl([]string{mediaURL})
	return c.create(to, params)
}

// SendLocation sends a location pin through Twilio's geo persistent action.
func (c *Client) SendLocation(ctx context.Context, to string, lat, lon float64, label string) (string, error) {
	params := c.newParams(to)
	params.SetBody(label)
	params.SetPersistentAction([]string{fmt.Sprintf("geo:%f,%f|%s", lat, lon, label)})
	return c.create(to, params)
}

// FetchMedia downloads inbound media. Twilio media URLs require basic auth
// with the account credentials. The caller closes the body.
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) (io.ReadCloser, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("twilio media download failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("twilio media download failed: %s", resp.Status)
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// ValidateRequest checks an X-Twilio-Signature header against the full
// request URL and the posted form parameters.
func (c *Client) ValidateRequest(url string, params map[string]string, signature string) bool {
	return c.validator.Validate(url, params, signature)
}

// MockClient records sends instead of calling Twilio (for tests).
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Media        map[string]string // mediaURL -> content served by FetchMedia
	SendErr      error
	counter      int
}

// Ensure MockClient implements Sender
var _ Sender = (*MockClient)(nil)

// SentMessage is one recorded send.
type SentMessage struct {
	SID      string
	To       string
	Body     string
	MediaURL string
	Location string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		SentMessages: []SentMessage{},
		Media:        map[string]string{},
	}
}

func (m *MockClient) record(msg SentMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return "", m.SendErr
	}
	m.counter++
	msg.SID = fmt.Sprintf("SM%04d", m.counter)
	m.SentMessages = append(m.SentMessages, msg)
	return msg.SID, nil
}

// Sent returns a copy of the recorded sends.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	return m.record(SentMessage{To: to, Body: body})
}

func (m *MockClient) SendMedia(ctx context.Context, to string, caption string, mediaURL string) (string, error) {
	return m.record(SentMessage{To: to, Body: caption, MediaURL: mediaURL})
}

func (m *MockClient) SendLocation(ctx context.Context, to string, lat, lon float64, label string) (string, error) {
	return m.record(SentMessage{To: to, Body: label, Location: fmt.Sprintf("%f,%f", lat, lon)})
}

func (m *MockClient) FetchMedia(ctx context.Context, mediaURL string) (io.ReadCloser, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.Media[mediaURL]
	if !ok {
		return nil, "", fmt.Errorf("media %s not found", mediaURL)
	}
	return io.NopCloser(strings.NewReader(data)), "audio/ogg", nil
}
