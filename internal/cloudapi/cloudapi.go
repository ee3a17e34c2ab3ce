// Package cloudapi is a small client for the Meta WhatsApp Business Cloud API
// (Graph API): outbound messages, read marks and media downloads.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the Graph API host.
	DefaultBaseURL = "https://graph.facebook.com"
	// DefaultGraphVersion is the Graph API version used for every call.
	DefaultGraphVersion = "v21.0"
	// DefaultHTTPTimeout bounds each Graph API call.
	DefaultHTTPTimeout = 30 * time.Second
)

// ErrNoMessageID is returned when a send succeeds without a message id in the response.
var ErrNoMessageID = errors.New("graph api returned no message id")

// APIError is an error object returned by the Graph API.
type APIError struct {
	StatusCode int
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph api error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	Token         string
	PhoneNumberID string
	GraphVersion  string
	BaseURL       string
	HTTPClient    *http.Client
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithToken sets the permanent or system-user access token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithPhoneNumberID sets the sending business phone number id.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithGraphVersion overrides the Graph API version.
func WithGraphVersion(v string) Option {
	return func(o *Opts) { o.GraphVersion = v }
}

// WithBaseURL overrides the Graph API host, for tests.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient sets the HTTP client used for every call.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client calls the Graph API on behalf of one business phone number.
type Client struct {
	token         string
	phoneNumberID string
	baseURL       string
	version       string
	http          *http.Client
}

// NewClient creates a Cloud API client. Token and phone number id fall back to
// META_WHATSAPP_TOKEN and META_WHATSAPP_PHONE_NUMBER_ID.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("META_WHATSAPP_TOKEN")
	}
	if cfg.PhoneNumberID == "" {
		cfg.PhoneNumberID = os.Getenv("META_WHATSAPP_PHONE_NUMBER_ID")
	}
	slog.Debug("cloudapi.NewClient: config loaded", "token_set", cfg.Token != "", "phone_number_id_set", cfg.PhoneNumberID != "")
	if cfg.Token == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("access token and phone number id must be provided")
	}
	if cfg.GraphVersion == "" {
		cfg.GraphVersion = DefaultGraphVersion
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{
		token:         cfg.Token,
		phoneNumberID: cfg.PhoneNumberID,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		version:       cfg.GraphVersion,
		http:          cfg.HTTPClient,
	}, nil
}

// Outbound payload shapes.
type (
	outbound struct {
		MessagingProduct string       `json:"messaging_product"`
		RecipientType    string       `json:"recipient_type,omitempty"`
		To               string       `json:"to,omitempty"`
		Type             string       `json:"type,omitempty"`
		Text             *textBody    `json:"text,omitempty"`
		Document         *document    `json:"document,omitempty"`
		Interactive      *interactive `json:"interactive,omitempty"`
		Location         *location    `json:"location,omitempty"`
		Status           string       `json:"status,omitempty"`
		MessageID        string       `json:"message_id,omitempty"`
	}
	textBody struct {
		Body       string `json:"body"`
		PreviewURL bool   `json:"preview_url,omitempty"`
	}
	document struct {
		Link     string `json:"link"`
		Filename string `json:"filename,omitempty"`
		Caption  string `json:"caption,omitempty"`
	}
	interactive struct {
		Type   string            `json:"type"`
		Body   textBody          `json:"body"`
		Action interactiveAction `json:"action"`
	}
	interactiveAction struct {
		Buttons  []replyButton `json:"buttons,omitempty"`
		Button   string        `json:"button,omitempty"`
		Sections []Section     `json:"sections,omitempty"`
	}
	replyButton struct {
		Type  string `json:"type"`
		Reply Reply  `json:"reply"`
	}
	location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name,omitempty"`
		Address   string  `json:"address,omitempty"`
	}
)

// Reply is the id/title pair of a reply button.
type Reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Row is one row of an interactive list.
type Row struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Section groups list rows.
type Section struct {
	Title string `json:"title,omitempty"`
	Rows  []Row  `json:"rows"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

func newOutbound(to, kind string) outbound {
	return outbound{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: kind}
}

// SendText sends a plain text message and returns its wamid.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	p := newOutbound(to, "text")
	p.Text = &textBody{Body: body, PreviewURL: strings.Contains(body, "https://")}
	return c.send(ctx, p)
}

// SendDocument sends a document by link.
func (c *Client) SendDocument(ctx context.Context, to, link, filename, caption string) (string, error) {
	p := newOutbound(to, "document")
	p.Document = &document{Link: link, Filename: filename, Caption: caption}
	return c.send(ctx, p)
}

// SendButtons sends an interactive reply-button message.
func (c *Client) SendButtons(ctx context.Context, to, body string, buttons []Reply) (string, error) {
	p := newOutbound(to, "interactive")
	action := interactiveAction{}
	for _, b := range buttons {
		action.Buttons = append(action.Buttons, replyButton{Type: "reply", Reply: b})
	}
	p.Interactive = &interactive{Type: "button", Body: textBody{Body: body}, Action: action}
	return c.send(ctx, p)
}

// SendList sends an interactive list message.
func (c *Client) SendList(ctx context.Context, to, body, buttonLabel string, sections []Section) (string, error) {
	p := newOutbound(to, "interactive")
	p.Interactive = &interactive{
		Type:   "list",
		Body:   textBody{Body: body},
		Action: interactiveAction{Button: buttonLabel, Sections: sections},
	}
	return c.send(ctx, p)
}

// SendLocation sends a location pin.
func (c *Client) SendLocation(ctx context.Context, to string, lat, lon float64, name, address string) (string, error) {
	p := newOutbound(to, "location")
	p.Location = &location{Latitude: lat, Longitude: lon, Name: name, Address: address}
	return c.send(ctx, p)
}

// MarkRead marks an inbound message as read (blue ticks).
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	p := outbound{MessagingProduct: "whatsapp", Status: "read", MessageID: messageID}
	var resp struct {
		Success bool `json:"success"`
	}
	return c.do(ctx, http.MethodPost, c.endpoint(c.phoneNumberID, "messages"), p, &resp)
}

// Media is the metadata of an uploaded media object.
type Media struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
	ID       string `json:"id"`
}

// GetMedia resolves a media id to its short-lived download URL.
func (c *Client) GetMedia(ctx context.Context, mediaID string) (Media, error) {
	var m Media
	if err := c.do(ctx, http.MethodGet, c.endpoint(mediaID), nil, &m); err != nil {
		return Media{}, fmt.Errorf("failed to resolve media %s: %w", mediaID, err)
	}
	return m, nil
}

// Download fetches media bytes from a URL returned by GetMedia. The caller closes the body.
func (c *Client) Download(ctx context.Context, mediaURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media download failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("media download failed: %s", resp.Status)
	}
	return resp.Body, nil
}

func (c *Client) endpoint(parts ...string) string {
	return c.baseURL + "/" + c.version + "/" + strings.Join(parts, "/")
}

func (c *Client) send(ctx context.Context, p outbound) (string, error) {
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, c.endpoint(c.phoneNumberID, "messages"), p, &resp); err != nil {
		slog.Error("cloudapi.Client.send: request failed", "to", p.To, "type", p.Type, "error", err)
		return "", err
	}
	if len(resp.Messages) == 0 || resp.Messages[0].ID == "" {
		return "", ErrNoMessageID
	}
	slog.Debug("cloudapi.Client.send: message accepted", "to", p.To, "type", p.Type, "id", resp.Messages[0].ID)
	return resp.Messages[0].ID, nil
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph api request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read graph api response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Error != nil {
			env.Error.StatusCode = resp.StatusCode
			return env.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode graph api response: %w", err)
	}
	return nil
}
