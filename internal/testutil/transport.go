package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/BTreeMap/TablePipe/internal/messaging"
	"github.com/BTreeMap/TablePipe/internal/models"
)

// SendKind labels one outbound call recorded by RecordingTransport.
type SendKind string

const (
	KindText     SendKind = "text"
	KindDocument SendKind = "document"
	KindButtons  SendKind = "buttons"
	KindList     SendKind = "list"
	KindLocation SendKind = "location"
	KindMarkRead SendKind = "mark_read"
)

// ErrSendFailed is the default error injected by FailTexts.
var ErrSendFailed = errors.New("injected send failure")

// Sent is one recorded transport call, in call order.
type Sent struct {
	Kind      SendKind
	To        string
	ID        string
	Body      string
	Document  *models.Document
	Buttons   []models.Button
	List      *models.List
	Location  *models.Location
	MessageID string // for KindMarkRead
}

// RecordingTransport implements messaging.Transport in memory and records
// every successful call. Failed calls are not recorded.
type RecordingTransport struct {
	mu      sync.Mutex
	sent    []Sent
	counter int

	// Errors fails every call of the given kind.
	Errors map[SendKind]error
	// FailTexts fails the first n SendText calls with ErrSendFailed.
	FailTexts int
	// Media is served by FetchMedia, keyed by MediaRef.ID.
	Media map[string][]byte
	// MediaErr fails every FetchMedia call.
	MediaErr error
}

// Ensure RecordingTransport implements messaging.Transport
var _ messaging.Transport = (*RecordingTransport)(nil)

// NewRecordingTransport creates an empty recorder.
func NewRecordingTransport() *RecordingTransport {
	return &RecordingTransport{
		Errors: make(map[SendKind]error),
		Media:  make(map[string][]byte),
	}
}

func (r *RecordingTransport) record(s Sent) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Errors[s.Kind]; err != nil {
		return "", err
	}
	if s.Kind == KindText && r.FailTexts > 0 {
		r.FailTexts--
		return "", ErrSendFailed
	}
	if s.Kind != KindMarkRead {
		r.counter++
		s.ID = fmt.Sprintf("wamid.out.%d", r.counter)
	}
	r.sent = append(r.sent, s)
	return s.ID, nil
}

func (r *RecordingTransport) SendText(_ context.Context, to string, body string) (string, error) {
	return r.record(Sent{Kind: KindText, To: to, Body: body})
}

func (r *RecordingTransport) SendDocument(_ context.Context, to string, doc models.Document) (string, error) {
	return r.record(Sent{Kind: KindDocument, To: to, Body: doc.Caption, Document: &doc})
}

func (r *RecordingTransport) SendButtons(_ context.Context, to string, body string, buttons []models.Button) (string, error) {
	prepared, err := messaging.PrepareButtons(buttons)
	if err != nil {
		return "", err
	}
	return r.record(Sent{Kind: KindButtons, To: to, Body: body, Buttons: prepared})
}

func (r *RecordingTransport) SendList(_ context.Context, to string, list models.List) (string, error) {
	prepared := messaging.PrepareList(list)
	return r.record(Sent{Kind: KindList, To: to, Body: list.Body, List: &prepared})
}

func (r *RecordingTransport) SendLocation(_ context.Context, to string, loc models.Location) (string, error) {
	return r.record(Sent{Kind: KindLocation, To: to, Body: loc.Name, Location: &loc})
}

func (r *RecordingTransport) MarkRead(_ context.Context, messageID string) error {
	_, err := r.record(Sent{Kind: KindMarkRead, MessageID: messageID})
	return err
}

func (r *RecordingTransport) FetchMedia(_ context.Context, ref models.MediaRef) (io.ReadCloser, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.MediaErr != nil {
		return nil, "", r.MediaErr
	}
	data, ok := r.Media[ref.ID]
	if !ok {
		return nil, "", messaging.ErrUnsupportedMedia
	}
	mime := ref.MimeType
	if mime == "" {
		mime = "audio/ogg"
	}
	return io.NopCloser(bytes.NewReader(data)), mime, nil
}

// Sent returns a copy of every recorded call.
func (r *RecordingTransport) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// Replies returns the recorded calls without read acknowledgments.
func (r *RecordingTransport) Replies() []Sent {
	var out []Sent
	for _, s := range r.Sent() {
		if s.Kind != KindMarkRead {
			out = append(out, s)
		}
	}
	return out
}

// Kinds returns the kinds of the recorded replies in order.
func (r *RecordingTransport) Kinds() []SendKind {
	var out []SendKind
	for _, s := range r.Replies() {
		out = append(out, s.Kind)
	}
	return out
}

// Reset forgets all recorded calls.
func (r *RecordingTransport) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
