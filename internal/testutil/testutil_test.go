package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/BTreeMap/TablePipe/internal/genai"
	"github.com/BTreeMap/TablePipe/internal/messaging"
	"github.com/BTreeMap/TablePipe/internal/models"
)

// mockTestingT captures failures without stopping the enclosing test.
type mockTestingT struct {
	failed   bool
	errorMsg string
}

func (m *mockTestingT) Helper() {}

func (m *mockTestingT) Errorf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func (m *mockTestingT) Fatalf(format string, args ...interface{}) {
	m.failed = true
	m.errorMsg = fmt.Sprintf(format, args...)
}

func TestAssertHTTPStatus(t *testing.T) {
	tests := []struct {
		name       string
		expected   int
		actual     int
		shouldFail bool
	}{
		{name: "matching status codes", expected: 200, actual: 200},
		{name: "different status codes", expected: 200, actual: 404, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			AssertHTTPStatus(mockT, tt.expected, tt.actual, "test context")
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v, want %v", mockT.failed, tt.shouldFail)
			}
		})
	}
}

func TestAssertJSONResponse(t *testing.T) {
	tests := []struct {
		name       string
		jsonBody   string
		shouldFail bool
	}{
		{name: "valid JSON with matching status", jsonBody: `{"status":"ok","result":"test"}`},
		{name: "valid JSON with different status", jsonBody: `{"status":"error"}`, shouldFail: true},
		{name: "invalid JSON", jsonBody: `{"status":}`, shouldFail: true},
		{name: "missing status field", jsonBody: `{"result":"test"}`, shouldFail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockT := &mockTestingT{}
			rr := httptest.NewRecorder()
			rr.Body.WriteString(tt.jsonBody)

			response := AssertJSONResponse(mockT, rr, "ok")
			if mockT.failed != tt.shouldFail {
				t.Errorf("failed = %v (%s), want %v", mockT.failed, mockT.errorMsg, tt.shouldFail)
			}
			if !tt.shouldFail && response == nil {
				t.Error("expected response map to be returned")
			}
		})
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/webhook", map[string]string{"object": "whatsapp_business_account"})
	if req.Method != http.MethodPost || req.URL.Path != "/webhook" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	get := CreateHTTPRequest(t, http.MethodGet, "/health", nil)
	if get.ContentLength != 0 {
		t.Errorf("GET request should have an empty body, got length %d", get.ContentLength)
	}
}

func TestCreateFormRequest(t *testing.T) {
	req := CreateFormRequest(t, "/twilio/webhook", url.Values{"Body": {"hello"}})
	if err := req.ParseForm(); err != nil {
		t.Fatalf("ParseForm: %v", err)
	}
	if req.PostForm.Get("Body") != "hello" {
		t.Errorf("Body = %q", req.PostForm.Get("Body"))
	}
}

func TestRecordingTransport_RecordsInOrder(t *testing.T) {
	tr := NewRecordingTransport()
	ctx := context.Background()

	if err := tr.MarkRead(ctx, "wamid.in"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if _, err := tr.SendDocument(ctx, "447700900000", models.Document{URL: "https://x/menu.pdf", Filename: "menu.pdf"}); err != nil {
		t.Fatalf("SendDocument: %v", err)
	}
	id, err := tr.SendText(ctx, "447700900000", "hello")
	if err != nil || id == "" {
		t.Fatalf("SendText: id=%q err=%v", id, err)
	}

	kinds := tr.Kinds()
	if len(kinds) != 2 || kinds[0] != KindDocument || kinds[1] != KindText {
		t.Errorf("Kinds = %v", kinds)
	}
	if len(tr.Sent()) != 3 {
		t.Errorf("Sent should include the read acknowledgment, got %d", len(tr.Sent()))
	}
}

func TestRecordingTransport_Failures(t *testing.T) {
	tr := NewRecordingTransport()
	tr.FailTexts = 1
	tr.Errors[KindLocation] = errors.New("boom")
	ctx := context.Background()

	if _, err := tr.SendText(ctx, "1", "first"); !errors.Is(err, ErrSendFailed) {
		t.Errorf("first text err = %v", err)
	}
	if _, err := tr.SendText(ctx, "1", "second"); err != nil {
		t.Errorf("second text err = %v", err)
	}
	if _, err := tr.SendLocation(ctx, "1", models.Location{}); err == nil {
		t.Error("expected location failure")
	}
	if _, err := tr.SendButtons(ctx, "1", "body", []models.Button{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}, {ID: "c", Title: "C"}, {ID: "d", Title: "D"}}); !errors.Is(err, messaging.ErrTooManyButtons) {
		t.Errorf("SendButtons err = %v", err)
	}
	if len(tr.Replies()) != 1 {
		t.Errorf("only the successful text should be recorded, got %d", len(tr.Replies()))
	}
}

func TestRecordingTransport_FetchMedia(t *testing.T) {
	tr := NewRecordingTransport()
	tr.Media["media-1"] = []byte("OggS")

	body, mime, err := tr.FetchMedia(context.Background(), models.MediaRef{ID: "media-1"})
	if err != nil {
		t.Fatalf("FetchMedia: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "OggS" || mime != "audio/ogg" {
		t.Errorf("got %q %q", data, mime)
	}

	if _, _, err := tr.FetchMedia(context.Background(), models.MediaRef{ID: "missing"}); !errors.Is(err, messaging.ErrUnsupportedMedia) {
		t.Errorf("missing media err = %v", err)
	}
}

func TestFakeAgent(t *testing.T) {
	a := NewFakeAgent("hi there")
	a.Languages["bonjour à tous"] = "fr"
	ctx := context.Background()

	if lang, _ := a.DetectLanguage(ctx, "bonjour à tous"); lang != "fr" {
		t.Errorf("lang = %q", lang)
	}
	if _, err := a.DetectLanguage(ctx, "2025-10-25"); !errors.Is(err, genai.ErrTextTooShort) {
		t.Errorf("date-only text err = %v", err)
	}
	if out, _ := a.Localize(ctx, "Hello", "fr"); out != "[fr] Hello" {
		t.Errorf("Localize = %q", out)
	}
	if out, _ := a.Generate(ctx, genai.GenerateRequest{Message: "hey"}); out != "hi there" {
		t.Errorf("Generate = %q", out)
	}
	if req, ok := a.LastRequest(); !ok || req.Message != "hey" {
		t.Errorf("LastRequest = %+v %v", req, ok)
	}
}
