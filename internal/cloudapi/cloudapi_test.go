package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/TablePipe/internal/models"
)

// graphStub records the last request and answers with a canned body.
type graphStub struct {
	path   string
	auth   string
	body   map[string]any
	status int
	reply  string
}

func newGraphServer(t *testing.T, stub *graphStub) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.path = r.URL.Path
		stub.auth = r.Header.Get("Authorization")
		stub.body = nil
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&stub.body)
		}
		if stub.status != 0 {
			w.WriteHeader(stub.status)
		}
		io.WriteString(w, stub.reply)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(WithToken("tok"), WithPhoneNumberID("1234"), WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("META_WHATSAPP_TOKEN", "")
	t.Setenv("META_WHATSAPP_PHONE_NUMBER_ID", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected an error without credentials")
	}
}

func TestClient_SendText(t *testing.T) {
	stub := &graphStub{reply: `{"messaging_product":"whatsapp","messages":[{"id":"wamid.OUT1"}]}`}
	c := newGraphServer(t, stub)

	id, err := c.SendText(context.Background(), "447700900123", "Hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id != "wamid.OUT1" {
		t.Errorf("id = %q", id)
	}
	if stub.path != "/v21.0/1234/messages" {
		t.Errorf("path = %q", stub.path)
	}
	if stub.auth != "Bearer tok" {
		t.Errorf("auth = %q", stub.auth)
	}
	if stub.body["type"] != "text" || stub.body["to"] != "447700900123" {
		t.Errorf("payload = %v", stub.body)
	}
}

func TestClient_SendList(t *testing.T) {
	stub := &graphStub{reply: `{"messages":[{"id":"wamid.L"}]}`}
	c := newGraphServer(t, stub)

	_, err := c.SendList(context.Background(), "44", "Pick one", "Menus", []Section{{
		Title: "Menus",
		Rows:  []Row{{ID: "menu_wine", Title: "Wine"}},
	}})
	if err != nil {
		t.Fatalf("SendList: %v", err)
	}
	inter, _ := stub.body["interactive"].(map[string]any)
	if inter["type"] != "list" {
		t.Fatalf("interactive = %v", inter)
	}
	action, _ := inter["action"].(map[string]any)
	if action["button"] != "Menus" {
		t.Errorf("action = %v", action)
	}
}

func TestClient_APIError(t *testing.T) {
	stub := &graphStub{status: http.StatusBadRequest, reply: `{"error":{"message":"Invalid parameter","type":"OAuthException","code":100}}`}
	c := newGraphServer(t, stub)

	_, err := c.SendText(context.Background(), "44", "x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 100 || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestClient_NoMessageID(t *testing.T) {
	c := newGraphServer(t, &graphStub{reply: `{"messages":[]}`})
	if _, err := c.SendText(context.Background(), "44", "x"); !errors.Is(err, ErrNoMessageID) {
		t.Errorf("err = %v, want ErrNoMessageID", err)
	}
}

func TestClient_MediaDownload(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v21.0/media-1":
			io.WriteString(w, `{"url":"`+srvURL+`/blob","mime_type":"audio/ogg","id":"media-1"}`)
		case "/blob":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			io.WriteString(w, "OGGDATA")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	c, _ := NewClient(WithToken("tok"), WithPhoneNumberID("1234"), WithBaseURL(srv.URL))
	m, err := c.GetMedia(context.Background(), "media-1")
	if err != nil || m.MimeType != "audio/ogg" {
		t.Fatalf("GetMedia: %+v %v", m, err)
	}
	body, err := c.Download(context.Background(), m.URL)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "OGGDATA" {
		t.Errorf("data = %q", data)
	}
}

const samplePayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "contacts": [{"wa_id": "447700900123", "profile": {"name": "Ana"}}],
        "messages": [
          {"from": "447700900123", "id": "wamid.1", "timestamp": "1761400000", "type": "text", "text": {"body": "Hola"}},
          {"from": "447700900123", "id": "wamid.2", "timestamp": "1761400001", "type": "interactive",
           "interactive": {"type": "list_reply", "list_reply": {"id": "menu_wine", "title": "Wine"}}},
          {"from": "447700900123", "id": "wamid.3", "timestamp": "1761400002", "type": "audio", "audio": {"id": "media-9", "mime_type": "audio/ogg; codecs=opus"}},
          {"from": "447700900123", "id": "wamid.4", "timestamp": "1761400003", "type": "location", "location": {"latitude": 51.515, "longitude": -0.141}},
          {"from": "447700900123", "id": "wamid.5", "timestamp": "1761400004", "type": "sticker"}
        ],
        "statuses": [{"id": "wamid.OUT1", "status": "read", "timestamp": "1761400005", "recipient_id": "447700900123"}]
      }
    }]
  }]
}`

func TestWebhookPayload_Events(t *testing.T) {
	var p WebhookPayload
	if err := json.Unmarshal([]byte(samplePayload), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	evs := p.Events()
	if len(evs) != 5 {
		t.Fatalf("events = %d, want 5", len(evs))
	}
	wantKinds := []models.EventKind{models.EventText, models.EventListReply, models.EventAudio, models.EventLocation, models.EventUnsupported}
	for i, k := range wantKinds {
		if evs[i].Kind != k {
			t.Errorf("event %d kind = %s, want %s", i, evs[i].Kind, k)
		}
	}
	if evs[0].Text != "Hola" || evs[0].From != "447700900123" || evs[0].Timestamp.Unix() != 1761400000 {
		t.Errorf("text event = %+v", evs[0])
	}
	if evs[1].Selection.ID != "menu_wine" {
		t.Errorf("list reply = %+v", evs[1].Selection)
	}
	if evs[2].Audio.ID != "media-9" {
		t.Errorf("audio = %+v", evs[2].Audio)
	}
	if evs[4].Supported() {
		t.Error("sticker should be unsupported")
	}

	st := p.StatusUpdates()
	if len(st) != 1 || st[0].Status != models.MessageStatusRead || st[0].MessageID != "wamid.OUT1" {
		t.Errorf("statuses = %+v", st)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(samplePayload)
	sig := Sign("secret", body)
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("sig = %q", sig)
	}
	if !VerifySignature("secret", body, sig) {
		t.Error("valid signature rejected")
	}
	if VerifySignature("other", body, sig) {
		t.Error("signature with wrong secret accepted")
	}
	if VerifySignature("secret", body, "sha256=zz") || VerifySignature("secret", body, "") {
		t.Error("malformed header accepted")
	}
}
