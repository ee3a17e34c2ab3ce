package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/TablePipe/internal/dedup"
	"github.com/BTreeMap/TablePipe/internal/flow"
	"github.com/BTreeMap/TablePipe/internal/intent"
	"github.com/BTreeMap/TablePipe/internal/messaging"
	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/session"
	"github.com/BTreeMap/TablePipe/internal/store"
	"github.com/BTreeMap/TablePipe/internal/testutil"
	"github.com/BTreeMap/TablePipe/internal/venue"
)

const testUser = "447700900123"

type harness struct {
	orch     *Orchestrator
	tr       *testutil.RecordingTransport
	agent    *testutil.FakeAgent
	store    *store.InMemoryStore
	sessions *session.MemoryStore
	now      time.Time
	seq      int
}

// newHarness wires an orchestrator over in-memory collaborators. A nil agent
// runs without a language model.
func newHarness(t *testing.T, agent *testutil.FakeAgent, transport messaging.Transport) *harness {
	t.Helper()
	h := &harness{
		tr:    testutil.NewRecordingTransport(),
		agent: agent,
		store: store.NewInMemoryStore(),
		now:   time.Date(2025, 10, 20, 18, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.sessions = session.NewMemoryStore(session.WithClock(clock))
	machine := flow.NewMachine(h.sessions, flow.WithClock(clock))

	var opts []Option
	if agent != nil {
		opts = append(opts, WithAgent(agent), WithTranscriber(agent))
	}
	if transport == nil {
		transport = h.tr
	}
	h.orch = NewOrchestrator(transport, h.store, h.sessions, dedup.NewMemoryCache(time.Minute), machine, opts...)
	return h
}

func (h *harness) event(kind models.EventKind) models.InboundEvent {
	h.seq++
	return models.InboundEvent{
		Kind:      kind,
		From:      testUser,
		MessageID: fmt.Sprintf("wamid.in.%d", h.seq),
		Timestamp: h.now,
	}
}

func (h *harness) text(body string) models.InboundEvent {
	ev := h.event(models.EventText)
	ev.Text = body
	return ev
}

func (h *harness) selection(kind models.EventKind, id, title string) models.InboundEvent {
	ev := h.event(kind)
	ev.Selection = &models.Selection{ID: id, Title: title}
	return ev
}

func (h *harness) send(ev models.InboundEvent) {
	h.orch.HandleEvent(context.Background(), ev)
}

func (h *harness) history(t *testing.T) []models.Message {
	t.Helper()
	conv, err := h.store.GetOrCreateConversation(testUser)
	if err != nil {
		t.Fatalf("GetOrCreateConversation: %v", err)
	}
	msgs, err := h.store.GetHistory(conv.ID, 50)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	return msgs
}

func (h *harness) lastReply(t *testing.T) testutil.Sent {
	t.Helper()
	replies := h.tr.Replies()
	if len(replies) == 0 {
		t.Fatal("no reply sent")
	}
	return replies[len(replies)-1]
}

func assertKinds(t *testing.T, got []testutil.SendKind, want ...testutil.SendKind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("reply kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reply kinds = %v, want %v", got, want)
		}
	}
}

func TestHandleEvent_FreeFormUsesAgent(t *testing.T) {
	agent := testutil.NewFakeAgent("Of course! What date did you have in mind?")
	h := newHarness(t, agent, nil)

	h.send(h.text("Can you tell me about the dinner show?"))

	sent := h.tr.Sent()
	if len(sent) == 0 || sent[0].Kind != testutil.KindMarkRead || sent[0].MessageID != "wamid.in.1" {
		t.Fatalf("first call should acknowledge the message, got %+v", sent)
	}
	assertKinds(t, h.tr.Kinds(), testutil.KindText)
	if h.lastReply(t).Body != agent.Reply {
		t.Errorf("reply = %q", h.lastReply(t).Body)
	}

	req, ok := agent.LastRequest()
	if !ok {
		t.Fatal("agent was not asked")
	}
	if !req.NewUser || req.Language != "en" || req.Message != "Can you tell me about the dinner show?" {
		t.Errorf("unexpected request %+v", req)
	}

	msgs := h.history(t)
	if len(msgs) != 2 || msgs[0].Direction != models.DirectionIn || msgs[1].Direction != models.DirectionOut {
		t.Fatalf("history = %+v", msgs)
	}
	if msgs[1].WAMessageID == "" {
		t.Error("outbound message should carry the transport id")
	}
	if h.sessions.Get(testUser).IsFirstTime {
		t.Error("first-time flag should be cleared after the turn")
	}
}

func TestHandleEvent_DuplicateDeliveryIsDropped(t *testing.T) {
	h := newHarness(t, testutil.NewFakeAgent("Hello!"), nil)
	ev := h.text("Hello there")

	h.send(ev)
	h.send(ev)

	if n := len(h.tr.Replies()); n != 1 {
		t.Errorf("replies = %d, want 1", n)
	}
	inbound := 0
	for _, m := range h.history(t) {
		if m.Direction == models.DirectionIn {
			inbound++
		}
	}
	if inbound != 1 {
		t.Errorf("inbound messages persisted = %d, want 1", inbound)
	}
}

func TestHandleEvent_UnsupportedEventIsIgnored(t *testing.T) {
	h := newHarness(t, testutil.NewFakeAgent("x"), nil)
	ev := h.event(models.EventUnsupported)

	h.send(ev)

	if len(h.tr.Sent()) != 0 {
		t.Errorf("unsupported event produced calls: %+v", h.tr.Sent())
	}
	if isNew, _ := h.store.IsNewUser(testUser); !isNew {
		t.Error("unsupported event must not create a conversation")
	}
}

func TestHandleEvent_ViewMenusCommand(t *testing.T) {
	h := newHarness(t, testutil.NewFakeAgent("x"), nil)

	h.send(h.selection(models.EventButtonReply, intent.TokenViewMenus, "View menus"))

	assertKinds(t, h.tr.Kinds(), testutil.KindList)
	list := h.lastReply(t).List
	if len(list.Sections) != 1 || len(list.Sections[0].Rows) != len(venue.Menus()) {
		t.Fatalf("unexpected list %+v", list)
	}
	if list.Sections[0].Rows[0].ID != "menu_alacarte" {
		t.Errorf("first row id = %q", list.Sections[0].Rows[0].ID)
	}
}

func TestHandleEvent_AllMenusSentInOrder(t *testing.T) {
	h := newHarness(t, testutil.NewFakeAgent("x"), nil)

	h.send(h.selection(models.EventListReply, "menu_all", "All"))

	menus := venue.Menus()
	replies := h.tr.Replies()
	if len(replies) != len(menus) {
		t.Fatalf("replies = %d, want %d", len(replies), len(menus))
	}
	for i, m := range menus {
		if replies[i].Kind != testutil.KindDocument || replies[i].Document.URL != m.URL {
			t.Errorf("reply %d = %+v, want %s", i, replies[i], m.Filename())
		}
	}
}

func TestHandleEvent_FailedDocumentsEndInApology(t *testing.T) {
	h := newHarness(t, testutil.NewFakeAgent("x"), nil)
	h.tr.Errors[testutil.KindDocument] = errors.New("upload failed")

	h.send(h.selection(models.EventListReply, "menu_wine", "Wine"))

	assertKinds(t, h.tr.Kinds(), testutil.KindText)
	if h.lastReply(t).Body != intent.Apology {
		t.Errorf("expected apology, got %q", h.lastReply(t).Body)
	}
}

func TestHandleEvent_ReservationFlowEndToEnd(t *testing.T) {
	h := newHarness(t, testutil.NewFakeAgent("x"), nil)

	h.send(h.text("I want to book a table"))
	if h.lastReply(t).Kind != testutil.KindList {
		t.Fatalf("expected party size list, got %+v", h.lastReply(t))
	}

	h.send(h.selection(models.EventListReply, "resa_party_4", "4 guests"))
	if !strings.Contains(h.lastReply(t).Body, "date") {
		t.Errorf("expected date prompt, got %q", h.lastReply(t).Body)
	}

	h.send(h.text("2025-10-25"))
	if h.lastReply(t).Kind != testutil.KindList || !strings.Contains(h.lastReply(t).Body, "time") {
		t.Errorf("expected time prompt, got %+v", h.lastReply(t))
	}

	h.send(h.selection(models.EventListReply, "resa_time_20:00", "20:00"))
	if h.lastReply(t).Kind != testutil.KindButtons {
		t.Errorf("expected duration buttons, got %+v", h.lastReply(t))
	}

	h.send(h.selection(models.EventButtonReply, "resa_duration_120", "2h"))
	last := h.lastReply(t)
	if last.Kind != testutil.KindText {
		t.Fatalf("expected confirmation text, got %+v", last)
	}
	if !strings.Contains(last.Body, "date=2025-10-25&halo=120&party_size=4&start_time=20%3A00") {
		t.Errorf("confirmation lacks deep link: %q", last.Body)
	}
	if h.sessions.Get(testUser).FlowActive() {
		t.Error("flow should be inactive after completion")
	}
}

func TestHandleEvent_InvalidAnswerReprompts(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send(h.text("book a table please"))
	h.send(h.text("hmm not sure"))

	last := h.lastReply(t)
	if last.Kind != testutil.KindList || !strings.HasPrefix(last.Body, intent.FlowReprompt) {
		t.Errorf("expected reprompt list, got %+v", last)
	}
	if step := h.sessions.Get(testUser).ReservationFlow.Step; step != models.StepPartySize {
		t.Errorf("step = %s, want party_size", step)
	}
}

func TestHandleEvent_CancelThenRestartStartsEmpty(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send(h.text("book a table"))
	h.send(h.selection(models.EventListReply, "resa_party_6", "6 guests"))
	h.send(h.text("cancel"))
	if h.lastReply(t).Body != intent.FlowCancelled {
		t.Fatalf("expected cancellation, got %q", h.lastReply(t).Body)
	}

	h.send(h.text("book a table"))
	rf := h.sessions.Get(testUser).ReservationFlow
	if rf == nil || rf.Step != models.StepPartySize || rf.Data != (models.ReservationData{}) {
		t.Errorf("restarted flow = %+v", rf)
	}
}

func TestHandleEvent_ExpiredSessionDropsFlow(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send(h.text("book a table"))
	h.now = h.now.Add(session.DefaultTimeout + time.Minute)
	h.send(h.text("4"))

	if h.sessions.Get(testUser).FlowActive() {
		t.Error("stale flow should have been dropped")
	}
	if h.lastReply(t).Kind != testutil.KindText {
		t.Errorf("expected a free-form reply, got %+v", h.lastReply(t))
	}
}

func TestHandleEvent_ButtonUsesHistoryLanguage(t *testing.T) {
	agent := testutil.NewFakeAgent("x")
	agent.Languages["Bonjour, je voudrais voir le menu"] = "fr"
	agent.Translations["Bonjour, je voudrais voir le menu"] = "Hello, I would like to see the menu"
	h := newHarness(t, agent, nil)

	h.send(h.text("Bonjour, je voudrais voir le menu"))
	first := h.lastReply(t)
	if first.Kind != testutil.KindButtons || first.Body != "[fr] "+intent.ViewMenusBody {
		t.Fatalf("expected localized view-menus buttons, got %+v", first)
	}

	h.send(h.selection(models.EventButtonReply, intent.TokenViewMenus, first.Buttons[0].Title))
	second := h.lastReply(t)
	if second.Kind != testutil.KindList || second.Body != "[fr] "+intent.ChooseMenuPrompt {
		t.Errorf("expected French menu list, got %+v", second)
	}
}

func TestHandleEvent_AgentMenuLinkBecomesButtons(t *testing.T) {
	agent := testutil.NewFakeAgent("Here is our wine list: " + venue.Menus()[2].URL)
	h := newHarness(t, agent, nil)

	h.send(h.text("What do you recommend tonight?"))

	assertKinds(t, h.tr.Kinds(), testutil.KindButtons)
	if h.lastReply(t).Buttons[0].ID != intent.TokenViewMenus {
		t.Errorf("buttons = %+v", h.lastReply(t).Buttons)
	}
}

func TestHandleEvent_AddressMentionAppendsPin(t *testing.T) {
	h := newHarness(t, testutil.NewFakeAgent("You will find us at 8-9 Argyll Street, right by Oxford Circus."), nil)

	h.send(h.text("How do I get to you?"))

	assertKinds(t, h.tr.Kinds(), testutil.KindText, testutil.KindLocation)
	if h.lastReply(t).Location.Latitude != venue.Latitude {
		t.Errorf("pin = %+v", h.lastReply(t).Location)
	}
}

func TestHandleEvent_LocationShare(t *testing.T) {
	h := newHarness(t, testutil.NewFakeAgent("x"), nil)
	ev := h.event(models.EventLocation)
	ev.Location = &models.Location{Latitude: 51.5150, Longitude: -0.1410}

	h.send(ev)

	assertKinds(t, h.tr.Kinds(), testutil.KindText, testutil.KindLocation)
	if !strings.Contains(h.tr.Replies()[0].Body, "very close") {
		t.Errorf("ack = %q", h.tr.Replies()[0].Body)
	}
}

func TestHandleEvent_VoiceNote(t *testing.T) {
	agent := testutil.NewFakeAgent("The show starts around 8:30 PM.")
	agent.Transcript = "What time does the show start"
	h := newHarness(t, agent, nil)
	h.tr.Media["media-1"] = []byte("OggS")
	ev := h.event(models.EventAudio)
	ev.Audio = &models.MediaRef{ID: "media-1", MimeType: "audio/ogg"}

	h.send(ev)

	assertKinds(t, h.tr.Kinds(), testutil.KindText, testutil.KindText)
	if echo := h.tr.Replies()[0].Body; echo != `🎤 I heard: "What time does the show start"` {
		t.Errorf("echo = %q", echo)
	}
	if req, _ := agent.LastRequest(); req.Message != agent.Transcript {
		t.Errorf("agent saw %q", req.Message)
	}
	if agent.TranscribeHint != "en" {
		t.Errorf("transcription hint = %q", agent.TranscribeHint)
	}
	msgs := h.history(t)
	if len(msgs) != 3 || msgs[0].Text != agent.Transcript {
		t.Errorf("history = %+v", msgs)
	}
}

func TestHandleEvent_VoiceNoteFailure(t *testing.T) {
	agent := testutil.NewFakeAgent("x")
	agent.TranscribeErr = errors.New("whisper down")
	h := newHarness(t, agent, nil)
	h.tr.Media["media-1"] = []byte("OggS")
	ev := h.event(models.EventAudio)
	ev.Audio = &models.MediaRef{ID: "media-1"}

	h.send(ev)

	assertKinds(t, h.tr.Kinds(), testutil.KindText)
	if h.lastReply(t).Body != intent.AudioFailed {
		t.Errorf("reply = %q", h.lastReply(t).Body)
	}
	if len(agent.Requests) != 0 {
		t.Error("agent should not run after a failed transcription")
	}
	msgs := h.history(t)
	if len(msgs) != 2 {
		t.Fatalf("history = %+v", msgs)
	}
	if msgs[0].Direction != models.DirectionIn || msgs[0].MessageType != string(models.EventAudio) || msgs[0].Text != untranscribedAudio {
		t.Errorf("inbound record = %+v", msgs[0])
	}
	if msgs[1].Direction != models.DirectionOut || msgs[1].Text != intent.AudioFailed {
		t.Errorf("outbound record = %+v", msgs[1])
	}
	if got := agentHistory(msgs); len(got) != 1 || got[0].FromUser {
		t.Errorf("agent history = %+v", got)
	}
}

func TestHandleEvent_StaticRepliesWithoutAgent(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.send(h.text("hello"))
	if h.lastReply(t).Body != intent.Welcome {
		t.Errorf("new user greeting = %q", h.lastReply(t).Body)
	}

	h.send(h.text("what are your opening hours"))
	if h.lastReply(t).Body != intent.StaticReply(intent.Hours) {
		t.Errorf("hours reply = %q", h.lastReply(t).Body)
	}
}

func TestHandleEvent_AgentErrorFallsBackToStatic(t *testing.T) {
	agent := testutil.NewFakeAgent("")
	agent.GenerateErr = errors.New("rate limited")
	h := newHarness(t, agent, nil)

	h.send(h.text("what are your opening hours"))

	if h.lastReply(t).Body != intent.StaticReply(intent.Hours) {
		t.Errorf("reply = %q", h.lastReply(t).Body)
	}
}

func TestHandleEvent_SendFailureSendsApology(t *testing.T) {
	h := newHarness(t, testutil.NewFakeAgent("Hi!"), nil)
	h.tr.FailTexts = 1

	h.send(h.text("hello there"))

	assertKinds(t, h.tr.Kinds(), testutil.KindText)
	if h.lastReply(t).Body != intent.Apology {
		t.Errorf("reply = %q", h.lastReply(t).Body)
	}
}

func TestHandleEvent_LastResortApology(t *testing.T) {
	agent := testutil.NewFakeAgent("Salut !")
	agent.Languages["bonjour tout le monde"] = "fr"
	h := newHarness(t, agent, nil)
	h.tr.FailTexts = 2

	h.send(h.text("bonjour tout le monde"))

	assertKinds(t, h.tr.Kinds(), testutil.KindText)
	if h.lastReply(t).Body != intent.LastResortApology {
		t.Errorf("reply = %q", h.lastReply(t).Body)
	}
}

type panickyTransport struct {
	*testutil.RecordingTransport
}

func (p panickyTransport) SendButtons(context.Context, string, string, []models.Button) (string, error) {
	panic("buttons exploded")
}

func TestHandleEvent_PanicIsRecovered(t *testing.T) {
	rec := testutil.NewRecordingTransport()
	h := newHarness(t, nil, panickyTransport{rec})
	h.tr = rec

	h.send(h.text("show me the food"))

	assertKinds(t, rec.Kinds(), testutil.KindText)
	if h.lastReply(t).Body != intent.Apology {
		t.Errorf("reply = %q", h.lastReply(t).Body)
	}
}
