package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TablePipe/internal/flow"
	"github.com/BTreeMap/TablePipe/internal/genai"
	"github.com/BTreeMap/TablePipe/internal/intent"
	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/venue"
)

// errNothingDelivered ends a turn whose only output was documents that all failed.
var errNothingDelivered = errors.New("no reply could be delivered")

// Outbound message types as persisted.
const (
	messageTypeText        = "text"
	messageTypeDocument    = "document"
	messageTypeInteractive = "interactive"
	messageTypeLocation    = "location"
)

// untranscribedAudio is stored for a voice note that could not be transcribed.
const untranscribedAudio = "[voice note]"

func (o *Orchestrator) runTurn(ctx context.Context, t *turn) error {
	ev := t.ev
	if err := o.transport.MarkRead(ctx, ev.MessageID); err != nil {
		slog.Warn("Orchestrator.runTurn: failed to mark message read", "id", ev.MessageID, "error", err)
	}

	newUser, err := o.history.IsNewUser(ev.From)
	if err != nil {
		slog.Warn("Orchestrator.runTurn: new-user check failed, using session flag", "from", ev.From, "error", err)
		newUser = o.sessions.Get(ev.From).IsFirstTime
	}
	t.newUser = newUser

	conv, err := o.history.GetOrCreateConversation(ev.From)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	t.conv = conv
	prior, err := o.history.GetHistory(conv.ID, o.historySize)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	t.history = prior

	t.command, t.text = intent.Resolve(ev)
	var echoes []models.Message
	if ev.Kind == models.EventAudio {
		echo, ok := o.transcribe(ctx, t)
		if !ok {
			t.text = untranscribedAudio
			if _, err := o.history.SaveMessage(inboundRecord(t)); err != nil {
				return fmt.Errorf("failed to save inbound message: %w", err)
			}
			o.persist(echo)
			return nil
		}
		echoes = append(echoes, echo...)
	}

	if _, err := o.history.SaveMessage(inboundRecord(t)); err != nil {
		return fmt.Errorf("failed to save inbound message: %w", err)
	}
	t.lang = o.detectLanguage(ctx, t)

	expired := o.sessions.IsExpired(ev.From)
	var flowActive bool
	o.sessions.Update(ev.From, func(s *models.Session) {
		if expired && s.ReservationFlow != nil {
			slog.Debug("Orchestrator.runTurn: session expired, dropping stale reservation flow", "from", ev.From)
			s.ReservationFlow = nil
		}
		s.MessageCount++
		flowActive = s.FlowActive()
	})

	sig := intent.Signal{Command: t.command, Location: ev.Location}
	if t.command == nil && !flowActive {
		sig.Text = o.english(ctx, t.text, t.lang)
	}
	decision := intent.Route(sig, flowActive)
	slog.Debug("Orchestrator.runTurn: routed", "from", ev.From, "branch", decision.Branch, "intent", decision.Intent, "score", decision.Score)

	r := o.execute(ctx, t, decision)
	sent, err := o.emit(ctx, t, r)
	o.persist(append(echoes, sent...))
	if err != nil {
		return err
	}

	o.sessions.Update(ev.From, func(s *models.Session) {
		s.IsFirstTime = false
		if decision.Intent != "" {
			s.LastIntent = string(decision.Intent)
		} else {
			s.LastIntent = string(decision.Branch)
		}
	})
	return nil
}

// transcribe replaces the audio event by its transcript and echoes it back.
// It returns false when the turn must end, after the failure has been reported;
// the messages returned are then the failure notice.
func (o *Orchestrator) transcribe(ctx context.Context, t *turn) ([]models.Message, bool) {
	hint := o.historyLanguage(ctx, t.history)
	t.lang = hint

	text, err := o.transcribeAudio(ctx, *t.ev.Audio, hint)
	if err != nil {
		slog.Error("Orchestrator.transcribe: voice note failed", "from", t.ev.From, "id", t.ev.MessageID, "error", err)
		notice := o.localizer.Text(ctx, intent.AudioFailed, hint)
		id, sendErr := o.transport.SendText(ctx, t.ev.From, notice)
		if sendErr != nil {
			slog.Error("Orchestrator.transcribe: failed to report audio failure", "to", t.ev.From, "error", sendErr)
			return nil, false
		}
		return []models.Message{t.outbound(id, messageTypeText, notice)}, false
	}
	t.text = text
	t.command = nil

	echo := fmt.Sprintf("🎤 %s \"%s\"", o.localizer.Text(ctx, intent.HeardPrefix, hint), text)
	id, err := o.transport.SendText(ctx, t.ev.From, echo)
	if err != nil {
		slog.Warn("Orchestrator.transcribe: failed to echo transcript", "to", t.ev.From, "error", err)
		return nil, true
	}
	return []models.Message{t.outbound(id, messageTypeText, echo)}, true
}

func (o *Orchestrator) transcribeAudio(ctx context.Context, ref models.MediaRef, hint string) (string, error) {
	if o.transcriber == nil {
		return "", errNoTranscriber
	}
	body, mime, err := o.transport.FetchMedia(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to fetch audio: %w", err)
	}
	defer body.Close()
	if mime == "" {
		mime = ref.MimeType
	}
	text, err := o.transcriber.Transcribe(ctx, body, mime, hint)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty transcript")
	}
	return text, nil
}

// detectLanguage prefers the user's own words; tokens and short texts fall
// back to the most recent prior free-text message.
func (o *Orchestrator) detectLanguage(ctx context.Context, t *turn) string {
	if t.command == nil && t.text != "" && !intent.LooksLikeToken(t.text) {
		if lang, ok := o.detect(ctx, t.text); ok {
			return lang
		}
	}
	return o.historyLanguage(ctx, t.history)
}

func (o *Orchestrator) historyLanguage(ctx context.Context, history []models.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Direction != models.DirectionIn || !isFreeText(m) {
			continue
		}
		if lang, ok := o.detect(ctx, m.Text); ok {
			return lang
		}
	}
	return o.defaultLang
}

// detect memoizes agent detections by text.
func (o *Orchestrator) detect(ctx context.Context, text string) (string, bool) {
	if o.agent == nil {
		return "", false
	}
	if v, ok := o.languages.Get(text); ok {
		return v.(string), true
	}
	lang, err := o.agent.DetectLanguage(ctx, text)
	if err != nil {
		if !errors.Is(err, genai.ErrTextTooShort) {
			slog.Warn("Orchestrator.detect: language detection failed", "error", err)
		}
		return "", false
	}
	o.languages.SetDefault(text, lang)
	return lang, true
}

// english returns text translated for keyword scoring.
func (o *Orchestrator) english(ctx context.Context, text, lang string) string {
	if o.agent == nil || text == "" || lang == "" || lang == "en" {
		return text
	}
	out, err := o.agent.Translate(ctx, text, lang)
	if err != nil {
		slog.Warn("Orchestrator.english: translation failed, scoring original text", "lang", lang, "error", err)
		return text
	}
	return out
}

// execute runs the single branch chosen by the router.
func (o *Orchestrator) execute(ctx context.Context, t *turn, d intent.Decision) reply {
	user := t.ev.From
	switch d.Branch {
	case intent.BranchCommand:
		return o.command(user, *d.Command)
	case intent.BranchFlow:
		return o.advanceFlow(user, d.Command, t.text)
	case intent.BranchStartReservation:
		return flowReply(o.flows.Start(user))
	case intent.BranchMenu:
		return menuReply(venue.MenuType(d.Command.Value))
	case intent.BranchViewMenus:
		return viewMenusReply()
	case intent.BranchLocationShare:
		return locationReply(*t.ev.Location)
	}
	return o.freeForm(ctx, t, d)
}

func (o *Orchestrator) command(user string, cmd models.Command) reply {
	switch cmd.Kind {
	case models.CommandViewMenus:
		return reply{prompt: menuPicker()}
	case models.CommandMenu:
		return menuReply(venue.MenuType(cmd.Value))
	case models.CommandReserve:
		return flowReply(o.flows.Start(user))
	case models.CommandCancelReservation:
		return flowReply(o.flows.Cancel(user))
	}
	return reply{text: intent.NotUnderstoodReply}
}

func (o *Orchestrator) advanceFlow(user string, cmd *models.Command, text string) reply {
	out, err := o.flows.Advance(user, cmd, text)
	if errors.Is(err, flow.ErrNoActiveFlow) {
		return flowReply(o.flows.Start(user))
	}
	return flowReply(out)
}

// freeForm asks the agent and falls back to the static template.
func (o *Orchestrator) freeForm(ctx context.Context, t *turn, d intent.Decision) reply {
	if o.agent != nil {
		out, err := o.agent.Generate(ctx, genai.GenerateRequest{
			Message:  t.text,
			Language: t.lang,
			History:  agentHistory(t.history),
			NewUser:  t.newUser,
		})
		out = strings.TrimSpace(out)
		switch {
		case err != nil:
			slog.Warn("Orchestrator.freeForm: agent failed, using static reply", "from", t.ev.From, "intent", d.Intent, "error", err)
		case out == "":
			slog.Warn("Orchestrator.freeForm: agent returned nothing, using static reply", "from", t.ev.From, "intent", d.Intent)
		case venue.ContainsMenuURL(out):
			return viewMenusReply()
		default:
			return reply{text: out, translated: true}
		}
	}
	if t.newUser && (d.Intent == intent.Greeting || d.Intent == intent.NotUnderstood) {
		return reply{text: intent.Welcome}
	}
	return reply{text: intent.StaticReply(d.Intent)}
}

// emit sends documents, then the primary reply, then the venue pin when the
// reply talks about the address. It returns what was actually sent.
func (o *Orchestrator) emit(ctx context.Context, t *turn, r reply) ([]models.Message, error) {
	to := t.ev.From
	var sent []models.Message

	for _, doc := range r.documents {
		doc.Caption = o.localizer.Text(ctx, doc.Caption, t.lang)
		id, err := o.transport.SendDocument(ctx, to, doc)
		if err != nil {
			slog.Error("Orchestrator.emit: failed to send document", "to", to, "file", doc.Filename, "error", err)
			continue
		}
		sent = append(sent, t.outbound(id, messageTypeDocument, doc.Caption))
	}
	if len(r.documents) > 0 && len(sent) == 0 && !r.hasPrimary() {
		return sent, errNothingDelivered
	}

	primary, err := o.sendPrimary(ctx, t, r)
	if err != nil {
		return sent, err
	}
	if primary != nil {
		sent = append(sent, *primary)
	}

	if r.pin || (primary != nil && intent.MentionsAddress(primary.Text)) {
		pin := venuePin()
		id, err := o.transport.SendLocation(ctx, to, pin)
		if err != nil {
			slog.Warn("Orchestrator.emit: failed to send venue pin", "to", to, "error", err)
		} else {
			sent = append(sent, t.outbound(id, messageTypeLocation, pin.Name+", "+pin.Address))
		}
	}
	return sent, nil
}

func (o *Orchestrator) sendPrimary(ctx context.Context, t *turn, r reply) (*models.Message, error) {
	to := t.ev.From
	notice := o.localizer.Text(ctx, r.notice, t.lang)

	if r.prompt != nil {
		p := o.localizer.Interactive(ctx, *r.prompt, t.lang)
		body := joinNotice(notice, p.Body)
		var (
			id  string
			err error
		)
		if p.List != nil {
			list := *p.List
			list.Body = body
			id, err = o.transport.SendList(ctx, to, list)
		} else {
			id, err = o.transport.SendButtons(ctx, to, body, p.Buttons)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to send prompt: %w", err)
		}
		msg := t.outbound(id, messageTypeInteractive, body)
		return &msg, nil
	}

	if r.text == "" {
		return nil, nil
	}
	text := r.text
	if !r.translated {
		text = o.localizer.Text(ctx, text, t.lang)
	}
	text = joinNotice(notice, text)
	id, err := o.transport.SendText(ctx, to, text)
	if err != nil {
		return nil, fmt.Errorf("failed to send reply: %w", err)
	}
	msg := t.outbound(id, messageTypeText, text)
	return &msg, nil
}

// persist stores outbound messages. History is best effort once the user has the reply.
func (o *Orchestrator) persist(msgs []models.Message) {
	for _, m := range msgs {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		if _, err := o.history.SaveMessage(m); err != nil {
			slog.Warn("Orchestrator.persist: failed to save outbound message", "conversation", m.ConversationID, "error", err)
		}
	}
}

func joinNotice(notice, body string) string {
	if notice == "" {
		return body
	}
	return notice + "\n\n" + body
}

func (t *turn) outbound(waID, messageType, text string) models.Message {
	return models.Message{
		ConversationID: t.conv.ID,
		WAMessageID:    waID,
		Direction:      models.DirectionOut,
		Sender:         models.SenderBot,
		MessageType:    messageType,
		Text:           text,
	}
}

// inboundRecord is the history entry of the user's message. Selections keep
// their token so they are never mistaken for free text.
func inboundRecord(t *turn) models.Message {
	ev := t.ev
	text := t.text
	switch {
	case ev.Selection != nil && t.command != nil:
		text = ev.Selection.ID
	case ev.Kind == models.EventLocation && ev.Location != nil:
		text = fmt.Sprintf("%f,%f", ev.Location.Latitude, ev.Location.Longitude)
		if ev.Location.Name != "" {
			text += " " + ev.Location.Name
		}
	}
	return models.Message{
		ConversationID: t.conv.ID,
		WAMessageID:    ev.MessageID,
		Direction:      models.DirectionIn,
		Sender:         models.SenderUser,
		MessageType:    string(ev.Kind),
		Text:           text,
	}
}

// isFreeText reports whether a stored message holds words the user typed or said.
func isFreeText(m models.Message) bool {
	if m.Text == "" || m.Text == untranscribedAudio || intent.LooksLikeToken(m.Text) {
		return false
	}
	return m.MessageType == string(models.EventText) || m.MessageType == string(models.EventAudio)
}

// agentHistory converts stored messages to agent context.
func agentHistory(history []models.Message) []genai.HistoryTurn {
	out := make([]genai.HistoryTurn, 0, len(history))
	for _, m := range history {
		if m.Text == "" || m.Text == untranscribedAudio || intent.LooksLikeToken(m.Text) {
			continue
		}
		out = append(out, genai.HistoryTurn{FromUser: m.Direction == models.DirectionIn, Text: m.Text})
	}
	return out
}
