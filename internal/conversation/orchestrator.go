// Package conversation sequences one user turn: deduplicate, persist,
// detect the language, route, reply and record what was sent. Turns of the
// same user are serialized by a Dispatcher.
package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/BTreeMap/TablePipe/internal/dedup"
	"github.com/BTreeMap/TablePipe/internal/flow"
	"github.com/BTreeMap/TablePipe/internal/genai"
	"github.com/BTreeMap/TablePipe/internal/intent"
	"github.com/BTreeMap/TablePipe/internal/messaging"
	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/session"
	"github.com/BTreeMap/TablePipe/internal/store"
	"github.com/patrickmn/go-cache"
)

// DefaultLanguage is used when no language can be detected.
const DefaultLanguage = "en"

// languageMemoTTL bounds how long a detection result is reused for the same text.
const languageMemoTTL = 30 * time.Minute

// Agent is the language-model collaborator.
type Agent interface {
	Translator
	DetectLanguage(ctx context.Context, text string) (string, error)
	Translate(ctx context.Context, text, fromLang string) (string, error)
	Generate(ctx context.Context, req genai.GenerateRequest) (string, error)
}

// Transcriber converts voice notes to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, mimeType, language string) (string, error)
}

// History is the persistence the orchestrator needs. store.Store satisfies it.
type History interface {
	GetOrCreateConversation(userPhone string) (models.Conversation, error)
	IsNewUser(userPhone string) (bool, error)
	GetHistory(conversationID string, limit int) ([]models.Message, error)
	SaveMessage(msg models.Message) (models.Message, error)
}

// Ensure store.Store satisfies History
var _ History = (store.Store)(nil)

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	Agent           Agent
	Transcriber     Transcriber
	Localizer       *Localizer
	DefaultLanguage string
	HistoryLimit    int
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithAgent sets the language-model agent. Without one, free text gets the
// static replies and everything stays in the default language.
func WithAgent(a Agent) Option {
	return func(o *Opts) {
		o.Agent = a
	}
}

// WithTranscriber enables voice notes.
func WithTranscriber(t Transcriber) Option {
	return func(o *Opts) {
		o.Transcriber = t
	}
}

// WithLocalizer overrides the localizer built from the agent.
func WithLocalizer(l *Localizer) Option {
	return func(o *Opts) {
		o.Localizer = l
	}
}

// WithDefaultLanguage sets the fallback reply language.
func WithDefaultLanguage(lang string) Option {
	return func(o *Opts) {
		o.DefaultLanguage = lang
	}
}

// WithHistoryLimit sets how many stored messages are given to the agent.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) {
		o.HistoryLimit = n
	}
}

// Orchestrator runs turns. It is safe for concurrent use by different users;
// turns of one user must not overlap (see Dispatcher).
type Orchestrator struct {
	transport   messaging.Transport
	history     History
	sessions    session.Store
	dedup       dedup.Cache
	flows       *flow.Machine
	agent       Agent
	transcriber Transcriber
	localizer   *Localizer
	defaultLang string
	historySize int
	languages   *cache.Cache
}

// NewOrchestrator wires a turn processor.
func NewOrchestrator(transport messaging.Transport, history History, sessions session.Store, seen dedup.Cache, flows *flow.Machine, opts ...Option) *Orchestrator {
	cfg := Opts{DefaultLanguage: DefaultLanguage, HistoryLimit: store.DefaultHistoryLimit}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = DefaultLanguage
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = store.DefaultHistoryLimit
	}
	if cfg.Localizer == nil {
		var tr Translator
		if cfg.Agent != nil {
			tr = cfg.Agent
		}
		cfg.Localizer = NewLocalizer(tr, DefaultLocalizationTTL)
	}
	return &Orchestrator{
		transport:   transport,
		history:     history,
		sessions:    sessions,
		dedup:       seen,
		flows:       flows,
		agent:       cfg.Agent,
		transcriber: cfg.Transcriber,
		localizer:   cfg.Localizer,
		defaultLang: cfg.DefaultLanguage,
		historySize: cfg.HistoryLimit,
		languages:   cache.New(languageMemoTTL, languageMemoTTL),
	}
}

// turn carries the state of one inbound event through the pipeline.
type turn struct {
	ev      models.InboundEvent
	conv    models.Conversation
	history []models.Message // prior messages, oldest first, without the current one
	text    string           // user text, transcript included
	command *models.Command
	lang    string
	newUser bool
}

// HandleEvent processes one inbound event end to end. It never returns an
// error: failures after deduplication end in an apology to the user.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev models.InboundEvent) {
	if !ev.Supported() {
		slog.Debug("Orchestrator.HandleEvent: ignoring unsupported event", "from", ev.From, "kind", ev.Kind, "id", ev.MessageID)
		return
	}
	if o.duplicate(ctx, ev.MessageID) {
		slog.Info("Orchestrator.HandleEvent: skipping duplicate delivery", "from", ev.From, "id", ev.MessageID)
		return
	}

	t := &turn{ev: ev, lang: o.defaultLang}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator.HandleEvent: panic during turn", "from", ev.From, "id", ev.MessageID, "panic", r)
			o.apologize(ctx, t)
		}
		o.markProcessed(ctx, ev.MessageID)
	}()

	if err := o.runTurn(ctx, t); err != nil {
		slog.Error("Orchestrator.HandleEvent: turn failed", "from", ev.From, "id", ev.MessageID, "error", err)
		o.apologize(ctx, t)
		return
	}
	slog.Debug("Orchestrator.HandleEvent: turn complete", "from", ev.From, "id", ev.MessageID, "lang", t.lang)
}

// duplicate records messageID and reports whether it had been seen.
// A failing cache lets the event through.
func (o *Orchestrator) duplicate(ctx context.Context, messageID string) bool {
	if o.dedup == nil || messageID == "" {
		return false
	}
	seen, err := o.dedup.SeenOrRecord(ctx, messageID)
	if err != nil {
		slog.Warn("Orchestrator.duplicate: dedup check failed, processing anyway", "id", messageID, "error", err)
		return false
	}
	return seen
}

func (o *Orchestrator) markProcessed(ctx context.Context, messageID string) {
	c, ok := o.dedup.(dedup.Completer)
	if !ok || messageID == "" {
		return
	}
	if err := c.MarkProcessed(ctx, messageID); err != nil {
		slog.Warn("Orchestrator.markProcessed: failed to stamp dedup row", "id", messageID, "error", err)
	}
}

// apologize sends the localized apology, then the English one if that fails.
func (o *Orchestrator) apologize(ctx context.Context, t *turn) {
	msg := o.localizer.Text(ctx, intent.Apology, t.lang)
	_, err := o.transport.SendText(ctx, t.ev.From, msg)
	if err == nil {
		return
	}
	slog.Error("Orchestrator.apologize: failed to send apology", "to", t.ev.From, "error", err)
	if _, err := o.transport.SendText(ctx, t.ev.From, intent.LastResortApology); err != nil {
		slog.Error("Orchestrator.apologize: failed to send last-resort apology", "to", t.ev.From, "error", err)
	}
}

var errNoTranscriber = errors.New("voice notes are not enabled")
