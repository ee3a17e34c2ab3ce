// Package api is TablePipe's HTTP surface: the Meta webhook (verification and
// delivery), the Twilio webhook, and health and stats endpoints.
//
// Webhook requests are acknowledged as soon as they are parsed. Inbound
// events flow from the messaging service's channels into the per-user
// dispatcher; status updates are written back to the store.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/TablePipe/internal/cloudapi"
	"github.com/BTreeMap/TablePipe/internal/dedup"
	"github.com/BTreeMap/TablePipe/internal/messaging"
	"github.com/BTreeMap/TablePipe/internal/models"
	"github.com/BTreeMap/TablePipe/internal/store"
)

// DefaultServerAddress is used when no address is configured.
const DefaultServerAddress = ":8080"

// maxWebhookBody bounds the size of a Meta webhook body.
const maxWebhookBody = 1 << 20

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Submitter accepts inbound events for processing. conversation.Dispatcher implements it.
type Submitter interface {
	Submit(ev models.InboundEvent) error
	Active() int
}

// ReceiptRecorder stores delivery and read receipts. store.Store implements it.
type ReceiptRecorder interface {
	MarkDelivered(waMessageID string) error
	MarkRead(waMessageID string) error
}

// SessionCounter reports the number of live sessions. session.Store implements it.
type SessionCounter interface {
	Count() int
}

// webhookReceiver is implemented by services fed by the Meta webhook.
type webhookReceiver interface {
	HandleWebhookPayload(p cloudapi.WebhookPayload)
}

// twilioReceiver is implemented by services fed by the Twilio webhook.
type twilioReceiver interface {
	TwilioWebhookHandler(w http.ResponseWriter, r *http.Request)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr        string // HTTP listen address
	VerifyToken string // hub.verify_token expected by GET /webhook
	AppSecret   string // enables X-Hub-Signature-256 validation when set
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithVerifyToken sets the webhook verification token.
func WithVerifyToken(token string) Option {
	return func(o *Opts) {
		o.VerifyToken = token
	}
}

// WithAppSecret enables webhook signature validation.
func WithAppSecret(secret string) Option {
	return func(o *Opts) {
		o.AppSecret = secret
	}
}

// Server wires the messaging service to the dispatcher and serves HTTP.
type Server struct {
	msgService messaging.Service
	submitter  Submitter
	receipts   ReceiptRecorder
	sessions   SessionCounter
	seen       dedup.Cache
	opts       Opts
	started    time.Time

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // consumers and async webhook deliveries
}

// Ensure the store backends record receipts
var _ ReceiptRecorder = (store.Store)(nil)

// NewServer creates a server. receipts, sessions and seen may be nil.
func NewServer(msgService messaging.Service, submitter Submitter, receipts ReceiptRecorder, sessions SessionCounter, seen dedup.Cache, opts ...Option) *Server {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServerAddress
	}
	slog.Debug("api.NewServer: configured", "addr", cfg.Addr, "verify_token_set", cfg.VerifyToken != "", "app_secret_set", cfg.AppSecret != "")
	return &Server{
		msgService: msgService,
		submitter:  submitter,
		receipts:   receipts,
		sessions:   sessions,
		seen:       seen,
		opts:       cfg,
		started:    time.Now(),
		done:       make(chan struct{}),
	}
}

// Handler returns the HTTP routes. Webhook routes are registered only when
// the messaging service can accept that webhook.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if _, ok := s.msgService.(webhookReceiver); ok {
		mux.HandleFunc("/webhook", s.webhookHandler)
	}
	if tw, ok := s.msgService.(twilioReceiver); ok {
		mux.HandleFunc("/twilio/webhook", tw.TwilioWebhookHandler)
	}
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/stats", s.statsHandler)
	return mux
}

// Start starts the messaging service and the channel consumers.
func (s *Server) Start(ctx context.Context) error {
	if err := s.msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	s.wg.Add(2)
	go s.consumeEvents()
	go s.consumeStatuses()
	slog.Info("Server.Start: consuming inbound events")
	return nil
}

// Run starts the server and blocks until ctx is cancelled or the listener fails.
// On return the consumers have exited; the caller stops the dispatcher and
// then the messaging service, so queued turns can still reply.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer s.stop()

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Server.Run: graceful shutdown failed", "error", err)
		}
		return nil
	}
}

// stop ends the consumers and waits for them and for in-flight webhook deliveries.
func (s *Server) stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Server) consumeEvents() {
	defer s.wg.Done()
	events := s.msgService.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				slog.Debug("Server.consumeEvents: events channel closed")
				return
			}
			if err := s.submitter.Submit(ev); err != nil {
				slog.Warn("Server.consumeEvents: event dropped", "from", ev.From, "id", ev.MessageID, "error", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) consumeStatuses() {
	defer s.wg.Done()
	statuses := s.msgService.Statuses()
	for {
		select {
		case st, ok := <-statuses:
			if !ok {
				slog.Debug("Server.consumeStatuses: statuses channel closed")
				return
			}
			s.recordStatus(st)
		case <-s.done:
			return
		}
	}
}

// recordStatus is best effort; an unknown message id is normal for messages
// sent before a restart with the in-memory store.
func (s *Server) recordStatus(st models.StatusUpdate) {
	if s.receipts == nil || st.MessageID == "" {
		return
	}
	var err error
	switch st.Status {
	case models.MessageStatusDelivered:
		err = s.receipts.MarkDelivered(st.MessageID)
	case models.MessageStatusRead:
		err = s.receipts.MarkRead(st.MessageID)
	case models.MessageStatusFailed:
		slog.Warn("Server.recordStatus: transport reported failed delivery", "id", st.MessageID, "recipient", st.Recipient)
		return
	default:
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Debug("Server.recordStatus: unknown message", "id", st.MessageID, "status", st.Status)
	case err != nil:
		slog.Warn("Server.recordStatus: failed to store receipt", "id", st.MessageID, "status", st.Status, "error", err)
	}
}
