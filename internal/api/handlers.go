package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TablePipe/internal/cloudapi"
	"github.com/BTreeMap/TablePipe/internal/dedup"
	"github.com/BTreeMap/TablePipe/internal/models"
)

// Stats is the body of GET /stats.
type Stats struct {
	ActiveSessions int   `json:"active_sessions"`
	DedupSize      int   `json:"dedup_size"`
	ActiveUsers    int   `json:"active_users"`
	UptimeSeconds  int64 `json:"uptime_seconds"`
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.verifyWebhook(w, r)
	case http.MethodPost:
		s.receiveWebhook(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// verifyWebhook answers Meta's subscription handshake by echoing hub.challenge.
func (s *Server) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || s.opts.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.VerifyToken)) != 1 {
		slog.Warn("Server.verifyWebhook: verification failed", "mode", mode)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	slog.Info("Server.verifyWebhook: webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, challenge)
}

// receiveWebhook acknowledges a delivery and hands it to the service asynchronously.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		slog.Warn("Server.receiveWebhook: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	if s.opts.AppSecret != "" && !cloudapi.VerifySignature(s.opts.AppSecret, body, r.Header.Get(cloudapi.SignatureHeader)) {
		slog.Warn("Server.receiveWebhook: invalid signature", "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusUnauthorized, models.Error("Invalid signature"))
		return
	}

	var payload cloudapi.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("Server.receiveWebhook: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if payload.Object != cloudapi.BusinessAccountObject {
		slog.Debug("Server.receiveWebhook: ignoring object", "object", payload.Object)
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unsupported webhook object"))
		return
	}

	receiver := s.msgService.(webhookReceiver)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		receiver.HandleWebhookPayload(payload)
	}()
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.stats()))
}

func (s *Server) stats() Stats {
	st := Stats{UptimeSeconds: int64(time.Since(s.started).Seconds())}
	if s.sessions != nil {
		st.ActiveSessions = s.sessions.Count()
	}
	if sizer, ok := s.seen.(dedup.Sizer); ok {
		st.DedupSize = sizer.Len()
	}
	if s.submitter != nil {
		st.ActiveUsers = s.submitter.Active()
	}
	return st
}
