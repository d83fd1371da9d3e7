package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/normalize"
)

const (
	// MaxWebhookBody is the largest webhook body accepted.
	MaxWebhookBody = 1 << 20
	// ReceivedMessage is the acknowledgement text returned for every accepted webhook.
	ReceivedMessage = "received"

	defaultMessagesLimit = 50
	maxMessagesLimit     = 500
)

// RequestIDHeader echoes the id assigned to a webhook.
const RequestIDHeader = "X-Request-ID"

// webhookHandler handles POST /webhook and POST /webhook/{clientID}. It acknowledges
// before any processing so the platform never times out and redelivers.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	requestID := uuid.NewString()
	w.Header().Set(RequestIDHeader, requestID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("Server.webhookHandler: body too large", "requestID", requestID, "limit", tooLarge.Limit)
			s.logInbound(requestID, models.WebhookStatusRejected, "body exceeds 1 MiB")
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
			return
		}
		slog.Warn("Server.webhookHandler: failed to read body", "requestID", requestID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read request body"))
		return
	}

	header := r.Header.Clone()
	if clientID := r.PathValue("clientID"); clientID != "" && header.Get(normalize.ClientIDHeader) == "" {
		header.Set(normalize.ClientIDHeader, clientID)
	}

	s.logInbound(requestID, models.WebhookStatusReceived, fmt.Sprintf("bytes=%d path=%s", len(body), r.URL.Path))
	if err := s.engine.Submit(requestID, body, header); err != nil {
		slog.Warn("Server.webhookHandler: engine rejected webhook", "requestID", requestID, "error", err)
		if errors.Is(err, engine.ErrEngineClosed) {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Shutting down"))
			return
		}
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to queue webhook"))
		return
	}

	slog.Debug("Server.webhookHandler: webhook accepted", "requestID", requestID, "bytes", len(body))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage(ReceivedMessage, nil))
}

func (s *Server) logInbound(requestID, status, detail string) {
	err := s.st.AddWebhookLog(models.WebhookLog{
		RequestID: requestID,
		Direction: models.WebhookInbound,
		Status:    status,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	if err != nil {
		slog.Error("Server.logInbound: failed to write webhook log", "requestID", requestID, "error", err)
	}
}

type healthResult struct {
	Uptime string `json:"uptime"`
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(healthResult{
		Uptime: time.Since(s.startedAt).Truncate(time.Second).String(),
	}))
}

// getConversationHandler handles GET /conversations/{id}.
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.st.GetConversation(id)
	if errors.Is(err, models.ErrConversationNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getConversationHandler: lookup failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

// listMessagesHandler handles GET /conversations/{id}/messages?limit=N.
func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := defaultMessagesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = min(n, maxMessagesLimit)
	}

	if _, err := s.st.GetConversation(id); err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.listMessagesHandler: lookup failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	msgs, err := s.st.History(id, limit)
	if err != nil {
		slog.Error("Server.listMessagesHandler: history failed", "conversationID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}
