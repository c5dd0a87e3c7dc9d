package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/demopilot/demopilot/internal/http/middleware"
	observemetrics "github.com/demopilot/demopilot/internal/observability/metrics"
	"github.com/demopilot/demopilot/internal/video"
	"github.com/demopilot/demopilot/pkg/logging"
)

type sessionResolver interface {
	Resolve(ctx context.Context, demoID string, forceNew bool) (*video.Resolution, error)
}

type sessionFinalizer interface {
	Finalize(ctx context.Context, demoID, conversationID string) video.FinalizeResult
}

type sessionLister interface {
	ListByDemo(ctx context.Context, demoID string, limit int) ([]video.Session, error)
}

// SessionHandler exposes the conversation lifecycle over HTTP: visitors
// start and end demo sessions, admins list them.
type SessionHandler struct {
	resolver  sessionResolver
	finalizer sessionFinalizer
	sessions  sessionLister
	metrics   *observemetrics.WebhookMetrics
	logger    *logging.Logger
}

type SessionHandlerConfig struct {
	Resolver  sessionResolver
	Finalizer sessionFinalizer
	Sessions  sessionLister
	Metrics   *observemetrics.WebhookMetrics
	Logger    *logging.Logger
}

func NewSessionHandler(cfg SessionHandlerConfig) *SessionHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &SessionHandler{
		resolver:  cfg.Resolver,
		finalizer: cfg.Finalizer,
		sessions:  cfg.Sessions,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

type startSessionRequest struct {
	DemoID   string `json:"demo_id"`
	ForceNew bool   `json:"force_new"`
}

type startSessionResponse struct {
	ConversationID  string `json:"conversation_id"`
	ConversationURL string `json:"conversation_url"`
}

// Start resolves a conversation for the demo: an active room is reused,
// a stale one is replaced, force_new always mints a fresh room.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.DemoID == "" {
		writeError(w, http.StatusBadRequest, "demo_id is required")
		return
	}

	res, err := h.resolver.Resolve(r.Context(), req.DemoID, req.ForceNew)
	if err != nil {
		h.logger.Error("session resolution failed", "error", err, "demo_id", req.DemoID)
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}
	h.metrics.ObserveResolution(string(res.Decision))
	h.logger.Info("session resolved",
		"demo_id", req.DemoID,
		"decision", res.Decision,
		"conversation_id", res.ConversationID,
	)

	writeJSON(w, http.StatusOK, startSessionResponse{
		ConversationID:  res.ConversationID,
		ConversationURL: res.ConversationURL,
	})
}

type endSessionRequest struct {
	DemoID         string `json:"demo_id"`
	ConversationID string `json:"conversation_id"`
}

// End runs the best-effort finalizer. The response is always a success
// envelope; partial failures are reflected in the message only.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.DemoID == "" && req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "demo_id or conversation_id is required")
		return
	}

	result := h.finalizer.Finalize(r.Context(), req.DemoID, req.ConversationID)
	writeJSON(w, http.StatusOK, result)
}

// ListSessions returns recent sessions for a demo, admin only.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	demoID := r.URL.Query().Get("demo")
	if demoID == "" {
		writeError(w, http.StatusBadRequest, "demo parameter is required")
		return
	}
	operator := "unknown"
	if claims, ok := middleware.AdminClaimsFromContext(r.Context()); ok {
		operator = claims.Subject
	}
	sessions, err := h.sessions.ListByDemo(r.Context(), demoID, 0)
	if err != nil {
		h.logger.Error("session listing failed", "error", err, "demo_id", demoID)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	h.logger.Info("admin listed sessions", "demo_id", demoID, "operator", operator, "count", len(sessions))
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
