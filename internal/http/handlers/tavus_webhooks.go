package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/demopilot/demopilot/internal/live"
	observemetrics "github.com/demopilot/demopilot/internal/observability/metrics"
	"github.com/demopilot/demopilot/internal/objectives"
	"github.com/demopilot/demopilot/internal/video"
	"github.com/demopilot/demopilot/pkg/logging"
)

const webhookProvider = "tavus"

// signatureHeaders are the header names checked for the webhook HMAC,
// in order. Tavus has shipped all three at various points.
var signatureHeaders = []string{
	"X-Tavus-Signature",
	"Tavus-Signature",
	"X-Webhook-Signature",
}

type replayCache interface {
	Check(ctx context.Context, provider, eventID string) (bool, error)
	Mark(ctx context.Context, provider, eventID string) error
}

type processedTracker interface {
	MarkProcessed(ctx context.Context, provider, eventID, eventType, conversationID string, payload json.RawMessage) (bool, error)
	Unmark(ctx context.Context, provider, eventID string) error
}

type sessionUpdater interface {
	UpdateStatusByExternalID(ctx context.Context, externalID string, status video.Status) error
	MarkEndedByExternalID(ctx context.Context, externalID string, c video.Completion) error
	MergePerceptionByExternalID(ctx context.Context, externalID string, analysis json.RawMessage) error
}

type objectivesRecorder interface {
	RecordContactCapture(ctx context.Context, c *objectives.ContactCapture) error
	RecordProductInterest(ctx context.Context, p *objectives.ProductInterest) error
	AddShowcasedVideos(ctx context.Context, v *objectives.VideoShowcase) error
	RecordCTAClick(ctx context.Context, c *objectives.CTAClick) error
}

type toolCallBroadcaster interface {
	Broadcast(ev live.ToolCallEvent)
}

// TavusWebhookHandler ingests Tavus conversation webhooks: signature
// verification, replay dedup, event normalization, and routing of tool
// invocations to the demo objective stores.
type TavusWebhookHandler struct {
	secret     string
	replay     replayCache
	processed  processedTracker
	sessions   sessionUpdater
	objectives objectivesRecorder
	normalizer *video.Normalizer
	hub        toolCallBroadcaster
	metrics    *observemetrics.WebhookMetrics
	logger     *logging.Logger
}

type TavusWebhookConfig struct {
	Secret     string
	Replay     replayCache
	Processed  processedTracker
	Sessions   sessionUpdater
	Objectives objectivesRecorder
	Normalizer *video.Normalizer
	Hub        toolCallBroadcaster
	Metrics    *observemetrics.WebhookMetrics
	Logger     *logging.Logger
}

func NewTavusWebhookHandler(cfg TavusWebhookConfig) *TavusWebhookHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = &video.Normalizer{}
	}
	return &TavusWebhookHandler{
		secret:     strings.TrimSpace(cfg.Secret),
		replay:     cfg.Replay,
		processed:  cfg.Processed,
		sessions:   cfg.Sessions,
		objectives: cfg.Objectives,
		normalizer: cfg.Normalizer,
		hub:        cfg.Hub,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
}

// tavusEvent is the envelope common to all Tavus webhook shapes. Body
// fields beyond the envelope are left raw for the normalizer.
type tavusEvent struct {
	ID             string `json:"id"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	ConversationID string `json:"conversation_id"`
}

func (e *tavusEvent) eventID(body []byte) string {
	if e.ID != "" {
		return e.ID
	}
	if e.EventID != "" {
		return e.EventID
	}
	// Some deliveries carry no id at all. Hash the body so retries of
	// the identical payload still dedup.
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Handle processes one webhook delivery. Duplicate and unhandled events
// are acknowledged with 200 so the provider stops retrying.
//
// The ledger insert is the dedup gate: the event id is claimed atomically
// before dispatch, and the claim is released if dispatch fails, so a retry
// of a failed delivery is never swallowed as a duplicate. The redis cache
// is consulted read-only and written only after a delivery fully succeeds.
func (h *TavusWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if h.secret != "" && !h.verifySignature(r, body) {
		h.logger.Warn("invalid tavus webhook signature")
		h.metrics.ObserveReceived("unknown", "rejected")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var evt tavusEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	eventID := evt.eventID(body)

	if h.seenRecently(r.Context(), eventID) {
		h.metrics.ObserveReceived(evt.EventType, "duplicate")
		writeReceived(w)
		return
	}

	claimed, err := h.processed.MarkProcessed(r.Context(), webhookProvider, eventID, evt.EventType, evt.ConversationID, body)
	if err != nil {
		h.logger.Error("dedup ledger claim failed", "error", err, "event_id", eventID)
		h.metrics.ObserveReceived(evt.EventType, "error")
		writeError(w, http.StatusInternalServerError, "processing error")
		return
	}
	if !claimed {
		h.metrics.ObserveReceived(evt.EventType, "duplicate")
		writeReceived(w)
		return
	}

	if err := h.dispatch(r.Context(), evt, body); err != nil {
		h.logger.Error("tavus webhook handling failed", "error", err, "event_type", evt.EventType, "event_id", eventID)
		if uerr := h.processed.Unmark(r.Context(), webhookProvider, eventID); uerr != nil {
			h.logger.Error("failed to release dedup claim, retry will be dropped as duplicate",
				"error", uerr, "event_id", eventID)
		}
		h.metrics.ObserveReceived(evt.EventType, "error")
		writeError(w, http.StatusInternalServerError, "processing error")
		return
	}

	if h.replay != nil {
		if err := h.replay.Mark(r.Context(), webhookProvider, eventID); err != nil {
			h.logger.Warn("replay cache mark failed", "error", err, "event_id", eventID)
		}
	}
	h.metrics.ObserveReceived(evt.EventType, "processed")
	h.metrics.ObserveLatency(evt.EventType, time.Since(start).Seconds())
	writeReceived(w)
}

func (h *TavusWebhookHandler) verifySignature(r *http.Request, body []byte) bool {
	for _, name := range signatureHeaders {
		if sig := r.Header.Get(name); sig != "" {
			return verifyHMAC(h.secret, body, sig)
		}
	}
	return false
}

func verifyHMAC(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

// seenRecently is the redis fast path. A failing or absent cache degrades
// to the ledger claim, which stays authoritative either way.
func (h *TavusWebhookHandler) seenRecently(ctx context.Context, eventID string) bool {
	if h.replay == nil {
		return false
	}
	seen, err := h.replay.Check(ctx, webhookProvider, eventID)
	if err != nil {
		h.logger.Warn("replay cache check failed", "error", err, "event_id", eventID)
		return false
	}
	return seen
}

func (h *TavusWebhookHandler) dispatch(ctx context.Context, evt tavusEvent, body []byte) error {
	switch evt.EventType {
	case "system.replica_joined":
		return h.markStatus(ctx, evt, video.StatusActive)
	case "system.shutdown", "conversation.ended":
		return h.markEnded(ctx, evt)
	case "application.perception_analysis":
		return h.mergePerception(ctx, evt, body)
	default:
		// Tool calls arrive under several event types and shapes; the
		// normalizer decides whether this delivery carries one.
		inv := h.normalizer.Normalize(body)
		if !inv.Actionable() {
			h.logger.Info("tavus event acknowledged without action", "event_type", evt.EventType)
			return nil
		}
		return h.routeToolCall(ctx, evt, body, inv)
	}
}

func (h *TavusWebhookHandler) markStatus(ctx context.Context, evt tavusEvent, status video.Status) error {
	if evt.ConversationID == "" {
		h.logger.Warn("status event without conversation id", "event_type", evt.EventType)
		return nil
	}
	if err := h.sessions.UpdateStatusByExternalID(ctx, evt.ConversationID, status); err != nil {
		return fmt.Errorf("update status for %s: %w", evt.ConversationID, err)
	}
	return nil
}

func (h *TavusWebhookHandler) markEnded(ctx context.Context, evt tavusEvent) error {
	if evt.ConversationID == "" {
		h.logger.Warn("shutdown event without conversation id", "event_type", evt.EventType)
		return nil
	}
	err := h.sessions.MarkEndedByExternalID(ctx, evt.ConversationID, video.Completion{
		Status:      video.StatusEnded,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("mark ended for %s: %w", evt.ConversationID, err)
	}
	return nil
}

type perceptionPayload struct {
	Properties struct {
		Analysis json.RawMessage `json:"analysis"`
	} `json:"properties"`
}

func (h *TavusWebhookHandler) mergePerception(ctx context.Context, evt tavusEvent, body []byte) error {
	if evt.ConversationID == "" {
		h.logger.Warn("perception event without conversation id")
		return nil
	}
	var payload perceptionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("decode perception payload: %w", err)
	}
	analysis := payload.Properties.Analysis
	if len(analysis) == 0 {
		h.logger.Info("perception event without analysis", "conversation_id", evt.ConversationID)
		return nil
	}
	if err := h.sessions.MergePerceptionByExternalID(ctx, evt.ConversationID, analysis); err != nil {
		return fmt.Errorf("merge perception for %s: %w", evt.ConversationID, err)
	}
	return nil
}

func (h *TavusWebhookHandler) routeToolCall(ctx context.Context, evt tavusEvent, body []byte, inv video.ToolInvocation) error {
	h.metrics.ObserveToolCall(inv.Name)
	conversationID := evt.ConversationID

	var err error
	switch inv.Name {
	case "capture_contact":
		err = h.objectives.RecordContactCapture(ctx, &objectives.ContactCapture{
			ConversationID: conversationID,
			Name:           argString(inv.Args, "name"),
			Email:          argString(inv.Args, "email"),
			Phone:          argString(inv.Args, "phone"),
			Company:        argString(inv.Args, "company"),
			EventType:      evt.EventType,
			RawPayload:     body,
		})
	case "record_product_interest":
		err = h.objectives.RecordProductInterest(ctx, &objectives.ProductInterest{
			ConversationID: conversationID,
			Product:        argString(inv.Args, "product"),
			Detail:         argString(inv.Args, "detail"),
			EventType:      evt.EventType,
			RawPayload:     body,
		})
	case "fetch_video", "show_video":
		err = h.objectives.AddShowcasedVideos(ctx, &objectives.VideoShowcase{
			ConversationID: conversationID,
			Titles:         argTitles(inv.Args),
			EventType:      evt.EventType,
			RawPayload:     body,
		})
	case "cta_click":
		err = h.objectives.RecordCTAClick(ctx, &objectives.CTAClick{
			ConversationID: conversationID,
			Label:          argString(inv.Args, "label"),
			Target:         argString(inv.Args, "target"),
			EventType:      evt.EventType,
			RawPayload:     body,
		})
	case "pause_video", "next_video":
		// Playback controls only matter to live viewers.
	default:
		h.logger.Info("unrecognized tool call", "tool", inv.Name, "conversation_id", conversationID)
	}
	if err != nil {
		return fmt.Errorf("record tool call %s: %w", inv.Name, err)
	}

	if h.hub != nil {
		h.hub.Broadcast(live.ToolCallEvent{
			ConversationID: conversationID,
			Tool:           inv.Name,
			Args:           inv.Args,
		})
	}
	return nil
}

func argString(args map[string]any, key string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

// argTitles accepts both the single-title and list shapes the agent
// emits for video tools.
func argTitles(args map[string]any) []string {
	if t := argString(args, "title"); t != "" {
		return []string{t}
	}
	raw, ok := args["titles"].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func writeReceived(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
