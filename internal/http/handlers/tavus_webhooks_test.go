package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/demopilot/demopilot/internal/live"
	"github.com/demopilot/demopilot/internal/objectives"
	"github.com/demopilot/demopilot/internal/video"
)

type stubReplay struct {
	seen     bool
	checkErr error
	checks   int
	marked   []string
	markErr  error
}

func (s *stubReplay) Check(_ context.Context, _, _ string) (bool, error) {
	s.checks++
	return s.seen, s.checkErr
}

func (s *stubReplay) Mark(_ context.Context, _, eventID string) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.marked = append(s.marked, eventID)
	return nil
}

// stubProcessed behaves like the real ledger: the first claim of an id
// wins, later claims report false, and Unmark releases the claim.
type stubProcessed struct {
	entries    map[string]bool
	markErr    error
	marked     []string
	unmarked   []string
	markedType string
	markedConv string
}

func (s *stubProcessed) MarkProcessed(_ context.Context, _, eventID, eventType, conversationID string, _ json.RawMessage) (bool, error) {
	if s.markErr != nil {
		return false, s.markErr
	}
	if s.entries == nil {
		s.entries = map[string]bool{}
	}
	if s.entries[eventID] {
		return false, nil
	}
	s.entries[eventID] = true
	s.marked = append(s.marked, eventID)
	s.markedType = eventType
	s.markedConv = conversationID
	return true, nil
}

func (s *stubProcessed) Unmark(_ context.Context, _, eventID string) error {
	delete(s.entries, eventID)
	s.unmarked = append(s.unmarked, eventID)
	return nil
}

func (s *stubProcessed) seed(eventID string) {
	if s.entries == nil {
		s.entries = map[string]bool{}
	}
	s.entries[eventID] = true
}

type stubSessions struct {
	statusExternalID string
	status           video.Status
	ended            []string
	endedCompletion  video.Completion
	merged           map[string]string
	err              error
}

func (s *stubSessions) UpdateStatusByExternalID(_ context.Context, externalID string, status video.Status) error {
	s.statusExternalID = externalID
	s.status = status
	return s.err
}

func (s *stubSessions) MarkEndedByExternalID(_ context.Context, externalID string, c video.Completion) error {
	s.ended = append(s.ended, externalID)
	s.endedCompletion = c
	return s.err
}

func (s *stubSessions) MergePerceptionByExternalID(_ context.Context, externalID string, analysis json.RawMessage) error {
	if s.merged == nil {
		s.merged = map[string]string{}
	}
	s.merged[externalID] = string(analysis)
	return s.err
}

type stubObjectives struct {
	contacts  []objectives.ContactCapture
	interests []objectives.ProductInterest
	showcases map[string][]string
	ctas      []objectives.CTAClick
	err       error
	failN     int
}

func (s *stubObjectives) fail() error {
	if s.failN > 0 {
		s.failN--
		return errors.New("store unavailable")
	}
	return s.err
}

func (s *stubObjectives) RecordContactCapture(_ context.Context, c *objectives.ContactCapture) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.contacts = append(s.contacts, *c)
	return nil
}

func (s *stubObjectives) RecordProductInterest(_ context.Context, p *objectives.ProductInterest) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.interests = append(s.interests, *p)
	return nil
}

func (s *stubObjectives) AddShowcasedVideos(_ context.Context, v *objectives.VideoShowcase) error {
	if err := s.fail(); err != nil {
		return err
	}
	if s.showcases == nil {
		s.showcases = map[string][]string{}
	}
	s.showcases[v.ConversationID] = append(s.showcases[v.ConversationID], v.Titles...)
	return nil
}

func (s *stubObjectives) RecordCTAClick(_ context.Context, c *objectives.CTAClick) error {
	if err := s.fail(); err != nil {
		return err
	}
	s.ctas = append(s.ctas, *c)
	return nil
}

type stubHub struct {
	events []live.ToolCallEvent
}

func (s *stubHub) Broadcast(ev live.ToolCallEvent) { s.events = append(s.events, ev) }

const testSecret = "whsec_test"

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

type handlerDeps struct {
	replay     *stubReplay
	processed  *stubProcessed
	sessions   *stubSessions
	objectives *stubObjectives
	hub        *stubHub
}

func newTestHandler() (*TavusWebhookHandler, *handlerDeps) {
	deps := &handlerDeps{
		replay:     &stubReplay{},
		processed:  &stubProcessed{},
		sessions:   &stubSessions{},
		objectives: &stubObjectives{},
		hub:        &stubHub{},
	}
	h := NewTavusWebhookHandler(TavusWebhookConfig{
		Secret:     testSecret,
		Replay:     deps.replay,
		Processed:  deps.processed,
		Sessions:   deps.sessions,
		Objectives: deps.objectives,
		Hub:        deps.hub,
	})
	return h, deps
}

func deliver(h *TavusWebhookHandler, body, header, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/tavus", strings.NewReader(body))
	if header != "" {
		req.Header.Set(header, signature)
	}
	rec := httptest.NewRecorder()
	h.Handle(rec, req)
	return rec
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, deps := newTestHandler()
	body := `{"id":"evt_1","event_type":"conversation.toolcall"}`

	rec := deliver(h, body, "X-Tavus-Signature", "deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp["error"] == "" {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	if len(deps.processed.marked) != 0 {
		t.Fatal("rejected event must not be marked processed")
	}
}

func TestWebhookMissingSignatureHeader(t *testing.T) {
	h, _ := newTestHandler()
	rec := deliver(h, `{"id":"evt_1"}`, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a signature header, got %d", rec.Code)
	}
}

func TestWebhookAcceptsAlternateHeadersAndPrefix(t *testing.T) {
	body := `{"id":"evt_1","event_type":"system.heartbeat"}`
	for _, header := range []string{"X-Tavus-Signature", "Tavus-Signature", "X-Webhook-Signature"} {
		h, _ := newTestHandler()
		rec := deliver(h, body, header, "sha256="+sign(body))
		if rec.Code != http.StatusOK {
			t.Fatalf("header %s: expected 200, got %d", header, rec.Code)
		}
	}
}

func TestWebhookMalformedJSON(t *testing.T) {
	h, _ := newTestHandler()
	body := `{"id": "evt_1",`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookToolCallCaptureContact(t *testing.T) {
	h, deps := newTestHandler()
	body := `{
		"id": "evt_1",
		"event_type": "conversation.toolcall",
		"conversation_id": "conv_1",
		"name": "capture_contact",
		"args": {"name": "Ada Lovelace", "email": "ada@example.com"}
	}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || !resp["received"] {
		t.Fatalf("expected received envelope, got %s", rec.Body.String())
	}
	if len(deps.objectives.contacts) != 1 {
		t.Fatalf("expected one contact capture, got %d", len(deps.objectives.contacts))
	}
	c := deps.objectives.contacts[0]
	if c.ConversationID != "conv_1" || c.Name != "Ada Lovelace" || c.Email != "ada@example.com" {
		t.Fatalf("unexpected capture: %+v", c)
	}
	if c.EventType != "conversation.toolcall" || len(c.RawPayload) == 0 {
		t.Fatalf("capture must carry event metadata: %+v", c)
	}
	if len(deps.processed.marked) != 1 || deps.processed.marked[0] != "evt_1" {
		t.Fatalf("expected evt_1 marked processed, got %v", deps.processed.marked)
	}
	if deps.processed.markedConv != "conv_1" {
		t.Fatalf("expected conversation id recorded on ledger, got %q", deps.processed.markedConv)
	}
	if len(deps.replay.marked) != 1 || deps.replay.marked[0] != "evt_1" {
		t.Fatalf("replay cache marked only after success, got %v", deps.replay.marked)
	}
	if len(deps.hub.events) != 1 || deps.hub.events[0].Tool != "capture_contact" {
		t.Fatalf("expected broadcast, got %+v", deps.hub.events)
	}
}

func TestWebhookToolCallNestedData(t *testing.T) {
	h, deps := newTestHandler()
	body := `{
		"id": "evt_5",
		"event_type": "conversation.tool_call",
		"conversation_id": "conv_2",
		"data": {"name": "record_product_interest", "args": {"product": "Analytics", "detail": "pricing question"}}
	}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(deps.objectives.interests) != 1 {
		t.Fatalf("expected one product interest, got %d", len(deps.objectives.interests))
	}
	p := deps.objectives.interests[0]
	if p.ConversationID != "conv_2" || p.Product != "Analytics" || p.Detail != "pricing question" {
		t.Fatalf("unexpected interest: %+v", p)
	}
}

func TestWebhookVideoToolBareStringArg(t *testing.T) {
	h, deps := newTestHandler()
	body := `{
		"id": "evt_2",
		"event_type": "conversation.tool_call",
		"conversation_id": "conv_1",
		"name": "fetch_video",
		"args": "Strategic Planning"
	}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := deps.objectives.showcases["conv_1"]
	if len(got) != 1 || got[0] != "Strategic Planning" {
		t.Fatalf("expected bare string wrapped as title, got %v", got)
	}
}

func TestWebhookReplayDuplicateIsNoop(t *testing.T) {
	h, deps := newTestHandler()
	deps.replay.seen = true
	body := `{"id":"evt_1","event_type":"conversation.toolcall","conversation_id":"conv_1","name":"cta_click","args":{"label":"Book"}}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for replay, got %d", rec.Code)
	}
	if len(deps.objectives.ctas) != 0 {
		t.Fatal("replayed event must not be re-processed")
	}
	if len(deps.processed.marked) != 0 {
		t.Fatal("replayed event must not be re-claimed")
	}
}

func TestWebhookLedgerDuplicateIsNoop(t *testing.T) {
	h, deps := newTestHandler()
	deps.processed.seed("evt_1")
	body := `{"id":"evt_1","event_type":"system.shutdown","conversation_id":"conv_1"}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	if len(deps.sessions.ended) != 0 {
		t.Fatal("duplicate shutdown must not re-end the session")
	}
}

func TestWebhookReplayCacheFailureFallsThrough(t *testing.T) {
	h, deps := newTestHandler()
	deps.replay.checkErr = errors.New("redis down")
	body := `{"id":"evt_1","event_type":"system.replica_joined","conversation_id":"conv_1"}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 despite cache failure, got %d", rec.Code)
	}
	if deps.sessions.statusExternalID != "conv_1" || deps.sessions.status != video.StatusActive {
		t.Fatalf("expected status update, got %q %q", deps.sessions.statusExternalID, deps.sessions.status)
	}
}

func TestWebhookShutdownMarksEnded(t *testing.T) {
	h, deps := newTestHandler()
	body := `{"id":"evt_1","event_type":"system.shutdown","conversation_id":"conv_1"}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(deps.sessions.ended) != 1 || deps.sessions.ended[0] != "conv_1" {
		t.Fatalf("expected conv_1 ended, got %v", deps.sessions.ended)
	}
	if deps.sessions.endedCompletion.Status != video.StatusEnded || deps.sessions.endedCompletion.CompletedAt.IsZero() {
		t.Fatalf("unexpected completion: %+v", deps.sessions.endedCompletion)
	}
}

func TestWebhookPerceptionMerge(t *testing.T) {
	h, deps := newTestHandler()
	body := `{
		"id": "evt_1",
		"event_type": "application.perception_analysis",
		"conversation_id": "conv_1",
		"properties": {"analysis": {"sentiment": "engaged"}}
	}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := deps.sessions.merged["conv_1"]; got != `{"sentiment": "engaged"}` {
		t.Fatalf("unexpected merged analysis: %s", got)
	}
}

func TestWebhookUnhandledTypeAcknowledged(t *testing.T) {
	h, deps := newTestHandler()
	body := `{"id":"evt_9","event_type":"system.heartbeat"}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unhandled type, got %d", rec.Code)
	}
	if len(deps.processed.marked) != 1 {
		t.Fatal("unhandled events are still recorded so retries stay quiet")
	}
	if len(deps.hub.events) != 0 {
		t.Fatal("no broadcast expected for unhandled type")
	}
}

func TestWebhookMissingEventIDHashesBody(t *testing.T) {
	h, deps := newTestHandler()
	body := `{"event_type":"system.heartbeat"}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	sum := sha256.Sum256([]byte(body))
	want := hex.EncodeToString(sum[:])
	if len(deps.processed.marked) != 1 || deps.processed.marked[0] != want {
		t.Fatalf("expected body hash %s as event id, got %v", want, deps.processed.marked)
	}
}

func TestWebhookStoreFailureReleasesClaim(t *testing.T) {
	h, deps := newTestHandler()
	deps.objectives.err = errors.New("db down")
	body := `{"id":"evt_1","event_type":"conversation.toolcall","conversation_id":"conv_1","name":"cta_click","args":{"label":"Book"}}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the provider retries, got %d", rec.Code)
	}
	if len(deps.processed.unmarked) != 1 || deps.processed.unmarked[0] != "evt_1" {
		t.Fatalf("failed event must release its ledger claim, got %v", deps.processed.unmarked)
	}
	if deps.processed.entries["evt_1"] {
		t.Fatal("ledger must not retain the claim after failure")
	}
	if len(deps.replay.marked) != 0 {
		t.Fatal("replay cache must not be marked for a failed delivery")
	}
}

func TestWebhookLedgerClaimFailureIs500(t *testing.T) {
	h, deps := newTestHandler()
	deps.processed.markErr = errors.New("insert failed")
	body := `{"id":"evt_1","event_type":"system.heartbeat"}`
	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("a claim failure must surface so the provider retries, got %d", rec.Code)
	}
	if len(deps.replay.marked) != 0 {
		t.Fatal("replay cache must stay clean when the claim fails")
	}
}

// A delivery that fails mid-processing must be fully reprocessable: the
// retry carries the same event id and must reach the store, not be
// short-circuited by state left behind by the failed attempt.
func TestWebhookRetryAfterFailureReprocesses(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := video.NewReplayCache(client, time.Hour)

	deps := &handlerDeps{
		processed:  &stubProcessed{},
		sessions:   &stubSessions{},
		objectives: &stubObjectives{failN: 1},
		hub:        &stubHub{},
	}
	h := NewTavusWebhookHandler(TavusWebhookConfig{
		Secret:     testSecret,
		Replay:     cache,
		Processed:  deps.processed,
		Sessions:   deps.sessions,
		Objectives: deps.objectives,
		Hub:        deps.hub,
	})

	body := `{"id":"evt_1","event_type":"conversation.toolcall","conversation_id":"conv_1","name":"cta_click","args":{"label":"Book"}}`

	rec := deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("first attempt should fail with 500, got %d", rec.Code)
	}
	if len(deps.objectives.ctas) != 0 {
		t.Fatal("failed attempt must not record the click")
	}

	rec = deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("retry should succeed, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(deps.objectives.ctas) != 1 {
		t.Fatalf("retry must record the click, got %d records", len(deps.objectives.ctas))
	}
	if !deps.processed.entries["evt_1"] {
		t.Fatal("successful retry must hold the ledger claim")
	}

	// A third identical delivery is now a true duplicate.
	rec = deliver(h, body, "X-Tavus-Signature", sign(body))
	if rec.Code != http.StatusOK || len(deps.objectives.ctas) != 1 {
		t.Fatalf("post-success duplicate must be a no-op, got %d with %d records", rec.Code, len(deps.objectives.ctas))
	}
}
