package video

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/demopilot/demopilot/internal/video/tavusclient"
	"github.com/demopilot/demopilot/pkg/logging"
)

// finalizeProvider is the slice of the provider client the finalizer needs.
type finalizeProvider interface {
	EndConversation(ctx context.Context, conversationID string) error
	GetVerboseConversation(ctx context.Context, conversationID string) (*tavusclient.VerboseConversation, error)
}

type finalizeStore interface {
	GetActiveByDemo(ctx context.Context, demoID string) (*Session, error)
	GetByExternalID(ctx context.Context, externalID string) (*Session, error)
	MarkEnded(ctx context.Context, sessionID string, c Completion) error
	ClearExternalRef(ctx context.Context, sessionID string) error
}

// FinalizerConfig wires a Finalizer.
type FinalizerConfig struct {
	Store    finalizeStore
	Provider finalizeProvider
	Logger   *logging.Logger
	Budget   time.Duration
	Clock    func() time.Time
}

// Finalizer ends a session and syncs terminal data best-effort. Downstream
// failures never fail the caller-visible operation; the step order is fixed
// because the verbose fetch needs the external id that the final step clears.
type Finalizer struct {
	store    finalizeStore
	provider finalizeProvider
	logger   *logging.Logger
	budget   time.Duration
	clock    func() time.Time
}

func NewFinalizer(cfg FinalizerConfig) *Finalizer {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 15 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Finalizer{
		store:    cfg.Store,
		provider: cfg.Provider,
		logger:   cfg.Logger,
		budget:   cfg.Budget,
		clock:    cfg.Clock,
	}
}

// FinalizeResult reports the caller-visible outcome.
type FinalizeResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Finalize ends the demo's conversation. conversationID may be empty, in
// which case the demo's active session supplies it.
func (f *Finalizer) Finalize(ctx context.Context, demoID, conversationID string) FinalizeResult {
	session, err := f.lookupSession(ctx, demoID, conversationID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return FinalizeResult{Success: true, Message: "no active conversation to end"}
		}
		f.logger.Error("finalize: session lookup failed", "demo_id", demoID, "error", err)
		return FinalizeResult{Success: true, Message: "conversation end recorded with errors"}
	}

	externalID := session.ExternalConversationID
	if externalID == "" {
		externalID = conversationID
	}

	providerCtx, cancel := context.WithTimeout(ctx, f.budget)
	defer cancel()

	// Step 1: ask the provider to end the room. Not fatal.
	if externalID != "" {
		if err := f.provider.EndConversation(providerCtx, externalID); err != nil {
			f.logger.Warn("finalize: provider end failed", "conversation_id", externalID, "error", err)
		}
	}

	// Step 2: verbose fetch while the external id is still attached.
	var transcript, perception json.RawMessage
	if externalID != "" {
		verbose, err := f.provider.GetVerboseConversation(providerCtx, externalID)
		if err != nil {
			f.logger.Warn("finalize: verbose fetch failed", "conversation_id", externalID, "error", err)
		} else {
			transcript = extractTranscript(verbose.Events)
			perception = extractPerception(verbose.Events)
		}
	}

	// Step 3: terminal session update. Nil transcript/perception are omitted
	// from the write so they never overwrite stored values.
	now := f.clock()
	completion := Completion{
		Status:             StatusEnded,
		CompletedAt:        now,
		Transcript:         transcript,
		PerceptionAnalysis: perception,
	}
	if !session.StartedAt.IsZero() {
		secs := int(now.Sub(session.StartedAt).Seconds())
		if secs < 0 {
			secs = 0
		}
		completion.DurationSeconds = &secs
	}
	if err := f.store.MarkEnded(ctx, session.ID, completion); err != nil {
		f.logger.Error("finalize: session update failed", "session_id", session.ID, "error", err)
	}

	// Step 4: release the external reference so the resolver never reuses
	// a dead room.
	if err := f.store.ClearExternalRef(ctx, session.ID); err != nil {
		f.logger.Error("finalize: clear reference failed", "session_id", session.ID, "error", err)
	}

	return FinalizeResult{Success: true, Message: "conversation ended"}
}

func (f *Finalizer) lookupSession(ctx context.Context, demoID, conversationID string) (*Session, error) {
	if conversationID != "" {
		session, err := f.store.GetByExternalID(ctx, conversationID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	}
	return f.store.GetActiveByDemo(ctx, demoID)
}

// extractTranscript pulls the transcript payload from the most recent
// transcription-ready event, or nil when absent or malformed.
func extractTranscript(events []tavusclient.ConversationEvent) json.RawMessage {
	for i := len(events) - 1; i >= 0; i-- {
		if !strings.Contains(events[i].EventType, "transcription_ready") {
			continue
		}
		var props struct {
			Transcript json.RawMessage `json:"transcript"`
		}
		if err := json.Unmarshal(events[i].Properties, &props); err != nil {
			return nil
		}
		if len(props.Transcript) == 0 || string(props.Transcript) == "null" {
			return nil
		}
		return props.Transcript
	}
	return nil
}

// extractPerception pulls the perception/sentiment analysis from the most
// recent perception-analysis event. Prefers the analysis field, falling back
// to the whole properties object.
func extractPerception(events []tavusclient.ConversationEvent) json.RawMessage {
	for i := len(events) - 1; i >= 0; i-- {
		if !strings.Contains(events[i].EventType, "perception_analysis") {
			continue
		}
		var props struct {
			Analysis json.RawMessage `json:"analysis"`
		}
		if err := json.Unmarshal(events[i].Properties, &props); err != nil {
			return nil
		}
		if len(props.Analysis) > 0 && string(props.Analysis) != "null" {
			return props.Analysis
		}
		if len(events[i].Properties) > 0 {
			return events[i].Properties
		}
		return nil
	}
	return nil
}
