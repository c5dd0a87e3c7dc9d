package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/demopilot/demopilot/internal/video/tavusclient"
	"github.com/demopilot/demopilot/pkg/logging"
)

// Decision is the disposition of a conversation resource request.
type Decision string

const (
	DecisionReuse          Decision = "reuse"
	DecisionCreateNew      Decision = "create-new"
	DecisionClearAndCreate Decision = "clear-and-create"
)

// statusChecker is the slice of the provider client the resolver needs.
type statusChecker interface {
	GetConversation(ctx context.Context, conversationID string) (*tavusclient.Conversation, error)
	CreateConversation(ctx context.Context, req tavusclient.CreateConversationRequest) (*tavusclient.Conversation, error)
}

type sessionRepository interface {
	GetActiveByDemo(ctx context.Context, demoID string) (*Session, error)
	Create(ctx context.Context, session *Session) error
	ClearExternalRef(ctx context.Context, sessionID string) error
	AttachExternalRef(ctx context.Context, sessionID, externalID, externalURL string) error
	MarkEnded(ctx context.Context, sessionID string, c Completion) error
}

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Store         sessionRepository
	Provider      statusChecker
	Logger        *logging.Logger
	StatusTimeout time.Duration

	// Provider-side conversation defaults.
	ReplicaID   string
	PersonaID   string
	CallbackURL string
	MaxDuration time.Duration
}

// Resolver decides whether to reuse, heal, or create a conversation room
// for a demo. It never blocks the caller on a hung provider status check
// beyond StatusTimeout.
type Resolver struct {
	store         sessionRepository
	provider      statusChecker
	logger        *logging.Logger
	statusTimeout time.Duration
	replicaID     string
	personaID     string
	callbackURL   string
	maxDuration   time.Duration
}

func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 5 * time.Second
	}
	return &Resolver{
		store:         cfg.Store,
		provider:      cfg.Provider,
		logger:        cfg.Logger,
		statusTimeout: cfg.StatusTimeout,
		replicaID:     cfg.ReplicaID,
		personaID:     cfg.PersonaID,
		callbackURL:   cfg.CallbackURL,
		maxDuration:   cfg.MaxDuration,
	}
}

// Resolution is what the caller gets back: a joinable conversation.
type Resolution struct {
	Decision        Decision
	SessionID       string
	ConversationID  string
	ConversationURL string
}

// Decide is the pure disposition rule. forceNew always creates; a missing or
// malformed local reference creates; otherwise the live provider status
// drives reuse vs. clear-and-create. A status check error means "cannot
// confirm active" and heals via clear-and-create rather than surfacing.
func (r *Resolver) Decide(ctx context.Context, existingURL, existingExternalID string, forceNew bool) Decision {
	if forceNew {
		return DecisionCreateNew
	}
	if existingURL == "" || existingExternalID == "" || !ValidRoomURL(existingURL) {
		return DecisionCreateNew
	}
	statusCtx, cancel := context.WithTimeout(ctx, r.statusTimeout)
	defer cancel()
	conv, err := r.provider.GetConversation(statusCtx, existingExternalID)
	if err != nil {
		if !errors.Is(err, tavusclient.ErrNotFound) {
			r.logger.Warn("provider status check failed, treating room as stale",
				"conversation_id", existingExternalID,
				"error", err,
			)
		}
		return DecisionClearAndCreate
	}
	if tavusclient.IsActiveStatus(conv.Status) {
		return DecisionReuse
	}
	return DecisionClearAndCreate
}

// Resolve loads the demo's session, decides its disposition, and acts on it.
// On clear-and-create the stale reference is wiped before the new room is
// created, so a racing resolver run cannot observe and re-check it.
func (r *Resolver) Resolve(ctx context.Context, demoID string, forceNew bool) (*Resolution, error) {
	existing, err := r.store.GetActiveByDemo(ctx, demoID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, fmt.Errorf("video: load session for demo %s: %w", demoID, err)
	}

	var existingURL, existingID string
	if existing != nil {
		existingURL = existing.ExternalURL
		existingID = existing.ExternalConversationID
	}

	decision := r.Decide(ctx, existingURL, existingID, forceNew)
	switch decision {
	case DecisionReuse:
		r.logger.Info("reusing live conversation",
			"demo_id", demoID,
			"conversation_id", existingID,
		)
		return &Resolution{
			Decision:        decision,
			SessionID:       existing.ID,
			ConversationID:  existingID,
			ConversationURL: existingURL,
		}, nil

	case DecisionClearAndCreate:
		if err := r.store.ClearExternalRef(ctx, existing.ID); err != nil {
			return nil, fmt.Errorf("video: clear stale reference: %w", err)
		}
		r.logger.Info("cleared stale conversation reference",
			"demo_id", demoID,
			"conversation_id", existingID,
		)
		conv, err := r.createRoom(ctx, demoID)
		if err != nil {
			return nil, err
		}
		if err := r.store.AttachExternalRef(ctx, existing.ID, conv.ConversationID, conv.ConversationURL); err != nil {
			return nil, fmt.Errorf("video: attach new reference: %w", err)
		}
		return &Resolution{
			Decision:        decision,
			SessionID:       existing.ID,
			ConversationID:  conv.ConversationID,
			ConversationURL: conv.ConversationURL,
		}, nil

	default: // DecisionCreateNew
		// A fresh room supersedes whatever session the demo had: retire it
		// so the row does not linger non-terminal. Best effort, the caller
		// still gets a room if the update fails.
		if existing != nil {
			err := r.store.MarkEnded(ctx, existing.ID, Completion{
				Status:      StatusEnded,
				CompletedAt: time.Now().UTC(),
			})
			if err != nil {
				r.logger.Warn("failed to retire superseded session",
					"demo_id", demoID,
					"session_id", existing.ID,
					"error", err,
				)
			}
		}
		conv, err := r.createRoom(ctx, demoID)
		if err != nil {
			return nil, err
		}
		session := &Session{
			DemoID:                 demoID,
			ExternalConversationID: conv.ConversationID,
			ExternalURL:            conv.ConversationURL,
			Status:                 StatusStarting,
			StartedAt:              time.Now().UTC(),
		}
		if err := r.store.Create(ctx, session); err != nil {
			return nil, fmt.Errorf("video: persist session: %w", err)
		}
		return &Resolution{
			Decision:        decision,
			SessionID:       session.ID,
			ConversationID:  conv.ConversationID,
			ConversationURL: conv.ConversationURL,
		}, nil
	}
}

func (r *Resolver) createRoom(ctx context.Context, demoID string) (*tavusclient.Conversation, error) {
	req := tavusclient.CreateConversationRequest{
		ReplicaID:        r.replicaID,
		PersonaID:        r.personaID,
		ConversationName: "demo:" + demoID,
		CallbackURL:      r.callbackURL,
	}
	if r.maxDuration > 0 {
		req.Properties = &tavusclient.ConversationProperties{
			MaxCallDuration: int(r.maxDuration.Seconds()),
		}
	}
	conv, err := r.provider.CreateConversation(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("video: create conversation: %w", err)
	}
	return conv, nil
}
