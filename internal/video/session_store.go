package video

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSessionNotFound indicates no matching session row.
var ErrSessionNotFound = errors.New("video: session not found")

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SessionStore persists conversation sessions in Postgres.
type SessionStore struct {
	pool querier
}

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	if pool == nil {
		panic("video: pgx pool required")
	}
	return &SessionStore{pool: pool}
}

func newSessionStoreWithExec(exec querier) *SessionStore {
	if exec == nil {
		panic("video: exec required")
	}
	return &SessionStore{pool: exec}
}

const sessionColumns = `
	id, demo_id,
	COALESCE(external_conversation_id, ''), COALESCE(external_url, ''),
	status, started_at, completed_at, duration_seconds,
	transcript, perception_analysis, created_at, updated_at`

// Create inserts a new session row, assigning an id when missing.
func (s *SessionStore) Create(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO conversation_sessions
			(id, demo_id, external_conversation_id, external_url, status, started_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
	`
	if _, err := s.pool.Exec(ctx, query,
		session.ID, session.DemoID,
		session.ExternalConversationID, session.ExternalURL,
		string(session.Status), session.StartedAt); err != nil {
		return fmt.Errorf("video: create session: %w", err)
	}
	return nil
}

// GetActiveByDemo returns the most recent non-terminal session for a demo,
// or ErrSessionNotFound when none exists.
func (s *SessionStore) GetActiveByDemo(ctx context.Context, demoID string) (*Session, error) {
	query := `
		SELECT` + sessionColumns + `
		FROM conversation_sessions
		WHERE demo_id = $1 AND status IN ('starting', 'waiting', 'active')
		ORDER BY started_at DESC
		LIMIT 1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, demoID))
}

// GetByExternalID looks up a session by its provider conversation id.
func (s *SessionStore) GetByExternalID(ctx context.Context, externalID string) (*Session, error) {
	query := `
		SELECT` + sessionColumns + `
		FROM conversation_sessions
		WHERE external_conversation_id = $1
		ORDER BY started_at DESC
		LIMIT 1
	`
	return s.scanOne(s.pool.QueryRow(ctx, query, externalID))
}

// ClearExternalRef wipes the provider reference from a session so later
// resolver runs cannot reuse a dead room. Id and URL go together.
func (s *SessionStore) ClearExternalRef(ctx context.Context, sessionID string) error {
	query := `
		UPDATE conversation_sessions
		SET external_conversation_id = NULL, external_url = NULL, updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("video: clear external ref: %w", err)
	}
	return nil
}

// AttachExternalRef points a session at a freshly created provider room.
func (s *SessionStore) AttachExternalRef(ctx context.Context, sessionID, externalID, externalURL string) error {
	if externalID == "" || externalURL == "" {
		return errors.New("video: external id and url are attached together")
	}
	query := `
		UPDATE conversation_sessions
		SET external_conversation_id = $2, external_url = $3, updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, sessionID, externalID, externalURL); err != nil {
		return fmt.Errorf("video: attach external ref: %w", err)
	}
	return nil
}

// UpdateStatusByExternalID transitions a non-terminal session.
func (s *SessionStore) UpdateStatusByExternalID(ctx context.Context, externalID string, status Status) error {
	query := `
		UPDATE conversation_sessions
		SET status = $2, updated_at = now()
		WHERE external_conversation_id = $1 AND status NOT IN ('ended', 'failed')
	`
	if _, err := s.pool.Exec(ctx, query, externalID, string(status)); err != nil {
		return fmt.Errorf("video: update status: %w", err)
	}
	return nil
}

// Completion carries the terminal update for a session. Nil Transcript or
// PerceptionAnalysis leaves the stored value untouched.
type Completion struct {
	Status             Status
	CompletedAt        time.Time
	DurationSeconds    *int
	Transcript         json.RawMessage
	PerceptionAnalysis json.RawMessage
}

// MarkEnded applies the terminal transition for a session.
func (s *SessionStore) MarkEnded(ctx context.Context, sessionID string, c Completion) error {
	if !c.Status.IsTerminal() {
		return fmt.Errorf("video: %q is not a terminal status", c.Status)
	}
	query := `
		UPDATE conversation_sessions
		SET status = $2,
		    completed_at = $3,
		    duration_seconds = COALESCE($4, duration_seconds),
		    transcript = COALESCE($5, transcript),
		    perception_analysis = COALESCE($6, perception_analysis),
		    updated_at = now()
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, query, sessionID,
		string(c.Status), c.CompletedAt, c.DurationSeconds,
		c.Transcript, c.PerceptionAnalysis); err != nil {
		return fmt.Errorf("video: mark ended: %w", err)
	}
	return nil
}

// MarkEndedByExternalID is the webhook-path variant of MarkEnded: it only
// touches sessions that have not already been finalized.
func (s *SessionStore) MarkEndedByExternalID(ctx context.Context, externalID string, c Completion) error {
	if !c.Status.IsTerminal() {
		return fmt.Errorf("video: %q is not a terminal status", c.Status)
	}
	query := `
		UPDATE conversation_sessions
		SET status = $2,
		    completed_at = $3,
		    duration_seconds = COALESCE($4, EXTRACT(EPOCH FROM ($3 - started_at))::int, duration_seconds),
		    transcript = COALESCE($5, transcript),
		    perception_analysis = COALESCE($6, perception_analysis),
		    updated_at = now()
		WHERE external_conversation_id = $1 AND status NOT IN ('ended', 'failed')
	`
	if _, err := s.pool.Exec(ctx, query, externalID,
		string(c.Status), c.CompletedAt, c.DurationSeconds,
		c.Transcript, c.PerceptionAnalysis); err != nil {
		return fmt.Errorf("video: mark ended by external id: %w", err)
	}
	return nil
}

// MergePerceptionByExternalID stores perception analysis without clobbering
// an existing non-null value with null.
func (s *SessionStore) MergePerceptionByExternalID(ctx context.Context, externalID string, analysis json.RawMessage) error {
	if len(analysis) == 0 {
		return nil
	}
	query := `
		UPDATE conversation_sessions
		SET perception_analysis = $2, updated_at = now()
		WHERE external_conversation_id = $1
	`
	if _, err := s.pool.Exec(ctx, query, externalID, analysis); err != nil {
		return fmt.Errorf("video: merge perception: %w", err)
	}
	return nil
}

// ListByDemo returns the most recent sessions for a demo, newest first.
func (s *SessionStore) ListByDemo(ctx context.Context, demoID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT` + sessionColumns + `
		FROM conversation_sessions
		WHERE demo_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, demoID, limit)
	if err != nil {
		return nil, fmt.Errorf("video: list sessions: %w", err)
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		var sess Session
		var status string
		if err := rows.Scan(&sess.ID, &sess.DemoID,
			&sess.ExternalConversationID, &sess.ExternalURL,
			&status, &sess.StartedAt, &sess.CompletedAt, &sess.DurationSeconds,
			&sess.Transcript, &sess.PerceptionAnalysis,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("video: scan session: %w", err)
		}
		sess.Status = Status(status)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) scanOne(row pgx.Row) (*Session, error) {
	var sess Session
	var status string
	err := row.Scan(&sess.ID, &sess.DemoID,
		&sess.ExternalConversationID, &sess.ExternalURL,
		&status, &sess.StartedAt, &sess.CompletedAt, &sess.DurationSeconds,
		&sess.Transcript, &sess.PerceptionAnalysis,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("video: load session: %w", err)
	}
	sess.Status = Status(status)
	return &sess, nil
}
