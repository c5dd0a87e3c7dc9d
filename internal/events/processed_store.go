package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore is the durable dedup ledger for webhook events. It records
// each provider event id exactly once and retains the raw payload for audit.
type ProcessedStore struct {
	pool rowQuerier
}

func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{pool: pool}
}

func newProcessedStoreWithExec(exec rowQuerier) *ProcessedStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &ProcessedStore{pool: exec}
}

// MarkProcessed records an event id with its audit payload, returning false
// if the id was already present. ON CONFLICT DO NOTHING makes the insert
// atomic under concurrent deliveries of the same id, so the returned flag
// is the dedup gate: exactly one delivery of an id observes true.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, eventID, eventType, conversationID string, payload json.RawMessage) (bool, error) {
	query := `
		INSERT INTO processed_webhook_events (provider, event_id, event_type, conversation_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, provider, eventID, eventType, conversationID, payload)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Unmark releases a claim taken by MarkProcessed. Used when handling fails
// after the claim, so the provider's retry is not swallowed as a duplicate.
func (s *ProcessedStore) Unmark(ctx context.Context, provider, eventID string) error {
	query := `DELETE FROM processed_webhook_events WHERE provider = $1 AND event_id = $2`
	if _, err := s.pool.Exec(ctx, query, provider, eventID); err != nil {
		return fmt.Errorf("events: unmark: %w", err)
	}
	return nil
}
