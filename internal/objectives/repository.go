package objectives

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) RecordContactCapture(ctx context.Context, c *ContactCapture) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO contact_captures (conversation_id, name, email, phone, company, event_type, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, received_at`,
		c.ConversationID, c.Name, c.Email, c.Phone, c.Company,
		c.EventType, rawPayloadArg(c.RawPayload)).Scan(&c.ID, &c.ReceivedAt)
}

func (r *Repository) RecordProductInterest(ctx context.Context, p *ProductInterest) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO product_interests (conversation_id, product, detail, event_type, raw_payload)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, received_at`,
		p.ConversationID, p.Product, p.Detail,
		p.EventType, rawPayloadArg(p.RawPayload)).Scan(&p.ID, &p.ReceivedAt)
}

// AddShowcasedVideos merges the showcase's titles into the conversation's
// set in a single statement. The DISTINCT unnest keeps the union idempotent
// under replayed webhook deliveries; event metadata tracks the latest
// delivery that touched the row.
func (r *Repository) AddShowcasedVideos(ctx context.Context, v *VideoShowcase) error {
	if v == nil || len(v.Titles) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO video_showcases (conversation_id, titles, event_type, raw_payload, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (conversation_id) DO UPDATE SET
		    titles = ARRAY(SELECT DISTINCT UNNEST(video_showcases.titles || EXCLUDED.titles) ORDER BY 1),
		    event_type = EXCLUDED.event_type,
		    raw_payload = EXCLUDED.raw_payload,
		    updated_at = NOW()`,
		v.ConversationID, pq.Array(v.Titles), v.EventType, rawPayloadArg(v.RawPayload))
	return err
}

func (r *Repository) RecordCTAClick(ctx context.Context, c *CTAClick) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO cta_clicks (conversation_id, label, target, event_type, raw_payload)
		VALUES ($1, $2, $3, $4, $5) RETURNING id, received_at`,
		c.ConversationID, c.Label, c.Target,
		c.EventType, rawPayloadArg(c.RawPayload)).Scan(&c.ID, &c.ReceivedAt)
}

func (r *Repository) GetShowcase(ctx context.Context, conversationID string) (*VideoShowcase, error) {
	var v VideoShowcase
	err := r.db.QueryRowContext(ctx, `
		SELECT conversation_id, titles, event_type, received_at, updated_at
		FROM video_showcases WHERE conversation_id = $1`, conversationID).Scan(
		&v.ConversationID, pq.Array(&v.Titles), &v.EventType, &v.ReceivedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if v.Titles == nil {
		v.Titles = []string{}
	}
	return &v, nil
}

func (r *Repository) ListContactCaptures(ctx context.Context, conversationID string) ([]ContactCapture, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, name, email, phone, company, event_type, received_at
		FROM contact_captures WHERE conversation_id = $1 ORDER BY received_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContactCapture
	for rows.Next() {
		var c ContactCapture
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.Name, &c.Email, &c.Phone, &c.Company, &c.EventType, &c.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if out == nil {
		out = []ContactCapture{}
	}
	return out, rows.Err()
}

func (r *Repository) ListProductInterests(ctx context.Context, conversationID string) ([]ProductInterest, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, product, detail, event_type, received_at
		FROM product_interests WHERE conversation_id = $1 ORDER BY received_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProductInterest
	for rows.Next() {
		var p ProductInterest
		if err := rows.Scan(&p.ID, &p.ConversationID, &p.Product, &p.Detail, &p.EventType, &p.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if out == nil {
		out = []ProductInterest{}
	}
	return out, rows.Err()
}

// rawPayloadArg keeps empty payloads NULL rather than feeding jsonb an
// empty string.
func rawPayloadArg(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
