// Package ledger is the append-only history of every state transition for
// payments, work items and disputes. Appends are only reachable through an
// open transaction and are always the last write of a successful transition;
// nothing in the schema or this package can edit or delete an entry.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntityKind tags which machine an entry belongs to.
type EntityKind string

const (
	KindPayment  EntityKind = "payment"
	KindWorkItem EntityKind = "work_item"
	KindDispute  EntityKind = "dispute"
)

// Entry is one immutable status-history record.
type Entry struct {
	EntityID   string
	Seq        int
	EntityKind EntityKind
	EventType  string
	PrevStatus string
	NewStatus  string
	ActorID    string
	Comment    string
	Payload    map[string]any
	CreatedAt  time.Time
}

// Append writes one entry inside the caller's transaction. The per-entity
// sequence number is assigned here; the MAX(seq) read and the insert share
// the caller's row locks so sequences never collide.
func Append(ctx context.Context, tx pgx.Tx, e Entry) error {
	if e.EntityID == "" {
		return fmt.Errorf("ledger: entity id required")
	}
	if e.EventType == "" {
		return fmt.Errorf("ledger: event type required")
	}

	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq),0)+1 FROM ledger_entries WHERE entity_id = $1`,
		e.EntityID).Scan(&seq); err != nil {
		return fmt.Errorf("ledger: next seq: %w", err)
	}

	var actor any
	if e.ActorID != "" {
		actor = e.ActorID
	}

	const insertSQL = `
		INSERT INTO ledger_entries
			(entity_id, seq, entity_kind, event_type, prev_status, new_status, actor_id, comment, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
	`
	if _, err := tx.Exec(ctx, insertSQL,
		e.EntityID, seq, string(e.EntityKind), e.EventType,
		e.PrevStatus, e.NewStatus, actor, e.Comment, body,
	); err != nil {
		return fmt.Errorf("ledger: insert entry: %w", err)
	}
	return nil
}

// Reader serves the audit/timeline display path.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// History returns the ordered history for an entity. Unknown ids yield an
// empty slice, not an error: an entity with no transitions has no history.
func (r *Reader) History(ctx context.Context, entityID string) ([]Entry, error) {
	const query = `
		SELECT entity_id, seq, entity_kind, event_type, prev_status, new_status,
		       COALESCE(actor_id, ''), comment, payload, created_at
		FROM ledger_entries
		WHERE entity_id = $1
		ORDER BY seq ASC
	`
	rows, err := r.pool.Query(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 16)
	for rows.Next() {
		var (
			e    Entry
			kind string
			body []byte
		)
		if err := rows.Scan(&e.EntityID, &e.Seq, &kind, &e.EventType,
			&e.PrevStatus, &e.NewStatus, &e.ActorID, &e.Comment, &body, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		e.EntityKind = EntityKind(kind)
		if len(body) > 0 {
			if err := json.Unmarshal(body, &e.Payload); err != nil {
				return nil, fmt.Errorf("ledger: decode payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate entries: %w", err)
	}
	return out, nil
}
