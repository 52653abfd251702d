// Package outbox implements the transactional outbox that carries events
// between the payment and work-item machines. Each machine observes the
// other's published events instead of reaching into its internals; the
// dispatcher is the only bridge.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Message statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is one transactional outbox entry.
type Message struct {
	ID       int64
	Topic    string
	Payload  []byte
	Status   string
	Attempts int
}

// Enqueue inserts a message inside the caller's transaction so the event is
// published if and only if the transition commits.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: topic required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}
