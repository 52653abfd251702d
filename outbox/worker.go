package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lexflow_outbox_dispatch_total",
	Help: "Outbox messages dispatched, by topic and result.",
}, []string{"topic", "result"})

// Handler consumes one decoded message payload. Handlers must be idempotent:
// a crash between dispatch and the processed mark redelivers the message.
type Handler func(ctx context.Context, payload map[string]any) error

// Worker polls the outbox and dispatches pending messages to registered
// handlers. Claiming uses FOR UPDATE SKIP LOCKED so concurrent workers never
// double-claim a row.
type Worker struct {
	pool        *pgxpool.Pool
	handlers    map[string]Handler
	interval    time.Duration
	batchSize   int
	maxAttempts int
	log         *slog.Logger
}

func NewWorker(pool *pgxpool.Pool, interval time.Duration, batchSize, maxAttempts int, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		pool:        pool,
		handlers:    make(map[string]Handler),
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Register binds a handler to a topic. Messages on topics with no handler
// fail dispatch and dead-letter once attempts run out.
func (w *Worker) Register(topic string, h Handler) {
	w.handlers[topic] = h
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.DispatchPending(ctx); err != nil {
				w.log.Error("outbox pass failed", "err", err)
			}
		}
	}
}

// DispatchPending claims and dispatches one batch. Exported so tests and the
// scheduler can drive passes without the ticker.
func (w *Worker) DispatchPending(ctx context.Context) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, w.batchSize)
	if err != nil {
		return fmt.Errorf("outbox: claim batch: %w", err)
	}

	msgs := make([]Message, 0, w.batchSize)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("outbox: iterate batch: %w", err)
	}

	for _, m := range msgs {
		result := "processed"
		status := StatusProcessed

		if err := w.dispatch(ctx, m); err != nil {
			w.log.Warn("outbox dispatch failed", "topic", m.Topic, "id", m.ID, "attempt", m.Attempts+1, "err", err)
			if m.Attempts+1 >= w.maxAttempts {
				result, status = "dead", StatusDead
			} else {
				result, status = "retry", StatusPending
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = $2, attempts = attempts + 1, updated_at = now()
			WHERE id = $1
		`, m.ID, status); err != nil {
			return fmt.Errorf("outbox: mark message %d: %w", m.ID, err)
		}
		dispatchTotal.WithLabelValues(m.Topic, result).Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit claim tx: %w", err)
	}
	return nil
}

func (w *Worker) dispatch(ctx context.Context, m Message) error {
	h, ok := w.handlers[m.Topic]
	if !ok {
		return fmt.Errorf("outbox: no handler for topic %q", m.Topic)
	}
	var payload map[string]any
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return fmt.Errorf("outbox: decode payload: %w", err)
	}
	return h(ctx, payload)
}
