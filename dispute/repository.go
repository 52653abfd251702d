package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lexflow/fault"
	"lexflow/ledger"
	"lexflow/outbox"
	"lexflow/payment"
)

// Store is the persistence port of the dispute service.
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	ListByPayment(ctx context.Context, paymentID string) ([]Record, error)
	OpenDisputeForPayment(ctx context.Context, paymentID string) (bool, error)
	CreateWithFreeze(ctx context.Context, rec Record, freeze payment.Mutation) (Record, error)
	CloseWithRelease(ctx context.Context, close CloseParams, exit payment.Mutation) (Record, error)
	StaleOpen(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)
	Escalate(ctx context.Context, id string) (Record, error)
}

// CloseParams describes the dispute-side half of a resolution or
// withdrawal transaction.
type CloseParams struct {
	DisputeID  string
	ToStatus   Status
	Outcome    *Outcome
	Resolution *string
	ActorID    string
}

// Repository is the pgx-backed Store. Freeze and close operations span the
// disputes and payments tables in a single transaction so a dispute row can
// never exist without its payment being frozen, and vice versa.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const disputeColumns = `
	id, payment_id::text, raised_by, reason, status, outcome, resolution,
	raised_at, resolved_at`

// Get fetches a dispute by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1::uuid`, id)
	rec, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fault.New(fault.KindNotFound, "dispute %s not found", id)
		}
		return Record{}, fmt.Errorf("dispute: query: %w", err)
	}
	return rec, nil
}

// ListByPayment returns the payment's disputes, newest first.
func (r *Repository) ListByPayment(ctx context.Context, paymentID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE payment_id = $1::uuid ORDER BY raised_at DESC`,
		paymentID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// OpenDisputeForPayment reports whether the payment has a blocking dispute.
func (r *Repository) OpenDisputeForPayment(ctx context.Context, paymentID string) (bool, error) {
	var open bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM disputes
			WHERE payment_id = $1::uuid AND status IN ('open','escalated')
		)
	`, paymentID).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("dispute: check open: %w", err)
	}
	return open, nil
}

// CreateWithFreeze inserts the dispute row and applies the payment freeze in
// one transaction. The partial unique index on blocking disputes turns a
// second concurrent raise into a guard violation.
func (r *Repository) CreateWithFreeze(ctx context.Context, rec Record, freeze payment.Mutation) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertSQL := `
		INSERT INTO disputes (id, payment_id, raised_by, reason, status)
		VALUES ($1::uuid, $2::uuid, $3, $4, 'open')
		RETURNING ` + disputeColumns

	row := tx.QueryRow(ctx, insertSQL, rec.ID, rec.PaymentID, rec.RaisedBy, rec.Reason)
	inserted, err := scanDispute(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, fault.New(fault.KindGuardViolation,
				"dispute: payment %s already has an open dispute", rec.PaymentID)
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}

	if _, err := payment.ApplyTx(ctx, tx, freeze); err != nil {
		return Record{}, err
	}

	if err := ledger.Append(ctx, tx, ledger.Entry{
		EntityID:   inserted.ID,
		EntityKind: ledger.KindDispute,
		EventType:  EventRaised,
		NewStatus:  string(StatusOpen),
		ActorID:    rec.RaisedBy,
		Comment:    rec.Reason,
		Payload:    map[string]any{"payment_id": rec.PaymentID},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit raise: %w", err)
	}
	return inserted, nil
}

// CloseWithRelease marks the dispute resolved or withdrawn and applies the
// payment's exit transition in the same transaction. Closing an already
// closed dispute is a guard violation.
func (r *Repository) CloseWithRelease(ctx context.Context, close CloseParams, exit payment.Mutation) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var outcome, resolution *string
	if close.Outcome != nil {
		s := string(*close.Outcome)
		outcome = &s
	}
	resolution = close.Resolution

	updateSQL := `
		UPDATE disputes
		SET status = $2, outcome = $3, resolution = $4, resolved_at = now()
		WHERE id = $1::uuid AND status IN ('open','escalated')
		RETURNING ` + disputeColumns

	row := tx.QueryRow(ctx, updateSQL, close.DisputeID, string(close.ToStatus), outcome, resolution)
	updated, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, r.classifyCloseMiss(ctx, tx, close.DisputeID)
		}
		return Record{}, fmt.Errorf("dispute: close: %w", err)
	}

	if _, err := payment.ApplyTx(ctx, tx, exit); err != nil {
		return Record{}, err
	}

	event := EventResolved
	if close.ToStatus == StatusWithdrawn {
		event = EventWithdrawn
	}
	entry := ledger.Entry{
		EntityID:   updated.ID,
		EntityKind: ledger.KindDispute,
		EventType:  event,
		PrevStatus: string(StatusOpen),
		NewStatus:  string(close.ToStatus),
		ActorID:    close.ActorID,
		Payload:    map[string]any{"payment_id": updated.PaymentID},
	}
	if updated.Outcome != nil {
		entry.Payload["outcome"] = string(*updated.Outcome)
	}
	if err := ledger.Append(ctx, tx, entry); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit close: %w", err)
	}
	return updated, nil
}

func (r *Repository) classifyCloseMiss(ctx context.Context, tx pgx.Tx, id string) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM disputes WHERE id = $1::uuid`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fault.New(fault.KindNotFound, "dispute %s not found", id)
		}
		return fmt.Errorf("dispute: classify close miss: %w", err)
	}
	return fault.New(fault.KindGuardViolation, "dispute %s already closed (status %s)", id, status)
}

// StaleOpen returns blocking disputes raised before cutoff, oldest first.
func (r *Repository) StaleOpen(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'open' AND raised_at <= $1
		ORDER BY raised_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: stale scan: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan stale: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate stale: %w", err)
	}
	return out, nil
}

// Escalate reports an SLA breach: open -> escalated plus ledger and outbox
// writes. Already-escalated or closed disputes are left alone, making the
// scheduler's firing idempotent.
func (r *Repository) Escalate(ctx context.Context, id string) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updateSQL := `
		UPDATE disputes SET status = 'escalated'
		WHERE id = $1::uuid AND status = 'open'
		RETURNING ` + disputeColumns

	row := tx.QueryRow(ctx, updateSQL, id)
	updated, err := scanDispute(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.Get(ctx, id)
		}
		return Record{}, fmt.Errorf("dispute: escalate: %w", err)
	}

	if err := ledger.Append(ctx, tx, ledger.Entry{
		EntityID:   updated.ID,
		EntityKind: ledger.KindDispute,
		EventType:  EventEscalated,
		PrevStatus: string(StatusOpen),
		NewStatus:  string(StatusEscalated),
		ActorID:    "system",
		Payload:    map[string]any{"payment_id": updated.PaymentID},
	}); err != nil {
		return Record{}, err
	}

	if err := outbox.Enqueue(ctx, tx, TopicEscalated, map[string]any{
		"dispute_id": updated.ID,
		"payment_id": updated.PaymentID,
		"raised_at":  updated.RaisedAt,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit escalate: %w", err)
	}
	return updated, nil
}

func scanDispute(row pgx.Row) (Record, error) {
	var (
		rec     Record
		status  string
		outcome *string
	)
	if err := row.Scan(&rec.ID, &rec.PaymentID, &rec.RaisedBy, &rec.Reason,
		&status, &outcome, &rec.Resolution, &rec.RaisedAt, &rec.ResolvedAt); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if outcome != nil {
		o := Outcome(*outcome)
		rec.Outcome = &o
	}
	return rec, nil
}
