package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"lexflow/fault"
	"lexflow/ledger"
	"lexflow/outbox"
	"lexflow/pricing"
)

// ErrDuplicateCaptureRef signals the capture idempotency key is already
// reserved; the webhook is a replay and must be treated as success.
var ErrDuplicateCaptureRef = errors.New("payment: duplicate capture reference")

// Changes enumerates the optional column updates an Apply may carry. Set*
// flags distinguish "write this value (possibly NULL)" from "leave alone".
type Changes struct {
	GatewayPaymentRef *string
	GatewayTransferID *string
	SubmissionNote    *string

	SetReleaseDate bool
	ReleaseDate    *time.Time

	SetDispute   bool
	DisputeID    *string
	ReturnStatus *Status

	SetReleaseAttempt  bool
	ReleaseAttemptedAt *time.Time
}

// Mutation describes one optimistic transition: the version check, the
// status move, column updates, the ledger entry and an optional outbox
// message, all applied in a single transaction.
type Mutation struct {
	PaymentID   string
	FromStatus  Status
	FromVersion int
	ToStatus    Status
	Changes     Changes

	Event   string
	ActorID string
	Comment string
	Payload map[string]any

	OutboxTopic   string
	OutboxPayload map[string]any

	// IdempotencyKey, when set, is reserved in the same transaction;
	// a duplicate aborts with ErrDuplicateCaptureRef and no mutation.
	IdempotencyKey string
}

// Store is the persistence port of the escrow service.
type Store interface {
	Insert(ctx context.Context, rec Record, actorID string) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	ListByCase(ctx context.Context, caseID string) ([]Record, error)
	Apply(ctx context.Context, m Mutation) (Record, error)
	DueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error)
	ReleaseAttempted(ctx context.Context, limit int) ([]string, error)
}

// Repository is the pgx-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const paymentColumns = `
	id, case_id, client_id, provider_id, rate_card_id, tier,
	base_amount::text, tax_amount::text, total_amount::text, currency,
	status, version, holding_days, immediate_release, release_date,
	dispute_id::text, return_status, gateway_order_id, gateway_payment_ref,
	gateway_transfer_id, submission_note, release_attempted_at,
	created_at, updated_at`

// Insert stores a freshly created pending payment and its creation ledger
// entry in one transaction.
func (r *Repository) Insert(ctx context.Context, rec Record, actorID string) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertSQL := `
		INSERT INTO payments (
			id, case_id, client_id, provider_id, rate_card_id, tier,
			base_amount, tax_amount, total_amount, currency, status, version,
			holding_days, immediate_release, gateway_order_id
		)
		VALUES ($1::uuid, $2, $3, $4, $5::uuid, $6, $7::numeric, $8::numeric,
		        $9::numeric, $10, $11, 1, $12, $13, $14)
		RETURNING ` + paymentColumns

	row := tx.QueryRow(ctx, insertSQL,
		rec.ID, rec.CaseID, rec.ClientID, rec.ProviderID, rec.RateCardID,
		string(rec.Tier), rec.BaseAmount.String(), rec.TaxAmount.String(),
		rec.TotalAmount.String(), rec.Currency, string(StatusPending),
		rec.HoldingDays, rec.ImmediateRelease, rec.GatewayOrderID,
	)
	inserted, err := scanPayment(row)
	if err != nil {
		return Record{}, fmt.Errorf("payment: insert: %w", err)
	}

	if err := ledger.Append(ctx, tx, ledger.Entry{
		EntityID:   inserted.ID,
		EntityKind: ledger.KindPayment,
		EventType:  EventCreated,
		NewStatus:  string(StatusPending),
		ActorID:    actorID,
		Payload: map[string]any{
			"case_id":      inserted.CaseID,
			"rate_card_id": inserted.RateCardID,
			"tier":         string(inserted.Tier),
			"base":         inserted.BaseAmount.String(),
			"tax":          inserted.TaxAmount.String(),
			"total":        inserted.TotalAmount.String(),
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("payment: commit insert: %w", err)
	}
	return inserted, nil
}

// Get fetches a payment by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1::uuid`, id)
	rec, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fault.New(fault.KindNotFound, "payment %s not found", id)
		}
		return Record{}, fmt.Errorf("payment: query: %w", err)
	}
	return rec, nil
}

// ListByCase returns all payments for a case, newest first.
func (r *Repository) ListByCase(ctx context.Context, caseID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE case_id = $1 ORDER BY created_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("payment: list by case: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate: %w", err)
	}
	return out, nil
}

// Apply runs the mutation in its own transaction.
func (r *Repository) Apply(ctx context.Context, m Mutation) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := ApplyTx(ctx, tx, m)
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("payment: commit transition: %w", err)
	}
	return rec, nil
}

// ApplyTx runs the mutation inside the caller's transaction. The dispute
// service uses this to freeze a payment and insert the dispute row
// atomically.
func ApplyTx(ctx context.Context, tx pgx.Tx, m Mutation) (Record, error) {
	if m.IdempotencyKey != "" {
		if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, m.IdempotencyKey); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return Record{}, ErrDuplicateCaptureRef
			}
			return Record{}, fmt.Errorf("payment: reserve idempotency key: %w", err)
		}
	}

	c := m.Changes
	updateSQL := `
		UPDATE payments SET
			status = $3,
			version = version + 1,
			updated_at = now(),
			gateway_payment_ref = COALESCE($4, gateway_payment_ref),
			gateway_transfer_id = COALESCE($5, gateway_transfer_id),
			submission_note = COALESCE($6, submission_note),
			release_date = CASE WHEN $7::bool THEN $8 ELSE release_date END,
			dispute_id = CASE WHEN $9::bool THEN $10::uuid ELSE dispute_id END,
			return_status = CASE WHEN $9::bool THEN $11 ELSE return_status END,
			release_attempted_at = CASE WHEN $12::bool THEN $13 ELSE release_attempted_at END
		WHERE id = $1::uuid AND version = $2
		RETURNING ` + paymentColumns

	var returnStatus *string
	if c.ReturnStatus != nil {
		s := string(*c.ReturnStatus)
		returnStatus = &s
	}

	row := tx.QueryRow(ctx, updateSQL,
		m.PaymentID, m.FromVersion, string(m.ToStatus),
		c.GatewayPaymentRef, c.GatewayTransferID, c.SubmissionNote,
		c.SetReleaseDate, c.ReleaseDate,
		c.SetDispute, c.DisputeID, returnStatus,
		c.SetReleaseAttempt, c.ReleaseAttemptedAt,
	)
	rec, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, classifyMiss(ctx, tx, m.PaymentID)
		}
		return Record{}, fmt.Errorf("payment: apply transition: %w", err)
	}

	if err := ledger.Append(ctx, tx, ledger.Entry{
		EntityID:   rec.ID,
		EntityKind: ledger.KindPayment,
		EventType:  m.Event,
		PrevStatus: string(m.FromStatus),
		NewStatus:  string(m.ToStatus),
		ActorID:    m.ActorID,
		Comment:    m.Comment,
		Payload:    m.Payload,
	}); err != nil {
		return Record{}, err
	}

	if m.OutboxTopic != "" {
		if err := outbox.Enqueue(ctx, tx, m.OutboxTopic, m.OutboxPayload); err != nil {
			return Record{}, err
		}
	}

	return rec, nil
}

// classifyMiss distinguishes a lost version race from a missing row.
func classifyMiss(ctx context.Context, tx pgx.Tx, paymentID string) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE id = $1::uuid)`, paymentID).Scan(&exists); err != nil {
		return fmt.Errorf("payment: classify update miss: %w", err)
	}
	if !exists {
		return fault.New(fault.KindNotFound, "payment %s not found", paymentID)
	}
	return fault.New(fault.KindConcurrentModification, "payment %s: version changed", paymentID)
}

// DueForRelease returns ids of approved payments whose holding period has
// elapsed. Disputed payments are structurally excluded: raising a dispute
// moves the row out of approved.
func (r *Repository) DueForRelease(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
		SELECT id FROM payments
		WHERE status = 'approved' AND release_date IS NOT NULL AND release_date <= $1
		ORDER BY release_date ASC
		LIMIT $2
	`
	return r.scanIDs(ctx, query, now, limit)
}

// ReleaseAttempted returns ids of approved payments with a recorded release
// attempt that never confirmed; the scheduler retries these across process
// restarts regardless of release_date.
func (r *Repository) ReleaseAttempted(ctx context.Context, limit int) ([]string, error) {
	const query = `
		SELECT id FROM payments
		WHERE status = 'approved' AND release_attempted_at IS NOT NULL
		ORDER BY release_attempted_at ASC
		LIMIT $1
	`
	return r.scanIDs(ctx, query, limit)
}

func (r *Repository) scanIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("payment: scan candidates: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("payment: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate ids: %w", err)
	}
	return ids, nil
}

func scanPayment(row pgx.Row) (Record, error) {
	var (
		rec          Record
		tier         string
		status       string
		returnStatus *string
		amounts      [3]string
	)
	if err := row.Scan(
		&rec.ID, &rec.CaseID, &rec.ClientID, &rec.ProviderID, &rec.RateCardID, &tier,
		&amounts[0], &amounts[1], &amounts[2], &rec.Currency,
		&status, &rec.Version, &rec.HoldingDays, &rec.ImmediateRelease, &rec.ReleaseDate,
		&rec.DisputeID, &returnStatus, &rec.GatewayOrderID, &rec.GatewayPaymentRef,
		&rec.GatewayTransferID, &rec.SubmissionNote, &rec.ReleaseAttemptedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Tier = pricing.Tier(tier)
	rec.Status = Status(status)
	if returnStatus != nil {
		s := Status(*returnStatus)
		rec.ReturnStatus = &s
	}

	dests := []*decimal.Decimal{&rec.BaseAmount, &rec.TaxAmount, &rec.TotalAmount}
	for i, dst := range dests {
		d, err := decimal.NewFromString(amounts[i])
		if err != nil {
			return Record{}, fmt.Errorf("parse amount column: %w", err)
		}
		*dst = d
	}
	return rec, nil
}
