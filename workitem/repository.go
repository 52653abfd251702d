package workitem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"lexflow/fault"
	"lexflow/ledger"
	"lexflow/outbox"
)

// Changes enumerates the optional column updates a Mutation may carry.
type Changes struct {
	Description  *string
	Deliverables []string

	SetActuals   bool
	ActualHours  *decimal.Decimal
	ActualAmount *decimal.Decimal

	SetCompletion bool
	CompletedAt   *time.Time
	EligibleDate  *time.Time
}

// Mutation describes one optimistic work-item transition.
type Mutation struct {
	WorkItemID  string
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
}

// Store is the persistence port of the workflow service.
type Store interface {
	Insert(ctx context.Context, rec Record, actorID string) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	ListByCase(ctx context.Context, caseID string) ([]Record, error)
	Apply(ctx context.Context, m Mutation) (Record, error)
	AddCommunication(ctx context.Context, comm Communication) (Communication, error)
	ListCommunications(ctx context.Context, workItemID string) ([]Communication, error)
	EligibleForAutoApproval(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Repository is the pgx-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `
	id, case_id, client_id, provider_id, payment_id::text, title, description,
	priority, due_date, estimated_hours::text, actual_hours::text,
	billing_rate::text, estimated_amount::text, actual_amount::text,
	status, version, deliverables, auto_approve, auto_approve_days,
	eligible_date, completed_at, created_at, updated_at`

// Insert stores a freshly created pending work item and its creation ledger
// entry in one transaction.
func (r *Repository) Insert(ctx context.Context, rec Record, actorID string) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("workitem: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertSQL := `
		INSERT INTO work_items (
			id, case_id, client_id, provider_id, payment_id, title, description,
			priority, due_date, estimated_hours, billing_rate, estimated_amount,
			status, version, deliverables, auto_approve, auto_approve_days
		)
		VALUES ($1::uuid, $2, $3, $4, $5::uuid, $6, $7, $8, $9,
		        $10::numeric, $11::numeric, $12::numeric, $13, 1, $14, $15, $16)
		RETURNING ` + itemColumns

	deliverables := rec.Deliverables
	if deliverables == nil {
		deliverables = []string{}
	}
	row := tx.QueryRow(ctx, insertSQL,
		rec.ID, rec.CaseID, rec.ClientID, rec.ProviderID, rec.PaymentID,
		rec.Title, rec.Description, string(rec.Priority), rec.DueDate,
		rec.EstimatedHours.String(), rec.BillingRate.String(), rec.EstimatedAmount.String(),
		string(StatusPending), deliverables, rec.AutoApprove, rec.AutoApproveDays,
	)
	inserted, err := scanItem(row)
	if err != nil {
		return Record{}, fmt.Errorf("workitem: insert: %w", err)
	}

	if err := ledger.Append(ctx, tx, ledger.Entry{
		EntityID:   inserted.ID,
		EntityKind: ledger.KindWorkItem,
		EventType:  EventCreated,
		NewStatus:  string(StatusPending),
		ActorID:    actorID,
		Payload: map[string]any{
			"case_id":          inserted.CaseID,
			"title":            inserted.Title,
			"estimated_amount": inserted.EstimatedAmount.String(),
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("workitem: commit insert: %w", err)
	}
	return inserted, nil
}

// Get fetches a work item by id.
func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = $1::uuid`, id)
	rec, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fault.New(fault.KindNotFound, "work item %s not found", id)
		}
		return Record{}, fmt.Errorf("workitem: query: %w", err)
	}
	return rec, nil
}

// IDsByPayment returns the ids of work items attached to the payment. Used
// by the payment-released handler to mark the finished work as paid.
func (r *Repository) IDsByPayment(ctx context.Context, paymentID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM work_items WHERE payment_id = $1::uuid`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("workitem: list by payment: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 2)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("workitem: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workitem: iterate ids: %w", err)
	}
	return ids, nil
}

// ListByCase returns the case's work items, newest first.
func (r *Repository) ListByCase(ctx context.Context, caseID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE case_id = $1 ORDER BY created_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("workitem: list by case: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("workitem: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workitem: iterate: %w", err)
	}
	return out, nil
}

// Apply runs the mutation in one transaction: optimistic version check,
// column updates, ledger append, optional outbox message.
func (r *Repository) Apply(ctx context.Context, m Mutation) (Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("workitem: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c := m.Changes
	updateSQL := `
		UPDATE work_items SET
			status = $3,
			version = version + 1,
			updated_at = now(),
			description = COALESCE($4, description),
			deliverables = CASE WHEN $5::text[] IS NULL THEN deliverables ELSE $5::text[] END,
			actual_hours = CASE WHEN $6::bool THEN $7::numeric ELSE actual_hours END,
			actual_amount = CASE WHEN $6::bool THEN $8::numeric ELSE actual_amount END,
			completed_at = CASE WHEN $9::bool THEN $10 ELSE completed_at END,
			eligible_date = CASE WHEN $9::bool THEN $11 ELSE eligible_date END
		WHERE id = $1::uuid AND version = $2
		RETURNING ` + itemColumns

	var hours, amount *string
	if c.ActualHours != nil {
		s := c.ActualHours.String()
		hours = &s
	}
	if c.ActualAmount != nil {
		s := c.ActualAmount.String()
		amount = &s
	}

	row := tx.QueryRow(ctx, updateSQL,
		m.WorkItemID, m.FromVersion, string(m.ToStatus),
		c.Description, c.Deliverables,
		c.SetActuals, hours, amount,
		c.SetCompletion, c.CompletedAt, c.EligibleDate,
	)
	rec, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, r.classifyMiss(ctx, tx, m.WorkItemID)
		}
		return Record{}, fmt.Errorf("workitem: apply transition: %w", err)
	}

	if err := ledger.Append(ctx, tx, ledger.Entry{
		EntityID:   rec.ID,
		EntityKind: ledger.KindWorkItem,
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

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("workitem: commit transition: %w", err)
	}
	return rec, nil
}

func (r *Repository) classifyMiss(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM work_items WHERE id = $1::uuid)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("workitem: classify update miss: %w", err)
	}
	if !exists {
		return fault.New(fault.KindNotFound, "work item %s not found", id)
	}
	return fault.New(fault.KindConcurrentModification, "work item %s: version changed", id)
}

// AddCommunication appends one immutable message.
func (r *Repository) AddCommunication(ctx context.Context, comm Communication) (Communication, error) {
	const insertSQL = `
		INSERT INTO work_item_communications (work_item_id, author_id, type, body)
		VALUES ($1::uuid, $2, $3, $4)
		RETURNING id, work_item_id::text, author_id, type, body, created_at
	`
	var (
		out      Communication
		commType string
	)
	err := r.pool.QueryRow(ctx, insertSQL,
		comm.WorkItemID, comm.AuthorID, string(comm.Type), comm.Body,
	).Scan(&out.ID, &out.WorkItemID, &out.AuthorID, &commType, &out.Body, &out.CreatedAt)
	if err != nil {
		return Communication{}, fmt.Errorf("workitem: insert communication: %w", err)
	}
	out.Type = CommunicationType(commType)
	return out, nil
}

// ListCommunications returns the item's messages in arrival order.
func (r *Repository) ListCommunications(ctx context.Context, workItemID string) ([]Communication, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, work_item_id::text, author_id, type, body, created_at
		FROM work_item_communications
		WHERE work_item_id = $1::uuid
		ORDER BY id ASC
	`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("workitem: list communications: %w", err)
	}
	defer rows.Close()

	out := make([]Communication, 0, 16)
	for rows.Next() {
		var (
			comm     Communication
			commType string
		)
		if err := rows.Scan(&comm.ID, &comm.WorkItemID, &comm.AuthorID, &commType, &comm.Body, &comm.CreatedAt); err != nil {
			return nil, fmt.Errorf("workitem: scan communication: %w", err)
		}
		comm.Type = CommunicationType(commType)
		out = append(out, comm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workitem: iterate communications: %w", err)
	}
	return out, nil
}

// EligibleForAutoApproval returns ids of completed auto-approve items whose
// eligibility date has passed and whose linked payment is not frozen by a
// dispute. Items without a payment are still eligible.
func (r *Repository) EligibleForAutoApproval(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
		SELECT w.id
		FROM work_items w
		LEFT JOIN payments p ON p.id = w.payment_id
		WHERE w.status = 'completed'
		  AND w.auto_approve
		  AND w.eligible_date IS NOT NULL
		  AND w.eligible_date <= $1
		  AND (p.id IS NULL OR p.status <> 'disputed')
		ORDER BY w.eligible_date ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("workitem: scan auto-approval candidates: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("workitem: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workitem: iterate ids: %w", err)
	}
	return ids, nil
}

func scanItem(row pgx.Row) (Record, error) {
	var (
		rec      Record
		priority string
		status   string
		nums     [5]*string
	)
	if err := row.Scan(
		&rec.ID, &rec.CaseID, &rec.ClientID, &rec.ProviderID, &rec.PaymentID,
		&rec.Title, &rec.Description, &priority, &rec.DueDate,
		&nums[0], &nums[1], &nums[2], &nums[3], &nums[4],
		&status, &rec.Version, &rec.Deliverables, &rec.AutoApprove, &rec.AutoApproveDays,
		&rec.EligibleDate, &rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Priority = Priority(priority)
	rec.Status = Status(status)

	parse := func(s *string) (*decimal.Decimal, error) {
		if s == nil {
			return nil, nil
		}
		d, err := decimal.NewFromString(*s)
		if err != nil {
			return nil, fmt.Errorf("parse numeric column: %w", err)
		}
		return &d, nil
	}

	est, err := parse(nums[0])
	if err != nil {
		return Record{}, err
	}
	if est != nil {
		rec.EstimatedHours = *est
	}
	if rec.ActualHours, err = parse(nums[1]); err != nil {
		return Record{}, err
	}
	rate, err := parse(nums[2])
	if err != nil {
		return Record{}, err
	}
	if rate != nil {
		rec.BillingRate = *rate
	}
	estAmt, err := parse(nums[3])
	if err != nil {
		return Record{}, err
	}
	if estAmt != nil {
		rec.EstimatedAmount = *estAmt
	}
	if rec.ActualAmount, err = parse(nums[4]); err != nil {
		return Record{}, err
	}
	return rec, nil
}
