package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// tolerable reports whether an error is expected contention or connection
// noise under chaos: unique violations, serialization aborts, terminated
// backends. Anything else fails the actor.
func tolerable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "23", "40", "08", "57", "55":
			return true
		}
		return false
	}
	// non-Postgres errors are torn connections from the chaos killer
	return true
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// appendLedger assigns the next per-entity seq inside the caller's tx.
func appendLedger(ctx context.Context, tx pgx.Tx, entityID, kind, event, prev, next string) error {
	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq),0)+1 FROM ledger_entries WHERE entity_id=$1::uuid`, entityID).Scan(&seq); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (entity_id, seq, entity_kind, event_type, prev_status, new_status, actor_id)
         VALUES ($1::uuid, $2, $3, $4, $5, $6, 'stress')`,
		entityID, seq, kind, event, prev, next)
	return err
}

// PaymentFactory keeps the pipeline fed with fresh pending payments.
func PaymentFactory(ctx context.Context, pool *pgxpool.Pool, rateCardID, caseID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := uuid.NewString()
		tx, err := pool.Begin(ctx)
		if err != nil {
			if tolerable(err) {
				pause(30, 30)
				continue
			}
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO payments
            (id, case_id, client_id, provider_id, rate_card_id, tier,
             base_amount, tax_amount, total_amount, currency, gateway_order_id)
            VALUES ($1::uuid, $2, 'client-stress', 'provider-stress', $3::uuid, 'moderate',
                    15000, 2700, 17700, 'INR', 'order_'||$1)`, id, caseID, rateCardID)
		if err == nil {
			err = appendLedger(ctx, tx, id, "payment", "PAYMENT_CREATED", "", "pending")
		}
		if err == nil {
			err = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		if err != nil && !tolerable(err) {
			return fmt.Errorf("factory: %w", err)
		}
		pause(40, 60)
	}
}

// Capturer confirms gateway captures: pending -> received. The unique
// idempotency key makes replays collide instead of double-capturing.
func Capturer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	return progress(ctx, pool, stop, func(ctx context.Context, tx pgx.Tx) error {
		var id string
		var version int
		err := tx.QueryRow(ctx, `SELECT id, version FROM payments WHERE status='pending'
            ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id, &version)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ('capture:ref_'||$1)`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE payments SET status='received', version=version+1,
            gateway_payment_ref='ref_'||id, updated_at=now()
            WHERE id=$1::uuid AND version=$2`, id, version)
		if err != nil || tag.RowsAffected() == 0 {
			return errSkip(err)
		}
		return appendLedger(ctx, tx, id, "payment", "PAYMENT_CAPTURED", "pending", "received")
	})
}

// Submitter marks work delivered: received -> work_submitted.
func Submitter(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	return progress(ctx, pool, stop, func(ctx context.Context, tx pgx.Tx) error {
		var id string
		var version int
		err := tx.QueryRow(ctx, `SELECT id, version FROM payments WHERE status='received'
            ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id, &version)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE payments SET status='work_submitted', version=version+1,
            updated_at=now() WHERE id=$1::uuid AND version=$2`, id, version)
		if err != nil || tag.RowsAffected() == 0 {
			return errSkip(err)
		}
		return appendLedger(ctx, tx, id, "payment", "PAYMENT_WORK_SUBMITTED", "received", "work_submitted")
	})
}

// Approver accepts work and starts the holding clock with an already-lapsed
// release date so the Releaser has something to do.
func Approver(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	return progress(ctx, pool, stop, func(ctx context.Context, tx pgx.Tx) error {
		var id string
		var version int
		err := tx.QueryRow(ctx, `SELECT id, version FROM payments WHERE status='work_submitted'
            ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id, &version)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE payments SET status='approved', version=version+1,
            release_date=now()-interval '1 hour', updated_at=now()
            WHERE id=$1::uuid AND version=$2`, id, version)
		if err != nil || tag.RowsAffected() == 0 {
			return errSkip(err)
		}
		return appendLedger(ctx, tx, id, "payment", "PAYMENT_APPROVED", "work_submitted", "approved")
	})
}

// Releaser settles due payments: approved -> released with a transfer id and
// a payment.released outbox message, racing the Disputer for approved rows.
func Releaser(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	return progress(ctx, pool, stop, func(ctx context.Context, tx pgx.Tx) error {
		var id string
		var version int
		err := tx.QueryRow(ctx, `SELECT id, version FROM payments
            WHERE status='approved' AND release_date <= now()
            ORDER BY release_date LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id, &version)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE payments SET status='released', version=version+1,
            gateway_transfer_id='trf_'||id, updated_at=now()
            WHERE id=$1::uuid AND version=$2`, id, version)
		if err != nil || tag.RowsAffected() == 0 {
			return errSkip(err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
            VALUES ('payment.released', jsonb_build_object('payment_id', $1))`, id); err != nil {
			return err
		}
		return appendLedger(ctx, tx, id, "payment", "PAYMENT_RELEASED", "approved", "released")
	})
}

// Disputer races to freeze active payments. The partial unique index on
// disputes admits one blocking dispute per payment; losers hit 23505.
func Disputer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	return progress(ctx, pool, stop, func(ctx context.Context, tx pgx.Tx) error {
		var id string
		var version int
		var status string
		err := tx.QueryRow(ctx, `SELECT id, version, status FROM payments
            WHERE status IN ('received','work_submitted','approved')
            ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id, &version, &status)
		if err != nil {
			return err
		}
		disputeID := uuid.NewString()
		if _, err := tx.Exec(ctx, `INSERT INTO disputes (id, payment_id, raised_by, reason)
            VALUES ($1::uuid, $2::uuid, 'client-stress', 'stress dispute')`, disputeID, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE payments SET status='disputed', version=version+1,
            dispute_id=$3::uuid, return_status=$4, updated_at=now()
            WHERE id=$1::uuid AND version=$2`, id, version, disputeID, status)
		if err != nil || tag.RowsAffected() == 0 {
			return errSkip(err)
		}
		return appendLedger(ctx, tx, id, "payment", "PAYMENT_DISPUTED", status, "disputed")
	})
}

// Withdrawer closes open disputes and returns the payment to the status the
// freeze remembered, in the same transaction.
func Withdrawer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	return progress(ctx, pool, stop, func(ctx context.Context, tx pgx.Tx) error {
		var disputeID, paymentID string
		err := tx.QueryRow(ctx, `SELECT d.id, d.payment_id FROM disputes d
            WHERE d.status='open' ORDER BY d.raised_at LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&disputeID, &paymentID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE disputes SET status='withdrawn', outcome='withdrawn',
            resolved_at=now() WHERE id=$1::uuid`, disputeID); err != nil {
			return err
		}
		var returnStatus string
		var version int
		if err := tx.QueryRow(ctx, `SELECT return_status, version FROM payments
            WHERE id=$1::uuid AND status='disputed' FOR UPDATE`, paymentID).Scan(&returnStatus, &version); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `UPDATE payments SET status=$3, version=version+1,
            dispute_id=NULL, return_status=NULL, updated_at=now()
            WHERE id=$1::uuid AND version=$2`, paymentID, version, returnStatus)
		if err != nil || tag.RowsAffected() == 0 {
			return errSkip(err)
		}
		return appendLedger(ctx, tx, paymentID, "payment", "PAYMENT_DISPUTE_CLOSED", "disputed", returnStatus)
	})
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with a simulated flaky delivery.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if tolerable(err) {
				pause(100, 50)
				continue
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending'
            ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(50, 50)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, updated_at=now() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', updated_at=now() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		pause(100, 50)
	}
}

// errSkip folds "zero rows updated" into a benign rollback.
func errSkip(err error) error {
	if err != nil {
		return err
	}
	return pgx.ErrNoRows
}

// progress runs one guarded transition per iteration until stopped. Losing a
// row race, a unique-key collision or a chaos-torn connection rolls back and
// moves on.
func progress(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}, step func(context.Context, pgx.Tx) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if tolerable(err) {
				pause(20, 40)
				continue
			}
			return err
		}
		if err := step(ctx, tx); err != nil {
			_ = tx.Rollback(ctx)
			if errors.Is(err, pgx.ErrNoRows) || tolerable(err) {
				pause(20, 40)
				continue
			}
			return err
		}
		if err := tx.Commit(ctx); err != nil && !tolerable(err) {
			return err
		}
		pause(10, 30)
	}
}
