package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a SQL query that must return zero rows on a healthy database.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_amounts_add_up",
			SQL: `SELECT id FROM payments
                  WHERE total_amount <> base_amount + tax_amount`,
		},
		{
			Name: "O2_one_blocking_dispute_per_payment",
			SQL: `SELECT payment_id, COUNT(*) FROM disputes
                  WHERE status IN ('open','escalated')
                  GROUP BY payment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_ledger_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT entity_id, seq,
                             LAG(seq) OVER (PARTITION BY entity_id ORDER BY seq) AS prev
                      FROM ledger_entries)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O4_released_have_transfer",
			SQL: `SELECT id FROM payments
                  WHERE status = 'released' AND gateway_transfer_id IS NULL`,
		},
		{
			Name: "O5_frozen_have_dispute_linkage",
			SQL: `SELECT id FROM payments
                  WHERE status = 'disputed'
                    AND (dispute_id IS NULL OR return_status IS NULL)`,
		},
		{
			Name: "O6_approved_have_release_date",
			SQL: `SELECT id FROM payments
                  WHERE status = 'approved' AND release_date IS NULL`,
		},
		{
			Name: "O7_no_open_dispute_on_settled_payment",
			SQL: `SELECT d.id FROM disputes d
                  JOIN payments p ON p.id = d.payment_id
                  WHERE d.status IN ('open','escalated')
                    AND p.status IN ('released','refunded','cancelled')`,
		},
		{
			Name: "O8_paid_items_follow_release",
			SQL: `SELECT w.id FROM work_items w
                  JOIN payments p ON p.id = w.payment_id
                  WHERE w.status = 'paid' AND p.status <> 'released'`,
		},
		{
			Name: "O9_capture_ref_unique",
			SQL: `SELECT gateway_payment_ref, COUNT(*) FROM payments
                  WHERE gateway_payment_ref IS NOT NULL
                  GROUP BY gateway_payment_ref HAVING COUNT(*) > 1`,
		},
		{
			Name: "O10_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status = 'pending'
                    AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
