package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is an invariant expressed as a query that must return no rows.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_amount_matches_escrow",
			SQL: `SELECT a.id, a.amount, b.balance FROM agreements a
                  JOIN escrow_balances b ON b.agreement_id = a.id
                  WHERE a.amount <> b.balance`,
		},
		{
			Name: "O2_terminal_holds_nothing",
			SQL: `SELECT a.id, a.status, b.balance FROM agreements a
                  JOIN escrow_balances b ON b.agreement_id = a.id
                  WHERE a.status IN (3, 4, 6) AND b.balance <> 0`,
		},
		{
			Name: "O3_ledger_sums_to_balance",
			SQL: `WITH sums AS (
                      SELECT agreement_id,
                             COALESCE(SUM(amount) FILTER (WHERE kind = 'credit'), 0)
                           - COALESCE(SUM(amount) FILTER (WHERE kind <> 'credit'), 0) AS net
                      FROM ledger_entries GROUP BY agreement_id)
                  SELECT b.agreement_id, b.balance, s.net FROM escrow_balances b
                  JOIN sums s ON s.agreement_id = b.agreement_id
                  WHERE s.net <> b.balance`,
		},
		{
			Name: "O4_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY id) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O5_settled_once",
			SQL: `SELECT agreement_id, COUNT(*) FROM timeline_events
                  WHERE type = 'STATUS_CHANGED'
                    AND payload->>'next_status' IN ('completed', 'cancelled', 'expired')
                  GROUP BY agreement_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O6_dispute_consistency",
			SQL: `SELECT id, status, dispute_status FROM agreements
                  WHERE (status = 5 AND dispute_status IS DISTINCT FROM 'under_review')
                     OR (dispute_raised AND dispute_status IS NULL)
                     OR (NOT dispute_raised AND dispute_status IS NOT NULL)`,
		},
		{
			Name: "O7_approved_has_deadline",
			SQL: `SELECT id FROM agreements
                  WHERE status = 2 AND (approval_deadline IS NULL OR NOT (buyer_approved AND seller_approved))`,
		},
		{
			Name: "O8_outbox_drained",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed', 'dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_forward_only_trigger",
			SQL: `SELECT 'missing_forward_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'agreements_forward_only_trg')`,
		},
	}
}

// Run executes every oracle and returns the first failure (name and sample
// row) or an empty name when all pass.
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
