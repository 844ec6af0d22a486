package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the safety invariants checked against a live database while
// the actors run. Each query selects violating rows; an empty result means
// the invariant holds.
func All() []Oracle {
	return []Oracle{
		{
			// Every unit in an open escrow entry is backed by the pool
			// account, and the pool holds nothing that is not booked.
			Name: "O1_escrow_pool_backed",
			SQL: `SELECT a.balance, COALESCE(SUM(e.amount), 0) AS booked
                  FROM platform_config c
                  JOIN accounts a ON a.id = c.escrow_account
                  LEFT JOIN escrow_entries e ON true
                  GROUP BY a.balance
                  HAVING a.balance <> COALESCE(SUM(e.amount), 0)`,
		},
		{
			Name: "O2_no_overdraft",
			SQL:  `SELECT id, balance FROM accounts WHERE balance < 0`,
		},
		{
			// Committed dispute ids are gap-free from 1 and never run
			// ahead of the sequence counter.
			Name: "O3_dispute_ids_gapfree",
			SQL: `SELECT COUNT(*) AS rows, COALESCE(MAX(id), 0) AS max_id,
                         (SELECT value FROM dispute_sequence WHERE id = 1) AS counter
                  FROM disputes
                  HAVING COUNT(*) <> COALESCE(MAX(id), 0)
                      OR COALESCE(MAX(id), 0) > (SELECT value FROM dispute_sequence WHERE id = 1)`,
		},
		{
			// Terminal disputes are fully settled: a resolved dispute names
			// a winning party and its judge, and no closed dispute leaves
			// money behind in escrow.
			Name: "O4_terminal_settled",
			SQL: `SELECT d.id, d.status FROM disputes d
                  WHERE (d.status = 'resolved' AND (
                            d.winner IS NULL
                         OR d.resolved_at IS NULL
                         OR d.assigned_judge IS NULL
                         OR d.winner NOT IN (d.plaintiff, d.defendant)))
                     OR (d.status IN ('resolved', 'cancelled') AND EXISTS (
                            SELECT 1 FROM escrow_entries e
                            WHERE e.dispute_id = d.id AND e.amount > 0))`,
		},
		{
			// Status and judge assignment move together: in_progress means
			// a judge holds the case, pending and cancelled mean nobody
			// does, and only resolved disputes carry a verdict.
			Name: "O5_status_judge_coherent",
			SQL: `SELECT id, status FROM disputes
                  WHERE (status = 'in_progress' AND assigned_judge IS NULL)
                     OR (status IN ('pending', 'cancelled') AND assigned_judge IS NOT NULL)
                     OR (status <> 'resolved' AND (winner IS NOT NULL OR resolved_at IS NOT NULL))`,
		},
		{
			// Escrow is only ever booked against the dispute's own parties.
			Name: "O6_entries_are_parties",
			SQL: `SELECT e.dispute_id, e.party FROM escrow_entries e
                  JOIN disputes d ON d.id = e.dispute_id
                  WHERE e.party NOT IN (d.plaintiff, d.defendant)`,
		},
		{
			Name: "O7_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT dispute_id, seq,
                             LAG(seq) OVER (PARTITION BY dispute_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			// Reputation is derived state: initial award plus one bump per
			// handled case.
			Name: "O8_judge_reputation_derived",
			SQL: `SELECT address, reputation, cases_handled FROM judges
                  WHERE reputation <> 100 + 10 * cases_handled`,
		},
		{
			Name: "O9_fee_in_range",
			SQL:  `SELECT fee_percent FROM platform_config WHERE fee_percent NOT BETWEEN 0 AND 20`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
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
