package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
	Args []any
}

// Params carries the run-specific values the ledger oracles compare against.
type Params struct {
	EscrowAccount string
	Minted        uint64
}

func All(p Params) []Oracle {
	return []Oracle{
		{
			Name: "O1_non_negative_balances",
			SQL: `SELECT principal AS any, balance FROM accounts WHERE balance < 0
                  UNION ALL
                  SELECT agreement_id::text, balance FROM escrow_balances WHERE balance < 0`,
		},
		{
			Name: "O2_supply_conserved",
			SQL: `SELECT COALESCE(SUM(balance),0) AS total FROM accounts
                  HAVING COALESCE(SUM(balance),0) <> $1`,
			Args: []any{int64(p.Minted)},
		},
		{
			Name: "O3_escrow_account_backs_balances",
			SQL: `SELECT COALESCE((SELECT balance FROM accounts WHERE principal = $1), 0) AS held,
                         (SELECT COALESCE(SUM(balance),0) FROM escrow_balances) AS owed
                  WHERE COALESCE((SELECT balance FROM accounts WHERE principal = $1), 0)
                        <> (SELECT COALESCE(SUM(balance),0) FROM escrow_balances)`,
			Args: []any{p.EscrowAccount},
		},
		{
			Name: "O4_terminated_holds_nothing",
			SQL: `SELECT a.id, b.balance FROM agreements a
                  JOIN escrow_balances b ON b.agreement_id = a.id
                  WHERE a.status = 'terminated' AND b.balance > 0`,
		},
		{
			Name: "O5_delivered_has_cause",
			SQL: `SELECT a.id FROM agreements a
                  WHERE a.status = 'delivered'
                    AND EXISTS (SELECT 1 FROM agreement_milestones m WHERE m.agreement_id = a.id AND NOT m.completed)
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.agreement_id = a.id AND d.resolved_at IS NOT NULL)`,
		},
		{
			Name: "O6_dispute_matches_status",
			SQL: `SELECT a.id, a.status FROM agreements a
                  LEFT JOIN disputes d ON d.agreement_id = a.id
                  WHERE (a.status = 'under_dispute' AND (d.agreement_id IS NULL OR d.resolved_at IS NOT NULL))
                     OR (d.agreement_id IS NOT NULL AND d.resolved_at IS NULL AND a.status <> 'under_dispute')`,
		},
		{
			Name: "O7_unfunded_not_active",
			SQL: `SELECT a.id, a.total_cost, COALESCE(b.balance,0) FROM agreements a
                  LEFT JOIN escrow_balances b ON b.agreement_id = a.id
                  WHERE a.status = 'awaiting_payment' AND COALESCE(b.balance,0) >= a.total_cost`,
		},
		{
			Name: "O8_timeline_seq_contiguous",
			SQL: `WITH seqs AS (
                      SELECT agreement_id, seq,
                             LAG(seq) OVER (PARTITION BY agreement_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE (prev IS NULL AND seq <> 1) OR (prev IS NOT NULL AND seq <> prev + 1)`,
		},
		{
			Name: "O9_every_agreement_has_creation_event",
			SQL: `SELECT a.id FROM agreements a
                  WHERE NOT EXISTS (SELECT 1 FROM timeline_events e
                                    WHERE e.agreement_id = a.id AND e.seq = 1 AND e.type = 'AGREEMENT_CREATED')`,
		},
		{
			Name: "O10_outbox_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now()-created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool, p Params) (string, string, error) {
	for _, o := range All(p) {
		rows, err := pool.Query(ctx, o.SQL, o.Args...)
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
