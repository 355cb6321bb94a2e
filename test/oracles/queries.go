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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_conservation",
			SQL: `WITH totals AS (
                      SELECT (SELECT COALESCE(SUM(balance), 0) FROM users)
                           + (SELECT COALESCE(SUM(amount), 0) FROM escrows
                              WHERE status IN ('funded','disputed')) AS current
                  )
                  SELECT t.current, b.total AS expected
                  FROM totals t, ledger_baseline b
                  WHERE t.current <> b.total`,
		},
		{
			Name: "O2_no_negative_balance",
			SQL:  `SELECT id, balance FROM users WHERE balance < 0`,
		},
		{
			Name: "O3_completed_milestones",
			SQL: `SELECT m.id, m.escrow_id FROM milestones m
                  JOIN escrows e ON e.id = m.escrow_id
                  WHERE e.status = 'completed' AND NOT m.is_completed`,
		},
		{
			Name: "O4_positive_amounts",
			SQL:  `SELECT id, amount FROM escrows WHERE amount <= 0`,
		},
		{
			Name: "O5_no_self_dealing",
			SQL:  `SELECT id FROM escrows WHERE buyer_id = seller_id`,
		},
		{
			Name: "O6_terminal_states_settled",
			SQL: `SELECT e.id, e.status FROM escrows e
                  WHERE e.status = 'cancelled'
                    AND EXISTS (SELECT 1 FROM milestones m
                                WHERE m.escrow_id = e.id AND m.is_completed)`,
		},
		{
			Name: "O7_escrow_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_escrows')`,
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
