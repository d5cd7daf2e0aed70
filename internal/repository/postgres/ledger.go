package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/repository"
)

const accountColumns = `owner_id, renewable_balance, permanent_balance, plan, version, created_at, updated_at`

func (s *Store) GetOrCreateAccount(ctx context.Context, ownerID string, seed model.Account) (*model.Account, error) {
	_, err := s.pool.Exec(ctx, `
INSERT INTO accounts (owner_id, renewable_balance, permanent_balance, plan)
VALUES ($1, $2, $3, $4)
ON CONFLICT (owner_id) DO NOTHING;
`, ownerID, seed.RenewableBalance, seed.PermanentBalance, string(seed.Plan))
	if err != nil {
		return nil, fmt.Errorf("seed account: %w", err)
	}

	acct, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1`, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return acct, nil
}

// ApplyBalanceChange writes the balance delta, the optional refund settlement
// and the usage record in one transaction.
func (s *Store) ApplyBalanceChange(ctx context.Context, c repository.BalanceChange) (*model.Account, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	acct, err := scanAccount(tx.QueryRow(ctx, `
UPDATE accounts
SET renewable_balance = renewable_balance + $3,
    permanent_balance = permanent_balance + $4,
    version = version + 1,
    updated_at = NOW()
WHERE owner_id = $1 AND version = $2
RETURNING `+accountColumns, c.OwnerID, c.ExpectedVersion, c.RenewableDelta, c.PermanentDelta))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrStaleWrite
		}
		return nil, err
	}

	if c.SettleRefundFor != "" {
		tag, err := tx.Exec(ctx, `
UPDATE jobs
SET refund_state = 'settled', version = version + 1, updated_at = NOW()
WHERE id = $1 AND refund_state = 'pending';
`, c.SettleRefundFor)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, repository.ErrRefundNotPending
		}
	}

	if u := c.Usage; u != nil {
		_, err := tx.Exec(ctx, `
INSERT INTO usage_records (id, owner_id, kind, amount_charged, nominal_amount, renewable_delta, permanent_delta,
                           job_reference, plan_at_time, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`, u.ID, u.OwnerID, string(u.Kind), u.AmountCharged, u.NominalAmount, u.RenewableDelta, u.PermanentDelta,
			u.JobReference, string(u.PlanAtTime), u.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert usage record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *Store) ListUsage(ctx context.Context, ownerID string, limit int) ([]*model.UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, owner_id, kind, amount_charged, nominal_amount, renewable_delta, permanent_delta,
       job_reference, plan_at_time, created_at
FROM usage_records
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2;
`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.UsageRecord
	for rows.Next() {
		var (
			rec  model.UsageRecord
			kind string
			plan string
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &kind, &rec.AmountCharged, &rec.NominalAmount,
			&rec.RenewableDelta, &rec.PermanentDelta, &rec.JobReference, &plan, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Kind = model.UsageKind(kind)
		rec.PlanAtTime = model.Plan(plan)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a    model.Account
		plan string
	)
	if err := row.Scan(&a.OwnerID, &a.RenewableBalance, &a.PermanentBalance, &plan, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Plan = model.Plan(plan)
	return &a, nil
}
