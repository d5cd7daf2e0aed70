package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genforge/api/internal/model"
)

func TestApplyPlanMultiplier(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		base int64
		plan model.Plan
		want int64
	}{
		{"free rounds up", 10, model.PlanFree, 12},
		{"free small base", 1, model.PlanFree, 2},
		{"pro is identity", 10, model.PlanPro, 10},
		{"unlimited is free", 500, model.PlanUnlimited, 0},
		{"unknown plan", 10, model.Plan("enterprise"), 10},
		{"zero base", 0, model.PlanFree, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, env.ledger.ApplyPlanMultiplier(tt.base, tt.plan))
		})
	}
}

func TestAccount_SeededOnFirstUse(t *testing.T) {
	env := newTestEnv(t)

	a := env.account(t)
	assert.Equal(t, int64(100), a.RenewableBalance)
	assert.Equal(t, int64(0), a.PermanentBalance)
	assert.Equal(t, model.PlanFree, a.Plan)
}

func TestDeduct_RenewableFirstAndRefundRestores(t *testing.T) {
	env := newTestEnv(t)
	env.setAccount(50, 100, model.PlanPro)
	ctx := context.Background()

	draw, err := env.ledger.Deduct(ctx, testOwner, 70, 70, "job-a")
	require.NoError(t, err)
	assert.Equal(t, model.Draw{Renewable: 50, Permanent: 20}, draw)

	a := env.account(t)
	assert.Equal(t, int64(0), a.RenewableBalance)
	assert.Equal(t, int64(80), a.PermanentBalance)

	require.NoError(t, env.ledger.Refund(ctx, testOwner, draw, "job-a"))
	a = env.account(t)
	assert.Equal(t, int64(50), a.RenewableBalance)
	assert.Equal(t, int64(100), a.PermanentBalance)

	usage, err := env.ledger.Usage(ctx, testOwner, 0)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, model.UsageKindRefund, usage[0].Kind)
	assert.Equal(t, int64(50), usage[0].RenewableDelta)
	assert.Equal(t, model.UsageKindDebit, usage[1].Kind)
	assert.Equal(t, int64(-20), usage[1].PermanentDelta)
	assert.Equal(t, "job-a", usage[1].JobReference)
	assert.Equal(t, model.PlanPro, usage[1].PlanAtTime)
}

func TestDeduct_InsufficientBalanceDrawsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.setAccount(5, 3, model.PlanPro)

	_, err := env.ledger.Deduct(context.Background(), testOwner, 10, 10, "job-a")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	a := env.account(t)
	assert.Equal(t, int64(5), a.RenewableBalance)
	assert.Equal(t, int64(3), a.PermanentBalance)

	usage, err := env.ledger.Usage(context.Background(), testOwner, 0)
	require.NoError(t, err)
	assert.Empty(t, usage)
}

func TestDeduct_ConcurrentChargesConserveBalance(t *testing.T) {
	env := newTestEnv(t)
	env.setAccount(30, 0, model.PlanPro)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.ledger.Deduct(context.Background(), testOwner, 10, 10, "job"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrInsufficientBalance)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, int64(0), env.account(t).Total())
}

func TestRefundJob_SettlesOnce(t *testing.T) {
	env := newTestEnv(t)
	env.setAccount(0, 0, model.PlanFree)
	ctx := context.Background()

	job := &model.Job{
		ID:               "job-internal",
		CorrelationID:    "job-public",
		OwnerID:          testOwner,
		Kind:             model.JobKindImage,
		Status:           model.JobStatusFailed,
		RenewableCharged: 7,
		PermanentCharged: 5,
		RefundState:      model.RefundStatePending,
	}
	require.NoError(t, env.store.Create(ctx, job))

	require.NoError(t, env.ledger.RefundJob(ctx, job.ID))
	require.NoError(t, env.ledger.RefundJob(ctx, job.ID))

	a := env.account(t)
	assert.Equal(t, int64(7), a.RenewableBalance)
	assert.Equal(t, int64(5), a.PermanentBalance)
	assert.Equal(t, model.RefundStateSettled, env.reload(t, job.ID).RefundState)

	usage, err := env.ledger.Usage(ctx, testOwner, 0)
	require.NoError(t, err)
	assert.Len(t, usage, 1)
}

func TestRefundJob_IgnoresJobsWithoutPendingRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job := &model.Job{
		ID:               "job-internal",
		OwnerID:          testOwner,
		Status:           model.JobStatusCompleted,
		RenewableCharged: 12,
		RefundState:      model.RefundStateNone,
	}
	require.NoError(t, env.store.Create(ctx, job))

	require.NoError(t, env.ledger.RefundJob(ctx, job.ID))
	assert.Equal(t, int64(100), env.account(t).Total())
}
