package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/metrics"
	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/repository"
)

// maxLedgerAttempts bounds the optimistic retry loop on one account.
const maxLedgerAttempts = 5

// LedgerOptions configures pricing and account seeding.
type LedgerOptions struct {
	SeedRenewable int64
	SeedPermanent int64
	DefaultPlan   model.Plan
	// Multipliers are per-mille per plan. A missing plan prices at 1000.
	Multipliers map[model.Plan]int64
}

// LedgerService owns every balance change.
type LedgerService struct {
	store repository.Store
	opts  LedgerOptions
	log   zerolog.Logger
	now   func() time.Time
}

func NewLedgerService(store repository.Store, opts LedgerOptions, log zerolog.Logger) *LedgerService {
	if opts.DefaultPlan == "" {
		opts.DefaultPlan = model.PlanFree
	}
	return &LedgerService{
		store: store,
		opts:  opts,
		log:   log.With().Str("component", "ledger").Logger(),
		now:   time.Now,
	}
}

// ApplyPlanMultiplier prices base for plan, rounding up. Unlimited is free.
func (s *LedgerService) ApplyPlanMultiplier(base int64, plan model.Plan) int64 {
	if plan == model.PlanUnlimited || base <= 0 {
		return 0
	}
	m, ok := s.opts.Multipliers[plan]
	if !ok {
		m = 1000
	}
	return (base*m + 999) / 1000
}

// Account returns the owner's account, creating it from the seed on first use.
func (s *LedgerService) Account(ctx context.Context, ownerID string) (*model.Account, error) {
	return s.store.GetOrCreateAccount(ctx, ownerID, model.Account{
		RenewableBalance: s.opts.SeedRenewable,
		PermanentBalance: s.opts.SeedPermanent,
		Plan:             s.opts.DefaultPlan,
	})
}

// Usage lists the owner's most recent usage records.
func (s *LedgerService) Usage(ctx context.Context, ownerID string, limit int) ([]*model.UsageRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListUsage(ctx, ownerID, limit)
}

// Deduct draws amount from the owner's balances, renewable first, and
// records nominal as the undiscounted price. Nothing is drawn when the
// account cannot cover the whole amount.
func (s *LedgerService) Deduct(ctx context.Context, ownerID string, amount, nominal int64, ref string) (model.Draw, error) {
	for attempt := 0; attempt < maxLedgerAttempts; attempt++ {
		acct, err := s.Account(ctx, ownerID)
		if err != nil {
			return model.Draw{}, fmt.Errorf("load account: %w", err)
		}

		draw, ok := model.PlanDraw(acct, amount)
		if !ok {
			metrics.LedgerOperations.WithLabelValues("deduct", "insufficient").Inc()
			return model.Draw{}, fmt.Errorf("%w: need %d, have %d", ErrInsufficientBalance, amount, acct.Total())
		}

		_, err = s.store.ApplyBalanceChange(ctx, repository.BalanceChange{
			OwnerID:         ownerID,
			ExpectedVersion: acct.Version,
			RenewableDelta:  -draw.Renewable,
			PermanentDelta:  -draw.Permanent,
			Usage:           s.usage(acct, model.UsageKindDebit, draw, nominal, ref),
		})
		if errors.Is(err, repository.ErrStaleWrite) {
			metrics.StaleWrites.WithLabelValues("account").Inc()
			continue
		}
		if err != nil {
			metrics.LedgerOperations.WithLabelValues("deduct", "error").Inc()
			return model.Draw{}, fmt.Errorf("apply debit: %w", err)
		}

		metrics.LedgerOperations.WithLabelValues("deduct", "ok").Inc()
		metrics.TokensCharged.Add(float64(draw.Total()))
		s.log.Debug().Str("owner_id", ownerID).Str("ref", ref).
			Int64("renewable", draw.Renewable).Int64("permanent", draw.Permanent).Msg("debit")
		return draw, nil
	}
	return model.Draw{}, fmt.Errorf("apply debit: %w", repository.ErrStaleWrite)
}

// Refund credits draw back into the pools it came from.
func (s *LedgerService) Refund(ctx context.Context, ownerID string, draw model.Draw, ref string) error {
	return s.credit(ctx, ownerID, draw, ref, "")
}

// RefundJob settles the refund of a failed job exactly once. The job's
// refund marker flips from pending to settled in the same transaction as the
// credit; a job that is not pending is left alone.
func (s *LedgerService) RefundJob(ctx context.Context, jobID string) error {
	for attempt := 0; attempt < maxLedgerAttempts; attempt++ {
		job, err := s.store.Get(ctx, jobID)
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}
		if job.RefundState != model.RefundStatePending {
			return nil
		}

		draw := job.Draw()
		if draw.IsZero() {
			settled := model.RefundStateSettled
			_, err := s.store.Update(ctx, job.ID, job.Version, model.JobUpdate{RefundState: &settled})
			if errors.Is(err, repository.ErrStaleWrite) {
				continue
			}
			return err
		}

		err = s.credit(ctx, job.OwnerID, draw, job.CorrelationID, job.ID)
		if errors.Is(err, repository.ErrRefundNotPending) {
			return nil
		}
		return err
	}
	return fmt.Errorf("settle refund: %w", repository.ErrStaleWrite)
}

func (s *LedgerService) credit(ctx context.Context, ownerID string, draw model.Draw, ref, settleJob string) error {
	if draw.IsZero() && settleJob == "" {
		return nil
	}
	for attempt := 0; attempt < maxLedgerAttempts; attempt++ {
		acct, err := s.Account(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}

		_, err = s.store.ApplyBalanceChange(ctx, repository.BalanceChange{
			OwnerID:         ownerID,
			ExpectedVersion: acct.Version,
			RenewableDelta:  draw.Renewable,
			PermanentDelta:  draw.Permanent,
			Usage:           s.usage(acct, model.UsageKindRefund, draw, draw.Total(), ref),
			SettleRefundFor: settleJob,
		})
		if errors.Is(err, repository.ErrStaleWrite) {
			metrics.StaleWrites.WithLabelValues("account").Inc()
			continue
		}
		if err != nil {
			if !errors.Is(err, repository.ErrRefundNotPending) {
				metrics.LedgerOperations.WithLabelValues("refund", "error").Inc()
			}
			return err
		}

		metrics.LedgerOperations.WithLabelValues("refund", "ok").Inc()
		metrics.TokensRefunded.Add(float64(draw.Total()))
		s.log.Info().Str("owner_id", ownerID).Str("ref", ref).
			Int64("renewable", draw.Renewable).Int64("permanent", draw.Permanent).Msg("refund")
		return nil
	}
	return fmt.Errorf("apply refund: %w", repository.ErrStaleWrite)
}

func (s *LedgerService) usage(acct *model.Account, kind model.UsageKind, draw model.Draw, nominal int64, ref string) *model.UsageRecord {
	sign := int64(-1)
	if kind == model.UsageKindRefund {
		sign = 1
	}
	return &model.UsageRecord{
		ID:             uuid.New().String(),
		OwnerID:        acct.OwnerID,
		Kind:           kind,
		AmountCharged:  draw.Total(),
		NominalAmount:  nominal,
		RenewableDelta: sign * draw.Renewable,
		PermanentDelta: sign * draw.Permanent,
		JobReference:   ref,
		PlanAtTime:     acct.Plan,
		CreatedAt:      s.now(),
	}
}
