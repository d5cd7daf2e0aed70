package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/service"
)

// refunder settles a failed job's refund.
type refunder interface {
	RefundJob(ctx context.Context, jobID string) error
}

// RefundWorker settles refunds that could not be written inline.
type RefundWorker struct {
	ledger refunder
	log    zerolog.Logger
}

func NewRefundWorker(ledger *service.LedgerService, log zerolog.Logger) *RefundWorker {
	return newRefundWorker(ledger, log)
}

func newRefundWorker(ledger refunder, log zerolog.Logger) *RefundWorker {
	return &RefundWorker{ledger: ledger, log: log.With().Str("component", "refund_worker").Logger()}
}

// ProcessTask handles a ledger:refund task. Returning an error lets asynq
// retry with backoff; settling twice is a no-op.
func (w *RefundWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p service.RefundTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}
	if p.JobID == "" {
		return fmt.Errorf("refund task without job id: %w", asynq.SkipRetry)
	}

	if err := w.ledger.RefundJob(ctx, p.JobID); err != nil {
		w.log.Warn().Err(err).Str("job", p.JobID).Msg("refund settlement failed, will retry")
		return err
	}
	w.log.Info().Str("job", p.JobID).Msg("refund settled")
	return nil
}
