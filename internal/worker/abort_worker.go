package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/service"
)

type aborter interface {
	AbortJob(ctx context.Context, jobID string, detail model.ErrorDetail) error
}

// AbortWorker fails charged jobs whose submission broke and whose failed
// status could not be written at the time. Failing refunds the charge.
type AbortWorker struct {
	jobs aborter
	log  zerolog.Logger
}

func NewAbortWorker(lc *service.JobLifecycle, log zerolog.Logger) *AbortWorker {
	return newAbortWorker(lc, log)
}

func newAbortWorker(jobs aborter, log zerolog.Logger) *AbortWorker {
	return &AbortWorker{jobs: jobs, log: log.With().Str("component", "abort_worker").Logger()}
}

// ProcessTask handles a job:abort task. Failing an already failed job is a
// no-op, so replays are safe.
func (w *AbortWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p service.AbortTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
	}
	if p.JobID == "" {
		return fmt.Errorf("abort task without job id: %w", asynq.SkipRetry)
	}

	if err := w.jobs.AbortJob(ctx, p.JobID, p.Error); err != nil {
		w.log.Warn().Err(err).Str("job", p.JobID).Msg("abort failed, will retry")
		return err
	}
	w.log.Info().Str("job", p.JobID).Msg("aborted job failed and refunded")
	return nil
}
