package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/extract"
	"github.com/genforge/api/internal/metrics"
	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/repository"
)

// maxJobAttempts bounds the reload-and-retry loop on one job row.
const maxJobAttempts = 8

// JobNotifier is told about every persisted job write.
type JobNotifier interface {
	JobUpdated(ctx context.Context, job *model.Job)
}

// RefundScheduler queues work that must eventually give tokens back: a
// refund settlement that failed inline, or the failure of a charged job
// whose status write did not go through.
type RefundScheduler interface {
	ScheduleRefund(ctx context.Context, jobID string) error
	ScheduleAbort(ctx context.Context, jobID string, detail model.ErrorDetail) error
}

// JobLifecycle holds the state-machine writes shared by submission,
// callbacks and reconciliation.
type JobLifecycle struct {
	store    repository.Store
	ledger   *LedgerService
	notifier JobNotifier
	refunds  RefundScheduler
	log      zerolog.Logger
	now      func() time.Time
}

func NewJobLifecycle(store repository.Store, ledger *LedgerService, notifier JobNotifier, refunds RefundScheduler, log zerolog.Logger) *JobLifecycle {
	return &JobLifecycle{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		refunds:  refunds,
		log:      log.With().Str("component", "lifecycle").Logger(),
		now:      time.Now,
	}
}

// outcome is a provider's final answer for one request.
type outcome struct {
	ok               bool
	payload          json.RawMessage
	errMsg           string
	payloadErr       string
	gatewayRequestID string
}

// mutate reloads the job, asks decide for an update and writes it with a
// version check, starting over when another writer got there first.
// decide returning nil means there is nothing to write.
func (l *JobLifecycle) mutate(ctx context.Context, id string, decide func(j *model.Job) *model.JobUpdate) (*model.Job, bool, error) {
	for attempt := 0; attempt < maxJobAttempts; attempt++ {
		j, err := l.store.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		u := decide(j)
		if u == nil {
			return j, false, nil
		}
		updated, err := l.store.Update(ctx, id, j.Version, *u)
		if errors.Is(err, repository.ErrStaleWrite) {
			metrics.StaleWrites.WithLabelValues("job").Inc()
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if !j.Status.IsTerminal() && updated.Status.IsTerminal() {
			observeFinished(updated)
		}
		l.notify(ctx, updated)
		return updated, true, nil
	}
	return nil, false, fmt.Errorf("update job %s: %w", id, repository.ErrStaleWrite)
}

func (l *JobLifecycle) notify(ctx context.Context, job *model.Job) {
	if l.notifier != nil {
		l.notifier.JobUpdated(ctx, job)
	}
}

// failJob moves a non-terminal job to failed and settles its refund. A job
// already failed with a pending refund is settled again; a settled or
// refund-free job is left as is.
func (l *JobLifecycle) failJob(ctx context.Context, id string, detail model.ErrorDetail) (*model.Job, error) {
	now := l.now()
	job, changed, err := l.mutate(ctx, id, func(j *model.Job) *model.JobUpdate {
		if j.Status.IsTerminal() {
			return nil
		}
		u := &model.JobUpdate{Status: model.JobStatusFailed, Error: &detail, CompletedAt: &now}
		if !j.Draw().IsZero() {
			pending := model.RefundStatePending
			u.RefundState = &pending
		}
		return u
	})
	if err != nil {
		return nil, err
	}
	if changed {
		l.log.Info().Str("job_id", job.CorrelationID).Str("code", detail.Code).Str("reason", detail.Message).Msg("job failed")
	}
	if job.RefundState == model.RefundStatePending {
		job = l.settleRefund(ctx, job)
	}
	return job, nil
}

// abortJob fails a charged job after its submission broke. When the store
// rejects the write the failure is queued, so the charge is never kept.
func (l *JobLifecycle) abortJob(ctx context.Context, job *model.Job, detail model.ErrorDetail) (*model.Job, error) {
	failed, err := l.failJob(ctx, job.ID, detail)
	if err == nil {
		return failed, nil
	}
	l.log.Error().Err(err).Str("job_id", job.CorrelationID).Msg("fail job after submission error")
	if l.refunds == nil {
		return nil, err
	}
	if serr := l.refunds.ScheduleAbort(ctx, job.ID, detail); serr != nil {
		l.log.Error().Err(serr).Str("job_id", job.CorrelationID).Msg("schedule abort")
	}
	return nil, err
}

// AbortJob runs a queued abort. An error leaves the task for another attempt.
func (l *JobLifecycle) AbortJob(ctx context.Context, jobID string, detail model.ErrorDetail) error {
	_, err := l.failJob(ctx, jobID, detail)
	return err
}

// settleRefund credits the job's draw now, or queues it when the ledger
// write fails.
func (l *JobLifecycle) settleRefund(ctx context.Context, job *model.Job) *model.Job {
	if err := l.ledger.RefundJob(ctx, job.ID); err != nil {
		l.log.Error().Err(err).Str("job_id", job.CorrelationID).Msg("inline refund failed")
		if l.refunds == nil {
			return job
		}
		if err := l.refunds.ScheduleRefund(ctx, job.ID); err != nil {
			l.log.Error().Err(err).Str("job_id", job.CorrelationID).Msg("schedule refund")
		}
		return job
	}
	if fresh, err := l.store.Get(ctx, job.ID); err == nil {
		l.notify(ctx, fresh)
		return fresh
	}
	return job
}

// completeJob records result locations. A completed job that lost its
// results is backfilled; any other terminal job is left alone.
func (l *JobLifecycle) completeJob(ctx context.Context, id string, locations []string, gatewayRequestID string) (*model.Job, error) {
	now := l.now()
	job, _, err := l.mutate(ctx, id, func(j *model.Job) *model.JobUpdate {
		if j.NeedsResultBackfill() {
			return &model.JobUpdate{ResultLocations: locations}
		}
		if j.Status.IsTerminal() {
			return nil
		}
		full := 100
		u := &model.JobUpdate{
			Status:          model.JobStatusCompleted,
			Progress:        &full,
			ResultLocations: locations,
			CompletedAt:     &now,
		}
		if gatewayRequestID != "" {
			u.GatewayRequestID = &gatewayRequestID
		}
		return u
	})
	return job, err
}

// markProgress moves a job to processing and records progress when known.
func (l *JobLifecycle) markProgress(ctx context.Context, id string, progress *int) (*model.Job, error) {
	job, _, err := l.mutate(ctx, id, func(j *model.Job) *model.JobUpdate {
		if j.Status.IsTerminal() {
			return nil
		}
		u := &model.JobUpdate{}
		if j.Status == model.JobStatusPending {
			u.Status = model.JobStatusProcessing
		}
		if progress != nil && *progress != j.Progress && *progress >= 0 && *progress <= 100 {
			p := *progress
			u.Progress = &p
		}
		if u.Status == "" && u.Progress == nil {
			return nil
		}
		return u
	})
	return job, err
}

// applyOutcome records a provider's final answer and, for chunks, folds the
// change into the parent.
func (l *JobLifecycle) applyOutcome(ctx context.Context, job *model.Job, o outcome) (*model.Job, error) {
	var (
		updated *model.Job
		err     error
	)
	if o.ok {
		locations := extract.First(o.payload, kinds[job.Kind].extractors)
		if len(locations) == 0 {
			updated, err = l.failJob(ctx, job.ID, model.ErrorDetail{
				Code:    errorCode(ErrProviderResultMissing),
				Message: "provider reported success without a result location",
			})
		} else {
			updated, err = l.completeJob(ctx, job.ID, locations, o.gatewayRequestID)
		}
	} else {
		fields := extract.FieldErrors(o.payload)
		updated, err = l.failJob(ctx, job.ID, model.ErrorDetail{
			Code:    errorCode(ErrProviderReportedFailure),
			Message: extract.ErrorMessage(o.errMsg, o.payloadErr, fields),
			Fields:  fields,
		})
	}
	if err != nil {
		return nil, err
	}

	if updated.IsChunk() {
		if _, _, err := l.syncParent(ctx, *updated.ParentID); err != nil {
			l.log.Warn().Err(err).Str("parent_id", *updated.ParentID).Msg("sync parent")
		}
	}
	return updated, nil
}

// syncParent aggregates the parent's chunks and writes a changed aggregate
// through. A terminal parent is never rewritten.
func (l *JobLifecycle) syncParent(ctx context.Context, parentID string) (*model.Job, []*model.Job, error) {
	parent, err := l.store.Get(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	children, err := l.store.ListChildren(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	if parent.Status.IsTerminal() || parent.ChunkTotal == nil {
		return parent, children, nil
	}

	agg := Aggregate(parent.Status, *parent.ChunkTotal, children)
	switch agg.Status {
	case model.JobStatusCompleted:
		parent, err = l.completeJob(ctx, parentID, agg.ResultLocations, "")
	case model.JobStatusFailed:
		parent, err = l.failJob(ctx, parentID, model.ErrorDetail{
			Code:    errorCode(ErrProviderReportedFailure),
			Message: "all chunks failed",
		})
	default:
		if agg.Status == parent.Status && agg.Progress == parent.Progress {
			break
		}
		parent, _, err = l.mutate(ctx, parentID, func(j *model.Job) *model.JobUpdate {
			if j.Status.IsTerminal() {
				return nil
			}
			u := &model.JobUpdate{}
			if agg.Status != j.Status && j.Status.CanAdvanceTo(agg.Status) {
				u.Status = agg.Status
			}
			if agg.Progress != j.Progress {
				p := agg.Progress
				u.Progress = &p
			}
			if u.Status == "" && u.Progress == nil {
				return nil
			}
			return u
		})
	}
	if err != nil {
		return nil, nil, err
	}
	return parent, children, nil
}

func observeFinished(j *model.Job) {
	metrics.JobsFinished.WithLabelValues(string(j.Kind), string(j.Status)).Inc()
	if j.CompletedAt != nil {
		metrics.JobDuration.WithLabelValues(string(j.Kind), string(j.Status)).
			Observe(j.CompletedAt.Sub(j.CreatedAt).Seconds())
	}
}
