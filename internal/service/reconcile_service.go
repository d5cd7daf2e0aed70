package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/client"
	"github.com/genforge/api/internal/model"
)

// ReconcileService polls the provider for jobs whose callback may have been
// lost and writes the answer through.
type ReconcileService struct {
	lc       *JobLifecycle
	provider client.Provider
	log      zerolog.Logger
}

func NewReconcileService(lc *JobLifecycle, provider client.Provider) *ReconcileService {
	return &ReconcileService{
		lc:       lc,
		provider: provider,
		log:      lc.log.With().Str("component", "reconciler").Logger(),
	}
}

// needsPoll reports whether the stored row may be behind the provider.
func needsPoll(j *model.Job) bool {
	if j.ProviderRequestID == nil || *j.ProviderRequestID == "" {
		return false
	}
	return !j.Status.IsTerminal() || j.NeedsResultBackfill()
}

// Refresh returns the job brought up to date with the provider. Provider
// errors are logged and the stored row is returned unchanged.
func (r *ReconcileService) Refresh(ctx context.Context, job *model.Job) *model.Job {
	if !needsPoll(job) {
		return job
	}
	requestID := *job.ProviderRequestID
	log := r.log.With().Str("job_id", job.CorrelationID).Str("request_id", requestID).Logger()

	st, err := r.provider.Status(ctx, job.Model, requestID)
	if err != nil {
		log.Warn().Err(err).Msg("provider status unavailable")
		return job
	}

	var updated *model.Job
	switch st.State {
	case model.ProviderStateQueued, model.ProviderStateRunning:
		if job.Status.IsTerminal() {
			return job
		}
		updated, err = r.lc.markProgress(ctx, job.ID, st.Progress)
	case model.ProviderStateCompleted:
		payload, rerr := r.provider.Result(ctx, job.Model, requestID)
		if rerr != nil {
			log.Warn().Err(rerr).Msg("provider result unavailable")
			return job
		}
		updated, err = r.lc.applyOutcome(ctx, job, outcome{ok: true, payload: payload})
	case model.ProviderStateFailed:
		if job.Status.IsTerminal() {
			return job
		}
		updated, err = r.lc.applyOutcome(ctx, job, outcome{errMsg: st.Error})
	default:
		return job
	}
	if err != nil {
		log.Error().Err(err).Msg("write reconciled status")
		return job
	}
	return updated
}
