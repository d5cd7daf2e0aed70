package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/client"
	"github.com/genforge/api/internal/metrics"
	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/repository"
)

// JobServiceOptions configures submission.
type JobServiceOptions struct {
	Pricing   Pricing
	ChunkSize int
	// Models maps a kind to the provider model used when a request names none.
	Models map[model.JobKind]string
	// WebhookURL is handed to the provider for completion callbacks.
	WebhookURL string
}

// JobService submits, reads and retries jobs.
type JobService struct {
	lc         *JobLifecycle
	provider   client.Provider
	reconciler *ReconcileService
	validate   *validator.Validate
	opts       JobServiceOptions
	log        zerolog.Logger
}

func NewJobService(lc *JobLifecycle, provider client.Provider, reconciler *ReconcileService, v *validator.Validate, opts JobServiceOptions) *JobService {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4000
	}
	return &JobService{
		lc:         lc,
		provider:   provider,
		reconciler: reconciler,
		validate:   v,
		opts:       opts,
		log:        lc.log.With().Str("component", "jobs").Logger(),
	}
}

// Submit validates, prices and charges req, persists the job and hands it
// to the provider. On a provider failure the failed job is returned along
// with ErrProviderSubmission and the charge is refunded.
func (s *JobService) Submit(ctx context.Context, ownerID string, req *model.SubmitRequest) (*model.Job, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, validationFromValidator(err)
	}
	if err := checkParams(req); err != nil {
		return nil, err
	}
	return s.submit(ctx, ownerID, req, nil)
}

func (s *JobService) submit(ctx context.Context, ownerID string, req *model.SubmitRequest, retryOf *model.Job) (*model.Job, error) {
	spec := kinds[req.Kind]
	inputs := spec.inputs(req, s.opts.ChunkSize)
	if len(inputs) == 0 {
		return nil, newValidationError("nothing to generate")
	}

	acct, err := s.lc.ledger.Account(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	base := spec.baseCost(req, s.opts.Pricing, len(inputs))
	cost := s.lc.ledger.ApplyPlanMultiplier(base, acct.Plan)

	params, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}

	now := s.lc.now()
	parent := &model.Job{
		ID:              uuid.New().String(),
		CorrelationID:   uuid.New().String(),
		OwnerID:         ownerID,
		Kind:            req.Kind,
		Model:           s.modelFor(req),
		Status:          model.JobStatusPending,
		Cost:            cost,
		ResultLocations: []string{},
		Params:          params,
		RefundState:     model.RefundStateNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if retryOf != nil {
		parent.RetryOf = &retryOf.ID
	}

	rows := []*model.Job{parent}
	targets := []*model.Job{parent}
	if spec.chunked {
		total := len(inputs)
		parent.ChunkTotal = &total
		targets = targets[:0]
		for i, in := range inputs {
			chunk, err := s.newChunk(parent, i, in, nil)
			if err != nil {
				return nil, err
			}
			rows = append(rows, chunk)
			targets = append(targets, chunk)
		}
	}

	draw, err := s.lc.ledger.Deduct(ctx, ownerID, cost, base, parent.CorrelationID)
	if err != nil {
		return nil, err
	}
	parent.RenewableCharged = draw.Renewable
	parent.PermanentCharged = draw.Permanent

	// Once the debit has happened every exit path must either hand the job
	// to the provider or give the tokens back, panics included.
	persisted, handedOff := false, false
	defer func() {
		if handedOff {
			return
		}
		r := recover()
		cleanup := context.WithoutCancel(ctx)
		if persisted {
			s.failSubmission(cleanup, parent, targets, errors.New("submission aborted"))
		} else if rerr := s.lc.ledger.Refund(cleanup, ownerID, draw, parent.CorrelationID); rerr != nil {
			s.log.Error().Err(rerr).Str("job_id", parent.CorrelationID).Msg("refund unpersisted job")
		}
		if r != nil {
			panic(r)
		}
	}()

	if err := s.lc.store.Create(ctx, rows...); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	persisted = true
	metrics.JobsSubmitted.WithLabelValues(string(req.Kind)).Inc()
	s.lc.notify(ctx, parent)

	for i, target := range targets {
		if err := s.dispatch(ctx, target, inputs[i]); err != nil {
			handedOff = true
			failed := s.failSubmission(ctx, parent, targets, err)
			return failed, fmt.Errorf("%w: %v", ErrProviderSubmission, err)
		}
	}

	if spec.chunked {
		if _, err := s.lc.markProgress(ctx, parent.ID, nil); err != nil {
			s.log.Warn().Err(err).Str("job_id", parent.CorrelationID).Msg("mark parent processing")
		}
	}
	handedOff = true

	s.log.Info().Str("job_id", parent.CorrelationID).Str("owner_id", ownerID).
		Str("kind", string(req.Kind)).Int64("cost", cost).Int("requests", len(targets)).Msg("job submitted")

	if fresh, err := s.lc.store.Get(ctx, parent.ID); err == nil {
		return fresh, nil
	}
	return parent, nil
}

// dispatch submits one provider request and records its id on the row.
func (s *JobService) dispatch(ctx context.Context, target *model.Job, input map[string]any) error {
	res, err := s.provider.Submit(ctx, target.Model, input, s.opts.WebhookURL)
	if err != nil {
		return err
	}
	_, _, err = s.lc.mutate(ctx, target.ID, func(j *model.Job) *model.JobUpdate {
		if j.Status != model.JobStatusPending {
			return nil
		}
		u := &model.JobUpdate{Status: model.JobStatusProcessing, ProviderRequestID: &res.RequestID}
		if res.GatewayRequestID != "" {
			u.GatewayRequestID = &res.GatewayRequestID
		}
		return u
	})
	if err != nil {
		return fmt.Errorf("record provider request %s: %w", res.RequestID, err)
	}
	return nil
}

// failSubmission fails every chunk and then the parent, which refunds it.
// Rows whose failure cannot be written are queued for a later attempt.
func (s *JobService) failSubmission(ctx context.Context, parent *model.Job, targets []*model.Job, cause error) *model.Job {
	ctx = context.WithoutCancel(ctx)
	detail := model.ErrorDetail{Code: errorCode(ErrProviderSubmission), Message: cause.Error()}

	for _, t := range targets {
		if t.ID == parent.ID {
			continue
		}
		_, _ = s.lc.abortJob(ctx, t, detail)
	}
	failed, err := s.lc.abortJob(ctx, parent, detail)
	if err != nil {
		return parent
	}
	return failed
}

func (s *JobService) newChunk(parent *model.Job, index int, input map[string]any, retryOf *string) (*model.Job, error) {
	params, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode chunk params: %w", err)
	}
	idx := index
	now := s.lc.now()
	return &model.Job{
		ID:              uuid.New().String(),
		CorrelationID:   uuid.New().String(),
		OwnerID:         parent.OwnerID,
		Kind:            parent.Kind,
		Model:           parent.Model,
		Status:          model.JobStatusPending,
		ResultLocations: []string{},
		Params:          params,
		ParentID:        &parent.ID,
		ChunkIndex:      &idx,
		ChunkTotal:      parent.ChunkTotal,
		RetryOf:         retryOf,
		RefundState:     model.RefundStateNone,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *JobService) modelFor(req *model.SubmitRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return s.opts.Models[req.Kind]
}

// Get returns the client view of a job, reconciling it with the provider
// first when the stored row may be behind.
func (s *JobService) Get(ctx context.Context, ownerID, jobID string) (*model.JobView, error) {
	job, err := s.owned(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}

	if !job.IsParent() {
		job = s.reconciler.Refresh(ctx, job)
		return s.view(ctx, job, nil), nil
	}

	children, err := s.lc.store.ListChildren(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	for _, c := range CurrentChunks(children) {
		s.reconciler.Refresh(ctx, c)
	}
	parent, children, err := s.lc.syncParent(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("aggregate chunks: %w", err)
	}
	return s.view(ctx, parent, CurrentChunks(children)), nil
}

// List returns the owner's most recent top-level jobs without polling.
func (s *JobService) List(ctx context.Context, ownerID string, limit int) ([]*model.JobView, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	jobs, err := s.lc.store.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*model.JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.view(ctx, j, nil))
	}
	return out, nil
}

// Retry resubmits a failed job as a new job linked by retry_of. The new job
// is priced and charged afresh; the original stays untouched. Retrying a
// chunk replaces it under the same parent at no charge.
func (s *JobService) Retry(ctx context.Context, ownerID, jobID string) (*model.Job, error) {
	orig, err := s.owned(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if orig.Status != model.JobStatusFailed {
		return nil, fmt.Errorf("%w: job is %s", ErrAlreadyTerminal, orig.Status)
	}
	if orig.IsChunk() {
		return s.retryChunk(ctx, orig)
	}

	var req model.SubmitRequest
	if err := json.Unmarshal(orig.Params, &req); err != nil {
		return nil, fmt.Errorf("decode stored params: %w", err)
	}
	return s.submit(ctx, ownerID, &req, orig)
}

func (s *JobService) retryChunk(ctx context.Context, orig *model.Job) (*model.Job, error) {
	parent, err := s.lc.store.Get(ctx, *orig.ParentID)
	if err != nil {
		return nil, fmt.Errorf("load parent: %w", err)
	}
	if parent.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: parent job is %s", ErrAlreadyTerminal, parent.Status)
	}
	children, err := s.lc.store.ListChildren(ctx, parent.ID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	for _, c := range children {
		if c.RetryOf != nil && *c.RetryOf == orig.ID {
			return nil, fmt.Errorf("%w: chunk already retried", ErrAlreadyTerminal)
		}
	}

	var input map[string]any
	if err := json.Unmarshal(orig.Params, &input); err != nil {
		return nil, fmt.Errorf("decode chunk params: %w", err)
	}
	chunk, err := s.newChunk(parent, *orig.ChunkIndex, input, &orig.ID)
	if err != nil {
		return nil, err
	}
	if err := s.lc.store.Create(ctx, chunk); err != nil {
		return nil, fmt.Errorf("persist chunk: %w", err)
	}
	s.lc.notify(ctx, chunk)

	if err := s.dispatch(ctx, chunk, input); err != nil {
		failed, ferr := s.lc.failJob(context.WithoutCancel(ctx), chunk.ID, model.ErrorDetail{
			Code:    errorCode(ErrProviderSubmission),
			Message: err.Error(),
		})
		if ferr != nil {
			failed = chunk
		}
		return failed, fmt.Errorf("%w: %v", ErrProviderSubmission, err)
	}
	if _, _, err := s.lc.syncParent(ctx, parent.ID); err != nil {
		s.log.Warn().Err(err).Str("job_id", parent.CorrelationID).Msg("sync parent after chunk retry")
	}
	return s.lc.store.Get(ctx, chunk.ID)
}

// owned loads a job by its client id and hides jobs of other owners.
func (s *JobService) owned(ctx context.Context, ownerID, jobID string) (*model.Job, error) {
	job, err := s.lc.store.GetByCorrelationID(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && job.OwnerID != ownerID) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobService) view(ctx context.Context, j *model.Job, chunks []*model.Job) *model.JobView {
	v := &model.JobView{
		JobID:           j.CorrelationID,
		Kind:            j.Kind,
		Status:          j.Status,
		Progress:        j.Progress,
		Cost:            j.Cost,
		ResultLocations: nonNil(j.ResultLocations),
		Error:           j.Error,
		CreatedAt:       j.CreatedAt,
		CompletedAt:     j.CompletedAt,
	}
	if j.RetryOf != nil {
		if orig, err := s.lc.store.Get(ctx, *j.RetryOf); err == nil {
			v.RetryOf = &orig.CorrelationID
		}
	}
	for _, c := range chunks {
		v.Chunks = append(v.Chunks, model.ChunkView{
			JobID:           c.CorrelationID,
			Index:           *c.ChunkIndex,
			Status:          c.Status,
			Progress:        c.Progress,
			ResultLocations: nonNil(c.ResultLocations),
			Error:           c.Error,
		})
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func validationFromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return newValidationError(err.Error())
	}
	fields := make([]model.FieldError, 0, len(verrs))
	for _, e := range verrs {
		fields = append(fields, model.FieldError{
			Field:   e.Namespace(),
			Message: validationMessage(e),
		})
	}
	return newValidationError("validation failed", fields...)
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + e.Param()
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	case "url":
		return "must be a valid URL"
	default:
		return "failed on " + e.Tag()
	}
}
