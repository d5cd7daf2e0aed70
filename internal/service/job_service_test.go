package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genforge/api/internal/model"
)

func TestSubmit_ImageChargesAndDispatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.jobs.Submit(ctx, testOwner, imageRequest("a red fox"))
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusProcessing, job.Status)
	assert.Equal(t, int64(12), job.Cost)
	require.NotNil(t, job.ProviderRequestID)
	assert.Equal(t, "req-1", *job.ProviderRequestID)
	assert.Equal(t, int64(88), env.account(t).RenewableBalance)

	require.Equal(t, 1, env.provider.submitCount())
	call := env.provider.submits[0]
	assert.Equal(t, "fal-ai/flux/dev", call.model)
	assert.Equal(t, testWebhookURL, call.webhook)
	assert.Equal(t, "a red fox", call.input["prompt"])
	assert.Equal(t, 1, call.input["num_images"])

	usage, err := env.ledger.Usage(ctx, testOwner, 0)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(12), usage[0].AmountCharged)
	assert.Equal(t, int64(10), usage[0].NominalAmount)
	assert.Equal(t, job.CorrelationID, usage[0].JobReference)
}

func TestSubmit_ExplicitModelAndVideoPricing(t *testing.T) {
	env := newTestEnv(t)
	env.setAccount(200, 0, model.PlanPro)

	job, err := env.jobs.Submit(context.Background(), testOwner, &model.SubmitRequest{
		Kind:  model.JobKindVideo,
		Model: "fal-ai/custom-video",
		Video: &model.VideoParams{Prompt: "waves", DurationSeconds: 5, AspectRatio: "16:9"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(100), job.Cost)
	assert.Equal(t, "fal-ai/custom-video", env.provider.submits[0].model)
	assert.Equal(t, 5, env.provider.submits[0].input["duration"])
	assert.Equal(t, "16:9", env.provider.submits[0].input["aspect_ratio"])
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  *model.SubmitRequest
	}{
		{"unknown kind", &model.SubmitRequest{Kind: "hologram", Image: &model.ImageParams{Prompt: "x"}}},
		{"missing params", &model.SubmitRequest{Kind: model.JobKindImage}},
		{"mismatched params", &model.SubmitRequest{Kind: model.JobKindImage, Video: &model.VideoParams{Prompt: "x", DurationSeconds: 2}}},
		{"two blocks", &model.SubmitRequest{
			Kind:  model.JobKindImage,
			Image: &model.ImageParams{Prompt: "x"},
			Audio: &model.AudioParams{Prompt: "y", DurationSeconds: 3},
		}},
		{"missing prompt", &model.SubmitRequest{Kind: model.JobKindImage, Image: &model.ImageParams{}}},
		{"too many images", &model.SubmitRequest{Kind: model.JobKindImage, Image: &model.ImageParams{Prompt: "x", NumImages: 9}}},
		{"blank document", &model.SubmitRequest{Kind: model.JobKindDocument, Document: &model.DocumentParams{Text: "   "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.jobs.Submit(context.Background(), testOwner, tt.req)
			assert.ErrorIs(t, err, ErrValidation)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
		})
	}

	assert.Equal(t, 0, env.provider.submitCount())
	assert.Equal(t, int64(100), env.account(t).Total())
}

func TestSubmit_ValidationReportsFields(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.jobs.Submit(context.Background(), testOwner, &model.SubmitRequest{
		Kind:  model.JobKindAudio,
		Audio: &model.AudioParams{Prompt: "rain", DurationSeconds: 9999},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Fields, 1)
	assert.Contains(t, verr.Fields[0].Field, "DurationSeconds")
	assert.Equal(t, "must be at most 300", verr.Fields[0].Message)
}

func TestSubmit_InsufficientBalanceCreatesNoJob(t *testing.T) {
	env := newTestEnv(t)
	env.setAccount(5, 0, model.PlanFree)
	ctx := context.Background()

	_, err := env.jobs.Submit(ctx, testOwner, imageRequest("fox"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	jobs, err := env.jobs.List(ctx, testOwner, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, 0, env.provider.submitCount())
	assert.Equal(t, int64(5), env.account(t).RenewableBalance)
}

func TestSubmit_ProviderFailureRefunds(t *testing.T) {
	env := newTestEnv(t)
	// 10 base at 1.2x is 12, drawn from a balance of exactly 12.
	env.setAccount(12, 0, model.PlanFree)
	env.provider.onSubmit = func(int) error { return errors.New("503 service unavailable") }
	ctx := context.Background()

	job, err := env.jobs.Submit(ctx, testOwner, imageRequest("fox"))
	require.ErrorIs(t, err, ErrProviderSubmission)
	require.NotNil(t, job)

	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, model.ErrorCodeSubmissionFailed, job.Error.Code)
	assert.Equal(t, model.RefundStateSettled, job.RefundState)
	assert.Equal(t, int64(12), env.account(t).RenewableBalance)
	assert.Empty(t, env.refunds.jobs)
}

func TestSubmit_UnlimitedPlanIsFree(t *testing.T) {
	env := newTestEnv(t)
	env.setAccount(0, 0, model.PlanUnlimited)
	ctx := context.Background()

	job, err := env.jobs.Submit(ctx, testOwner, imageRequest("fox"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), job.Cost)

	usage, err := env.ledger.Usage(ctx, testOwner, 0)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(0), usage[0].AmountCharged)
	assert.Equal(t, int64(10), usage[0].NominalAmount)

	// A failed free job has nothing to refund.
	failed := env.callback(t, errorCallback("req-1", "nsfw"))
	assert.Equal(t, model.JobStatusFailed, failed.Status)
	assert.Equal(t, model.RefundStateNone, failed.RefundState)
	assert.Equal(t, int64(0), env.account(t).Total())
}

func TestSubmit_ProviderPanicRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.provider.onSubmit = func(int) error { panic("provider client bug") }
	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = env.jobs.Submit(ctx, testOwner, imageRequest("fox"))
	})

	assert.Equal(t, int64(100), env.account(t).Total())
	jobs, err := env.jobs.List(ctx, testOwner, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusFailed, jobs[0].Status)
}

func TestSubmit_DocumentFansOutIntoChunks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	parent, err := env.jobs.Submit(ctx, testOwner, documentRequest())
	require.NoError(t, err)

	// Three chunks at 5 each, 1.2x on the free plan.
	assert.Equal(t, int64(18), parent.Cost)
	assert.Equal(t, int64(82), env.account(t).RenewableBalance)
	assert.Equal(t, model.JobStatusProcessing, parent.Status)
	assert.Nil(t, parent.ProviderRequestID)
	require.NotNil(t, parent.ChunkTotal)
	assert.Equal(t, 3, *parent.ChunkTotal)

	chunks := env.chunks(t, parent.ID)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, *c.ChunkIndex)
		assert.Equal(t, model.JobStatusProcessing, c.Status)
		assert.Equal(t, int64(0), c.Cost)
		assert.True(t, c.Draw().IsZero())
	}

	require.Equal(t, 3, env.provider.submitCount())
	assert.Equal(t, "aaaa bbbb.", env.provider.submits[0].input["prompt"])
	assert.Equal(t, "cccc dddd.", env.provider.submits[1].input["prompt"])
	assert.Equal(t, "eeee ffff.", env.provider.submits[2].input["prompt"])
	assert.Equal(t, "af_heart", env.provider.submits[2].input["voice"])
}

func TestSubmit_DocumentChunkDispatchFailureFailsEverything(t *testing.T) {
	env := newTestEnv(t)
	env.provider.onSubmit = func(n int) error {
		if n == 2 {
			return errors.New("rate limited")
		}
		return nil
	}
	ctx := context.Background()

	parent, err := env.jobs.Submit(ctx, testOwner, documentRequest())
	require.ErrorIs(t, err, ErrProviderSubmission)
	assert.Equal(t, model.JobStatusFailed, parent.Status)
	assert.Equal(t, int64(100), env.account(t).Total())

	for _, c := range env.chunks(t, parent.ID) {
		assert.Equal(t, model.JobStatusFailed, c.Status)
	}
}

func TestDocument_ChunksCompleteInAnyOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	parent, err := env.jobs.Submit(ctx, testOwner, documentRequest())
	require.NoError(t, err)

	env.callback(t, okAudio("req-3", "https://cdn/3.wav"))
	env.callback(t, okAudio("req-1", "https://cdn/1.wav"))

	view, err := env.jobs.Get(ctx, testOwner, parent.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, view.Status)
	assert.Equal(t, 67, view.Progress)
	require.Len(t, view.Chunks, 3)

	env.callback(t, okAudio("req-2", "https://cdn/2.wav"))

	view, err = env.jobs.Get(ctx, testOwner, parent.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, view.Status)
	assert.Equal(t, 100, view.Progress)
	assert.Equal(t, []string{"https://cdn/1.wav", "https://cdn/2.wav", "https://cdn/3.wav"}, view.ResultLocations)
	assert.Equal(t, int64(82), env.account(t).RenewableBalance)
}

func TestDocument_AllChunksFailedRefundsParent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	parent, err := env.jobs.Submit(ctx, testOwner, documentRequest())
	require.NoError(t, err)

	for _, id := range []string{"req-1", "req-2", "req-3"} {
		env.callback(t, errorCallback(id, "voice unavailable"))
	}

	got := env.reload(t, parent.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.RefundStateSettled, got.RefundState)
	assert.Equal(t, int64(100), env.account(t).Total())
}

func TestDocument_ChunkRetryCompletesParent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	parent, err := env.jobs.Submit(ctx, testOwner, documentRequest())
	require.NoError(t, err)

	env.callback(t, okAudio("req-1", "https://cdn/1.wav"))
	failedChunk := env.callback(t, errorCallback("req-2", "timeout"))
	env.callback(t, okAudio("req-3", "https://cdn/3.wav"))

	got := env.reload(t, parent.ID)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
	assert.Equal(t, 67, got.Progress)

	replacement, err := env.jobs.Retry(ctx, testOwner, failedChunk.CorrelationID)
	require.NoError(t, err)
	require.NotNil(t, replacement.RetryOf)
	assert.Equal(t, failedChunk.ID, *replacement.RetryOf)
	assert.Equal(t, 1, *replacement.ChunkIndex)
	assert.Equal(t, "req-4", *replacement.ProviderRequestID)
	assert.Equal(t, "cccc dddd.", env.provider.submits[3].input["prompt"])

	_, err = env.jobs.Retry(ctx, testOwner, failedChunk.CorrelationID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	env.callback(t, okAudio("req-4", "https://cdn/2b.wav"))

	view, err := env.jobs.Get(ctx, testOwner, parent.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, view.Status)
	assert.Equal(t, []string{"https://cdn/1.wav", "https://cdn/2b.wav", "https://cdn/3.wav"}, view.ResultLocations)
	require.Len(t, view.Chunks, 3)
	assert.Equal(t, replacement.CorrelationID, view.Chunks[1].JobID)
	// Chunk retries are not charged again.
	assert.Equal(t, int64(82), env.account(t).RenewableBalance)
}

func TestRetry_CreatesLinkedJobAndLeavesOriginal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	orig, err := env.jobs.Submit(ctx, testOwner, imageRequest("fox"))
	require.NoError(t, err)
	env.callback(t, errorCallback("req-1", "nsfw"))
	before := env.reload(t, orig.ID)
	assert.Equal(t, int64(100), env.account(t).Total())

	retried, err := env.jobs.Retry(ctx, testOwner, orig.CorrelationID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.CorrelationID, retried.CorrelationID)
	assert.Equal(t, model.JobStatusProcessing, retried.Status)
	require.NotNil(t, retried.RetryOf)
	assert.Equal(t, orig.ID, *retried.RetryOf)
	assert.Equal(t, "fox", env.provider.submits[1].input["prompt"])
	assert.Equal(t, int64(88), env.account(t).RenewableBalance)

	assert.Equal(t, before, env.reload(t, orig.ID))

	view, err := env.jobs.Get(ctx, testOwner, retried.CorrelationID)
	require.NoError(t, err)
	require.NotNil(t, view.RetryOf)
	assert.Equal(t, orig.CorrelationID, *view.RetryOf)
}

func TestRetry_RejectsJobsThatAreNotFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.jobs.Submit(ctx, testOwner, imageRequest("fox"))
	require.NoError(t, err)

	_, err = env.jobs.Retry(ctx, testOwner, job.CorrelationID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	env.callback(t, okImages("req-1", "https://cdn/fox.png"))
	_, err = env.jobs.Retry(ctx, testOwner, job.CorrelationID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestGet_HidesOtherOwnersJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.jobs.Submit(ctx, testOwner, imageRequest("fox"))
	require.NoError(t, err)

	_, err = env.jobs.Get(ctx, "intruder", job.CorrelationID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.jobs.Retry(ctx, "intruder", job.CorrelationID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.jobs.Get(ctx, testOwner, "no-such-job")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_NewestFirstWithoutChunks(t *testing.T) {
	env := newTestEnv(t)
	env.setAccount(1000, 0, model.PlanPro)
	ctx := context.Background()

	first, err := env.jobs.Submit(ctx, testOwner, imageRequest("one"))
	require.NoError(t, err)
	doc, err := env.jobs.Submit(ctx, testOwner, documentRequest())
	require.NoError(t, err)

	views, err := env.jobs.List(ctx, testOwner, 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, doc.CorrelationID, views[0].JobID)
	assert.Equal(t, first.CorrelationID, views[1].JobID)

	views, err = env.jobs.List(ctx, testOwner, 1)
	require.NoError(t, err)
	assert.Len(t, views, 1)

	statusCalls := env.provider.statusCalls
	_, err = env.jobs.List(ctx, testOwner, 10)
	require.NoError(t, err)
	assert.Equal(t, statusCalls, env.provider.statusCalls)
}

func TestSubmit_FailedStatusWriteQueuesAbort(t *testing.T) {
	env := newTestEnv(t)
	env.provider.onSubmit = func(int) error { return errors.New("provider down") }
	env.store.setFailFailures(true)
	ctx := context.Background()

	job, err := env.jobs.Submit(ctx, testOwner, imageRequest("fox"))
	require.ErrorIs(t, err, ErrProviderSubmission)
	require.NotNil(t, job)

	// The failure could not be written, so it is queued instead of lost.
	assert.Equal(t, []string{job.ID}, env.refunds.aborts)
	assert.Equal(t, model.JobStatusPending, env.reload(t, job.ID).Status)
	assert.Equal(t, int64(88), env.account(t).Total())

	// The queued abort fails the job and refunds it once the store recovers.
	env.store.setFailFailures(false)
	detail := model.ErrorDetail{Code: model.ErrorCodeSubmissionFailed, Message: "provider down"}
	require.NoError(t, env.lc.AbortJob(ctx, job.ID, detail))
	require.NoError(t, env.lc.AbortJob(ctx, job.ID, detail))

	got := env.reload(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, model.RefundStateSettled, got.RefundState)
	assert.Equal(t, int64(100), env.account(t).Total())
}

func TestAbortJob_RetriesWhileStoreIsDown(t *testing.T) {
	env := newTestEnv(t)
	env.provider.onSubmit = func(int) error { return errors.New("provider down") }
	env.store.setFailFailures(true)
	ctx := context.Background()

	job, _ := env.jobs.Submit(ctx, testOwner, imageRequest("fox"))
	require.NotNil(t, job)

	err := env.lc.AbortJob(ctx, job.ID, model.ErrorDetail{Code: model.ErrorCodeSubmissionFailed, Message: "x"})
	assert.Error(t, err)
	assert.Equal(t, int64(88), env.account(t).Total())
}

func TestSubmit_DocumentPanicFailsEveryChunk(t *testing.T) {
	env := newTestEnv(t)
	env.provider.onSubmit = func(n int) error {
		if n == 2 {
			panic("provider client bug")
		}
		return nil
	}
	ctx := context.Background()

	assert.Panics(t, func() {
		_, _ = env.jobs.Submit(ctx, testOwner, documentRequest())
	})
	assert.Equal(t, int64(100), env.account(t).Total())

	jobs, err := env.jobs.List(ctx, testOwner, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobStatusFailed, jobs[0].Status)

	parent, err := env.store.GetByCorrelationID(ctx, jobs[0].JobID)
	require.NoError(t, err)
	chunks := env.chunks(t, parent.ID)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, model.JobStatusFailed, c.Status, "chunk %d", *c.ChunkIndex)
	}
}
