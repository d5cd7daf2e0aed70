package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/genforge/api/internal/client"
	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/repository"
	"github.com/genforge/api/internal/repository/memory"
)

const (
	testOwner      = "user-1"
	testWebhookURL = "https://api.example.com/webhooks/provider?token=s3cret"
)

type submitCall struct {
	model   string
	input   map[string]any
	webhook string
}

type fakeProvider struct {
	mu       sync.Mutex
	submits  []submitCall
	onSubmit func(n int) error

	statuses    map[string]*client.StatusResult
	results     map[string]json.RawMessage
	statusCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		statuses: make(map[string]*client.StatusResult),
		results:  make(map[string]json.RawMessage),
	}
}

func (f *fakeProvider) Submit(_ context.Context, modelID string, input any, webhookURL string) (*client.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := len(f.submits) + 1
	in, _ := input.(map[string]any)
	f.submits = append(f.submits, submitCall{model: modelID, input: in, webhook: webhookURL})
	if f.onSubmit != nil {
		if err := f.onSubmit(n); err != nil {
			return nil, err
		}
	}
	return &client.SubmitResult{RequestID: fmt.Sprintf("req-%d", n)}, nil
}

func (f *fakeProvider) Status(_ context.Context, _ string, requestID string) (*client.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusCalls++
	st, ok := f.statuses[requestID]
	if !ok {
		return nil, &client.APIError{StatusCode: 404, Body: "unknown request"}
	}
	return st, nil
}

func (f *fakeProvider) Result(_ context.Context, _ string, requestID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.results[requestID]
	if !ok {
		return nil, &client.APIError{StatusCode: 404, Body: "no result"}
	}
	return r, nil
}

func (f *fakeProvider) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

type fakeScheduler struct {
	mu     sync.Mutex
	jobs   []string
	aborts []string
}

func (f *fakeScheduler) ScheduleAbort(_ context.Context, jobID string, _ model.ErrorDetail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, jobID)
	return nil
}

func (f *fakeScheduler) ScheduleRefund(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobID)
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []*model.Job
}

func (r *recordingNotifier) JobUpdated(_ context.Context, job *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, job.Clone())
}

type fakeArchive struct {
	mu     sync.Mutex
	bodies map[string][]byte
}

func (f *fakeArchive) Archive(_ context.Context, requestID string, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bodies == nil {
		f.bodies = make(map[string][]byte)
	}
	f.bodies[requestID] = append([]byte(nil), body...)
	return "webhooks/" + requestID + ".json", nil
}

// flakyStore fails balance credits while failCredits is set, and writes
// that move a job to failed while failFailures is set.
type flakyStore struct {
	*memory.Store
	mu           sync.Mutex
	failCredits  bool
	failFailures bool
}

func (f *flakyStore) setFailFailures(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFailures = v
}

func (f *flakyStore) Update(ctx context.Context, id string, expectedVersion int64, u model.JobUpdate) (*model.Job, error) {
	f.mu.Lock()
	fail := f.failFailures && u.Status == model.JobStatusFailed
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.Store.Update(ctx, id, expectedVersion, u)
}

func (f *flakyStore) setFailCredits(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCredits = v
}

func (f *flakyStore) ApplyBalanceChange(ctx context.Context, c repository.BalanceChange) (*model.Account, error) {
	f.mu.Lock()
	fail := f.failCredits && (c.RenewableDelta > 0 || c.PermanentDelta > 0)
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset")
	}
	return f.Store.ApplyBalanceChange(ctx, c)
}

type testEnv struct {
	store    *flakyStore
	ledger   *LedgerService
	lc       *JobLifecycle
	provider *fakeProvider
	refunds  *fakeScheduler
	notifier *recordingNotifier
	archive  *fakeArchive
	jobs     *JobService
	webhooks *WebhookService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := &flakyStore{Store: memory.New()}
	log := zerolog.Nop()
	ledger := NewLedgerService(store, LedgerOptions{
		SeedRenewable: 100,
		DefaultPlan:   model.PlanFree,
		Multipliers: map[model.Plan]int64{
			model.PlanFree: 1200,
			model.PlanPro:  1000,
		},
	}, log)

	env := &testEnv{
		store:    store,
		ledger:   ledger,
		provider: newFakeProvider(),
		refunds:  &fakeScheduler{},
		notifier: &recordingNotifier{},
		archive:  &fakeArchive{},
	}
	env.lc = NewJobLifecycle(store, ledger, env.notifier, env.refunds, log)
	reconciler := NewReconcileService(env.lc, env.provider)
	env.jobs = NewJobService(env.lc, env.provider, reconciler, validator.New(), JobServiceOptions{
		Pricing: Pricing{
			ImagePerImage:    10,
			VideoPerSecond:   20,
			AudioPerSecond:   2,
			DocumentPerChunk: 5,
		},
		ChunkSize: 12,
		Models: map[model.JobKind]string{
			model.JobKindImage:    "fal-ai/flux/dev",
			model.JobKindVideo:    "fal-ai/kling-video/v1/standard/text-to-video",
			model.JobKindAudio:    "fal-ai/stable-audio",
			model.JobKindDocument: "fal-ai/kokoro/american-english",
		},
		WebhookURL: testWebhookURL,
	})
	env.webhooks = NewWebhookService(env.lc, env.archive, "s3cret")
	return env
}

func (e *testEnv) setAccount(renewable, permanent int64, plan model.Plan) {
	e.store.SetAccount(model.Account{
		OwnerID:          testOwner,
		RenewableBalance: renewable,
		PermanentBalance: permanent,
		Plan:             plan,
	})
}

func (e *testEnv) account(t *testing.T) *model.Account {
	t.Helper()
	a, err := e.ledger.Account(context.Background(), testOwner)
	require.NoError(t, err)
	return a
}

func (e *testEnv) reload(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (e *testEnv) chunks(t *testing.T, parentID string) []*model.Job {
	t.Helper()
	children, err := e.store.ListChildren(context.Background(), parentID)
	require.NoError(t, err)
	return CurrentChunks(children)
}

// callback delivers a provider webhook body.
func (e *testEnv) callback(t *testing.T, body string) *model.Job {
	t.Helper()
	job, err := e.webhooks.HandleCallback(context.Background(), []byte(body))
	require.NoError(t, err)
	return job
}

func imageRequest(prompt string) *model.SubmitRequest {
	return &model.SubmitRequest{
		Kind:  model.JobKindImage,
		Image: &model.ImageParams{Prompt: prompt},
	}
}

// documentText splits into three chunks at a chunk size of 12.
const documentText = "aaaa bbbb. cccc dddd. eeee ffff."

func documentRequest() *model.SubmitRequest {
	return &model.SubmitRequest{
		Kind:     model.JobKindDocument,
		Document: &model.DocumentParams{Text: documentText, Voice: "af_heart"},
	}
}

func okImages(requestID string, urls ...string) string {
	images := make([]map[string]string, 0, len(urls))
	for _, u := range urls {
		images = append(images, map[string]string{"url": u})
	}
	payload, _ := json.Marshal(map[string]any{"images": images})
	body, _ := json.Marshal(model.WebhookPayload{RequestID: requestID, Status: model.WebhookStatusOK, Payload: payload})
	return string(body)
}

func okAudio(requestID, url string) string {
	return fmt.Sprintf(`{"request_id":%q,"status":"OK","payload":{"audio":{"url":%q}}}`, requestID, url)
}

func errorCallback(requestID, msg string) string {
	return fmt.Sprintf(`{"request_id":%q,"status":"ERROR","error":%q}`, requestID, msg)
}
