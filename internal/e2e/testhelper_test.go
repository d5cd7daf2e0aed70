package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/genforge/api/internal/auth"
	"github.com/genforge/api/internal/client"
	"github.com/genforge/api/internal/config"
	"github.com/genforge/api/internal/handler"
	"github.com/genforge/api/internal/middleware"
	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/repository/memory"
	"github.com/genforge/api/internal/service"
)

const (
	testJWTSecret    = "test-secret-for-e2e"
	testWebhookToken = "hook-token"
	testOwner        = "test-user-123"
)

// fakeFal imitates the provider queue: submissions get sequential request
// ids, status is always IN_QUEUE and models under broken/ reject work.
type fakeFal struct {
	mu      sync.Mutex
	submits []string
}

func (f *fakeFal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/broken/"):
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"model unavailable"}`))
	case r.Method == http.MethodPost:
		f.mu.Lock()
		f.submits = append(f.submits, r.URL.Path)
		id := fmt.Sprintf("req-%d", len(f.submits))
		f.mu.Unlock()
		_, _ = fmt.Fprintf(w, `{"request_id":%q}`, id)
	case strings.HasSuffix(r.URL.Path, "/status"):
		_, _ = w.Write([]byte(`{"status":"IN_QUEUE"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"not found"}`))
	}
}

func (f *fakeFal) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

// testApp holds all components needed for testing
type testApp struct {
	app    *fiber.App
	fal    *fakeFal
	issuer *auth.HMACVerifier
}

// setupApp builds the same route table as main.go on an in-memory store and
// a local fake of the provider queue. Rate limiting and websockets are off.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	fal := &fakeFal{}
	srv := httptest.NewServer(fal)
	t.Cleanup(srv.Close)

	log := zerolog.Nop()
	store := memory.New()

	ledger := service.NewLedgerService(store, service.LedgerOptions{
		SeedRenewable: 100,
		DefaultPlan:   model.PlanFree,
		Multipliers:   map[model.Plan]int64{model.PlanFree: 1200, model.PlanPro: 1000},
	}, log)
	lifecycle := service.NewJobLifecycle(store, ledger, nil, nil, log)

	provider := client.NewFalClient(&config.ProviderConfig{APIKey: "test", BaseURL: srv.URL, TimeoutSeconds: 5}, log)
	reconciler := service.NewReconcileService(lifecycle, provider)
	jobs := service.NewJobService(lifecycle, provider, reconciler, validator.New(), service.JobServiceOptions{
		Pricing:   service.Pricing{ImagePerImage: 10, VideoPerSecond: 20, AudioPerSecond: 2, DocumentPerChunk: 5},
		ChunkSize: 4000,
		Models: map[model.JobKind]string{
			model.JobKindImage:    "fal-ai/flux/dev",
			model.JobKindVideo:    "fal-ai/kling-video/v1/standard/text-to-video",
			model.JobKindAudio:    "fal-ai/stable-audio",
			model.JobKindDocument: "fal-ai/kokoro/american-english",
		},
		WebhookURL: "https://api.example.com/webhooks/provider?token=" + testWebhookToken,
	})
	webhooks := service.NewWebhookService(lifecycle, nil, testWebhookToken)

	issuer := auth.NewHMACVerifier(testJWTSecret)
	verifier := auth.Chain{issuer}

	app := handler.NewApp(log)
	handler.Register(app, handler.Routes{
		Jobs:     handler.NewJobHandler(jobs),
		Accounts: handler.NewAccountHandler(ledger),
		Webhooks: handler.NewWebhookHandler(webhooks),
		Auth:     handler.NewAuthHandler(verifier),
		APIAuth:  middleware.Authenticate(verifier),
		Health: func() fiber.Map {
			return fiber.Map{"provider": true, "store": "memory"}
		},
	})

	return &testApp{app: app, fal: fal, issuer: issuer}
}

// tokenFor issues an HMAC JWT for owner.
func (ta *testApp) tokenFor(t *testing.T, owner string) string {
	t.Helper()
	token, err := ta.issuer.Issue(owner, owner+"@example.com", time.Hour)
	require.NoError(t, err)
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request as testOwner.
func (ta *testApp) doAuthRequest(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	return ta.doAs(t, testOwner, method, path, body)
}

func (ta *testApp) doAs(t *testing.T, owner, method, path, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(ta.app, method, path, body, map[string]string{
		"Authorization": "Bearer " + ta.tokenFor(t, owner),
	})
	require.NoError(t, err)
	return resp
}

// callback posts a provider webhook with the shared token.
func (ta *testApp) callback(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := doRequest(ta.app, http.MethodPost, "/webhooks/provider?token="+testWebhookToken, body, nil)
	require.NoError(t, err)
	return resp
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "failed to read response body")
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &result), "body: %s", body)
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
