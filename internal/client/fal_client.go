package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/config"
	"github.com/genforge/api/internal/metrics"
	"github.com/genforge/api/internal/model"
)

// Provider is the inference provider's asynchronous queue API.
type Provider interface {
	Submit(ctx context.Context, modelID string, input any, webhookURL string) (*SubmitResult, error)
	Status(ctx context.Context, modelID, requestID string) (*StatusResult, error)
	Result(ctx context.Context, modelID, requestID string) (json.RawMessage, error)
}

// SubmitResult identifies a queued provider request
type SubmitResult struct {
	RequestID        string `json:"request_id"`
	GatewayRequestID string `json:"gateway_request_id,omitempty"`
}

// StatusResult is the provider-agnostic status of a queued request
type StatusResult struct {
	State    model.ProviderState
	Progress *int
	Error    string
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fal API error (status %d): %s", e.StatusCode, e.Body)
}

// FalClient implements Provider for the fal.ai queue
type FalClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        zerolog.Logger
}

// NewFalClient creates a new fal queue client
func NewFalClient(cfg *config.ProviderConfig, log zerolog.Logger) *FalClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &FalClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		log:        log.With().Str("component", "fal").Logger(),
	}
}

// Submit enqueues input on modelID. webhookURL, when set, is called back by
// the provider once the request finishes.
func (c *FalClient) Submit(ctx context.Context, modelID string, input any, webhookURL string) (*SubmitResult, error) {
	endpoint := "/" + modelID
	if webhookURL != "" {
		endpoint += "?fal_webhook=" + url.QueryEscape(webhookURL)
	}

	var result SubmitResult
	if err := c.post(ctx, endpoint, input, &result); err != nil {
		metrics.ProviderRequests.WithLabelValues("submit", "error").Inc()
		return nil, err
	}
	if result.RequestID == "" {
		metrics.ProviderRequests.WithLabelValues("submit", "error").Inc()
		return nil, errors.New("fal API returned no request_id")
	}
	metrics.ProviderRequests.WithLabelValues("submit", "ok").Inc()
	return &result, nil
}

type falStatus struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Progress *int   `json:"progress,omitempty"`
}

// Status fetches the queue status of a request
func (c *FalClient) Status(ctx context.Context, modelID, requestID string) (*StatusResult, error) {
	endpoint := fmt.Sprintf("/%s/requests/%s/status", appID(modelID), url.PathEscape(requestID))
	var st falStatus
	if err := c.get(ctx, endpoint, &st); err != nil {
		metrics.ProviderRequests.WithLabelValues("status", "error").Inc()
		return nil, err
	}
	metrics.ProviderRequests.WithLabelValues("status", "ok").Inc()

	res := &StatusResult{Progress: st.Progress, Error: st.Error}
	switch strings.ToUpper(st.Status) {
	case "IN_QUEUE":
		res.State = model.ProviderStateQueued
	case "IN_PROGRESS":
		res.State = model.ProviderStateRunning
	case "COMPLETED":
		res.State = model.ProviderStateCompleted
		if st.Error != "" {
			res.State = model.ProviderStateFailed
		}
	case "FAILED", "ERROR":
		res.State = model.ProviderStateFailed
	default:
		return nil, fmt.Errorf("unknown fal status %q", st.Status)
	}
	return res, nil
}

// Result fetches the raw response payload of a completed request
func (c *FalClient) Result(ctx context.Context, modelID, requestID string) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("/%s/requests/%s", appID(modelID), url.PathEscape(requestID))
	var raw json.RawMessage
	if err := c.get(ctx, endpoint, &raw); err != nil {
		metrics.ProviderRequests.WithLabelValues("result", "error").Inc()
		return nil, err
	}
	metrics.ProviderRequests.WithLabelValues("result", "ok").Inc()
	return raw, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *FalClient) IsConfigured() bool {
	return c.apiKey != ""
}

// appID trims a model path to owner/app; the queue serves status and
// results per app, not per sub-path.
func appID(modelID string) string {
	parts := strings.SplitN(strings.Trim(modelID, "/"), "/", 3)
	if len(parts) < 2 {
		return modelID
	}
	return parts[0] + "/" + parts[1]
}

// post sends a POST request with JSON body
func (c *FalClient) post(ctx context.Context, endpoint string, body any, result any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *FalClient) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

func (c *FalClient) doRequest(req *http.Request, result any) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", req.Method).Str("path", req.URL.Path).Msg("provider request failed")
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("provider response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		c.log.Warn().Err(err).Str("path", req.URL.Path).Msg("unmarshal provider response")
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
