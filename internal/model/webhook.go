package model

import "encoding/json"

// Provider webhook statuses
const (
	WebhookStatusOK    = "OK"
	WebhookStatusError = "ERROR"
)

// WebhookPayload is the body the provider POSTs when a request finishes
type WebhookPayload struct {
	RequestID        string          `json:"request_id"`
	GatewayRequestID string          `json:"gateway_request_id,omitempty"`
	Status           string          `json:"status"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Error            string          `json:"error,omitempty"`
	PayloadError     string          `json:"payload_error,omitempty"`
}

// ProviderState is the provider-agnostic status of a remote request
type ProviderState string

const (
	ProviderStateQueued    ProviderState = "queued"
	ProviderStateRunning   ProviderState = "running"
	ProviderStateCompleted ProviderState = "completed"
	ProviderStateFailed    ProviderState = "failed"
)
