package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/client"
	"github.com/genforge/api/internal/metrics"
	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/repository"
)

const archiveTimeout = 5 * time.Second

// WebhookService ingests provider completion callbacks.
type WebhookService struct {
	lc      *JobLifecycle
	archive client.PayloadArchive
	token   string
	log     zerolog.Logger
}

// NewWebhookService creates the receiver. archive may be nil. An empty
// token accepts unauthenticated callbacks.
func NewWebhookService(lc *JobLifecycle, archive client.PayloadArchive, token string) *WebhookService {
	return &WebhookService{
		lc:      lc,
		archive: archive,
		token:   token,
		log:     lc.log.With().Str("component", "webhook").Logger(),
	}
}

// Authorize checks the shared callback secret in constant time.
func (s *WebhookService) Authorize(presented string) error {
	if s.token == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
		metrics.WebhooksReceived.WithLabelValues("unauthorized").Inc()
		return ErrUnauthorizedCallback
	}
	return nil
}

// HandleCallback applies one provider callback. Repeated callbacks for a
// finished job change nothing.
func (s *WebhookService) HandleCallback(ctx context.Context, body []byte) (*model.Job, error) {
	var p model.WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		metrics.WebhooksReceived.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if p.RequestID == "" {
		metrics.WebhooksReceived.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: missing request_id", ErrMalformedCallback)
	}
	if p.Status != model.WebhookStatusOK && p.Status != model.WebhookStatusError {
		metrics.WebhooksReceived.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformedCallback, p.Status)
	}

	s.archivePayload(ctx, p.RequestID, body)

	job, err := s.lc.store.GetByProviderRequestID(ctx, p.RequestID)
	if errors.Is(err, repository.ErrNotFound) {
		metrics.WebhooksReceived.WithLabelValues("unknown").Inc()
		s.log.Warn().Str("request_id", p.RequestID).Msg("callback for unknown request")
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup job: %w", err)
	}

	if job.Status.IsTerminal() && !job.NeedsResultBackfill() {
		metrics.WebhooksReceived.WithLabelValues("duplicate").Inc()
		if job.RefundState == model.RefundStatePending {
			job = s.lc.settleRefund(ctx, job)
		}
		return job, nil
	}

	updated, err := s.lc.applyOutcome(ctx, job, outcome{
		ok:               p.Status == model.WebhookStatusOK,
		payload:          p.Payload,
		errMsg:           p.Error,
		payloadErr:       p.PayloadError,
		gatewayRequestID: p.GatewayRequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("apply callback: %w", err)
	}
	metrics.WebhooksReceived.WithLabelValues("applied").Inc()
	s.log.Info().Str("job_id", updated.CorrelationID).Str("request_id", p.RequestID).
		Str("status", string(updated.Status)).Msg("callback applied")
	return updated, nil
}

// archivePayload stores the raw body; failures are only logged.
func (s *WebhookService) archivePayload(ctx context.Context, requestID string, body []byte) {
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if _, err := s.archive.Archive(ctx, requestID, body); err != nil {
		s.log.Warn().Err(err).Str("request_id", requestID).Msg("archive callback payload")
	}
}
