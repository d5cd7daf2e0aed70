// Package events publishes job lifecycle changes to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/genforge/api/internal/config"
	"github.com/genforge/api/internal/model"
)

const publishTimeout = 3 * time.Second

// channel is the slice of *amqp.Channel the publisher needs.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// JobEvent is the message body published for every job write
type JobEvent struct {
	JobID           string             `json:"job_id"`
	OwnerID         string             `json:"owner_id"`
	Kind            model.JobKind      `json:"kind"`
	Status          model.JobStatus    `json:"status"`
	Progress        int                `json:"progress"`
	ResultLocations []string           `json:"result_locations,omitempty"`
	Error           *model.ErrorDetail `json:"error,omitempty"`
	OccurredAt      time.Time          `json:"occurred_at"`
}

// Publisher sends JobEvents to a topic exchange keyed by job.<status>.
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	log      zerolog.Logger
}

// Dial connects to RabbitMQ and declares the events exchange.
func Dial(cfg *config.RabbitMQConfig, log zerolog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	p := newPublisher(ch, cfg.Exchange, log)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string, log zerolog.Logger) *Publisher {
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		log:      log.With().Str("component", "events").Logger(),
	}
}

// RoutingKey is the topic a job's event is published under.
func RoutingKey(job *model.Job) string {
	return "job." + string(job.Status)
}

func newJobEvent(job *model.Job) JobEvent {
	return JobEvent{
		JobID:           job.CorrelationID,
		OwnerID:         job.OwnerID,
		Kind:            job.Kind,
		Status:          job.Status,
		Progress:        job.Progress,
		ResultLocations: job.ResultLocations,
		Error:           job.Error,
		OccurredAt:      job.UpdatedAt,
	}
}

// Publish sends one event. Delivery is best effort.
func (p *Publisher) Publish(ctx context.Context, job *model.Job) error {
	body, err := json.Marshal(newJobEvent(job))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	return p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(job), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s:%d", job.CorrelationID, job.Version),
		Timestamp:    job.UpdatedAt,
		Body:         body,
	})
}

// JobUpdated implements the lifecycle notifier; failures are logged only.
func (p *Publisher) JobUpdated(ctx context.Context, job *model.Job) {
	if err := p.Publish(ctx, job); err != nil {
		p.log.Warn().Err(err).Str("job_id", job.CorrelationID).Msg("publish job event")
	}
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
