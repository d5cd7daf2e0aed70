package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/genforge/api/internal/model"
)

const (
	TaskTypeRefund = "ledger:refund"
	TaskTypeAbort  = "job:abort"
	QueueLedger    = "ledger"
)

// RefundTaskPayload is the body of a refund settlement task
type RefundTaskPayload struct {
	JobID string `json:"job_id"`
}

// AbortTaskPayload is the body of a task that fails a job whose
// submission broke after it was charged.
type AbortTaskPayload struct {
	JobID string            `json:"job_id"`
	Error model.ErrorDetail `json:"error"`
}

// NewAbortTask builds the asynq task that fails jobID and refunds it.
func NewAbortTask(jobID string, detail model.ErrorDetail) (*asynq.Task, error) {
	data, err := json.Marshal(AbortTaskPayload{JobID: jobID, Error: detail})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAbort, data), nil
}

// NewRefundTask builds the asynq task that settles jobID's refund.
func NewRefundTask(jobID string) (*asynq.Task, error) {
	data, err := json.Marshal(RefundTaskPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRefund, data), nil
}

// AsynqRefundScheduler queues refund settlements on Redis.
type AsynqRefundScheduler struct {
	client *asynq.Client
}

func NewAsynqRefundScheduler(c *asynq.Client) *AsynqRefundScheduler {
	return &AsynqRefundScheduler{client: c}
}

// ScheduleRefund enqueues one settlement per job; duplicates within the
// retention window are dropped by the task id.
func (s *AsynqRefundScheduler) ScheduleRefund(ctx context.Context, jobID string) error {
	task, err := NewRefundTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueLedger),
		asynq.TaskID("refund:"+jobID),
		asynq.MaxRetry(10),
		asynq.ProcessIn(5*time.Second),
		asynq.Retention(24*time.Hour),
	)
	if err != nil && err != asynq.ErrTaskIDConflict {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// ScheduleAbort enqueues the failure of a charged job whose failed status
// could not be written inline.
func (s *AsynqRefundScheduler) ScheduleAbort(ctx context.Context, jobID string, detail model.ErrorDetail) error {
	task, err := NewAbortTask(jobID, detail)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueLedger),
		asynq.TaskID("abort:"+jobID),
		asynq.MaxRetry(20),
		asynq.ProcessIn(5*time.Second),
		asynq.Retention(24*time.Hour),
	)
	if err != nil && err != asynq.ErrTaskIDConflict {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}
