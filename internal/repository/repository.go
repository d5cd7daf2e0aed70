package repository

import (
	"context"
	"errors"

	"github.com/genforge/api/internal/model"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleWrite is returned when the row changed since it was read.
	ErrStaleWrite = errors.New("stale write")
	// ErrRefundNotPending is returned when a refund settlement finds the job
	// marker already settled or never set.
	ErrRefundNotPending = errors.New("refund not pending")
)

// JobRepository persists jobs. Every update is a compare-and-set on the
// row version.
type JobRepository interface {
	// Create inserts all jobs atomically.
	Create(ctx context.Context, jobs ...*model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*model.Job, error)
	GetByProviderRequestID(ctx context.Context, requestID string) (*model.Job, error)
	// ListChildren returns chunk rows ordered by chunk index then creation time.
	ListChildren(ctx context.Context, parentID string) ([]*model.Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.Job, error)
	// Update applies u when the stored version equals expectedVersion and
	// returns the new row. A mismatch yields ErrStaleWrite.
	Update(ctx context.Context, id string, expectedVersion int64, u model.JobUpdate) (*model.Job, error)
}

// BalanceChange is one atomic ledger write: balance deltas guarded by the
// account version, the usage record describing them, and optionally the
// settlement of a job's refund marker.
type BalanceChange struct {
	OwnerID         string
	ExpectedVersion int64
	RenewableDelta  int64
	PermanentDelta  int64
	Usage           *model.UsageRecord
	SettleRefundFor string
}

// LedgerRepository persists accounts and usage records.
type LedgerRepository interface {
	// GetOrCreateAccount returns the account, inserting seed when absent.
	GetOrCreateAccount(ctx context.Context, ownerID string, seed model.Account) (*model.Account, error)
	ApplyBalanceChange(ctx context.Context, c BalanceChange) (*model.Account, error)
	ListUsage(ctx context.Context, ownerID string, limit int) ([]*model.UsageRecord, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	JobRepository
	LedgerRepository
}
