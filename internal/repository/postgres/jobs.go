package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/repository"
)

const jobColumns = `id, correlation_id, owner_id, kind, model, status, provider_request_id, gateway_request_id,
       cost, renewable_charged, permanent_charged, progress, result_locations, error_detail, params,
       parent_id, chunk_index, chunk_total, retry_of, refund_state, version, created_at, updated_at, completed_at`

// Create inserts every job in one transaction.
func (s *Store) Create(ctx context.Context, jobs ...*model.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
INSERT INTO jobs (id, correlation_id, owner_id, kind, model, status, provider_request_id, gateway_request_id,
                  cost, renewable_charged, permanent_charged, progress, result_locations, error_detail, params,
                  parent_id, chunk_index, chunk_total, retry_of, refund_state, version, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24);
`
	for _, j := range jobs {
		errJSON, err := marshalError(j.Error)
		if err != nil {
			return err
		}
		locations := j.ResultLocations
		if locations == nil {
			locations = []string{}
		}
		if _, err := tx.Exec(ctx, query,
			j.ID,
			j.CorrelationID,
			j.OwnerID,
			j.Kind,
			j.Model,
			j.Status,
			j.ProviderRequestID,
			j.GatewayRequestID,
			j.Cost,
			j.RenewableCharged,
			j.PermanentCharged,
			j.Progress,
			locations,
			errJSON,
			nullableBytes(j.Params),
			j.ParentID,
			j.ChunkIndex,
			j.ChunkTotal,
			j.RetryOf,
			j.RefundState,
			j.Version,
			j.CreatedAt,
			j.UpdatedAt,
			j.CompletedAt,
		); err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

func (s *Store) GetByCorrelationID(ctx context.Context, correlationID string) (*model.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE correlation_id = $1`, correlationID)
}

func (s *Store) GetByProviderRequestID(ctx context.Context, requestID string) (*model.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE provider_request_id = $1`, requestID)
}

func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*model.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE parent_id = $1 ORDER BY chunk_index, created_at`, parentID)
}

func (s *Store) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*model.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 AND parent_id IS NULL
ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
}

// Update is a version compare-and-set; nil fields keep their stored value.
func (s *Store) Update(ctx context.Context, id string, expectedVersion int64, u model.JobUpdate) (*model.Job, error) {
	errJSON, err := marshalError(u.Error)
	if err != nil {
		return nil, err
	}
	var status *string
	if u.Status != "" {
		v := string(u.Status)
		status = &v
	}
	var refund *string
	if u.RefundState != nil {
		v := string(*u.RefundState)
		refund = &v
	}

	query := `
UPDATE jobs
SET status = COALESCE($3, status),
    provider_request_id = COALESCE($4, provider_request_id),
    gateway_request_id = COALESCE($5, gateway_request_id),
    progress = COALESCE($6, progress),
    result_locations = COALESCE($7, result_locations),
    error_detail = COALESCE($8, error_detail),
    refund_state = COALESCE($9, refund_state),
    completed_at = COALESCE($10, completed_at),
    version = version + 1,
    updated_at = NOW()
WHERE id = $1 AND version = $2
RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query,
		id, expectedVersion, status, u.ProviderRequestID, u.GatewayRequestID, u.Progress,
		u.ResultLocations, errJSON, refund, u.CompletedAt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, repository.ErrNotFound
		}
		return nil, repository.ErrStaleWrite
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) getOne(ctx context.Context, query string, args ...any) (*model.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job     model.Job
		errJSON []byte
		params  []byte
		kind    string
		status  string
		refund  string
	)
	if err := row.Scan(
		&job.ID,
		&job.CorrelationID,
		&job.OwnerID,
		&kind,
		&job.Model,
		&status,
		&job.ProviderRequestID,
		&job.GatewayRequestID,
		&job.Cost,
		&job.RenewableCharged,
		&job.PermanentCharged,
		&job.Progress,
		&job.ResultLocations,
		&errJSON,
		&params,
		&job.ParentID,
		&job.ChunkIndex,
		&job.ChunkTotal,
		&job.RetryOf,
		&refund,
		&job.Version,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	job.Kind = model.JobKind(kind)
	job.Status = model.JobStatus(status)
	job.RefundState = model.RefundState(refund)
	if len(params) > 0 {
		job.Params = params
	}
	if len(errJSON) > 0 {
		var detail model.ErrorDetail
		if err := json.Unmarshal(errJSON, &detail); err != nil {
			return nil, fmt.Errorf("decode error_detail: %w", err)
		}
		job.Error = &detail
	}
	return &job, nil
}

func marshalError(d *model.ErrorDetail) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode error_detail: %w", err)
	}
	return b, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
