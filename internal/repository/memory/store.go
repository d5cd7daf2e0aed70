// Package memory is an in-process Store used by tests and local runs
// without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/genforge/api/internal/model"
	"github.com/genforge/api/internal/repository"
)

type Store struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	accounts map[string]*model.Account
	usage    []*model.UsageRecord
	now      func() time.Time
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:     make(map[string]*model.Job),
		accounts: make(map[string]*model.Account),
		now:      time.Now,
	}
}

func (s *Store) Create(_ context.Context, jobs ...*model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range jobs {
		if _, ok := s.jobs[j.ID]; ok {
			return repository.ErrStaleWrite
		}
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j.Clone()
	}
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *Store) GetByCorrelationID(_ context.Context, correlationID string) (*model.Job, error) {
	return s.find(func(j *model.Job) bool { return j.CorrelationID == correlationID })
}

func (s *Store) GetByProviderRequestID(_ context.Context, requestID string) (*model.Job, error) {
	return s.find(func(j *model.Job) bool {
		return j.ProviderRequestID != nil && *j.ProviderRequestID == requestID
	})
}

func (s *Store) find(match func(*model.Job) bool) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if match(j) {
			return j.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListChildren(_ context.Context, parentID string) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Job
	for _, j := range s.jobs {
		if j.ParentID != nil && *j.ParentID == parentID {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool {
		ia, ib := *out[a].ChunkIndex, *out[b].ChunkIndex
		if ia != ib {
			return ia < ib
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListByOwner(_ context.Context, ownerID string, limit int) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Job
	for _, j := range s.jobs {
		if j.OwnerID == ownerID && !j.IsChunk() {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, id string, expectedVersion int64, u model.JobUpdate) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if j.Version != expectedVersion {
		return nil, repository.ErrStaleWrite
	}
	u.Apply(j, s.now())
	return j.Clone(), nil
}

func (s *Store) GetOrCreateAccount(_ context.Context, ownerID string, seed model.Account) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[ownerID]
	if !ok {
		now := s.now()
		a = &model.Account{
			OwnerID:          ownerID,
			RenewableBalance: seed.RenewableBalance,
			PermanentBalance: seed.PermanentBalance,
			Plan:             seed.Plan,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		s.accounts[ownerID] = a
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ApplyBalanceChange(_ context.Context, c repository.BalanceChange) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[c.OwnerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if a.Version != c.ExpectedVersion {
		return nil, repository.ErrStaleWrite
	}

	var settle *model.Job
	if c.SettleRefundFor != "" {
		settle, ok = s.jobs[c.SettleRefundFor]
		if !ok {
			return nil, repository.ErrNotFound
		}
		if settle.RefundState != model.RefundStatePending {
			return nil, repository.ErrRefundNotPending
		}
	}

	now := s.now()
	a.RenewableBalance += c.RenewableDelta
	a.PermanentBalance += c.PermanentDelta
	a.Version++
	a.UpdatedAt = now

	if settle != nil {
		settled := model.RefundStateSettled
		model.JobUpdate{RefundState: &settled}.Apply(settle, now)
	}
	if c.Usage != nil {
		rec := *c.Usage
		s.usage = append(s.usage, &rec)
	}

	cp := *a
	return &cp, nil
}

func (s *Store) ListUsage(_ context.Context, ownerID string, limit int) ([]*model.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.UsageRecord
	for i := len(s.usage) - 1; i >= 0; i-- {
		if s.usage[i].OwnerID != ownerID {
			continue
		}
		rec := *s.usage[i]
		out = append(out, &rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SetAccount overwrites an account; used to seed fixtures.
func (s *Store) SetAccount(a model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.OwnerID] = &a
}
