package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/execution-hub/dataspace-connector/internal/domain/lease"
	"github.com/execution-hub/dataspace-connector/internal/domain/process"
)

// Store is an in-memory process.Store. Entities and leases live in two maps
// guarded by one RWMutex; selection and leasing happen under the write lock.
type Store[T process.Entity[T]] struct {
	mu            sync.RWMutex
	entities      map[string]T
	leases        map[string]lease.Lease
	leaseDuration time.Duration
	now           func() time.Time
}

// Option configures a Store.
type Option func(*options)

type options struct {
	leaseDuration time.Duration
	clock         func() time.Time
}

// WithLeaseDuration sets the lease duration used by NextForState.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) { o.leaseDuration = d }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

func NewStore[T process.Entity[T]](opts ...Option) *Store[T] {
	o := options{leaseDuration: lease.DefaultDuration, clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		entities:      make(map[string]T),
		leases:        make(map[string]lease.Lease),
		leaseDuration: o.leaseDuration,
		now:           o.clock,
	}
}

func (s *Store[T]) Create(ctx context.Context, entity T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := entity.Base().ID
	if _, ok := s.entities[id]; ok {
		return process.ErrAlreadyExists
	}
	s.entities[id] = entity.Copy()
	return nil
}

func (s *Store[T]) Find(ctx context.Context, id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		var zero T
		return zero, process.ErrNotFound
	}
	return e.Copy(), nil
}

func (s *Store[T]) Update(ctx context.Context, entity T, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := entity.Base().ID
	if _, ok := s.entities[id]; !ok {
		return process.ErrNotFound
	}
	if l, ok := s.leases[id]; ok && l.BlocksHolder(holderID, s.now()) {
		return process.NewLeaseError(id, l.HolderID)
	}
	s.entities[id] = entity.Copy()
	return nil
}

func (s *Store[T]) Delete(ctx context.Context, id, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return process.ErrNotFound
	}
	if l, ok := s.leases[id]; ok && l.BlocksHolder(holderID, s.now()) {
		return process.NewLeasedConflict(id, l.HolderID)
	}
	delete(s.entities, id)
	delete(s.leases, id)
	return nil
}

func (s *Store[T]) Query(ctx context.Context, q process.Query) ([]T, error) {
	s.mu.RLock()
	all := make([]T, 0, len(s.entities))
	for _, e := range s.entities {
		all = append(all, e.Copy())
	}
	s.mu.RUnlock()
	return process.Apply(q, all), nil
}

func (s *Store[T]) NextForState(ctx context.Context, state, max int, holderID string) ([]T, error) {
	if max <= 0 {
		return []T{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	candidates := make([]T, 0)
	for id, e := range s.entities {
		p := e.Base()
		if p.State != state || p.Pending {
			continue
		}
		if l, ok := s.leases[id]; ok && l.IsValid(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].Base(), candidates[j].Base()
		if a.StateTimestamp.Equal(b.StateTimestamp) {
			return a.ID < b.ID
		}
		return a.StateTimestamp.Before(b.StateTimestamp)
	})
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]T, 0, len(candidates))
	for _, e := range candidates {
		id := e.Base().ID
		s.leases[id] = lease.New(id, holderID, now, s.leaseDuration)
		out = append(out, e.Copy())
	}
	return out, nil
}

func (s *Store[T]) AcquireLease(ctx context.Context, id, holderID string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return process.ErrNotFound
	}
	now := s.now()
	if l, ok := s.leases[id]; ok && l.BlocksHolder(holderID, now) {
		return process.NewLeaseError(id, l.HolderID)
	}
	s.leases[id] = lease.New(id, holderID, now, d)
	return nil
}

func (s *Store[T]) ReleaseLease(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, id)
	return nil
}

func (s *Store[T]) IsLeased(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[id]
	return ok && l.IsValid(s.now()), nil
}

// Lease returns the lease record for id, if any. Used by tests and diagnostics.
func (s *Store[T]) Lease(id string) (lease.Lease, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[id]
	return l, ok
}
