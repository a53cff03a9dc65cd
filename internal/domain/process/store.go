package process

import (
	"context"
	"time"
)

// Store persists process entities and leases them to workers.
type Store[T Entity[T]] interface {
	Create(ctx context.Context, entity T) error
	Find(ctx context.Context, id string) (T, error)
	// Update rejects with a LeaseError when another holder has a valid lease.
	Update(ctx context.Context, entity T, holderID string) error
	// Delete rejects with ErrLeasedConflict when another holder has a valid lease.
	Delete(ctx context.Context, id, holderID string) error
	Query(ctx context.Context, q Query) ([]T, error)

	// NextForState atomically selects up to max non-pending, non-leased entities in
	// state, oldest stateTimestamp first, and leases them to holderID.
	NextForState(ctx context.Context, state, max int, holderID string) ([]T, error)

	AcquireLease(ctx context.Context, id, holderID string, d time.Duration) error
	ReleaseLease(ctx context.Context, id string) error
	IsLeased(ctx context.Context, id string) (bool, error)
}
