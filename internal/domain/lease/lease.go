package lease

import "time"

// DefaultDuration is used when a store is not configured with a lease duration.
const DefaultDuration = 60 * time.Second

// Lease is a time-boxed ownership marker on a process entity.
type Lease struct {
	EntityID   string        `json:"entityId"`
	HolderID   string        `json:"holderId"`
	AcquiredAt time.Time     `json:"acquiredAt"`
	Duration   time.Duration `json:"duration"`
}

// New creates a lease acquired at now.
func New(entityID, holderID string, now time.Time, d time.Duration) Lease {
	if d <= 0 {
		d = DefaultDuration
	}
	return Lease{
		EntityID:   entityID,
		HolderID:   holderID,
		AcquiredAt: now,
		Duration:   d,
	}
}

// ExpiresAt returns the instant after which the lease is no longer valid.
func (l Lease) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(l.Duration)
}

// IsExpired reports whether now is past acquiredAt + duration.
func (l Lease) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt())
}

// IsValid is the negation of IsExpired.
func (l Lease) IsValid(now time.Time) bool {
	return !l.IsExpired(now)
}

// HeldBy reports whether the lease is valid and owned by holderID.
func (l Lease) HeldBy(holderID string, now time.Time) bool {
	return l.HolderID == holderID && l.IsValid(now)
}

// BlocksHolder reports whether the lease prevents holderID from touching the entity.
func (l Lease) BlocksHolder(holderID string, now time.Time) bool {
	return l.IsValid(now) && l.HolderID != holderID
}
