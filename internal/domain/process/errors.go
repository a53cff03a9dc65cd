package process

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("process not found")
	ErrAlreadyExists  = errors.New("process already exists")
	ErrAlreadyLeased  = errors.New("process already leased")
	ErrLeasedConflict = errors.New("process is leased by another holder")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrActive          = errors.New("process is not in a terminal state")
)

// LeaseError describes a lease contention outcome.
type LeaseError struct {
	EntityID string
	HolderID string
	Err      error
}

func (e *LeaseError) Error() string {
	return fmt.Sprintf("%s: %s (holder %s)", e.Err, e.EntityID, e.HolderID)
}

func (e *LeaseError) Unwrap() error {
	return e.Err
}

// NewLeaseError wraps ErrAlreadyLeased for id held by holder.
func NewLeaseError(id, holder string) error {
	return &LeaseError{EntityID: id, HolderID: holder, Err: ErrAlreadyLeased}
}

// NewLeasedConflict wraps ErrLeasedConflict for id held by holder.
func NewLeasedConflict(id, holder string) error {
	return &LeaseError{EntityID: id, HolderID: holder, Err: ErrLeasedConflict}
}

// IsConflict reports whether err is an expected contention outcome.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyLeased) ||
		errors.Is(err, ErrLeasedConflict) ||
		errors.Is(err, ErrAlreadyExists)
}
