package process

import (
	"sort"
	"time"
)

// Process is the persistent state shared by every long-running, cross-party workflow.
type Process struct {
	ID             string            `json:"id"`
	State          int               `json:"state"`
	StateCount     int               `json:"stateCount"`
	StateTimestamp time.Time         `json:"stateTimestamp"`
	Pending        bool              `json:"pending"`
	NotifyPeer     bool              `json:"notifyPeer"`
	ErrorDetail    string            `json:"errorDetail,omitempty"`
	TraceContext   map[string]string `json:"traceContext,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Entity is implemented by the concrete process types (negotiation, transfer).
// T is the implementing pointer type so stores can hand out typed copies.
type Entity[T any] interface {
	Base() *Process
	Copy() T
}

// New returns a process entering state at now.
func New(id string, state int, now time.Time) Process {
	return Process{
		ID:             id,
		State:          state,
		StateCount:     1,
		StateTimestamp: now,
		CreatedAt:      now,
		UpdatedAt:      now,
		TraceContext:   map[string]string{},
	}
}

// TransitionTo enters state. Re-entering the current state counts as a retry.
func (p *Process) TransitionTo(state int, now time.Time) {
	if p.State == state {
		p.StateCount++
	} else {
		p.State = state
		p.StateCount = 1
	}
	p.StateTimestamp = now
	p.UpdatedAt = now
}

// Touch records a mutation that does not change state.
func (p *Process) Touch(now time.Time) {
	p.UpdatedAt = now
}

// SetError records a failure reason.
func (p *Process) SetError(reason string) {
	p.ErrorDetail = reason
}

// ClearError drops the last failure reason.
func (p *Process) ClearError() {
	p.ErrorDetail = ""
}

// CopyProcess returns a deep copy of the base.
func (p Process) CopyProcess() Process {
	out := p
	if p.TraceContext != nil {
		out.TraceContext = make(map[string]string, len(p.TraceContext))
		for k, v := range p.TraceContext {
			out.TraceContext[k] = v
		}
	}
	return out
}

// SortField selects the ordering of a Query.
type SortField string

const (
	SortCreatedAt      SortField = "createdAt"
	SortStateTimestamp SortField = "stateTimestamp"
)

// Query is a read-only listing criteria.
type Query struct {
	States     []int
	Pending    *bool
	Sort       SortField
	Descending bool
	Limit      int
	Offset     int
}

// Matches reports whether p satisfies the filter part of the query.
func (q Query) Matches(p *Process) bool {
	if len(q.States) > 0 {
		found := false
		for _, s := range q.States {
			if s == p.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Pending != nil && *q.Pending != p.Pending {
		return false
	}
	return true
}

// Apply filters, orders and paginates entities in memory.
func Apply[T Entity[T]](q Query, entities []T) []T {
	out := make([]T, 0, len(entities))
	for _, e := range entities {
		if q.Matches(e.Base()) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Base(), out[j].Base()
		var less bool
		if q.Sort == SortStateTimestamp {
			less = a.StateTimestamp.Before(b.StateTimestamp)
		} else {
			less = a.CreatedAt.Before(b.CreatedAt)
		}
		if q.Descending {
			return !less && !sameInstant(q.Sort, a, b)
		}
		return less
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []T{}
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out
}

func sameInstant(f SortField, a, b *Process) bool {
	if f == SortStateTimestamp {
		return a.StateTimestamp.Equal(b.StateTimestamp)
	}
	return a.CreatedAt.Equal(b.CreatedAt)
}
