package event

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_router.go -package=mocks . Router

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/dataspace-connector/internal/domain/process"
)

// Transition is emitted after a committed state change.
type Transition struct {
	EventID      uuid.UUID         `json:"eventId"`
	EntityType   string            `json:"entityType"`
	EntityID     string            `json:"entityId"`
	FromState    int               `json:"fromState"`
	ToState      int               `json:"toState"`
	From         string            `json:"from"`
	To           string            `json:"to"`
	StateCount   int               `json:"stateCount"`
	ErrorDetail  string            `json:"errorDetail,omitempty"`
	TraceContext map[string]string `json:"traceContext,omitempty"`
	At           time.Time         `json:"at"`
}

// NewTransition describes p having just left state from; from 0 marks creation.
func NewTransition(entityType string, p *process.Process, from int, name func(int) string) Transition {
	t := Transition{
		EventID:      uuid.New(),
		EntityType:   entityType,
		EntityID:     p.ID,
		FromState:    from,
		ToState:      p.State,
		To:           name(p.State),
		StateCount:   p.StateCount,
		ErrorDetail:  p.ErrorDetail,
		TraceContext: p.CopyProcess().TraceContext,
		At:           p.StateTimestamp,
	}
	if from != 0 {
		t.From = name(from)
	}
	return t
}

// Event is an integration event delivered to external subscribers.
type Event struct {
	ID      uuid.UUID   `json:"id"`
	Type    string      `json:"type"`
	Subject string      `json:"subject"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// FromTransition builds the integration event for t, e.g. "negotiation.agreed".
func FromTransition(t Transition) Event {
	return Event{
		ID:      t.EventID,
		Type:    t.EntityType + "." + strings.ToLower(t.To),
		Subject: t.EntityID,
		At:      t.At,
		Payload: t,
	}
}

// Router publishes integration events.
type Router interface {
	Publish(ctx context.Context, e Event) error
}

// FanOut publishes to every router, returning the first error after trying all.
type FanOut []Router

func (f FanOut) Publish(ctx context.Context, e Event) error {
	var first error
	for _, r := range f {
		if err := r.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
