package listener

import (
	"context"

	"github.com/execution-hub/dataspace-connector/internal/domain/event"
)

// Publisher forwards transitions to an event router as integration events.
type Publisher struct {
	router event.Router
}

func NewPublisher(router event.Router) *Publisher {
	return &Publisher{router: router}
}

func (p *Publisher) OnTransition(ctx context.Context, t event.Transition) error {
	return p.router.Publish(ctx, event.FromTransition(t))
}
