package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/dataspace-connector/internal/domain/event"
	eventMocks "github.com/execution-hub/dataspace-connector/internal/domain/event/mocks"
)

func transition(to string) event.Transition {
	return event.Transition{
		EventID:    uuid.New(),
		EntityType: "negotiation",
		EntityID:   "p-1",
		From:       "REQUESTED",
		To:         to,
		At:         time.Now(),
	}
}

func TestRegistryInvokesInRegistrationOrder(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		r.Register(Func(func(ctx context.Context, tr event.Transition) error {
			calls = append(calls, name)
			return nil
		}))
	}

	r.Notify(context.Background(), transition("AGREED"))

	assert.Equal(t, []string{"first", "second", "third"}, calls)
	assert.Equal(t, 3, r.Len())
}

func TestRegistryContinuesAfterFailure(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	var reached bool
	r.Register(Func(func(ctx context.Context, tr event.Transition) error {
		return errors.New("sink unavailable")
	}))
	r.Register(Func(func(ctx context.Context, tr event.Transition) error {
		panic("broken listener")
	}))
	r.Register(Func(func(ctx context.Context, tr event.Transition) error {
		reached = true
		return nil
	}))

	err := r.InvokeForEach(func(l Listener) error {
		return l.OnTransition(context.Background(), transition("AGREED"))
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink unavailable")
	assert.Contains(t, err.Error(), "listener panic")
	assert.True(t, reached)
}

func TestNilRegistryNotifyIsNoop(t *testing.T) {
	var r *Registry
	assert.NotPanics(t, func() { r.Notify(context.Background(), transition("AGREED")) })
}

func TestHooksDispatchByTargetState(t *testing.T) {
	var agreed int
	h := Hooks{
		EntityType: "negotiation",
		On: map[string]func(context.Context, event.Transition) error{
			"AGREED": func(context.Context, event.Transition) error {
				agreed++
				return nil
			},
		},
	}

	require.NoError(t, h.OnTransition(context.Background(), transition("AGREED")))
	require.NoError(t, h.OnTransition(context.Background(), transition("VERIFIED")))
	other := transition("AGREED")
	other.EntityType = "transfer"
	require.NoError(t, h.OnTransition(context.Background(), other))

	assert.Equal(t, 1, agreed)
}

func TestPublisherForwardsIntegrationEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	router := eventMocks.NewMockRouter(ctrl)
	tr := transition("FINALIZED")

	router.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e event.Event) error {
			assert.Equal(t, "negotiation.finalized", e.Type)
			assert.Equal(t, "p-1", e.Subject)
			assert.Equal(t, tr.EventID, e.ID)
			return nil
		})

	require.NoError(t, NewPublisher(router).OnTransition(context.Background(), tr))
}
