package sse

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/dataspace-connector/internal/domain/event"
)

func TestHub_PublishFiltersByTopic(t *testing.T) {
	h := NewHub(zerolog.Nop())
	all := NewClient("all", nil)
	negotiations := NewClient("neg", []string{"negotiation"})
	h.Register(all)
	h.Register(negotiations)
	assert.Equal(t, 2, h.ClientCount())

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, event.Event{ID: uuid.New(), Type: "negotiation.agreed", Subject: "n-1"}))
	require.NoError(t, h.Publish(ctx, event.Event{ID: uuid.New(), Type: "transfer.started", Subject: "t-1"}))

	assert.Len(t, all.Messages, 2)
	require.Len(t, negotiations.Messages, 1)

	msg := <-negotiations.Messages
	assert.Equal(t, "negotiation.agreed", msg.Event)
	var e event.Event
	require.NoError(t, json.Unmarshal(msg.Data, &e))
	assert.Equal(t, "n-1", e.Subject)
}

func TestHub_SlowClientDoesNotBlock(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c := NewClient("slow", nil)
	h.Register(c)

	for i := 0; i < clientBuffer+5; i++ {
		require.NoError(t, h.Publish(context.Background(), event.Event{ID: uuid.New(), Type: "transfer.started"}))
	}
	assert.Len(t, c.Messages, clientBuffer)
	assert.ErrorIs(t, h.SendToClient("slow", &Message{}), ErrChannelFull)
	assert.ErrorIs(t, h.SendToClient("missing", &Message{}), ErrClientNotFound)
}

func TestHub_Lifecycle(t *testing.T) {
	h := NewHub(zerolog.Nop())
	first := NewClient("c-1", nil)
	h.Register(first)

	second := NewClient("c-1", nil)
	h.Register(second)
	_, open := <-first.Messages
	assert.False(t, open)
	assert.Same(t, second, h.Client("c-1"))

	h.Unregister("c-1")
	assert.Nil(t, h.Client("c-1"))
	second.Close()

	third := NewClient("", nil)
	assert.NotEmpty(t, third.ID)
	h.Register(third)
	h.Stop()
	assert.Zero(t, h.ClientCount())
	_, open = <-third.Messages
	assert.False(t, open)
}
