package redisbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/dataspace-connector/internal/domain/event"
)

type published struct {
	channel string
	payload []byte
}

type fakeClient struct {
	sent []published
	err  error
}

func (f *fakeClient) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.sent = append(f.sent, published{channel: channel, payload: message.([]byte)})
	return redis.NewIntResult(2, nil)
}

func TestRouter_Publish(t *testing.T) {
	client := &fakeClient{}
	r := NewRouter(client, "", zerolog.Nop())

	e := event.FromTransition(event.Transition{
		EventID:    uuid.New(),
		EntityType: "negotiation",
		EntityID:   "n-1",
		From:       "VERIFIED",
		To:         "FINALIZED",
		At:         time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, r.Publish(context.Background(), e))

	require.Len(t, client.sent, 1)
	assert.Equal(t, "connector.events.negotiation.finalized", client.sent[0].channel)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(client.sent[0].payload, &decoded))
	assert.Equal(t, "negotiation.finalized", decoded["type"])
	assert.Equal(t, "n-1", decoded["subject"])
}

func TestRouter_PublishError(t *testing.T) {
	r := NewRouter(&fakeClient{err: errors.New("connection reset")}, "test", zerolog.Nop())
	err := r.Publish(context.Background(), event.Event{ID: uuid.New(), Type: "transfer.started"})
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, "test.transfer.started", r.Channel("transfer.started"))
}

func TestNewClient(t *testing.T) {
	c := NewClient("localhost:6379", "", 0)
	defer c.Close()
	var _ publisher = c
	assert.Equal(t, "localhost:6379", c.Options().Addr)
}
