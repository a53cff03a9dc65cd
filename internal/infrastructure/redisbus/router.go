package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/execution-hub/dataspace-connector/internal/domain/event"
)

// DefaultPrefix namespaces the event channels.
const DefaultPrefix = "connector.events"

// publisher is the subset of redis.UniversalClient the router needs.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Router publishes integration events on Redis pub/sub. Each event goes to the
// channel "<prefix>.<event type>", so subscribers can pattern-match on
// "<prefix>.negotiation.*".
type Router struct {
	client publisher
	prefix string
	logger zerolog.Logger
}

// NewClient connects to addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRouter(client publisher, prefix string, logger zerolog.Logger) *Router {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Router{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("service", "redisbus").Logger(),
	}
}

// Channel returns the channel an event type is published on.
func (r *Router) Channel(eventType string) string {
	return r.prefix + "." + eventType
}

func (r *Router) Publish(ctx context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	receivers, err := r.client.Publish(ctx, r.Channel(e.Type), data).Result()
	if err != nil {
		return fmt.Errorf("publish event %s: %w", e.ID, err)
	}
	r.logger.Debug().
		Str("event_type", e.Type).
		Str("subject", e.Subject).
		Int64("receivers", receivers).
		Msg("event published")
	return nil
}
