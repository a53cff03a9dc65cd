package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/execution-hub/dataspace-connector/internal/domain/event"
)

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

const clientBuffer = 100

// Message is one server-sent event.
type Message struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is an open event stream. Topics restricts delivery to event types
// with one of the given prefixes, e.g. "negotiation"; empty receives everything.
type Client struct {
	ID       string
	Topics   []string
	Messages chan *Message
	once     sync.Once
}

func NewClient(id string, topics []string) *Client {
	if id == "" {
		id = uuid.NewString()
	}
	return &Client{
		ID:       id,
		Topics:   topics,
		Messages: make(chan *Message, clientBuffer),
	}
}

// Close ends the stream; safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() { close(c.Messages) })
}

func (c *Client) wants(eventType string) bool {
	if len(c.Topics) == 0 {
		return true
	}
	for _, t := range c.Topics {
		if eventType == t || strings.HasPrefix(eventType, t+".") {
			return true
		}
	}
	return false
}

// Hub fans integration events out to SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("service", "sse").Logger(),
	}
}

// Register adds c, replacing and closing a client with the same id.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[c.ID]; ok && old != c {
		old.Close()
	}
	h.clients[c.ID] = c
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) Client(clientID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements event.Router. Slow clients miss events rather than block.
func (h *Hub) Publish(_ context.Context, e event.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	msg := &Message{ID: e.ID.String(), Event: e.Type, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(e.Type) {
			continue
		}
		if !trySend(c, msg) {
			h.logger.Warn().Str("client_id", c.ID).Str("event_type", e.Type).Msg("client too slow, event dropped")
		}
	}
	return nil
}

func (h *Hub) SendToClient(clientID string, msg *Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.clients[clientID]
	if c == nil {
		return ErrClientNotFound
	}
	if !trySend(c, msg) {
		return ErrChannelFull
	}
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.Messages <- msg:
		return true
	default:
		return false
	}
}
