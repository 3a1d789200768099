package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mahaj/support-chat/pkg/broker"
	"github.com/mahaj/support-chat/pkg/model"
)

// PresenceTracker is told when a user's connection opens and closes.
type PresenceTracker interface {
	Connected(ctx context.Context, role model.SenderType, userID string) error
	Disconnected(ctx context.Context, role model.SenderType, userID string) error
}

// Hub routes broker messages to the websocket clients subscribed to their
// topic. It is the broker's Sink.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	topics  map[string]map[*Client]map[string]bool // topic -> client -> subscription ids
	closed  bool

	presence PresenceTracker
	logger   *slog.Logger
}

func NewHub(presence PresenceTracker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:  make(map[*Client]bool),
		topics:   make(map[string]map[*Client]map[string]bool),
		presence: presence,
		logger:   logger.With("component", "hub"),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		h.unregister(client)
	}
	return nil
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = true
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.Connected(context.Background(), c.claims.Role, c.claims.UserID); err != nil {
			h.logger.Warn("failed to set presence", "user_id", c.claims.UserID, "error", err)
		}
	}
	h.logger.Info("client registered", "user_id", c.claims.UserID, "role", c.claims.Role)
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for id, name := range c.subs {
		h.unsubscribeLocked(c, id, name)
	}
	close(c.send)
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.Disconnected(context.Background(), c.claims.Role, c.claims.UserID); err != nil {
			h.logger.Warn("failed to clear presence", "user_id", c.claims.UserID, "error", err)
		}
	}
	h.logger.Info("client unregistered", "user_id", c.claims.UserID)
}

func (h *Hub) subscribe(c *Client, id, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.clients[c] {
		return
	}
	if old, ok := c.subs[id]; ok {
		h.unsubscribeLocked(c, id, old)
	}
	c.subs[id] = name
	if h.topics[name] == nil {
		h.topics[name] = make(map[*Client]map[string]bool)
	}
	if h.topics[name][c] == nil {
		h.topics[name][c] = make(map[string]bool)
	}
	h.topics[name][c][id] = true
}

func (h *Hub) unsubscribe(c *Client, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if name, ok := c.subs[id]; ok {
		h.unsubscribeLocked(c, id, name)
	}
}

func (h *Hub) unsubscribeLocked(c *Client, id, name string) {
	delete(c.subs, id)
	subs := h.topics[name]
	if subs == nil {
		return
	}
	delete(subs[c], id)
	if len(subs[c]) == 0 {
		delete(subs, c)
	}
	if len(subs) == 0 {
		delete(h.topics, name)
	}
}

// Deliver implements broker.Sink. Sends never block: a client whose buffer
// is full is disconnected and has to reload after it reconnects.
func (h *Hub) Deliver(msg broker.Message) {
	if !json.Valid(msg.Body) {
		h.logger.Error("dropping message with malformed body", "topic", msg.Topic)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client, ids := range h.topics[msg.Topic] {
		for id := range ids {
			frame, err := json.Marshal(model.Frame{Type: model.FrameMessage, ID: id, Topic: msg.Topic, Body: msg.Body})
			if err != nil {
				h.logger.Error("failed to marshal frame", "topic", msg.Topic, "id", id, "error", err)
				continue
			}
			select {
			case client.send <- frame:
			default:
				h.logger.Warn("dropping slow client", "user_id", client.claims.UserID, "topic", msg.Topic)
				client.conn.Close()
			}
		}
	}
}

// Subscribers reports how many clients listen on name.
func (h *Hub) Subscribers(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[name])
}
