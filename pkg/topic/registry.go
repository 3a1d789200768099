package topic

import (
	"encoding/json"
	"sync"
)

// Handler receives the raw body of an event published on a topic.
type Handler func(body json.RawMessage)

// Subscriber is the transport surface the registry needs.
type Subscriber[S any] interface {
	Subscribe(topic string, h Handler) S
	Unsubscribe(sub S)
}

// Registry deduplicates subscriptions by a caller-chosen key such as
// "conversation-<id>". Subscribing under an existing key replaces the old
// handler, so each key has at most one live subscription.
type Registry[S any] struct {
	mu   sync.Mutex
	conn Subscriber[S]
	subs map[string]S
}

func NewRegistry[S any](conn Subscriber[S]) *Registry[S] {
	return &Registry[S]{conn: conn, subs: make(map[string]S)}
}

func (r *Registry[S]) Subscribe(key, topic string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.subs[key]; ok {
		r.conn.Unsubscribe(old)
	}
	r.subs[key] = r.conn.Subscribe(topic, h)
}

// Unsubscribe is a no-op for unknown keys.
func (r *Registry[S]) Unsubscribe(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[key]; ok {
		r.conn.Unsubscribe(sub)
		delete(r.subs, key)
	}
}

func (r *Registry[S]) UnsubscribeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, sub := range r.subs {
		r.conn.Unsubscribe(sub)
		delete(r.subs, key)
	}
}

func (r *Registry[S]) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[key]
	return ok
}

func (r *Registry[S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
