package view

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/topic"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

type registration struct {
	topic string
	h     topic.Handler
}

type fakeRegistrar struct {
	mu   sync.Mutex
	subs map[string]registration
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{subs: make(map[string]registration)}
}

func (r *fakeRegistrar) Subscribe(key, name string, h topic.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[key] = registration{topic: name, h: h}
}

func (r *fakeRegistrar) Unsubscribe(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, key)
}

func (r *fakeRegistrar) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for k := range r.subs {
		out = append(out, k)
	}
	return out
}

// publish delivers v to every handler subscribed to name.
func (r *fakeRegistrar) publish(t *testing.T, name string, v any) {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	r.mu.Lock()
	var hs []topic.Handler
	for _, s := range r.subs {
		if s.topic == name {
			hs = append(hs, s.h)
		}
	}
	r.mu.Unlock()
	for _, h := range hs {
		h(body)
	}
}

var errUnavailable = errors.New("503 service unavailable")

type fakeLoader struct {
	mu    sync.Mutex
	conv  *model.Conversation
	gate  chan struct{}
	lists map[model.Status][]*model.Conversation
	calls int
	// fail makes the next fail calls return errUnavailable.
	fail int
}

func (l *fakeLoader) Conversation(ctx context.Context, id string) (*model.Conversation, error) {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.fail > 0 {
		l.fail--
		return nil, errUnavailable
	}
	c := *l.conv
	c.Messages = append([]model.Message(nil), l.conv.Messages...)
	return &c, nil
}

func (l *fakeLoader) ListByStatus(_ context.Context, status model.Status) ([]*model.Conversation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.fail > 0 {
		l.fail--
		return nil, errUnavailable
	}
	return l.lists[status], nil
}

func (l *fakeLoader) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *fakeLoader) setLists(lists map[model.Status][]*model.Conversation) {
	l.mu.Lock()
	l.lists = lists
	l.mu.Unlock()
}

// fastRetry keeps retry tests quick.
var fastRetry = Backoff{InitialDelay: 10 * time.Millisecond, Multiplier: 1, MaxDelay: 10 * time.Millisecond}

func (l *fakeLoader) set(conv *model.Conversation) {
	l.mu.Lock()
	l.conv = conv
	l.mu.Unlock()
}

type fakeMarker struct {
	mu   sync.Mutex
	read []int64
	err  error
}

func (m *fakeMarker) MarkRead(_ context.Context, _ string, messageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.read = append(m.read, messageID)
	return nil
}

func (m *fakeMarker) ids() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.read...)
}

type sent struct {
	dest string
	body json.RawMessage
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []sent
}

func (p *fakePublisher) Publish(dest string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sent = append(p.sent, sent{dest: dest, body: b})
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) all() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.sent...)
}

func (p *fakePublisher) typing(t *testing.T) []bool {
	t.Helper()
	var out []bool
	for _, s := range p.all() {
		if s.dest != topic.SetTyping {
			continue
		}
		var req model.TypingRequest
		require.NoError(t, json.Unmarshal(s.body, &req))
		out = append(out, req.IsTyping)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
