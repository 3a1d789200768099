package view

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/topic"
)

const (
	tickInterval = 250 * time.Millisecond
	inboxSize    = 256
)

var ErrReadOnly = errors.New("conversation is read-only")

// Registrar is the keyed subscription surface, satisfied by topic.Registry.
type Registrar interface {
	Subscribe(key, name string, h topic.Handler)
	Unsubscribe(key string)
}

type ConversationLoader interface {
	Conversation(ctx context.Context, id string) (*model.Conversation, error)
}

type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string, messageID int64) error
}

// Publisher sends client commands over the realtime link.
type Publisher interface {
	Publish(destination string, v any) error
}

type SessionOptions struct {
	ConversationID string
	Viewer         model.SenderType

	Registrar Registrar
	Loader    ConversationLoader
	Marker    ReadMarker
	Publisher Publisher
	Logger    *slog.Logger
	// Retry spaces out snapshot loads that failed. Zero means DefaultBackoff.
	Retry Backoff

	// OnChange runs on the session goroutine after every applied event, with
	// the view locked. It must not call Session.View.
	OnChange func(*ConversationView)
}

// Session owns a ConversationView and feeds it from a single inbox, so topic
// handlers, snapshot loads and read receipts never touch the view
// concurrently.
type Session struct {
	opts   SessionOptions
	logger *slog.Logger
	inbox  chan Event
	done   chan struct{}
	once   sync.Once

	// mu guards view and gen. The loop holds it while applying.
	mu   sync.Mutex
	view *ConversationView
	gen  uint64
}

// Bind subscribes the conversation's topics, starts loading the snapshot and
// returns a session whose Run loop must be started by the caller.
func Bind(ctx context.Context, opts SessionOptions) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Retry = opts.Retry.orDefault()
	s := &Session{
		opts:   opts,
		logger: opts.Logger.With("component", "view", "conversation_id", opts.ConversationID),
		inbox:  make(chan Event, inboxSize),
		done:   make(chan struct{}),
		view:   NewConversationView(opts.ConversationID, opts.Viewer),
	}

	id := opts.ConversationID
	opts.Registrar.Subscribe(s.key("conversation"), topic.Messages(id), decode(s, func(m model.Message) Event {
		return MessageReceived{Message: m}
	}))
	opts.Registrar.Subscribe(s.key("status"), topic.Status(id), decode(s, func(ev model.NotificationEvent) Event {
		return StatusChanged{Event: ev}
	}))
	opts.Registrar.Subscribe(s.key("typing"), topic.Typing(id), decode(s, func(sig model.TypingSignal) Event {
		return TypingReceived{Signal: sig}
	}))

	s.load(ctx, 0)
	return s
}

func decode[T any](s *Session, wrap func(T) Event) topic.Handler {
	return func(body json.RawMessage) {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			s.logger.Warn("dropping undecodable event", "error", err)
			return
		}
		s.Post(wrap(v))
	}
}

func (s *Session) key(kind string) string {
	return kind + "-" + s.opts.ConversationID
}

// Post enqueues ev for the loop. It reports false once the session is closed.
func (s *Session) Post(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- ev:
		return true
	case <-s.done:
		return false
	}
}

// load fetches the snapshot for gen, retrying with backoff until it lands,
// the session closes or a newer reload supersedes it.
func (s *Session) load(ctx context.Context, gen uint64) {
	go func() {
		var conv *model.Conversation
		err := s.opts.Retry.Retry(ctx, s.done, func() error {
			if s.superseded(gen) {
				return nil
			}
			var err error
			if conv, err = s.opts.Loader.Conversation(ctx, s.opts.ConversationID); err != nil {
				s.logger.Warn("snapshot load failed", "gen", gen, "error", err)
			}
			return err
		})
		if err != nil || conv == nil {
			return
		}
		// A closed session drops the late response.
		s.Post(SnapshotLoaded{Gen: gen, Conversation: conv})
	}()
}

func (s *Session) superseded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

// Reload re-hydrates from a fresh snapshot, buffering live events until it
// lands. Call it after the transport reconnects.
func (s *Session) Reload(ctx context.Context) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if s.Post(Reset{Gen: gen}) {
		s.load(ctx, gen)
	}
}

// Focus records whether the chat surface is in the foreground.
func (s *Session) Focus(focused bool) {
	s.Post(FocusChanged{Focused: focused})
}

// Run applies inbox events until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.done:
			return nil
		case now := <-ticker.C:
			s.apply(ctx, Tick{Now: now})
		case ev := <-s.inbox:
			s.apply(ctx, ev)
		}
	}
}

func (s *Session) apply(ctx context.Context, ev Event) {
	s.mu.Lock()
	effects := s.view.Apply(ev)
	if s.opts.OnChange != nil {
		s.opts.OnChange(s.view)
	}
	s.mu.Unlock()

	for _, eff := range effects {
		switch e := eff.(type) {
		case MarkRead:
			if s.opts.Marker != nil {
				go s.markRead(ctx, e)
			}
		case Resync:
			s.logger.Warn("event buffer overflowed, reloading snapshot")
			go s.Reload(ctx)
		}
	}
}

func (s *Session) markRead(ctx context.Context, mr MarkRead) {
	if err := s.opts.Marker.MarkRead(ctx, mr.ConversationID, mr.MessageID); err != nil {
		s.logger.Warn("mark read failed", "message_id", mr.MessageID, "error", err)
		s.mu.Lock()
		s.view.ReadFailed(mr.MessageID)
		s.mu.Unlock()
	}
	// On success the read receipt comes back on the message topic.
}

// View runs fn with exclusive access to the projection.
func (s *Session) View(fn func(*ConversationView)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.view)
}

// Send publishes a message with a fresh client id. The id lets the server drop
// the copy a reconnect resends.
func (s *Session) Send(content string) error {
	var readOnly bool
	s.View(func(v *ConversationView) { readOnly = v.ReadOnly() })
	if readOnly {
		return ErrReadOnly
	}
	return s.opts.Publisher.Publish(topic.SendMessage, model.SendMessageRequest{
		ConversationID: s.opts.ConversationID,
		Content:        content,
		ClientID:       uuid.NewString(),
	})
}

// Typing returns a notifier that publishes typing pulses for this conversation.
func (s *Session) Typing() *TypingNotifier {
	return NewTypingNotifier(s.opts.Publisher, s.opts.ConversationID)
}

// Close unsubscribes the conversation's topics. It is safe to call twice.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.opts.Registrar.Unsubscribe(s.key("conversation"))
		s.opts.Registrar.Unsubscribe(s.key("status"))
		s.opts.Registrar.Unsubscribe(s.key("typing"))
	})
}
