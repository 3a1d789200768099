// Package view holds the client-side projections: one ConversationView per
// open chat surface and the agent console's Queue. Both are plain reducers
// fed typed events, so they can be tested without a transport.
package view

import (
	"time"

	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/notify"
)

const (
	// TypingTimeout clears a typing indicator that stopped receiving pulses.
	TypingTimeout = 3 * time.Second
	// BannerDuration is how long role banners such as "agent joined" stay up.
	BannerDuration = 3 * time.Second
	// MaxPending bounds the events buffered while a snapshot loads. Past it
	// the buffer is dropped and the view asks for a fresh snapshot.
	MaxPending = 512
)

// Event is an input to ConversationView.Apply.
type Event interface{ isEvent() }

// SnapshotLoaded carries a REST snapshot. Gen must match the view's current
// reload generation or the snapshot is stale and ignored.
type SnapshotLoaded struct {
	Gen          uint64
	Conversation *model.Conversation
}

type MessageReceived struct{ Message model.Message }

type StatusChanged struct{ Event model.NotificationEvent }

type TypingReceived struct{ Signal model.TypingSignal }

type FocusChanged struct{ Focused bool }

// Tick expires typing indicators and banners.
type Tick struct{ Now time.Time }

// Reset puts the view back into buffering mode until the snapshot for Gen
// lands. It is posted when the transport reconnects.
type Reset struct{ Gen uint64 }

func (SnapshotLoaded) isEvent()  {}
func (MessageReceived) isEvent() {}
func (StatusChanged) isEvent()   {}
func (TypingReceived) isEvent()  {}
func (FocusChanged) isEvent()    {}
func (Tick) isEvent()            {}
func (Reset) isEvent()           {}

// Effect is a side effect the reducer asks its owner to perform.
type Effect interface{ isEffect() }

// MarkRead asks for a message to be marked read on the server.
type MarkRead struct {
	ConversationID string
	MessageID      int64
}

func (MarkRead) isEffect() {}

// Resync asks the owner to reload the snapshot because buffered events were
// dropped.
type Resync struct{}

func (Resync) isEffect() {}

type typing struct {
	name  string
	until time.Time
}

// ConversationView projects one conversation for a viewer of a given role.
// It is not safe for concurrent use; Session serializes access.
type ConversationView struct {
	id     string
	viewer model.SenderType
	now    func() time.Time

	gen       uint64
	loaded    bool
	pending   []Event
	resyncing bool

	conv      model.Conversation
	messages  map[int64]model.Message
	requested map[int64]bool

	focused     bool
	unread      int
	typing      *typing
	banner      string
	bannerUntil time.Time
}

func NewConversationView(id string, viewer model.SenderType) *ConversationView {
	return &ConversationView{
		id:        id,
		viewer:    viewer,
		now:       time.Now,
		messages:  make(map[int64]model.Message),
		requested: make(map[int64]bool),
	}
}

// Apply reduces ev into the view. Events that arrive before the snapshot are
// buffered and replayed once it lands. Duplicate and stale events are no-ops.
func (v *ConversationView) Apply(ev Event) []Effect {
	switch e := ev.(type) {
	case Reset:
		if e.Gen > v.gen {
			v.gen = e.Gen
			v.loaded = false
			v.pending = nil
			v.resyncing = false
		}
		return nil
	case SnapshotLoaded:
		return v.applySnapshot(e)
	case FocusChanged:
		return v.applyFocus(e.Focused)
	case Tick:
		v.expire(e.Now)
		return nil
	}

	if !v.loaded {
		return v.buffer(ev)
	}

	switch e := ev.(type) {
	case MessageReceived:
		return v.applyMessage(e.Message)
	case StatusChanged:
		v.applyStatus(e.Event)
	case TypingReceived:
		v.applyTyping(e.Signal)
	}
	return nil
}

// buffer holds ev for replay. The snapshot of the next reload already
// contains whatever is dropped on overflow.
func (v *ConversationView) buffer(ev Event) []Effect {
	if v.resyncing {
		return nil
	}
	if len(v.pending) >= MaxPending {
		v.pending = nil
		v.resyncing = true
		return []Effect{Resync{}}
	}
	v.pending = append(v.pending, ev)
	return nil
}

func (v *ConversationView) applySnapshot(e SnapshotLoaded) []Effect {
	if e.Gen != v.gen || e.Conversation == nil || e.Conversation.ID != v.id {
		return nil
	}
	snap := e.Conversation
	v.conv = *snap.Summary()
	v.messages = make(map[int64]model.Message, len(snap.Messages))
	for _, m := range snap.Messages {
		v.messages[m.ID] = m
	}
	v.loaded = true

	var effects []Effect
	if v.focused {
		effects = v.readAll()
	}
	pending := v.pending
	v.pending = nil
	for _, ev := range pending {
		effects = append(effects, v.Apply(ev)...)
	}
	return effects
}

func (v *ConversationView) applyMessage(m model.Message) []Effect {
	if m.ConversationID != v.id {
		return nil
	}
	old, seen := v.messages[m.ID]
	if seen {
		// Read receipts republish the message; the flag only moves forward.
		m.IsRead = m.IsRead || old.IsRead
		v.messages[m.ID] = m
		return nil
	}
	v.messages[m.ID] = m

	if !v.incoming(m) || m.IsRead {
		return nil
	}
	if v.focused {
		return v.request(m)
	}
	v.unread++
	return nil
}

func (v *ConversationView) applyStatus(ev model.NotificationEvent) {
	if ev.ConversationID != v.id || ev.UpdatedAt.Before(v.conv.UpdatedAt) {
		return
	}
	prev := v.conv.Status
	v.conv.Status = ev.Status
	v.conv.AdminID = ev.AdminID
	v.conv.AdminName = ev.AdminName
	v.conv.UpdatedAt = ev.UpdatedAt
	if prev == ev.Status {
		return
	}
	if text := bannerText(v.viewer, prev, ev); text != "" {
		v.banner = text
		v.bannerUntil = v.now().Add(BannerDuration)
	}
	if ev.Status.Terminal() {
		v.typing = nil
	}
}

func bannerText(viewer model.SenderType, prev model.Status, ev model.NotificationEvent) string {
	if viewer == model.SenderAdmin {
		if ev.Status == model.StatusClosed {
			return "Conversation closed"
		}
		return ""
	}
	switch notify.CustomerEvent(prev, ev.Status) {
	case model.EventAdminJoined:
		return ev.AdminName + " joined the chat"
	case model.EventAdminLeft:
		return "The agent left. You are back in the queue."
	case model.EventConversationSolved:
		return "Conversation solved"
	}
	if ev.Status == model.StatusClosed {
		return "Conversation closed"
	}
	return ""
}

func (v *ConversationView) applyTyping(sig model.TypingSignal) {
	if sig.ConversationID != v.id || sig.SenderType == v.viewer {
		return
	}
	if !sig.IsTyping || v.conv.Status.Terminal() {
		v.typing = nil
		return
	}
	name := sig.SenderName
	if name == "" {
		name = sig.SenderID
	}
	v.typing = &typing{name: name, until: v.now().Add(TypingTimeout)}
}

func (v *ConversationView) applyFocus(focused bool) []Effect {
	v.focused = focused
	if !focused {
		return nil
	}
	v.unread = 0
	if !v.loaded {
		return nil
	}
	return v.readAll()
}

func (v *ConversationView) expire(now time.Time) {
	if v.typing != nil && !now.Before(v.typing.until) {
		v.typing = nil
	}
	if v.banner != "" && !now.Before(v.bannerUntil) {
		v.banner = ""
	}
}

func (v *ConversationView) readAll() []Effect {
	var effects []Effect
	for _, m := range v.Messages() {
		if v.incoming(m) && !m.IsRead {
			effects = append(effects, v.request(m)...)
		}
	}
	return effects
}

// request emits a MarkRead once per message.
func (v *ConversationView) request(m model.Message) []Effect {
	if v.requested[m.ID] {
		return nil
	}
	v.requested[m.ID] = true
	return []Effect{MarkRead{ConversationID: v.id, MessageID: m.ID}}
}

// ReadFailed lets a failed MarkRead be retried on the next focus.
func (v *ConversationView) ReadFailed(messageID int64) {
	delete(v.requested, messageID)
}

func (v *ConversationView) incoming(m model.Message) bool {
	return m.SenderType != v.viewer
}

func (v *ConversationView) ID() string { return v.id }

func (v *ConversationView) Loaded() bool { return v.loaded }

// Buffered is the number of events waiting for the snapshot.
func (v *ConversationView) Buffered() int { return len(v.pending) }

func (v *ConversationView) Status() model.Status { return v.conv.Status }

func (v *ConversationView) AdminName() string { return v.conv.AdminName }

func (v *ConversationView) Subject() string { return v.conv.Subject }

// ReadOnly reports whether the input should be disabled.
func (v *ConversationView) ReadOnly() bool { return v.conv.Status.Terminal() }

func (v *ConversationView) Unread() int { return v.unread }

// Messages returns the history in render order.
func (v *ConversationView) Messages() []model.Message {
	out := make([]model.Message, 0, len(v.messages))
	for _, m := range v.messages {
		out = append(out, m)
	}
	model.SortMessages(out)
	return out
}

// Typing returns who is typing, if anyone.
func (v *ConversationView) Typing() (string, bool) {
	if v.typing == nil || !v.now().Before(v.typing.until) {
		return "", false
	}
	return v.typing.name, true
}

func (v *ConversationView) Banner() (string, bool) {
	if v.banner == "" || !v.now().Before(v.bannerUntil) {
		return "", false
	}
	return v.banner, true
}

// Projection is the durable part of the view, independent of focus and
// timers. Two views that saw the same history have equal projections.
type Projection struct {
	ConversationID string
	Status         model.Status
	AdminID        string
	AdminName      string
	UpdatedAt      time.Time
	Messages       []model.Message
}

func (v *ConversationView) Projection() Projection {
	return Projection{
		ConversationID: v.id,
		Status:         v.conv.Status,
		AdminID:        v.conv.AdminID,
		AdminName:      v.conv.AdminName,
		UpdatedAt:      v.conv.UpdatedAt,
		Messages:       v.Messages(),
	}
}
