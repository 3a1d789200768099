package view

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/support-chat/pkg/model"
)

const convID = "conv-1"

var (
	alice = model.Participant{ID: "cust-1", Name: "Alice"}
	dana  = model.Participant{ID: "agent-1", Name: "Dana"}
	erin  = model.Participant{ID: "agent-2", Name: "Erin"}
)

func msg(id int64, from model.SenderType, sec int, text string) model.Message {
	sender := alice
	if from == model.SenderAdmin {
		sender = dana
	}
	return model.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender.ID,
		SenderName:     sender.Name,
		SenderType:     from,
		Content:        text,
		SentAt:         at(sec),
	}
}

func read(m model.Message) model.Message {
	m.IsRead = true
	return m
}

func statusEvent(st model.Status, admin model.Participant, sec int) model.NotificationEvent {
	ev := model.NotificationEvent{
		Type:           model.EventStatusChange,
		ConversationID: convID,
		Status:         st,
		CustomerID:     alice.ID,
		CustomerName:   alice.Name,
		Subject:        "Order Issue",
		UpdatedAt:      at(sec),
	}
	if st == model.StatusInProgress {
		ev.AdminID, ev.AdminName = admin.ID, admin.Name
	}
	return ev
}

func snapshot(st model.Status, admin model.Participant, sec int, msgs ...model.Message) *model.Conversation {
	c := &model.Conversation{
		ID:           convID,
		CustomerID:   alice.ID,
		CustomerName: alice.Name,
		Subject:      "Order Issue",
		Status:       st,
		CreatedAt:    at(0),
		UpdatedAt:    at(sec),
		Messages:     msgs,
	}
	if st == model.StatusInProgress {
		c.AdminID, c.AdminName = admin.ID, admin.Name
	}
	return c
}

func newView(viewer model.SenderType) (*ConversationView, *fakeClock) {
	clk := &fakeClock{now: at(0)}
	v := NewConversationView(convID, viewer)
	v.now = clk.Now
	return v, clk
}

func TestEventsBeforeSnapshotAreBuffered(t *testing.T) {
	v, _ := newView(model.SenderCustomer)

	assert.Nil(t, v.Apply(MessageReceived{Message: msg(2, model.SenderAdmin, 5, "hi there")}))
	assert.Nil(t, v.Apply(StatusChanged{Event: statusEvent(model.StatusInProgress, dana, 4)}))
	assert.False(t, v.Loaded())
	assert.Empty(t, v.Messages())

	v.Apply(SnapshotLoaded{Conversation: snapshot(model.StatusRequested, model.Participant{}, 1,
		msg(1, model.SenderCustomer, 1, "my order is late"))})

	require.True(t, v.Loaded())
	got := v.Messages()
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, int64(2), got[1].ID)
	assert.Equal(t, model.StatusInProgress, v.Status())
	assert.Equal(t, "Dana", v.AdminName())
	assert.Equal(t, 1, v.Unread())
}

func TestSnapshotForAnotherConversationIsIgnored(t *testing.T) {
	v, _ := newView(model.SenderCustomer)
	other := snapshot(model.StatusRequested, model.Participant{}, 0)
	other.ID = "conv-2"
	v.Apply(SnapshotLoaded{Conversation: other})
	assert.False(t, v.Loaded())
}

func TestDuplicateAndStaleEventsAreNoops(t *testing.T) {
	v, _ := newView(model.SenderCustomer)
	v.Apply(SnapshotLoaded{Conversation: snapshot(model.StatusInProgress, dana, 10)})

	m := msg(7, model.SenderAdmin, 11, "checking")
	v.Apply(MessageReceived{Message: m})
	v.Apply(MessageReceived{Message: m})
	assert.Len(t, v.Messages(), 1)
	assert.Equal(t, 1, v.Unread())

	v.Apply(StatusChanged{Event: statusEvent(model.StatusWaiting, model.Participant{}, 5)})
	assert.Equal(t, model.StatusInProgress, v.Status())

	v.Apply(MessageReceived{Message: read(m)})
	v.Apply(MessageReceived{Message: m})
	assert.True(t, v.Messages()[0].IsRead)
}

func TestRenderOrderUsesSentAtThenID(t *testing.T) {
	v, _ := newView(model.SenderAdmin)
	v.Apply(SnapshotLoaded{Conversation: snapshot(model.StatusRequested, model.Participant{}, 0)})

	v.Apply(MessageReceived{Message: msg(30, model.SenderCustomer, 3, "c")})
	v.Apply(MessageReceived{Message: msg(20, model.SenderCustomer, 2, "b")})
	v.Apply(MessageReceived{Message: msg(11, model.SenderCustomer, 2, "a")})

	var ids []int64
	for _, m := range v.Messages() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{11, 20, 30}, ids)
}

func TestMarkReadEffects(t *testing.T) {
	v, _ := newView(model.SenderAdmin)
	v.Apply(SnapshotLoaded{Conversation: snapshot(model.StatusInProgress, dana, 1,
		msg(1, model.SenderCustomer, 1, "hello"),
		msg(2, model.SenderAdmin, 2, "hi"))})

	assert.Empty(t, v.Apply(FocusChanged{Focused: false}))
	assert.Equal(t, []Effect{MarkRead{ConversationID: convID, MessageID: 1}}, v.Apply(FocusChanged{Focused: true}))

	assert.Equal(t, []Effect{MarkRead{ConversationID: convID, MessageID: 3}},
		v.Apply(MessageReceived{Message: msg(3, model.SenderCustomer, 3, "still there?")}))
	assert.Empty(t, v.Apply(MessageReceived{Message: msg(4, model.SenderAdmin, 4, "yes")}))

	assert.Empty(t, v.Apply(FocusChanged{Focused: true}), "requests are not repeated")

	v.ReadFailed(3)
	assert.Equal(t, []Effect{MarkRead{ConversationID: convID, MessageID: 3}}, v.Apply(FocusChanged{Focused: true}))
}

func TestCustomerUnreadCounter(t *testing.T) {
	v, _ := newView(model.SenderCustomer)
	v.Apply(SnapshotLoaded{Conversation: snapshot(model.StatusInProgress, dana, 1)})

	v.Apply(MessageReceived{Message: msg(1, model.SenderAdmin, 2, "one")})
	v.Apply(MessageReceived{Message: msg(2, model.SenderAdmin, 3, "two")})
	v.Apply(MessageReceived{Message: msg(3, model.SenderCustomer, 4, "mine")})
	assert.Equal(t, 2, v.Unread())

	effects := v.Apply(FocusChanged{Focused: true})
	assert.Zero(t, v.Unread())
	assert.Len(t, effects, 2)
}

func TestTypingPulsesKeepIndicatorAlive(t *testing.T) {
	v, clk := newView(model.SenderAdmin)
	v.Apply(SnapshotLoaded{Conversation: snapshot(model.StatusInProgress, dana, 0)})
	pulse := model.TypingSignal{ConversationID: convID, SenderID: alice.ID, SenderName: alice.Name, SenderType: model.SenderCustomer, IsTyping: true}

	v.Apply(TypingReceived{Signal: pulse})
	name, ok := v.Typing()
	assert.True(t, ok)
	assert.Equal(t, "Alice", name)

	clk.Advance(2 * time.Second)
	v.Apply(TypingReceived{Signal: pulse})
	clk.Advance(2 * time.Second)
	_, ok = v.Typing()
	assert.True(t, ok, "second pulse extends the indicator")

	clk.Advance(time.Second)
	v.Apply(Tick{Now: clk.Now()})
	_, ok = v.Typing()
	assert.False(t, ok, "indicator lapses without pulses")

	v.Apply(TypingReceived{Signal: pulse})
	stop := pulse
	stop.IsTyping = false
	v.Apply(TypingReceived{Signal: stop})
	_, ok = v.Typing()
	assert.False(t, ok, "explicit stop clears immediately")

	own := pulse
	own.SenderType = model.SenderAdmin
	v.Apply(TypingReceived{Signal: own})
	_, ok = v.Typing()
	assert.False(t, ok, "own pulses are not shown")
}

func TestStatusBannersAndReadOnly(t *testing.T) {
	v, clk := newView(model.SenderCustomer)
	v.Apply(SnapshotLoaded{Conversation: snapshot(model.StatusRequested, model.Participant{}, 1)})
	assert.False(t, v.ReadOnly())

	v.Apply(StatusChanged{Event: statusEvent(model.StatusInProgress, dana, 2)})
	banner, ok := v.Banner()
	require.True(t, ok)
	assert.Equal(t, "Dana joined the chat", banner)

	clk.Advance(BannerDuration)
	_, ok = v.Banner()
	assert.False(t, ok)

	v.Apply(StatusChanged{Event: statusEvent(model.StatusWaiting, model.Participant{}, 3)})
	banner, _ = v.Banner()
	assert.Contains(t, banner, "agent left")
	assert.Empty(t, v.AdminName())

	v.Apply(StatusChanged{Event: statusEvent(model.StatusInProgress, erin, 4)})
	assert.Equal(t, "Erin", v.AdminName())
	v.Apply(StatusChanged{Event: statusEvent(model.StatusSolved, model.Participant{}, 5)})
	assert.True(t, v.ReadOnly())
	banner, _ = v.Banner()
	assert.Equal(t, "Conversation solved", banner)

	v.Apply(TypingReceived{Signal: model.TypingSignal{ConversationID: convID, SenderID: erin.ID, SenderType: model.SenderAdmin, IsTyping: true}})
	_, ok = v.Typing()
	assert.False(t, ok)
}

func TestReconnectConvergence(t *testing.T) {
	m1 := msg(1, model.SenderAdmin, 1, "Dana joined the conversation.")
	m2 := msg(2, model.SenderCustomer, 2, "where is it?")
	m3 := msg(3, model.SenderAdmin, 3, "on its way")
	m4 := msg(4, model.SenderAdmin, 4, "Dana has left the conversation.")

	history := []Event{
		StatusChanged{Event: statusEvent(model.StatusInProgress, dana, 1)},
		MessageReceived{Message: m1},
		MessageReceived{Message: m2},
		MessageReceived{Message: m3},
		MessageReceived{Message: read(m2)},
		StatusChanged{Event: statusEvent(model.StatusWaiting, model.Participant{}, 4)},
		MessageReceived{Message: m4},
	}

	fresh, _ := newView(model.SenderCustomer)
	fresh.Apply(SnapshotLoaded{Conversation: snapshot(model.StatusRequested, model.Participant{}, 0)})
	for _, ev := range history {
		fresh.Apply(ev)
	}

	churned, _ := newView(model.SenderCustomer)
	churned.Apply(SnapshotLoaded{Conversation: snapshot(model.StatusRequested, model.Participant{}, 0)})
	churned.Apply(history[0])
	churned.Apply(history[1])

	// The link drops: m2 and m3 are never delivered. After reconnect the read
	// receipt and the WAITING change arrive before the reload resolves.
	churned.Apply(Reset{Gen: 1})
	churned.Apply(history[4])
	churned.Apply(history[5])
	assert.False(t, churned.Loaded())

	churned.Apply(SnapshotLoaded{Gen: 0, Conversation: snapshot(model.StatusRequested, model.Participant{}, 0)})
	assert.False(t, churned.Loaded(), "a snapshot from before the reset is stale")

	churned.Apply(SnapshotLoaded{Gen: 1, Conversation: snapshot(model.StatusInProgress, dana, 1, m1, read(m2), m3)})
	churned.Apply(history[6])
	churned.Apply(history[5])
	churned.Apply(history[6])

	assert.Equal(t, fresh.Projection(), churned.Projection())
	assert.Equal(t, model.StatusWaiting, churned.Status())
	assert.Len(t, churned.Messages(), 4)
}

func TestViewAsksForResyncWhenBufferOverflows(t *testing.T) {
	v, _ := newView(model.SenderCustomer)
	for i := range MaxPending {
		require.Empty(t, v.Apply(MessageReceived{Message: msg(int64(i+1), model.SenderAdmin, 1, "hi")}))
	}
	assert.Equal(t, MaxPending, v.Buffered())

	effects := v.Apply(MessageReceived{Message: msg(9999, model.SenderAdmin, 1, "one too many")})
	assert.Equal(t, []Effect{Resync{}}, effects)
	assert.Zero(t, v.Buffered())

	// Until the reload resets the view, further events are dropped quietly.
	assert.Empty(t, v.Apply(MessageReceived{Message: msg(10000, model.SenderAdmin, 1, "dropped")}))
	assert.Zero(t, v.Buffered())

	v.Apply(Reset{Gen: 1})
	v.Apply(MessageReceived{Message: msg(10001, model.SenderAdmin, 3, "after reset")})
	assert.Equal(t, 1, v.Buffered())

	v.Apply(SnapshotLoaded{Gen: 1, Conversation: snapshot(model.StatusInProgress, dana, 2, msg(1, model.SenderAdmin, 1, "hi"))})
	require.True(t, v.Loaded())
	assert.Len(t, v.Messages(), 2)
}
