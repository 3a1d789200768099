package view

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/topic"
)

func poolEvent(typ model.EventType, id string, st model.Status, admin model.Participant, sec int) model.NotificationEvent {
	ev := model.NotificationEvent{
		Type:           typ,
		ConversationID: id,
		Status:         st,
		CustomerID:     alice.ID,
		Subject:        "Subject " + id,
		UpdatedAt:      at(sec),
	}
	if st == model.StatusInProgress {
		ev.AdminID, ev.AdminName = admin.ID, admin.Name
	}
	return ev
}

func ids(evs []model.NotificationEvent) []string {
	var out []string
	for _, ev := range evs {
		out = append(out, ev.ConversationID)
	}
	return out
}

func loadedQueue(self model.Participant) *Queue {
	q := NewQueue(self)
	q.Load(nil)
	return q
}

type assignerFunc func(ctx context.Context, id string) (*model.Conversation, error)

func (f assignerFunc) Assign(ctx context.Context, id string) (*model.Conversation, error) {
	return f(ctx, id)
}

func TestQueueScenario(t *testing.T) {
	qa := loadedQueue(dana)
	qb := loadedQueue(erin)
	both := func(ev model.NotificationEvent) {
		qa.Apply(ev)
		qb.Apply(ev)
	}

	both(poolEvent(model.EventNewConversation, "c1", model.StatusRequested, model.Participant{}, 1))
	assert.Equal(t, []string{"c1"}, ids(qa.Bucket(model.StatusRequested)))

	both(poolEvent(model.EventStatusChange, "c1", model.StatusInProgress, dana, 2))
	assert.Empty(t, qb.Bucket(model.StatusRequested))
	assert.True(t, qa.Mine("c1"))
	assert.False(t, qb.Mine("c1"), "visible but not mine")
	assert.Equal(t, []string{"c1"}, ids(qb.Bucket(model.StatusInProgress)))

	both(poolEvent(model.EventStatusChange, "c1", model.StatusWaiting, model.Participant{}, 3))
	assert.Equal(t, []string{"c1"}, ids(qa.Bucket(model.StatusWaiting)))
	assert.False(t, qa.Mine("c1"))

	both(poolEvent(model.EventStatusChange, "c1", model.StatusInProgress, erin, 4))
	assert.Empty(t, qa.Bucket(model.StatusWaiting))
	assert.True(t, qb.Mine("c1"))

	both(poolEvent(model.EventStatusChange, "c1", model.StatusSolved, model.Participant{}, 5))
	st, ok := qa.Where("c1")
	require.True(t, ok)
	assert.Equal(t, model.StatusSolved, st)

	both(poolEvent(model.EventStatusChange, "c1", model.StatusClosed, model.Participant{}, 6))
	_, ok = qa.Where("c1")
	assert.False(t, ok, "closed conversations leave the console")
}

func TestQueueIgnoresDuplicatesAndStaleEvents(t *testing.T) {
	q := loadedQueue(dana)
	q.Apply(poolEvent(model.EventNewConversation, "c1", model.StatusRequested, model.Participant{}, 1))
	q.Apply(poolEvent(model.EventNewConversation, "c1", model.StatusRequested, model.Participant{}, 1))
	assert.Len(t, q.Bucket(model.StatusRequested), 1)

	q.Apply(poolEvent(model.EventStatusChange, "c1", model.StatusInProgress, erin, 5))
	q.Apply(poolEvent(model.EventNewConversation, "c1", model.StatusRequested, model.Participant{}, 1))
	q.Apply(poolEvent(model.EventStatusChange, "c1", model.StatusWaiting, model.Participant{}, 3))

	st, _ := q.Where("c1")
	assert.Equal(t, model.StatusInProgress, st)
}

func TestQueueBucketsStayDisjoint(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	statuses := []model.Status{model.StatusRequested, model.StatusWaiting, model.StatusInProgress, model.StatusSolved, model.StatusClosed}
	q := loadedQueue(dana)

	for i := range 500 {
		id := fmt.Sprintf("c%d", r.IntN(20))
		typ := model.EventStatusChange
		if r.IntN(4) == 0 {
			typ = model.EventNewConversation
		}
		q.Apply(poolEvent(typ, id, statuses[r.IntN(len(statuses))], erin, r.IntN(i+1)))

		seen := map[string]int{}
		for _, s := range Buckets {
			for _, ev := range q.Bucket(s) {
				seen[ev.ConversationID]++
			}
		}
		for id, n := range seen {
			require.Equal(t, 1, n, "conversation %s in %d buckets", id, n)
		}
	}
}

func TestQueueBuffersEventsBeforeLoad(t *testing.T) {
	q := NewQueue(dana)
	q.Apply(poolEvent(model.EventNewConversation, "c2", model.StatusRequested, model.Participant{}, 5))
	q.Apply(poolEvent(model.EventStatusChange, "c1", model.StatusWaiting, model.Participant{}, 4))
	assert.Empty(t, q.Bucket(model.StatusRequested))

	q.Load([]*model.Conversation{
		{ID: "c1", Subject: "one", Status: model.StatusInProgress, AdminID: erin.ID, AdminName: erin.Name, UpdatedAt: at(2)},
	})
	assert.Equal(t, []string{"c2"}, ids(q.Bucket(model.StatusRequested)))
	assert.Equal(t, []string{"c1"}, ids(q.Bucket(model.StatusWaiting)))
}

func TestAcceptConfirmedByDirectory(t *testing.T) {
	q := loadedQueue(dana)
	q.Apply(poolEvent(model.EventNewConversation, "c1", model.StatusRequested, model.Participant{}, 1))

	var hiddenDuringCall bool
	notices, err := q.Accept(t.Context(), assignerFunc(func(_ context.Context, id string) (*model.Conversation, error) {
		hiddenDuringCall = len(q.Bucket(model.StatusRequested)) == 0 && q.Pending(id)
		return &model.Conversation{ID: id, Status: model.StatusInProgress, AdminID: dana.ID, AdminName: dana.Name, UpdatedAt: at(2)}, nil
	}), "c1")
	require.NoError(t, err)
	assert.Empty(t, notices)
	assert.True(t, hiddenDuringCall, "accept hides the conversation optimistically")
	assert.False(t, q.Pending("c1"))
	assert.True(t, q.Mine("c1"))

	// The pool event that follows is a no-op.
	assert.Empty(t, q.Apply(poolEvent(model.EventStatusChange, "c1", model.StatusInProgress, dana, 2)))
}

func TestAcceptLostToAnotherAgent(t *testing.T) {
	q := loadedQueue(dana)
	q.Apply(poolEvent(model.EventNewConversation, "c1", model.StatusRequested, model.Participant{}, 1))

	cmd, err := q.BeginAccept("c1")
	require.NoError(t, err)
	again, err := q.BeginAccept("c1")
	require.NoError(t, err)
	assert.Equal(t, cmd, again)

	notices := q.Apply(poolEvent(model.EventStatusChange, "c1", model.StatusInProgress, erin, 2))
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeAlreadyClaimed, notices[0].Kind)
	assert.Contains(t, notices[0].Message, "Erin")
	assert.False(t, q.Mine("c1"))
	assert.Equal(t, []string{"c1"}, ids(q.Bucket(model.StatusInProgress)))

	// The directory's rejection after the event adds no second notice.
	assert.Empty(t, q.FailAccept(cmd, errors.New("cannot assign")))
}

func TestAcceptRejectedRevertsOptimisticHide(t *testing.T) {
	q := loadedQueue(dana)
	q.Apply(poolEvent(model.EventStatusChange, "c1", model.StatusWaiting, model.Participant{}, 1))

	notices, err := q.Accept(t.Context(), assignerFunc(func(context.Context, string) (*model.Conversation, error) {
		return nil, errors.New("cannot assign a IN_PROGRESS conversation")
	}), "c1")
	require.Error(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeRejected, notices[0].Kind)
	assert.Equal(t, "Subject c1", notices[0].Subject)
	assert.Equal(t, []string{"c1"}, ids(q.Bucket(model.StatusWaiting)))
	assert.False(t, q.Pending("c1"))
}

func TestAcceptRequiresOpenConversation(t *testing.T) {
	q := loadedQueue(dana)
	_, err := q.BeginAccept("missing")
	assert.ErrorIs(t, err, ErrNotAcceptable)

	q.Apply(poolEvent(model.EventStatusChange, "c1", model.StatusSolved, model.Participant{}, 1))
	_, err = q.BeginAccept("c1")
	assert.ErrorIs(t, err, ErrNotAcceptable)
}

func TestPendingAcceptSurvivesUnrelatedEvents(t *testing.T) {
	q := loadedQueue(dana)
	q.Apply(poolEvent(model.EventNewConversation, "c1", model.StatusRequested, model.Participant{}, 1))
	_, err := q.BeginAccept("c1")
	require.NoError(t, err)

	assert.Empty(t, q.Apply(poolEvent(model.EventStatusChange, "c1", model.StatusWaiting, model.Participant{}, 2)))
	assert.True(t, q.Pending("c1"))
	assert.Empty(t, q.Bucket(model.StatusWaiting))

	notices := q.Apply(poolEvent(model.EventStatusChange, "c1", model.StatusClosed, model.Participant{}, 3))
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeAlreadyClaimed, notices[0].Kind)
}

func TestBadgeRequeries(t *testing.T) {
	loader := &fakeLoader{lists: map[model.Status][]*model.Conversation{
		model.StatusRequested: {{ID: "a"}, {ID: "b"}},
	}}
	b := NewBadge(loader)
	require.NoError(t, b.Refresh(t.Context()))
	assert.Equal(t, 2, b.Count())
}

func TestConsoleBindLoadsAndFollowsPool(t *testing.T) {
	reg := newFakeRegistrar()
	loader := &fakeLoader{lists: map[model.Status][]*model.Conversation{
		model.StatusRequested: {{ID: "c1", Subject: "one", Status: model.StatusRequested, UpdatedAt: at(1)}},
		model.StatusWaiting:   {{ID: "c2", Subject: "two", Status: model.StatusWaiting, UpdatedAt: at(1)}},
	}}
	var notices []Notice
	c := NewConsole(ConsoleOptions{
		Self:      dana,
		Registrar: reg,
		Loader:    loader,
		OnNotice:  func(n Notice) { notices = append(notices, n) },
	})
	require.NoError(t, c.Bind(t.Context()))
	assert.Equal(t, []string{"admin-pool"}, reg.keys())
	require.Eventually(t, func() bool { return c.Badge.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c2"}, ids(c.Queue.Bucket(model.StatusWaiting)))

	reg.publish(t, topic.AdminPool, poolEvent(model.EventNewConversation, "c3", model.StatusRequested, model.Participant{}, 2))
	assert.Equal(t, []string{"c1", "c3"}, ids(c.Queue.Bucket(model.StatusRequested)))

	err := c.Accept(t.Context(), assignerFunc(func(context.Context, string) (*model.Conversation, error) {
		return nil, errors.New("nope")
	}), "c1")
	require.Error(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, NoticeRejected, notices[0].Kind)

	c.Close()
	assert.Empty(t, reg.keys())

	require.Eventually(t, func() bool { return c.Badge.Count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestQueueKeepsServingWhileReloading(t *testing.T) {
	q := loadedQueue(dana)
	q.Apply(poolEvent(model.EventNewConversation, "c1", model.StatusRequested, model.Participant{}, 1))

	q.BeginLoad()
	q.Apply(poolEvent(model.EventNewConversation, "c2", model.StatusRequested, model.Participant{}, 2))
	assert.Equal(t, []string{"c1", "c2"}, ids(q.Bucket(model.StatusRequested)), "live events still apply")

	// The snapshot was read before c2 arrived; the recording fills it in.
	q.Load([]*model.Conversation{{ID: "c1", Subject: "one", Status: model.StatusRequested, UpdatedAt: at(1)}})
	assert.Equal(t, []string{"c1", "c2"}, ids(q.Bucket(model.StatusRequested)))

	q.BeginLoad()
	q.AbortLoad()
	assert.Equal(t, []string{"c1", "c2"}, ids(q.Bucket(model.StatusRequested)), "a failed fetch changes nothing")
	assert.False(t, q.NeedsReload())
}

func TestQueueFlagsOverflowDuringFetch(t *testing.T) {
	q := loadedQueue(dana)
	q.BeginLoad()
	for i := range maxEarly + 1 {
		q.Apply(poolEvent(model.EventNewConversation, fmt.Sprintf("c%d", i), model.StatusRequested, model.Participant{}, 1))
	}
	q.Load(nil)
	assert.True(t, q.NeedsReload())

	q.BeginLoad()
	q.Load(nil)
	assert.False(t, q.NeedsReload())
}

func TestConsoleRetriesFailedInitialLoad(t *testing.T) {
	reg := newFakeRegistrar()
	loader := &fakeLoader{fail: 1}
	c := NewConsole(ConsoleOptions{Self: dana, Registrar: reg, Loader: loader, Retry: fastRetry})
	t.Cleanup(c.Close)

	require.ErrorIs(t, c.Bind(t.Context()), errUnavailable)

	// The server stored c3 before publishing it, so the retried snapshot
	// includes it.
	loader.setLists(map[model.Status][]*model.Conversation{
		model.StatusRequested: {{ID: "c3", Subject: "three", Status: model.StatusRequested, UpdatedAt: at(2)}},
	})
	reg.publish(t, topic.AdminPool, poolEvent(model.EventNewConversation, "c3", model.StatusRequested, model.Participant{}, 2))

	require.Eventually(t, func() bool {
		return len(c.Queue.Bucket(model.StatusRequested)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c3"}, ids(c.Queue.Bucket(model.StatusRequested)))

	reg.publish(t, topic.AdminPool, poolEvent(model.EventNewConversation, "c4", model.StatusRequested, model.Participant{}, 3))
	assert.Equal(t, []string{"c3", "c4"}, ids(c.Queue.Bucket(model.StatusRequested)))
}

func TestConsoleReloadFailureKeepsBuckets(t *testing.T) {
	reg := newFakeRegistrar()
	loader := &fakeLoader{lists: map[model.Status][]*model.Conversation{
		model.StatusWaiting: {{ID: "c1", Subject: "one", Status: model.StatusWaiting, UpdatedAt: at(1)}},
	}}
	c := NewConsole(ConsoleOptions{Self: dana, Registrar: reg, Loader: loader, Retry: fastRetry})
	t.Cleanup(c.Close)
	require.NoError(t, c.Bind(t.Context()))

	loader.mu.Lock()
	loader.fail = 3
	loader.mu.Unlock()
	require.Error(t, c.Reload(t.Context()))
	assert.Equal(t, []string{"c1"}, ids(c.Queue.Bucket(model.StatusWaiting)))

	reg.publish(t, topic.AdminPool, poolEvent(model.EventNewConversation, "c2", model.StatusRequested, model.Participant{}, 2))
	assert.Equal(t, []string{"c2"}, ids(c.Queue.Bucket(model.StatusRequested)), "live events apply while reloading")

	// The background retry eventually gets through every bucket.
	before := loader.callCount()
	require.Eventually(t, func() bool {
		loader.mu.Lock()
		defer loader.mu.Unlock()
		return loader.fail == 0 && loader.calls >= before+len(Buckets)
	}, time.Second, 5*time.Millisecond)
}

// orderedLoader answers its first ListByStatus call only after release is
// closed, with a larger count than later calls.
type orderedLoader struct {
	calls   atomic.Int32
	first   chan struct{}
	release chan struct{}
}

func (l *orderedLoader) ListByStatus(context.Context, model.Status) ([]*model.Conversation, error) {
	if l.calls.Add(1) == 1 {
		close(l.first)
		<-l.release
		return make([]*model.Conversation, 5), nil
	}
	return make([]*model.Conversation, 2), nil
}

func TestBadgeIgnoresOutOfOrderAnswers(t *testing.T) {
	loader := &orderedLoader{first: make(chan struct{}), release: make(chan struct{})}
	b := NewBadge(loader)

	slow := make(chan error, 1)
	go func() { slow <- b.Refresh(t.Context()) }()
	<-loader.first

	require.NoError(t, b.Refresh(t.Context()))
	assert.Equal(t, 2, b.Count())

	close(loader.release)
	require.NoError(t, <-slow)
	assert.Equal(t, 2, b.Count(), "the older answer lands last and is dropped")
}

func TestConsoleRefreshesOneAtATime(t *testing.T) {
	reg := newFakeRegistrar()
	var inside, overlap, calls atomic.Int32
	c := NewConsole(ConsoleOptions{
		Self:      dana,
		Registrar: reg,
		Loader:    &fakeLoader{},
		OnChange: func() {
			if inside.Add(1) > 1 {
				overlap.Add(1)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			calls.Add(1)
		},
	})
	t.Cleanup(c.Close)
	require.NoError(t, c.Bind(t.Context()))

	for i := range 20 {
		reg.publish(t, topic.AdminPool, poolEvent(model.EventNewConversation, fmt.Sprintf("c%d", i), model.StatusRequested, model.Participant{}, i))
	}
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, overlap.Load())
	assert.LessOrEqual(t, calls.Load(), int32(21), "bursts collapse into fewer refreshes")
}
