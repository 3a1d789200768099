package view

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/topic"
)

var ErrNotAcceptable = errors.New("conversation is not waiting for an agent")

var errQueueOverflow = errors.New("pool events dropped during reload")

// maxEarly bounds the pool events recorded while a snapshot is fetched.
const maxEarly = 1024

// Buckets are the console columns, in display order.
var Buckets = []model.Status{
	model.StatusRequested,
	model.StatusWaiting,
	model.StatusInProgress,
	model.StatusSolved,
}

type NoticeKind string

const (
	// NoticeAlreadyClaimed: another agent won the conversation this agent
	// tried to accept.
	NoticeAlreadyClaimed NoticeKind = "ALREADY_CLAIMED"
	// NoticeRejected: the directory refused the accept.
	NoticeRejected NoticeKind = "REJECTED"
)

// Notice is shown to the agent when an optimistic accept is reverted.
type Notice struct {
	Kind           NoticeKind
	ConversationID string
	Subject        string
	Message        string
}

type QueueLoader interface {
	ListByStatus(ctx context.Context, status model.Status) ([]*model.Conversation, error)
}

type Assigner interface {
	Assign(ctx context.Context, id string) (*model.Conversation, error)
}

// intent is an accept that has been shown optimistically but not yet
// confirmed by the directory.
type intent struct {
	commandID      string
	conversationID string
}

// Queue is the agent console's view of every open conversation. The four
// buckets are disjoint; a conversation id lives in at most one of them.
// Pending accepts hide a conversation from Requested and Waiting without
// touching the buckets, so reverting one is just forgetting it.
type Queue struct {
	self model.Participant

	mu       sync.Mutex
	buckets  map[model.Status]map[string]model.NotificationEvent
	intents  map[string]*intent // by command id
	byConv   map[string]string  // conversation id -> command id
	loaded   bool
	fetching bool
	early    []model.NotificationEvent
	overflow bool
}

func NewQueue(self model.Participant) *Queue {
	q := &Queue{
		self:    self,
		buckets: make(map[model.Status]map[string]model.NotificationEvent, len(Buckets)),
		intents: make(map[string]*intent),
		byConv:  make(map[string]string),
	}
	for _, s := range Buckets {
		q.buckets[s] = make(map[string]model.NotificationEvent)
	}
	return q
}

// BeginLoad starts recording pool events for replay against the snapshot
// about to be fetched. The current buckets keep serving until Load.
func (q *Queue) BeginLoad() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetching = true
	q.early = nil
	q.overflow = false
}

// AbortLoad drops the recording of a fetch that failed.
func (q *Queue) AbortLoad() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fetching = false
	q.early = nil
}

// Load replaces the buckets with a snapshot and replays events that arrived
// since BeginLoad, or since the queue was created for the first load.
func (q *Queue) Load(convs []*model.Conversation) []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, s := range Buckets {
		q.buckets[s] = make(map[string]model.NotificationEvent)
	}
	var notices []Notice
	for _, c := range convs {
		notices = append(notices, q.applyLocked(model.NewEvent(model.EventStatusChange, c, ""))...)
	}
	q.loaded = true
	q.fetching = false
	early := q.early
	q.early = nil
	for _, ev := range early {
		notices = append(notices, q.applyLocked(ev)...)
	}
	return notices
}

// NeedsReload reports that events were dropped while a snapshot was fetched,
// so the buckets may be behind until the next Load.
func (q *Queue) NeedsReload() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}

// Apply reduces an admin pool event. Duplicate and out-of-date events are
// ignored. Before the first snapshot events are only recorded.
func (q *Queue) Apply(ev model.NotificationEvent) []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()

	var notices []Notice
	if q.loaded {
		notices = q.applyLocked(ev)
	}
	if !q.loaded || q.fetching {
		q.recordLocked(ev)
	}
	return notices
}

func (q *Queue) recordLocked(ev model.NotificationEvent) {
	if len(q.early) >= maxEarly {
		// Without a fetch in flight the next BeginLoad discards these anyway.
		if q.fetching {
			q.overflow = true
		}
		return
	}
	q.early = append(q.early, ev)
}

func (q *Queue) applyLocked(ev model.NotificationEvent) []Notice {
	cur, bucket, known := q.findLocked(ev.ConversationID)
	if known && ev.UpdatedAt.Before(cur.UpdatedAt) {
		return nil
	}

	if ev.Type == model.EventNewConversation {
		if !known {
			q.buckets[model.StatusRequested][ev.ConversationID] = ev
		}
		return nil
	}

	if known {
		delete(q.buckets[bucket], ev.ConversationID)
	}
	if _, ok := q.buckets[ev.Status]; ok {
		q.buckets[ev.Status][ev.ConversationID] = ev
	}
	return q.reconcileLocked(ev)
}

// reconcileLocked settles a pending accept against an authoritative event.
func (q *Queue) reconcileLocked(ev model.NotificationEvent) []Notice {
	cmd, ok := q.byConv[ev.ConversationID]
	if !ok {
		return nil
	}
	switch {
	case ev.Status == model.StatusInProgress && ev.AdminID == q.self.ID:
		q.forgetLocked(cmd)
		return nil
	case ev.Status == model.StatusInProgress:
		q.forgetLocked(cmd)
		return []Notice{{
			Kind:           NoticeAlreadyClaimed,
			ConversationID: ev.ConversationID,
			Subject:        ev.Subject,
			Message:        fmt.Sprintf("%q was already claimed by %s", ev.Subject, ev.AdminName),
		}}
	case ev.Status.Terminal():
		q.forgetLocked(cmd)
		return []Notice{{
			Kind:           NoticeAlreadyClaimed,
			ConversationID: ev.ConversationID,
			Subject:        ev.Subject,
			Message:        fmt.Sprintf("%q is no longer open (%s)", ev.Subject, ev.Status),
		}}
	}
	// Still REQUESTED or WAITING: our assign has not landed yet.
	return nil
}

func (q *Queue) findLocked(id string) (model.NotificationEvent, model.Status, bool) {
	for _, s := range Buckets {
		if ev, ok := q.buckets[s][id]; ok {
			return ev, s, true
		}
	}
	return model.NotificationEvent{}, "", false
}

func (q *Queue) forgetLocked(cmd string) {
	if in, ok := q.intents[cmd]; ok {
		delete(q.byConv, in.conversationID)
		delete(q.intents, cmd)
	}
}

// BeginAccept records an optimistic accept and hides the conversation from
// Requested and Waiting. It returns the command id to settle it with.
func (q *Queue) BeginAccept(id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if cmd, ok := q.byConv[id]; ok {
		return cmd, nil
	}
	_, bucket, known := q.findLocked(id)
	if !known || (bucket != model.StatusRequested && bucket != model.StatusWaiting) {
		return "", ErrNotAcceptable
	}
	cmd := uuid.NewString()
	q.intents[cmd] = &intent{commandID: cmd, conversationID: id}
	q.byConv[id] = cmd
	return cmd, nil
}

// FailAccept reverts a pending accept the directory refused. It returns no
// notice when an event already settled the intent.
func (q *Queue) FailAccept(cmd string, err error) []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()

	in, ok := q.intents[cmd]
	if !ok {
		return nil
	}
	q.forgetLocked(cmd)
	ev, _, _ := q.findLocked(in.conversationID)
	return []Notice{{
		Kind:           NoticeRejected,
		ConversationID: in.conversationID,
		Subject:        ev.Subject,
		Message:        err.Error(),
	}}
}

// Accept claims a conversation for the local agent: optimistic hide, then the
// directory's answer settles it.
func (q *Queue) Accept(ctx context.Context, assigner Assigner, id string) ([]Notice, error) {
	cmd, err := q.BeginAccept(id)
	if err != nil {
		return nil, err
	}
	conv, err := assigner.Assign(ctx, id)
	if err != nil {
		return q.FailAccept(cmd, err), err
	}
	return q.Apply(model.NewEvent(model.EventStatusChange, conv, "")), nil
}

// Pending reports whether an accept for id awaits confirmation.
func (q *Queue) Pending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byConv[id]
	return ok
}

// Bucket returns the conversations in status s, oldest first. Requested and
// Waiting omit conversations with a pending accept.
func (q *Queue) Bucket(s model.Status) []model.NotificationEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	hide := s == model.StatusRequested || s == model.StatusWaiting
	out := make([]model.NotificationEvent, 0, len(q.buckets[s]))
	for id, ev := range q.buckets[s] {
		if _, pending := q.byConv[id]; hide && pending {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// Where reports which bucket holds id.
func (q *Queue) Where(id string) (model.Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, s, ok := q.findLocked(id)
	return s, ok
}

// Mine is true only for conversations in progress with the local agent.
func (q *Queue) Mine(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.buckets[model.StatusInProgress][id]
	return ok && ev.AdminID == q.self.ID
}

// Badge is the agent-side count of REQUESTED conversations. It is refreshed
// by re-querying instead of being maintained from events.
type Badge struct {
	loader QueueLoader

	mu    sync.Mutex
	count int
	// started and applied order concurrent refreshes; an answer older than
	// the one already applied is dropped.
	started uint64
	applied uint64
}

func NewBadge(loader QueueLoader) *Badge {
	return &Badge{loader: loader}
}

func (b *Badge) Refresh(ctx context.Context) error {
	b.mu.Lock()
	b.started++
	seq := b.started
	b.mu.Unlock()

	convs, err := b.loader.ListByStatus(ctx, model.StatusRequested)
	if err != nil {
		return err
	}
	b.mu.Lock()
	if seq > b.applied {
		b.applied = seq
		b.count = len(convs)
	}
	b.mu.Unlock()
	return nil
}

func (b *Badge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Console wires a Queue and Badge to the admin pool topic.
type Console struct {
	Queue *Queue
	Badge *Badge

	reg      Registrar
	loader   QueueLoader
	logger   *slog.Logger
	retry    Backoff
	onNotice func(Notice)
	onChange func()

	loadMu    sync.Mutex
	retrying  atomic.Bool
	refreshes chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type ConsoleOptions struct {
	Self      model.Participant
	Registrar Registrar
	Loader    QueueLoader
	Logger    *slog.Logger
	// Retry spaces out queue reloads that failed. Zero means DefaultBackoff.
	Retry    Backoff
	OnNotice func(Notice)
	// OnChange runs after each badge refresh, one call at a time.
	OnChange func()
}

const consoleKey = "admin-pool"

func NewConsole(opts ConsoleOptions) *Console {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Console{
		Queue:     NewQueue(opts.Self),
		Badge:     NewBadge(opts.Loader),
		reg:       opts.Registrar,
		loader:    opts.Loader,
		logger:    opts.Logger.With("component", "console"),
		retry:     opts.Retry.orDefault(),
		onNotice:  opts.OnNotice,
		onChange:  opts.OnChange,
		refreshes: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Bind subscribes the admin pool and then loads the snapshot, so no event
// published in between is lost. A failed load is returned and retried in
// the background.
func (c *Console) Bind(ctx context.Context) error {
	go c.refreshLoop(ctx)
	c.reg.Subscribe(consoleKey, topic.AdminPool, func(body json.RawMessage) {
		var ev model.NotificationEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			c.logger.Warn("dropping undecodable event", "error", err)
			return
		}
		c.notify(c.Queue.Apply(ev))
		if c.Queue.NeedsReload() {
			c.resync(ctx)
		}
		c.requestRefresh()
	})
	return c.Reload(ctx)
}

// Reload fetches every bucket again. Call it after the transport reconnects.
// The previous buckets keep serving until the new snapshot lands; when the
// fetch fails its error is returned and the reload is retried with backoff
// until it succeeds, ctx is done or the console is closed.
func (c *Console) Reload(ctx context.Context) error {
	if err := c.load(ctx); err != nil {
		c.resync(ctx)
		return err
	}
	return nil
}

func (c *Console) load(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.Queue.BeginLoad()
	var all []*model.Conversation
	for _, s := range Buckets {
		convs, err := c.loader.ListByStatus(ctx, s)
		if err != nil {
			c.Queue.AbortLoad()
			return fmt.Errorf("load %s: %w", s, err)
		}
		all = append(all, convs...)
	}
	c.notify(c.Queue.Load(all))
	c.requestRefresh()
	if c.Queue.NeedsReload() {
		return errQueueOverflow
	}
	return nil
}

// resync retries load in the background. At most one retry loop runs.
func (c *Console) resync(ctx context.Context) {
	if !c.retrying.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.retrying.Store(false)
		if err := c.retry.wait(ctx, c.done, c.retry.Delay(1)); err != nil {
			return
		}
		err := c.retry.Retry(ctx, c.done, func() error {
			err := c.load(ctx)
			if err != nil {
				c.logger.Warn("queue reload failed", "error", err)
			}
			return err
		})
		if err == nil {
			c.logger.Info("queue reloaded")
		}
	}()
}

// Accept claims id and reports any notice through OnNotice.
func (c *Console) Accept(ctx context.Context, assigner Assigner, id string) error {
	notices, err := c.Queue.Accept(ctx, assigner, id)
	c.notify(notices)
	return err
}

// requestRefresh schedules a badge refresh. Requests made while one is
// pending collapse into it.
func (c *Console) requestRefresh() {
	select {
	case c.refreshes <- struct{}{}:
	default:
	}
}

func (c *Console) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.refreshes:
			c.refresh(ctx)
		}
	}
}

func (c *Console) refresh(ctx context.Context) {
	if err := c.Badge.Refresh(ctx); err != nil {
		c.logger.Warn("badge refresh failed", "error", err)
	}
	if c.onChange != nil {
		c.onChange()
	}
}

func (c *Console) notify(notices []Notice) {
	if c.onNotice == nil {
		return
	}
	for _, n := range notices {
		c.onNotice(n)
	}
}

// Close drops the admin pool subscription and stops background reloads.
func (c *Console) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.reg.Unsubscribe(consoleKey)
}
