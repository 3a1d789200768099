// Package directory is the authoritative owner of conversation state. Every
// status transition and message append goes through it, and it publishes the
// resulting events for the realtime gateway.
package directory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/support-chat/pkg/dedupe"
	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/notify"
	"github.com/mahaj/support-chat/pkg/snowflake"
	"github.com/mahaj/support-chat/pkg/topic"
)

const (
	lockStripes      = 64
	maxContentLength = 4000
	dedupeSize       = 50000
)

// DedupeWindow is how long a client message id is remembered.
const DedupeWindow = 10 * time.Minute

// SystemSender authors the informational messages appended on transitions.
var SystemSender = model.Participant{ID: "system", Name: "Support"}

type command string

const (
	cmdAssign command = "assign"
	cmdLeave  command = "leave"
	cmdSolve  command = "solve"
	cmdClose  command = "close"
)

var transitions = map[command]map[model.Status]model.Status{
	cmdAssign: {
		model.StatusRequested: model.StatusInProgress,
		model.StatusWaiting:   model.StatusInProgress,
	},
	cmdLeave: {
		model.StatusInProgress: model.StatusWaiting,
	},
	cmdSolve: {
		model.StatusInProgress: model.StatusSolved,
	},
	cmdClose: {
		model.StatusRequested:  model.StatusClosed,
		model.StatusWaiting:    model.StatusClosed,
		model.StatusInProgress: model.StatusClosed,
	},
}

// SendRequest is a message submitted by a connected participant.
type SendRequest struct {
	ConversationID string
	Sender         model.Participant
	SenderType     model.SenderType
	Content        string
	ClientID       string
}

type Directory struct {
	store  Store
	pub    notify.Publisher
	router *notify.Router
	ids    *snowflake.Node
	seen   Deduper
	logger *slog.Logger
	now    func() time.Time

	// Transitions on one conversation are serialized by its stripe; the
	// store's compare-and-set covers writers in other processes.
	locks [lockStripes]sync.Mutex
}

type Option func(*Directory)

// WithDeduper replaces the in-process client id cache. Nodes that share a
// store need a shared Deduper, or a resend through another node is stored
// twice.
func WithDeduper(dd Deduper) Option {
	return func(d *Directory) { d.seen = dd }
}

func New(store Store, pub notify.Publisher, ids *snowflake.Node, logger *slog.Logger, opts ...Option) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Directory{
		store:  store,
		pub:    pub,
		router: notify.NewRouter(pub, logger),
		ids:    ids,
		seen:   dedupe.New(DedupeWindow, dedupeSize),
		logger: logger.With("component", "directory"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Directory) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	m := &d.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

// stamp returns the current time, never earlier than prev.
func (d *Directory) stamp(prev time.Time) time.Time {
	now := d.now()
	if now.Before(prev) {
		return prev
	}
	return now
}

// Start opens a REQUESTED conversation for the customer.
func (d *Directory) Start(ctx context.Context, customer model.Participant, subject string) (*model.Conversation, error) {
	subject = strings.TrimSpace(subject)
	if customer.ID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidArgument)
	}
	if subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidArgument)
	}
	if customer.Name == "" {
		customer.Name = customer.ID
	}

	now := d.now()
	conv := &model.Conversation{
		ID:           uuid.NewString(),
		CustomerID:   customer.ID,
		CustomerName: customer.Name,
		Subject:      subject,
		Status:       model.StatusRequested,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.store.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	d.router.ConversationStarted(ctx, conv)
	d.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"customer_id", customer.ID,
		"subject", subject)
	return conv, nil
}

// Assign hands a REQUESTED or WAITING conversation to admin. When two agents
// race, exactly one call succeeds; the other gets ErrInvalidTransition.
func (d *Directory) Assign(ctx context.Context, id string, admin model.Participant) (*model.Conversation, error) {
	if admin.ID == "" {
		return nil, fmt.Errorf("%w: admin id is required", ErrInvalidArgument)
	}
	if admin.Name == "" {
		admin.Name = admin.ID
	}
	return d.transition(ctx, id, cmdAssign, admin)
}

// Leave puts an IN_PROGRESS conversation back in the queue as WAITING.
func (d *Directory) Leave(ctx context.Context, id string) (*model.Conversation, error) {
	return d.transition(ctx, id, cmdLeave, model.Participant{})
}

func (d *Directory) Solve(ctx context.Context, id string) (*model.Conversation, error) {
	return d.transition(ctx, id, cmdSolve, model.Participant{})
}

// Close ends a conversation administratively without re-queueing it.
func (d *Directory) Close(ctx context.Context, id string) (*model.Conversation, error) {
	return d.transition(ctx, id, cmdClose, model.Participant{})
}

func (d *Directory) transition(ctx context.Context, id string, cmd command, admin model.Participant) (*model.Conversation, error) {
	unlock := d.lock(id)
	defer unlock()

	cur, err := d.store.Conversation(ctx, id)
	if err != nil {
		return nil, err
	}

	next, ok := transitions[cmd][cur.Status]
	if !ok {
		return nil, fmt.Errorf("%w: cannot %s a %s conversation", ErrInvalidTransition, cmd, cur.Status)
	}

	prev := cur.Status
	upd := cur.Summary()
	upd.Status = next
	upd.AdminID, upd.AdminName = "", ""
	if next == model.StatusInProgress {
		upd.AdminID, upd.AdminName = admin.ID, admin.Name
	}
	upd.UpdatedAt = d.stamp(cur.UpdatedAt)

	if err := d.store.UpdateStatus(ctx, upd, prev); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: %s lost a concurrent update", ErrInvalidTransition, cmd)
		}
		return nil, fmt.Errorf("update status: %w", err)
	}

	d.publish(ctx, topic.Status(id), model.NewEvent(model.EventStatusChange, upd, prev))
	d.router.StatusChanged(ctx, upd, prev)

	if text := systemText(cmd, cur.AdminName, admin.Name); text != "" {
		msg := d.newMessage(id, SystemSender, model.SenderAdmin, text, "")
		if err := d.store.AppendMessage(ctx, msg); err != nil {
			d.logger.Error("append system message failed", "conversation_id", id, "error", err)
		} else {
			d.publish(ctx, topic.Messages(id), msg)
		}
	}

	d.logger.Info("conversation transition",
		"conversation_id", id,
		"command", string(cmd),
		"from", prev,
		"to", next,
		"admin_id", upd.AdminID)
	return upd, nil
}

func systemText(cmd command, prevAdmin, admin string) string {
	switch cmd {
	case cmdAssign:
		return admin + " joined the conversation."
	case cmdLeave:
		if prevAdmin == "" {
			prevAdmin = "The agent"
		}
		return prevAdmin + " has left the conversation. Another agent will be with you shortly."
	case cmdSolve:
		return "This conversation has been marked as solved. Thank you for contacting support."
	case cmdClose:
		return "This conversation has been closed."
	}
	return ""
}

// SendMessage appends a message from a participant. Terminal conversations
// reject new messages with ErrReadOnly, including one that another node
// closed while the append was in flight. A ClientID already claimed for the
// same conversation returns ErrDuplicate without appending.
func (d *Directory) SendMessage(ctx context.Context, req SendRequest) (*model.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if len(content) > maxContentLength {
		return nil, fmt.Errorf("%w: message longer than %d bytes", ErrInvalidArgument, maxContentLength)
	}
	if !req.SenderType.Valid() || req.Sender.ID == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidArgument)
	}

	unlock := d.lock(req.ConversationID)
	defer unlock()

	conv, err := d.store.Conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.SenderType == model.SenderCustomer && conv.CustomerID != req.Sender.ID {
		return nil, ErrForbidden
	}
	if conv.Status.Terminal() {
		return nil, fmt.Errorf("%w: conversation is %s", ErrReadOnly, conv.Status)
	}

	claimed, err := d.seen.Claim(ctx, conv.ID, req.ClientID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrDuplicate
	}

	msg := d.newMessage(conv.ID, req.Sender, req.SenderType, content, req.ClientID)
	if err := d.appendOpen(ctx, msg); err != nil {
		if rerr := d.seen.Release(ctx, conv.ID, req.ClientID); rerr != nil {
			d.logger.Warn("release client id failed", "conversation_id", conv.ID, "client_id", req.ClientID, "error", rerr)
		}
		return nil, err
	}
	d.publish(ctx, topic.Messages(conv.ID), msg)
	return msg, nil
}

// appendOpen stores msg and then checks the conversation is still open. The
// stripe lock only covers this process, so a node that closed it in between
// is caught by the re-read and the message is taken back.
func (d *Directory) appendOpen(ctx context.Context, msg *model.Message) error {
	if err := d.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	conv, err := d.store.Conversation(ctx, msg.ConversationID)
	if err == nil && !conv.Status.Terminal() {
		return nil
	}
	if derr := d.store.DeleteMessage(ctx, msg.ConversationID, msg.ID); derr != nil {
		d.logger.Error("delete rejected message failed", "conversation_id", msg.ConversationID, "message_id", msg.ID, "error", derr)
	}
	if err != nil {
		return fmt.Errorf("recheck conversation: %w", err)
	}
	return fmt.Errorf("%w: conversation is %s", ErrReadOnly, conv.Status)
}

func (d *Directory) newMessage(conversationID string, sender model.Participant, senderType model.SenderType, content, clientID string) *model.Message {
	return &model.Message{
		ID:             d.ids.Generate(),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderType:     senderType,
		SenderName:     sender.Name,
		Content:        content,
		SentAt:         d.now(),
		ClientID:       clientID,
	}
}

// SetTyping broadcasts a typing pulse. Nothing is stored.
func (d *Directory) SetTyping(ctx context.Context, sig model.TypingSignal) error {
	conv, err := d.store.Conversation(ctx, sig.ConversationID)
	if err != nil {
		return err
	}
	if sig.SenderType == model.SenderCustomer && conv.CustomerID != sig.SenderID {
		return ErrForbidden
	}
	if conv.Status.Terminal() {
		return fmt.Errorf("%w: conversation is %s", ErrReadOnly, conv.Status)
	}
	d.publish(ctx, topic.Typing(sig.ConversationID), sig)
	return nil
}

// MarkRead flips a message's read flag when reader is the role it was sent
// to. Marking an already read message, or one's own message, changes nothing.
func (d *Directory) MarkRead(ctx context.Context, conversationID string, messageID int64, reader model.SenderType) (*model.Message, error) {
	unlock := d.lock(conversationID)
	defer unlock()

	msg, err := d.store.Message(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsRead || msg.SenderType == reader {
		return msg, nil
	}
	if err := d.store.MarkRead(ctx, conversationID, messageID); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	msg.IsRead = true
	d.publish(ctx, topic.Messages(conversationID), msg)
	return msg, nil
}

// Get returns the conversation with its full history in render order.
func (d *Directory) Get(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := d.store.Conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := d.store.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	model.SortMessages(msgs)
	conv.Messages = msgs
	return conv, nil
}

// Summary returns the conversation without its history.
func (d *Directory) Summary(ctx context.Context, id string) (*model.Conversation, error) {
	return d.store.Conversation(ctx, id)
}

func (d *Directory) ListByCustomer(ctx context.Context, customerID string) ([]*model.Conversation, error) {
	return d.store.List(ctx, Filter{CustomerID: customerID})
}

func (d *Directory) ListByAdmin(ctx context.Context, adminID string) ([]*model.Conversation, error) {
	return d.store.List(ctx, Filter{AdminID: adminID})
}

func (d *Directory) ListByStatus(ctx context.Context, status model.Status) ([]*model.Conversation, error) {
	return d.store.List(ctx, Filter{Status: status})
}

func (d *Directory) publish(ctx context.Context, name string, v any) {
	if err := d.pub.Publish(ctx, name, v); err != nil {
		d.logger.Error("publish failed", "topic", name, "error", err)
	}
}
