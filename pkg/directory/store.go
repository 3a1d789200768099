package directory

import (
	"context"
	"errors"

	"github.com/mahaj/support-chat/pkg/model"
)

var (
	ErrNotFound          = errors.New("conversation not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("concurrent status update")
	ErrReadOnly          = errors.New("conversation is read-only")
	ErrForbidden         = errors.New("not a participant of this conversation")
	ErrEmptyMessage      = errors.New("message content is empty")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrDuplicate         = errors.New("duplicate message")
)

// Filter selects conversations for the list queries. Zero fields match all.
type Filter struct {
	CustomerID string
	AdminID    string
	Status     model.Status
}

func (f Filter) Match(c *model.Conversation) bool {
	if f.CustomerID != "" && c.CustomerID != f.CustomerID {
		return false
	}
	if f.AdminID != "" && c.AdminID != f.AdminID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}

// Store persists conversations and messages for the Directory.
//
// Conversation and List return records without message history.
// UpdateStatus writes status, admin and updatedAt only if the stored status
// still equals expect, and returns ErrConflict otherwise.
type Store interface {
	Create(ctx context.Context, conv *model.Conversation) error
	Conversation(ctx context.Context, id string) (*model.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]model.Message, error)
	Message(ctx context.Context, conversationID string, messageID int64) (*model.Message, error)
	UpdateStatus(ctx context.Context, conv *model.Conversation, expect model.Status) error
	AppendMessage(ctx context.Context, msg *model.Message) error
	DeleteMessage(ctx context.Context, conversationID string, messageID int64) error
	MarkRead(ctx context.Context, conversationID string, messageID int64) error
	List(ctx context.Context, f Filter) ([]*model.Conversation, error)
}

// Deduper claims client message ids so a resent message is stored once.
// Claim reports false when the id was already claimed for the conversation;
// Release gives back a claim whose message was not stored. Empty client ids
// always claim.
type Deduper interface {
	Claim(ctx context.Context, conversationID, clientID string) (bool, error)
	Release(ctx context.Context, conversationID, clientID string) error
}
