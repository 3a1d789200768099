package model

import "time"

type Status string

const (
	StatusRequested  Status = "REQUESTED"
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSolved     Status = "SOLVED"
	StatusClosed     Status = "CLOSED"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSolved || s == StatusClosed
}

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusRequested, StatusWaiting, StatusInProgress, StatusSolved, StatusClosed:
		return st, true
	}
	return "", false
}

// Participant identifies one side of a conversation.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Conversation struct {
	ID           string    `json:"id"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name"`
	AdminID      string    `json:"admin_id,omitempty"`
	AdminName    string    `json:"admin_name,omitempty"`
	Subject      string    `json:"subject"`
	Status       Status    `json:"status"`
	Messages     []Message `json:"messages,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy, messages included.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		copy(out.Messages, c.Messages)
	}
	return &out
}

// Summary drops the message history.
func (c *Conversation) Summary() *Conversation {
	out := *c
	out.Messages = nil
	return &out
}

type EventType string

const (
	EventNewConversation    EventType = "NEW_CONVERSATION"
	EventStatusChange       EventType = "STATUS_CHANGE"
	EventAdminJoined        EventType = "ADMIN_JOINED"
	EventAdminLeft          EventType = "ADMIN_LEFT"
	EventConversationSolved EventType = "CONVERSATION_SOLVED"
)

// NotificationEvent is the lightweight conversation summary published on the
// status, admin pool and customer topics.
type NotificationEvent struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	PreviousStatus Status    `json:"previous_status,omitempty"`
	CustomerID     string    `json:"customer_id"`
	CustomerName   string    `json:"customer_name"`
	AdminID        string    `json:"admin_id,omitempty"`
	AdminName      string    `json:"admin_name,omitempty"`
	Subject        string    `json:"subject"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewEvent summarizes conv as an event of type t.
func NewEvent(t EventType, conv *Conversation, prev Status) NotificationEvent {
	return NotificationEvent{
		Type:           t,
		ConversationID: conv.ID,
		Status:         conv.Status,
		PreviousStatus: prev,
		CustomerID:     conv.CustomerID,
		CustomerName:   conv.CustomerName,
		AdminID:        conv.AdminID,
		AdminName:      conv.AdminName,
		Subject:        conv.Subject,
		UpdatedAt:      conv.UpdatedAt,
	}
}

// Result is the envelope every command returns to the UI.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}
