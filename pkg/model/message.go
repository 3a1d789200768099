package model

import (
	"sort"
	"time"
)

type SenderType string

const (
	SenderCustomer SenderType = "CUSTOMER"
	SenderAdmin    SenderType = "ADMIN"
)

// Opposite returns the role that consumes messages sent by t.
func (t SenderType) Opposite() SenderType {
	if t == SenderCustomer {
		return SenderAdmin
	}
	return SenderCustomer
}

func (t SenderType) Valid() bool {
	return t == SenderCustomer || t == SenderAdmin
}

// Message is a single entry in a conversation. IsRead reflects consumption by
// the role opposite to SenderType and only ever goes from false to true.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderType     SenderType `json:"sender_type"`
	SenderName     string     `json:"sender_name"`
	Content        string     `json:"content"`
	SentAt         time.Time  `json:"sent_at"`
	IsRead         bool       `json:"is_read"`
	ClientID       string     `json:"client_id,omitempty"`
}

// SortMessages orders messages by SentAt, breaking ties by ID.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})
}

// TypingSignal is an ephemeral pulse; it is never persisted.
type TypingSignal struct {
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	SenderType     SenderType `json:"sender_type"`
	SenderName     string     `json:"sender_name"`
	IsTyping       bool       `json:"is_typing"`
}
