// Package topic names the realtime destinations and keeps the client-side
// registry of keyed subscriptions.
package topic

import "strings"

const (
	conversationPrefix = "/topic/conversation/"
	customerPrefix     = "/topic/customer/"

	// AdminPool carries NEW_CONVERSATION and STATUS_CHANGE for every conversation.
	AdminPool = "/topic/admin/notifications"

	// Client-to-server destinations.
	SendMessage = "/app/chat.send"
	SetTyping   = "/app/chat.typing"
)

func Messages(conversationID string) string {
	return conversationPrefix + conversationID + "/messages"
}

func Status(conversationID string) string {
	return conversationPrefix + conversationID + "/status"
}

func Typing(conversationID string) string {
	return conversationPrefix + conversationID + "/typing"
}

// Customer is the per-customer notification stream.
func Customer(customerID string) string {
	return customerPrefix + customerID + "/notifications"
}

// ConversationID extracts the conversation id from a per-conversation topic.
func ConversationID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, conversationPrefix)
	if !ok {
		return "", false
	}
	id, kind, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		return "", false
	}
	switch kind {
	case "messages", "status", "typing":
		return id, true
	}
	return "", false
}

// CustomerID extracts the customer id from a per-customer topic.
func CustomerID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, customerPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/notifications")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
