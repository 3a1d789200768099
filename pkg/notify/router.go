// Package notify fans conversation summaries out to role-scoped topics so list
// views stay current without subscribing to every conversation.
package notify

import (
	"context"
	"log/slog"

	"github.com/mahaj/support-chat/pkg/model"
	"github.com/mahaj/support-chat/pkg/topic"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, v any) error
}

type Router struct {
	pub    Publisher
	logger *slog.Logger
}

func NewRouter(pub Publisher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{pub: pub, logger: logger.With("component", "notify")}
}

// ConversationStarted announces a new conversation to every agent.
func (r *Router) ConversationStarted(ctx context.Context, conv *model.Conversation) {
	r.publish(ctx, topic.AdminPool, model.NewEvent(model.EventNewConversation, conv, ""))
}

// StatusChanged tells the admin pool about the transition and sends the
// customer the event that matches what happened to their conversation.
func (r *Router) StatusChanged(ctx context.Context, conv *model.Conversation, prev model.Status) {
	r.publish(ctx, topic.AdminPool, model.NewEvent(model.EventStatusChange, conv, prev))
	r.publish(ctx, topic.Customer(conv.CustomerID), model.NewEvent(CustomerEvent(prev, conv.Status), conv, prev))
}

// CustomerEvent maps a transition to the event type shown to the customer.
func CustomerEvent(prev, next model.Status) model.EventType {
	switch {
	case next == model.StatusInProgress:
		return model.EventAdminJoined
	case prev == model.StatusInProgress && next == model.StatusWaiting:
		return model.EventAdminLeft
	case next == model.StatusSolved:
		return model.EventConversationSolved
	}
	return model.EventStatusChange
}

func (r *Router) publish(ctx context.Context, name string, ev model.NotificationEvent) {
	if err := r.pub.Publish(ctx, name, ev); err != nil {
		r.logger.Error("publish notification failed",
			"topic", name,
			"type", ev.Type,
			"conversation_id", ev.ConversationID,
			"error", err)
	}
}
