// Package broker carries directory events to every realtime gateway. Local
// delivers in process; Kafka and Redis fan out across gateway instances.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one event addressed to a realtime topic.
type Message struct {
	Topic string          `json:"topic"`
	Body  json.RawMessage `json:"body"`
}

// Sink receives every message the broker delivers. The gateway hub is the
// production sink.
type Sink interface {
	Deliver(msg Message)
}

type Broker interface {
	Publish(ctx context.Context, topic string, v any) error
	// Run consumes until ctx is cancelled. Local returns immediately on cancel.
	Run(ctx context.Context) error
	Close() error
}

func encode(topic string, v any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return Message{Topic: topic, Body: body}, nil
}

// Local hands messages straight to its sink on the publishing goroutine, so
// per-topic order is the publish order.
type Local struct {
	sink Sink
}

func NewLocal(sink Sink) *Local {
	return &Local{sink: sink}
}

func (l *Local) Publish(_ context.Context, topic string, v any) error {
	msg, err := encode(topic, v)
	if err != nil {
		return err
	}
	l.sink.Deliver(msg)
	return nil
}

func (l *Local) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *Local) Close() error { return nil }
