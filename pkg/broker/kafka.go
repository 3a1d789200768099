package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Kafka publishes every event to one Kafka topic, keyed by realtime topic so
// that a conversation's events share a partition and keep their order. Each
// gateway consumes with its own group id, so every instance sees every event.
type Kafka struct {
	writer *kafka.Writer
	reader *kafka.Reader
	sink   Sink
	logger *slog.Logger
}

func NewKafka(brokers []string, kafkaTopic string, sink Sink, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        kafkaTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       kafkaTopic,
		GroupID:     "gateway-" + uuid.NewString(),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     100 * time.Millisecond,
	})

	return &Kafka{
		writer: writer,
		reader: reader,
		sink:   sink,
		logger: logger.With("component", "broker.kafka"),
	}
}

func (k *Kafka) Publish(ctx context.Context, topic string, v any) error {
	msg, err := encode(topic, v)
	if err != nil {
		return err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *Kafka) Run(ctx context.Context) error {
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			k.logger.Error("read failed, retrying in 1s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			k.logger.Warn("dropping undecodable record", "offset", m.Offset, "error", err)
			continue
		}
		k.sink.Deliver(msg)
	}
}

func (k *Kafka) Close() error {
	return errors.Join(k.writer.Close(), k.reader.Close())
}
