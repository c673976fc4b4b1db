package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes transitions as JSON messages keyed by tenant and
// alert, so every transition of one alert lands on the same partition.
type KafkaNotifier struct {
	writer MessageWriter
}

// NewKafkaNotifier creates a notifier writing to topic on brokers.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return NewKafkaNotifierWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	})
}

// NewKafkaNotifierWithWriter wraps an existing writer.
func NewKafkaNotifierWithWriter(w MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: w}
}

func (k *KafkaNotifier) Name() string { return "kafka" }

func (k *KafkaNotifier) Send(ctx context.Context, tr model.Transition) error {
	body, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(tr.TenantID + "/" + tr.AlertID),
		Value: body,
		Time:  tr.At,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(tr.Action)},
			{Key: "severity", Value: []byte(tr.Severity)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
