package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink publishes notifications to a Kafka topic, keyed by user so one
// user's notifications stay ordered. Produces are asynchronous; delivery
// failures are logged through the produce callback.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	log    *log.Logger
}

// NewKafkaSink connects to the brokers and returns a sink for topic.
func NewKafkaSink(brokers []string, topic string, logger *log.Logger) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.ProduceRequestTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic, log: logger}, nil
}

type kafkaPayload struct {
	UserID  string         `json:"user_id"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	SentAt  string         `json:"sent_at"`
}

func (s *KafkaSink) Send(ctx context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	payload, err := json.Marshal(kafkaPayload{
		UserID:  n.UserID.String(),
		Type:    n.Type,
		Title:   n.Title,
		Message: n.Message,
		Data:    n.Data,
		SentAt:  n.SentAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(n.UserID.String()),
		Value: payload,
	}
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			s.log.Printf("kafka notify produce failed user=%s type=%s: %v", n.UserID, n.Type, err)
		}
	})
	return nil
}

// Close flushes pending produces and releases the client.
func (s *KafkaSink) Close(ctx context.Context) error {
	if err := s.client.Flush(ctx); err != nil {
		return err
	}
	s.client.Close()
	return nil
}
