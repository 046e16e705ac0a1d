// Package kafka implements a Kafka handoff publisher on segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/JakeFAU/repo-collector/internal/crawler"
)

// Config controls the Kafka writer.
type Config struct {
	Brokers      []string
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes JSON payloads to Kafka topics.
type Publisher struct {
	writer messageWriter
	now    func() time.Time
}

// New builds a Publisher over the configured brokers. Messages are hashed to
// partitions by key, so every change to one repository stays in order.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no kafka brokers configured")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return newWithWriter(&kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Balancer:     &kafkago.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafkago.RequireAll,
	}), nil
}

func newWithWriter(w messageWriter) *Publisher {
	return &Publisher{writer: w, now: time.Now}
}

// Publish sends payload to topic. Handoff messages are keyed by host and
// native id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("kafka topic is required")
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafkago.Message{
		Topic: topic,
		Value: value,
		Time:  p.now(),
	}
	if h, ok := payload.(crawler.HandoffMessage); ok {
		msg.Key = []byte(h.Host + "/" + h.NativeID)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write message to kafka: %w", err)
	}
	return string(msg.Key), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
