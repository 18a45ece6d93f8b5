package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"idguard/internal/model"
)

const writeTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes alerts as JSON keyed by user_id, so every alert
// of one identity lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers cannot be empty")
	}
	if topic == "" {
		return nil, errors.New("kafka topic cannot be empty")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	if logger != nil {
		logger.Info("kafka alert publisher configured", "brokers", brokers, "topic", topic)
	}
	return &KafkaPublisher{writer: writer, topic: topic, logger: logger}, nil
}

func (p *KafkaPublisher) Notify(ctx context.Context, alert model.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", alert.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(alert.UserID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(alert.ID)},
			{Key: "alert_level", Value: []byte(alert.Severity)},
		},
		Time: alert.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if p.logger != nil {
			p.logger.Warn("kafka alert publish failed", "alert_id", alert.ID, "topic", p.topic, "err", err)
		}
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
