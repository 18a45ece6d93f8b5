package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"idguard/internal/config"
	"idguard/internal/model"
	"idguard/internal/normalize"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaConsumer commits an offset only once its message has been enqueued or
// rejected, so events still waiting in a full channel are redelivered after
// a restart.
type kafkaConsumer struct {
	reader     messageReader
	normalizer *normalize.Normalizer
	out        chan<- model.NormalizedEvent
	logger     *slog.Logger
}

// StartKafka consumes JSON events from a topic. Messages failing schema
// validation or normalization are logged and skipped.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.NormalizedEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	c := &kafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        current.Brokers,
			Topic:          current.Topic,
			GroupID:        current.GroupID,
			MinBytes:       1e3,
			MaxBytes:       10e6,
			MaxWait:        500 * time.Millisecond,
			CommitInterval: time.Second,
			StartOffset:    kafka.LastOffset,
		}),
		normalizer: normalize.NewNormalizer(cfg.Get()),
		out:        out,
		logger:     logger,
	}
	go c.run(ctx)
}

func (c *kafkaConsumer) run(ctx context.Context) {
	defer func() {
		if err := c.reader.Close(); err != nil && c.logger != nil {
			c.logger.Warn("kafka reader close failed", "err", err)
		}
	}()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if c.logger != nil {
				c.logger.Warn("kafka fetch failed", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		if !c.handle(ctx, msg) {
			return
		}
	}
}

// handle reports false when ctx ended before the message could be settled.
func (c *kafkaConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	ev, err := decodeEventJSON(c.normalizer, msg.Value)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("kafka event rejected", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
	} else if !c.enqueue(ctx, ev) {
		return false
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return false
		}
		if c.logger != nil {
			c.logger.Warn("kafka commit failed", "partition", msg.Partition, "offset", msg.Offset, "err", err)
		}
	}
	return true
}

// enqueue blocks until the event channel has room. Unread messages stay on
// the broker.
func (c *kafkaConsumer) enqueue(ctx context.Context, ev model.NormalizedEvent) bool {
	select {
	case c.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
