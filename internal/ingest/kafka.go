package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"agentpulse/internal/config"
	"agentpulse/internal/gateway"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	ReadMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func StartKafka(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) {
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
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go consumeKafka(ctx, reader, current.GroupID != "", sink, logger)
}

// consumeKafka commits a message only after its outcome is terminal. A
// storage rejection is retried with backoff so the event is not lost.
func consumeKafka(ctx context.Context, reader messageReader, commit bool, sink Sink, logger *slog.Logger) {
	defer reader.Close()
	for {
		var m kafka.Message
		var err error
		if commit {
			m, err = reader.FetchMessage(ctx)
		} else {
			m, err = reader.ReadMessage(ctx)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka read error", "err", err)
			}
			if !BackoffSleep(ctx, time.Second) {
				return
			}
			continue
		}
		if !handleKafkaMessage(ctx, sink, m, logger) {
			return
		}
		if commit {
			if err := reader.CommitMessages(ctx, m); err != nil && logger != nil {
				logger.Warn("kafka commit error", "offset", m.Offset, "err", err)
			}
		}
	}
}

// handleKafkaMessage returns false only when ctx ends during a retry.
func handleKafkaMessage(ctx context.Context, sink Sink, m kafka.Message, logger *slog.Logger) bool {
	backoff := 200 * time.Millisecond
	for {
		res, ok := ingestLine(ctx, sink, SourceKafka, m.Value, logger)
		if !ok || res.Reason != gateway.ReasonStorage {
			return true
		}
		if logger != nil {
			logger.Warn("kafka ingest retry", "offset", m.Offset, "backoff", backoff)
		}
		if !BackoffSleep(ctx, backoff) {
			return false
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}
