// Package notify publishes fired alerts to Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"agentpulse/internal/config"
	"agentpulse/internal/model"
)

const writeTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher returns nil when alert notification is disabled.
func NewKafkaPublisher(cfg config.KafkaNotifyConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("notify kafka: brokers cannot be empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("notify kafka: topic cannot be empty")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	if logger != nil {
		logger.Info("alert notifier configured", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	return newKafkaPublisher(writer, cfg.Topic), nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// Publish writes one message per alert, keyed by alert kind.
func (p *KafkaPublisher) Publish(ctx context.Context, list []model.AlertRecord) error {
	if p == nil || len(list) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(list))
	for _, alert := range list {
		payload, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("marshal alert: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(alert.Kind),
			Value: payload,
			Headers: []kafka.Header{
				{Key: "severity", Value: []byte(alert.Severity)},
				{Key: "alert_id", Value: []byte(strconv.FormatInt(alert.ID, 10))},
			},
			Time: alert.Timestamp,
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write alerts to kafka topic %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
