package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"agentpulse/internal/config"
	"agentpulse/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestPublishKeysByKind(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "alerts")
	ts := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	list := []model.AlertRecord{
		{ID: 7, Kind: model.AlertErrorRateHigh, Severity: model.AlertWarning, Message: "error rate too high", Timestamp: ts},
		{ID: 8, Kind: model.AlertCriticalError, Severity: model.AlertCritical, Timestamp: ts},
	}
	if err := p.Publish(context.Background(), list); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 2 {
		t.Fatalf("messages = %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != string(model.AlertErrorRateHigh) || string(w.msgs[1].Key) != string(model.AlertCriticalError) {
		t.Fatalf("keys = %q, %q", w.msgs[0].Key, w.msgs[1].Key)
	}
	var got model.AlertRecord
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 7 || got.Message != "error rate too high" {
		t.Fatalf("payload = %+v", got)
	}
	if string(w.msgs[1].Headers[0].Value) != string(model.AlertCritical) {
		t.Fatalf("severity header = %q", w.msgs[1].Headers[0].Value)
	}
}

func TestPublishError(t *testing.T) {
	boom := errors.New("broker down")
	p := newKafkaPublisher(&fakeWriter{err: boom}, "alerts")
	err := p.Publish(context.Background(), []model.AlertRecord{{Kind: model.AlertResponseTimeHigh}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestDisabledPublisherIsNil(t *testing.T) {
	p, err := NewKafkaPublisher(config.KafkaNotifyConfig{}, nil)
	if err != nil || p != nil {
		t.Fatalf("p = %v err = %v", p, err)
	}
	if err := p.Publish(context.Background(), []model.AlertRecord{{}}); err != nil {
		t.Fatalf("nil publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}

func TestEnabledPublisherValidates(t *testing.T) {
	if _, err := NewKafkaPublisher(config.KafkaNotifyConfig{Enabled: true, Topic: "x"}, nil); err == nil {
		t.Fatal("expected missing brokers error")
	}
	if _, err := NewKafkaPublisher(config.KafkaNotifyConfig{Enabled: true, Brokers: []string{"localhost:9092"}}, nil); err == nil {
		t.Fatal("expected missing topic error")
	}
}
