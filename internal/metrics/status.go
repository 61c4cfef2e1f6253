package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatusKeyPrefix       = "agentpulse:status:"
	StatusTTL             = 2 * time.Minute
	DefaultReportInterval = 30 * time.Second
)

type statusSetter interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// ServiceStatus is the JSON document written to Redis on every report tick.
type ServiceStatus struct {
	Instance    string    `json:"instance"`
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
	Snapshot
}

// StatusReporter periodically writes the recorder snapshot under a key with
// a TTL so stale instances disappear on their own.
type StatusReporter struct {
	instance string
	client   statusSetter
	recorder *Recorder
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewStatusReporter(instance string, client *redis.Client, recorder *Recorder, interval time.Duration, logger *slog.Logger) *StatusReporter {
	if client == nil {
		return newStatusReporter(instance, nil, recorder, interval, logger)
	}
	return newStatusReporter(instance, client, recorder, interval, logger)
}

func newStatusReporter(instance string, client statusSetter, recorder *Recorder, interval time.Duration, logger *slog.Logger) *StatusReporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusReporter{
		instance: instance,
		client:   client,
		recorder: recorder,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *StatusReporter) Key() string {
	return StatusKeyPrefix + s.instance
}

func (s *StatusReporter) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.write(context.Background())
				return
			case <-s.stopCh:
				s.write(context.Background())
				return
			case <-ticker.C:
				s.write(ctx)
			}
		}
	}()
}

func (s *StatusReporter) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *StatusReporter) write(ctx context.Context) {
	if s.client == nil {
		return
	}
	status := ServiceStatus{
		Instance:    s.instance,
		Status:      "healthy",
		LastUpdated: time.Now().UTC(),
		Snapshot:    s.recorder.Snapshot(),
	}
	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Error("status marshal failed", "err", err)
		return
	}
	if err := s.client.Set(ctx, s.Key(), data, StatusTTL).Err(); err != nil {
		s.logger.Warn("status write failed", "key", s.Key(), "err", err)
		return
	}
	s.logger.Debug("status written", "key", s.Key())
}
