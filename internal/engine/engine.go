package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"agentpulse/internal/aggregate"
	"agentpulse/internal/alerts"
	"agentpulse/internal/config"
	"agentpulse/internal/metrics"
	"agentpulse/internal/model"
	"agentpulse/internal/normalize"
)

// AlertSaver persists fired alerts and returns their storage id.
type AlertSaver interface {
	SaveAlert(ctx context.Context, alert model.AlertRecord) (int64, error)
}

type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Recorder
	alerts   *alerts.Store
	store    AlertSaver
	cfg      atomic.Value
	cooldown *Cooldown
	now      func() time.Time
}

func NewEngine(cfg config.AlertConfig, logger *slog.Logger, recorder *metrics.Recorder, alertsStore *alerts.Store, store AlertSaver) *Engine {
	e := &Engine{
		logger:   logger,
		metrics:  recorder,
		alerts:   alertsStore,
		store:    store,
		cooldown: NewCooldown(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	e.cfg.Store(cfg)
	return e
}

// SetClock replaces the engine clock. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) UpdateConfig(cfg config.AlertConfig) {
	e.cfg.Store(cfg)
}

func (e *Engine) Config() config.AlertConfig {
	if v := e.cfg.Load(); v != nil {
		return v.(config.AlertConfig)
	}
	return config.DefaultAlertConfig()
}

// ResetCooldowns re-arms every alert kind.
func (e *Engine) ResetCooldowns() {
	e.cooldown.Reset()
}

// LastFired returns the last fire time of each kind that has fired since
// start or the last reset.
func (e *Engine) LastFired() map[model.AlertKind]time.Time {
	out := make(map[model.AlertKind]time.Time)
	for _, kind := range []model.AlertKind{model.AlertErrorRateHigh, model.AlertResponseTimeHigh, model.AlertCriticalError} {
		if ts, ok := e.cooldown.Last(string(kind)); ok {
			out[kind] = ts
		}
	}
	return out
}

// Evaluate checks ev and the aggregate it produced against the alert
// thresholds. Each kind is gated by its own cooldown.
func (e *Engine) Evaluate(ctx context.Context, ev model.InteractionEvent, agg model.DailyAggregate) []model.AlertRecord {
	cfg := e.Config()
	if !cfg.Enabled {
		return nil
	}
	now := e.now()
	cooldown := cfg.Cooldown()

	candidates := make([]model.AlertRecord, 0, 3)
	if rate := aggregate.ExactErrorRate(agg); rate > cfg.ErrorRateThreshold {
		candidates = append(candidates, model.AlertRecord{
			Kind:        model.AlertErrorRateHigh,
			Severity:    model.AlertWarning,
			Message:     fmt.Sprintf("error rate too high: %.1f%% (threshold: %.1f%%)", rate, cfg.ErrorRateThreshold),
			MetricValue: agg.ErrorRate,
			Threshold:   cfg.ErrorRateThreshold,
		})
	}
	if ev.LatencyMS > cfg.ResponseTimeThresholdMS {
		candidates = append(candidates, model.AlertRecord{
			Kind:        model.AlertResponseTimeHigh,
			Severity:    model.AlertWarning,
			Message:     fmt.Sprintf("response time too long: %dms (threshold: %dms)", ev.LatencyMS, cfg.ResponseTimeThresholdMS),
			MetricValue: float64(ev.LatencyMS),
			Threshold:   float64(cfg.ResponseTimeThresholdMS),
		})
	}
	if ev.Severity.Serious() {
		candidates = append(candidates, model.AlertRecord{
			Kind:        model.AlertCriticalError,
			Severity:    model.AlertCritical,
			Message:     fmt.Sprintf("critical error: %s - %s", ev.ErrorType, normalize.Truncate(ev.Description, 50)),
			MetricValue: 1,
			Threshold:   0,
		})
	}

	fired := make([]model.AlertRecord, 0, len(candidates))
	for _, alert := range candidates {
		if !e.cooldown.Allow(string(alert.Kind), now, cooldown) {
			continue
		}
		alert.Timestamp = now
		alert.EventID = ev.ID
		fired = append(fired, e.record(ctx, alert))
	}
	return fired
}

func (e *Engine) record(ctx context.Context, alert model.AlertRecord) model.AlertRecord {
	if e.store != nil {
		id, err := e.store.SaveAlert(ctx, alert)
		if err != nil {
			if e.logger != nil {
				e.logger.Error("alert persist failed", "kind", alert.Kind, "err", err)
			}
		} else {
			alert.ID = id
		}
	}
	if e.alerts != nil {
		e.alerts.Add(alert)
	}
	e.metrics.AlertFired(alert.Kind)
	if e.logger != nil {
		e.logger.Warn("alert fired",
			"kind", alert.Kind,
			"severity", alert.Severity,
			"metric_value", alert.MetricValue,
			"threshold", alert.Threshold,
			"event_id", alert.EventID,
		)
	}
	return alert
}
