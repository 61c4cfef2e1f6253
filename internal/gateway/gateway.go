// Package gateway runs one event through the pipeline: normalize, append,
// evaluate alerts, broadcast.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentpulse/internal/alerts"
	"agentpulse/internal/engine"
	"agentpulse/internal/hub"
	"agentpulse/internal/logging"
	"agentpulse/internal/metrics"
	"agentpulse/internal/model"
	"agentpulse/internal/normalize"
	"agentpulse/internal/storage"
	"agentpulse/internal/ws"
)

var ErrInternal = errors.New("internal error")

// Rejection reasons recorded with every terminal outcome.
const (
	ReasonValidation = "validation"
	ReasonDuplicate  = "duplicate"
	ReasonStorage    = "storage"
	ReasonCanceled   = "canceled"
	ReasonInternal   = "internal"
)

// AlertPublisher forwards fired alerts to an external sink.
type AlertPublisher interface {
	Publish(ctx context.Context, alerts []model.AlertRecord) error
}

type Options struct {
	Store          storage.Store
	Engine         *engine.Engine
	Hub            *hub.Hub
	Alerts         *alerts.Store
	Publisher      AlertPublisher
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	Location       *time.Location
	Now            func() time.Time
	SnapshotEvents int
	SnapshotDays   int
	// PublishTimeout bounds each alert publish. Defaults to 2s.
	PublishTimeout time.Duration
}

type Gateway struct {
	store     storage.Store
	engine    *engine.Engine
	hub       *hub.Hub
	alerts    *alerts.Store
	publisher AlertPublisher
	metrics   *metrics.Recorder
	logger    *slog.Logger
	loc       *time.Location
	now       func() time.Time

	snapshotEvents int
	snapshotDays   int
	publishTimeout time.Duration
	pending        sync.WaitGroup
}

// Outcome is the terminal result of one ingestion.
type Outcome struct {
	EventID   string               `json:"event_id,omitempty"`
	Accepted  bool                 `json:"accepted"`
	Reason    string               `json:"reason,omitempty"`
	Aggregate model.DailyAggregate `json:"aggregate"`
	Alerts    []model.AlertRecord  `json:"alerts,omitempty"`
	Delivered int                  `json:"delivered"`
}

func New(opts Options) *Gateway {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.SnapshotEvents <= 0 {
		opts.SnapshotEvents = 10
	}
	if opts.SnapshotDays <= 0 {
		opts.SnapshotDays = 7
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	return &Gateway{
		store:          opts.Store,
		engine:         opts.Engine,
		hub:            opts.Hub,
		alerts:         opts.Alerts,
		publisher:      opts.Publisher,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		loc:            opts.Location,
		now:            opts.Now,
		snapshotEvents: opts.SnapshotEvents,
		snapshotDays:   opts.SnapshotDays,
		publishTimeout: opts.PublishTimeout,
	}
}

// IngestPayload normalizes a producer payload and ingests it. source names
// the transport that delivered it.
func (g *Gateway) IngestPayload(ctx context.Context, source string, p model.EventPayload) (Outcome, error) {
	ev, err := normalize.Normalize(p, g.loc, g.now())
	if err != nil {
		out := Outcome{EventID: p.ID, Reason: Reason(err)}
		g.finish(out, err, g.now())
		return out, err
	}
	ev.Source = source
	return g.Ingest(ctx, ev)
}

// Ingest appends ev and, once it is durable, evaluates alerts and
// broadcasts the update. Only the append can fail the call. A terminal
// outcome is always recorded, including on panic.
func (g *Gateway) Ingest(ctx context.Context, ev model.InteractionEvent) (out Outcome, err error) {
	start := g.now()
	out.EventID = ev.ID
	durable := false
	defer func() {
		if r := recover(); r != nil {
			if durable {
				g.log().Error("panic after append", "event_id", out.EventID, "panic", r)
			} else {
				err = fmt.Errorf("%w: %v", ErrInternal, r)
				out.Accepted = false
			}
		}
		if err != nil {
			out.Reason = Reason(err)
		}
		g.finish(out, err, start)
	}()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	stored, agg, err := g.store.Append(ctx, ev)
	if err != nil {
		return out, err
	}
	durable = true
	out.Accepted = true
	out.Aggregate = agg

	// The event is durable from here on, so a producer going away must
	// not cut the fan-out short.
	bg := context.WithoutCancel(ctx)
	out.Alerts, out.Delivered = g.fanOut(bg, stored, agg)
	g.publish(bg, out.Alerts)
	return out, nil
}

// fanOut evaluates alerts and broadcasts the update for a stored event. A
// panic here is logged and leaves the event accepted.
func (g *Gateway) fanOut(ctx context.Context, ev model.InteractionEvent, agg model.DailyAggregate) (fired []model.AlertRecord, delivered int) {
	defer func() {
		if r := recover(); r != nil {
			g.log().Error("fan-out panic", "event_id", ev.ID, "panic", r)
		}
	}()
	if g.engine != nil {
		fired = g.engine.Evaluate(ctx, ev, agg)
	}
	delivered = g.broadcast(ctx, ev, agg, fired)
	return fired, delivered
}

func (g *Gateway) broadcast(ctx context.Context, ev model.InteractionEvent, agg model.DailyAggregate, fired []model.AlertRecord) int {
	if g.hub == nil {
		return 0
	}
	payload, err := ws.Encode(ws.TypeMetricsUpdate, ws.MetricsUpdate{Event: ev, Aggregate: agg, Alerts: fired})
	if err != nil {
		g.log().Error("encode metrics update failed", "event_id", ev.ID, "err", err)
		return 0
	}
	res := g.hub.Broadcast(ctx, payload)
	return res.Delivered
}

// publish forwards fired alerts off the ack path, bounded by the publish
// timeout.
func (g *Gateway) publish(ctx context.Context, fired []model.AlertRecord) {
	if g.publisher == nil || len(fired) == 0 {
		return
	}
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				g.log().Error("alert publish panic", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(ctx, g.publishTimeout)
		defer cancel()
		if err := g.publisher.Publish(ctx, fired); err != nil {
			g.log().Warn("alert publish failed", "alerts", len(fired), "err", err)
		}
	}()
}

// Wait blocks until in-flight alert publishes finish.
func (g *Gateway) Wait() {
	g.pending.Wait()
}

func (g *Gateway) finish(out Outcome, err error, start time.Time) {
	elapsed := g.now().Sub(start)
	if out.Accepted {
		g.metrics.IngestOutcome(metrics.OutcomeAccepted, "", elapsed)
		g.log().Debug("event accepted",
			"event_id", out.EventID,
			"date", out.Aggregate.Date,
			"alerts", len(out.Alerts),
			"delivered", out.Delivered,
		)
		return
	}
	reason := out.Reason
	if reason == "" {
		reason = Reason(err)
	}
	g.metrics.IngestOutcome(metrics.OutcomeRejected, reason, elapsed)
	g.log().Warn("event rejected", "event_id", out.EventID, "reason", reason, "err", err)
}

func (g *Gateway) log() *slog.Logger {
	if g.logger == nil {
		return logging.Discard()
	}
	return g.logger
}

// Reason classifies an ingestion error.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, model.ErrValidation):
		return ReasonValidation
	case errors.Is(err, model.ErrDuplicateID):
		return ReasonDuplicate
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCanceled
	case errors.Is(err, model.ErrStorage):
		return ReasonStorage
	default:
		return ReasonInternal
	}
}

// Today returns the aggregation key for the current time.
func (g *Gateway) Today() string {
	return model.DateOf(g.now(), g.loc)
}

func (g *Gateway) Location() *time.Location {
	return g.loc
}

// Snapshot builds the state sent to a newly connected observer.
func (g *Gateway) Snapshot(ctx context.Context) (model.Snapshot, error) {
	recent, err := g.store.ListRecent(ctx, g.snapshotEvents)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot recent events: %w", err)
	}
	dist, err := g.store.ErrorDistribution(ctx, g.snapshotDays)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot error distribution: %w", err)
	}
	return model.Snapshot{
		GeneratedAt:       g.now(),
		Stats:             g.store.Aggregate(ctx, g.Today()),
		RecentSessions:    recent,
		ErrorDistribution: dist,
		Alerts:            g.RecentAlerts(g.snapshotEvents),
	}, nil
}

// Connect sends obs the initial snapshot and registers it for live updates.
func (g *Gateway) Connect(ctx context.Context, obs hub.Observer) error {
	return g.hub.RegisterWithSnapshot(ctx, obs, func(ctx context.Context) ([]byte, error) {
		snap, err := g.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		return ws.Encode(ws.TypeInitialData, snap)
	})
}

func (g *Gateway) Disconnect(obs hub.Observer) {
	g.hub.Unregister(obs)
}

// Aggregate returns the aggregate for date, or for today when date is empty.
func (g *Gateway) Aggregate(ctx context.Context, date string) model.DailyAggregate {
	if date == "" {
		date = g.Today()
	}
	return g.store.Aggregate(ctx, date)
}

func (g *Gateway) Recent(ctx context.Context, limit int) ([]model.InteractionEvent, error) {
	return g.store.ListRecent(ctx, limit)
}

func (g *Gateway) Distribution(ctx context.Context, days int) (map[model.ErrorType]int64, error) {
	return g.store.ErrorDistribution(ctx, days)
}

// RecentAlerts serves from the in-memory ring.
func (g *Gateway) RecentAlerts(limit int) []model.AlertRecord {
	if g.alerts == nil {
		return []model.AlertRecord{}
	}
	return g.alerts.List(limit)
}

func (g *Gateway) AlertsSince(ts time.Time) []model.AlertRecord {
	if g.alerts == nil {
		return []model.AlertRecord{}
	}
	return g.alerts.Since(ts)
}

// AlertCounts returns the in-memory alerts held per kind.
func (g *Gateway) AlertCounts() map[model.AlertKind]int {
	if g.alerts == nil {
		return map[model.AlertKind]int{}
	}
	return g.alerts.Count()
}

// ClearAlerts empties the in-memory ring and returns how many alerts it held.
// Persisted alerts are kept.
func (g *Gateway) ClearAlerts() int {
	if g.alerts == nil {
		return 0
	}
	n := g.alerts.Len()
	g.alerts.Clear()
	return n
}

func (g *Gateway) Observers() int {
	if g.hub == nil {
		return 0
	}
	return g.hub.Len()
}
