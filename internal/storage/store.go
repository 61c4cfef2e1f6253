package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentpulse/internal/config"
	"agentpulse/internal/logging"
	"agentpulse/internal/model"
)

const (
	// MaxListLimit bounds every list query.
	MaxListLimit = 1000
	// MaxWindowDays bounds the error distribution window.
	MaxWindowDays = 366
)

// Store owns raw events, daily aggregates and alert records.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Append durably records ev and folds it into its date's aggregate in the
	// same transaction. It returns the event as stored, with its date and
	// fallbacks filled in, and the aggregate after it was applied.
	Append(ctx context.Context, ev model.InteractionEvent) (model.InteractionEvent, model.DailyAggregate, error)
	// Aggregate returns the date's aggregate, or a zero aggregate when the
	// date has none or the read fails.
	Aggregate(ctx context.Context, date string) model.DailyAggregate
	ListRecent(ctx context.Context, limit int) ([]model.InteractionEvent, error)
	ErrorDistribution(ctx context.Context, windowDays int) (map[model.ErrorType]int64, error)
	RecomputeAggregate(ctx context.Context, date string) (model.DailyAggregate, error)

	SaveAlert(ctx context.Context, alert model.AlertRecord) (int64, error)
	ListAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error)

	// ListAggregates returns up to limit aggregates, newest date first.
	ListAggregates(ctx context.Context, limit int) ([]model.DailyAggregate, error)
	// RecentErrors returns up to limit failed events, newest first.
	RecentErrors(ctx context.Context, limit int) ([]model.InteractionEvent, error)
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

func NewStore(cfg config.StorageConfig, opts Options) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		return NewSQLite(cfg.DSN, opts)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(cfg.DSN, opts)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// PrepareEvent applies the store-level invariants: latency must be
// non-negative, the date is derived from the timestamp, and a failed event
// without a classification is recorded as "other" with severity "low".
func PrepareEvent(ev model.InteractionEvent, loc *time.Location) (model.InteractionEvent, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return ev, model.Invalid("id", "required")
	}
	if ev.LatencyMS < 0 {
		return ev, model.Invalid("latency_ms", "must be >= 0, got %d", ev.LatencyMS)
	}
	if ev.Timestamp.IsZero() {
		return ev, model.Invalid("timestamp", "required")
	}
	if ev.ErrorType != "" && !ev.ErrorType.Valid() {
		return ev, model.Invalid("error_type", "unknown classification %q", ev.ErrorType)
	}
	if ev.Severity != "" && !ev.Severity.Valid() {
		return ev, model.Invalid("severity", "unknown severity %q", ev.Severity)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	ev.Date = model.DateOf(ev.Timestamp, loc)
	if !ev.Success && ev.ErrorType == "" {
		ev.ErrorType = model.ErrorOther
		if ev.Severity == "" {
			ev.Severity = model.SeverityLow
		}
	}
	return ev, nil
}

func checkLimit(limit int) error {
	if limit <= 0 || limit > MaxListLimit {
		return fmt.Errorf("%w: limit must be within 1..%d, got %d", model.ErrInvalidArgument, MaxListLimit, limit)
	}
	return nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrDuplicateID) || errors.Is(err, model.ErrValidation) {
		return err
	}
	return &model.StorageError{Op: op, Err: err}
}
