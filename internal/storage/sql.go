package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentpulse/internal/aggregate"
	"agentpulse/internal/model"
)

type sqlStore struct {
	db      *sql.DB
	dsn     string
	dialect dialect
	locks   *dateLocks
	loc     *time.Location
	now     func() time.Time
	logger  *slog.Logger
}

func newSQLStore(db *sql.DB, dsn string, d dialect, opts Options) *sqlStore {
	opts = opts.withDefaults()
	return &sqlStore{
		db:      db,
		dsn:     dsn,
		dialect: d,
		locks:   newDateLocks(),
		loc:     opts.Location,
		now:     opts.Now,
		logger:  opts.Logger,
	}
}

const eventColumns = `id, ts, date, description, intent, latency_ms, success, error_type, severity, source`

const aggregateColumns = `date, total, success_count, error_count, intent_errors, tool_errors, path_errors, output_errors, other_errors, avg_latency_ms, updated_at`

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	return s.dialect.bind(query)
}

func (s *sqlStore) today() string {
	return model.DateOf(s.now(), s.loc)
}

func (s *sqlStore) Append(ctx context.Context, ev model.InteractionEvent) (model.InteractionEvent, model.DailyAggregate, error) {
	ev, err := PrepareEvent(ev, s.loc)
	if err != nil {
		return model.InteractionEvent{}, model.DailyAggregate{}, err
	}

	unlock := s.locks.Lock(ev.Date)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.InteractionEvent{}, model.DailyAggregate{}, storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM events WHERE id = ?`), ev.ID).Scan(&exists)
	switch {
	case err == nil:
		return model.InteractionEvent{}, model.DailyAggregate{}, fmt.Errorf("%w: %s", model.ErrDuplicateID, ev.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return model.InteractionEvent{}, model.DailyAggregate{}, storageErr("lookup event", err)
	}

	if err := s.insertEvent(ctx, tx, ev); err != nil {
		return model.InteractionEvent{}, model.DailyAggregate{}, err
	}

	current, err := s.readAggregate(ctx, tx, ev.Date)
	if err != nil {
		return model.InteractionEvent{}, model.DailyAggregate{}, storageErr("read aggregate", err)
	}
	next := aggregate.Apply(current, ev)
	next.UpdatedAt = s.now().UTC()
	if err := s.writeAggregate(ctx, tx, next); err != nil {
		return model.InteractionEvent{}, model.DailyAggregate{}, storageErr("write aggregate", err)
	}
	if err := tx.Commit(); err != nil {
		return model.InteractionEvent{}, model.DailyAggregate{}, storageErr("commit", err)
	}
	return ev, next, nil
}

func (s *sqlStore) insertEvent(ctx context.Context, tx *sql.Tx, ev model.InteractionEvent) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID,
		s.dialect.timeArg(ev.Timestamp),
		ev.Date,
		ev.Description,
		ev.Intent,
		ev.LatencyMS,
		ev.Success,
		nullString(string(ev.ErrorType)),
		nullString(string(ev.Severity)),
		ev.Source,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", model.ErrDuplicateID, ev.ID)
		}
		return storageErr("insert event", err)
	}
	if len(ev.Tools) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.q(`INSERT INTO tool_invocations (event_id, position, tool, params_json, ts)
		VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return storageErr("prepare tools", err)
	}
	defer stmt.Close()
	for i, tool := range ev.Tools {
		if _, err := stmt.ExecContext(ctx,
			ev.ID,
			i,
			tool.Tool,
			encodeJSON(tool.Params),
			s.dialect.timeArg(tool.Timestamp),
		); err != nil {
			return storageErr("insert tool", err)
		}
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) readAggregate(ctx context.Context, q queryer, date string) (model.DailyAggregate, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+aggregateColumns+` FROM daily_aggregates WHERE date = ?`), date)
	agg, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DailyAggregate{Date: date}, nil
	}
	return agg, err
}

func (s *sqlStore) writeAggregate(ctx context.Context, tx *sql.Tx, agg model.DailyAggregate) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO daily_aggregates (`+aggregateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date) DO UPDATE SET
			total = excluded.total,
			success_count = excluded.success_count,
			error_count = excluded.error_count,
			intent_errors = excluded.intent_errors,
			tool_errors = excluded.tool_errors,
			path_errors = excluded.path_errors,
			output_errors = excluded.output_errors,
			other_errors = excluded.other_errors,
			avg_latency_ms = excluded.avg_latency_ms,
			updated_at = excluded.updated_at`),
		agg.Date,
		agg.Total,
		agg.SuccessCount,
		agg.ErrorCount,
		agg.IntentErrors,
		agg.ToolErrors,
		agg.PathErrors,
		agg.OutputErrors,
		agg.OtherErrors,
		agg.AvgLatencyMS,
		s.dialect.timeArg(agg.UpdatedAt),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAggregate(row scanner) (model.DailyAggregate, error) {
	var agg model.DailyAggregate
	var updated any
	if err := row.Scan(
		&agg.Date,
		&agg.Total,
		&agg.SuccessCount,
		&agg.ErrorCount,
		&agg.IntentErrors,
		&agg.ToolErrors,
		&agg.PathErrors,
		&agg.OutputErrors,
		&agg.OtherErrors,
		&agg.AvgLatencyMS,
		&updated,
	); err != nil {
		return model.DailyAggregate{}, err
	}
	ts, err := parseDBTime(updated)
	if err != nil {
		return model.DailyAggregate{}, err
	}
	agg.UpdatedAt = ts
	return aggregate.Rates(agg), nil
}

func (s *sqlStore) Aggregate(ctx context.Context, date string) model.DailyAggregate {
	date = strings.TrimSpace(date)
	if date == "" {
		date = s.today()
	}
	agg, err := s.readAggregate(ctx, s.db, date)
	if err != nil {
		s.logger.Warn("aggregate read failed", "date", date, "err", err)
		return model.DailyAggregate{Date: date}
	}
	return agg
}

func (s *sqlStore) ListRecent(ctx context.Context, limit int) ([]model.InteractionEvent, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx, `ORDER BY ts DESC, id DESC LIMIT ?`, limit)
}

func (s *sqlStore) RecentErrors(ctx context.Context, limit int) ([]model.InteractionEvent, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	return s.queryEvents(ctx, `WHERE success = ? ORDER BY ts DESC, id DESC LIMIT ?`, false, limit)
}

// queryEvents reads events and then their tool invocations. Rows are closed
// before the second query because the SQLite pool has a single connection.
func (s *sqlStore) queryEvents(ctx context.Context, clause string, args ...any) ([]model.InteractionEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+eventColumns+` FROM events `+clause), args...)
	if err != nil {
		return nil, storageErr("query events", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, storageErr("scan events", err)
	}
	if err := s.attachTools(ctx, events); err != nil {
		return nil, storageErr("query tools", err)
	}
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]model.InteractionEvent, error) {
	defer rows.Close()
	out := make([]model.InteractionEvent, 0)
	for rows.Next() {
		var ev model.InteractionEvent
		var ts any
		var errType, severity sql.NullString
		if err := rows.Scan(
			&ev.ID,
			&ts,
			&ev.Date,
			&ev.Description,
			&ev.Intent,
			&ev.LatencyMS,
			&ev.Success,
			&errType,
			&severity,
			&ev.Source,
		); err != nil {
			return nil, err
		}
		parsed, err := parseDBTime(ts)
		if err != nil {
			return nil, err
		}
		ev.Timestamp = parsed
		ev.ErrorType = model.ErrorType(errType.String)
		ev.Severity = model.Severity(severity.String)
		ev.Tools = []model.ToolInvocation{}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) attachTools(ctx context.Context, events []model.InteractionEvent) error {
	if len(events) == 0 {
		return nil
	}
	index := make(map[string]int, len(events))
	args := make([]any, 0, len(events))
	for i, ev := range events {
		index[ev.ID] = i
		args = append(args, ev.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(events)), ", ")
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT event_id, tool, params_json, ts FROM tool_invocations
		WHERE event_id IN (`+placeholders+`) ORDER BY event_id, position`), args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var eventID, tool string
		var params []byte
		var ts any
		if err := rows.Scan(&eventID, &tool, &params, &ts); err != nil {
			return err
		}
		parsed, err := parseDBTime(ts)
		if err != nil {
			return err
		}
		inv := model.ToolInvocation{Tool: tool, Timestamp: parsed}
		if len(params) > 0 && string(params) != "null" {
			if err := json.Unmarshal(params, &inv.Params); err != nil {
				return fmt.Errorf("decode params for %s: %w", eventID, err)
			}
		}
		i, ok := index[eventID]
		if !ok {
			continue
		}
		events[i].Tools = append(events[i].Tools, inv)
	}
	return rows.Err()
}

func (s *sqlStore) ErrorDistribution(ctx context.Context, windowDays int) (map[model.ErrorType]int64, error) {
	if windowDays <= 0 || windowDays > MaxWindowDays {
		return nil, fmt.Errorf("%w: window must be within 1..%d days, got %d", model.ErrInvalidArgument, MaxWindowDays, windowDays)
	}
	end := s.now().In(s.loc)
	start := end.AddDate(0, 0, -(windowDays - 1))
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT error_type, COUNT(*) FROM events
		WHERE date >= ? AND date <= ? AND success = ? AND error_type IS NOT NULL
		GROUP BY error_type`),
		start.Format(model.DateLayout),
		end.Format(model.DateLayout),
		false,
	)
	if err != nil {
		return nil, storageErr("error distribution", err)
	}
	defer rows.Close()
	out := make(map[model.ErrorType]int64)
	for rows.Next() {
		var errType string
		var count int64
		if err := rows.Scan(&errType, &count); err != nil {
			return nil, storageErr("error distribution", err)
		}
		out[model.ErrorType(errType)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("error distribution", err)
	}
	return out, nil
}

func (s *sqlStore) RecomputeAggregate(ctx context.Context, date string) (model.DailyAggregate, error) {
	if _, err := time.Parse(model.DateLayout, date); err != nil {
		return model.DailyAggregate{}, fmt.Errorf("%w: date %q", model.ErrInvalidArgument, date)
	}
	unlock := s.locks.Lock(date)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.DailyAggregate{}, storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.q(`SELECT latency_ms, success, error_type FROM events WHERE date = ? ORDER BY seq`), date)
	if err != nil {
		return model.DailyAggregate{}, storageErr("recompute", err)
	}
	agg := model.DailyAggregate{Date: date}
	for rows.Next() {
		var ev model.InteractionEvent
		var errType sql.NullString
		if err := rows.Scan(&ev.LatencyMS, &ev.Success, &errType); err != nil {
			rows.Close()
			return model.DailyAggregate{}, storageErr("recompute", err)
		}
		ev.Date = date
		ev.ErrorType = model.ErrorType(errType.String)
		agg = aggregate.Apply(agg, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return model.DailyAggregate{}, storageErr("recompute", err)
	}
	rows.Close()

	agg.UpdatedAt = s.now().UTC()
	if agg.Total > 0 {
		if err := s.writeAggregate(ctx, tx, agg); err != nil {
			return model.DailyAggregate{}, storageErr("recompute", err)
		}
	} else if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM daily_aggregates WHERE date = ?`), date); err != nil {
		return model.DailyAggregate{}, storageErr("recompute", err)
	}
	if err := tx.Commit(); err != nil {
		return model.DailyAggregate{}, storageErr("commit", err)
	}
	return aggregate.Rates(agg), nil
}

func (s *sqlStore) ListAggregates(ctx context.Context, limit int) ([]model.DailyAggregate, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+aggregateColumns+` FROM daily_aggregates ORDER BY date DESC LIMIT ?`), limit)
	if err != nil {
		return nil, storageErr("list aggregates", err)
	}
	defer rows.Close()
	out := make([]model.DailyAggregate, 0)
	for rows.Next() {
		agg, err := scanAggregate(rows)
		if err != nil {
			return nil, storageErr("list aggregates", err)
		}
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list aggregates", err)
	}
	return out, nil
}

func (s *sqlStore) SaveAlert(ctx context.Context, alert model.AlertRecord) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO alerts (kind, severity, message, metric_value, threshold, ts, acknowledged, event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		string(alert.Kind),
		string(alert.Severity),
		alert.Message,
		alert.MetricValue,
		alert.Threshold,
		s.dialect.timeArg(alert.Timestamp),
		alert.Acknowledged,
		alert.EventID,
	).Scan(&id)
	if err != nil {
		return 0, storageErr("save alert", err)
	}
	return id, nil
}

func (s *sqlStore) ListAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error) {
	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, kind, severity, message, metric_value, threshold, ts, acknowledged, event_id
		FROM alerts ORDER BY ts DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, storageErr("list alerts", err)
	}
	defer rows.Close()
	out := make([]model.AlertRecord, 0)
	for rows.Next() {
		var a model.AlertRecord
		var kind, severity string
		var ts any
		if err := rows.Scan(&a.ID, &kind, &severity, &a.Message, &a.MetricValue, &a.Threshold, &ts, &a.Acknowledged, &a.EventID); err != nil {
			return nil, storageErr("list alerts", err)
		}
		parsed, err := parseDBTime(ts)
		if err != nil {
			return nil, storageErr("list alerts", err)
		}
		a.Kind = model.AlertKind(kind)
		a.Severity = model.AlertSeverity(severity)
		a.Timestamp = parsed
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list alerts", err)
	}
	return out, nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
