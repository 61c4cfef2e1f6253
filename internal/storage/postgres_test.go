package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"agentpulse/internal/model"
)

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return newSQLStore(db, "", postgresDialect, Options{Now: func() time.Time { return testNow }}), mock
}

var aggregateRowColumns = []string{
	"date", "total", "success_count", "error_count", "intent_errors", "tool_errors",
	"path_errors", "output_errors", "other_errors", "avg_latency_ms", "updated_at",
}

func TestBindNumbersPlaceholders(t *testing.T) {
	got := postgresDialect.bind("SELECT a FROM t WHERE x = ? AND y = ?")
	if got != "SELECT a FROM t WHERE x = $1 AND y = $2" {
		t.Fatalf("unexpected bind: %s", got)
	}
	if sqliteDialect.bind("x = ?") != "x = ?" {
		t.Fatalf("sqlite placeholders must be unchanged")
	}
}

func TestPostgresAppend(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM events WHERE id = \$1`).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}))
	mock.ExpectExec("INSERT INTO events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT date, total").
		WithArgs("2026-03-10").
		WillReturnRows(sqlmock.NewRows(aggregateRowColumns).
			AddRow("2026-03-10", int64(1), int64(1), int64(0), int64(0), int64(0), int64(0), int64(0), int64(0), 100.0, testNow))
	mock.ExpectExec("INSERT INTO daily_aggregates").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, agg, err := st.Append(context.Background(), event("e1", testNow, 300, model.ErrorPath))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if agg.Total != 2 || agg.PathErrors != 1 || agg.AvgLatencyMS != 200 || agg.ErrorRate != 50 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresAppendUniqueViolation(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM events`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}))
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, _, err := st.Append(context.Background(), event("race", testNow, 10, ""))
	if !errors.Is(err, model.ErrDuplicateID) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresAggregateReadFailureIsZero(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT date, total").
		WithArgs("2026-03-10").
		WillReturnError(errors.New("connection reset"))

	agg := st.Aggregate(context.Background(), "2026-03-10")
	if agg.Date != "2026-03-10" || agg.Total != 0 {
		t.Fatalf("expected zero aggregate, got %+v", agg)
	}
}

func TestPostgresSaveAlert(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO alerts .* RETURNING id`).
		WithArgs("critical_error", "critical", "critical error", 0.0, 0.0, testNow, false, "e9").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := st.SaveAlert(context.Background(), model.AlertRecord{
		Kind:      model.AlertCriticalError,
		Severity:  model.AlertCritical,
		Message:   "critical error",
		Timestamp: testNow,
		EventID:   "e9",
	})
	if err != nil {
		t.Fatalf("save alert: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected id 7, got %d", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unfulfilled expectations: %v", err)
	}
}

func TestPostgresStorageErrorIsClassified(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, kind").
		WillReturnError(errors.New("timeout"))

	_, err := st.ListAlerts(context.Background(), 5)
	if !errors.Is(err, model.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}
