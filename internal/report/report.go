// Package report exports stored telemetry as a JSON document and renders
// the text dashboard.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"agentpulse/internal/model"
)

const (
	MaxDays         = 30
	MaxRecentErrors = 50
	MaxAlerts       = 100

	// Quality targets shown next to the summary figures.
	TargetErrorRate   = 5.0
	TargetSuccessRate = 95.0
)

type Source interface {
	ListAggregates(ctx context.Context, limit int) ([]model.DailyAggregate, error)
	RecentErrors(ctx context.Context, limit int) ([]model.InteractionEvent, error)
	ListAlerts(ctx context.Context, limit int) ([]model.AlertRecord, error)
}

type Report struct {
	GeneratedAt  time.Time                `json:"generated_at"`
	Summary      Summary                  `json:"summary"`
	Daily        []model.DailyAggregate   `json:"daily"`
	RecentErrors []model.InteractionEvent `json:"recent_errors"`
	Alerts       []model.AlertRecord      `json:"alerts"`
}

// Summary totals the reported days.
type Summary struct {
	Days              int                       `json:"days"`
	TotalInteractions int64                     `json:"total_interactions"`
	TotalErrors       int64                     `json:"total_errors"`
	ErrorRate         float64                   `json:"error_rate"`
	AvgSuccessRate    float64                   `json:"avg_success_rate"`
	ErrorRateMet      bool                      `json:"error_rate_target_met"`
	SuccessRateMet    bool                      `json:"success_rate_target_met"`
	ErrorsByType      map[model.ErrorType]int64 `json:"errors_by_type"`
	ErrorsBySeverity  map[model.Severity]int64  `json:"errors_by_severity"`
}

// Build reads the newest MaxDays aggregates and returns them oldest first.
func Build(ctx context.Context, src Source, now time.Time) (Report, error) {
	days, err := src.ListAggregates(ctx, MaxDays)
	if err != nil {
		return Report{}, fmt.Errorf("list aggregates: %w", err)
	}
	for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
		days[i], days[j] = days[j], days[i]
	}
	recent, err := src.RecentErrors(ctx, MaxRecentErrors)
	if err != nil {
		return Report{}, fmt.Errorf("list recent errors: %w", err)
	}
	alerts, err := src.ListAlerts(ctx, MaxAlerts)
	if err != nil {
		return Report{}, fmt.Errorf("list alerts: %w", err)
	}
	if days == nil {
		days = []model.DailyAggregate{}
	}
	if recent == nil {
		recent = []model.InteractionEvent{}
	}
	if alerts == nil {
		alerts = []model.AlertRecord{}
	}
	return Report{
		GeneratedAt:  now,
		Summary:      summarize(days, recent),
		Daily:        days,
		RecentErrors: recent,
		Alerts:       alerts,
	}, nil
}

func summarize(days []model.DailyAggregate, recent []model.InteractionEvent) Summary {
	s := Summary{
		Days:             len(days),
		ErrorsByType:     map[model.ErrorType]int64{},
		ErrorsBySeverity: map[model.Severity]int64{},
	}
	var successSum float64
	for _, d := range days {
		s.TotalInteractions += d.Total
		s.TotalErrors += d.ErrorCount
		successSum += d.SuccessRate
		s.ErrorsByType[model.ErrorIntentMisunderstanding] += d.IntentErrors
		s.ErrorsByType[model.ErrorToolMisuse] += d.ToolErrors
		s.ErrorsByType[model.ErrorPath] += d.PathErrors
		s.ErrorsByType[model.ErrorOutputIssue] += d.OutputErrors
		s.ErrorsByType[model.ErrorOther] += d.OtherErrors
	}
	for _, ev := range recent {
		s.ErrorsBySeverity[ev.Severity]++
	}
	if s.TotalInteractions > 0 {
		s.ErrorRate = round2(float64(s.TotalErrors) / float64(s.TotalInteractions) * 100)
	}
	if len(days) > 0 {
		s.AvgSuccessRate = round2(successSum / float64(len(days)))
	}
	s.ErrorRateMet = s.ErrorRate < TargetErrorRate
	s.SuccessRateMet = len(days) > 0 && s.AvgSuccessRate >= TargetSuccessRate
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Write stores r at path, creating parent directories.
func Write(path string, r Report) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func Read(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("parse report %s: %w", path, err)
	}
	return r, nil
}
