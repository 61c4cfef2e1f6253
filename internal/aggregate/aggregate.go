// Package aggregate folds interaction events into per-date statistics.
package aggregate

import (
	"math"

	"agentpulse/internal/model"
)

// Apply returns agg with ev counted exactly once. The average latency is kept
// as an incremental mean so long-running days never re-sum latencies.
func Apply(agg model.DailyAggregate, ev model.InteractionEvent) model.DailyAggregate {
	if agg.Date == "" {
		agg.Date = ev.Date
	}
	agg.Total++
	if ev.Success {
		agg.SuccessCount++
	} else {
		agg.ErrorCount++
		switch ev.ErrorType {
		case model.ErrorIntentMisunderstanding:
			agg.IntentErrors++
		case model.ErrorToolMisuse:
			agg.ToolErrors++
		case model.ErrorPath:
			agg.PathErrors++
		case model.ErrorOutputIssue:
			agg.OutputErrors++
		default:
			agg.OtherErrors++
		}
	}
	agg.AvgLatencyMS += (float64(ev.LatencyMS) - agg.AvgLatencyMS) / float64(agg.Total)
	return Rates(agg)
}

// Rates fills the derived percentages, rounded to two decimals.
func Rates(agg model.DailyAggregate) model.DailyAggregate {
	if agg.Total <= 0 {
		agg.SuccessRate = 0
		agg.ErrorRate = 0
		return agg
	}
	agg.SuccessRate = round2(float64(agg.SuccessCount) / float64(agg.Total) * 100)
	agg.ErrorRate = round2(float64(agg.ErrorCount) / float64(agg.Total) * 100)
	return agg
}

// ExactErrorRate is the unrounded error percentage used for alert decisions.
func ExactErrorRate(agg model.DailyAggregate) float64 {
	if agg.Total <= 0 {
		return 0
	}
	return float64(agg.ErrorCount) / float64(agg.Total) * 100
}

// Fold applies events in order to an empty aggregate for date.
func Fold(date string, events []model.InteractionEvent) model.DailyAggregate {
	agg := model.DailyAggregate{Date: date}
	for _, ev := range events {
		agg = Apply(agg, ev)
	}
	return Rates(agg)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
