package aggregate

import (
	"math"
	"testing"

	"pgregory.net/rapid"

	"agentpulse/internal/model"
)

func genEvent(t *rapid.T, i int) model.InteractionEvent {
	success := rapid.Bool().Draw(t, "success")
	ev := model.InteractionEvent{
		ID:        rapid.StringMatching(`[a-z0-9]{8}`).Draw(t, "id"),
		Date:      "2026-10-15",
		LatencyMS: rapid.Int64Range(0, 120000).Draw(t, "latency"),
		Success:   success,
	}
	if !success {
		ev.ErrorType = rapid.SampledFrom(model.ErrorTypes).Draw(t, "error_type")
	}
	return ev
}

func TestApplyPartitionsTotal(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 200).Draw(t, "n")
		agg := model.DailyAggregate{Date: "2026-10-15"}
		for i := 0; i < n; i++ {
			agg = Apply(agg, genEvent(t, i))
		}
		if agg.Total != int64(n) {
			t.Fatalf("total %d, want %d", agg.Total, n)
		}
		typed := agg.IntentErrors + agg.ToolErrors + agg.PathErrors + agg.OutputErrors + agg.OtherErrors
		if typed != agg.ErrorCount {
			t.Fatalf("typed errors %d != error count %d", typed, agg.ErrorCount)
		}
		if agg.SuccessCount+agg.ErrorCount != agg.Total {
			t.Fatalf("success %d + errors %d != total %d", agg.SuccessCount, agg.ErrorCount, agg.Total)
		}
	})
}

func TestIncrementalMeanMatchesSum(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 300).Draw(t, "n")
		events := make([]model.InteractionEvent, n)
		var sum float64
		for i := range events {
			events[i] = genEvent(t, i)
			sum += float64(events[i].LatencyMS)
		}
		perm := rapid.Permutation(events).Draw(t, "order")
		got := Fold("2026-10-15", perm).AvgLatencyMS
		want := sum / float64(n)
		if math.Abs(got-want) > 1e-6*math.Max(1, want) {
			t.Fatalf("incremental mean %f, want %f", got, want)
		}
	})
}

func TestPathErrorRate(t *testing.T) {
	agg := model.DailyAggregate{}
	for i := 0; i < 20; i++ {
		ev := model.InteractionEvent{Date: "2026-10-15", LatencyMS: 100, Success: true}
		if i < 2 {
			ev.Success = false
			ev.ErrorType = model.ErrorPath
		}
		agg = Apply(agg, ev)
	}
	if agg.PathErrors != 2 {
		t.Fatalf("path errors %d", agg.PathErrors)
	}
	if agg.ErrorRate != 10.0 {
		t.Fatalf("error rate %v", agg.ErrorRate)
	}
	if agg.SuccessRate != 90.0 {
		t.Fatalf("success rate %v", agg.SuccessRate)
	}
}

func TestRatesEmpty(t *testing.T) {
	agg := Rates(model.DailyAggregate{Date: "2026-10-15"})
	if agg.ErrorRate != 0 || agg.SuccessRate != 0 {
		t.Fatalf("expected zero rates, got %+v", agg)
	}
	if ExactErrorRate(agg) != 0 {
		t.Fatalf("expected zero exact rate")
	}
}
