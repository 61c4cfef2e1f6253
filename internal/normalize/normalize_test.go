package normalize

import (
	"errors"
	"strings"
	"testing"
	"time"

	"agentpulse/internal/model"
)

func latency(v int64) *int64 { return &v }
func flag(v bool) *bool      { return &v }

var fixedNow = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

func TestNormalizeDefaults(t *testing.T) {
	ev, err := Normalize(model.EventPayload{Description: "compute 2+2", LatencyMS: latency(120)}, time.UTC, fixedNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.ID == "" {
		t.Fatalf("expected generated id")
	}
	if !ev.Timestamp.Equal(fixedNow) || ev.Date != "2026-10-15" {
		t.Fatalf("timestamp/date: %v %s", ev.Timestamp, ev.Date)
	}
	if !ev.Success {
		t.Fatalf("events default to success")
	}
}

func TestNormalizeDateUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	ev, err := Normalize(model.EventPayload{
		Timestamp: "2026-10-15T20:00:00Z",
		LatencyMS: latency(1),
	}, loc, fixedNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Date != "2026-10-16" {
		t.Fatalf("date in +8 zone: %s", ev.Date)
	}
}

func TestNormalizeErrorTypeImpliesFailure(t *testing.T) {
	ev, err := Normalize(model.EventPayload{LatencyMS: latency(5), ErrorType: "path-error", Severity: "HIGH"}, time.UTC, fixedNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.Success || ev.ErrorType != model.ErrorPath || ev.Severity != model.SeverityHigh {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestNormalizeLegacyLabels(t *testing.T) {
	ev, err := Normalize(model.EventPayload{LatencyMS: latency(5), Success: flag(false), ErrorType: "工具误用", Severity: "严重"}, time.UTC, fixedNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.ErrorType != model.ErrorToolMisuse || ev.Severity != model.SeverityCritical {
		t.Fatalf("legacy labels not mapped: %+v", ev)
	}
}

func TestNormalizeRejects(t *testing.T) {
	cases := []struct {
		name    string
		payload model.EventPayload
		field   string
	}{
		{"missing latency", model.EventPayload{}, "latency_ms"},
		{"negative latency", model.EventPayload{LatencyMS: latency(-1)}, "latency_ms"},
		{"bad error type", model.EventPayload{LatencyMS: latency(1), ErrorType: "cosmic-ray"}, "error_type"},
		{"bad severity", model.EventPayload{LatencyMS: latency(1), Severity: "apocalyptic"}, "severity"},
		{"bad timestamp", model.EventPayload{LatencyMS: latency(1), Timestamp: "yesterday"}, "timestamp"},
		{"unnamed tool", model.EventPayload{LatencyMS: latency(1), Tools: []model.ToolInvocationInput{{Tool: " "}}}, "tools[0].tool"},
		{"long id", model.EventPayload{LatencyMS: latency(1), ID: strings.Repeat("x", MaxIDLength+1)}, "id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.payload, time.UTC, fixedNow)
			if !errors.Is(err, model.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var verr *model.ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Fatalf("expected field %s, got %v", tc.field, err)
			}
		})
	}
}

func TestNormalizeTruncatesDescription(t *testing.T) {
	long := strings.Repeat("意", MaxDescriptionRunes+20)
	ev, err := Normalize(model.EventPayload{Description: long, LatencyMS: latency(1)}, time.UTC, fixedNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got := len([]rune(ev.Description)); got != MaxDescriptionRunes {
		t.Fatalf("description runes: %d", got)
	}
}

func TestParseTimestampUnix(t *testing.T) {
	ts, err := ParseTimestamp("1760520600000", time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ts.UnixMilli() != 1760520600000 {
		t.Fatalf("unix millis: %d", ts.UnixMilli())
	}
	if _, err := ParseTimestamp("2026-10-15 12:34:56", time.UTC); err != nil {
		t.Fatalf("naive timestamp: %v", err)
	}
}
