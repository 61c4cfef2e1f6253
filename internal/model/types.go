package model

import "time"

// DateLayout is the calendar-date key used for daily aggregation.
const DateLayout = "2006-01-02"

type ErrorType string

const (
	ErrorIntentMisunderstanding ErrorType = "intent_misunderstanding"
	ErrorToolMisuse             ErrorType = "tool_misuse"
	ErrorPath                   ErrorType = "path_error"
	ErrorOutputIssue            ErrorType = "output_issue"
	ErrorOther                  ErrorType = "other"
)

var ErrorTypes = []ErrorType{
	ErrorIntentMisunderstanding,
	ErrorToolMisuse,
	ErrorPath,
	ErrorOutputIssue,
	ErrorOther,
}

func (t ErrorType) Valid() bool {
	for _, v := range ErrorTypes {
		if v == t {
			return true
		}
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Serious reports whether the severity should raise a critical-error alert.
func (s Severity) Serious() bool {
	return s == SeverityHigh || s == SeverityCritical
}

type ToolInvocation struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// InteractionEvent is one observed interaction. It is never modified after
// the store accepts it.
type InteractionEvent struct {
	ID          string           `json:"id"`
	Timestamp   time.Time        `json:"timestamp"`
	Date        string           `json:"date"`
	Description string           `json:"description"`
	Intent      string           `json:"intent,omitempty"`
	Tools       []ToolInvocation `json:"tools"`
	LatencyMS   int64            `json:"latency_ms"`
	Success     bool             `json:"success"`
	ErrorType   ErrorType        `json:"error_type,omitempty"`
	Severity    Severity         `json:"severity,omitempty"`
	Source      string           `json:"source,omitempty"`
}

// EventPayload is the loosely typed shape producers send. Normalization turns
// it into an InteractionEvent.
type EventPayload struct {
	ID          string                `json:"id,omitempty"`
	Timestamp   string                `json:"timestamp,omitempty"`
	Description string                `json:"description"`
	Intent      string                `json:"intent,omitempty"`
	Tools       []ToolInvocationInput `json:"tools,omitempty"`
	LatencyMS   *int64                `json:"latency_ms"`
	Success     *bool                 `json:"success"`
	ErrorType   string                `json:"error_type,omitempty"`
	Severity    string                `json:"severity,omitempty"`
}

type ToolInvocationInput struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// DailyAggregate holds the rolling statistics for one calendar date.
// SuccessRate and ErrorRate are derived on read and never stored.
type DailyAggregate struct {
	Date         string    `json:"date"`
	Total        int64     `json:"total"`
	SuccessCount int64     `json:"success_count"`
	ErrorCount   int64     `json:"error_count"`
	IntentErrors int64     `json:"intent_errors"`
	ToolErrors   int64     `json:"tool_errors"`
	PathErrors   int64     `json:"path_errors"`
	OutputErrors int64     `json:"output_errors"`
	OtherErrors  int64     `json:"other_errors"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	SuccessRate  float64   `json:"success_rate"`
	ErrorRate    float64   `json:"error_rate"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type AlertKind string

const (
	AlertErrorRateHigh    AlertKind = "error_rate_high"
	AlertResponseTimeHigh AlertKind = "response_time_high"
	AlertCriticalError    AlertKind = "critical_error"
)

var AlertKinds = []AlertKind{AlertErrorRateHigh, AlertResponseTimeHigh, AlertCriticalError}

type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

type AlertRecord struct {
	ID           int64         `json:"id,omitempty"`
	Kind         AlertKind     `json:"kind"`
	Severity     AlertSeverity `json:"severity"`
	Message      string        `json:"message"`
	MetricValue  float64       `json:"metric_value"`
	Threshold    float64       `json:"threshold"`
	Timestamp    time.Time     `json:"timestamp"`
	Acknowledged bool          `json:"acknowledged"`
	EventID      string        `json:"event_id,omitempty"`
}

// DateOf returns the aggregation key for ts in loc.
func DateOf(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format(DateLayout)
}

// Snapshot is the state a new observer receives before live updates.
type Snapshot struct {
	GeneratedAt       time.Time           `json:"generated_at"`
	Stats             DailyAggregate      `json:"stats"`
	RecentSessions    []InteractionEvent  `json:"recent_sessions"`
	ErrorDistribution map[ErrorType]int64 `json:"error_distribution"`
	Alerts            []AlertRecord       `json:"alerts"`
}
