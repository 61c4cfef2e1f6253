package normalize

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"agentpulse/internal/model"
)

const (
	MaxDescriptionRunes = 200
	MaxIDLength         = 128
	MaxTools            = 256
)

var errorTypeAliases = map[string]model.ErrorType{
	"intent_misunderstanding": model.ErrorIntentMisunderstanding,
	"intent":                  model.ErrorIntentMisunderstanding,
	"意图误解":                    model.ErrorIntentMisunderstanding,
	"tool_misuse":             model.ErrorToolMisuse,
	"tool":                    model.ErrorToolMisuse,
	"工具误用":                    model.ErrorToolMisuse,
	"path_error":              model.ErrorPath,
	"path":                    model.ErrorPath,
	"路径错误":                    model.ErrorPath,
	"output_issue":            model.ErrorOutputIssue,
	"output":                  model.ErrorOutputIssue,
	"输出不当":                    model.ErrorOutputIssue,
	"other":                   model.ErrorOther,
	"其他":                      model.ErrorOther,
}

var severityAliases = map[string]model.Severity{
	"low":      model.SeverityLow,
	"低":        model.SeverityLow,
	"medium":   model.SeverityMedium,
	"中":        model.SeverityMedium,
	"high":     model.SeverityHigh,
	"高":        model.SeverityHigh,
	"critical": model.SeverityCritical,
	"严重":       model.SeverityCritical,
}

// Normalize validates a producer payload and converts it to an event. The
// calendar date is derived from the timestamp in loc.
func Normalize(p model.EventPayload, loc *time.Location, now time.Time) (model.InteractionEvent, error) {
	if loc == nil {
		loc = time.UTC
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if len(id) > MaxIDLength {
		return model.InteractionEvent{}, model.Invalid("id", "longer than %d bytes", MaxIDLength)
	}

	ts := now.UTC()
	if strings.TrimSpace(p.Timestamp) != "" {
		parsed, err := ParseTimestamp(p.Timestamp, loc)
		if err != nil {
			return model.InteractionEvent{}, model.Invalid("timestamp", "%v", err)
		}
		ts = parsed.UTC()
	}

	if p.LatencyMS == nil {
		return model.InteractionEvent{}, model.Invalid("latency_ms", "required")
	}
	if *p.LatencyMS < 0 {
		return model.InteractionEvent{}, model.Invalid("latency_ms", "must be >= 0, got %d", *p.LatencyMS)
	}

	errType, err := ParseErrorType(p.ErrorType)
	if err != nil {
		return model.InteractionEvent{}, err
	}
	severity, err := ParseSeverity(p.Severity)
	if err != nil {
		return model.InteractionEvent{}, err
	}

	success := errType == ""
	if p.Success != nil {
		success = *p.Success
	}

	if len(p.Tools) > MaxTools {
		return model.InteractionEvent{}, model.Invalid("tools", "more than %d invocations", MaxTools)
	}
	tools := make([]model.ToolInvocation, 0, len(p.Tools))
	for i, t := range p.Tools {
		name := strings.TrimSpace(t.Tool)
		if name == "" {
			return model.InteractionEvent{}, model.Invalid(fmt.Sprintf("tools[%d].tool", i), "required")
		}
		toolTS := ts
		if strings.TrimSpace(t.Timestamp) != "" {
			parsed, err := ParseTimestamp(t.Timestamp, loc)
			if err != nil {
				return model.InteractionEvent{}, model.Invalid(fmt.Sprintf("tools[%d].timestamp", i), "%v", err)
			}
			toolTS = parsed.UTC()
		}
		tools = append(tools, model.ToolInvocation{Tool: name, Params: t.Params, Timestamp: toolTS})
	}

	return model.InteractionEvent{
		ID:          id,
		Timestamp:   ts,
		Date:        model.DateOf(ts, loc),
		Description: Truncate(strings.TrimSpace(p.Description), MaxDescriptionRunes),
		Intent:      Truncate(strings.TrimSpace(p.Intent), MaxDescriptionRunes),
		Tools:       tools,
		LatencyMS:   *p.LatencyMS,
		Success:     success,
		ErrorType:   errType,
		Severity:    severity,
	}, nil
}

func ParseErrorType(value string) (model.ErrorType, error) {
	key := canonical(value)
	if key == "" {
		return "", nil
	}
	if t, ok := errorTypeAliases[key]; ok {
		return t, nil
	}
	return "", model.Invalid("error_type", "unknown classification %q", value)
}

func ParseSeverity(value string) (model.Severity, error) {
	key := canonical(value)
	if key == "" {
		return "", nil
	}
	if s, ok := severityAliases[key]; ok {
		return s, nil
	}
	return "", model.Invalid("severity", "unknown severity %q", value)
}

func canonical(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	return strings.NewReplacer("-", "_", " ", "_").Replace(v)
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// ParseTimestamp accepts RFC3339 variants, naive ISO timestamps (interpreted
// in loc) and unix seconds or milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
