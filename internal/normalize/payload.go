package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"agentpulse/internal/model"
)

// Field aliases accepted from producers. The second and later names are the
// ones older tracker clients send.
var (
	idKeys          = []string{"id", "session_id", "event_id"}
	timestampKeys   = []string{"timestamp", "time", "ts"}
	descriptionKeys = []string{"description", "user_input", "input"}
	intentKeys      = []string{"intent", "ai_understanding", "understanding"}
	toolsKeys       = []string{"tools", "tools_used"}
	latencyKeys     = []string{"latency_ms", "response_time_ms", "latency"}
	successKeys     = []string{"success", "ok"}
	errorTypeKeys   = []string{"error_type", "error"}
	severityKeys    = []string{"severity", "error_severity"}
)

// DecodePayload reads one JSON object into an EventPayload, accepting the
// field aliases above. Keys are matched case-insensitively.
func DecodePayload(data []byte) (model.EventPayload, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return model.EventPayload{}, model.Invalid("body", "expected a JSON object: %v", err)
	}
	if obj == nil {
		return model.EventPayload{}, model.Invalid("body", "expected a JSON object")
	}
	return PayloadFromMap(obj)
}

func PayloadFromMap(obj map[string]json.RawMessage) (model.EventPayload, error) {
	fields := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		fields[strings.ToLower(strings.TrimSpace(k))] = v
	}
	var p model.EventPayload
	var err error
	if p.ID, err = stringField(fields, "id", idKeys); err != nil {
		return p, err
	}
	if p.Timestamp, err = stringField(fields, "timestamp", timestampKeys); err != nil {
		return p, err
	}
	if p.Description, err = stringField(fields, "description", descriptionKeys); err != nil {
		return p, err
	}
	if p.Intent, err = stringField(fields, "intent", intentKeys); err != nil {
		return p, err
	}
	if p.ErrorType, err = stringField(fields, "error_type", errorTypeKeys); err != nil {
		return p, err
	}
	if p.Severity, err = stringField(fields, "severity", severityKeys); err != nil {
		return p, err
	}
	if p.LatencyMS, err = int64Field(fields, "latency_ms", latencyKeys); err != nil {
		return p, err
	}
	if p.Success, err = boolField(fields, "success", successKeys); err != nil {
		return p, err
	}
	if p.Tools, err = toolsField(fields, toolsKeys); err != nil {
		return p, err
	}
	return p, nil
}

func first(fields map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}
		return trimmed, true
	}
	return nil, false
}

func stringField(fields map[string]json.RawMessage, name string, keys []string) (string, error) {
	raw, ok := first(fields, keys)
	if !ok {
		return "", nil
	}
	return rawString(name, raw)
}

func rawString(name string, raw json.RawMessage) (string, error) {
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", model.Invalid(name, "%v", err)
		}
		return s, nil
	case '{', '[':
		return "", model.Invalid(name, "expected a string")
	default:
		// numbers and booleans keep their literal text
		return string(raw), nil
	}
}

func int64Field(fields map[string]json.RawMessage, name string, keys []string) (*int64, error) {
	raw, ok := first(fields, keys)
	if !ok {
		return nil, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, model.Invalid(name, "expected a number")
	}
	if v, err := n.Int64(); err == nil {
		return &v, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return nil, model.Invalid(name, "expected a whole number, got %s", n.String())
	}
	v := int64(f)
	return &v, nil
}

func boolField(fields map[string]json.RawMessage, name string, keys []string) (*bool, error) {
	raw, ok := first(fields, keys)
	if !ok {
		return nil, nil
	}
	s, err := rawString(name, raw)
	if err != nil {
		return nil, err
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return nil, model.Invalid(name, "expected a boolean, got %q", s)
	}
	return &v, nil
}

func toolsField(fields map[string]json.RawMessage, keys []string) ([]model.ToolInvocationInput, error) {
	raw, ok := first(fields, keys)
	if !ok {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, model.Invalid("tools", "expected an array")
	}
	out := make([]model.ToolInvocationInput, 0, len(items))
	for i, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 {
			continue
		}
		if item[0] == '"' {
			var name string
			if err := json.Unmarshal(item, &name); err != nil {
				return nil, model.Invalid("tools", "item %d: %v", i, err)
			}
			out = append(out, model.ToolInvocationInput{Tool: name})
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, model.Invalid("tools", "item %d: expected a name or object", i)
		}
		inv, err := toolFromMap(i, obj)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

func toolFromMap(i int, obj map[string]json.RawMessage) (model.ToolInvocationInput, error) {
	fields := make(map[string]json.RawMessage, len(obj))
	for k, v := range obj {
		fields[strings.ToLower(k)] = v
	}
	var inv model.ToolInvocationInput
	var err error
	if inv.Tool, err = stringField(fields, "tools", []string{"tool", "name"}); err != nil {
		return inv, err
	}
	if inv.Timestamp, err = stringField(fields, "tools", timestampKeys); err != nil {
		return inv, err
	}
	if raw, ok := first(fields, []string{"params", "parameters", "args"}); ok {
		if err := json.Unmarshal(raw, &inv.Params); err != nil {
			return inv, model.Invalid("tools", "item %d: params must be an object", i)
		}
	}
	return inv, nil
}
