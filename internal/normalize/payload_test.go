package normalize

import (
	"errors"
	"testing"
	"time"

	"agentpulse/internal/model"
)

func TestDecodePayloadLegacyFields(t *testing.T) {
	raw := []byte(`{
		"session_id": "demo_3_1760000000",
		"timestamp": "2026-10-15T09:00:00",
		"user_input": "查看项目结构",
		"intent": "项目探索请求",
		"tools_used": [
			{"tool": "list_dir", "params": {"file": "example.txt"}, "timestamp": "2026-10-15T09:00:00"},
			"read_file"
		],
		"response_time_ms": 3400,
		"success": false,
		"error_type": "路径错误",
		"error_severity": "高"
	}`)
	p, err := DecodePayload(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != "demo_3_1760000000" || p.Description != "查看项目结构" {
		t.Fatalf("aliases not applied: %+v", p)
	}
	if p.LatencyMS == nil || *p.LatencyMS != 3400 || p.Success == nil || *p.Success {
		t.Fatalf("unexpected latency/success: %+v", p)
	}
	if len(p.Tools) != 2 || p.Tools[0].Params["file"] != "example.txt" || p.Tools[1].Tool != "read_file" {
		t.Fatalf("unexpected tools: %+v", p.Tools)
	}

	ev, err := Normalize(p, time.UTC, fixedNow)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.ErrorType != model.ErrorPath || ev.Severity != model.SeverityHigh {
		t.Fatalf("legacy labels not mapped: %s/%s", ev.ErrorType, ev.Severity)
	}
}

func TestDecodePayloadNullsAndNumbers(t *testing.T) {
	p, err := DecodePayload([]byte(`{"id": 42, "latency_ms": "250", "success": "true", "error_type": null, "tools": null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.ID != "42" || *p.LatencyMS != 250 || !*p.Success || p.ErrorType != "" || p.Tools != nil {
		t.Fatalf("unexpected payload: %+v", p)
	}

	p, err = DecodePayload([]byte(`{"latency_ms": 1200.0}`))
	if err != nil || *p.LatencyMS != 1200 {
		t.Fatalf("expected whole float accepted, got %v %+v", err, p)
	}
}

func TestDecodePayloadRejects(t *testing.T) {
	cases := map[string]string{
		"not object":      `[1,2]`,
		"fractional":      `{"latency_ms": 1.5}`,
		"latency object":  `{"latency_ms": {}}`,
		"success word":    `{"success": "maybe"}`,
		"tools not array": `{"tools": "grep"}`,
		"bad tool item":   `{"tools": [3]}`,
		"params array":    `{"tools": [{"tool": "x", "params": [1]}]}`,
		"description obj": `{"description": {"a": 1}}`,
	}
	for name, body := range cases {
		if _, err := DecodePayload([]byte(body)); !errors.Is(err, model.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}
