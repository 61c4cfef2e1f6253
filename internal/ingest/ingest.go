// Package ingest hosts the producer transports. Every transport hands
// payloads to a Sink synchronously and reports the outcome back where the
// transport allows it.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"agentpulse/internal/gateway"
	"agentpulse/internal/model"
	"agentpulse/internal/normalize"
)

// Transport names recorded as the event source.
const (
	SourceREST      = "rest"
	SourceKafka     = "kafka"
	SourceTCPStream = "tcp_stream"
	SourceFileTail  = "file_tail"
	SourceWebSocket = "websocket"
)

type Sink interface {
	IngestPayload(ctx context.Context, source string, p model.EventPayload) (gateway.Outcome, error)
}

// Result is the per-item reply sent back to producers.
type Result struct {
	EventID  string `json:"event_id,omitempty"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

func resultOf(out gateway.Outcome, err error) Result {
	r := Result{EventID: out.EventID, Accepted: out.Accepted, Reason: out.Reason}
	if err != nil {
		r.Accepted = false
		r.Error = err.Error()
		if r.Reason == "" {
			r.Reason = gateway.Reason(err)
		}
	}
	return r
}

// ingestLine decodes one NDJSON line and ingests it. Blank lines yield
// ok=false.
func ingestLine(ctx context.Context, sink Sink, source string, line []byte, logger *slog.Logger) (Result, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Result{}, false
	}
	p, err := normalize.DecodePayload(line)
	if err != nil {
		if logger != nil {
			logger.Warn(source+" decode error", "err", err)
		}
		return resultOf(gateway.Outcome{}, err), true
	}
	out, err := sink.IngestPayload(ctx, source, p)
	if err != nil && logger != nil {
		logger.Warn(source+" ingest rejected", "event_id", out.EventID, "reason", out.Reason, "err", err)
	}
	return resultOf(out, err), true
}

func encodeResult(r Result) []byte {
	data, _ := json.Marshal(r)
	return append(data, '\n')
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
