package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentpulse/internal/model"
	"agentpulse/internal/normalize"
)

// Inbound message types.
const (
	TypeMetrics        = "metrics"
	TypeRequestStats   = "request_stats"
	TypeRequestHistory = "request_history"
	TypeRequestErrors  = "request_errors"
)

// Outbound message types.
const (
	TypeInitialData             = "initial_data"
	TypeMetricsUpdate           = "metrics_update"
	TypeIngestResult            = "ingest_result"
	TypeStatsUpdate             = "stats_update"
	TypeHistoryUpdate           = "history_update"
	TypeErrorDistributionUpdate = "error_distribution_update"
	TypeError                   = "error"
)

const (
	DefaultHistoryLimit = 10
	DefaultErrorDays    = 7
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Outbound is the frame written to observers.
type Outbound struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Inbound is one of MetricsMessage, StatsRequest, HistoryRequest or
// ErrorsRequest.
type Inbound interface {
	inboundType() string
}

type MetricsMessage struct {
	Event model.EventPayload
}

type StatsRequest struct {
	Date string `json:"date,omitempty"`
}

type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ErrorsRequest struct {
	Days int `json:"days,omitempty"`
}

func (MetricsMessage) inboundType() string { return TypeMetrics }
func (StatsRequest) inboundType() string   { return TypeRequestStats }
func (HistoryRequest) inboundType() string { return TypeRequestHistory }
func (ErrorsRequest) inboundType() string  { return TypeRequestErrors }

// Decode parses one inbound frame. Request parameters may be given either
// inside data or next to type, matching what older clients send.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	params := env.Data
	if isEmpty(params) {
		params = raw
	}
	switch env.Type {
	case TypeMetrics:
		if isEmpty(env.Data) {
			return nil, fmt.Errorf("%w: metrics without data", ErrMalformed)
		}
		p, err := normalize.DecodePayload(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return MetricsMessage{Event: p}, nil
	case TypeRequestStats:
		var req StatsRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return req, nil
	case TypeRequestHistory:
		var req HistoryRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if req.Limit <= 0 {
			req.Limit = DefaultHistoryLimit
		}
		return req, nil
	case TypeRequestErrors:
		var req ErrorsRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if req.Days <= 0 {
			req.Days = DefaultErrorDays
		}
		return req, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Encode builds an outbound frame.
func Encode(msgType string, data any) ([]byte, error) {
	return json.Marshal(Outbound{Type: msgType, Data: data, Timestamp: time.Now().UTC()})
}

func EncodeError(message string) []byte {
	data, _ := json.Marshal(Outbound{Type: TypeError, Message: message, Timestamp: time.Now().UTC()})
	return data
}

// MetricsUpdate is broadcast after every accepted event.
type MetricsUpdate struct {
	Event     model.InteractionEvent `json:"event"`
	Aggregate model.DailyAggregate   `json:"aggregate"`
	Alerts    []model.AlertRecord    `json:"alerts,omitempty"`
}

// IngestResult answers a metrics message on the producing connection.
type IngestResult struct {
	EventID  string `json:"event_id,omitempty"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ErrorDistribution struct {
	Days         int                       `json:"days"`
	Distribution map[model.ErrorType]int64 `json:"distribution"`
}
