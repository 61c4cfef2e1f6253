package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"agentpulse/internal/hub"
	"agentpulse/internal/ingest"
	"agentpulse/internal/model"
	"agentpulse/internal/ws"
)

const connectTimeout = 10 * time.Second

// handleWS upgrades to a websocket observer. The connection receives the
// initial snapshot, then live updates, and may also produce events and
// query stats on the same socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	client := ws.NewClient(conn, s.logger)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	err = s.gw.Connect(connectCtx, client)
	connectCancel()
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("websocket snapshot failed", "client", client.ID(), "err", err)
		}
		return
	}
	defer s.gw.Disconnect(client)
	if s.logger != nil {
		s.logger.Info("observer connected", "client", client.ID(), "remote", client.RemoteAddr())
	}

	hubCfg := s.cfg.Get().Hub
	go client.PingLoop(hubCfg.PingInterval)

	err = client.ReadLoop(func(raw []byte) {
		s.handleInbound(ctx, client, raw, hubCfg.SendTimeout)
	})
	if s.logger != nil {
		s.logger.Info("observer disconnected", "client", client.ID(), "err", err)
	}
}

func (s *Server) handleInbound(ctx context.Context, client hub.Observer, raw []byte, timeout time.Duration) {
	msg, err := ws.Decode(raw)
	if err != nil {
		s.reply(ctx, client, ws.EncodeError(err.Error()), timeout)
		return
	}

	var (
		msgType string
		data    any
	)
	switch m := msg.(type) {
	case ws.MetricsMessage:
		out, err := s.gw.IngestPayload(ctx, ingest.SourceWebSocket, m.Event)
		res := ws.IngestResult{EventID: out.EventID, Accepted: out.Accepted, Reason: out.Reason}
		if err != nil {
			res.Error = err.Error()
		}
		msgType, data = ws.TypeIngestResult, res
	case ws.StatsRequest:
		if m.Date != "" {
			if _, err := time.Parse(model.DateLayout, m.Date); err != nil {
				s.reply(ctx, client, ws.EncodeError("date must be YYYY-MM-DD"), timeout)
				return
			}
		}
		msgType, data = ws.TypeStatsUpdate, s.gw.Aggregate(ctx, m.Date)
	case ws.HistoryRequest:
		limit := m.Limit
		if limit <= 0 {
			limit = ws.DefaultHistoryLimit
		}
		events, err := s.gw.Recent(ctx, limit)
		if err != nil {
			s.reply(ctx, client, ws.EncodeError(errorText(err)), timeout)
			return
		}
		msgType, data = ws.TypeHistoryUpdate, events
	case ws.ErrorsRequest:
		days := m.Days
		if days <= 0 {
			days = ws.DefaultErrorDays
		}
		dist, err := s.gw.Distribution(ctx, days)
		if err != nil {
			s.reply(ctx, client, ws.EncodeError(errorText(err)), timeout)
			return
		}
		msgType, data = ws.TypeErrorDistributionUpdate, ws.ErrorDistribution{Days: days, Distribution: dist}
	default:
		s.reply(ctx, client, ws.EncodeError("unsupported message"), timeout)
		return
	}

	payload, err := ws.Encode(msgType, data)
	if err != nil {
		s.reply(ctx, client, ws.EncodeError("encode reply failed"), timeout)
		return
	}
	s.reply(ctx, client, payload, timeout)
}

func (s *Server) reply(ctx context.Context, client hub.Observer, payload []byte, timeout time.Duration) {
	if timeout <= 0 {
		timeout = hub.DefaultSendTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Send(sendCtx, payload); err != nil {
		client.Close()
	}
}

func errorText(err error) string {
	if errors.Is(err, model.ErrStorage) {
		return "storage unavailable"
	}
	return err.Error()
}
