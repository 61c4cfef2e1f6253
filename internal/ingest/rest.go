package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"agentpulse/internal/config"
	"agentpulse/internal/gateway"
	"agentpulse/internal/model"
	"agentpulse/internal/normalize"
)

const maxBodyBytes = 2 << 20

type RESTServer struct {
	sink   Sink
	logger *slog.Logger
}

func NewRESTHandler(sink Sink, logger *slog.Logger) http.Handler {
	server := &RESTServer{sink: sink, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTHandler(sink, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

type batchResponse struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	Results  []Result `json:"results"`
}

// handleEvents accepts one event object or an array of them. A single
// object maps its rejection to a status code; arrays always answer 200
// with per-item results.
func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	if trim[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trim, &list); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON array")
			return
		}
		resp := batchResponse{Results: make([]Result, 0, len(list))}
		for _, item := range list {
			res := s.process(r.Context(), item)
			if res.Accepted {
				resp.Accepted++
			} else {
				resp.Failed++
			}
			resp.Results = append(resp.Results, res)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	res := s.process(r.Context(), trim)
	status := http.StatusOK
	if !res.Accepted {
		status = statusFor(res.Reason)
	}
	writeJSON(w, status, res)
}

func (s *RESTServer) process(ctx context.Context, raw []byte) Result {
	p, err := normalize.DecodePayload(raw)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rest decode error", "err", err)
		}
		return resultOf(gateway.Outcome{}, err)
	}
	out, err := s.sink.IngestPayload(ctx, SourceREST, p)
	if err != nil && s.logger != nil && !errors.Is(err, model.ErrValidation) {
		s.logger.Warn("rest ingest rejected", "event_id", out.EventID, "reason", out.Reason, "err", err)
	}
	return resultOf(out, err)
}

func statusFor(reason string) int {
	switch reason {
	case gateway.ReasonValidation:
		return http.StatusBadRequest
	case gateway.ReasonDuplicate:
		return http.StatusConflict
	case gateway.ReasonStorage, gateway.ReasonCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
