package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"agentpulse/internal/config"
	"agentpulse/internal/gateway"
	"agentpulse/internal/metrics"
	"agentpulse/internal/model"
	"agentpulse/internal/report"
	"agentpulse/internal/storage"
)

type EngineControl interface {
	UpdateConfig(cfg config.AlertConfig)
	ResetCooldowns()
	LastFired() map[model.AlertKind]time.Time
}

type Deps struct {
	Gateway *gateway.Gateway
	Store   storage.Store
	Engine  EngineControl
	Metrics *metrics.Recorder
}

type Server struct {
	cfg      *config.Manager
	gw       *gateway.Gateway
	store    storage.Store
	engine   EngineControl
	metrics  *metrics.Recorder
	logger   *slog.Logger
	version  string
	upgrader websocket.Upgrader
}

type statusResponse struct {
	Status     string             `json:"status"`
	Time       string             `json:"time"`
	Version    string             `json:"version"`
	ConfigPath string             `json:"config_path"`
	Timezone   string             `json:"timezone"`
	Storage    string             `json:"storage"`
	Ingest     ingestStatus       `json:"ingest"`
	API        apiStatus          `json:"api"`
	Alerts     config.AlertConfig `json:"alerts"`
	Observers  int                `json:"observers"`
	Counters   metrics.Snapshot   `json:"counters"`

	AlertCounts map[model.AlertKind]int       `json:"alert_counts"`
	LastFired   map[model.AlertKind]time.Time `json:"last_fired"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	WebSocket bool `json:"websocket"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewServer(cfg, deps, logger, version).Handler(),
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
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		gw:      deps.Gateway,
		store:   deps.Store,
		engine:  deps.Engine,
		metrics: deps.Metrics,
		logger:  logger,
		version: version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/aggregates", s.handleAggregate)
	mux.HandleFunc("/aggregates/", s.handleAggregate)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/errors/distribution", s.handleDistribution)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/config/alerts", s.handleAlertConfig)
	mux.HandleFunc("/report", s.handleReport)
	mux.HandleFunc("/admin/clear", s.handleClear)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Timezone:   cfg.Location().String(),
		Storage:    cfg.Storage.Driver,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			WebSocket: cfg.API.Enabled,
		},
		API:       apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Alerts:    cfg.Alerts,
		Observers: s.gw.Observers(),
		Counters:  s.metrics.Snapshot(),

		AlertCounts: s.gw.AlertCounts(),
		LastFired:   map[model.AlertKind]time.Time{},
	}
	if s.engine != nil {
		resp.LastFired = s.engine.LastFired()
	}
	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	date := strings.TrimPrefix(r.URL.Path, "/aggregates")
	date = strings.Trim(date, "/")
	if date == "today" {
		date = ""
	}
	if date != "" {
		if _, err := time.Parse(model.DateLayout, date); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	}
	writeJSON(w, http.StatusOK, s.gw.Aggregate(r.Context(), date))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, ok := intParam(w, r, "limit", 10)
	if !ok {
		return
	}
	var (
		events []model.InteractionEvent
		err    error
	)
	if r.URL.Query().Get("failed") == "true" {
		events, err = s.store.RecentErrors(r.Context(), limit)
	} else {
		events, err = s.gw.Recent(r.Context(), limit)
	}
	if err != nil {
		s.fail(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	days, ok := intParam(w, r, "days", 7)
	if !ok {
		return
	}
	dist, err := s.gw.Distribution(r.Context(), days)
	if err != nil {
		s.fail(w, "error distribution", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"days":         days,
		"distribution": dist,
	})
}

// handleAlerts serves the in-memory ring; source=store reads persisted
// alerts instead.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	var list []model.AlertRecord
	if r.URL.Query().Get("source") == "store" {
		if limit <= 0 {
			limit = 100
		}
		stored, err := s.store.ListAlerts(r.Context(), limit)
		if err != nil {
			s.fail(w, "list alerts", err)
			return
		}
		list = stored
	} else if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.gw.AlertsSince(ts)
	} else {
		list = s.gw.RecentAlerts(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

// handleClear drops in-memory alert state. Persisted events, aggregates and
// alerts are untouched.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	cleared := 0
	switch target {
	case "all":
		cleared = s.gw.ClearAlerts()
		s.resetCooldowns()
	case "alerts":
		cleared = s.gw.ClearAlerts()
	case "cooldowns":
		s.resetCooldowns()
	default:
		writeError(w, http.StatusBadRequest, "target must be alerts, cooldowns or all")
		return
	}
	if s.logger != nil {
		s.logger.Info("alert state cleared", "target", target, "alerts", cleared)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target, "cleared_alerts": cleared})
}

func (s *Server) resetCooldowns() {
	if s.engine != nil {
		s.engine.ResetCooldowns()
	}
}

// handleAlertConfig merges a partial body into the current thresholds,
// persists them and applies them to the running evaluator.
func (s *Server) handleAlertConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"alerts": s.cfg.Get().Alerts,
		})
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		next := s.cfg.Get().Alerts
		if err := json.Unmarshal(body, &next); err != nil {
			writeError(w, http.StatusBadRequest, "malformed JSON")
			return
		}
		if err := config.ValidateAlerts(next); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		updated, err := s.cfg.UpdateAlerts(next)
		if err != nil {
			s.fail(w, "update alert config", err)
			return
		}
		if s.engine != nil {
			s.engine.UpdateConfig(updated.Alerts)
		}
		if s.logger != nil {
			s.logger.Info("alert config updated",
				"error_rate_threshold", updated.Alerts.ErrorRateThreshold,
				"response_time_threshold_ms", updated.Alerts.ResponseTimeThresholdMS,
				"cooldown_minutes", updated.Alerts.CooldownMinutes,
				"enabled", updated.Alerts.Enabled,
			)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "alerts": updated.Alerts})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rep, err := report.Build(r.Context(), s.store, time.Now().UTC())
	if err != nil {
		s.fail(w, "build report", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return n, true
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && s.logger != nil {
		s.logger.Error(op+" failed", "err", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrStorage):
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
