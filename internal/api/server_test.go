package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agentpulse/internal/alerts"
	"agentpulse/internal/config"
	"agentpulse/internal/engine"
	"agentpulse/internal/gateway"
	"agentpulse/internal/hub"
	"agentpulse/internal/metrics"
	"agentpulse/internal/model"
	"agentpulse/internal/storage"
	"agentpulse/internal/ws"
)

type testEnv struct {
	srv    *httptest.Server
	gw     *gateway.Gateway
	engine *engine.Engine
	cfg    *config.Manager
	now    time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	dsn := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_pragma=busy_timeout(5000)"
	st, err := storage.NewSQLite(dsn, storage.Options{Now: clock})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.NewStaticManager(config.DefaultConfig())
	rec := metrics.NewRecorder()
	ring := alerts.NewStore(100)
	eng := engine.NewEngine(cfg.Get().Alerts, nil, rec, ring, st)
	eng.SetClock(clock)
	h := hub.New(time.Second, nil, rec)
	gw := gateway.New(gateway.Options{
		Store:   st,
		Engine:  eng,
		Hub:     h,
		Alerts:  ring,
		Metrics: rec,
		Now:     clock,
	})
	server := NewServer(cfg, Deps{Gateway: gw, Store: st, Engine: eng, Metrics: rec}, nil, "test")
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return testEnv{srv: srv, gw: gw, engine: eng, cfg: cfg, now: now}
}

func (e testEnv) ingest(t *testing.T, id string, success bool, latency int64) {
	t.Helper()
	ev := model.InteractionEvent{
		ID:          id,
		Timestamp:   e.now,
		Description: "refactor the parser",
		LatencyMS:   latency,
		Success:     success,
	}
	if !success {
		ev.ErrorType = model.ErrorToolMisuse
		ev.Severity = model.SeverityMedium
	}
	if _, err := e.gw.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("ingest %s: %v", id, err)
	}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	var resp statusResponse
	if code := getJSON(t, env.srv.URL+"/status", &resp); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if resp.Status != "ok" || resp.Version != "test" || !resp.Ingest.REST {
		t.Fatalf("unexpected status %+v", resp)
	}
}

func TestAggregateEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "a", true, 100)
	env.ingest(t, "b", false, 300)

	var today model.DailyAggregate
	if code := getJSON(t, env.srv.URL+"/aggregates", &today); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if today.Total != 2 || today.ToolErrors != 1 || today.AvgLatencyMS != 200 {
		t.Fatalf("today = %+v", today)
	}

	var byDate model.DailyAggregate
	getJSON(t, env.srv.URL+"/aggregates/"+today.Date, &byDate)
	if byDate.Total != 2 {
		t.Fatalf("by date = %+v", byDate)
	}

	var missing model.DailyAggregate
	getJSON(t, env.srv.URL+"/aggregates/2001-01-01", &missing)
	if missing.Total != 0 || missing.Date != "2001-01-01" {
		t.Fatalf("missing = %+v", missing)
	}

	if code := getJSON(t, env.srv.URL+"/aggregates/yesterday", nil); code != http.StatusBadRequest {
		t.Fatalf("bad date code = %d", code)
	}
}

func TestEventsAndDistribution(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.ingest(t, fmt.Sprintf("e%d", i), i != 1, 50)
	}

	var events struct {
		Events []model.InteractionEvent `json:"events"`
		Count  int                      `json:"count"`
	}
	getJSON(t, env.srv.URL+"/events?limit=2", &events)
	if events.Count != 2 {
		t.Fatalf("count = %d", events.Count)
	}
	getJSON(t, env.srv.URL+"/events?failed=true", &events)
	if events.Count != 1 || events.Events[0].ID != "e1" {
		t.Fatalf("failed events = %+v", events)
	}

	if code := getJSON(t, env.srv.URL+"/events?limit=5000", nil); code != http.StatusBadRequest {
		t.Fatalf("oversized limit code = %d", code)
	}
	if code := getJSON(t, env.srv.URL+"/events?limit=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("non-numeric limit code = %d", code)
	}

	var dist struct {
		Days         int                       `json:"days"`
		Distribution map[model.ErrorType]int64 `json:"distribution"`
	}
	getJSON(t, env.srv.URL+"/errors/distribution", &dist)
	if dist.Days != 7 || dist.Distribution[model.ErrorToolMisuse] != 1 {
		t.Fatalf("distribution = %+v", dist)
	}
	if code := getJSON(t, env.srv.URL+"/errors/distribution?days=0", nil); code != http.StatusBadRequest {
		t.Fatalf("zero days code = %d", code)
	}
}

func TestAlertConfigUpdateAppliesToEngine(t *testing.T) {
	env := newTestEnv(t)
	body := strings.NewReader(`{"response_time_threshold_ms": 500}`)
	resp, err := http.Post(env.srv.URL+"/config/alerts", "application/json", body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("code = %d", resp.StatusCode)
	}
	got := env.engine.Config()
	if got.ResponseTimeThresholdMS != 500 || got.ErrorRateThreshold != 5 {
		t.Fatalf("engine config = %+v", got)
	}
	if env.cfg.Get().Alerts.ResponseTimeThresholdMS != 500 {
		t.Fatal("manager not updated")
	}

	env.ingest(t, "slow", true, 900)
	var list struct {
		Alerts []model.AlertRecord `json:"alerts"`
		Count  int                 `json:"count"`
	}
	getJSON(t, env.srv.URL+"/alerts", &list)
	if list.Count != 1 || list.Alerts[0].Kind != model.AlertResponseTimeHigh {
		t.Fatalf("alerts = %+v", list)
	}
	getJSON(t, env.srv.URL+"/alerts?source=store", &list)
	if list.Count != 1 || list.Alerts[0].ID == 0 {
		t.Fatalf("stored alerts = %+v", list)
	}

	bad, err := http.Post(env.srv.URL+"/config/alerts", "application/json", strings.NewReader(`{"error_rate_threshold": 150}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid threshold code = %d", bad.StatusCode)
	}
}

func postClear(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url+"/admin/clear", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post clear: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestAdminClearResetsAlertState(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.engine.Config()
	cfg.ResponseTimeThresholdMS = 500
	env.engine.UpdateConfig(cfg)

	env.ingest(t, "slow1", true, 900)
	env.ingest(t, "slow2", true, 900)
	var status statusResponse
	getJSON(t, env.srv.URL+"/status", &status)
	if status.AlertCounts[model.AlertResponseTimeHigh] != 1 {
		t.Fatalf("expected cooldown to hold second alert, counts = %+v", status.AlertCounts)
	}
	if _, ok := status.LastFired[model.AlertResponseTimeHigh]; !ok {
		t.Fatalf("last fired missing: %+v", status.LastFired)
	}

	if code, _ := postClear(t, env.srv.URL, `{"target":"cooldowns"}`); code != http.StatusOK {
		t.Fatalf("clear cooldowns code = %d", code)
	}
	env.ingest(t, "slow3", true, 900)
	if got := len(env.gw.RecentAlerts(0)); got != 2 {
		t.Fatalf("expected re-armed alert, ring holds %d", got)
	}

	code, out := postClear(t, env.srv.URL, `{"target":"alerts"}`)
	if code != http.StatusOK || out["cleared_alerts"] != float64(2) {
		t.Fatalf("clear alerts = %d %+v", code, out)
	}
	var list struct {
		Count int `json:"count"`
	}
	getJSON(t, env.srv.URL+"/alerts", &list)
	if list.Count != 0 {
		t.Fatalf("ring not cleared: %d", list.Count)
	}
	getJSON(t, env.srv.URL+"/alerts?source=store", &list)
	if list.Count != 2 {
		t.Fatalf("persisted alerts must survive a clear, got %d", list.Count)
	}

	if code, _ := postClear(t, env.srv.URL, `{"target":"everything"}`); code != http.StatusBadRequest {
		t.Fatalf("unknown target code = %d", code)
	}
	if code, out := postClear(t, env.srv.URL, ``); code != http.StatusOK || out["target"] != "all" {
		t.Fatalf("default target = %d %+v", code, out)
	}
	status = statusResponse{}
	getJSON(t, env.srv.URL+"/status", &status)
	if len(status.LastFired) != 0 || len(status.AlertCounts) != 0 {
		t.Fatalf("expected empty alert state, got %+v %+v", status.LastFired, status.AlertCounts)
	}
}

func TestReportEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "a", false, 10)
	var rep struct {
		Daily        []model.DailyAggregate   `json:"daily"`
		RecentErrors []model.InteractionEvent `json:"recent_errors"`
	}
	if code := getJSON(t, env.srv.URL+"/report", &rep); code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if len(rep.Daily) != 1 || len(rep.RecentErrors) != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "a", true, 10)
	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "agentpulse_ingest_events_total") {
		t.Fatalf("metrics output missing ingest counter")
	}
}

type wsFrame struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func dialWS(t *testing.T, env testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	var f wsFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestWebSocketSnapshotAndLiveUpdates(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "before", true, 10)

	conn := dialWS(t, env)
	first := readFrame(t, conn)
	if first.Type != ws.TypeInitialData {
		t.Fatalf("first frame = %s", first.Type)
	}
	var snap model.Snapshot
	if err := json.Unmarshal(first.Data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Stats.Total != 1 || len(snap.RecentSessions) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	msg := `{"type":"metrics","data":{"session_id":"live-1","user_input":"deploy","response_time_ms":40,"success":true}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	seen := map[string]wsFrame{}
	for len(seen) < 2 {
		f := readFrame(t, conn)
		seen[f.Type] = f
	}
	var res ws.IngestResult
	if err := json.Unmarshal(seen[ws.TypeIngestResult].Data, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Accepted || res.EventID != "live-1" {
		t.Fatalf("ingest result = %+v", res)
	}
	var update ws.MetricsUpdate
	if err := json.Unmarshal(seen[ws.TypeMetricsUpdate].Data, &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if update.Aggregate.Total != 2 || update.Event.Source != "websocket" {
		t.Fatalf("update = %+v", update)
	}
}

func TestWebSocketQueries(t *testing.T) {
	env := newTestEnv(t)
	env.ingest(t, "a", false, 10)
	conn := dialWS(t, env)
	readFrame(t, conn)

	cases := []struct {
		send string
		want string
	}{
		{`{"type":"request_stats"}`, ws.TypeStatsUpdate},
		{`{"type":"request_history","limit":5}`, ws.TypeHistoryUpdate},
		{`{"type":"request_errors","days":3}`, ws.TypeErrorDistributionUpdate},
		{`{"type":"bogus"}`, ws.TypeError},
		{`not json`, ws.TypeError},
		{`{"type":"request_stats","date":"03/10/2026"}`, ws.TypeError},
	}
	for _, tc := range cases {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tc.send)); err != nil {
			t.Fatalf("write: %v", err)
		}
		f := readFrame(t, conn)
		if f.Type != tc.want {
			t.Fatalf("%s: got %s (%s)", tc.send, f.Type, f.Message)
		}
	}
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)
	readFrame(t, conn)
	if env.gw.Observers() != 1 {
		t.Fatalf("observers = %d", env.gw.Observers())
	}
	_ = conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for env.gw.Observers() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if env.gw.Observers() != 0 {
		t.Fatalf("observers after close = %d", env.gw.Observers())
	}
}
