package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentpulse/internal/config"
	"agentpulse/internal/model"
	"agentpulse/internal/storage"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetArgs(nil)
		configForce = false
		migrateTarget = -1
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

// writeTestConfig writes a config whose sqlite database lives in a temp dir.
func writeTestConfig(t *testing.T) (string, config.StorageConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.LogLevel = "error"
	cfg.Storage.DSN = "file:" + filepath.Join(dir, "cli.db") + "?_pragma=busy_timeout(5000)"
	path := filepath.Join(dir, "agentpulse.yaml")
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	return path, cfg.Storage
}

func seed(t *testing.T, sc config.StorageConfig, events ...model.InteractionEvent) {
	t.Helper()
	st, err := storage.NewStore(sc, storage.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, ev := range events {
		if _, _, err := st.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "2026-01-01")
	defer SetVersionInfo("dev", "none", "unknown")
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "agentpulse 1.2.3") || !strings.Contains(out, "commit: abc") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentpulse.yaml")
	if _, err := runCLI(t, "config", "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Alerts.CooldownMinutes != 15 {
		t.Fatalf("cooldown = %d", cfg.Alerts.CooldownMinutes)
	}
	if _, err := runCLI(t, "config", "init", "--config", path); err == nil {
		t.Fatal("expected refusal to overwrite")
	}
	if _, err := runCLI(t, "config", "init", "--config", path, "--force"); err != nil {
		t.Fatalf("forced init: %v", err)
	}
}

func TestRepairRecomputesAggregate(t *testing.T) {
	path, sc := writeTestConfig(t)
	ts := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	seed(t, sc,
		model.InteractionEvent{ID: "a", Timestamp: ts, Description: "x", LatencyMS: 100, Success: true},
		model.InteractionEvent{ID: "b", Timestamp: ts, Description: "y", LatencyMS: 300, ErrorType: model.ErrorPath, Severity: model.SeverityHigh},
	)
	out, err := runCLI(t, "repair", "2026-03-10", "--config", path)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if !strings.Contains(out, "total 2") || !strings.Contains(out, "error rate 50.00%") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := runCLI(t, "repair", "10/03/2026", "--config", path); err == nil {
		t.Fatal("expected invalid date error")
	}
}

func TestMigrateStatusAndReportExport(t *testing.T) {
	path, sc := writeTestConfig(t)
	seed(t, sc, model.InteractionEvent{ID: "a", Timestamp: time.Now().UTC(), Description: "x", LatencyMS: 5, Success: true})

	out, err := runCLI(t, "migrate", "status", "--config", path)
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if !strings.Contains(out, "00001") || !strings.Contains(out, "applied") {
		t.Fatalf("unexpected status output %q", out)
	}

	reportPath := filepath.Join(t.TempDir(), "report.json")
	if _, err := runCLI(t, "report", "export", "--config", path, "--out", reportPath); err != nil {
		t.Fatalf("report export: %v", err)
	}
	if _, err := os.Stat(reportPath); err != nil {
		t.Fatalf("report not written: %v", err)
	}

	out, err = runCLI(t, "report", "dashboard", "--config", path)
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if !strings.Contains(out, "Total interactions  1") {
		t.Fatalf("unexpected dashboard %q", out)
	}
}
