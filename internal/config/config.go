package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "agentpulse.yaml"

// DefaultSQLiteDSN is used when the sqlite driver is selected without a DSN.
const DefaultSQLiteDSN = "file:agentpulse.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

type Config struct {
	LogLevel string        `json:"log_level" yaml:"log_level"`
	Timezone string        `json:"timezone" yaml:"timezone"`
	Ingest   IngestConfig  `json:"ingest" yaml:"ingest"`
	Alerts   AlertConfig   `json:"alerts" yaml:"alerts"`
	Hub      HubConfig     `json:"hub" yaml:"hub"`
	API      APIConfig     `json:"api" yaml:"api"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
	Notify   NotifyConfig  `json:"notify" yaml:"notify"`
	Status   StatusConfig  `json:"status" yaml:"status"`
}

type IngestConfig struct {
	REST      RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail  FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka     KafkaConfig     `json:"kafka" yaml:"kafka"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

// AlertConfig holds the alert thresholds. ConsecutiveErrorsThreshold is
// reserved and not evaluated.
type AlertConfig struct {
	ErrorRateThreshold         float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`
	ResponseTimeThresholdMS    int64   `json:"response_time_threshold_ms" yaml:"response_time_threshold_ms"`
	ConsecutiveErrorsThreshold int     `json:"consecutive_errors_threshold" yaml:"consecutive_errors_threshold"`
	CooldownMinutes            int     `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	Enabled                    bool    `json:"enabled" yaml:"enabled"`
	RecentLimit                int     `json:"recent_limit" yaml:"recent_limit"`
}

func (a AlertConfig) Cooldown() time.Duration {
	return time.Duration(a.CooldownMinutes) * time.Minute
}

type HubConfig struct {
	SendTimeout    time.Duration `json:"send_timeout" yaml:"send_timeout"`
	SnapshotEvents int           `json:"snapshot_events" yaml:"snapshot_events"`
	SnapshotDays   int           `json:"snapshot_days" yaml:"snapshot_days"`
	PingInterval   time.Duration `json:"ping_interval" yaml:"ping_interval"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type NotifyConfig struct {
	Kafka KafkaNotifyConfig `json:"kafka" yaml:"kafka"`
}

type KafkaNotifyConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type StatusConfig struct {
	Redis RedisStatusConfig `json:"redis" yaml:"redis"`
}

type RedisStatusConfig struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		ErrorRateThreshold:         5.0,
		ResponseTimeThresholdMS:    30000,
		ConsecutiveErrorsThreshold: 3,
		CooldownMinutes:            15,
		Enabled:                    true,
		RecentLimit:                1000,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Timezone: "UTC",
		Ingest: IngestConfig{
			REST:      RESTConfig{Enabled: true, Addr: ":8765"},
			TCPStream: TCPStreamConfig{Enabled: false, Addr: ":9765"},
			FileTail:  FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:     KafkaConfig{Enabled: false},
		},
		Alerts: DefaultAlertConfig(),
		Hub: HubConfig{
			SendTimeout:    2 * time.Second,
			SnapshotEvents: 10,
			SnapshotDays:   7,
			PingInterval:   30 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":8766"},
		Storage: StorageConfig{Driver: "sqlite", DSN: DefaultSQLiteDSN},
		Notify:  NotifyConfig{Kafka: KafkaNotifyConfig{Enabled: false, Topic: "agentpulse.alerts"}},
		Status:  StatusConfig{Redis: RedisStatusConfig{Enabled: false, Addr: "localhost:6379", Interval: 30 * time.Second}},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate never fails to produce a usable config. A missing file is
// created with defaults; an unreadable or invalid file yields defaults and the
// load error so the caller can log it.
func LoadOrCreate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		cfg = DefaultConfig()
		if saveErr := Save(path, cfg); saveErr != nil {
			return cfg, fmt.Errorf("write default config: %w", saveErr)
		}
		return cfg, nil
	}
	return DefaultConfig(), fmt.Errorf("load config %s: %w", path, err)
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	if cfg.Hub.SendTimeout <= 0 {
		cfg.Hub.SendTimeout = def.Hub.SendTimeout
	}
	if cfg.Hub.SnapshotEvents <= 0 {
		cfg.Hub.SnapshotEvents = def.Hub.SnapshotEvents
	}
	if cfg.Hub.SnapshotDays <= 0 {
		cfg.Hub.SnapshotDays = def.Hub.SnapshotDays
	}
	if cfg.Hub.PingInterval <= 0 {
		cfg.Hub.PingInterval = def.Hub.PingInterval
	}
	if cfg.Alerts.RecentLimit <= 0 {
		cfg.Alerts.RecentLimit = def.Alerts.RecentLimit
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Status.Redis.Interval <= 0 {
		cfg.Status.Redis.Interval = def.Status.Redis.Interval
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Notify.Kafka.Enabled && (len(cfg.Notify.Kafka.Brokers) == 0 || cfg.Notify.Kafka.Topic == "") {
		return errors.New("notify.kafka requires brokers and topic")
	}
	if cfg.Status.Redis.Enabled && cfg.Status.Redis.Addr == "" {
		return errors.New("status.redis.addr required when status.redis.enabled is true")
	}
	if err := ValidateAlerts(cfg.Alerts); err != nil {
		return err
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	return nil
}

func ValidateAlerts(a AlertConfig) error {
	if a.ErrorRateThreshold < 0 || a.ErrorRateThreshold > 100 {
		return errors.New("alerts.error_rate_threshold must be within 0..100")
	}
	if a.ResponseTimeThresholdMS < 0 {
		return errors.New("alerts.response_time_threshold_ms must be >= 0")
	}
	if a.CooldownMinutes < 0 {
		return errors.New("alerts.cooldown_minutes must be >= 0")
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime atomic.Value
}

// OpenManager wraps LoadOrCreate. The returned error is informational: the
// manager is always usable.
func OpenManager(path string) (*Manager, error) {
	cfg, err := LoadOrCreate(path)
	return newManager(path, cfg), err
}

// NewStaticManager holds cfg without a backing file; Update only swaps memory.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return newManager("", cfg)
}

func newManager(path string, cfg *Config) *Manager {
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.modTime.Store(time.Time{})
	if path != "" {
		if info, err := os.Stat(path); err == nil {
			m.modTime.Store(info.ModTime())
		}
	}
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	m.touch()
	return nil
}

// UpdateAlerts replaces only the alerts section.
func (m *Manager) UpdateAlerts(alerts AlertConfig) (*Config, error) {
	if err := ValidateAlerts(alerts); err != nil {
		return nil, err
	}
	next := *m.Get()
	if alerts.RecentLimit <= 0 {
		alerts.RecentLimit = next.Alerts.RecentLimit
	}
	next.Alerts = alerts
	if err := m.Update(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (m *Manager) touch() {
	if m.path == "" {
		return
	}
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime())
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	last, _ := m.modTime.Load().(time.Time)
	return info.ModTime().After(last), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
