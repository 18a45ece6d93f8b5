package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// DefaultAlertStoreLimit is the one capacity shared by every producer that
// appends to the alert store.
const DefaultAlertStoreLimit = 100

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format" toml:"log_format"`
	Detection DetectionConfig `json:"detection" yaml:"detection" toml:"detection"`
	Cooldown  CooldownConfig  `json:"cooldown" yaml:"cooldown" toml:"cooldown"`
	Profiles  ProfilesConfig  `json:"profiles" yaml:"profiles" toml:"profiles"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest" toml:"ingest"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify" toml:"notify"`
	API       APIConfig       `json:"api" yaml:"api" toml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage" toml:"storage"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts" toml:"alerts"`
}

type DetectionConfig struct {
	HistoryWindow int           `json:"history_window" yaml:"history_window" toml:"history_window"`
	AlertCooldown time.Duration `json:"alert_cooldown" yaml:"alert_cooldown" toml:"alert_cooldown"`
	ReplayWindow  time.Duration `json:"replay_window" yaml:"replay_window" toml:"replay_window"`
}

type CooldownConfig struct {
	Backend   string `json:"backend" yaml:"backend" toml:"backend"`
	RedisAddr string `json:"redis_addr" yaml:"redis_addr" toml:"redis_addr"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" toml:"key_prefix"`
}

type ProfilesConfig struct {
	Path  string `json:"path" yaml:"path" toml:"path"`
	Watch bool   `json:"watch" yaml:"watch" toml:"watch"`
}

type IngestConfig struct {
	ChannelBuffer int          `json:"channel_buffer" yaml:"channel_buffer" toml:"channel_buffer"`
	SSH           SSHConfig    `json:"ssh" yaml:"ssh" toml:"ssh"`
	Syslog        SyslogConfig `json:"syslog" yaml:"syslog" toml:"syslog"`
	Audit         AuditConfig  `json:"audit" yaml:"audit" toml:"audit"`
	Kafka         KafkaConfig  `json:"kafka" yaml:"kafka" toml:"kafka"`
	ML            MLConfig     `json:"ml" yaml:"ml" toml:"ml"`
	Parser        ParserConfig `json:"parser" yaml:"parser" toml:"parser"`
}

type SSHConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	StartAtEnd   bool          `json:"start_at_end" yaml:"start_at_end" toml:"start_at_end"`
	Files        []string      `json:"files" yaml:"files" toml:"files"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	MarkAnomaly  bool          `json:"mark_anomaly" yaml:"mark_anomaly" toml:"mark_anomaly"`
}

type SyslogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	UDPAddr string `json:"udp_addr" yaml:"udp_addr" toml:"udp_addr"`
	TCPAddr string `json:"tcp_addr" yaml:"tcp_addr" toml:"tcp_addr"`
}

type AuditConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path            string        `json:"path" yaml:"path" toml:"path"`
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	ResourceKey     string        `json:"resource_key" yaml:"resource_key" toml:"resource_key"`
	PermissionKey   string        `json:"permission_key" yaml:"permission_key" toml:"permission_key"`
	ProtectedPrefix string        `json:"protected_prefix" yaml:"protected_prefix" toml:"protected_prefix"`
	PolicyFile      string        `json:"policy_file" yaml:"policy_file" toml:"policy_file"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers" toml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" toml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id" toml:"group_id"`
}

type MLConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	Interval           time.Duration `json:"interval" yaml:"interval" toml:"interval"`
	Window             time.Duration `json:"window" yaml:"window" toml:"window"`
	FailedLoginLimit   int           `json:"failed_login_limit" yaml:"failed_login_limit" toml:"failed_login_limit"`
	UniqueIPLimit      int           `json:"unique_ip_limit" yaml:"unique_ip_limit" toml:"unique_ip_limit"`
	AuditEventLimit    int           `json:"audit_event_limit" yaml:"audit_event_limit" toml:"audit_event_limit"`
	SensitiveAccessCap int           `json:"sensitive_access_cap" yaml:"sensitive_access_cap" toml:"sensitive_access_cap"`
}

type ParserConfig struct {
	Timezone string `json:"timezone" yaml:"timezone" toml:"timezone"`
}

type NotifyConfig struct {
	Console    bool   `json:"console" yaml:"console" toml:"console"`
	KafkaTopic string `json:"kafka_topic" yaml:"kafka_topic" toml:"kafka_topic"`
	// KafkaBrokers defaults to ingest.kafka.brokers when empty.
	KafkaBrokers []string `json:"kafka_brokers" yaml:"kafka_brokers" toml:"kafka_brokers"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Driver  string `json:"driver" yaml:"driver" toml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn" toml:"dsn"`
}

type MetricsConfig struct {
	IdentityLimit int `json:"identity_limit" yaml:"identity_limit" toml:"identity_limit"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit" toml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Detection: DetectionConfig{
			HistoryWindow: 10,
			AlertCooldown: 30 * time.Second,
		},
		Cooldown: CooldownConfig{Backend: "memory", RedisAddr: "localhost:6379", KeyPrefix: "idguard:cooldown:"},
		Profiles: ProfilesConfig{Path: "profiles/user_profiles.json"},
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			SSH: SSHConfig{
				Enabled:      false,
				StartAtEnd:   true,
				Files:        []string{"/var/log/auth.log"},
				PollInterval: 200 * time.Millisecond,
				MarkAnomaly:  true,
			},
			Syslog: SyslogConfig{Enabled: false, UDPAddr: ":5514", TCPAddr: ":5514"},
			Audit: AuditConfig{
				Enabled:         false,
				Path:            "/var/log/audit/audit.log",
				PollInterval:    100 * time.Millisecond,
				ResourceKey:     "resource_access",
				PermissionKey:   "permission_change",
				ProtectedPrefix: "/secure_data",
				PolicyFile:      "profiles/resource_policies.json",
			},
			Kafka: KafkaConfig{Enabled: false},
			ML: MLConfig{
				Enabled:            false,
				Interval:           5 * time.Second,
				Window:             60 * time.Second,
				FailedLoginLimit:   5,
				UniqueIPLimit:      3,
				AuditEventLimit:    3,
				SensitiveAccessCap: 1,
			},
			Parser: ParserConfig{Timezone: "UTC"},
		},
		Notify:  NotifyConfig{Console: true},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: true, Driver: "file", DSN: "data/live_alerts.json"},
		Metrics: MetricsConfig{IdentityLimit: 5000},
		Alerts:  AlertsConfig{StoreLimit: DefaultAlertStoreLimit},
	}
}

// ErrInvalid wraps every validation problem reported by Validate.
var ErrInvalid = errors.New("invalid config")

type format int

const (
	formatYAML format = iota
	formatJSON
	formatTOML
)

// formatOf picks the encoding by extension, then by sniffing the content:
// YAML is a superset of JSON but JSON errors read better from the JSON decoder.
func formatOf(path string, data []byte) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return formatTOML
	case ".json":
		return formatJSON
	}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return formatJSON
	}
	return formatYAML
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	cfg := DefaultConfig()
	switch formatOf(path, data) {
	case formatTOML:
		_, err = toml.Decode(string(data), cfg)
	case formatJSON:
		err = json.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg in the encoding implied by the extension, YAML otherwise.
// The file is replaced by rename so a watching Manager never reads a partial
// write.
func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var buf bytes.Buffer
	var err error
	switch formatOf(path, nil) {
	case formatJSON:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		err = enc.Encode(cfg)
	case formatTOML:
		err = toml.NewEncoder(&buf).Encode(cfg)
	default:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		err = enc.Encode(cfg)
		if err == nil {
			err = enc.Close()
		}
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	durations := []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&cfg.Ingest.SSH.PollInterval, def.Ingest.SSH.PollInterval},
		{&cfg.Ingest.Audit.PollInterval, def.Ingest.Audit.PollInterval},
		{&cfg.Ingest.ML.Interval, def.Ingest.ML.Interval},
		{&cfg.Ingest.ML.Window, def.Ingest.ML.Window},
	}
	for _, d := range durations {
		if *d.v <= 0 {
			*d.v = d.def
		}
	}
	if cfg.Detection.HistoryWindow <= 0 {
		cfg.Detection.HistoryWindow = def.Detection.HistoryWindow
	}
	if cfg.Detection.AlertCooldown < 0 {
		cfg.Detection.AlertCooldown = 0
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = DefaultAlertStoreLimit
	}
	if cfg.Metrics.IdentityLimit <= 0 {
		cfg.Metrics.IdentityLimit = def.Metrics.IdentityLimit
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Cooldown.Backend == "" {
		cfg.Cooldown.Backend = "memory"
	}
	if cfg.Cooldown.KeyPrefix == "" {
		cfg.Cooldown.KeyPrefix = def.Cooldown.KeyPrefix
	}
	if len(cfg.Notify.KafkaBrokers) == 0 {
		cfg.Notify.KafkaBrokers = cfg.Ingest.Kafka.Brokers
	}
}

// Validate reports all problems at once, each wrapped in ErrInvalid.
func Validate(cfg *Config) error {
	var problems []error
	check := func(ok bool, msg string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf("%w: "+msg, append([]any{ErrInvalid}, args...)...))
		}
	}
	in := cfg.Ingest
	check(!cfg.API.Enabled || cfg.API.Addr != "", "api.addr required when api is enabled")
	check(!in.SSH.Enabled || len(in.SSH.Files) > 0, "ingest.ssh.files required when ssh ingest is enabled")
	check(!in.Syslog.Enabled || in.Syslog.UDPAddr != "" || in.Syslog.TCPAddr != "", "ingest.syslog needs udp_addr or tcp_addr")
	if in.Audit.Enabled {
		check(in.Audit.Path != "", "ingest.audit.path required when audit ingest is enabled")
		check(in.Audit.ResourceKey != "" || in.Audit.PermissionKey != "", "ingest.audit needs resource_key or permission_key")
	}
	if in.Kafka.Enabled {
		check(len(in.Kafka.Brokers) > 0, "ingest.kafka.brokers required")
		check(in.Kafka.Topic != "", "ingest.kafka.topic required")
		check(in.Kafka.GroupID != "", "ingest.kafka.group_id required")
	}
	check(cfg.Notify.KafkaTopic == "" || len(cfg.Notify.KafkaBrokers) > 0, "notify.kafka_topic needs notify.kafka_brokers or ingest.kafka.brokers")

	backend := strings.ToLower(cfg.Cooldown.Backend)
	check(backend == "memory" || backend == "redis", "unsupported cooldown.backend %q", cfg.Cooldown.Backend)
	check(backend != "redis" || cfg.Cooldown.RedisAddr != "", "cooldown.redis_addr required for the redis backend")
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "file", "sqlite", "postgres", "postgresql":
		default:
			check(false, "unsupported storage.driver %q", cfg.Storage.Driver)
		}
	}
	return errors.Join(problems...)
}

type fileStamp struct {
	modTime time.Time
	size    int64
}

func stampOf(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size()}, nil
}

// Manager holds the live config. Readers call Get; a failed reload keeps
// the previous config in place.
type Manager struct {
	path string
	cfg  atomic.Pointer[Config]

	mu    sync.Mutex
	stamp fileStamp
}

func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	if _, err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config; Reload and Watch are no-ops.
func NewStaticManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if cfg := m.cfg.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// stamp first: a write racing the load is picked up on the next poll
	stamp, err := stampOf(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.stamp = stamp
	return cfg, nil
}

// NeedsReload reports whether the file changed size or modification time
// since the last successful load.
func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	stamp, err := stampOf(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !stamp.modTime.Equal(m.stamp.modTime) || stamp.size != m.stamp.size, nil
}

// Watch polls the file until stop is closed, calling onReload after each
// successful reload and onError for stat or load failures.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		return
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		changed, err := m.NeedsReload()
		if err != nil {
			report(err)
			continue
		}
		if !changed {
			continue
		}
		cfg, err := m.Reload()
		if err != nil {
			report(err)
			continue
		}
		if onReload != nil {
			onReload(cfg)
		}
	}
}

// ResolvePath makes a relative config path absolute against the working
// directory so reloads survive a later chdir.
func ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
