package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string                        `json:"log_level" yaml:"log_level"`
	LogFormat string                        `json:"log_format" yaml:"log_format"`
	Ingest    IngestConfig                  `json:"ingest" yaml:"ingest"`
	Detection DetectionConfig               `json:"detection" yaml:"detection"`
	Gates     GatesConfig                   `json:"gates" yaml:"gates"`
	Events    map[string]ThresholdOverrides `json:"events,omitempty" yaml:"events,omitempty"`
	API       APIConfig                     `json:"api" yaml:"api"`
	Storage   StorageConfig                 `json:"storage" yaml:"storage"`
	Notify    NotifyConfig                  `json:"notify" yaml:"notify"`
	Alerts    AlertsConfig                  `json:"alerts" yaml:"alerts"`
	Metrics   MetricsConfig                 `json:"metrics" yaml:"metrics"`
}

type IngestConfig struct {
	ChannelBuffer int             `json:"channel_buffer" yaml:"channel_buffer"`
	Workers       int             `json:"workers" yaml:"workers"`
	REST          RESTConfig      `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig `json:"tcp_stream" yaml:"tcp_stream"`
	UDP           UDPConfig       `json:"udp" yaml:"udp"`
	FileTail      FileTailConfig  `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig     `json:"kafka" yaml:"kafka"`
	Parser        ParserConfig    `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// UDPConfig accepts newline separated scans in datagrams, as sent by
// scanner gateways that forward over syslog-style transports.
type UDPConfig struct {
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

type ParserConfig struct {
	Timezone       string `json:"timezone" yaml:"timezone"`
	DefaultEventID string `json:"default_event_id" yaml:"default_event_id"`
}

type DetectionConfig struct {
	// Lookback bounds the history a score is computed from. Zero means the
	// whole event.
	Lookback         time.Duration `json:"lookback" yaml:"lookback"`
	RapidWindow      time.Duration `json:"rapid_window" yaml:"rapid_window"`
	RateWindow       time.Duration `json:"rate_window" yaml:"rate_window"`
	RapidThreshold   int           `json:"rapid_threshold" yaml:"rapid_threshold"`
	CriticalRapid    int           `json:"critical_rapid" yaml:"critical_rapid"`
	TravelWindowSize int           `json:"travel_window_size" yaml:"travel_window_size"`
	TravelHorizon    time.Duration `json:"travel_horizon" yaml:"travel_horizon"`
	MinTravelMeters  float64       `json:"min_travel_meters" yaml:"min_travel_meters"`
	SweepActivity    time.Duration `json:"sweep_activity" yaml:"sweep_activity"`
	SweepInterval    time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	AlertCooldown    time.Duration `json:"alert_cooldown" yaml:"alert_cooldown"`
	DedupeWindow     time.Duration `json:"dedupe_window" yaml:"dedupe_window"`
	DedupeSize       int           `json:"dedupe_size" yaml:"dedupe_size"`
	MaxFutureSkew    time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
}

type GatesConfig struct {
	Thresholds     Thresholds    `json:"thresholds" yaml:"thresholds"`
	MetersPerPixel float64       `json:"meters_per_pixel" yaml:"meters_per_pixel"`
	NameSimilarity float64       `json:"name_similarity" yaml:"name_similarity"`
	SweepInterval  time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// Thresholds are the adaptive per-event knobs shared by both engines.
type Thresholds struct {
	DuplicateDistanceMeters  float64 `json:"duplicate_distance_meters" yaml:"duplicate_distance_meters"`
	PromotionSampleSize      int     `json:"promotion_sample_size" yaml:"promotion_sample_size"`
	ConfidenceThreshold      float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	MinCheckinsForGate       int     `json:"min_checkins_for_gate" yaml:"min_checkins_for_gate"`
	MaxSpeedKmh              float64 `json:"max_speed_kmh" yaml:"max_speed_kmh"`
	FraudAutoBlockThreshold  int     `json:"fraud_auto_block_threshold" yaml:"fraud_auto_block_threshold"`
	FraudSweepBlockThreshold int     `json:"fraud_sweep_block_threshold" yaml:"fraud_sweep_block_threshold"`
}

// ThresholdOverrides carries the per-event deviations from the global
// thresholds. Nil fields inherit.
type ThresholdOverrides struct {
	DuplicateDistanceMeters  *float64 `json:"duplicate_distance_meters,omitempty" yaml:"duplicate_distance_meters,omitempty"`
	PromotionSampleSize      *int     `json:"promotion_sample_size,omitempty" yaml:"promotion_sample_size,omitempty"`
	ConfidenceThreshold      *float64 `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
	MinCheckinsForGate       *int     `json:"min_checkins_for_gate,omitempty" yaml:"min_checkins_for_gate,omitempty"`
	MaxSpeedKmh              *float64 `json:"max_speed_kmh,omitempty" yaml:"max_speed_kmh,omitempty"`
	FraudAutoBlockThreshold  *int     `json:"fraud_auto_block_threshold,omitempty" yaml:"fraud_auto_block_threshold,omitempty"`
	FraudSweepBlockThreshold *int     `json:"fraud_sweep_block_threshold,omitempty" yaml:"fraud_sweep_block_threshold,omitempty"`
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
	Log     bool              `json:"log" yaml:"log"`
	Kafka   KafkaNotifyConfig `json:"kafka" yaml:"kafka"`
	Redis   RedisNotifyConfig `json:"redis" yaml:"redis"`
	NATS    NATSNotifyConfig  `json:"nats" yaml:"nats"`
	Breaker BreakerConfig     `json:"breaker" yaml:"breaker"`
	Timeout time.Duration     `json:"timeout" yaml:"timeout"`
}

type KafkaNotifyConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type RedisNotifyConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type NATSNotifyConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

type BreakerConfig struct {
	MaxFailures uint32        `json:"max_failures" yaml:"max_failures"`
	OpenTimeout time.Duration `json:"open_timeout" yaml:"open_timeout"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type MetricsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DuplicateDistanceMeters:  30,
		PromotionSampleSize:      100,
		ConfidenceThreshold:      0.75,
		MinCheckinsForGate:       3,
		MaxSpeedKmh:              30,
		FraudAutoBlockThreshold:  90,
		FraudSweepBlockThreshold: 75,
	}
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Workers:       8,
			REST:          RESTConfig{Enabled: true, Addr: ":8080"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			UDP:           UDPConfig{Enabled: false, Addr: ":9001"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			Parser:        ParserConfig{Timezone: "UTC"},
		},
		Detection: DetectionConfig{
			Lookback:         0,
			RapidWindow:      5 * time.Minute,
			RateWindow:       time.Hour,
			RapidThreshold:   3,
			CriticalRapid:    5,
			TravelWindowSize: 50,
			TravelHorizon:    24 * time.Hour,
			MinTravelMeters:  50,
			SweepActivity:    time.Hour,
			SweepInterval:    time.Minute,
			AlertCooldown:    0,
			DedupeWindow:     10 * time.Minute,
			DedupeSize:       50000,
			MaxFutureSkew:    5 * time.Minute,
		},
		Gates: GatesConfig{
			Thresholds:     DefaultThresholds(),
			NameSimilarity: 0.8,
			SweepInterval:  5 * time.Minute,
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Driver: "memory"},
		Notify: NotifyConfig{
			Log:     true,
			Breaker: BreakerConfig{MaxFailures: 5, OpenTimeout: 30 * time.Second},
			Timeout: 3 * time.Second,
		},
		Alerts:  AlertsConfig{StoreLimit: 1000},
		Metrics: MetricsConfig{StoreLimit: 50000},
	}
}

// For returns the effective thresholds of one event.
func (c *Config) For(eventID string) Thresholds {
	t := c.Gates.Thresholds
	o, ok := c.Events[eventID]
	if !ok {
		return t
	}
	if o.DuplicateDistanceMeters != nil {
		t.DuplicateDistanceMeters = *o.DuplicateDistanceMeters
	}
	if o.PromotionSampleSize != nil {
		t.PromotionSampleSize = *o.PromotionSampleSize
	}
	if o.ConfidenceThreshold != nil {
		t.ConfidenceThreshold = *o.ConfidenceThreshold
	}
	if o.MinCheckinsForGate != nil {
		t.MinCheckinsForGate = *o.MinCheckinsForGate
	}
	if o.MaxSpeedKmh != nil {
		t.MaxSpeedKmh = *o.MaxSpeedKmh
	}
	if o.FraudAutoBlockThreshold != nil {
		t.FraudAutoBlockThreshold = *o.FraudAutoBlockThreshold
	}
	if o.FraudSweepBlockThreshold != nil {
		t.FraudSweepBlockThreshold = *o.FraudSweepBlockThreshold
	}
	return t
}

// Clone deep-copies the parts of the config that the API mutates.
func (c *Config) Clone() *Config {
	next := *c
	if c.Events != nil {
		next.Events = make(map[string]ThresholdOverrides, len(c.Events))
		for k, v := range c.Events {
			next.Events[k] = v
		}
	}
	return &next
}

func (t Thresholds) Validate() error {
	if t.DuplicateDistanceMeters < 0 {
		return errors.New("duplicate_distance_meters must be >= 0")
	}
	if t.PromotionSampleSize <= 0 {
		return errors.New("promotion_sample_size must be > 0")
	}
	if t.ConfidenceThreshold < 0 || t.ConfidenceThreshold > 1 {
		return errors.New("confidence_threshold must be within [0,1]")
	}
	if t.MinCheckinsForGate < 0 {
		return errors.New("min_checkins_for_gate must be >= 0")
	}
	if t.MaxSpeedKmh <= 0 {
		return errors.New("max_speed_kmh must be > 0")
	}
	if t.FraudAutoBlockThreshold <= 0 || t.FraudAutoBlockThreshold > 100 {
		return errors.New("fraud_auto_block_threshold must be within (0,100]")
	}
	if t.FraudSweepBlockThreshold <= 0 || t.FraudSweepBlockThreshold > 100 {
		return errors.New("fraud_sweep_block_threshold must be within (0,100]")
	}
	return nil
}

// Load reads a YAML or JSON file over the defaults, then applies
// GATEGUARD_* overrides. The format follows the extension, or the content
// when the extension is neither.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return nil, fmt.Errorf("config %s is empty", path)
	}
	cfg := DefaultConfig()
	if err := decode(path, content, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return finish(cfg)
}

// FromEnv builds a config from defaults and GATEGUARD_* variables only,
// used when no config file is given.
func FromEnv() (*Config, error) {
	return finish(DefaultConfig())
}

func finish(cfg *Config) (*Config, error) {
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(content, cfg)
	case ".yaml", ".yml":
		return yaml.Unmarshal(content, cfg)
	}
	if content[0] == '{' {
		return json.Unmarshal(content, cfg)
	}
	return yaml.Unmarshal(content, cfg)
}

// Save writes JSON for a .json path and YAML otherwise.
func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = def.Ingest.Workers
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Detection.RapidWindow <= 0 {
		cfg.Detection.RapidWindow = def.Detection.RapidWindow
	}
	if cfg.Detection.RateWindow <= 0 {
		cfg.Detection.RateWindow = def.Detection.RateWindow
	}
	if cfg.Detection.RapidThreshold <= 0 {
		cfg.Detection.RapidThreshold = def.Detection.RapidThreshold
	}
	if cfg.Detection.CriticalRapid <= 0 {
		cfg.Detection.CriticalRapid = def.Detection.CriticalRapid
	}
	if cfg.Detection.TravelWindowSize <= 0 {
		cfg.Detection.TravelWindowSize = def.Detection.TravelWindowSize
	}
	if cfg.Detection.TravelHorizon <= 0 {
		cfg.Detection.TravelHorizon = def.Detection.TravelHorizon
	}
	if cfg.Detection.MinTravelMeters <= 0 {
		cfg.Detection.MinTravelMeters = def.Detection.MinTravelMeters
	}
	if cfg.Detection.SweepActivity <= 0 {
		cfg.Detection.SweepActivity = def.Detection.SweepActivity
	}
	if cfg.Detection.DedupeSize <= 0 {
		cfg.Detection.DedupeSize = def.Detection.DedupeSize
	}
	if cfg.Gates.NameSimilarity <= 0 {
		cfg.Gates.NameSimilarity = def.Gates.NameSimilarity
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Notify.Breaker.MaxFailures == 0 {
		cfg.Notify.Breaker.MaxFailures = def.Notify.Breaker.MaxFailures
	}
	if cfg.Notify.Breaker.OpenTimeout <= 0 {
		cfg.Notify.Breaker.OpenTimeout = def.Notify.Breaker.OpenTimeout
	}
	if cfg.Notify.Timeout <= 0 {
		cfg.Notify.Timeout = def.Notify.Timeout
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
	if cfg.Metrics.StoreLimit <= 0 {
		cfg.Metrics.StoreLimit = def.Metrics.StoreLimit
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
	if cfg.Notify.Redis.Enabled && (cfg.Notify.Redis.Addr == "" || cfg.Notify.Redis.Channel == "") {
		return errors.New("notify.redis requires addr and channel")
	}
	if cfg.Notify.NATS.Enabled && (cfg.Notify.NATS.URL == "" || cfg.Notify.NATS.Subject == "") {
		return errors.New("notify.nats requires url and subject")
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	if err := cfg.Gates.Thresholds.Validate(); err != nil {
		return fmt.Errorf("gates.thresholds: %w", err)
	}
	for eventID := range cfg.Events {
		if err := cfg.For(eventID).Validate(); err != nil {
			return fmt.Errorf("events.%s: %w", eventID, err)
		}
	}
	if cfg.Detection.Lookback < 0 {
		return errors.New("detection.lookback must be >= 0")
	}
	return nil
}

// Manager holds the live config. Readers call Get on every use; a file
// backed manager persists Update and picks up edits made on disk.
type Manager struct {
	path    string
	current atomic.Pointer[Config]

	mu      sync.Mutex
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	if path == "" {
		cfg, err := FromEnv()
		if err != nil {
			return nil, err
		}
		return NewStaticManager(cfg), nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.current.Store(cfg)
	m.touch()
	return m, nil
}

// NewStaticManager wraps an in-memory config. Updates are kept in memory
// only and Watch never reloads.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.current.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if cfg := m.current.Load(); cfg != nil {
		return cfg
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

// touch records the file's current modification time as seen.
func (m *Manager) touch() {
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.modTime = info.ModTime()
	m.mu.Unlock()
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return m.Get(), nil
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	m.touch()
	return cfg, nil
}

// Update validates and installs cfg, writing it back to the file first
// when the manager is file backed.
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
		defer m.touch()
	}
	m.current.Store(cfg)
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return info.ModTime().After(m.modTime), nil
}

// Watch polls the file until ctx is done and calls onReload with every
// config it successfully reloads. Either callback may be nil.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, onReload func(*Config), onError func(error)) {
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
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		needs, err := m.NeedsReload()
		if err != nil {
			report(err)
			continue
		}
		if !needs {
			continue
		}
		cfg, err := m.Reload()
		if err != nil {
			report(err)
			m.touch()
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
