package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName      = "watchtower"
	defaultHTTPListen       = ":8080"
	defaultPublicBaseURL    = "http://localhost:8080"
	defaultPollIntervalSec  = 10
	defaultClaimBatch       = 50
	defaultNATSURL          = "nats://127.0.0.1:4222"
	defaultEventsSubject    = "watchtower.incidents"
	defaultEventsStream     = "WATCHTOWER_EVENTS"
	defaultEventsConsumer   = "watchtower-escalate"
	defaultEventsGroup      = "watchtower-workers"
	defaultAckWaitSec       = 30
	defaultNackDelayMS      = 1000
	defaultMaxDeliver       = -1
	defaultMaxAckPending    = 2048
	defaultEscalateDelaySec = 300
	defaultEscalateSubject  = "watchtower.escalations"
	defaultEscalateStream   = "WATCHTOWER_ESCALATIONS"
	defaultEscalateConsumer = "watchtower-escalation-checks"
	defaultEscalateGroup    = "watchtower-escalators"
	defaultRedisAddr        = "127.0.0.1:6379"
	defaultRedisKey         = "watchtower:escalations"
	defaultRedisPollMS      = 1000
	defaultTokenExpiryMin   = 15
	defaultMailerPort       = 25
	defaultMailerTimeoutSec = 10

	// ServiceModeNATS runs the distributed deployment with NATS-backed events.
	ServiceModeNATS = "nats"
	// ServiceModeSingle runs one process with in-memory plumbing.
	ServiceModeSingle = "single"

	// StoreBackendMemory keeps incident state in process memory.
	StoreBackendMemory = "memory"
	// StoreBackendPostgres keeps incident state in PostgreSQL.
	StoreBackendPostgres = "postgres"

	// SchedulerMemory runs escalation timers in process.
	SchedulerMemory = "memory"
	// SchedulerNATS defers escalation checks through JetStream redelivery.
	SchedulerNATS = "nats"
	// SchedulerRedis keeps the escalation due-queue in a Redis sorted set.
	SchedulerRedis = "redis"
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Log      LogConfig      `toml:"log"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Store    StoreConfig    `toml:"store"`
	Events   EventsConfig   `toml:"events"`
	Escalate EscalateConfig `toml:"escalate"`
	Token    TokenConfig    `toml:"token"`
	Mailer   MailerConfig   `toml:"mailer"`
}

// ServiceConfig contains process-level settings.
// Params: name, deployment mode, HTTP listen address, and public base URL.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name          string `toml:"name"`
	Mode          string `toml:"mode"`
	Listen        string `toml:"listen"`
	PublicBaseURL string `toml:"public_base_url"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// MonitorConfig controls the probing loop.
// Params: tick interval and per-tick claim batch size.
// Returns: monitor runtime options.
type MonitorConfig struct {
	PollIntervalSec int `toml:"poll_interval_seconds"`
	ClaimBatch      int `toml:"claim_batch"`
}

// StoreConfig selects the incident state backend.
// Params: backend name and PostgreSQL connection URI.
// Returns: store backend options.
type StoreConfig struct {
	Backend     string `toml:"backend"`
	PostgresURI string `toml:"postgres_uri"`
}

// EventsConfig defines the incident lifecycle event transport.
// Params: embedded NATS settings used in nats mode.
// Returns: event transport options.
type EventsConfig struct {
	NATS NATSQueueConfig `toml:"nats"`
}

// NATSQueueConfig configures one JetStream work queue endpoint.
// Params: connection URL, routing names, and ack/redelivery policy.
// Returns: queue consumer/producer behavior.
type NATSQueueConfig struct {
	URL           string `toml:"url"`
	Subject       string `toml:"subject"`
	Stream        string `toml:"stream"`
	ConsumerName  string `toml:"consumer_name"`
	DeliverGroup  string `toml:"deliver_group"`
	AckWaitSec    int    `toml:"ack_wait_sec"`
	NackDelayMS   int    `toml:"nack_delay_ms"`
	MaxDeliver    int    `toml:"max_deliver"`
	MaxAckPending int    `toml:"max_ack_pending"`
}

// EscalateConfig controls unacknowledged-incident escalation.
// Params: delay before the escalation check and scheduler backend settings.
// Returns: escalation runtime options.
type EscalateConfig struct {
	DelaySec  int              `toml:"delay_seconds"`
	Scheduler string           `toml:"scheduler"`
	NATS      NATSQueueConfig  `toml:"nats"`
	Redis     RedisSchedConfig `toml:"redis"`
}

// RedisSchedConfig configures the Redis due-queue scheduler.
// Params: connection settings, sorted-set key, and poll interval.
// Returns: redis scheduler options.
type RedisSchedConfig struct {
	Addr           string `toml:"addr"`
	Password       string `toml:"password"`
	DB             int    `toml:"db"`
	Key            string `toml:"key"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
}

// TokenConfig controls acknowledgement token signing.
// Params: HMAC secret and token lifetime in minutes.
// Returns: token issuer options.
type TokenConfig struct {
	Secret    string `toml:"secret"`
	ExpiryMin int    `toml:"expiry_minutes"`
}

// MailerConfig defines the outbound SMTP transport.
// Params: server endpoint, credentials, sender address, and dial timeout.
// Returns: mailer options.
type MailerConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	From       string `toml:"from"`
	TimeoutSec int    `toml:"timeout_seconds"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	expandSecrets(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, err := loadFile(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment)
	}
	return merged, nil
}

// mergeConfig overlays non-empty sections of source onto destination.
// Params: destination config and next fragment.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.Monitor != (MonitorConfig{}) {
		dst.Monitor = src.Monitor
	}
	if src.Store != (StoreConfig{}) {
		dst.Store = src.Store
	}
	if src.Events != (EventsConfig{}) {
		dst.Events = src.Events
	}
	if src.Escalate != (EscalateConfig{}) {
		dst.Escalate = src.Escalate
	}
	if src.Token != (TokenConfig{}) {
		dst.Token = src.Token
	}
	if src.Mailer != (MailerConfig{}) {
		dst.Mailer = src.Mailer
	}
}

// expandSecrets resolves ${ENV} references in credential-bearing fields.
// Params: decoded config snapshot.
// Returns: expansion side-effect in cfg.
func expandSecrets(cfg *Config) {
	cfg.Store.PostgresURI = os.ExpandEnv(cfg.Store.PostgresURI)
	cfg.Token.Secret = os.ExpandEnv(cfg.Token.Secret)
	cfg.Mailer.Username = os.ExpandEnv(cfg.Mailer.Username)
	cfg.Mailer.Password = os.ExpandEnv(cfg.Mailer.Password)
	cfg.Escalate.Redis.Password = os.ExpandEnv(cfg.Escalate.Redis.Password)
}

// NormalizeServiceMode maps empty/mixed-case mode value to canonical form.
// Params: raw mode from config.
// Returns: canonical mode string.
func NormalizeServiceMode(raw string) string {
	mode := strings.ToLower(strings.TrimSpace(raw))
	if mode == "" {
		return ServiceModeSingle
	}
	return mode
}

// IsSupportedServiceMode reports whether mode is one of the known values.
// Params: canonical mode string.
// Returns: true for single/nats.
func IsSupportedServiceMode(mode string) bool {
	return mode == ServiceModeSingle || mode == ServiceModeNATS
}

// applyDefaults fills unset fields with runtime defaults.
// Params: decoded configuration.
// Returns: defaults side-effect in cfg.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if strings.TrimSpace(cfg.Service.Listen) == "" {
		cfg.Service.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.Service.PublicBaseURL) == "" {
		cfg.Service.PublicBaseURL = defaultPublicBaseURL
	}
	cfg.Service.PublicBaseURL = strings.TrimRight(cfg.Service.PublicBaseURL, "/")

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if cfg.Monitor.PollIntervalSec <= 0 {
		cfg.Monitor.PollIntervalSec = defaultPollIntervalSec
	}
	if cfg.Monitor.ClaimBatch <= 0 {
		cfg.Monitor.ClaimBatch = defaultClaimBatch
	}

	if strings.TrimSpace(cfg.Store.Backend) == "" {
		cfg.Store.Backend = StoreBackendMemory
	}

	applyQueueDefaults(&cfg.Events.NATS, defaultEventsSubject, defaultEventsStream, defaultEventsConsumer, defaultEventsGroup)

	if cfg.Escalate.DelaySec <= 0 {
		cfg.Escalate.DelaySec = defaultEscalateDelaySec
	}
	if strings.TrimSpace(cfg.Escalate.Scheduler) == "" {
		cfg.Escalate.Scheduler = SchedulerMemory
	}
	applyQueueDefaults(&cfg.Escalate.NATS, defaultEscalateSubject, defaultEscalateStream, defaultEscalateConsumer, defaultEscalateGroup)
	if strings.TrimSpace(cfg.Escalate.Redis.Addr) == "" {
		cfg.Escalate.Redis.Addr = defaultRedisAddr
	}
	if strings.TrimSpace(cfg.Escalate.Redis.Key) == "" {
		cfg.Escalate.Redis.Key = defaultRedisKey
	}
	if cfg.Escalate.Redis.PollIntervalMS <= 0 {
		cfg.Escalate.Redis.PollIntervalMS = defaultRedisPollMS
	}

	if cfg.Token.ExpiryMin <= 0 {
		cfg.Token.ExpiryMin = defaultTokenExpiryMin
	}

	if cfg.Mailer.Port <= 0 {
		cfg.Mailer.Port = defaultMailerPort
	}
	if cfg.Mailer.TimeoutSec <= 0 {
		cfg.Mailer.TimeoutSec = defaultMailerTimeoutSec
	}
}

// applyQueueDefaults fills one NATS queue section with fixed routing defaults.
// Params: queue config plus default subject/stream/consumer/group names.
// Returns: defaults side-effect in queue.
func applyQueueDefaults(queue *NATSQueueConfig, subject, stream, consumer, group string) {
	if strings.TrimSpace(queue.URL) == "" {
		queue.URL = defaultNATSURL
	}
	if strings.TrimSpace(queue.Subject) == "" {
		queue.Subject = subject
	}
	if strings.TrimSpace(queue.Stream) == "" {
		queue.Stream = stream
	}
	if strings.TrimSpace(queue.ConsumerName) == "" {
		queue.ConsumerName = consumer
	}
	if strings.TrimSpace(queue.DeliverGroup) == "" {
		queue.DeliverGroup = group
	}
	if queue.AckWaitSec <= 0 {
		queue.AckWaitSec = defaultAckWaitSec
	}
	if queue.NackDelayMS == 0 {
		queue.NackDelayMS = defaultNackDelayMS
	}
	if queue.MaxDeliver == 0 {
		queue.MaxDeliver = defaultMaxDeliver
	}
	if queue.MaxAckPending <= 0 {
		queue.MaxAckPending = defaultMaxAckPending
	}
}

// validateConfig checks configuration invariants before startup.
// Params: config with defaults applied.
// Returns: first violation as error.
func validateConfig(cfg Config) error {
	if !IsSupportedServiceMode(cfg.Service.Mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if _, err := url.Parse(cfg.Service.PublicBaseURL); err != nil {
		return fmt.Errorf("service.public_base_url is not a valid URL: %w", err)
	}

	switch cfg.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendPostgres:
		if strings.TrimSpace(cfg.Store.PostgresURI) == "" {
			return errors.New("store.postgres_uri is required when store.backend=postgres")
		}
	default:
		return fmt.Errorf("store.backend has unsupported value %q", cfg.Store.Backend)
	}

	switch cfg.Escalate.Scheduler {
	case SchedulerMemory, SchedulerNATS, SchedulerRedis:
	default:
		return fmt.Errorf("escalate.scheduler has unsupported value %q", cfg.Escalate.Scheduler)
	}
	if cfg.Service.Mode == ServiceModeSingle && cfg.Escalate.Scheduler == SchedulerNATS {
		return errors.New("escalate.scheduler=nats requires service.mode=nats")
	}

	if cfg.Service.Mode == ServiceModeNATS {
		if err := validateQueue("events.nats", cfg.Events.NATS); err != nil {
			return err
		}
	}
	if cfg.Escalate.Scheduler == SchedulerNATS {
		if err := validateQueue("escalate.nats", cfg.Escalate.NATS); err != nil {
			return err
		}
	}
	if cfg.Escalate.Scheduler == SchedulerRedis {
		if strings.TrimSpace(cfg.Escalate.Redis.Addr) == "" {
			return errors.New("escalate.redis.addr is required when escalate.scheduler=redis")
		}
	}

	if strings.TrimSpace(cfg.Token.Secret) == "" {
		return errors.New("token.secret is required")
	}

	if strings.TrimSpace(cfg.Mailer.Host) == "" {
		return errors.New("mailer.host is required")
	}
	if strings.TrimSpace(cfg.Mailer.From) == "" {
		return errors.New("mailer.from is required")
	}

	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	return validateLogSink("log.file", cfg.Log.File, true)
}

// validateQueue checks one NATS queue section.
// Params: section name for error context and queue settings.
// Returns: first violation as error.
func validateQueue(section string, queue NATSQueueConfig) error {
	if strings.TrimSpace(queue.URL) == "" {
		return fmt.Errorf("%s.url is required", section)
	}
	if queue.AckWaitSec <= 0 {
		return fmt.Errorf("%s.ack_wait_sec must be >0", section)
	}
	if queue.NackDelayMS < 0 {
		return fmt.Errorf("%s.nack_delay_ms must be >=0", section)
	}
	if queue.MaxDeliver == 0 || queue.MaxDeliver < -1 {
		return fmt.Errorf("%s.max_deliver must be -1 or >0", section)
	}
	if queue.MaxAckPending <= 0 {
		return fmt.Errorf("%s.max_ack_pending must be >0", section)
	}
	return nil
}

// validateLogSink checks one logging sink section.
// Params: section name, sink settings, and whether a path is required when enabled.
// Returns: first violation as error.
func validateLogSink(section string, sink LogSinkConfig, needPath bool) error {
	switch sink.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", section, sink.Level)
	}
	switch sink.Format {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", section, sink.Format)
	}
	if needPath && sink.Enabled && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when enabled", section)
	}
	return nil
}
