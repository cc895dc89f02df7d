package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"slackrelay/internal/models"
)

const (
	DefaultPath           = "chatbot_settings.json"
	defaultAddress        = ":8000"
	defaultEnvironment    = "prod"
	defaultFlushThreshold = 250
	defaultProvider       = "openai"
	defaultModelTimeout   = 60 * time.Second
	defaultDedupeTTL      = 10 * time.Minute
	defaultDedupeSize     = 10000
	defaultQueueSize      = 256
	defaultMaxWorkers     = 16
)

// ErrUnknownEnvironment is returned by Resolve for an unconfigured variant.
var ErrUnknownEnvironment = errors.New("unknown environment")

// Config represents runtime configuration for the relay.
type Config struct {
	BasicConfig  BasicConfig                    `json:"basic_config"`
	Providers    map[string]ProviderConfig      `json:"providers"`
	Environments map[string]EnvironmentConfig   `json:"environments"`
	Users        map[string]models.AccessRecord `json:"users"`
	DebugUsers   map[string]models.AccessRecord `json:"debug_users"`
	Redis        RedisConfig                    `json:"redis"`
	Archive      ArchiveConfig                  `json:"archive"`

	// ModelAPIKey is shared by every environment and only read from the process environment.
	ModelAPIKey string `json:"-" env:"OPENAI_KEY"`
}

type BasicConfig struct {
	ServerAddress      string `json:"server_address" env:"RELAY_SERVER_ADDRESS"`
	DefaultEnvironment string `json:"default_environment"`
	FlushThreshold     int    `json:"flush_threshold"`
	MinWorkers         int    `json:"min_workers"`
	MaxWorkers         int    `json:"max_workers"`
	QueueSize          int    `json:"queue_size"`
	WorkerIdleTimeout  int    `json:"worker_idle_timeout"` // seconds
	DedupeTTL          int    `json:"dedupe_ttl"`          // seconds
	DedupeSize         int    `json:"dedupe_size"`
	LogLevel           string `json:"log_level" env:"RELAY_LOG_LEVEL"`
}

type ProviderConfig struct {
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout bounds a single streaming call to the provider.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return defaultModelTimeout
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

type EnvironmentConfig struct {
	LoggingPath       string `json:"logging_path"`
	SlackAPIKeyEnvVar string `json:"slackapi_key_env_var"`
	Mindset           string `json:"mindset"`
	BotID             string `json:"bot_id"`
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	UseDebugUsers     bool   `json:"use_debug_users"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr" env:"RELAY_REDIS_ADDR"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ArchiveConfig struct {
	Driver   string `json:"driver"`
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

// Settings is the resolved configuration of one deployment variant.
type Settings struct {
	Environment    string
	LoggingPath    string
	Users          map[string]models.AccessRecord
	PlatformAPIKey string
	ModelAPIKey    string
	Mindset        string
	BotID          string
	Provider       string
	Model          string
	ProviderConfig ProviderConfig
}

// Load reads configuration from the provided path (defaults to chatbot_settings.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	baseDir := filepath.Dir(absPath)
	for name, envCfg := range cfg.Environments {
		if envCfg.LoggingPath != "" && !filepath.IsAbs(envCfg.LoggingPath) {
			envCfg.LoggingPath = filepath.Join(baseDir, envCfg.LoggingPath)
			cfg.Environments[name] = envCfg
		}
	}
	if strings.EqualFold(cfg.Archive.Driver, "sqlite3") && cfg.Archive.DSN != "" &&
		!strings.HasPrefix(cfg.Archive.DSN, "file:") && cfg.Archive.DSN != ":memory:" &&
		!filepath.IsAbs(cfg.Archive.DSN) {
		cfg.Archive.DSN = filepath.Join(baseDir, cfg.Archive.DSN)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = defaultAddress
	}
	if b.DefaultEnvironment == "" {
		b.DefaultEnvironment = defaultEnvironment
	}
	if b.FlushThreshold <= 0 {
		b.FlushThreshold = defaultFlushThreshold
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers <= 0 {
		b.MaxWorkers = defaultMaxWorkers
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers
	}
	if b.QueueSize <= 0 {
		b.QueueSize = defaultQueueSize
	}
	if b.DedupeSize <= 0 {
		b.DedupeSize = defaultDedupeSize
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
}

func (c *Config) validate() error {
	if len(c.Environments) == 0 {
		return errors.New("at least one environment must be configured")
	}
	if _, ok := c.Environments[c.BasicConfig.DefaultEnvironment]; !ok {
		return fmt.Errorf("default_environment %q is not configured", c.BasicConfig.DefaultEnvironment)
	}
	for name, envCfg := range c.Environments {
		if envCfg.LoggingPath == "" {
			return fmt.Errorf("environment %s: logging_path must be configured", name)
		}
	}
	return nil
}

// WorkerIdleTimeout returns the idle expiry for pooled workers.
func (c *Config) WorkerIdleTimeout() time.Duration {
	return time.Duration(c.BasicConfig.WorkerIdleTimeout) * time.Second
}

// DedupeTTL returns how long an admitted event id is remembered.
func (c *Config) DedupeTTL() time.Duration {
	if c.BasicConfig.DedupeTTL <= 0 {
		return defaultDedupeTTL
	}
	return time.Duration(c.BasicConfig.DedupeTTL) * time.Second
}

// EnvironmentNames lists configured variants in a stable order.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, 0, len(c.Environments))
	for name := range c.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the settings of one deployment variant.
func (c *Config) Resolve(name string) (*Settings, error) {
	envCfg, ok := c.Environments[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEnvironment, name)
	}

	users := c.Users
	if envCfg.UseDebugUsers {
		users = c.DebugUsers
	}
	roster := make(map[string]models.AccessRecord, len(users))
	for id, rec := range users {
		roster[id] = rec
	}

	provider := envCfg.Provider
	if provider == "" {
		provider = defaultProvider
	}
	provCfg := c.Providers[provider]
	modelName := envCfg.Model
	if modelName == "" {
		modelName = provCfg.Model
	}
	modelKey := c.ModelAPIKey
	if modelKey == "" {
		modelKey = provCfg.APIKey
	}

	var platformKey string
	if envCfg.SlackAPIKeyEnvVar != "" {
		platformKey = os.Getenv(envCfg.SlackAPIKeyEnvVar)
	}

	return &Settings{
		Environment:    name,
		LoggingPath:    envCfg.LoggingPath,
		Users:          roster,
		PlatformAPIKey: platformKey,
		ModelAPIKey:    modelKey,
		Mindset:        envCfg.Mindset,
		BotID:          envCfg.BotID,
		Provider:       provider,
		Model:          modelName,
		ProviderConfig: provCfg,
	}, nil
}
