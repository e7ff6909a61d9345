package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Config is the root scoop configuration.
type Config struct {
	DataDir   string `json:"data_dir" mapstructure:"data_dir"`
	AgentsDir string `json:"agents_dir" mapstructure:"agents_dir"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime"`
	Models  ModelsConfig  `json:"models" mapstructure:"models"`
	Speech  SpeechConfig  `json:"speech" mapstructure:"speech"`
	Session SessionConfig `json:"session" mapstructure:"session"`
	Hooks   []HookConfig  `json:"hooks" mapstructure:"hooks"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`

	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// RuntimeConfig tunes the run pipeline.
type RuntimeConfig struct {
	AdmissionTimeout  time.Duration `json:"admission_timeout" mapstructure:"admission_timeout"`
	RoundTripDelay    time.Duration `json:"round_trip_delay" mapstructure:"round_trip_delay"`
	StageDelay        time.Duration `json:"stage_delay" mapstructure:"stage_delay"`
	MaxRoundTrips     int           `json:"max_round_trips" mapstructure:"max_round_trips"` // 0 = unbounded
	ToolTimeout       time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	MinSentenceLength int           `json:"min_sentence_length" mapstructure:"min_sentence_length"`
	MaxAgentDepth     int           `json:"max_agent_depth" mapstructure:"max_agent_depth"`
	// WorkspaceDir bounds the built-in file tools.
	WorkspaceDir string `json:"workspace_dir" mapstructure:"workspace_dir"`
}

type ModelsConfig struct {
	Default   string          `json:"default" mapstructure:"default"`
	MaxTokens int             `json:"max_tokens" mapstructure:"max_tokens"`
	Profiles  []ProfileConfig `json:"profiles" mapstructure:"profiles"`
	Cooldown  time.Duration   `json:"cooldown" mapstructure:"cooldown"`
	Retries   int             `json:"retries" mapstructure:"retries"`
}

// ProfileConfig is one set of model credentials.
type ProfileConfig struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // openai, anthropic
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Model    string `json:"model" mapstructure:"model"` // overrides the requested model
	Priority int    `json:"priority" mapstructure:"priority"`
}

type SpeechConfig struct {
	Enabled   bool          `json:"enabled" mapstructure:"enabled"`
	Provider  string        `json:"provider" mapstructure:"provider"` // openai
	APIKey    string        `json:"api_key" mapstructure:"api_key"`
	BaseURL   string        `json:"base_url" mapstructure:"base_url"`
	Model     string        `json:"model" mapstructure:"model"`
	Voice     string        `json:"voice" mapstructure:"voice"`
	Format    string        `json:"format" mapstructure:"format"`
	Speed     float64       `json:"speed" mapstructure:"speed"`
	OutputDir string        `json:"output_dir" mapstructure:"output_dir"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

type SessionConfig struct {
	Backend         string        `json:"backend" mapstructure:"backend"` // file, redis
	Dir             string        `json:"dir" mapstructure:"dir"`
	Redis           RedisConfig   `json:"redis" mapstructure:"redis"`
	CleanupSchedule string        `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
	MaxAge          time.Duration `json:"max_age" mapstructure:"max_age"`
}

type RedisConfig struct {
	Addr     string        `json:"addr" mapstructure:"addr"`
	Password string        `json:"password" mapstructure:"password"`
	DB       int           `json:"db" mapstructure:"db"`
	Prefix   string        `json:"prefix" mapstructure:"prefix"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
}

// HookConfig declares a shell script run for every event of one type.
type HookConfig struct {
	ID      string        `json:"id" mapstructure:"id"`
	Event   string        `json:"event" mapstructure:"event"`
	Script  string        `json:"script" mapstructure:"script"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	Exporter    string `json:"exporter" mapstructure:"exporter"`
	Endpoint    string `json:"endpoint" mapstructure:"endpoint"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    14,
			Compress:  true,
			Redaction: true,
		},
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              8420,
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
		},
		Runtime: RuntimeConfig{
			AdmissionTimeout:  60 * time.Second,
			ToolTimeout:       30 * time.Second,
			MinSentenceLength: 20,
			MaxAgentDepth:     3,
		},
		Models: ModelsConfig{
			Default:   "gpt-4o-mini",
			MaxTokens: 4096,
			Cooldown:  time.Minute,
			Retries:   2,
		},
		Speech: SpeechConfig{
			Provider: "openai",
			Model:    "tts-1",
			Voice:    "alloy",
			Format:   "mp3",
			Timeout:  30 * time.Second,
		},
		Session: SessionConfig{
			Backend:         "file",
			CleanupSchedule: "@hourly",
			MaxAge:          30 * 24 * time.Hour,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "scoop:",
			},
		},
		Tracing: TracingConfig{
			ServiceName: "scoop",
			Exporter:    "none",
		},
	}
}

// String returns the config as indented JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks structural requirements. Value-level checks live in Validator.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Models.Profiles) == 0 {
		errs = append(errs, errors.New("no model credentials configured: at least one models.profiles entry is required"))
	}
	seen := make(map[string]bool)
	for i, p := range c.Models.Profiles {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("models.profiles[%d]: id is required", i))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("models.profiles[%d]: duplicate id %q", i, p.ID))
		}
		seen[p.ID] = true
		if p.APIKey == "" {
			errs = append(errs, fmt.Errorf("profile %s: api_key is required", p.ID))
		}
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if c.Runtime.MaxRoundTrips < 0 {
		errs = append(errs, errors.New("runtime.max_round_trips must be >= 0"))
	}
	if c.Speech.Enabled && c.Speech.APIKey == "" {
		errs = append(errs, errors.New("speech.api_key is required when speech is enabled"))
	}

	errs = append(errs, NewValidator().ValidateConfig(c)...)
	return errors.Join(errs...)
}
