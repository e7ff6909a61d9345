package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "SCOOP"

// Loader reads configuration files through viper.
type Loader struct {
	configPath string
}

// NewLoader creates a loader for path. An empty path means ~/.scoop/scoop.json.
func NewLoader(path string) *Loader {
	return &Loader{configPath: path}
}

// Path returns the file the loader reads.
func (l *Loader) Path() string {
	if l.configPath != "" {
		return l.configPath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".scoop", "scoop.json")
}

// Load reads the file (when present) over DefaultConfig and applies
// SCOOP_* environment overrides, e.g. SCOOP_GATEWAY_PORT.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	path := l.Path()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.fillPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnv registers keys that have no file entry so AutomaticEnv can see
// them during Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"data_dir", "agents_dir", "audit_file",
		"logging.level", "logging.file",
		"gateway.host", "gateway.port", "gateway.shared_secret",
		"runtime.admission_timeout", "runtime.max_round_trips", "runtime.workspace_dir",
		"models.default",
		"speech.enabled", "speech.api_key", "speech.voice",
		"session.backend", "session.dir",
		"session.redis.addr", "session.redis.password",
		"tracing.enabled", "tracing.exporter", "tracing.endpoint",
	} {
		_ = v.BindEnv(key)
	}
}

func (c *Config) fillPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".scoop")
	}
	if c.AgentsDir == "" {
		c.AgentsDir = filepath.Join(c.DataDir, "agents")
	}
	if c.Session.Dir == "" {
		c.Session.Dir = filepath.Join(c.DataDir, "sessions")
	}
	if c.Speech.OutputDir == "" {
		c.Speech.OutputDir = filepath.Join(c.DataDir, "audio")
	}
	if c.Runtime.WorkspaceDir == "" {
		c.Runtime.WorkspaceDir = filepath.Join(c.DataDir, "workspace")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "scoop.log")
	}
	return nil
}

// Save writes cfg to the loader's path as JSON.
func (l *Loader) Save(cfg *Config) error {
	path := l.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, []byte(cfg.String()), 0o600)
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}
