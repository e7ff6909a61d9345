package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	validProviders       = []string{"openai", "anthropic"}
	validSpeechProviders = []string{"openai"}
	validBackends        = []string{"file", "redis"}
	validLogLevels       = []string{"debug", "info", "warn", "error"}
	validExporters       = []string{"none", "stdout", "otlp"}

	// mirrors hooks.EventTypes; config cannot import pkg/hooks
	validHookEvents = []string{
		"start", "token", "stream", "tool_call", "tool_result", "audio",
		"finish", "model_response", "client_action", "select_agent", "box_finish",
	}
)

// Validator checks individual configuration values.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(kind, value string, allowed []string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("invalid %s %q (must be one of: %s)", kind, value, strings.Join(allowed, ", "))
}

func (v *Validator) ValidateProvider(p string) error {
	return oneOf("provider", p, validProviders)
}

func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, validLogLevels)
}

func (v *Validator) ValidateHookEvent(event string) error {
	return oneOf("hook event", event, validHookEvents)
}

// ValidateSchedule parses expr with the standard cron parser plus descriptors.
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	p := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(expr); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateConfig returns every value-level problem found in cfg.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, p := range cfg.Models.Profiles {
		if err := v.ValidateProvider(p.Provider); err != nil {
			errs = append(errs, fmt.Errorf("models.profiles[%d] (%s): %w", i, p.ID, err))
		}
	}
	if cfg.Speech.Enabled {
		if err := oneOf("speech provider", cfg.Speech.Provider, validSpeechProviders); err != nil {
			errs = append(errs, err)
		}
	}
	if err := oneOf("session backend", cfg.Session.Backend, validBackends); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateSchedule(cfg.Session.CleanupSchedule); err != nil {
		errs = append(errs, err)
	}
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Tracing.Enabled {
		if err := oneOf("trace exporter", cfg.Tracing.Exporter, validExporters); err != nil {
			errs = append(errs, err)
		}
	}

	for i, h := range cfg.Hooks {
		if !h.Enabled {
			continue
		}
		if err := v.ValidateHookEvent(h.Event); err != nil {
			errs = append(errs, fmt.Errorf("hooks[%d]: %w", i, err))
		}
		if strings.TrimSpace(h.Script) == "" {
			errs = append(errs, fmt.Errorf("hooks[%d]: script is required", i))
		}
	}
	return errs
}
