package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/scoop/internal/config"
)

var (
	configureProvider string
	configureAPIKey   string
	configureModel    string
	configureForce    bool
	configureShow     bool
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write or show the configuration file",
	Long: `Write a configuration file with default settings and one model
credential profile, or print the effective configuration with --show.
Environment variables such as SCOOP_GATEWAY_PORT override file values.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureProvider, "provider", "openai", "model provider (openai, anthropic)")
	configureCmd.Flags().StringVar(&configureAPIKey, "api-key", "", "model provider API key")
	configureCmd.Flags().StringVar(&configureModel, "model", "", "default model")
	configureCmd.Flags().BoolVar(&configureForce, "force", false, "overwrite an existing config file")
	configureCmd.Flags().BoolVar(&configureShow, "show", false, "print the effective configuration and exit")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	loader := config.NewLoader(cfgFile)

	if configureShow {
		cfg, err := loader.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Fprintln(out, redactedConfig(cfg).String())
		return nil
	}

	path := loader.Path()
	if _, err := os.Stat(path); err == nil && !configureForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}
	if configureAPIKey == "" {
		return errors.New("--api-key is required")
	}

	cfg := config.DefaultConfig()
	if configureModel != "" {
		cfg.Models.Default = configureModel
	}
	cfg.Models.Profiles = []config.ProfileConfig{{
		ID:       configureProvider,
		Provider: configureProvider,
		APIKey:   configureAPIKey,
	}}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(out, "Configuration saved to: %s\n", path)
	fmt.Fprintln(out, "You can now start scoop with: scoop serve")
	return nil
}

func redactedConfig(cfg *config.Config) *config.Config {
	c := *cfg
	c.Models.Profiles = make([]config.ProfileConfig, len(cfg.Models.Profiles))
	for i, p := range cfg.Models.Profiles {
		p.APIKey = mask(p.APIKey)
		c.Models.Profiles[i] = p
	}
	c.Speech.APIKey = mask(c.Speech.APIKey)
	c.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)
	c.Session.Redis.Password = mask(c.Session.Redis.Password)
	return &c
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
