package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/scoop/pkg/agent"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect agent definitions",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the agents in the agents directory",
	Args:  cobra.NoArgs,
	RunE:  runAgentsList,
}

var agentsValidateCmd = &cobra.Command{
	Use:   "validate [file...]",
	Short: "Validate agent definition files",
	Long: `Validate agent definitions. Without arguments every YAML and JSON
file in the agents directory is checked.`,
	RunE: runAgentsValidate,
}

func init() {
	agentsCmd.AddCommand(agentsListCmd, agentsValidateCmd)
	rootCmd.AddCommand(agentsCmd)
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg := agent.NewRegistry(cfg.AgentsDir, zerolog.Nop())
	loadErr := reg.Load()

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tMODEL\tSTAGES\tTOOLS\tDESCRIPTION")
	for _, def := range reg.List() {
		model := def.Model
		if model == "" {
			model = cfg.Models.Default
		}
		stages := make([]string, 0, len(def.Stages))
		if def.Chained() || len(def.Stages) == 1 {
			for _, s := range def.Plan() {
				stages = append(stages, s.Name)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			def.Name, model, orDash(strings.Join(stages, ",")), orDash(strings.Join(def.ToolNames(), ",")), def.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if loadErr != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", loadErr)
	}
	return nil
}

func runAgentsValidate(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(cfg.AgentsDir)
		if err != nil {
			return fmt.Errorf("failed to read agents directory: %w", err)
		}
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml" || ext == ".json") {
				paths = append(paths, filepath.Join(cfg.AgentsDir, e.Name()))
			}
		}
	}

	out := cmd.OutOrStdout()
	var failed int
	for _, path := range paths {
		def, err := agent.LoadDefinition(path)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%s)\n", path, def.Name)
	}
	if failed > 0 {
		return errors.New(pluralize(failed, "invalid definition"))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func pluralize(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
