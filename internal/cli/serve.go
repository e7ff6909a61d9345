package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/scoop/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the scoop gateway",
	Long: `Start the scoop daemon in the foreground. It serves runs over HTTP
and WebSocket, hot-reloads agent definitions and sweeps idle sessions
until it receives SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	pidFile := daemon.PIDFile(cfg.DataDir)
	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is already running (PID %d, file %s)", pid, pidFile)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "scoop listening on %s\n", d.Gateway().Addr())

	d.Wait()
	return nil
}
