package cli

import (
	"fmt"

	"github.com/harun/personakit/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the PersonaKit gateway in the foreground",
	Long: `Run the PersonaKit daemon in the foreground. It serves the HTTP gateway,
watches the agents directory for persona changes and prunes old snapshots
when retention is enabled. SIGINT or SIGTERM shuts it down gracefully.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "gateway host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", -1, "gateway port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}
	if servePort >= 0 {
		cfg.Gateway.Port = servePort
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	status := d.Status()
	fmt.Fprintf(cmd.OutOrStdout(), "PersonaKit gateway listening on http://%s\n", status.Address)

	d.Wait()
	fmt.Fprintln(cmd.OutOrStdout(), "PersonaKit stopped")
	return nil
}
