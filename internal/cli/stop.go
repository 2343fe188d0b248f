package cli

import (
	"fmt"
	"time"

	"github.com/harun/personakit/internal/config"
	"github.com/harun/personakit/internal/daemon"
	"github.com/spf13/cobra"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the PersonaKit daemon",
	Long: `Stop the PersonaKit daemon started with "personakit serve".
The daemon gets SIGTERM and drains its live sessions; after --timeout it is
killed and its PID file removed.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "how long to wait before killing the daemon")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	pid, err := daemon.SignalStop(pidFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Stopping daemon (PID %d)...\n", pid)

	if daemon.WaitForExit(pid, stopTimeout) {
		fmt.Fprintln(out, "Daemon stopped successfully")
		return nil
	}

	warningColor.Fprintf(out, "Daemon still running after %s, sending SIGKILL\n", stopTimeout)
	if err := daemon.Kill(pidFile, pid); err != nil {
		return err
	}
	fmt.Fprintln(out, "Daemon killed")
	return nil
}
