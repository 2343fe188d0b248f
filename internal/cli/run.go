package cli

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/harun/personakit/pkg/engine"
	"github.com/harun/personakit/pkg/session"
	"github.com/spf13/cobra"
)

var (
	runID            string
	runCostLimit     float64
	runMaxIterations int
	runPauseTimeout  time.Duration
	runContext       []string
	runInteractive   bool
	runJSON          bool
)

var runCmd = &cobra.Command{
	Use:   "run <agent-id> <command...>",
	Short: "Run an agent on a single command",
	Long: `Run an agent on a single command until it completes, fails or times out.

When the agent asks a question the answer is read from stdin. With
--interactive=false the session is saved and left paused instead, to be
continued later with "personakit answer".`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runID, "id", "", "session id (generated when empty)")
	runCmd.Flags().Float64Var(&runCostLimit, "cost-limit", 0, "cost limit for this session (0 uses the configured budget)")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "maximum model round trips (0 uses the configured value)")
	runCmd.Flags().DurationVar(&runPauseTimeout, "pause-timeout", 0, "how long to wait for an answer (0 uses the configured value)")
	runCmd.Flags().StringArrayVar(&runContext, "context", nil, "context entry as key=value (repeatable)")
	runCmd.Flags().BoolVar(&runInteractive, "interactive", true, "answer questions from stdin")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	sessionContext, err := parseContext(runContext)
	if err != nil {
		return err
	}

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := rt.components.Engine.NewSession(engine.SessionRequest{
		ID:      runID,
		AgentID: args[0],
		Command: strings.Join(args[1:], " "),
		Options: session.Options{
			CostLimit:     runCostLimit,
			PauseTimeout:  runPauseTimeout,
			MaxIterations: runMaxIterations,
			Context:       sessionContext,
		},
	})
	if err != nil {
		return err
	}

	questions, stop := watch(cmd, s)
	defer stop()

	ctx := cmd.Context()
	go func() {
		if _, err := s.Execute(ctx); err != nil {
			log := rt.logger.GetZerolog()
			log.Error().Err(err).Msg("Session did not start")
		}
	}()

	result, err := follow(ctx, cmd, s, questions, bufio.NewReader(cmd.InOrStdin()), runInteractive)
	if err != nil {
		return err
	}
	if result == nil {
		printPaused(cmd.OutOrStdout(), s, rt.components.Storage)
		return nil
	}
	return report(cmd.OutOrStdout(), result, runJSON)
}

// parseContext turns key=value entries into a context map
func parseContext(entries []string) (map[string]interface{}, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	result := make(map[string]interface{}, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context entry %q: expected key=value", entry)
		}
		result[key] = value
	}
	return result, nil
}
