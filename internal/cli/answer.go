package cli

import (
	"bufio"
	"strings"

	"github.com/spf13/cobra"
)

var (
	answerInteractive bool
	answerJSON        bool
)

var answerCmd = &cobra.Command{
	Use:   "answer <session-id> <answer...>",
	Short: "Answer the pending question of a paused session",
	Long: `Restore a paused session from storage, answer its pending question and
follow it until it finishes or asks again.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runAnswer,
}

func init() {
	answerCmd.Flags().BoolVar(&answerInteractive, "interactive", true, "answer further questions from stdin")
	answerCmd.Flags().BoolVar(&answerJSON, "json", false, "print the result as JSON")
	rootCmd.AddCommand(answerCmd)
}

func runAnswer(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	s, err := rt.components.Engine.LoadSession(ctx, args[0])
	if err != nil {
		return err
	}

	questions, stop := watch(cmd, s)
	defer stop()

	if err := s.Answer(strings.Join(args[1:], " ")); err != nil {
		return err
	}

	result, err := follow(ctx, cmd, s, questions, bufio.NewReader(cmd.InOrStdin()), answerInteractive)
	if err != nil {
		return err
	}
	if result == nil {
		printPaused(cmd.OutOrStdout(), s, rt.components.Storage)
		return nil
	}
	return report(cmd.OutOrStdout(), result, answerJSON)
}
