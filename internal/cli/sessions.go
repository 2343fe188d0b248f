package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/harun/personakit/pkg/engine"
	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	listKind   string
	listStatus string
	listAgent  string
	listJSON   bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions and conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions and conversations",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a stored session or conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored session or conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a session that was saved while running",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsResume,
}

func init() {
	sessionsListCmd.Flags().StringVar(&listKind, "kind", "", "filter by kind (session, conversation)")
	sessionsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	sessionsListCmd.Flags().StringVar(&listAgent, "agent", "", "filter by agent id")
	sessionsListCmd.Flags().BoolVar(&listJSON, "json", false, "print as JSON")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsResumeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	infos, err := rt.components.Engine.ListSessions(cmd.Context(), storage.ListFilter{
		Kind:    listKind,
		Status:  listStatus,
		AgentID: listAgent,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if listJSON {
		data, err := json.MarshalIndent(infos, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode sessions: %w", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(infos) == 0 {
		fmt.Fprintln(out, "No stored sessions")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tAGENT\tSTATUS\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", info.ID, info.Kind, info.AgentID, info.Status, info.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	eng := rt.components.Engine
	out := cmd.OutOrStdout()

	s, err := eng.LoadSession(ctx, args[0])
	if err == nil {
		showSession(out, s)
		return nil
	}
	if !errors.Is(err, engine.ErrWrongKind) {
		return err
	}

	c, err := eng.LoadConversation(ctx, args[0])
	if err != nil {
		return err
	}
	showConversation(out, c)
	return nil
}

func showSession(out io.Writer, s *session.Session) {
	result := s.Result()
	fmt.Fprintf(out, "Session:  %s\n", s.ID())
	fmt.Fprintf(out, "Agent:    %s\n", s.AgentID())
	fmt.Fprintf(out, "Command:  %s\n", s.Command())
	fmt.Fprintf(out, "Status:   %s\n", result.Status)
	if result.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", result.Error)
	}
	if q := s.PendingQuestion(); q != nil {
		printQuestion(out, *q)
	}
	if result.FinalText != "" {
		fmt.Fprintf(out, "\n%s\n", result.FinalText)
	}
	if len(result.Documents) > 0 {
		fmt.Fprintln(out, "\nDocuments:")
		for _, doc := range result.Documents {
			fmt.Fprintf(out, "  %s (%d bytes)\n", doc.Path, len(doc.Content))
		}
	}
	printCost(out, s.CostReportWithChildren())
}

func showConversation(out io.Writer, c *session.Conversation) {
	fmt.Fprintf(out, "Conversation: %s\n", c.ID())
	fmt.Fprintf(out, "Agent:        %s\n", c.AgentID())
	fmt.Fprintf(out, "Status:       %s\n", c.Status())

	for i, turn := range c.Turns() {
		fmt.Fprintf(out, "\n[%d] you> %s\n", i+1, turn.UserMessage)
		fmt.Fprintf(out, "[%d] %s> %s\n", i+1, c.AgentID(), turn.AgentResponse)
	}
	if q := c.PendingQuestion(); q != nil {
		printQuestion(out, *q)
	}
	printCost(out, c.CostReportWithChildren())
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.components.Engine.DeleteSession(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}

func runSessionsResume(cmd *cobra.Command, args []string) error {
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
	switch s.Status() {
	case session.StatusRunning:
	case session.StatusPaused:
		return fmt.Errorf("session %s is paused; use personakit answer", s.ID())
	default:
		return fmt.Errorf("session %s is %s and cannot be resumed", s.ID(), s.Status())
	}

	questions, stop := watch(cmd, s)
	defer stop()

	go func() {
		if _, err := s.Resume(ctx); err != nil {
			log := rt.logger.GetZerolog()
			log.Error().Err(err).Msg("Session could not resume")
		}
	}()

	result, err := follow(ctx, cmd, s, questions, bufio.NewReader(cmd.InOrStdin()), true)
	if err != nil {
		return err
	}
	return report(cmd.OutOrStdout(), result, false)
}
