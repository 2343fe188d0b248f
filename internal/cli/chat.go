package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/harun/personakit/pkg/engine"
	"github.com/harun/personakit/pkg/events"
	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	chatID        string
	chatCostLimit float64
)

var chatCmd = &cobra.Command{
	Use:   "chat <agent-id>",
	Short: "Start an interactive conversation with an agent",
	Long: `Start an interactive conversation with an agent. Each line is sent as one
message; the conversation keeps its history and budget across turns.

Commands: /cost prints the running cost, /exit leaves and keeps the
conversation open in storage, /end closes it.`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatID, "id", "", "conversation id; a stored conversation with this id is continued")
	chatCmd.Flags().Float64Var(&chatCostLimit, "cost-limit", 0, "cost limit for the whole conversation (0 uses the configured budget)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	c, err := openConversation(ctx, rt, args[0])
	if err != nil {
		return err
	}

	questions := make(chan session.Question, 1)
	defer c.On(events.Question, func(ev events.Event) {
		if q, ok := ev.Data.(session.Question); ok {
			select {
			case questions <- q:
			default:
			}
		}
	})()

	out := cmd.OutOrStdout()
	in := bufio.NewReader(cmd.InOrStdin())
	fmt.Fprintf(out, "Conversation %s with %s. Type /exit to leave.\n", c.ID(), c.AgentID())

	for {
		fmt.Fprint(out, "\nyou> ")
		line, err := readLine(in)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		switch line {
		case "":
			continue
		case "/exit", "/quit":
			printCost(out, c.CostReportWithChildren())
			return nil
		case "/cost":
			printCost(out, c.CostReportWithChildren())
			continue
		case "/end":
			return endConversation(out, c)
		}

		if err := c.Send(ctx, line); err != nil {
			return err
		}
		turn, err := awaitTurn(ctx, out, c, questions, in)
		if err != nil {
			if errors.Is(err, session.ErrPrecondition) {
				return err
			}
			errorColor.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "\n%s> %s\n", c.AgentID(), turn.AgentResponse)
	}

	printCost(out, c.CostReportWithChildren())
	return nil
}

func openConversation(ctx context.Context, rt *runtime, agentID string) (*session.Conversation, error) {
	eng := rt.components.Engine
	if chatID != "" && storage.IsConfigured(rt.components.Storage) {
		c, err := eng.LoadConversation(ctx, chatID)
		if err == nil {
			if c.AgentID() != agentID {
				return nil, fmt.Errorf("conversation %s belongs to agent %s", chatID, c.AgentID())
			}
			return c, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	return eng.NewConversation(engine.ConversationRequest{
		ID:      chatID,
		AgentID: agentID,
		Options: session.Options{CostLimit: chatCostLimit},
	})
}

// awaitTurn waits for the message in flight, answering questions from in
func awaitTurn(ctx context.Context, out io.Writer, c *session.Conversation, questions <-chan session.Question, in *bufio.Reader) (*session.Turn, error) {
	type settled struct {
		turn *session.Turn
		err  error
	}
	done := make(chan settled, 1)
	go func() {
		turn, err := c.WaitForCompletion(ctx, 0)
		done <- settled{turn: turn, err: err}
	}()

	for {
		select {
		case s := <-done:
			return s.turn, s.err

		case q := <-questions:
			printQuestion(out, q)
			fmt.Fprint(out, "> ")
			answer, err := readLine(in)
			if err != nil {
				return nil, fmt.Errorf("failed to read answer: %w", err)
			}
			if err := c.Answer(answer); err != nil && c.Status() == session.ConversationPaused {
				return nil, err
			}
		}
	}
}

func endConversation(out io.Writer, c *session.Conversation) error {
	if err := c.End(); err != nil {
		return err
	}
	printCost(out, c.CostReportWithChildren())
	fmt.Fprintf(out, "Conversation ended after %d turns\n", len(c.Turns()))
	return nil
}
