package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/harun/personakit/pkg/cost"
	"github.com/harun/personakit/pkg/events"
	"github.com/harun/personakit/pkg/session"
	"github.com/harun/personakit/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	questionColor = color.New(color.FgCyan, color.Bold)
	warningColor  = color.New(color.FgYellow)
	errorColor    = color.New(color.FgRed)
)

// watch forwards questions raised by s and prints progress notifications
func watch(cmd *cobra.Command, s *session.Session) (<-chan session.Question, func()) {
	questions := make(chan session.Question, 1)
	errOut := cmd.ErrOrStderr()

	unsubscribe := []func(){
		s.On(events.Question, func(ev events.Event) {
			if q, ok := ev.Data.(session.Question); ok {
				select {
				case questions <- q:
				default:
				}
			}
		}),
		s.On(events.ToolExecuted, func(ev events.Event) {
			if te, ok := ev.Data.(session.ToolExecution); ok && !te.Success {
				errorColor.Fprintf(errOut, "tool %s failed: %s\n", te.Name, te.Error)
			}
		}),
		s.On(events.CostWarning, func(ev events.Event) {
			if w, ok := ev.Data.(cost.Warning); ok {
				warningColor.Fprintf(errOut, "warning: %.0f%% of the budget used (%.4f of %.4f %s)\n",
					w.Threshold*100, w.CurrentCost, w.Limit, w.Currency)
			}
		}),
	}

	return questions, func() {
		for _, u := range unsubscribe {
			u()
		}
	}
}

// follow waits for s to finish. Questions are answered from in when
// interactive; otherwise follow returns a nil result with s still paused.
func follow(ctx context.Context, cmd *cobra.Command, s *session.Session, questions <-chan session.Question, in *bufio.Reader, interactive bool) (*session.Result, error) {
	out := cmd.OutOrStdout()
	for {
		select {
		case <-s.Done():
			return s.Result(), nil

		case q := <-questions:
			printQuestion(out, q)
			if !interactive {
				return nil, nil
			}

			fmt.Fprint(out, "> ")
			answer, err := readLine(in)
			if err != nil {
				return nil, fmt.Errorf("failed to read answer: %w", err)
			}
			if err := s.Answer(answer); err != nil && !s.Status().IsTerminal() {
				return nil, err
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func printQuestion(out io.Writer, q session.Question) {
	questionColor.Fprint(out, "\nQuestion: ")
	fmt.Fprintln(out, q.Text)
	if q.Context != "" {
		fmt.Fprintf(out, "Context: %s\n", q.Context)
	}
}

// printPaused tells the user how to continue a session left waiting
func printPaused(out io.Writer, s *session.Session, store storage.Adapter) {
	fmt.Fprintf(out, "\nSession %s is paused.\n", s.ID())
	if !storage.IsConfigured(store) {
		fmt.Fprintln(out, "Storage is disabled, so the session cannot be answered later.")
		return
	}
	fmt.Fprintf(out, "Answer it with: personakit answer %s \"<answer>\"\n", s.ID())
}

// report prints a finished session and turns a non-completed status into an error
func report(out io.Writer, result *session.Result, asJSON bool) error {
	if asJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintln(out, string(data))
	} else {
		if result.FinalText != "" {
			fmt.Fprintf(out, "\n%s\n", result.FinalText)
		}
		if len(result.Documents) > 0 {
			fmt.Fprintln(out, "\nDocuments:")
			for _, doc := range result.Documents {
				fmt.Fprintf(out, "  %s (%d bytes)\n", doc.Path, len(doc.Content))
			}
		}
		printCost(out, result.CostReport)
		fmt.Fprintf(out, "Session %s %s in %dms\n", result.SessionID, result.Status, result.DurationMs)
	}

	if result.Status != session.StatusCompleted {
		return fmt.Errorf("session %s: %s", result.Status, result.Error)
	}
	return nil
}

func printCost(out io.Writer, r cost.Report) {
	fmt.Fprintf(out, "\nCost: %.6f %s (%d API calls, %d tokens)", r.TotalCost, r.Currency, r.APICalls, r.TotalTokens)
	if r.CostLimit > 0 {
		fmt.Fprintf(out, ", limit %.4f", r.CostLimit)
	}
	fmt.Fprintln(out)
}

// readLine reads one line, accepting a final line without a newline
func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
