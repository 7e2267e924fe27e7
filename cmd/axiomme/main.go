// Command axiomme is the CLI boundary over the context-database core.
// The argument surface is intentionally thin (the core semantics live in
// internal/); this mirrors the teacher's cmd layout: a root command with
// persistent flags, a signal-aware context, and a lazily-opened App.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/axiomme/axiomme/internal/app"
	"github.com/axiomme/axiomme/internal/axiomuri"
	"github.com/axiomme/axiomme/internal/axiomtypes"
	"github.com/axiomme/axiomme/internal/ingest"
	"github.com/axiomme/axiomme/internal/retrieval"
	"github.com/axiomme/axiomme/internal/session"
)

var (
	rootDir string
	rootCtx context.Context

	application *app.App
)

func getApp() (*app.App, error) {
	if application != nil {
		return application, nil
	}
	a, err := app.Open(rootCtx, rootDir)
	if err != nil {
		return nil, err
	}
	application = a
	return a, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	rootCmd := &cobra.Command{
		Use:           "axiomme",
		Short:         "Local-first context database with hybrid retrieval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", defaultRoot(), "install root directory")

	rootCmd.AddCommand(
		addCmd(), findCmd(), saveCmd(), queueCmd(), replayCmd(),
		reconcileCmd(), serveCmd(), sessionCmd(), traceCmd(), configCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	if application != nil {
		_ = application.Close()
	}
}

func defaultRoot() string {
	if env := os.Getenv("AXIOMME_ROOT"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".axiomme"
	}
	return home + "/.axiomme"
}

func addCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "add <source-path> <target-uri>",
		Short: "Ingest a file into the content tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			target, err := axiomuri.Parse(args[1])
			if err != nil {
				return err
			}
			res, err := a.Ingest.AddResource(cmd.Context(), args[0], target, wait)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "drain the outbox before returning")
	return cmd
}

func findCmd() *cobra.Command {
	var target string
	var limit int
	var sessionID string
	cmd := &cobra.Command{
		Use:   "find <query>",
		Short: "Hybrid search over indexed content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			res, err := a.Retrieval.Find(cmd.Context(), retrieval.Request{
				Query:     args[0],
				TargetURI: target,
				Limit:     limit,
				SessionID: sessionID,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "restrict to a URI prefix")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum hits")
	cmd.Flags().StringVar(&sessionID, "session", "", "weave session context into the query")
	return cmd
}

func saveCmd() *cobra.Command {
	var etag string
	cmd := &cobra.Command{
		Use:   "save <uri> <content-file>",
		Short: "Save a document with etag conflict detection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			u, err := axiomuri.Parse(args[0])
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			res, err := a.Ingest.SaveDocument(cmd.Context(), u, content, etag)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&etag, "etag", "", "expected etag of the current document")
	return cmd
}

var (
	queueHeaderStyle = lipgloss.NewStyle().Bold(true)
	queueLaneStyle   = lipgloss.NewStyle().Width(12)
	queueCellStyle   = lipgloss.NewStyle().Width(10).Align(lipgloss.Right)
)

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show outbox lane counts and checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			overview, err := a.Store.QueueCounts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(renderQueueOverview(overview))
			return nil
		},
	}
}

func renderQueueOverview(o axiomtypes.QueueOverview) string {
	header := queueLaneStyle.Render("lane") +
		queueCellStyle.Render("new") +
		queueCellStyle.Render("due") +
		queueCellStyle.Render("proc") +
		queueCellStyle.Render("done") +
		queueCellStyle.Render("dead")
	out := queueHeaderStyle.Render(header) + "\n"

	lanes := make([]string, 0, len(o.Lanes))
	for lane := range o.Lanes {
		lanes = append(lanes, string(lane))
	}
	sort.Strings(lanes)
	for _, lane := range lanes {
		c := o.Lanes[axiomtypes.Lane(lane)]
		out += queueLaneStyle.Render(lane) +
			queueCellStyle.Render(fmt.Sprint(c.NewTotal)) +
			queueCellStyle.Render(fmt.Sprint(c.NewDue)) +
			queueCellStyle.Render(fmt.Sprint(c.Processing)) +
			queueCellStyle.Render(fmt.Sprint(c.Processed)) +
			queueCellStyle.Render(fmt.Sprint(c.DeadLetterTotal)) + "\n"
	}
	if len(o.Checkpoints) > 0 {
		out += "\ncheckpoints:\n"
		names := make([]string, 0, len(o.Checkpoints))
		for name := range o.Checkpoints {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out += fmt.Sprintf("  %s = %d\n", name, o.Checkpoints[name])
		}
	}
	return out
}

func replayCmd() *cobra.Command {
	var maxCycles int
	var includeDeadLetter bool
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run the outbox scheduler until idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			n, err := a.Scheduler.ReplayOutbox(cmd.Context(), maxCycles, includeDeadLetter)
			if err != nil {
				return err
			}
			fmt.Printf("processed %d events\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxCycles, "max-cycles", 50, "maximum drain cycles")
	cmd.Flags().BoolVar(&includeDeadLetter, "include-dead-letter", false, "re-dispatch retained dead-letter rows before draining")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Detect and repair index/filesystem drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			report, err := a.Ingest.ReconcileStateWithOptions(cmd.Context(), ingest.ReconcileOptions{DryRun: dryRun})
			if err != nil {
				return err
			}
			return printJSON(report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without repairing")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP document editor",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			// Background the outbox scheduler and the drift watcher for
			// the server's lifetime.
			go func() {
				if err := a.Scheduler.Run(cmd.Context()); err != nil && cmd.Context().Err() == nil {
					fmt.Fprintln(os.Stderr, "scheduler:", err)
				}
			}()
			go func() {
				if err := a.Ingest.WatchForDrift(cmd.Context()); err != nil && cmd.Context().Err() == nil {
					fmt.Fprintln(os.Stderr, "drift watcher:", err)
				}
			}()
			fmt.Printf("editor listening on %s\n", addr)
			return a.Editor.Serve(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8377", "listen address")
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Session message, commit, and promotion operations",
	}

	addMsg := &cobra.Command{
		Use:   "add-message <session-id> <role> <text>",
		Short: "Append one turn to a session",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			msg, err := a.Sessions.AddMessage(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(msg)
		},
	}

	var archiveOnly bool
	commit := &cobra.Command{
		Use:   "commit <session-id>",
		Short: "Archive the active messages and extract memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			mode := session.CommitArchiveAndExtract
			if archiveOnly {
				mode = session.CommitArchiveOnly
			}
			res, err := a.Sessions.Commit(cmd.Context(), args[0], mode)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	commit.Flags().BoolVar(&archiveOnly, "archive-only", false, "skip memory extraction")

	promote := &cobra.Command{
		Use:   "promote <request-json-file>",
		Short: "Run a checkpointed memory promotion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var req session.MemoryPromotionRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return err
			}
			res, err := a.Sessions.PromoteMemories(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}

	cmd.AddCommand(addMsg, commit, promote)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get and set stored configuration values",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:  "get <key>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := getApp()
				if err != nil {
					return err
				}
				value, err := a.Store.GetConfig(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Println(value)
				return nil
			},
		},
		&cobra.Command{
			Use:  "set <key> <value>",
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := getApp()
				if err != nil {
					return err
				}
				return a.Store.SetConfig(cmd.Context(), args[0], args[1])
			},
		},
		&cobra.Command{
			Use:  "list",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := getApp()
				if err != nil {
					return err
				}
				all, err := a.Store.GetAllConfig(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(all)
			},
		},
	)
	return cmd
}

func traceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <trace-id>",
		Short: "Show a persisted retrieval trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := getApp()
			if err != nil {
				return err
			}
			t, err := a.Retrieval.GetTrace(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}
