package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stratflow/internal/api"
	"stratflow/internal/session"
	"stratflow/internal/util"
	"stratflow/pkg/stratflow"
)

const version = "0.1.0"

type globals struct {
	server string
	grpc   string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "stratflow",
		Short:         "Describe a trading strategy in plain language, review it, and run it",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("STRATFLOW_URL", "http://127.0.0.1:8080"), "stratflow-server REST base URL")
	root.PersistentFlags().StringVar(&g.grpc, "grpc", envOr("STRATFLOW_GRPC", "127.0.0.1:9090"), "stratflow-server gRPC address")

	root.AddCommand(
		newVersionCmd(),
		newChatCmd(g),
		newRunsCmd(g),
		newPresetsCmd(g),
		newSessionsCmd(g),
		newWatchCmd(g),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stratflow %s\n", version)
		},
	}
}

func newRunsCmd(g *globals) *cobra.Command {
	var sessionID string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List executed strategies, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := stratflow.NewClient(g.server).Runs(cmd.Context(), sessionID, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSESSION\tINTENT\tOK\tCREATED\tMESSAGE")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					r.ID, r.SessionID, r.Intent, r.Success, r.CreatedAt.Format("2006-01-02 15:04"), r.Message)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only runs of this session")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func newPresetsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "presets",
		Short: "List the backtest date-range presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			presets, err := stratflow.NewClient(g.server).Presets(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range presets {
				fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", p.Preset, p.Label)
			}
			return nil
		},
	}
}

func newSessionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List open sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := stratflow.NewClient(g.server).ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tBUSY\tUPDATED")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", s.ID, s.State, s.Busy, s.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newWatchCmd(g *globals) *cobra.Command {
	var plain bool
	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session over gRPC",
		Long:  "Follow a session over gRPC in a full-screen console. Approve, regenerate or cancel with a, r or c.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.Dial(g.grpc, util.Discard())
			if err != nil {
				return err
			}
			defer client.Close()

			if !plain {
				return runConsole(cmd.Context(), client, args[0])
			}

			out := cmd.OutOrStdout()
			err = client.Watch(cmd.Context(), args[0], func(ev session.Event) error {
				fmt.Fprintln(out, formatEvent(ev))
				return nil
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "print one line per event instead of the console")
	return cmd
}

func formatEvent(ev session.Event) string {
	switch ev.Type {
	case session.EventState:
		return fmt.Sprintf("[state] %s", ev.State)
	case session.EventMessage:
		if ev.Message != nil {
			return fmt.Sprintf("[%s] %s", ev.Message.Role, ev.Message.Text)
		}
	case session.EventChunk:
		return fmt.Sprintf("[chunk] %d bytes", len(ev.Text))
	case session.EventSpec:
		if ev.Spec != nil {
			return fmt.Sprintf("[spec] valid=%t %d bytes", ev.Spec.Valid, len(ev.Spec.Content))
		}
	case session.EventParams:
		return fmt.Sprintf("[params] %d fields", len(ev.Params))
	case session.EventError:
		return fmt.Sprintf("[error] %s", ev.Error)
	}
	return fmt.Sprintf("[%s]", ev.Type)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
