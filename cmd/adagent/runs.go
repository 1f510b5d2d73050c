package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/storage"
)

func newAgentsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := e.buildStack(cmd.Context(), false)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-22s %-11s %s\n", "NAME", "KIND", "DESCRIPTION")
			for _, a := range st.runner.Registry().Describe() {
				fmt.Fprintf(w, "%-22s %-11s %s\n", a.Name, a.Kind, a.Description)
			}
			return nil
		},
	}
}

func newRunsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect the run ledger",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list <agent>",
		Short: "List an agent's attempts, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := e.openDB(cmd.Context(), false)
			if err != nil {
				return err
			}
			runs, total, err := db.ListRuns(cmd.Context(), args[0], limit, offset)
			if err != nil {
				return err
			}
			printRunTable(cmd.OutOrStdout(), runs, total)
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum attempts to show")
	list.Flags().IntVar(&offset, "offset", 0, "attempts to skip")

	get := &cobra.Command{
		Use:   "get <run_id>",
		Short: "Print one ledger row as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("run_id: %w", err)
			}
			db, err := e.openDB(cmd.Context(), false)
			if err != nil {
				return err
			}
			run, err := db.GetRun(cmd.Context(), id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("run %s not found", id)
				}
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Print a line each time an attempt is sealed",
		Long: `Watch listens on the run notification channel and prints each sealed
attempt until interrupted. Notifications from every instance sharing the
database are shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := e.openDB(ctx, true)
			if err != nil {
				return err
			}
			if err := db.Listen(ctx, storage.ChannelRuns); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for {
				_, payload, err := db.WaitForNotification(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				printRunEvent(w, payload, time.Now())
			}
		},
	}

	cmd.AddCommand(list, get, watch)
	return cmd
}

func printRunTable(w io.Writer, runs []model.AgentRun, total int) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found")
		return
	}
	fmt.Fprintf(w, "%-36s %-3s %-18s %-8s %-20s %s\n", "RUN", "#", "STATUS", "RECORDS", "STARTED", "WINDOW")
	for _, r := range runs {
		status := string(r.Status)
		if r.DryRun {
			status += "*"
		}
		fmt.Fprintf(w, "%-36s %-3d %-18s %-8d %-20s %s..%s\n",
			r.RunID, r.Attempt, status, r.RecordsWritten,
			r.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			r.Window.Start.UTC().Format(time.RFC3339), r.Window.End.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "\n%d of %d shown (* = dry run)\n", len(runs), total)
}

// printRunEvent renders a run notification. Payloads that do not decode are
// printed raw.
func printRunEvent(w io.Writer, payload string, at time.Time) {
	var ev struct {
		RunID    string          `json:"run_id"`
		JobID    string          `json:"job_id"`
		Agent    string          `json:"agent"`
		Status   model.RunStatus `json:"status"`
		Advanced bool            `json:"watermark_advanced"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.RunID == "" {
		fmt.Fprintf(w, "%s %s\n", at.UTC().Format(time.TimeOnly), payload)
		return
	}
	mark := ""
	if ev.Advanced {
		mark = " watermark advanced"
	}
	fmt.Fprintf(w, "%s %-22s %-18s run=%s job=%s%s\n",
		at.UTC().Format(time.TimeOnly), ev.Agent, ev.Status, ev.RunID, ev.JobID, mark)
}
