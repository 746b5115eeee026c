package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/daybreak/internal/orchestrator"
	"github.com/ShayCichocki/daybreak/internal/state"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show runs, or one run in detail",
	Long: `Display workflow runs.

Without arguments, shows the runs still in progress (or interrupted) and
the most recent completed runs. With a run id, shows that run's tasks and
its report.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 5, "Number of recent runs to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return displayRun(ctx, out, store, args[0], time.Now())
	}
	return displayRuns(ctx, out, store, statusLimit, time.Now())
}

func displayRuns(ctx context.Context, out io.Writer, store state.Store, limit int, now time.Time) error {
	runs, err := store.ListRuns(ctx, "")
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs yet. Start one with 'daybreak run'.")
		return nil
	}

	var active, recent []models.WorkflowRun
	for _, r := range runs {
		if r.Status == models.RunStatusRunning {
			active = append(active, r)
		} else if len(recent) < limit {
			recent = append(recent, r)
		}
	}

	if len(active) > 0 {
		fmt.Fprintln(out, sectionHeader("Running"))
		for _, r := range active {
			left := r.Remaining(now)
			when := formatDuration(left) + " left"
			if left <= 0 {
				when = color.YellowString("past deadline, likely interrupted")
			}
			fmt.Fprintf(out, "  %s  %s  phase %s  %s\n", r.ID, r.UserID, r.Phase, when)
		}
		fmt.Fprintln(out)
	}
	if len(recent) > 0 {
		fmt.Fprintln(out, sectionHeader("Recent Runs"))
		for _, r := range recent {
			took := ""
			if r.EndTime != nil {
				took = " in " + formatDuration(r.EndTime.Sub(r.StartTime))
			}
			fmt.Fprintf(out, "  %s  %s  %s%s (%s ago)\n",
				r.ID, r.UserID, colorStatus(string(r.Status)), took, formatDuration(now.Sub(r.StartTime)))
		}
	}
	return nil
}

func displayRun(ctx context.Context, out io.Writer, store state.Store, runID string, now time.Time) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, sectionHeader("Run "+run.ID))
	fmt.Fprintf(out, "  User:     %s\n", run.UserID)
	fmt.Fprintf(out, "  Status:   %s (phase %s)\n", colorStatus(string(run.Status)), run.Phase)
	fmt.Fprintf(out, "  Started:  %s (%s ago)\n", run.StartTime.Local().Format(time.DateTime), formatDuration(now.Sub(run.StartTime)))
	fmt.Fprintf(out, "  Deadline: %s\n", run.Deadline.Local().Format(time.DateTime))

	tasks, err := store.ListTasks(ctx, models.TaskFilter{RunID: run.ID})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, sectionHeader("Tasks"))
		for _, t := range tasks {
			fmt.Fprintf(out, "  %s  %-11s  %s\n", t.ID, colorStatus(string(t.Status)), truncate(t.Description, 70))
			if t.Error != "" {
				fmt.Fprintf(out, "      %s\n", color.RedString(truncate(t.Error, 90)))
			}
		}
	} else if run.Status == models.RunStatusCompleted {
		fmt.Fprintln(out, "\n  Tasks archived; see 'daybreak history'.")
	}

	if report := loadReport(ctx, store, run); report != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, sectionHeader("Report"))
		fmt.Fprintln(out, strings.TrimRight(report, "\n"))
	}
	return nil
}

// loadReport returns the stored report note of run, or "".
func loadReport(ctx context.Context, store state.Store, run *models.WorkflowRun) string {
	st, err := store.GetAgentState(ctx, run.ID, run.MainAgentID, orchestrator.ReportKey)
	if err != nil {
		return ""
	}
	var note struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(st.Value, &note); err != nil {
		return ""
	}
	return note.Text
}
