package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/daybreak/internal/orchestrator"
)

var resumeAbandon bool

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume or abandon an interrupted run",
	Long: `Resume a run left running by a crash or Ctrl-C.

The run keeps its original deadline. Phases that already committed are
skipped and tasks left in progress are marked failed.

Without a run id, the interrupted runs are listed. With --abandon the run
is archived as-is instead of resumed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: resumeRun,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeAbandon, "abandon", false, "Archive the run without running the remaining phases")
	resumeCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Use a canned engine instead of a real model")
	resumeCmd.Flags().StringVar(&runEngine, "engine", "", "Engine provider: anthropic or gemini")
	resumeCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print agent capability calls")
}

func resumeRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	// Abandoning never calls the engine.
	if resumeAbandon {
		runDryRun = true
	}
	a, logCloser, err := setupRun(ctx, out)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	defer a.Close()

	if len(args) == 0 {
		interrupted, err := a.orch.RecoverInterrupted(ctx)
		if err != nil {
			return err
		}
		if len(interrupted) == 0 {
			fmt.Fprintln(out, "No interrupted runs.")
			return nil
		}
		fmt.Fprintln(out, sectionHeader("Interrupted runs"))
		for _, ir := range interrupted {
			note := ""
			if ir.PastDeadline {
				note = color.YellowString(" (past deadline)")
			}
			fmt.Fprintf(out, "  %s  user %s  phase %s  %d pending, %d in progress%s\n",
				ir.Run.ID, ir.Run.UserID, ir.Run.Phase, ir.PendingTasks, ir.StrandedTasks, note)
		}
		fmt.Fprintln(out, "\nResume one with 'daybreak resume <run-id>'.")
		return nil
	}

	runID := args[0]
	if resumeAbandon {
		n, err := a.orch.Abandon(ctx, runID)
		if err != nil {
			return err
		}
		printStatus(out, "✓", fmt.Sprintf("abandoned %s, archived %d tasks", runID, n), color.FgGreen)
		return nil
	}
	return drive(out, a, func() (*orchestrator.RunResult, error) {
		return a.orch.Resume(ctx, runID)
	})
}
