package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/daybreak/internal/agent"
	"github.com/ShayCichocki/daybreak/internal/config"
	"github.com/ShayCichocki/daybreak/internal/logging"
	"github.com/ShayCichocki/daybreak/internal/orchestrator"
)

var (
	runDuration int
	runUser     string
	runDryRun   bool
	runEngine   string
	runVerbose  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one workflow now",
	Long: `Run one workflow to completion in the foreground.

The run collects pending tasks, lets the generator agent add new ones,
executes all of them in parallel within the deadline, writes a report
and archives the run.

Use --duration 2 for a quick demo run. With --dry-run a canned engine
creates one task per configured topic without any API calls.

Interrupting the run (Ctrl-C) leaves it resumable with 'daybreak resume'.`,
	Args: cobra.NoArgs,
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().IntVarP(&runDuration, "duration", "d", 0, "Run length in minutes (default workflow.duration_minutes)")
	runCmd.Flags().StringVarP(&runUser, "user", "u", "", "User id (default workflow.user_id)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Use a canned engine instead of a real model")
	runCmd.Flags().StringVar(&runEngine, "engine", "", "Engine provider: anthropic or gemini")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print agent capability calls")
}

// runRequest resolves flags against the configured defaults.
func runRequest(cfg *config.Config, userID string, duration int) orchestrator.RunRequest {
	if userID == "" {
		userID = cfg.Workflow.UserID
	}
	if duration <= 0 {
		duration = cfg.Workflow.DurationMinutes
	}
	return orchestrator.RunRequest{UserID: userID, DurationMinutes: duration}
}

// setupRun loads config and builds the app shared by run and resume.
func setupRun(ctx context.Context, out io.Writer) (*app, io.Closer, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if runEngine != "" {
		cfg.Engine.Provider = runEngine
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	logger, logCloser, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, nil, err
	}

	var onStream func(agent.StreamEvent)
	if runVerbose {
		onStream = streamPrinter(out)
	}
	a, err := newApp(ctx, cfg, logger, appOptions{dryRun: runDryRun, onStream: onStream})
	if err != nil {
		logCloser.Close()
		return nil, nil, err
	}
	return a, logCloser, nil
}

// drive runs fn while printing orchestrator events, then the result.
func drive(out io.Writer, a *app, fn func() (*orchestrator.RunResult, error)) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range a.orch.Events() {
			printEvent(out, ev)
		}
	}()

	res, err := fn()
	a.orch.Close()
	<-done

	if res != nil && res.Phase != "" {
		printResult(out, res)
	}
	if errors.Is(err, context.Canceled) && res != nil {
		fmt.Fprintf(out, "\nRun %s interrupted. Continue it with 'daybreak resume %s'.\n", res.RunID, res.RunID)
		return nil
	}
	return err
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	a, logCloser, err := setupRun(ctx, out)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	defer a.Close()

	req := runRequest(a.cfg, runUser, runDuration)
	fmt.Fprintf(out, "Starting run for %s (%d minutes, engine %s)\n", req.UserID, req.DurationMinutes, a.engine.Name())
	return drive(out, a, func() (*orchestrator.RunResult, error) {
		return a.orch.Run(ctx, req)
	})
}
