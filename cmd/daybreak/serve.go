package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/daybreak/internal/httpapi"
	"github.com/ShayCichocki/daybreak/internal/logging"
	"github.com/ShayCichocki/daybreak/internal/orchestrator"
	"github.com/ShayCichocki/daybreak/internal/trigger"
)

var (
	serveAddr      string
	serveEvery     time.Duration
	serveImmediate bool
	serveRecover   bool
	serveDryRun    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run on a schedule",
	Long: `Serve the status API on server.addr and, when an interval is set,
start a run every interval. A tick that finds a run still in flight is
skipped.

Endpoints:
  GET    /health
  GET    /metrics
  GET    /api/tasks       POST /api/tasks
  GET    /api/tasks/:id   DELETE /api/tasks/:id
  GET    /api/runs        POST /api/runs (?wait=true)
  GET    /api/runs/:id
  GET    /api/history

Runs interrupted by a previous crash are listed at startup and resumed
with --recover.`,
	Args: cobra.NoArgs,
	RunE: serve,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default server.addr)")
	serveCmd.Flags().DurationVar(&serveEvery, "every", 0, "Schedule interval (default schedule.interval; 0 disables)")
	serveCmd.Flags().BoolVar(&serveImmediate, "now", false, "Start a run immediately when scheduling")
	serveCmd.Flags().BoolVar(&serveRecover, "recover", false, "Resume runs interrupted by a previous crash")
	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "Use a canned engine instead of a real model")
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logCloser, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger, appOptions{dryRun: serveDryRun})
	if err != nil {
		return err
	}
	defer a.Close()

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	interval := serveEvery
	if interval == 0 {
		interval = cfg.Schedule.Interval
	}
	immediate := serveImmediate || cfg.Schedule.Immediate

	trig := trigger.New(a.orch, trigger.Config{
		UserID:          cfg.Workflow.UserID,
		DurationMinutes: cfg.Workflow.DurationMinutes,
		Logger:          logger,
	})
	srv := httpapi.New(httpapi.Config{
		Store:       a.store,
		Trigger:     trig,
		Metrics:     a.metrics.Handler(),
		Logger:      logger,
		BaseContext: ctx,
	})

	go logEvents(logger, a.orch.Events())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, addr)
	})
	g.Go(func() error {
		if err := recoverInterrupted(gctx, logger, a.orch, serveRecover); err != nil {
			logger.Error("recovery failed", "error", err)
		}
		if interval <= 0 {
			<-gctx.Done()
			trig.Wait()
			return nil
		}
		return trig.Schedule(gctx, interval, immediate)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "daybreak listening on %s\n", addr)
	return g.Wait()
}

// recoverInterrupted logs runs left running by a previous process and
// resumes them one at a time when resume is set.
func recoverInterrupted(ctx context.Context, logger *slog.Logger, orch *orchestrator.Orchestrator, resume bool) error {
	interrupted, err := orch.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	for _, ir := range interrupted {
		logger.Warn("interrupted run found",
			"run", ir.Run.ID,
			"phase", ir.Run.Phase,
			"stranded", ir.StrandedTasks,
			"pending", ir.PendingTasks,
			"past_deadline", ir.PastDeadline,
		)
		if !resume {
			continue
		}
		res, err := orch.Resume(ctx, ir.Run.ID)
		if err != nil {
			logger.Error("resume failed", "run", ir.Run.ID, "error", err)
			continue
		}
		logger.Info("resumed run finished", "run", res.RunID, "archived", res.TasksArchived)
	}
	if len(interrupted) > 0 && !resume {
		logger.Info("restart with --recover or run 'daybreak resume <run-id>' to continue them")
	}
	return nil
}

func logEvents(logger *slog.Logger, events <-chan orchestrator.Event) {
	for ev := range events {
		attrs := []any{"type", ev.Type, "run", ev.RunID}
		if ev.Phase != "" {
			attrs = append(attrs, "phase", ev.Phase)
		}
		if ev.TaskID != "" {
			attrs = append(attrs, "task", ev.TaskID)
		}
		if ev.Error != nil {
			attrs = append(attrs, "error", ev.Error)
		}
		logger.Debug("event", attrs...)
	}
}
