// Package trigger starts orchestrator runs, either on demand or on a fixed
// interval. At most one run is in flight at a time.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ShayCichocki/daybreak/internal/orchestrator"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

// ErrRunInFlight is returned when a run is requested while another is
// still going.
var ErrRunInFlight = errors.New("a run is already in flight")

// Runner executes one run. *orchestrator.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error)
}

// Config configures a Trigger.
type Config struct {
	// UserID and DurationMinutes are used when a request leaves them unset.
	UserID          string
	DurationMinutes int
	Logger          *slog.Logger
}

// Outcome is the result of an asynchronous run.
type Outcome struct {
	Result *orchestrator.RunResult
	Err    error
}

// Trigger serialises run starts.
type Trigger struct {
	runner          Runner
	userID          string
	durationMinutes int
	logger          *slog.Logger

	mu       sync.Mutex
	inFlight string
	last     *Outcome
	wg       sync.WaitGroup
}

// New creates a Trigger.
func New(runner Runner, cfg Config) *Trigger {
	t := &Trigger{
		runner:          runner,
		userID:          cfg.UserID,
		durationMinutes: cfg.DurationMinutes,
		logger:          cfg.Logger,
	}
	if t.userID == "" {
		t.userID = models.DefaultUserID
	}
	if t.durationMinutes <= 0 {
		t.durationMinutes = 60
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// StartRun runs synchronously. A zero userID, duration or start time
// takes the configured default.
func (t *Trigger) StartRun(ctx context.Context, userID string, durationMinutes int, startTime time.Time) (*orchestrator.RunResult, error) {
	req, err := t.acquire(userID, durationMinutes, startTime)
	if err != nil {
		return nil, err
	}
	defer t.release()
	return t.run(ctx, req)
}

// StartRunAsync starts a run in the background and returns its id. The
// outcome is delivered on the returned channel, which has room for it.
func (t *Trigger) StartRunAsync(ctx context.Context, userID string, durationMinutes int) (string, <-chan Outcome, error) {
	req, err := t.acquire(userID, durationMinutes, time.Time{})
	if err != nil {
		return "", nil, err
	}
	out := make(chan Outcome, 1)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		res, err := t.run(ctx, req)
		t.release()
		out <- Outcome{Result: res, Err: err}
	}()
	return req.RunID, out, nil
}

// InFlight returns the id of the run in progress, if any.
func (t *Trigger) InFlight() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight, t.inFlight != ""
}

// Last returns the outcome of the most recent finished run.
func (t *Trigger) Last() (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Outcome{}, false
	}
	return *t.last, true
}

// Wait blocks until background runs have returned.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Schedule starts a run every interval until ctx is done, and once
// immediately when immediate is set. A tick that finds a run in flight is
// skipped. Schedule waits for the last run to return before returning.
func (t *Trigger) Schedule(ctx context.Context, interval time.Duration, immediate bool) error {
	if interval <= 0 {
		return errors.New("schedule: interval must be positive")
	}
	t.logger.Info("scheduler started", "interval", interval, "user", t.userID, "duration_minutes", t.durationMinutes)
	defer t.Wait()

	if immediate {
		t.tick(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *Trigger) tick(ctx context.Context) {
	runID, _, err := t.StartRunAsync(ctx, "", 0)
	if errors.Is(err, ErrRunInFlight) {
		current, _ := t.InFlight()
		t.logger.Warn("scheduled run skipped, previous run still in flight", "in_flight", current)
		return
	}
	if err != nil {
		t.logger.Error("scheduled run not started", "error", err)
		return
	}
	t.logger.Info("scheduled run started", "run", runID)
}

func (t *Trigger) acquire(userID string, durationMinutes int, startTime time.Time) (orchestrator.RunRequest, error) {
	if userID == "" {
		userID = t.userID
	}
	if durationMinutes <= 0 {
		durationMinutes = t.durationMinutes
	}
	req := orchestrator.RunRequest{
		RunID:           orchestrator.NewRunID(),
		UserID:          userID,
		DurationMinutes: durationMinutes,
		StartTime:       startTime,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight != "" {
		return req, ErrRunInFlight
	}
	t.inFlight = req.RunID
	return req, nil
}

func (t *Trigger) release() {
	t.mu.Lock()
	t.inFlight = ""
	t.mu.Unlock()
}

func (t *Trigger) run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error) {
	started := time.Now()
	res, err := t.runner.Run(ctx, req)
	if err != nil {
		t.logger.Error("run failed", "run", req.RunID, "error", err, "elapsed", time.Since(started).Round(time.Millisecond))
	} else {
		t.logger.Info("run complete", "run", req.RunID, "archived", res.TasksArchived, "elapsed", time.Since(started).Round(time.Millisecond))
	}

	t.mu.Lock()
	t.last = &Outcome{Result: res, Err: err}
	t.mu.Unlock()
	return res, err
}
