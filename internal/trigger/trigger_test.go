package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/daybreak/internal/orchestrator"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

// fakeRunner records requests and blocks each run until released.
type fakeRunner struct {
	mu      sync.Mutex
	reqs    []orchestrator.RunRequest
	started chan string
	release chan struct{}
	calls   atomic.Int32
}

func newFakeRunner(blocking bool) *fakeRunner {
	f := &fakeRunner{started: make(chan string, 16)}
	if blocking {
		f.release = make(chan struct{})
	}
	return f
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.RunRequest) (*orchestrator.RunResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	select {
	case f.started <- req.RunID:
	default:
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &orchestrator.RunResult{RunID: req.RunID, UserID: req.UserID, Status: models.RunStatusCompleted}, nil
}

func (f *fakeRunner) requests() []orchestrator.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orchestrator.RunRequest(nil), f.reqs...)
}

func TestStartRun_AppliesDefaults(t *testing.T) {
	r := newFakeRunner(false)
	tr := New(r, Config{UserID: "alice", DurationMinutes: 15})

	res, err := tr.StartRun(context.Background(), "", 0, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	reqs := r.requests()
	if len(reqs) != 1 || reqs[0].UserID != "alice" || reqs[0].DurationMinutes != 15 {
		t.Errorf("requests = %+v", reqs)
	}
	if res.RunID != reqs[0].RunID {
		t.Errorf("result run %q, request run %q", res.RunID, reqs[0].RunID)
	}
	if last, ok := tr.Last(); !ok || last.Result.RunID != res.RunID {
		t.Errorf("Last() = %+v, %v", last, ok)
	}
	if _, busy := tr.InFlight(); busy {
		t.Error("run still marked in flight")
	}
}

func TestStartRun_Overrides(t *testing.T) {
	r := newFakeRunner(false)
	tr := New(r, Config{})
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	if _, err := tr.StartRun(context.Background(), "bob", 5, start); err != nil {
		t.Fatal(err)
	}
	req := r.requests()[0]
	if req.UserID != "bob" || req.DurationMinutes != 5 || !req.StartTime.Equal(start) {
		t.Errorf("request = %+v", req)
	}
}

func TestStartRun_RejectsOverlap(t *testing.T) {
	r := newFakeRunner(true)
	tr := New(r, Config{})

	runID, done, err := tr.StartRunAsync(context.Background(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	<-r.started
	if current, busy := tr.InFlight(); !busy || current != runID {
		t.Errorf("InFlight() = %q, %v", current, busy)
	}

	if _, err := tr.StartRun(context.Background(), "", 0, time.Time{}); !errors.Is(err, ErrRunInFlight) {
		t.Errorf("err = %v, want ErrRunInFlight", err)
	}

	close(r.release)
	out := <-done
	if out.Err != nil || out.Result.RunID != runID {
		t.Errorf("outcome = %+v", out)
	}
	if _, busy := tr.InFlight(); busy {
		t.Error("still in flight after the run returned")
	}
}

func TestSchedule_SkipsTicksWhileRunning(t *testing.T) {
	r := newFakeRunner(true)
	tr := New(r, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Schedule(ctx, 10*time.Millisecond, true) }()

	<-r.started
	// Several ticks pass while the first run is blocked.
	time.Sleep(60 * time.Millisecond)
	if n := r.calls.Load(); n != 1 {
		t.Errorf("runs started = %d, want 1", n)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Schedule returned %v", err)
	}
	if _, busy := tr.InFlight(); busy {
		t.Error("run still in flight after Schedule returned")
	}
}

func TestSchedule_RunsEveryInterval(t *testing.T) {
	r := newFakeRunner(false)
	tr := New(r, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Schedule(ctx, 5*time.Millisecond, false) }()
	for i := 0; i < 2; i++ {
		select {
		case <-r.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d never started", i+1)
		}
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Schedule returned %v", err)
	}
}

func TestSchedule_RejectsBadInterval(t *testing.T) {
	tr := New(newFakeRunner(false), Config{})
	if err := tr.Schedule(context.Background(), 0, false); err == nil {
		t.Error("expected an error")
	}
}
