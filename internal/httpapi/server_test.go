package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ShayCichocki/daybreak/internal/orchestrator"
	"github.com/ShayCichocki/daybreak/internal/state"
	"github.com/ShayCichocki/daybreak/internal/trigger"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeTrigger struct {
	userID   string
	duration int
	busy     bool
}

func (f *fakeTrigger) StartRun(ctx context.Context, userID string, durationMinutes int, _ time.Time) (*orchestrator.RunResult, error) {
	if f.busy {
		return nil, trigger.ErrRunInFlight
	}
	f.userID, f.duration = userID, durationMinutes
	return &orchestrator.RunResult{RunID: "run_sync", UserID: userID, Status: models.RunStatusCompleted, TasksArchived: 2}, nil
}

func (f *fakeTrigger) StartRunAsync(ctx context.Context, userID string, durationMinutes int) (string, <-chan trigger.Outcome, error) {
	if f.busy {
		return "", nil, trigger.ErrRunInFlight
	}
	f.userID, f.duration = userID, durationMinutes
	out := make(chan trigger.Outcome, 1)
	out <- trigger.Outcome{}
	return "run_async", out, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHealth(t *testing.T) {
	s := New(Config{Store: setupTestDB(t)})
	rec, body := do(t, s.Handler(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", rec.Code, body)
	}
}

func TestTaskLifecycle(t *testing.T) {
	db := setupTestDB(t)
	h := New(Config{Store: db}).Handler()

	rec, body := do(t, h, http.MethodPost, "/api/tasks", `{"description":"read the paper","user_id":"alice"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	task := body["task"].(map[string]any)
	id := task["task_id"].(string)
	if !strings.HasPrefix(id, "task_") || task["status"] != "pending" || task["workflow_id"] != models.UnassignedRunID {
		t.Errorf("created task = %v", task)
	}

	rec, body = do(t, h, http.MethodGet, "/api/tasks?user_id=alice&status=pending", "")
	if rec.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Errorf("list = %d %v", rec.Code, body)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/tasks/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("get = %d", rec.Code)
	}

	rec, _ = do(t, h, http.MethodDelete, "/api/tasks/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete = %d %s", rec.Code, rec.Body.String())
	}
	rec, _ = do(t, h, http.MethodGet, "/api/tasks/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	h := New(Config{Store: setupTestDB(t)}).Handler()
	tests := []struct {
		name string
		body string
	}{
		{"missing description", `{}`},
		{"too short", `{"description":"a"}`},
		{"not json", `description`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, h, http.MethodPost, "/api/tasks", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestDeleteTask_NotPendingConflicts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	task := &models.Task{ID: "task_busy0001", UserID: "u", RunID: "run-x", Description: "busy", Status: models.TaskStatusPending}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if _, err := db.UpdateTaskStatus(ctx, task.ID, models.TaskStatusInProgress, models.TaskUpdate{}); err != nil {
		t.Fatal(err)
	}

	h := New(Config{Store: db}).Handler()
	if rec, _ := do(t, h, http.MethodDelete, "/api/tasks/"+task.ID, ""); rec.Code != http.StatusConflict {
		t.Errorf("delete in_progress = %d, want 409", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodDelete, "/api/tasks/task_missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("delete missing = %d, want 404", rec.Code)
	}
}

func TestListTasks_RejectsUnknownStatus(t *testing.T) {
	h := New(Config{Store: setupTestDB(t)}).Handler()
	if rec, _ := do(t, h, http.MethodGet, "/api/tasks?status=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/runs?status=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("runs status = %d", rec.Code)
	}
}

func TestRuns(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Now().UTC()
	run := &models.WorkflowRun{
		ID:              "run-api",
		UserID:          "u",
		StartTime:       start,
		DurationMinutes: 5,
		Deadline:        start.Add(5 * time.Minute),
		Status:          models.RunStatusRunning,
		MainAgentID:     "main_agent_run-api",
	}
	if err := db.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := db.SetAgentState(ctx, models.AgentState{RunID: run.ID, AgentID: run.MainAgentID, Key: "report", Value: json.RawMessage(`{"text":"ok"}`), UpdatedAt: start}); err != nil {
		t.Fatal(err)
	}

	h := New(Config{Store: db}).Handler()
	rec, body := do(t, h, http.MethodGet, "/api/runs?status=running", "")
	if rec.Code != http.StatusOK || body["count"].(float64) != 1 {
		t.Errorf("list runs = %d %v", rec.Code, body)
	}

	rec, body = do(t, h, http.MethodGet, "/api/runs/run-api", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get run = %d", rec.Code)
	}
	if notes := body["agent_state"].([]any); len(notes) != 1 {
		t.Errorf("agent_state = %v", notes)
	}

	if rec, _ := do(t, h, http.MethodGet, "/api/runs/run-missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing run = %d", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	db := setupTestDB(t)
	h := New(Config{Store: db}).Handler()

	rec, body := do(t, h, http.MethodGet, "/api/history?user_id=u", "")
	if rec.Code != http.StatusOK || body["days"].(float64) != 7 || body["count"].(float64) != 0 {
		t.Errorf("history = %d %v", rec.Code, body)
	}
	for _, days := range []string{"0", "366", "week"} {
		if rec, _ := do(t, h, http.MethodGet, "/api/history?days="+days, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("days=%s status = %d", days, rec.Code)
		}
	}
}

func TestStartRun(t *testing.T) {
	db := setupTestDB(t)
	ft := &fakeTrigger{}
	h := New(Config{Store: db, Trigger: ft}).Handler()

	rec, body := do(t, h, http.MethodPost, "/api/runs", `{"user_id":"alice","duration_minutes":30}`)
	if rec.Code != http.StatusAccepted || body["workflow_id"] != "run_async" {
		t.Errorf("async = %d %v", rec.Code, body)
	}
	if ft.userID != "alice" || ft.duration != 30 {
		t.Errorf("trigger got %q %d", ft.userID, ft.duration)
	}

	rec, body = do(t, h, http.MethodPost, "/api/runs?wait=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sync = %d %s", rec.Code, rec.Body.String())
	}
	if res := body["result"].(map[string]any); res["workflow_id"] != "run_sync" || res["tasks_archived"].(float64) != 2 {
		t.Errorf("result = %v", res)
	}

	ft.busy = true
	if rec, _ := do(t, h, http.MethodPost, "/api/runs", ""); rec.Code != http.StatusConflict {
		t.Errorf("busy = %d, want 409", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/runs", `{"duration_minutes":-1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad duration = %d, want 400", rec.Code)
	}
}

func TestStartRun_WithoutTrigger(t *testing.T) {
	h := New(Config{Store: setupTestDB(t)}).Handler()
	if rec, _ := do(t, h, http.MethodPost, "/api/runs", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("daybreak_runs_total 0\n"))
	})
	h := New(Config{Store: setupTestDB(t), Metrics: metrics}).Handler()
	rec, _ := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "daybreak_runs_total") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}
