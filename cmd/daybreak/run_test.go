package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ShayCichocki/daybreak/internal/agent"
	"github.com/ShayCichocki/daybreak/internal/config"
	"github.com/ShayCichocki/daybreak/internal/logging"
	"github.com/ShayCichocki/daybreak/internal/orchestrator"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

func TestRunRequest(t *testing.T) {
	cfg := config.Default()
	cfg.Workflow.UserID = "alice"
	cfg.Workflow.DurationMinutes = 30

	tests := []struct {
		name     string
		user     string
		duration int
		want     orchestrator.RunRequest
	}{
		{"defaults", "", 0, orchestrator.RunRequest{UserID: "alice", DurationMinutes: 30}},
		{"flags", "bob", 2, orchestrator.RunRequest{UserID: "bob", DurationMinutes: 2}},
		{"negative duration", "", -5, orchestrator.RunRequest{UserID: "alice", DurationMinutes: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runRequest(cfg, tt.user, tt.duration); got != tt.want {
				t.Errorf("runRequest() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "daybreak.db")
	cfg.Generation.Topics = []string{"summarise the newsletter", "check the gold price"}
	return cfg
}

func TestBuildEngine(t *testing.T) {
	cfg := testConfig(t)
	engine, err := buildEngine(context.Background(), cfg, true)
	if err != nil || engine.Name() != "dry-run" {
		t.Fatalf("dry run engine = %v, %v", engine, err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg.Anthropic.APIKey = ""
	if _, err := buildEngine(context.Background(), cfg, false); err == nil || !strings.Contains(err.Error(), "--dry-run") {
		t.Errorf("missing key error = %v", err)
	}

	cfg.Engine.Provider = "openai"
	if _, err := buildEngine(context.Background(), cfg, false); err == nil {
		t.Error("expected an error for an unknown provider")
	}
}

func TestOpenStore_SQLiteDrivers(t *testing.T) {
	for _, driver := range []string{"sqlite", "sqlite3"} {
		t.Run(driver, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Database.Driver = driver
			store, err := openStore(cfg)
			if err != nil {
				t.Fatal(err)
			}
			defer store.Close()
			if _, err := store.ListRuns(context.Background(), ""); err != nil {
				t.Errorf("store not migrated: %v", err)
			}
		})
	}
}

func TestDryRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := newApp(ctx, cfg, logging.Discard(), appOptions{dryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	manual, err := newManualTask("water the plants", cfg.Workflow.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.store.CreateTask(ctx, &manual); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	var res *orchestrator.RunResult
	err = drive(&out, a, func() (*orchestrator.RunResult, error) {
		res, err = a.orch.Run(ctx, runRequest(cfg, "", 10))
		return res, err
	})
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out.String())
	}

	if res.Status != models.RunStatusCompleted || res.Phase != models.PhaseDone {
		t.Errorf("run ended %s/%s", res.Status, res.Phase)
	}
	if res.TasksCollected != 1 || res.TasksGenerated != 2 || res.TasksArchived != 3 {
		t.Errorf("collected %d generated %d archived %d", res.TasksCollected, res.TasksGenerated, res.TasksArchived)
	}
	if res.Counts[models.TaskStatusCompleted] != 3 {
		t.Errorf("counts = %v", res.Counts)
	}
	if !strings.Contains(out.String(), "run "+res.RunID+" completed") {
		t.Errorf("progress output missing run_done:\n%s", out.String())
	}

	history, err := a.store.GetHistory(ctx, cfg.Workflow.UserID, 1)
	if err != nil || len(history) != 3 {
		t.Errorf("history = %d rows, %v", len(history), err)
	}
	if report := loadReport(ctx, a.store, &models.WorkflowRun{ID: res.RunID, MainAgentID: agent.MainAgentID(res.RunID)}); report == "" {
		t.Error("report note not stored")
	}
}
