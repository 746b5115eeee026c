package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ShayCichocki/daybreak/internal/capability"
	"github.com/ShayCichocki/daybreak/internal/llm"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

func TestGenerator_CreatesTasks(t *testing.T) {
	db := setupStore(t)
	engine := llm.NewScripted(
		llm.Calls(
			llm.Request(capability.CreateTask, map[string]string{"description": "AI newsletter"}),
			llm.Request(capability.CreateTask, map[string]string{"description": "gold and silver report"}),
			llm.Request(capability.CreateTask, map[string]string{"description": "model release notes"}),
		),
		llm.Final("planned three tasks"),
	)
	gen := NewGenerator(GeneratorConfig{Loop: NewLoop(LoopConfig{Engine: engine}), Registry: capability.Builtins(db, nil)})

	out, err := gen.Generate(context.Background(), testRun())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(out.Created) != 3 || out.Loop.Outcome != OutcomeDone {
		t.Errorf("generation = %+v", out)
	}
	tasks, _ := db.ListTasks(context.Background(), models.TaskFilter{RunID: "run-1", Status: models.TaskStatusPending})
	if len(tasks) != 3 {
		t.Errorf("pending tasks = %d, want 3", len(tasks))
	}
}

func TestGenerator_EnforcesMaxTasks(t *testing.T) {
	db := setupStore(t)
	var reqs []llm.Block
	for i := 0; i < 6; i++ {
		reqs = append(reqs, llm.Request(capability.CreateTask, map[string]string{"description": fmt.Sprintf("task number %d", i)}))
	}
	engine := llm.NewScripted(llm.Calls(reqs...), llm.Final("ok"))
	gen := NewGenerator(GeneratorConfig{
		Loop:     NewLoop(LoopConfig{Engine: engine}),
		Registry: capability.Builtins(db, nil),
		MaxTasks: 4,
	})

	out, _ := gen.Generate(context.Background(), testRun())
	if len(out.Created) != 4 {
		t.Errorf("created = %d, want 4", len(out.Created))
	}
}

func TestGenerator_OnlyGeneratorCapabilities(t *testing.T) {
	db := setupStore(t)
	var names []string
	engine := llm.EngineFunc(func(ctx context.Context, s string, conv []llm.Message, caps []capability.Spec) (*llm.Reply, error) {
		for _, c := range caps {
			names = append(names, c.Name)
		}
		return &llm.Reply{Stop: llm.StopFinal}, nil
	})
	gen := NewGenerator(GeneratorConfig{Loop: NewLoop(LoopConfig{Engine: engine}), Registry: capability.Builtins(db, nil)})
	gen.Generate(context.Background(), testRun())

	for _, n := range names {
		if n == capability.UpdateTaskStatus {
			t.Errorf("generator should not see %s", n)
		}
	}
	if len(names) != len(capability.GeneratorSet) {
		t.Errorf("generator capabilities = %v", names)
	}
}

func TestGeneratorInstruction(t *testing.T) {
	withTopics := GeneratorInstruction("run-1", []string{"news", "weather"}, 2, 4)
	if !strings.Contains(withTopics, "following 2 tasks") || !strings.Contains(withTopics, "2. weather") {
		t.Errorf("topic instruction = %q", withTopics)
	}
	free := GeneratorInstruction("run-1", nil, 2, 4)
	if !strings.Contains(free, "between 2 and 4 tasks") {
		t.Errorf("free instruction = %q", free)
	}
}

func TestReporter_Report(t *testing.T) {
	db := setupStore(t)
	engine := llm.NewScripted(
		llm.Call(capability.QueryTasks, map[string]string{}),
		llm.Final("# Report\nnothing happened"),
	)
	rep := NewReporter(ReporterConfig{Loop: NewLoop(LoopConfig{Engine: engine}), Registry: capability.Builtins(db, nil)})

	res, err := rep.Report(context.Background(), testRun())
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeDone || !strings.HasPrefix(res.Text, "# Report") {
		t.Errorf("result = %+v", res)
	}
}

func TestAgentIDs(t *testing.T) {
	if got := MainAgentID("run-1"); got != "main_agent_run-1" {
		t.Errorf("MainAgentID = %q", got)
	}
	if got := ExecutorAgentID("task_1"); got != "sub_agent_task_1" {
		t.Errorf("ExecutorAgentID = %q", got)
	}
}
