package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

func TestCounters(t *testing.T) {
	m := New()

	m.RunFinished("completed")
	m.RunFinished("completed")
	m.TaskFinished(models.TaskStatusFailed)
	m.CapabilityCalled("create_task", nil)
	m.CapabilityCalled("create_task", errors.New("limit"))
	m.EngineCalled("final")
	m.PhaseCompleted(models.PhaseExecuting, 2*time.Second, errors.New("budget"))

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"runs completed", testutil.ToFloat64(m.runs.WithLabelValues("completed")), 2},
		{"tasks failed", testutil.ToFloat64(m.tasks.WithLabelValues("failed")), 1},
		{"capability ok", testutil.ToFloat64(m.capabilityCall.WithLabelValues("create_task", "ok")), 1},
		{"capability error", testutil.ToFloat64(m.capabilityCall.WithLabelValues("create_task", "error")), 1},
		{"engine final", testutil.ToFloat64(m.engineCalls.WithLabelValues("final")), 1},
		{"phase failures", testutil.ToFloat64(m.phaseFailures.WithLabelValues("executing")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RunFinished("completed")
	m.PhaseCompleted(models.PhaseReporting, time.Second, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`daybreak_runs_total{status="completed"} 1`,
		`daybreak_phase_duration_seconds_count{phase="reporting"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
