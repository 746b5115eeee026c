package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

// RenderReport builds a plain-text report of a run straight from its tasks.
// It is used whenever the reporter agent does not produce one, so failed
// tasks and their errors are always listed.
func RenderReport(run *models.WorkflowRun, tasks []models.Task, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", run.ID)
	fmt.Fprintf(&b, "User: %s\n", run.UserID)
	fmt.Fprintf(&b, "Started: %s\n", run.StartTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Deadline: %s\n", run.Deadline.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Elapsed: %s\n\n", now.Sub(run.StartTime).Round(time.Second))

	counts := models.CountByStatus(tasks)
	fmt.Fprintf(&b, "## Summary\n\n")
	fmt.Fprintf(&b, "Total: %d\n", len(tasks))
	for _, s := range models.AllTaskStatuses {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(&b, "- %s: %d\n", s, n)
		}
	}

	sorted := append([]models.Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	section := func(title string, keep func(models.Task) bool, detail func(models.Task) string) {
		var lines []string
		for _, t := range sorted {
			if !keep(t) {
				continue
			}
			line := fmt.Sprintf("- %s: %s", t.ID, oneLine(t.Description, 120))
			if d := detail(t); d != "" {
				line += "\n  " + d
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", title, strings.Join(lines, "\n"))
	}

	section("Completed", func(t models.Task) bool { return t.Status == models.TaskStatusCompleted },
		func(t models.Task) string { return oneLine(t.Output, 200) })
	section("In progress", func(t models.Task) bool { return t.Status == models.TaskStatusInProgress },
		func(t models.Task) string {
			if t.AssignedTo == "" {
				return ""
			}
			return "assigned to: " + t.AssignedTo
		})
	section("Pending", func(t models.Task) bool {
		return t.Status == models.TaskStatusPending || t.Status == models.TaskStatusGenerated
	}, func(t models.Task) string { return "status: " + string(t.Status) })
	section("Failed", func(t models.Task) bool { return t.Status == models.TaskStatusFailed },
		func(t models.Task) string {
			if t.Error == "" {
				return "error: unknown"
			}
			return "error: " + oneLine(t.Error, 200)
		})

	return b.String()
}

// oneLine collapses whitespace and truncates s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
