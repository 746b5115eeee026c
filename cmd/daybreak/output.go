package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/ShayCichocki/daybreak/internal/agent"
	"github.com/ShayCichocki/daybreak/internal/orchestrator"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFC857")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("243"))

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// sectionHeader renders a section title.
func sectionHeader(title string) string {
	return headerStyle.Render(title)
}

func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	c.Fprintf(w, "%s ", symbol)
	fmt.Fprintln(w, message)
}

// statusColor picks the colour for a task or run status.
func statusColor(status string) color.Attribute {
	switch status {
	case string(models.TaskStatusCompleted):
		return color.FgGreen
	case string(models.TaskStatusFailed), orchestrator.RunOutcomeFatal:
		return color.FgRed
	case string(models.TaskStatusInProgress), string(models.RunStatusRunning), orchestrator.RunOutcomeInterrupted:
		return color.FgYellow
	default:
		return color.FgCyan
	}
}

func colorStatus(status string) string {
	return color.New(statusColor(status)).Sprint(status)
}

// printEvent writes one orchestrator event as a progress line.
func printEvent(w io.Writer, ev orchestrator.Event) {
	switch ev.Type {
	case orchestrator.EventPhaseStarted:
		fmt.Fprintf(w, "%s %s\n", dimStyle.Render("»"), ev.Phase)
	case orchestrator.EventPhaseCompleted:
		printStatus(w, "✓", fmt.Sprintf("%s (%s)", ev.Phase, formatDuration(ev.Duration)), color.FgGreen)
	case orchestrator.EventPhaseFailed:
		printStatus(w, "✗", fmt.Sprintf("%s: %v", ev.Phase, ev.Error), color.FgRed)
	case orchestrator.EventTaskStarted:
		fmt.Fprintf(w, "  %s %s\n", dimStyle.Render("→"), ev.TaskID)
	case orchestrator.EventTaskCompleted:
		printStatus(w, "  ✓", fmt.Sprintf("%s (%s)", ev.TaskID, formatDuration(ev.Duration)), color.FgGreen)
	case orchestrator.EventTaskFailed:
		msg := ev.Message
		if ev.Error != nil {
			msg = ev.Error.Error()
		}
		printStatus(w, "  ✗", fmt.Sprintf("%s: %s", ev.TaskID, msg), color.FgRed)
	case orchestrator.EventRunDone:
		printStatus(w, "●", fmt.Sprintf("run %s %s", ev.RunID, ev.Message), statusColor(ev.Message))
	}
}

// streamPrinter returns an agent stream hook for --verbose output.
func streamPrinter(w io.Writer) func(agent.StreamEvent) {
	return func(ev agent.StreamEvent) {
		switch ev.Type {
		case agent.EventCapabilityRequest:
			fmt.Fprintf(w, "    %s %s %s\n", dimStyle.Render(ev.AgentID), ev.Capability, truncate(string(ev.Input), 100))
		case agent.EventCapabilityResult:
			fmt.Fprintf(w, "    %s ← %s\n", dimStyle.Render(ev.AgentID), truncate(ev.Content, 100))
		case agent.EventAnomaly:
			fmt.Fprintf(w, "    %s %s\n", dimStyle.Render(ev.AgentID), color.YellowString("anomaly: %s", ev.Content))
		}
	}
}

// printResult writes the run summary and report.
func printResult(w io.Writer, res *orchestrator.RunResult) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, sectionHeader("Run "+res.RunID))
	fmt.Fprintf(w, "  User:      %s\n", res.UserID)
	fmt.Fprintf(w, "  Status:    %s (phase %s)\n", colorStatus(string(res.Status)), res.Phase)
	if res.Resumed {
		fmt.Fprintln(w, "  Resumed:   yes")
	}
	fmt.Fprintf(w, "  Elapsed:   %s\n", formatDuration(res.Elapsed))
	if res.Budget > 0 {
		budget := formatDuration(res.Budget)
		if res.BudgetTimedOut {
			budget += color.YellowString(" (timed out)")
		}
		fmt.Fprintf(w, "  Budget:    %s\n", budget)
	}
	fmt.Fprintf(w, "  Tasks:     %d collected, %d generated, %d archived\n", res.TasksCollected, res.TasksGenerated, res.TasksArchived)
	if counts := formatCounts(res.Counts); counts != "" {
		fmt.Fprintf(w, "  Outcomes:  %s\n", counts)
	}

	if len(res.TaskErrors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, sectionHeader("Failed tasks"))
		for _, id := range sortedKeys(res.TaskErrors) {
			fmt.Fprintf(w, "  %s %s\n", color.RedString(id), res.TaskErrors[id])
		}
	}
	if len(res.PhaseErrors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, sectionHeader("Phase errors"))
		for _, p := range models.Phases {
			if msg, ok := res.PhaseErrors[p]; ok {
				fmt.Fprintf(w, "  %s %s\n", color.RedString(string(p)), msg)
			}
		}
	}

	if res.Report != "" {
		title := "Report"
		if res.ReportFallback {
			title += " (rendered from the store)"
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, sectionHeader(title))
		fmt.Fprintln(w, strings.TrimRight(res.Report, "\n"))
	}
}

// formatCounts renders non-zero status counts in lifecycle order.
func formatCounts(counts models.StatusCounts) string {
	var parts []string
	for _, s := range models.AllTaskStatuses {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, colorStatus(string(s))))
		}
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		if s > 0 {
			return fmt.Sprintf("%dm%ds", m, s)
		}
		return fmt.Sprintf("%dm", m)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
