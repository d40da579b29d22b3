// Package tui renders job state for the terminal. Output is plain styled
// text; there is no interactive mode.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/taskstore"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	inProgressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// unitStyle picks the colour for a unit status
func unitStyle(s domain.UnitStatus) lipgloss.Style {
	switch s {
	case domain.UnitCompleted:
		return completedStyle
	case domain.UnitRunning, domain.UnitValidating:
		return inProgressStyle
	case domain.UnitFailed:
		return failedStyle
	case domain.UnitBlocked:
		return warningStyle
	default:
		return queuedStyle
	}
}

func jobStyle(s domain.JobStatus) lipgloss.Style {
	switch s {
	case domain.JobCompleted:
		return completedStyle
	case domain.JobRunning:
		return runningStyle
	case domain.JobPartialSuccess:
		return warningStyle
	case domain.JobFailed, domain.JobRolledBack:
		return failedStyle
	default:
		return queuedStyle
	}
}

func unitSymbol(s domain.UnitStatus) string {
	switch s {
	case domain.UnitCompleted:
		return "✓"
	case domain.UnitRunning, domain.UnitValidating:
		return "●"
	case domain.UnitFailed:
		return "✗"
	case domain.UnitBlocked:
		return "⊘"
	default:
		return "○"
	}
}

// RenderStatus draws a job summary followed by one line per unit
func RenderStatus(job *domain.JobState, now time.Time) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("JOB " + job.JobID))
	b.WriteString(" ")
	b.WriteString(jobStyle(job.Status).Render(strings.ToUpper(string(job.Status))))
	b.WriteString("\n")

	details := []string{"branch " + job.IntegrationBranch}
	if job.BaselineCommit != "" {
		details = append(details, "baseline "+shortSHA(job.BaselineCommit))
	}
	if job.StartedAt != nil {
		details = append(details, "started "+humanize.RelTime(*job.StartedAt, now, "ago", "from now"))
	}
	if job.CompletedAt != nil {
		details = append(details, "finished "+humanize.RelTime(*job.CompletedAt, now, "ago", "from now"))
	}
	b.WriteString(dimmedStyle.Render("  " + strings.Join(details, " · ")))
	b.WriteString("\n")
	if job.FailureReason != "" {
		b.WriteString(failedStyle.Render("  " + job.FailureReason))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-3s%-20s %-11s %-9s %-10s %s", "", "UNIT", "STATUS", "COMMIT", "TIME", "DETAIL")))
	b.WriteString("\n")
	for _, u := range job.Units.All() {
		b.WriteString(formatUnitLine(u, now))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(renderCounts(job))
	return b.String()
}

func formatUnitLine(u *domain.UnitState, now time.Time) string {
	name := u.ID
	if u.Critical {
		name += " *"
	}
	commit := "-"
	if final := u.BranchInfo.Final(); final != "" {
		commit = shortSHA(final)
	}
	elapsed := "-"
	if u.StartedAt != nil {
		end := now
		if u.CompletedAt != nil {
			end = *u.CompletedAt
		}
		elapsed = formatDuration(end.Sub(*u.StartedAt))
	}

	var detail string
	switch {
	case u.Status == domain.UnitBlocked && u.FailureReason != "":
		detail = fmt.Sprintf("%s (%s)", u.FailureReason, u.BlockingDependency)
	case u.Status == domain.UnitBlocked:
		detail = "waiting on " + u.BlockingDependency
	case u.FailureReason != "":
		detail = u.FailureReason
	case u.Status.Active() && u.BranchInfo != nil:
		detail = u.BranchInfo.BranchName
	case u.Status == domain.UnitPending && len(u.DependsOn) > 0:
		detail = "after " + strings.Join(u.DependsOn, ", ")
	}

	line := fmt.Sprintf(" %s %-20s %-11s %-9s %-10s %s",
		unitSymbol(u.Status), truncate(name, 20), u.Status, commit, elapsed, truncate(detail, 60))
	return unitStyle(u.Status).Render(line)
}

func renderCounts(job *domain.JobState) string {
	counts := job.Counts()
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	parts := make([]string, 0, len(statuses))
	for _, s := range statuses {
		st := domain.UnitStatus(s)
		parts = append(parts, unitStyle(st).Render(fmt.Sprintf("%d %s", counts[st], s)))
	}
	return fmt.Sprintf("%d units: %s", job.Units.Len(), strings.Join(parts, dimmedStyle.Render(" | ")))
}

// RenderHistory draws transition log entries, oldest first
func RenderHistory(entries []taskstore.Entry, now time.Time) string {
	if len(entries) == 0 {
		return queuedStyle.Render("  No history recorded")
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-16s %-20s %-28s %s", "WHEN", "UNIT", "TRANSITION", "REASON")))
	b.WriteString("\n")
	for _, e := range entries {
		unit := e.UnitID
		if unit == "" {
			unit = "(job)"
		}
		from := e.FromStatus
		if from == "" {
			from = "·"
		}
		line := fmt.Sprintf("%-16s %-20s %-28s %s",
			humanize.RelTime(e.At, now, "ago", "from now"),
			truncate(unit, 20),
			from+" → "+e.ToStatus,
			truncate(e.Reason, 60))
		b.WriteString(unitStyle(domain.UnitStatus(e.ToStatus)).Render(line))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
