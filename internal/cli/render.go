package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/harun/agentjobs/pkg/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

const maxPayloadWidth = 120

func formatStatus(status string) string {
	switch status {
	case string(store.JobRunning), string(store.DeliveryRetrying), "started", "progress":
		return statusRunning.Render(status)
	case string(store.JobSucceeded), string(store.DeliverySent), "finished":
		return statusDone.Render(status)
	case string(store.JobFailed):
		return statusFailed.Render(status)
	default:
		return statusPending.Render(status)
	}
}

func label(name string) string {
	return labelStyle.Render(fmt.Sprintf("%-10s", name+":"))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// compactJSON renders raw on one line, truncated for terminal output.
func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	data, _ := json.Marshal(v)
	s := string(data)
	if len(s) > maxPayloadWidth {
		s = s[:maxPayloadWidth-3] + "..."
	}
	return s
}

func renderJob(job *store.Job, evs []store.Event) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Job "+job.ID) + "  " + formatStatus(string(job.Status)) + "\n\n")
	b.WriteString(label("Agent") + " " + job.Kind() + "\n")
	b.WriteString(label("Tenant") + " " + job.TenantID + "\n")
	b.WriteString(label("Created") + " " + formatTime(job.CreatedAt) + "\n")
	b.WriteString(label("Updated") + " " + formatTime(job.UpdatedAt) + "\n")
	b.WriteString(label("Input") + " " + compactJSON(job.Input) + "\n")
	if len(job.Output) > 0 {
		b.WriteString(label("Output") + " " + compactJSON(job.Output) + "\n")
	}
	if job.Error != "" {
		b.WriteString(label("Error") + " " + statusFailed.Render(job.Error) + "\n")
	}

	b.WriteString("\n" + titleStyle.Render(fmt.Sprintf("Events (%d)", len(evs))) + "\n")
	for _, ev := range evs {
		fmt.Fprintf(&b, "%s  %-4s %s  %s\n",
			dimStyle.Render(ev.CreatedAt.Local().Format("15:04:05.000")),
			ev.Step,
			formatStatus(ev.Status),
			dimStyle.Render(compactJSON(ev.Payload)))
	}
	return b.String()
}

func renderJobList(jobs []store.Job) string {
	if len(jobs) == 0 {
		return dimStyle.Render("No jobs") + "\n"
	}
	var b strings.Builder
	for _, job := range jobs {
		fmt.Fprintf(&b, "%s  %-32s %s  %s\n",
			job.ID,
			job.Kind(),
			formatStatus(string(job.Status)),
			dimStyle.Render(formatTime(job.CreatedAt)))
	}
	return b.String()
}

func renderDeliveries(jobID string, deliveries []store.WebhookDelivery) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Deliveries for job "+jobID) + "\n\n")
	if len(deliveries) == 0 {
		b.WriteString(dimStyle.Render("No deliveries") + "\n")
		return b.String()
	}
	for _, d := range deliveries {
		fmt.Fprintf(&b, "%s  %-14s %s  attempts=%d  %s\n",
			d.ID, d.EventType, formatStatus(string(d.Status)), d.Attempts, d.URL)
		if d.LastError != "" {
			b.WriteString("    " + label("Error") + " " + statusFailed.Render(d.LastError) + "\n")
		}
	}
	return b.String()
}
