package agent

import (
	"fmt"
	"strings"
)

func renderAnalysisReport(pm *PromptManager, run *analysisRun) (string, error) {
	summary := ""
	if run.plan != nil {
		summary = fmt.Sprintf("**Purpose:** %s\n\n**Success criteria:** %s", run.plan.Purpose, run.plan.Achievement)
	}
	var body strings.Builder
	for i, t := range run.threads {
		title := "task"
		if t.Record.Task != nil {
			title = t.Record.Task.Title()
		}
		fmt.Fprintf(&body, "## %d. %s\n\n", i+1, title)
		fmt.Fprintf(&body, "Status: %s after %d attempt(s)\n\n", t.State, t.Attempts)
		if out := strings.TrimSpace(t.Record.Stdout); out != "" && t.State == StateCompleted {
			fmt.Fprintf(&body, "```\n%s\n```\n\n", out)
		}
		if obs := strings.TrimSpace(t.Record.Observation); obs != "" {
			fmt.Fprintf(&body, "%s\n\n", obs)
		}
		for _, name := range sortedKeys(t.Record.Paths) {
			fmt.Fprintf(&body, "- %s: %s\n", name, t.Record.Paths[name])
		}
		body.WriteString("\n")
	}
	return pm.Render(PromptReport, map[string]any{
		"title":   "Analysis: " + run.req.Goal,
		"summary": summary,
		"body":    strings.TrimSpace(body.String()),
	})
}

func renderResearchReport(pm *PromptManager, st *ResearchState) (string, error) {
	var body strings.Builder
	body.WriteString(strings.TrimSpace(st.Synthesis))
	body.WriteString("\n\n## Sources\n\n")
	for i, it := range st.Items {
		mark := "✓"
		if i < len(st.Statuses) && st.Statuses[i] != ItemSuccess {
			mark = "✗"
		}
		fmt.Fprintf(&body, "%d. %s %s", i+1, mark, it.Title)
		if u := it.URL(); u != "" {
			fmt.Fprintf(&body, " <%s>", u)
		}
		body.WriteString("\n")
	}
	return pm.Render(PromptReport, map[string]any{
		"title":   "Research: " + st.Goal,
		"summary": "Queries: " + strings.Join(st.Queries, "; "),
		"body":    strings.TrimSpace(body.String()),
	})
}
