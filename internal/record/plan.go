package record

import (
	"fmt"
	"strings"
)

// Task is one verifiable sub-goal of a plan.
type Task struct {
	Hypothesis  string `json:"hypothesis"`
	Purpose     string `json:"purpose"`
	Description string `json:"description"`
	ChartType   string `json:"chart_type,omitempty"`
}

// Plan is the ordered set of tasks derived from a user request.
type Plan struct {
	Purpose     string `json:"purpose"`
	Achievement string `json:"achievement"`
	Tasks       []Task `json:"tasks"`
}

// Validate rejects plans the pipeline cannot act on.
func (p *Plan) Validate() error {
	if p == nil || len(p.Tasks) == 0 {
		return fmt.Errorf("plan: no tasks")
	}
	for i, t := range p.Tasks {
		if strings.TrimSpace(t.Hypothesis) == "" && strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("plan: task %d has neither hypothesis nor description", i+1)
		}
	}
	return nil
}

// Title is a short human label for the task.
func (t Task) Title() string {
	if t.Hypothesis != "" {
		return t.Hypothesis
	}
	return t.Description
}
