package agent

import (
	"context"
	"fmt"

	"github.com/rahul/relay/internal/sandbox"
)

// Job is a pipeline-agnostic run request.
type Job struct {
	Kind      string
	ProcessID string
	Goal      string
	Uploads   []sandbox.Upload
	Persist   bool
}

// Runner dispatches jobs to the pipeline of their kind.
type Runner struct {
	Analysis *AnalysisPipeline
	Research *ResearchPipeline
}

func (r *Runner) Run(ctx context.Context, job Job) (*Outcome, error) {
	switch job.Kind {
	case PipelineAnalysis:
		if r.Analysis == nil {
			return nil, fmt.Errorf("analysis pipeline is not configured")
		}
		return r.Analysis.Run(ctx, AnalysisRequest{
			ProcessID: job.ProcessID,
			Goal:      job.Goal,
			Uploads:   job.Uploads,
			Persist:   job.Persist,
		})
	case PipelineResearch, "":
		if r.Research == nil {
			return nil, fmt.Errorf("research pipeline is not configured")
		}
		return r.Research.Run(ctx, ResearchRequest{
			ProcessID: job.ProcessID,
			Goal:      job.Goal,
			Persist:   job.Persist,
		})
	}
	return nil, fmt.Errorf("unknown run kind %q", job.Kind)
}
