package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/rahul/relay/internal/agent"
	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/governance"
	"github.com/rahul/relay/internal/llm"
	"github.com/rahul/relay/internal/observability"
	"github.com/rahul/relay/internal/sandbox"
	"github.com/rahul/relay/internal/search"
	"github.com/rahul/relay/internal/store"
	"github.com/rahul/relay/pkg/config"
)

// app holds everything a command needs. Commands that never call a model
// skip newModel.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	status  *observability.StatusBoard
	db      *store.SQLite
	files   *store.FileArtifactStore
	browser *search.BrowserFetcher
}

func newApp(ctx context.Context, configPath string, logOut io.Writer) (*app, error) {
	cfg, err := config.Load(resolveConfig(configPath))
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		logger:  observability.NewLoggerTo(logOut, cfg.App.LLMLog),
		metrics: observability.DefaultMetrics(),
		status:  observability.NewStatusBoard(),
	}

	a.tracer, err = observability.NewTracer(ctx, observability.TracingConfig{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		return nil, err
	}

	a.db, err = store.Open(cfg.Memory.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.logger.SetSink(a.db)

	artifacts := cfg.Memory.Artifacts
	if artifacts == "" {
		artifacts = filepath.Join(cfg.App.Workspace, "artifacts")
	}
	a.files, err = store.NewFileArtifactStore(artifacts)
	if err != nil {
		a.db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() {
	if a.browser != nil {
		a.browser.Close()
	}
	if err := a.tracer.Shutdown(context.Background()); err != nil {
		log.Printf("Warning: tracer shutdown: %v", err)
	}
	a.db.Close()
}

func (a *app) deps() agent.Deps {
	o := a.cfg.Orchestrator
	return agent.Deps{
		Logger:    a.logger,
		Metrics:   a.metrics,
		Tracer:    a.tracer,
		Status:    a.status,
		Artifacts: a.files,
		Records:   a.db,
		Limits: agent.Limits{
			MaxIterations:  o.MaxIterations,
			MaxConcurrency: o.MaxConcurrency,
			MaxReplans:     o.MaxReplans,
			CallTimeout:    o.CallTimeout,
			RunTimeout:     o.RunTimeout,
		},
	}
}

func (a *app) newModel() (llm.Provider, error) {
	name, p := a.cfg.GetDefaultProvider()
	if name == "" {
		return nil, fmt.Errorf("no enabled provider found in config")
	}

	var model llms.Model
	var err error
	switch name {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(p.APIKey),
			openai.WithModel(p.Model),
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("provider %s is not supported", name)
	}
	if err != nil {
		return nil, err
	}

	retry := errs.DefaultRetryConfig()
	if a.cfg.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = a.cfg.Retry.MaxAttempts
	}
	if a.cfg.Retry.BaseDelay > 0 {
		retry.BaseDelay = a.cfg.Retry.BaseDelay
	}
	if a.cfg.Retry.MaxDelay > 0 {
		retry.MaxDelay = a.cfg.Retry.MaxDelay
	}
	return llm.NewClient(model, llm.Options{
		Model:       p.Model,
		Temperature: p.Temperature,
		CallTimeout: a.cfg.Orchestrator.CallTimeout,
		Retry:       retry,
		Logger:      a.logger,
	}), nil
}

// runner builds both pipelines on one model.
func (a *app) runner() (*agent.Runner, error) {
	model, err := a.newModel()
	if err != nil {
		return nil, err
	}
	prompts := agent.NewPromptManager(a.cfg.App.Prompts)
	deps := a.deps()

	policy, err := governance.NewCodePolicy(a.cfg.Sandbox.DeniedPatterns...)
	if err != nil {
		return nil, err
	}
	exec := sandbox.NewLocal(a.cfg.Sandbox.Interpreter, a.cfg.Sandbox.Timeout)

	var analysisEval agent.Evaluator = agent.RuleEvaluator{EscalateAfterRepeats: 3}
	if strings.EqualFold(a.cfg.Orchestrator.Evaluator, "llm") {
		analysisEval = agent.ReviewEvaluator{LLM: model, Prompts: prompts}
	}
	analysis := agent.NewAnalysisPipeline(deps, agent.NewAnalysisSteps(model, exec, policy, prompts), analysisEval)
	analysis.Prompts = prompts
	if a.cfg.Orchestrator.MaxTasks > 0 {
		analysis.MaxTasks = a.cfg.Orchestrator.MaxTasks
	}

	ddg, err := search.NewDuckDuckGo(a.cfg.Search.MaxResults)
	if err != nil {
		return nil, err
	}
	provider := search.NewCached(ddg, a.cfg.Search.CacheSize, a.cfg.Search.CacheTTL)
	var fetcher search.Fetcher = search.NewReadabilityFetcher(a.cfg.Search.FetchTimeout)
	if a.cfg.Search.Browser {
		a.browser = search.NewBrowserFetcher(a.cfg.Search.FetchTimeout)
		fetcher = search.FallbackFetcher{Primary: fetcher, Secondary: a.browser}
	}

	researchEval := agent.SufficiencyEvaluator{MinItems: a.cfg.Search.MinItems}
	if strings.EqualFold(a.cfg.Orchestrator.Evaluator, "llm") {
		researchEval.LLM = model
		researchEval.Prompts = prompts
	}
	research := agent.NewResearchPipeline(deps, agent.NewResearchSteps(model, provider, fetcher, prompts), researchEval)
	research.Prompts = prompts
	if strings.EqualFold(a.cfg.Orchestrator.Cancel, "drain") {
		research.Cancel = agent.CancelDrain
	}

	return &agent.Runner{Analysis: analysis, Research: research}, nil
}
