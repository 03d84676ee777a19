// Package config loads relay's YAML configuration. JSON files parse too,
// YAML being a superset.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig                 `yaml:"app"`
	Gateways     map[string]GatewayConfig  `yaml:"gateways"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Memory       MemoryConfig              `yaml:"memory"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Retry        RetryConfig               `yaml:"retry"`
	Sandbox      SandboxConfig             `yaml:"sandbox"`
	Search       SearchConfig              `yaml:"search"`
	Tracing      TracingConfig             `yaml:"tracing"`
	Metrics      MetricsConfig             `yaml:"metrics"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`
	// Prompts overrides the built-in prompt templates and persona files.
	Prompts string `yaml:"prompts"`
	LLMLog  string `yaml:"llm_log"`
}

type GatewayConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

type ProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Temperature float64 `yaml:"temperature"`
	Enabled     bool    `yaml:"enabled"`
}

type MemoryConfig struct {
	Type      string `yaml:"type"`
	Path      string `yaml:"path"`
	Artifacts string `yaml:"artifacts"`
}

// OrchestratorConfig bounds every run.
type OrchestratorConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	MaxReplans     int           `yaml:"max_replans"`
	MaxTasks       int           `yaml:"max_tasks"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
	// Evaluator is "rule" or "llm".
	Evaluator string `yaml:"evaluator"`
	// Cancel is "abandon" or "drain".
	Cancel        string        `yaml:"cancel"`
	QueueInterval time.Duration `yaml:"queue_interval"`
}

// RetryConfig tunes collaborator-level retries of transient failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type SandboxConfig struct {
	Interpreter    string        `yaml:"interpreter"`
	Timeout        time.Duration `yaml:"timeout"`
	DeniedPatterns []string      `yaml:"denied_patterns"`
}

type SearchConfig struct {
	MaxResults   int           `yaml:"max_results"`
	MinItems     int           `yaml:"min_items"`
	CacheSize    int           `yaml:"cache_size"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// Browser renders pages with headless Chrome when plain fetching fails.
	Browser bool `yaml:"browser"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
	ServiceName  string  `yaml:"service_name"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used for anything a file leaves out.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "relay", Workspace: "workspace", LLMLog: "logs/llm.jsonl"},
		Gateways: map[string]GatewayConfig{},
		Providers: map[string]ProviderConfig{
			"openai": {Model: "gpt-4o-mini", Enabled: true},
		},
		Memory: MemoryConfig{Type: "sqlite", Path: "workspace/relay.db", Artifacts: "workspace/artifacts"},
		Orchestrator: OrchestratorConfig{
			MaxIterations:  3,
			MaxConcurrency: 1,
			MaxReplans:     0,
			MaxTasks:       5,
			CallTimeout:    60 * time.Second,
			RunTimeout:     30 * time.Minute,
			Evaluator:      "rule",
			Cancel:         "abandon",
			QueueInterval:  30 * time.Second,
		},
		Retry:   RetryConfig{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		Sandbox: SandboxConfig{Interpreter: "python3", Timeout: 45 * time.Second},
		Search: SearchConfig{
			MaxResults:   5,
			MinItems:     1,
			CacheSize:    256,
			CacheTTL:     time.Hour,
			FetchTimeout: 20 * time.Second,
		},
		Tracing: TracingConfig{SampleRate: 1.0, ServiceName: "relay"},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Load reads .env, then the file at path over Default(), then RELAY_*
// environment overrides. A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		p := c.Providers["openai"]
		if p.APIKey == "" {
			p.APIKey = v
			c.Providers["openai"] = p
		}
	}
	if v := os.Getenv("RELAY_MODEL"); v != "" {
		if name, p := c.GetDefaultProvider(); name != "" {
			p.Model = v
			c.Providers[name] = p
		}
	}
	for name, env := range map[string]string{"telegram": "TELEGRAM_BOT_TOKEN", "discord": "DISCORD_BOT_TOKEN"} {
		if v := os.Getenv(env); v != "" {
			g := c.Gateways[name]
			g.Token = v
			c.Gateways[name] = g
		}
	}
	if v := os.Getenv("RELAY_DB"); v != "" {
		c.Memory.Path = v
	}
	if v := os.Getenv("RELAY_WORKSPACE"); v != "" {
		c.App.Workspace = v
	}

	ints := map[string]*int{
		"RELAY_MAX_ITERATIONS":  &c.Orchestrator.MaxIterations,
		"RELAY_MAX_CONCURRENCY": &c.Orchestrator.MaxConcurrency,
		"RELAY_MAX_REPLANS":     &c.Orchestrator.MaxReplans,
	}
	for env, dst := range ints {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		*dst = n
	}
	if v := os.Getenv("RELAY_RUN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RELAY_RUN_TIMEOUT: %w", err)
		}
		c.Orchestrator.RunTimeout = d
	}
	return nil
}

// Validate rejects settings no run could work with.
func (c *Config) Validate() error {
	var errs []error
	o := c.Orchestrator
	if o.MaxIterations < 1 {
		errs = append(errs, errors.New("orchestrator.max_iterations must be at least 1"))
	}
	if o.MaxConcurrency < 1 {
		errs = append(errs, errors.New("orchestrator.max_concurrency must be at least 1"))
	}
	if o.MaxReplans < 0 {
		errs = append(errs, errors.New("orchestrator.max_replans cannot be negative"))
	}
	switch strings.ToLower(o.Evaluator) {
	case "", "rule", "llm":
	default:
		errs = append(errs, fmt.Errorf("orchestrator.evaluator %q is not rule or llm", o.Evaluator))
	}
	switch strings.ToLower(o.Cancel) {
	case "", "abandon", "drain":
	default:
		errs = append(errs, fmt.Errorf("orchestrator.cancel %q is not abandon or drain", o.Cancel))
	}
	if o.CallTimeout > 0 && c.Sandbox.Timeout > o.CallTimeout {
		errs = append(errs, fmt.Errorf("sandbox.timeout %s exceeds orchestrator.call_timeout %s", c.Sandbox.Timeout, o.CallTimeout))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate must be between 0 and 1"))
	}
	for name, g := range c.Gateways {
		if g.Enabled && g.Token == "" {
			errs = append(errs, fmt.Errorf("gateway %s is enabled without a token", name))
		}
	}
	return errors.Join(errs...)
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	// map order is random; prefer openai, then alphabetical
	sort.Slice(names, func(i, j int) bool {
		if (names[i] == "openai") != (names[j] == "openai") {
			return names[i] == "openai"
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		if p := c.Providers[name]; p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetGatewayConfig returns the named gateway config if enabled
func (c *Config) GetGatewayConfig(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled && g.Token != "" {
		return g, true
	}
	return GatewayConfig{}, false
}
