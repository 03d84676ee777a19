// Package governance decides whether generated code may run in the sandbox.
package governance

import (
	"context"
	"fmt"
	"regexp"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes a side effect a step is about to perform.
type Request struct {
	Action    string // e.g. "execute"
	Code      string
	ProcessID string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// Allowed reports whether the request may proceed.
func (r Result) Allowed() bool {
	return r.Effect != EffectDeny
}

// PolicyEngine evaluates requests against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultDeniedPatterns block code that reaches outside the sandbox
// working directory or spawns shells.
var DefaultDeniedPatterns = []string{
	`rm\s+-rf\s+/`,
	`\bos\.system\s*\(`,
	`\bsubprocess\.`,
	`\bshutil\.rmtree\s*\(`,
	`open\s*\(\s*['"]/etc/`,
	`\beval\s*\(\s*input\s*\(`,
	`(?i)\bmkfs\b`,
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
}

// CodePolicy denies actions by name and code by regular expression.
type CodePolicy struct {
	DeniedActions map[string]bool
	DeniedRegex   []*regexp.Regexp
}

// NewCodePolicy compiles patterns on top of DefaultDeniedPatterns.
func NewCodePolicy(patterns ...string) (*CodePolicy, error) {
	p := &CodePolicy{
		DeniedActions: make(map[string]bool),
		DeniedRegex:   make([]*regexp.Regexp, 0, len(DefaultDeniedPatterns)+len(patterns)),
	}
	for _, pattern := range append(append([]string{}, DefaultDeniedPatterns...), patterns...) {
		if err := p.DenyCode(pattern); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *CodePolicy) DenyAction(name string) {
	p.DeniedActions[name] = true
}

func (p *CodePolicy) DenyCode(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid policy pattern %q: %w", pattern, err)
	}
	p.DeniedRegex = append(p.DeniedRegex, re)
	return nil
}

func (p *CodePolicy) Evaluate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if p.DeniedActions[req.Action] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("action '%s' is restricted by system policy", req.Action),
		}, nil
	}

	for _, re := range p.DeniedRegex {
		if re.MatchString(req.Code) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("code matches restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "approved by default policy",
	}, nil
}

// AllowAll approves every request.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, Request) (Result, error) {
	return Result{Effect: EffectAllow, Reason: "policy disabled"}, nil
}
