package agent

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/prompts"
)

//go:embed prompts/*.md
var defaultPrompts embed.FS

// Prompt names.
const (
	PromptPlanner     = "planner.md"
	PromptGenerator   = "generator.md"
	PromptReviewer    = "reviewer.md"
	PromptHearing     = "hearing.md"
	PromptQuery       = "query.md"
	PromptSufficiency = "sufficiency.md"
	PromptAnalyze     = "analyze.md"
	PromptSynthesize  = "synthesize.md"
	PromptReport      = "report.md"
)

// system prompt parts, in this order, ahead of any other persona files
var systemOrder = map[string]int{
	"identity.md":     1,
	"soul.md":         2,
	"capabilities.md": 3,
	"user.md":         4,
}

// PromptManager renders step prompts. Files in Directory override the
// built-in templates of the same name.
type PromptManager struct {
	Directory string
}

func NewPromptManager(dir string) *PromptManager {
	return &PromptManager{Directory: dir}
}

func (pm *PromptManager) load(name string) (string, error) {
	if pm != nil && pm.Directory != "" {
		data, err := os.ReadFile(filepath.Join(pm.Directory, name))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read prompt %s: %w", name, err)
		}
	}
	data, err := defaultPrompts.ReadFile("prompts/" + name)
	if err != nil {
		return "", fmt.Errorf("unknown prompt %s", name)
	}
	return string(data), nil
}

// Render fills the named template with values.
func (pm *PromptManager) Render(name string, values map[string]any) (string, error) {
	text, err := pm.load(name)
	if err != nil {
		return "", err
	}
	tpl := prompts.PromptTemplate{
		Template:       text,
		TemplateFormat: prompts.TemplateFormatGoTemplate,
		InputVariables: keys(values),
	}
	out, err := tpl.Format(values)
	if err != nil {
		return "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return strings.TrimSpace(out), nil
}

// System concatenates the persona files: identity, soul, capabilities and
// user first, then any other non-step .md files alphabetically.
func (pm *PromptManager) System() (string, error) {
	var names []string
	files := map[string]string{}

	if data, err := fs.ReadFile(defaultPrompts, "prompts/identity.md"); err == nil {
		names = append(names, "identity.md")
		files["identity.md"] = string(data)
	}
	if pm != nil && pm.Directory != "" {
		entries, err := os.ReadDir(pm.Directory)
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read prompts directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") || isStepPrompt(e.Name()) {
				continue
			}
			path := filepath.Join(pm.Directory, e.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				log.Printf("Warning: Failed to read prompt file %s: %v", path, err)
				continue
			}
			if _, ok := files[e.Name()]; !ok {
				names = append(names, e.Name())
			}
			files[e.Name()] = string(data)
		}
	}

	sort.Slice(names, func(i, j int) bool {
		oi, okI := systemOrder[names[i]]
		oj, okJ := systemOrder[names[j]]
		if okI && okJ {
			return oi < oj
		}
		if okI {
			return true
		}
		if okJ {
			return false
		}
		return names[i] < names[j]
	})

	contents := make([]string, 0, len(names))
	for _, n := range names {
		contents = append(contents, strings.TrimSpace(files[n]))
	}
	if len(contents) == 0 {
		return "", fmt.Errorf("no system prompt available")
	}
	return strings.Join(contents, "\n\n---\n\n"), nil
}

func isStepPrompt(name string) bool {
	switch name {
	case PromptPlanner, PromptGenerator, PromptReviewer, PromptHearing, PromptQuery,
		PromptSufficiency, PromptAnalyze, PromptSynthesize, PromptReport:
		return true
	}
	return false
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
