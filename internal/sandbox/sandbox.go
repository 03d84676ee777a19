// Package sandbox runs generated code away from the orchestrator process.
package sandbox

import (
	"context"
)

// Upload is a data file made available to the code under its Name.
type Upload struct {
	Name string
	Data []byte
}

// Execution is the outcome of one code run. Error is non-empty when the code
// itself failed; it carries the runtime's diagnostic verbatim.
type Execution struct {
	Stdout string
	Stderr string
	Error  string
	// Files produced by the code under the output directory, by relative name.
	Files map[string][]byte
}

// Failed reports whether the code did not run cleanly.
func (e *Execution) Failed() bool {
	return e != nil && e.Error != ""
}

// Executor runs code with uploaded data. A returned error means the sandbox
// itself could not be used; code failures are reported in Execution.Error.
type Executor interface {
	RunCode(ctx context.Context, code string, uploads []Upload) (*Execution, error)
}

// Func adapts a function into an Executor.
type Func func(ctx context.Context, code string, uploads []Upload) (*Execution, error)

func (f Func) RunCode(ctx context.Context, code string, uploads []Upload) (*Execution, error) {
	return f(ctx, code, uploads)
}
