package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rahul/relay/internal/errs"
)

// OutputDir is the directory, relative to the working directory, where code
// is expected to save files it produces.
const OutputDir = "outputs"

const maxOutputBytes = 50000

// Local runs code with a local interpreter in a throwaway directory.
type Local struct {
	Interpreter string // e.g. python3
	Timeout     time.Duration
	WorkRoot    string // parent for per-run temp dirs; os.TempDir when empty
}

func NewLocal(interpreter string, timeout time.Duration) *Local {
	if interpreter == "" {
		interpreter = "python3"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Local{Interpreter: interpreter, Timeout: timeout}
}

func (l *Local) RunCode(ctx context.Context, code string, uploads []Upload) (*Execution, error) {
	if strings.TrimSpace(code) == "" {
		return &Execution{Error: "no code to run"}, nil
	}

	dir, err := os.MkdirTemp(l.WorkRoot, "relay-run-")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create workdir: %w", err)
	}
	defer os.RemoveAll(dir)

	for _, u := range uploads {
		target, err := safeJoin(dir, u.Name)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, fmt.Errorf("sandbox: upload %s: %w", u.Name, err)
		}
		if err := os.WriteFile(target, u.Data, 0644); err != nil {
			return nil, fmt.Errorf("sandbox: upload %s: %w", u.Name, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, OutputDir), 0755); err != nil {
		return nil, fmt.Errorf("sandbox: create output dir: %w", err)
	}
	script := filepath.Join(dir, "main.py")
	if err := os.WriteFile(script, []byte(code), 0644); err != nil {
		return nil, fmt.Errorf("sandbox: write script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, l.Interpreter, script)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, errs.NewTransientError(runCtx.Err(), fmt.Sprintf("sandbox: code ran longer than %s", l.Timeout))
	}

	exe := &Execution{
		Stdout: truncate(stdout.String()),
		Stderr: truncate(stderr.String()),
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("sandbox: start %s: %w", l.Interpreter, runErr)
		}
		exe.Error = lastLine(exe.Stderr)
		if exe.Error == "" {
			exe.Error = runErr.Error()
		}
	}

	exe.Files, err = collect(filepath.Join(dir, OutputDir))
	if err != nil {
		return nil, err
	}
	return exe, nil
}

func collect(root string) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: collect outputs: %w", err)
	}
	return files, nil
}

// safeJoin keeps name inside root.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, name)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("sandbox: unsafe upload name %q", name)
	}
	return target, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func truncate(s string) string {
	if len(s) > maxOutputBytes {
		return s[:maxOutputBytes] + "\n... (output truncated) ..."
	}
	return s
}
