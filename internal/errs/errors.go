// Package errs classifies the failures that flow through a workflow run.
//
// Steps wrap collaborator errors in one of the types below before returning
// them, so the controller can decide between retrying, escalating and failing
// without inspecting provider-specific errors.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the classification of an error for control-flow purposes.
type Kind int

const (
	KindNone Kind = iota
	KindTransient
	KindSchema
	KindExecution
	KindBudgetExceeded
	KindCancelled
	KindInsufficientGoal
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindSchema:
		return "schema"
	case KindExecution:
		return "execution"
	case KindBudgetExceeded:
		return "iteration_budget_exceeded"
	case KindCancelled:
		return "cancelled"
	case KindInsufficientGoal:
		return "insufficient_goal"
	default:
		return "internal"
	}
}

var (
	// ErrIterationBudgetExceeded is raised by the controller after the last
	// permitted attempt. It is terminal and never retried.
	ErrIterationBudgetExceeded = errors.New("iteration budget exceeded")
	// ErrCancelled marks a run stopped by an external signal.
	ErrCancelled = errors.New("cancelled")
)

// TransientError is a network, rate-limit or timeout failure of a collaborator.
type TransientError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// SchemaError reports structured output that could not be decoded.
type SchemaError struct {
	Err error
	Raw string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("malformed structured output: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ExecutionError reports sandboxed code that failed. Diagnostic holds the
// verbatim error text from the sandbox.
type ExecutionError struct {
	Diagnostic string
	Stderr     string
}

func (e *ExecutionError) Error() string {
	return "execution failed: " + e.Diagnostic
}

// InsufficientGoalError asks the requester for more input.
type InsufficientGoalError struct {
	Question string
}

func (e *InsufficientGoalError) Error() string {
	return "goal needs clarification: " + e.Question
}

// Classify maps any error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case errors.Is(err, ErrIterationBudgetExceeded):
		return KindBudgetExceeded
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	}
	var (
		goal   *InsufficientGoalError
		schema *SchemaError
		exec   *ExecutionError
	)
	switch {
	case errors.As(err, &goal):
		return KindInsufficientGoal
	case errors.As(err, &schema):
		return KindSchema
	case errors.As(err, &exec):
		return KindExecution
	case IsTransient(err):
		return KindTransient
	}
	return KindInternal
}

// IsRecoverable reports whether the controller may spend another attempt on err.
func IsRecoverable(err error) bool {
	switch Classify(err) {
	case KindTransient, KindSchema, KindExecution:
		return true
	}
	return false
}

// IsFatal reports whether err ends the run.
func IsFatal(err error) bool {
	switch Classify(err) {
	case KindBudgetExceeded, KindCancelled, KindInternal:
		return true
	}
	return false
}

// IsTransient checks whether err is worth retrying at the collaborator level.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var transientMarkers = []string{
	"429",
	"rate limit",
	"too many requests",
	"500",
	"502",
	"503",
	"504",
	"service unavailable",
	"bad gateway",
	"connection refused",
	"connection reset",
	"timeout",
	"temporarily unavailable",
}
