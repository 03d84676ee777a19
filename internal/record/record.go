// Package record holds the per-task process record carried through a workflow
// run, together with the plan model produced by the planner.
//
// Optional string fields use the empty string as their "unset" value.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result is one iteration's structured output. Results are append-only.
type Result struct {
	Attempt     int       `json:"attempt"`
	Code        string    `json:"code,omitempty"`
	Stdout      string    `json:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty"`
	Error       string    `json:"error,omitempty"`
	Observation string    `json:"observation,omitempty"`
	Verdict     string    `json:"verdict,omitempty"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Record is the mutable state of one in-flight task (a "thread").
type Record struct {
	ProcessID   string `json:"process_id"`
	ThreadID    string `json:"thread_id"`
	UserRequest string `json:"user_request"`

	Task *Task `json:"task,omitempty"`

	Code   string `json:"code,omitempty"`
	Error  string `json:"error,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	Stdout string `json:"stdout,omitempty"`

	IsCompleted bool   `json:"is_completed"`
	Observation string `json:"observation,omitempty"`
	Attempt     int    `json:"attempt"`

	Results []Result          `json:"results,omitempty"`
	Paths   map[string]string `json:"paths,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var (
	ErrMissingID        = errors.New("record: process_id and thread_id are required")
	ErrMissingRequest   = errors.New("record: user_request is required")
	ErrCompletedWithErr = errors.New("record: completed record carries an error")
	ErrCompletedEmpty   = errors.New("record: completed record has no results")
	ErrEmptyPathKey     = errors.New("record: empty artifact name in paths")
	ErrRequestChanged   = errors.New("record: user_request is immutable")
	ErrReopened         = errors.New("record: completed record cannot be reopened")
	ErrResultsRewritten = errors.New("record: results are append-only")
)

// New creates a record for a fresh thread of the given process.
func New(processID, userRequest string) (*Record, error) {
	if processID == "" {
		processID = NewID()
	}
	now := time.Now()
	r := &Record{
		ProcessID:   processID,
		ThreadID:    NewID(),
		UserRequest: userRequest,
		Paths:       map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewID returns a fresh identifier for processes and threads.
func NewID() string {
	return uuid.NewString()
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r == nil {
		return errors.New("record: nil")
	}
	if r.ProcessID == "" || r.ThreadID == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(r.UserRequest) == "" {
		return ErrMissingRequest
	}
	if r.IsCompleted {
		if r.Error != "" {
			return ErrCompletedWithErr
		}
		if len(r.Results) == 0 {
			return ErrCompletedEmpty
		}
	}
	for name := range r.Paths {
		if strings.TrimSpace(name) == "" {
			return ErrEmptyPathKey
		}
	}
	return nil
}

// CheckTransition verifies that next is a legal successor of prev.
func CheckTransition(prev, next *Record) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	if prev.UserRequest != next.UserRequest {
		return ErrRequestChanged
	}
	if prev.ProcessID != next.ProcessID || prev.ThreadID != next.ThreadID {
		return fmt.Errorf("record: identity changed from %s/%s to %s/%s",
			prev.ProcessID, prev.ThreadID, next.ProcessID, next.ThreadID)
	}
	if prev.IsCompleted && !next.IsCompleted {
		return ErrReopened
	}
	if len(next.Results) < len(prev.Results) {
		return ErrResultsRewritten
	}
	for i := range prev.Results {
		if prev.Results[i].Attempt != next.Results[i].Attempt {
			return ErrResultsRewritten
		}
	}
	return nil
}

// Clone returns a deep copy. Steps always work on clones.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Task != nil {
		t := *r.Task
		c.Task = &t
	}
	if r.Results != nil {
		c.Results = make([]Result, len(r.Results))
		for i, res := range r.Results {
			res.Artifacts = append([]string(nil), res.Artifacts...)
			c.Results[i] = res
		}
	}
	c.Paths = make(map[string]string, len(r.Paths))
	for k, v := range r.Paths {
		c.Paths[k] = v
	}
	return &c
}

// Snapshot builds a Result from the record's current payload.
func (r *Record) Snapshot(verdict string) Result {
	names := make([]string, 0, len(r.Paths))
	for name := range r.Paths {
		names = append(names, name)
	}
	return Result{
		Attempt:     r.Attempt,
		Code:        r.Code,
		Stdout:      r.Stdout,
		Stderr:      r.Stderr,
		Error:       r.Error,
		Observation: r.Observation,
		Verdict:     verdict,
		Artifacts:   names,
		RecordedAt:  time.Now(),
	}
}

// AddObservation appends a line to the observation trail.
func (r *Record) AddObservation(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if r.Observation == "" {
		r.Observation = text
		return
	}
	r.Observation += "\n" + text
}

// SetPath registers an artifact location under a logical name.
func (r *Record) SetPath(name, location string) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyPathKey
	}
	if r.Paths == nil {
		r.Paths = map[string]string{}
	}
	r.Paths[name] = location
	return nil
}

// ClearDiagnostics resets the fields produced by a failed execution.
func (r *Record) ClearDiagnostics() {
	r.Error = ""
	r.Stderr = ""
}

// Fingerprint returns a stable encoding of the fields a step reads as input.
// Two attempts with the same fingerprint would submit identical input. The
// attempt number is excluded so a retry must change real content.
func (r *Record) Fingerprint() string {
	in := struct {
		UserRequest string `json:"u"`
		Task        *Task  `json:"t,omitempty"`
		Code        string `json:"c"`
		Error       string `json:"e"`
		Stderr      string `json:"se"`
		Stdout      string `json:"so"`
		Observation string `json:"o"`
	}{r.UserRequest, r.Task, r.Code, r.Error, r.Stderr, r.Stdout, r.Observation}
	data, _ := json.Marshal(in)
	return string(data)
}
