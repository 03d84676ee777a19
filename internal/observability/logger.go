package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeState     EventType = "state"
	EventTypeStep      EventType = "step"
	EventTypeAttempt   EventType = "attempt"
	EventTypeVerdict   EventType = "verdict"
	EventTypeFanout    EventType = "fanout"
	EventTypePolicy    EventType = "policy_check"
	EventTypeCost      EventType = "cost"
	EventTypeHeartbeat EventType = "heartbeat"
	EventTypeLLM       EventType = "llm"
	EventTypeError     EventType = "error"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	ProcessID string    `json:"process_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives every event after it is written, e.g. a run log table.
type EventSink interface {
	Record(evt Event) error
}

type output struct {
	mu         sync.Mutex
	w          io.Writer
	llmLogPath string
	maxSize    int64
	sink       EventSink
}

// Logger handles structured logging. A Logger is cheap to scope with With;
// scoped copies share the same output.
type Logger struct {
	out       *output
	processID string
	threadID  string
}

// NewLogger writes events to stdout and LLM events to logs/llm.jsonl.
func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout, filepath.Join("logs", "llm.jsonl"))
}

// NewLoggerTo writes events to w. An empty llmLogPath disables the LLM file.
func NewLoggerTo(w io.Writer, llmLogPath string) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{out: &output{
		w:          w,
		llmLogPath: llmLogPath,
		maxSize:    10 * 1024 * 1024, // 10MB
	}}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return NewLoggerTo(io.Discard, "")
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}

// SetSink attaches a sink that receives every event.
func (l *Logger) SetSink(sink EventSink) {
	l.out.mu.Lock()
	l.out.sink = sink
	l.out.mu.Unlock()
}

// With returns a logger that stamps events with the given ids.
func (l *Logger) With(processID, threadID string) *Logger {
	scoped := *l
	if processID != "" {
		scoped.processID = processID
	}
	scoped.threadID = threadID
	return &scoped
}

// Log emits a structured JSON event.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.ProcessID == "" {
		evt.ProcessID = l.processID
	}
	if evt.ThreadID == "" {
		evt.ThreadID = l.threadID
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error": "failed to marshal event: %v"}`, err))
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	fmt.Fprintln(l.out.w, string(data))
	if evt.Type == EventTypeLLM && l.out.llmLogPath != "" {
		l.writeToFile(data)
	}
	if l.out.sink != nil {
		if err := l.out.sink.Record(evt); err != nil {
			log.Printf("event sink: %v", err)
		}
	}
}

func (l *Logger) writeToFile(data []byte) {
	path := l.out.llmLogPath
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	info, err := os.Stat(path)
	if err == nil && info.Size() > l.out.maxSize {
		// keep one .old generation
		oldPath := path + ".old"
		_ = os.Remove(oldPath)
		_ = os.Rename(path, oldPath)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

// Helper methods for common events

func (l *Logger) LogState(pipeline, from, to string) {
	l.Log(Event{
		Type: EventTypeState,
		Data: map[string]string{"pipeline": pipeline, "from": from, "to": to},
	})
}

func (l *Logger) LogStep(step string, attempt int, status string, took time.Duration) {
	l.Log(Event{
		Type: EventTypeStep,
		Data: map[string]any{
			"step":        step,
			"attempt":     attempt,
			"status":      status,
			"duration_ms": took.Milliseconds(),
		},
	})
}

func (l *Logger) LogVerdict(step string, attempt int, kind, reason string) {
	l.Log(Event{
		Type: EventTypeVerdict,
		Data: map[string]any{
			"step":    step,
			"attempt": attempt,
			"verdict": kind,
			"reason":  reason,
		},
	})
}

func (l *Logger) LogFanout(stage string, total, succeeded, failed, cancelled int) {
	l.Log(Event{
		Type: EventTypeFanout,
		Data: map[string]any{
			"stage":     stage,
			"total":     total,
			"succeeded": succeeded,
			"failed":    failed,
			"cancelled": cancelled,
		},
	})
}

func (l *Logger) LogError(where string, err error) {
	l.Log(Event{
		Type: EventTypeError,
		Data: map[string]string{"where": where, "error": err.Error()},
	})
}

func (l *Logger) LogCost(promptTokens, completionTokens int, model string) {
	l.Log(Event{
		Type: EventTypeCost,
		Data: map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
			"model":             model,
		},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(prompt any, response string) {
	l.Log(Event{
		Type: EventTypeLLM,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
		},
	})
}
