// Package events defines the typed progress stream the engine produces.
// Consumers (the progress reporter, a UI, or nobody) subscribe but never
// influence scheduling.
package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

type Kind string

const (
	PhaseStarted   Kind = "phase-started"
	PhaseCompleted Kind = "phase-completed"
	PhaseFailed    Kind = "phase-failed"
	StoryChanged   Kind = "story-changed"
	Iteration      Kind = "iteration"
	AssistantText  Kind = "assistant-output-chunk"
	ToolUse        Kind = "tool-use"
	Error          Kind = "error"
)

// Event is the tagged variant carried on the stream. Fields are set
// according to Kind; unused fields stay zero and are omitted on the
// wire.
type Event struct {
	Kind      Kind      `json:"event"`
	Time      time.Time `json:"ts"`
	ItemID    string    `json:"item_id,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	StoryID   string    `json:"story_id,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// Sink receives events. Emit must be safe for concurrent use and must
// not block scheduling for long.
type Sink interface {
	Emit(Event)
}

type nopSink struct{}

func (nopSink) Emit(Event) {}

// Nop discards all events.
func Nop() Sink { return nopSink{} }

// WriterSink prints one line per event, either human-readable or as
// JSON records. It serializes writes internally.
type WriterSink struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

func NewWriterSink(w io.Writer, jsonMode bool) *WriterSink {
	return &WriterSink{w: w, json: jsonMode}
}

func (s *WriterSink) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.json {
		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintln(s.w, string(b))
		return
	}
	fmt.Fprintln(s.w, ev.String())
}

func (ev Event) String() string {
	switch ev.Kind {
	case PhaseStarted:
		return fmt.Sprintf("%s %s: phase %s started", stamp(ev), ev.ItemID, ev.Phase)
	case PhaseCompleted:
		return fmt.Sprintf("%s %s: phase %s completed", stamp(ev), ev.ItemID, ev.Phase)
	case PhaseFailed:
		return fmt.Sprintf("%s %s: phase %s failed: %s", stamp(ev), ev.ItemID, ev.Phase, ev.Err)
	case StoryChanged:
		return fmt.Sprintf("%s %s: story %s", stamp(ev), ev.ItemID, ev.StoryID)
	case Iteration:
		return fmt.Sprintf("%s %s: iteration %d", stamp(ev), ev.ItemID, ev.Iteration)
	case AssistantText:
		return fmt.Sprintf("%s %s: %s", stamp(ev), ev.ItemID, ev.Text)
	case ToolUse:
		return fmt.Sprintf("%s %s: tool %s", stamp(ev), ev.ItemID, ev.Tool)
	case Error:
		return fmt.Sprintf("%s %s: error: %s", stamp(ev), ev.ItemID, ev.Err)
	default:
		return fmt.Sprintf("%s %s: %s", stamp(ev), ev.ItemID, ev.Kind)
	}
}

func stamp(ev Event) string {
	t := ev.Time
	if t.IsZero() {
		t = time.Now().UTC()
	}
	return t.Format("15:04:05")
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}
