package agent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wreckit/wreckit/internal/events"
)

// MockStep scripts one invocation of the mock transport. WriteFiles are
// materialized relative to the request's working directory before the
// response is returned, which lets tests satisfy artifact and
// working-tree-mutation checks without a real agent.
type MockStep struct {
	Disposition Disposition
	Output      string
	Err         string
	WriteFiles  map[string]string
}

// Mock replays scripted steps in order and records every request.
// Invocations past the end of the script succeed with empty output.
type Mock struct {
	mu       sync.Mutex
	steps    []MockStep
	Requests []Request
}

func NewMock(steps ...MockStep) *Mock {
	return &Mock{steps: steps}
}

// Enqueue appends steps to the script.
func (m *Mock) Enqueue(steps ...MockStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
}

func (m *Mock) Invoke(ctx context.Context, req Request, sink events.Sink) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return &Response{Disposition: DispositionError, ExitCode: -1, Err: "agent canceled"}, nil
	}
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	step := MockStep{Disposition: DispositionSuccess}
	if len(m.steps) > 0 {
		step = m.steps[0]
		m.steps = m.steps[1:]
	}
	m.mu.Unlock()

	for rel, content := range step.WriteFiles {
		path := filepath.Join(req.WorkDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	if sink != nil && step.Output != "" {
		sink.Emit(events.Event{
			Kind: events.AssistantText, Time: time.Now().UTC(),
			ItemID: req.ItemID, Phase: req.Phase, Text: step.Output,
		})
	}
	disp := step.Disposition
	if disp == "" {
		disp = DispositionSuccess
	}
	exit := 0
	if disp != DispositionSuccess {
		exit = 1
	}
	return &Response{Disposition: disp, Output: step.Output, ExitCode: exit, Err: step.Err}, nil
}
