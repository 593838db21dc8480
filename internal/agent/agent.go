// Package agent defines the transport contract between the engine and
// the external AI coding agent, plus the closed set of transports that
// implement it: subprocess, library call, sandboxed VM, and mock. The
// engine treats agents as black-box text producers bounded by tool
// allowlists; no reasoning logic lives here.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/events"
)

// Request is everything a transport needs for one agent invocation.
type Request struct {
	Prompt  string
	Tools   []string
	WorkDir string
	Env     map[string]string
	Timeout time.Duration

	// ItemID and Phase annotate emitted events; transports do not
	// interpret them.
	ItemID string
	Phase  string
}

type Disposition string

const (
	DispositionSuccess  Disposition = "success"
	DispositionTimedOut Disposition = "timed-out"
	DispositionError    Disposition = "error"
)

// Response is the exit disposition plus final output of one invocation.
type Response struct {
	Disposition Disposition
	Output      string
	ExitCode    int
	Err         string
}

func (r *Response) OK() bool { return r != nil && r.Disposition == DispositionSuccess }

// Transport invokes the agent once. Implementations must honor ctx
// cancellation (terminate, grace, kill for subprocesses) and must
// forward assistant output and tool use onto the sink when they can
// observe it.
type Transport interface {
	Invoke(ctx context.Context, req Request, sink events.Sink) (*Response, error)
}

// libraryCall is the in-process hook behind the sdk transport. Hosts
// that embed the engine register one; the CLI never does.
type libraryCall func(ctx context.Context, req Request, sink events.Sink) (*Response, error)

var registeredLibraryCall libraryCall

// RegisterLibraryCall installs the in-process agent used by the sdk
// transport kind.
func RegisterLibraryCall(fn func(ctx context.Context, req Request, sink events.Sink) (*Response, error)) {
	registeredLibraryCall = fn
}

// New builds the transport selected by agent.kind.
func New(cfg config.AgentConfig) (Transport, error) {
	switch cfg.Kind {
	case config.AgentProcess:
		return newProcessTransport(cfg, nil), nil
	case config.AgentSandboxedVM:
		if len(cfg.SandboxCommand) == 0 {
			return nil, fmt.Errorf("agent.kind=sandboxed-vm requires agent.sandbox_command")
		}
		return newProcessTransport(cfg, cfg.SandboxCommand), nil
	case config.AgentSDK:
		if registeredLibraryCall == nil {
			return nil, fmt.Errorf("agent.kind=sdk requires an embedded library agent; none is registered")
		}
		return sdkTransport{fn: registeredLibraryCall}, nil
	case config.AgentMock:
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown agent.kind %q", cfg.Kind)
	}
}

type sdkTransport struct {
	fn libraryCall
}

func (t sdkTransport) Invoke(ctx context.Context, req Request, sink events.Sink) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	res, err := t.fn(ctx, req, sink)
	if err == nil && res != nil && ctx.Err() == context.DeadlineExceeded && res.Disposition == DispositionSuccess {
		res.Disposition = DispositionTimedOut
	}
	return res, err
}
