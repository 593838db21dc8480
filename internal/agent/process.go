package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/events"
)

// processTransport runs the agent as a subprocess in its own process
// group. The prompt arrives on stdin; the tool allowlist rides in the
// environment. On timeout or cancellation the whole group gets SIGTERM,
// a grace period, then SIGKILL.
type processTransport struct {
	command          []string
	completionSignal string
	baseEnv          map[string]string
	killGrace        time.Duration
}

const defaultKillGrace = 5 * time.Second

func newProcessTransport(cfg config.AgentConfig, sandboxPrefix []string) *processTransport {
	command := append(append([]string{}, sandboxPrefix...), cfg.Command...)
	return &processTransport{
		command:          command,
		completionSignal: cfg.CompletionSignal,
		baseEnv:          cfg.Env,
		killGrace:        defaultKillGrace,
	}
}

func (t *processTransport) Invoke(ctx context.Context, req Request, sink events.Sink) (*Response, error) {
	if len(t.command) == 0 {
		return nil, errors.New("process transport: empty agent command")
	}
	if sink == nil {
		sink = events.Nop()
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.Command(t.command[0], t.command[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = mergeEnv(os.Environ(), t.baseEnv, req.Env, map[string]string{
		"WRECKIT_ALLOWED_TOOLS": strings.Join(req.Tools, ","),
		"WRECKIT_PHASE":         req.Phase,
		"WRECKIT_ITEM":          req.ItemID,
	})

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return &Response{Disposition: DispositionError, ExitCode: -1, Err: err.Error()}, nil
	}

	var out strings.Builder
	var errOut strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanOutput(stdout, &out, func(line string) {
			sink.Emit(events.Event{
				Kind: events.AssistantText, Time: time.Now().UTC(),
				ItemID: req.ItemID, Phase: req.Phase, Text: line,
			})
		})
	}()
	go func() {
		defer wg.Done()
		scanOutput(stderr, &errOut, nil)
	}()

	waitCh := make(chan error, 1)
	go func() {
		wg.Wait()
		waitCh <- cmd.Wait()
	}()

	timedOut := false
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		waitErr = t.terminate(cmd, waitCh)
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	output := out.String()
	stderrText := strings.TrimSpace(errOut.String())

	switch {
	case timedOut:
		return &Response{
			Disposition: DispositionTimedOut,
			Output:      output,
			ExitCode:    exitCode,
			Err:         fmt.Sprintf("agent timed out after %s", req.Timeout),
		}, nil
	case runCtx.Err() != nil && !timedOut:
		return &Response{
			Disposition: DispositionError,
			Output:      output,
			ExitCode:    exitCode,
			Err:         "agent canceled",
		}, nil
	case waitErr != nil:
		msg := waitErr.Error()
		if stderrText != "" {
			msg += ": " + firstLine(stderrText)
		}
		return &Response{Disposition: DispositionError, Output: output, ExitCode: exitCode, Err: msg}, nil
	}

	if sig := strings.TrimSpace(t.completionSignal); sig != "" && !strings.Contains(output, sig) {
		return &Response{
			Disposition: DispositionError,
			Output:      output,
			ExitCode:    exitCode,
			Err:         fmt.Sprintf("agent exited without completion signal %q", sig),
		}, nil
	}
	return &Response{Disposition: DispositionSuccess, Output: output, ExitCode: exitCode}, nil
}

// terminate signals the process group: SIGTERM, wait out the grace
// period, then SIGKILL. Returns the final wait error.
func (t *processTransport) terminate(cmd *exec.Cmd, waitCh <-chan error) error {
	if err := killProcessGroup(cmd, syscall.SIGTERM); err != nil {
		return err
	}
	grace := t.killGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}
	if err := killProcessGroup(cmd, syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case err := <-waitCh:
		return err
	case <-time.After(2 * time.Second):
		return errors.New("timed out waiting for agent exit after SIGKILL")
	}
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

func scanOutput(r interface{ Read([]byte) (int, error) }, buf *strings.Builder, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if onLine != nil && strings.TrimSpace(line) != "" {
			onLine(line)
		}
	}
}

func mergeEnv(base []string, overlays ...map[string]string) []string {
	merged := map[string]string{}
	order := []string{}
	record := func(k, v string) {
		if _, seen := merged[k]; !seen {
			order = append(order, k)
		}
		merged[k] = v
	}
	for _, kv := range base {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			record(kv[:idx], kv[idx+1:])
		}
	}
	for _, overlay := range overlays {
		for k, v := range overlay {
			record(k, v)
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+merged[k])
	}
	return out
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
