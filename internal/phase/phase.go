// Package phase advances items through their lifecycle one phase at a
// time: render the phase prompt, invoke the agent under the phase's
// tool allowlist, validate the produced artifacts, and commit the state
// transition through the store. The runner never partially advances
// state; a failed phase leaves the item where it started with
// last_error set.
package phase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wreckit/wreckit/internal/agent"
	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/events"
	"github.com/wreckit/wreckit/internal/gitutil"
	"github.com/wreckit/wreckit/internal/healing"
	"github.com/wreckit/wreckit/internal/host"
	"github.com/wreckit/wreckit/internal/item"
	"github.com/wreckit/wreckit/internal/prompt"
	"github.com/wreckit/wreckit/internal/store"
)

type Phase string

const (
	Research  Phase = "research"
	Plan      Phase = "plan"
	Implement Phase = "implement"
	PR        Phase = "pr"
	Complete  Phase = "complete"
)

// Phases lists the runnable phases in lifecycle order.
var Phases = []Phase{Research, Plan, Implement, PR, Complete}

// ParsePhase maps a CLI argument to a Phase.
func ParsePhase(raw string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Phases {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", raw)
}

// Definition is one row of the phase table.
type Definition struct {
	From []item.State
	To   item.State

	// Skip marks the phase a no-op when the item already sits at the
	// target state and every artifact exists.
	Skip bool

	// Artifacts are item-directory file names the phase must produce.
	Artifacts []string

	DefaultTimeout time.Duration
}

var table = map[Phase]Definition{
	Research: {
		From:           []item.State{item.StateRaw},
		To:             item.StateResearched,
		Skip:           true,
		Artifacts:      []string{"research.md"},
		DefaultTimeout: 15 * time.Minute,
	},
	Plan: {
		From:           []item.State{item.StateResearched},
		To:             item.StatePlanned,
		Skip:           true,
		Artifacts:      []string{"plan.md", "prd.json"},
		DefaultTimeout: 15 * time.Minute,
	},
	Implement: {
		From:           []item.State{item.StatePlanned, item.StateImplementing},
		To:             item.StateImplementing,
		Skip:           false,
		DefaultTimeout: 30 * time.Minute,
	},
	PR: {
		From:           []item.State{item.StateImplementing},
		To:             item.StateInPR,
		Skip:           true,
		Artifacts:      []string{"pr.md"},
		DefaultTimeout: 10 * time.Minute,
	},
	Complete: {
		From:           []item.State{item.StateInPR},
		To:             item.StateDone,
		Skip:           true,
		DefaultTimeout: 5 * time.Minute,
	},
}

// Def returns the phase table row for ph.
func Def(ph Phase) (Definition, bool) {
	d, ok := table[ph]
	return d, ok
}

// mediaTimeoutMultiplier scales the deadline for the long-running media
// collaborator phase.
const mediaTimeoutMultiplier = 3

// toolAllowlists is the closed per-phase set of tool names the agent
// may use. The extra rows cover the sandboxed external collaborators so
// skill validation has something to check against.
var toolAllowlists = map[string][]string{
	"research":  {"read", "grep", "glob", "web-search", "web-fetch"},
	"strategy":  {"read", "grep", "glob", "web-search", "web-fetch"},
	"dream":     {"read", "grep", "glob", "web-search", "web-fetch"},
	"plan":      {"read", "grep", "glob", "write-plan"},
	"implement": {"read", "write", "edit", "bash", "grep", "glob"},
	"pr":        {"read", "git", "gh"},
	"complete":  {"read", "git", "gh"},
	"media":     {"read", "bash-sandboxed"},
	"learn":     {"read", "grep", "glob"},
	"genetic":   {"read", "grep", "glob", "bash-sandboxed"},
}

// Allowlist returns the tool allowlist for a phase name, nil when the
// phase is unknown.
func Allowlist(phase string) []string {
	return toolAllowlists[phase]
}

// ErrScope marks a scope violation. Scope errors are surfaced and halt
// the phase; they never enter the healing path.
var ErrScope = errors.New("scope violation")

// ErrNoAdvance is returned by Advance for items already at done.
var ErrNoAdvance = errors.New("item has no next phase")

// Runner drives one phase of one item at a time.
type Runner struct {
	Store   *store.Store
	Cfg     *config.Config
	Agent   agent.Transport
	Host    host.Host
	Healer  *healing.Controller
	Sink    events.Sink
	RepoDir string
	Log     *zap.Logger
}

func NewRunner(st *store.Store, cfg *config.Config, tr agent.Transport, h host.Host, repoDir string, sink events.Sink, log *zap.Logger) *Runner {
	if sink == nil {
		sink = events.Nop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		Store:   st,
		Cfg:     cfg,
		Agent:   tr,
		Host:    h,
		Healer:  healing.NewController(st, repoDir),
		Sink:    sink,
		RepoDir: repoDir,
		Log:     log,
	}
}

// Next returns the phase that advances an item from its current state.
// An item at implementing resumes implement while stories are pending
// and moves to pr once none are.
func (r *Runner) Next(it *item.Item) (Phase, error) {
	switch it.State {
	case item.StateRaw:
		return Research, nil
	case item.StateResearched:
		return Plan, nil
	case item.StatePlanned:
		return Implement, nil
	case item.StateImplementing:
		p, err := r.Store.ReadPlan(it.ID)
		if err != nil {
			return "", fmt.Errorf("item %s: %w", it.ID, err)
		}
		if len(p.Pending()) > 0 {
			return Implement, nil
		}
		return PR, nil
	case item.StateInPR:
		return Complete, nil
	case item.StateDone:
		return "", fmt.Errorf("item %s: %w", it.ID, ErrNoAdvance)
	default:
		return "", fmt.Errorf("item %s: invalid state %q", it.ID, it.State)
	}
}

// Advance runs the item's next phase. It returns the phase it ran.
func (r *Runner) Advance(ctx context.Context, id string) (Phase, error) {
	it, err := r.Store.ReadItem(id)
	if err != nil {
		return "", err
	}
	ph, err := r.Next(it)
	if err != nil {
		return "", err
	}
	return ph, r.Run(ctx, id, ph, false)
}

// Run executes exactly one phase under the item's exclusive lock.
func (r *Runner) Run(ctx context.Context, id string, ph Phase, force bool) error {
	def, ok := table[ph]
	if !ok {
		return fmt.Errorf("unknown phase %q", ph)
	}

	release, err := r.Store.Lock(id, store.LockExclusive)
	if err != nil {
		return fmt.Errorf("item %s: %w", id, err)
	}
	defer release()

	it, err := r.Store.ReadItem(id)
	if err != nil {
		return err
	}
	if err := r.checkTransition(it, ph, def); err != nil {
		return err
	}

	// Skip-on-artifact: already at target with every artifact present.
	if !force && def.Skip && it.State == def.To && r.artifactsExist(id, def.Artifacts) {
		r.Log.Debug("phase skipped, artifacts present",
			zap.String("item", id), zap.String("phase", string(ph)))
		r.emit(events.Event{Kind: events.PhaseCompleted, ItemID: id, Phase: string(ph)})
		return nil
	}

	r.validateSkills(ph)
	r.emit(events.Event{Kind: events.PhaseStarted, ItemID: id, Phase: string(ph)})

	var runErr error
	switch ph {
	case Research:
		runErr = r.runResearch(ctx, it)
	case Plan:
		runErr = r.runPlan(ctx, it)
	case Implement:
		runErr = r.runImplement(ctx, it)
	case PR:
		runErr = r.runPR(ctx, it)
	case Complete:
		runErr = r.runComplete(ctx, it)
	}

	now := time.Now().UTC()
	if runErr != nil {
		it.LastError = runErr.Error()
		it.UpdatedAt = now
		if werr := r.Store.WriteItem(it); werr != nil {
			r.Log.Error("record last_error", zap.String("item", id), zap.Error(werr))
		}
		r.emit(events.Event{Kind: events.PhaseFailed, ItemID: id, Phase: string(ph), Err: runErr.Error()})
		return fmt.Errorf("item %s: phase %s: %w", id, ph, runErr)
	}

	it.State = def.To
	it.LastError = ""
	it.UpdatedAt = now
	if ph == Complete {
		it.CompletedAt = &now
	}
	if err := r.Store.WriteItem(it); err != nil {
		return fmt.Errorf("item %s: persist %s: %w", id, ph, err)
	}
	r.emit(events.Event{Kind: events.PhaseCompleted, ItemID: id, Phase: string(ph)})
	return nil
}

func (r *Runner) checkTransition(it *item.Item, ph Phase, def Definition) error {
	if it.State == item.StateDone && ph != Complete {
		return fmt.Errorf("item %s: state done accepts only phase complete, not %s", it.ID, ph)
	}
	if it.State.Index() > def.To.Index() {
		return fmt.Errorf("item %s: phase %s would move %s backward", it.ID, ph, it.State)
	}
	for _, from := range def.From {
		if it.State == from {
			return nil
		}
	}
	// Re-running a skip phase at its own target is valid; the runner
	// regenerates missing or forced artifacts.
	if def.Skip && it.State == def.To {
		return nil
	}
	return fmt.Errorf("item %s: phase %s cannot start from state %s", it.ID, ph, it.State)
}

func (r *Runner) artifactsExist(id string, names []string) bool {
	for _, name := range names {
		info, err := os.Stat(r.Store.ArtifactPath(id, name))
		if err != nil || info.Size() == 0 {
			return false
		}
	}
	return true
}

// validateSkills checks each configured skill's requested tools against
// the phase allowlist. Mismatches warn and never fail the phase.
func (r *Runner) validateSkills(ph Phase) {
	allow := map[string]struct{}{}
	for _, t := range Allowlist(string(ph)) {
		allow[t] = struct{}{}
	}
	for _, sk := range r.Cfg.Skills[string(ph)] {
		for _, tool := range sk.Tools {
			if _, ok := allow[tool]; !ok {
				r.Log.Warn("skill requests tool outside phase allowlist",
					zap.String("phase", string(ph)),
					zap.String("skill", sk.Name),
					zap.String("tool", tool))
			}
		}
	}
}

func (r *Runner) timeout(ph Phase) time.Duration {
	if s := r.Cfg.PhaseTimeout(string(ph)); s > 0 {
		return time.Duration(s) * time.Second
	}
	d := table[ph].DefaultTimeout
	if string(ph) == "media" {
		d *= mediaTimeoutMultiplier
	}
	return d
}

func (r *Runner) emit(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	r.Sink.Emit(ev)
}

func (r *Runner) promptsDir() string {
	return filepath.Join(r.Store.Root(), "prompts")
}

// invoke runs the agent once for a non-implement phase and validates
// its output, looping through the healing controller on recoverable
// failures. render receives corrective guidance and, for document
// regeneration, the previous parse error.
func (r *Runner) invoke(ctx context.Context, it *item.Item, ph Phase, render func(guidance, parseErr string) (string, error), validate func() error) error {
	var guidance, parseErr string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := render(guidance, parseErr)
		if err != nil {
			return err
		}
		resp, err := r.Agent.Invoke(ctx, agent.Request{
			Prompt:  p,
			Tools:   Allowlist(string(ph)),
			WorkDir: r.RepoDir,
			Env:     r.Cfg.Agent.Env,
			Timeout: r.timeout(ph),
			ItemID:  it.ID,
			Phase:   string(ph),
		}, r.Sink)

		var failure error
		switch {
		case err != nil:
			failure = err
		case resp.Disposition == agent.DispositionTimedOut:
			// Outside implement, a timeout is class other: fail now.
			return fmt.Errorf("agent timed out after %s", r.timeout(ph))
		case !resp.OK():
			failure = fmt.Errorf("agent failed: %s", agentFailureText(resp))
		default:
			failure = validate()
		}

		if failure == nil {
			r.Healer.NoteRecovered(it.ID, string(ph))
			return nil
		}
		if errors.Is(failure, ErrScope) {
			return failure
		}
		res := r.Healer.Heal(ctx, it.ID, string(ph), failure)
		if !res.Retry {
			return fmt.Errorf("%s: %w", res.Class, failure)
		}
		r.Log.Info("healing retry",
			zap.String("item", it.ID),
			zap.String("phase", string(ph)),
			zap.String("class", string(res.Class)),
			zap.Int("attempt", res.Attempt))
		guidance = res.Guidance
		if res.Class == healing.ClassJSONCorruption || res.Class == healing.ClassPlanValidation {
			parseErr = failure.Error()
		}
	}
}

func agentFailureText(resp *agent.Response) string {
	if resp.Err != "" {
		return resp.Err
	}
	out := strings.TrimSpace(resp.Output)
	if len(out) > 400 {
		out = out[len(out)-400:]
	}
	if out == "" {
		return fmt.Sprintf("exit code %d", resp.ExitCode)
	}
	return out
}

func (r *Runner) runResearch(ctx context.Context, it *item.Item) error {
	path := r.Store.ArtifactPath(it.ID, "research.md")
	return r.invoke(ctx, it, Research,
		func(guidance, _ string) (string, error) {
			return prompt.Render(r.promptsDir(), "research", prompt.Data{
				ID: it.ID, Title: it.Title, Overview: it.Overview,
				State: string(it.State), Guidance: guidance,
			})
		},
		func() error {
			info, err := os.Stat(path)
			if err != nil || info.Size() == 0 {
				return fmt.Errorf("research.md was not produced")
			}
			return nil
		})
}

func (r *Runner) runPlan(ctx context.Context, it *item.Item) error {
	before, err := gitutil.ChangedFiles(r.RepoDir)
	if err != nil {
		return err
	}
	branch := r.branchFor(it, nil)
	return r.invoke(ctx, it, Plan,
		func(guidance, parseErr string) (string, error) {
			return prompt.Render(r.promptsDir(), "plan", prompt.Data{
				ID: it.ID, Title: it.Title, Overview: it.Overview,
				State: string(it.State), Branch: branch,
				Guidance: guidance, ParseError: parseErr,
			})
		},
		func() error {
			if err := r.planScopeFence(it.ID, before); err != nil {
				return err
			}
			if info, err := os.Stat(r.Store.ArtifactPath(it.ID, "plan.md")); err != nil || info.Size() == 0 {
				return fmt.Errorf("plan validation: plan.md was not produced")
			}
			if _, err := r.Store.ReadPlan(it.ID); err != nil {
				return err
			}
			return nil
		})
}

// planScopeFence rejects the plan phase when the agent touched anything
// outside the item's own artifact directory. Pre-existing dirt in the
// working tree is tolerated.
func (r *Runner) planScopeFence(id string, before []string) error {
	after, err := gitutil.ChangedFiles(r.RepoDir)
	if err != nil {
		return err
	}
	prior := map[string]struct{}{}
	for _, f := range before {
		prior[f] = struct{}{}
	}
	allowed := store.DirName + "/items/" + id + "/"
	for _, f := range after {
		if _, ok := prior[f]; ok {
			continue
		}
		if !strings.HasPrefix(filepath.ToSlash(f), allowed) {
			return fmt.Errorf("%w: plan phase changed %s outside %s", ErrScope, f, allowed)
		}
	}
	return nil
}

func (r *Runner) runPR(ctx context.Context, it *item.Item) error {
	plan, err := r.Store.ReadPlan(it.ID)
	if err != nil {
		return err
	}
	branch := r.branchFor(it, plan)
	if err := r.ensureBranch(branch); err != nil {
		return err
	}
	it.Branch = branch

	prPath := r.Store.ArtifactPath(it.ID, "pr.md")
	err = r.invoke(ctx, it, PR,
		func(guidance, _ string) (string, error) {
			return prompt.Render(r.promptsDir(), "pr", prompt.Data{
				ID: it.ID, Title: it.Title, Overview: it.Overview,
				State: string(it.State), Branch: branch, Guidance: guidance,
			})
		},
		func() error {
			info, err := os.Stat(prPath)
			if err != nil || info.Size() == 0 {
				return fmt.Errorf("pr.md was not produced")
			}
			return nil
		})
	if err != nil {
		return err
	}

	if clean, err := gitutil.IsClean(r.RepoDir); err == nil && !clean {
		if _, err := gitutil.CommitAll(r.RepoDir, it.ID+": pull request description"); err != nil {
			return err
		}
	}
	if gitutil.HasRemote(r.RepoDir, r.Cfg.PushRemote) {
		if err := gitutil.Push(r.RepoDir, r.Cfg.PushRemote, branch); err != nil {
			return err
		}
	}
	if r.Host != nil {
		pr, err := r.Host.CreateOrUpdatePR(ctx, r.RepoDir, branch, r.Cfg.BaseBranch, it.Title, prPath)
		if err != nil {
			return err
		}
		it.PRURL = pr.URL
		it.PRNumber = pr.Number
	}
	return nil
}

// runComplete observes the merge. With a host and an open PR it
// requires the PR to be merged; without either it merges the item
// branch into the base branch directly and records the pre-merge SHA
// so rollback can restore the base branch.
func (r *Runner) runComplete(ctx context.Context, it *item.Item) error {
	if strings.TrimSpace(it.Branch) == "" {
		return fmt.Errorf("item has no branch to complete")
	}
	if r.Host != nil && it.PRNumber > 0 {
		merged, err := r.Host.PRMerged(ctx, r.RepoDir, it.PRNumber)
		if err != nil {
			return err
		}
		if !merged {
			return fmt.Errorf("pull request #%d is not merged yet", it.PRNumber)
		}
		return nil
	}

	// Direct-merge path.
	if err := gitutil.Checkout(r.RepoDir, r.Cfg.BaseBranch); err != nil {
		return err
	}
	preMerge, err := gitutil.HeadSHA(r.RepoDir)
	if err != nil {
		return err
	}
	if err := gitutil.Merge(r.RepoDir, it.Branch, fmt.Sprintf("merge %s", it.Branch)); err != nil {
		return err
	}
	it.RollbackSHA = preMerge
	if gitutil.HasRemote(r.RepoDir, r.Cfg.PushRemote) {
		if err := gitutil.Push(r.RepoDir, r.Cfg.PushRemote, r.Cfg.BaseBranch); err != nil {
			return err
		}
	}
	return nil
}

// branchFor resolves the item's branch name: the recorded branch wins,
// then the plan's branch_name with the configured prefix applied, then
// a prefix+id fallback.
func (r *Runner) branchFor(it *item.Item, plan *item.Plan) string {
	if strings.TrimSpace(it.Branch) != "" {
		return it.Branch
	}
	name := ""
	if plan != nil {
		name = strings.TrimSpace(plan.BranchName)
	}
	if name == "" {
		name = it.ID
	}
	if !strings.HasPrefix(name, r.Cfg.BranchPrefix) {
		name = r.Cfg.BranchPrefix + name
	}
	return name
}

// ensureBranch checks the item branch out, creating it at HEAD when it
// does not exist yet.
func (r *Runner) ensureBranch(branch string) error {
	cur, err := gitutil.CurrentBranch(r.RepoDir)
	if err != nil {
		return err
	}
	if cur == branch {
		return nil
	}
	if !gitutil.BranchExists(r.RepoDir, branch) {
		head, err := gitutil.HeadSHA(r.RepoDir)
		if err != nil {
			return err
		}
		if err := gitutil.CreateBranchAt(r.RepoDir, branch, head); err != nil {
			return err
		}
	}
	return gitutil.Checkout(r.RepoDir, branch)
}
