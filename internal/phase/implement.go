package phase

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/wreckit/wreckit/internal/agent"
	"github.com/wreckit/wreckit/internal/events"
	"github.com/wreckit/wreckit/internal/gitutil"
	"github.com/wreckit/wreckit/internal/item"
	"github.com/wreckit/wreckit/internal/prompt"
	"github.com/wreckit/wreckit/internal/store"
)

// runImplement drives the agent story-by-story until every story in
// the plan is done or a failure exhausts healing. Story status is
// durable, so re-entry after a crash resumes at the first pending
// story under the same ordering.
func (r *Runner) runImplement(ctx context.Context, it *item.Item) error {
	plan, err := r.Store.ReadPlan(it.ID)
	if err != nil {
		return err
	}
	branch := r.branchFor(it, plan)
	if err := r.ensureBranch(branch); err != nil {
		return err
	}
	it.Branch = branch

	iteration := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pending := plan.Pending()
		if len(pending) == 0 {
			return nil
		}
		story := pending[0]
		iteration++
		r.emit(events.Event{Kind: events.StoryChanged, ItemID: it.ID, Phase: string(Implement), StoryID: story.ID})
		r.emit(events.Event{Kind: events.Iteration, ItemID: it.ID, Phase: string(Implement), Iteration: iteration})

		if err := r.runStory(ctx, it, plan, story); err != nil {
			return err
		}
		// Re-read so external story flips (an operator editing prd.json)
		// are observed before the next selection.
		plan, err = r.Store.ReadPlan(it.ID)
		if err != nil {
			return err
		}
	}
}

// runStory runs one story to done, retrying through the healing
// controller. Scope violations abort immediately.
func (r *Runner) runStory(ctx context.Context, it *item.Item, plan *item.Plan, story item.Story) error {
	guidance := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		failure := r.attemptStory(ctx, it, story, guidance)
		if failure == nil {
			if _, err := gitutil.CommitAll(r.RepoDir, fmt.Sprintf("%s: %s", story.ID, story.Title)); err != nil {
				return err
			}
			if err := plan.MarkDone(story.ID, ""); err != nil {
				return err
			}
			if err := r.Store.WritePlan(plan); err != nil {
				return err
			}
			r.Healer.NoteRecovered(it.ID, string(Implement))
			return nil
		}
		if errors.Is(failure, ErrScope) {
			return fmt.Errorf("story %s: %w", story.ID, failure)
		}
		res := r.Healer.Heal(ctx, it.ID, string(Implement), failure)
		if !res.Retry {
			return fmt.Errorf("story %s: %s: %w", story.ID, res.Class, failure)
		}
		r.Log.Info("healing retry",
			zap.String("item", it.ID),
			zap.String("story", story.ID),
			zap.String("class", string(res.Class)),
			zap.Int("attempt", res.Attempt))
		guidance = res.Guidance
	}
}

// attemptStory makes one agent pass at a story and validates the
// result: at least one file changed, changes confined to the declared
// scope, no secret-like strings in added content, and the optional
// quality gate passing.
func (r *Runner) attemptStory(ctx context.Context, it *item.Item, story item.Story, guidance string) error {
	before, err := r.changedSnapshot()
	if err != nil {
		return err
	}
	p, err := prompt.Render(r.promptsDir(), "implement", prompt.Data{
		ID: it.ID, Title: it.Title, Overview: it.Overview,
		State: string(it.State), Branch: it.Branch,
		StoryID: story.ID, StoryTitle: story.Title,
		AcceptanceCriteria: story.AcceptanceCriteria,
		Scope:              story.Scope,
		Guidance:           guidance,
	})
	if err != nil {
		return err
	}
	resp, err := r.Agent.Invoke(ctx, agent.Request{
		Prompt:  p,
		Tools:   Allowlist(string(Implement)),
		WorkDir: r.RepoDir,
		Env:     r.Cfg.Agent.Env,
		Timeout: r.timeout(Implement),
		ItemID:  it.ID,
		Phase:   string(Implement),
	}, r.Sink)
	switch {
	case err != nil:
		return err
	case resp.Disposition == agent.DispositionTimedOut:
		// Within implement a timeout is a story failure and goes through
		// healing like any other, classified from the partial output.
		return fmt.Errorf("story attempt timed out after %s: %s", r.timeout(Implement), agentFailureText(resp))
	case !resp.OK():
		return fmt.Errorf("agent failed: %s", agentFailureText(resp))
	}

	after, err := r.changedSnapshot()
	if err != nil {
		return err
	}
	touched := changedSince(before, after)
	if len(touched) == 0 {
		return fmt.Errorf("story validation: no files were modified")
	}
	if err := checkScope(it.ID, story, touched); err != nil {
		return err
	}
	if err := r.scanSecrets(); err != nil {
		return err
	}
	return r.runQualityGate(ctx)
}

// changedSnapshot maps each dirty path outside the workspace directory
// to a content hash. Comparing content rather than the dirty-path set
// lets a retry that rewrites a file the failed previous attempt already
// dirtied still count as a modification.
func (r *Runner) changedSnapshot() (map[string]string, error) {
	files, err := gitutil.ChangedFiles(r.RepoDir)
	if err != nil {
		return nil, err
	}
	snap := make(map[string]string, len(files))
	for _, f := range files {
		if strings.HasPrefix(filepath.ToSlash(f), store.DirName+"/") {
			continue
		}
		snap[f] = hashWorkingPath(filepath.Join(r.RepoDir, f))
	}
	return snap, nil
}

// hashWorkingPath fingerprints one dirty path. git collapses a fully
// untracked directory into a single status entry, so directories hash
// their recursive file contents; a path missing since the status
// snapshot hashes to a marker.
func hashWorkingPath(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "gone"
	}
	h := blake3.New()
	if !info.IsDir() {
		b, err := os.ReadFile(path)
		if err != nil {
			return "unreadable"
		}
		_, _ = h.Write(b)
		return hex.EncodeToString(h.Sum(nil)[:16])
	}
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		b, rerr := os.ReadFile(p)
		if rerr != nil {
			return nil
		}
		_, _ = h.Write([]byte(p))
		_, _ = h.Write(b)
		return nil
	})
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// changedSince returns the paths that are new, rewritten, or gone
// between two snapshots, sorted.
func changedSince(before, after map[string]string) []string {
	var out []string
	for f, h := range after {
		if prev, ok := before[f]; !ok || prev != h {
			out = append(out, f)
		}
	}
	for f := range before {
		if _, ok := after[f]; !ok {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// checkScope confines touched files to the story's declared glob
// surface. The item's own artifact directory is always in scope. A
// story with no declared scope makes the check advisory.
func checkScope(itemID string, story item.Story, touched []string) error {
	if len(story.Scope) == 0 {
		return nil
	}
	itemPrefix := ".wreckit/items/" + itemID + "/"
	for _, f := range touched {
		slash := filepath.ToSlash(f)
		if strings.HasPrefix(slash, itemPrefix) {
			continue
		}
		matched := false
		for _, pattern := range story.Scope {
			ok, err := doublestar.Match(pattern, slash)
			if err != nil {
				return fmt.Errorf("story %s: bad scope pattern %q: %w", story.ID, pattern, err)
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("%w: story %s changed %s outside its declared scope", ErrScope, story.ID, f)
		}
	}
	return nil
}

// scanSecrets runs the lexical secret scan over content the agent
// added relative to HEAD. Everything is staged first so newly created
// files are part of the diff.
func (r *Runner) scanSecrets() error {
	if err := gitutil.AddAll(r.RepoDir); err != nil {
		return err
	}
	added, err := gitutil.DiffAddedLines(r.RepoDir, "HEAD")
	if err != nil {
		return err
	}
	if hit := ScanSecrets(added, r.Cfg.SecretPatterns); hit != "" {
		return fmt.Errorf("%w: added content matches secret pattern %q", ErrScope, hit)
	}
	return nil
}

func (r *Runner) runQualityGate(ctx context.Context) error {
	gate := r.Cfg.QualityGate
	if len(gate) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, gate[0], gate[1:]...)
	cmd.Dir = r.RepoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if len(text) > 400 {
			text = text[len(text)-400:]
		}
		return fmt.Errorf("story validation: quality gate failed: %v: %s", err, text)
	}
	return nil
}
