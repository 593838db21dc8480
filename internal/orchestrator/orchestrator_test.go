package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wreckit/wreckit/internal/agent"
	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/events"
	"github.com/wreckit/wreckit/internal/gitutil"
	"github.com/wreckit/wreckit/internal/host"
	"github.com/wreckit/wreckit/internal/item"
	"github.com/wreckit/wreckit/internal/phase"
	"github.com/wreckit/wreckit/internal/store"
)

type fixture struct {
	repo   string
	st     *store.Store
	mock   *agent.Mock
	stub   *host.Stub
	runner *phase.Runner
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, gitutil.Init(repo))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("seed\n"), 0o644))
	_, err := gitutil.CommitAll(repo, "seed")
	require.NoError(t, err)
	base, err := gitutil.CurrentBranch(repo)
	require.NoError(t, err)

	st, err := store.Init(repo, false)
	require.NoError(t, err)
	st.SetLockOptions(store.LockOptions{
		Timeout:      2 * time.Second,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	})

	cfg := config.Default()
	cfg.BaseBranch = base
	cfg.Agent.Kind = config.AgentMock

	mock := agent.NewMock()
	stub := &host.Stub{Merged: map[int]bool{1: true, 2: true, 3: true}}
	runner := phase.NewRunner(st, cfg, mock, stub, repo, events.Nop(), nil)
	runner.Healer.Sleep = func(time.Duration) {}
	runner.Healer.Backoff.InitialDelayMS = 0

	orch := New(st, runner, events.Nop(), nil)
	orch.Poll = 5 * time.Millisecond

	return &fixture{repo: repo, st: st, mock: mock, stub: stub, runner: runner, orch: orch}
}

func (f *fixture) createItem(t *testing.T, id string, state item.State, deps ...string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.st.CreateItem(&item.Item{
		ID: id, Title: "Title of " + id, Overview: "overview",
		State: state, DependsOn: deps, CreatedAt: now, UpdatedAt: now,
	}))
}

// lifecycleSteps scripts a full raw-to-pr agent run for one item. The
// complete phase needs no agent step.
func lifecycleSteps(t *testing.T, id, codeFile string) []agent.MockStep {
	t.Helper()
	dir := ".wreckit/items/" + id
	plan, err := json.Marshal(item.Plan{
		SchemaVersion: 1, ID: id, BranchName: id,
		UserStories: []item.Story{{
			ID: "US-001", Title: "the story",
			AcceptanceCriteria: []string{"works"},
			Priority:           1, Status: item.StoryPending,
		}},
	})
	require.NoError(t, err)
	return []agent.MockStep{
		{WriteFiles: map[string]string{dir + "/research.md": "# findings\n"}},
		{WriteFiles: map[string]string{dir + "/plan.md": "# plan\n", dir + "/prd.json": string(plan)}},
		{WriteFiles: map[string]string{codeFile: "package impl\n"}},
		{WriteFiles: map[string]string{dir + "/pr.md": "# pr\n"}},
	}
}

func TestRunnable(t *testing.T) {
	done := map[string]bool{"001-a": true}
	tests := []struct {
		name string
		it   *item.Item
		want bool
	}{
		{"no deps", &item.Item{ID: "002-b", State: item.StateRaw}, true},
		{"dep satisfied", &item.Item{ID: "002-b", State: item.StateRaw, DependsOn: []string{"001-a"}}, true},
		{"dep pending", &item.Item{ID: "002-b", State: item.StateRaw, DependsOn: []string{"003-c"}}, false},
		{"unknown dep blocks forever", &item.Item{ID: "002-b", State: item.StateRaw, DependsOn: []string{"999-ghost"}}, false},
		{"done item never runnable", &item.Item{ID: "001-a", State: item.StateDone}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Runnable(tt.it, done))
		})
	}
}

func TestPhasesRemaining(t *testing.T) {
	assert.Len(t, PhasesRemaining(item.StateRaw), 5)
	assert.Equal(t, []phase.Phase{phase.Implement, phase.PR, phase.Complete}, PhasesRemaining(item.StatePlanned))
	assert.Equal(t, []phase.Phase{phase.Complete}, PhasesRemaining(item.StateInPR))
	assert.Nil(t, PhasesRemaining(item.StateDone))
}

func TestNextPicksLowestRunnable(t *testing.T) {
	f := newFixture(t)
	f.createItem(t, "001-a", item.StateRaw)
	f.createItem(t, "002-b", item.StateRaw)
	f.mock.Enqueue(agent.MockStep{WriteFiles: map[string]string{
		".wreckit/items/001-a/research.md": "# r\n",
	}})

	id, ph, err := f.orch.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "001-a", id)
	assert.Equal(t, phase.Research, ph)

	it, err := f.st.ReadItem("001-a")
	require.NoError(t, err)
	assert.Equal(t, item.StateResearched, it.State)
}

func TestNextNothingRunnable(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	require.NoError(t, f.st.CreateItem(&item.Item{
		ID: "001-a", Title: "a", State: item.StateDone, Branch: "b",
		CreatedAt: now, UpdatedAt: now,
	}))
	f.createItem(t, "002-b", item.StateRaw, "999-ghost")

	_, _, err := f.orch.Next(context.Background())
	require.ErrorIs(t, err, ErrNothingRunnable)
}

func TestRunAllSequentialRespectsDependencies(t *testing.T) {
	f := newFixture(t)
	f.createItem(t, "001-a", item.StateRaw)
	f.createItem(t, "002-b", item.StateRaw, "001-a")

	f.mock.Enqueue(lifecycleSteps(t, "001-a", "a.go")...)
	f.mock.Enqueue(lifecycleSteps(t, "002-b", "b.go")...)

	require.NoError(t, f.orch.RunAll(context.Background(), 1))

	for _, id := range []string{"001-a", "002-b"} {
		it, err := f.st.ReadItem(id)
		require.NoError(t, err)
		assert.Equal(t, item.StateDone, it.State, id)
	}

	// The dependent's first request must come after every request of its
	// dependency.
	require.Len(t, f.mock.Requests, 8)
	for i, req := range f.mock.Requests {
		want := "001-a"
		if i >= 4 {
			want = "002-b"
		}
		assert.Equal(t, want, req.ItemID, "request %d", i)
	}
}

// depObserver records the dependency's durable state at the moment each
// dependent request reaches the agent.
type depObserver struct {
	inner    agent.Transport
	st       *store.Store
	depID    string
	ofItemID string

	mu       sync.Mutex
	observed []item.State
}

func (d *depObserver) Invoke(ctx context.Context, req agent.Request, sink events.Sink) (*agent.Response, error) {
	if req.ItemID == d.ofItemID {
		it, err := d.st.ReadItem(d.depID)
		if err == nil {
			d.mu.Lock()
			d.observed = append(d.observed, it.State)
			d.mu.Unlock()
		}
	}
	return d.inner.Invoke(ctx, req, sink)
}

func TestRunAllParallelWaitsForDependency(t *testing.T) {
	f := newFixture(t)
	f.createItem(t, "001-a", item.StateRaw)
	f.createItem(t, "002-b", item.StateRaw, "001-a")

	f.mock.Enqueue(lifecycleSteps(t, "001-a", "a.go")...)
	f.mock.Enqueue(lifecycleSteps(t, "002-b", "b.go")...)

	obs := &depObserver{inner: f.mock, st: f.st, depID: "001-a", ofItemID: "002-b"}
	f.runner.Agent = obs

	require.NoError(t, f.orch.RunAll(context.Background(), 2))

	for _, id := range []string{"001-a", "002-b"} {
		it, err := f.st.ReadItem(id)
		require.NoError(t, err)
		assert.Equal(t, item.StateDone, it.State, id)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.NotEmpty(t, obs.observed)
	for _, st := range obs.observed {
		assert.Equal(t, item.StateDone, st, "the dependency was done before the dependent ran")
	}
}

// runAllWithin fails the test instead of hanging the suite when the
// worker pool never reaches quiescence.
func runAllWithin(t *testing.T, f *fixture, parallel int, within time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.orch.RunAll(context.Background(), parallel) }()
	select {
	case err := <-done:
		return err
	case <-time.After(within):
		t.Fatalf("RunAll(parallel=%d) did not return within %s", parallel, within)
		return nil
	}
}

func TestRunAllParallelStopsWhenDependencyFails(t *testing.T) {
	f := newFixture(t)
	f.createItem(t, "001-a", item.StateRaw)
	f.createItem(t, "002-b", item.StateRaw, "001-a")

	f.mock.Enqueue(agent.MockStep{Disposition: agent.DispositionError, Err: "kaboom"})

	err := runAllWithin(t, f, 2, 3*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "001-a")
	assert.Contains(t, err.Error(), "002-b: blocked", "the dependent surfaces instead of being polled forever")

	b, rerr := f.st.ReadItem("002-b")
	require.NoError(t, rerr)
	assert.Equal(t, item.StateRaw, b.State, "the blocked dependent never ran")
}

func TestRunAllParallelStopsOnDanglingDependency(t *testing.T) {
	f := newFixture(t)
	f.createItem(t, "001-a", item.StateRaw)
	f.createItem(t, "002-b", item.StateRaw, "999-ghost")

	f.mock.Enqueue(lifecycleSteps(t, "001-a", "a.go")...)

	err := runAllWithin(t, f, 2, 3*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002-b: blocked")

	a, rerr := f.st.ReadItem("001-a")
	require.NoError(t, rerr)
	assert.Equal(t, item.StateDone, a.State, "healthy items still complete")
}

func TestRunAllSequentialContinuesPastFailure(t *testing.T) {
	f := newFixture(t)
	f.createItem(t, "001-a", item.StateRaw)
	f.createItem(t, "002-b", item.StateRaw)

	f.mock.Enqueue(agent.MockStep{Disposition: agent.DispositionError, Err: "kaboom"})
	f.mock.Enqueue(lifecycleSteps(t, "002-b", "b.go")...)

	err := f.orch.RunAll(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 item(s) failed")
	assert.Contains(t, err.Error(), "001-a")

	a, err2 := f.st.ReadItem("001-a")
	require.NoError(t, err2)
	assert.Equal(t, item.StateRaw, a.State)
	assert.NotEmpty(t, a.LastError)

	b, err2 := f.st.ReadItem("002-b")
	require.NoError(t, err2)
	assert.Equal(t, item.StateDone, b.State, "an unrelated failure does not block other items")
}

func TestRunItemStopsAtDone(t *testing.T) {
	f := newFixture(t)
	f.createItem(t, "001-a", item.StateRaw)
	f.mock.Enqueue(lifecycleSteps(t, "001-a", "a.go")...)

	require.NoError(t, f.orch.RunItem(context.Background(), "001-a"))
	assert.Len(t, f.mock.Requests, 4, "complete runs without an agent step")

	// Already done: an immediate no-op.
	require.NoError(t, f.orch.RunItem(context.Background(), "001-a"))
	assert.Len(t, f.mock.Requests, 4)
}

func TestDryRun(t *testing.T) {
	f := newFixture(t)
	f.createItem(t, "001-a", item.StateRaw)
	f.createItem(t, "002-b", item.StateResearched, "001-a")
	now := time.Now().UTC()
	require.NoError(t, f.st.CreateItem(&item.Item{
		ID: "003-c", Title: "c", State: item.StateDone, Branch: "b",
		CreatedAt: now, UpdatedAt: now,
	}))

	lines, err := f.orch.DryRun()
	require.NoError(t, err)
	require.Len(t, lines, 2, "done items are omitted")
	assert.Equal(t, "001-a: research -> plan -> implement -> pr -> complete", lines[0])
	assert.Equal(t, "002-b: plan -> implement -> pr -> complete (blocked on 001-a)", lines[1])
}
