package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wreckit/wreckit/internal/config"
	"github.com/wreckit/wreckit/internal/gitutil"
	"github.com/wreckit/wreckit/internal/item"
	"github.com/wreckit/wreckit/internal/store"
)

// rollbackFixture builds a repository that went through the direct-merge
// path: a feature branch merged into base with the pre-merge SHA on
// record, exactly what the complete phase leaves behind.
func rollbackFixture(t *testing.T) (*env, string, string) {
	t.Helper()
	repo := t.TempDir()
	prev := flagDir
	flagDir = repo
	t.Cleanup(func() { flagDir = prev })

	require.NoError(t, gitutil.Init(repo))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("seed\n"), 0o644))
	_, err := gitutil.CommitAll(repo, "seed")
	require.NoError(t, err)
	base, err := gitutil.CurrentBranch(repo)
	require.NoError(t, err)

	preMerge, err := gitutil.HeadSHA(repo)
	require.NoError(t, err)
	const branch = "wreckit/001-a"
	require.NoError(t, gitutil.CreateBranchAt(repo, branch, preMerge))
	require.NoError(t, gitutil.Checkout(repo, branch))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "feature.go"), []byte("package feature\n"), 0o644))
	_, err = gitutil.CommitAll(repo, "US-001: feature")
	require.NoError(t, err)
	require.NoError(t, gitutil.Checkout(repo, base))
	require.NoError(t, gitutil.Merge(repo, branch, "merge "+branch))

	st, err := store.Init(repo, false)
	require.NoError(t, err)
	cfg := config.Default()
	cfg.BaseBranch = base

	now := time.Now().UTC()
	require.NoError(t, st.CreateItem(&item.Item{
		ID: "001-a", Title: "a", State: item.StateDone, Branch: branch,
		RollbackSHA: preMerge, CompletedAt: &now,
		CreatedAt: now, UpdatedAt: now,
	}))

	return &env{store: st, cfg: cfg}, repo, preMerge
}

func TestRollbackRestoresBaseBranch(t *testing.T) {
	e, repo, preMerge := rollbackFixture(t)

	head, err := gitutil.HeadSHA(repo)
	require.NoError(t, err)
	require.NotEqual(t, preMerge, head, "the merge advanced the base branch")

	require.NoError(t, rollback(e, "001-a"))

	head, err = gitutil.HeadSHA(repo)
	require.NoError(t, err)
	assert.Equal(t, preMerge, head, "the base branch is back at the pre-merge SHA")

	it, err := e.store.ReadItem("001-a")
	require.NoError(t, err)
	assert.Equal(t, item.StateImplementing, it.State)
	assert.Empty(t, it.RollbackSHA)
	assert.Nil(t, it.CompletedAt)
}

func TestRollbackRequiresDoneState(t *testing.T) {
	e, _, _ := rollbackFixture(t)

	it, err := e.store.ReadItem("001-a")
	require.NoError(t, err)
	it.State = item.StateInPR
	it.CompletedAt = nil
	require.NoError(t, e.store.WriteItem(it))

	err = rollback(e, "001-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires state done")
}

func TestRollbackRequiresRecordedSHA(t *testing.T) {
	e, _, _ := rollbackFixture(t)

	it, err := e.store.ReadItem("001-a")
	require.NoError(t, err)
	it.RollbackSHA = ""
	require.NoError(t, e.store.WriteItem(it))

	err = rollback(e, "001-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pull request")
}

func TestRollbackRejectsUnknownSHA(t *testing.T) {
	e, _, _ := rollbackFixture(t)

	it, err := e.store.ReadItem("001-a")
	require.NoError(t, err)
	it.RollbackSHA = "0123456789abcdef0123456789abcdef01234567"
	require.NoError(t, e.store.WriteItem(it))

	err = rollback(e, "001-a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a commit")
}
