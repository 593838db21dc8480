package gitutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, Init(dir))
	return dir
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestInitAndIsRepo(t *testing.T) {
	dir := newRepo(t)
	assert.True(t, IsRepo(dir))
	assert.False(t, IsRepo(t.TempDir()))

	sha, err := HeadSHA(dir)
	require.NoError(t, err)
	assert.Len(t, sha, 40)
	assert.True(t, SHAExists(dir, sha))
	assert.False(t, SHAExists(dir, "0123456789abcdef0123456789abcdef01234567"))
}

func TestChangedFiles(t *testing.T) {
	dir := newRepo(t)
	clean, err := IsClean(dir)
	require.NoError(t, err)
	assert.True(t, clean)

	write(t, dir, "a.txt", "a\n")
	write(t, dir, "b.txt", "b\n")
	_, err = CommitAll(dir, "add a and b")
	require.NoError(t, err)

	write(t, dir, "a.txt", "changed\n")
	write(t, dir, "new.txt", "new\n")

	files, err := ChangedFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "new.txt"}, files)

	clean, err = IsClean(dir)
	require.NoError(t, err)
	assert.False(t, clean)
}

func TestChangedFilesReportsUntrackedDirCollapsed(t *testing.T) {
	dir := newRepo(t)
	write(t, dir, "sub/deep/x.txt", "x\n")

	files, err := ChangedFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/"}, files, "git collapses a fully untracked directory")
}

func TestCommitAllReturnsNewHead(t *testing.T) {
	dir := newRepo(t)
	before, err := HeadSHA(dir)
	require.NoError(t, err)

	write(t, dir, "x.txt", "x\n")
	sha, err := CommitAll(dir, "add x")
	require.NoError(t, err)
	assert.NotEqual(t, before, sha)

	head, err := HeadSHA(dir)
	require.NoError(t, err)
	assert.Equal(t, sha, head)
}

func TestBranchLifecycle(t *testing.T) {
	dir := newRepo(t)
	base, err := CurrentBranch(dir)
	require.NoError(t, err)
	head, err := HeadSHA(dir)
	require.NoError(t, err)

	assert.False(t, BranchExists(dir, "wreckit/001-a"))
	require.NoError(t, CreateBranchAt(dir, "wreckit/001-a", head))
	assert.True(t, BranchExists(dir, "wreckit/001-a"))

	require.NoError(t, Checkout(dir, "wreckit/001-a"))
	cur, err := CurrentBranch(dir)
	require.NoError(t, err)
	assert.Equal(t, "wreckit/001-a", cur)

	write(t, dir, "feature.go", "package feature\n")
	_, err = CommitAll(dir, "feature")
	require.NoError(t, err)

	require.NoError(t, Checkout(dir, base))
	require.NoError(t, Merge(dir, "wreckit/001-a", "merge wreckit/001-a"))
	files, err := DiffNameOnly(dir, head)
	require.NoError(t, err)
	assert.Equal(t, []string{"feature.go"}, files)
}

func TestResetHard(t *testing.T) {
	dir := newRepo(t)
	before, err := HeadSHA(dir)
	require.NoError(t, err)

	write(t, dir, "x.txt", "x\n")
	_, err = CommitAll(dir, "add x")
	require.NoError(t, err)

	require.NoError(t, ResetHard(dir, before))
	head, err := HeadSHA(dir)
	require.NoError(t, err)
	assert.Equal(t, before, head)
	_, statErr := os.Stat(filepath.Join(dir, "x.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDiffAddedLines(t *testing.T) {
	dir := newRepo(t)
	write(t, dir, "a.txt", "one\n")
	_, err := CommitAll(dir, "one")
	require.NoError(t, err)

	write(t, dir, "a.txt", "one\ntwo\n")
	write(t, dir, "fresh.txt", "three\n")
	// A brand-new file only shows in the diff once staged.
	require.NoError(t, AddAll(dir))

	added, err := DiffAddedLines(dir, "HEAD")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"two", "three"}, added)
}

func TestHasRemote(t *testing.T) {
	dir := newRepo(t)
	assert.False(t, HasRemote(dir, "origin"))

	_, _, err := runGit(dir, "remote", "add", "origin", dir)
	require.NoError(t, err)
	assert.True(t, HasRemote(dir, "origin"))
	assert.False(t, HasRemote(dir, "upstream"))
}

func TestCommandErrorCarriesStderr(t *testing.T) {
	dir := newRepo(t)
	err := Checkout(dir, "no-such-branch")
	require.Error(t, err)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Contains(t, cmdErr.Error(), "no-such-branch")
}
