package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wreckit/wreckit/internal/item"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := Init(t.TempDir(), false)
	require.NoError(t, err)
	return st
}

func newItem(id string) *item.Item {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	return &item.Item{
		ID: id, Title: "title of " + id, Overview: "overview",
		State: item.StateRaw, CreatedAt: now, UpdatedAt: now,
	}
}

func TestInitRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	_, err := Init(dir, false)
	require.NoError(t, err)
	_, err = Init(dir, false)
	require.ErrorIs(t, err, ErrExists)
	_, err = Init(dir, true)
	require.NoError(t, err)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(t.TempDir())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateReadWriteItem(t *testing.T) {
	st := newStore(t)
	it := newItem("001-add-flag")
	require.NoError(t, st.CreateItem(it))
	require.ErrorIs(t, st.CreateItem(it), ErrExists)

	got, err := st.ReadItem("001-add-flag")
	require.NoError(t, err)
	assert.Equal(t, it.Title, got.Title)
	assert.Equal(t, item.StateRaw, got.State)

	_, err = st.ReadItem("999-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWriteReadIsByteStable(t *testing.T) {
	st := newStore(t)
	it := newItem("001-add-flag")
	require.NoError(t, st.CreateItem(it))

	before, err := os.ReadFile(st.ItemPath(it.ID))
	require.NoError(t, err)

	got, err := st.ReadItem(it.ID)
	require.NoError(t, err)
	require.NoError(t, st.WriteItem(got))

	after, err := os.ReadFile(st.ItemPath(it.ID))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "write(read(id)) must be a no-op on disk")
}

func TestReadItemCorrupt(t *testing.T) {
	st := newStore(t)
	it := newItem("001-add-flag")
	require.NoError(t, st.CreateItem(it))

	require.NoError(t, os.WriteFile(st.ItemPath(it.ID), []byte("{not json"), 0o644))
	_, err := st.ReadItem(it.ID)
	require.ErrorIs(t, err, ErrCorrupt)

	// Valid JSON that fails the schema is corruption too.
	require.NoError(t, os.WriteFile(st.ItemPath(it.ID), []byte(`{"id": 7}`), 0o644))
	_, err = st.ReadItem(it.ID)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestListItemsSorted(t *testing.T) {
	st := newStore(t)
	for _, id := range []string{"003-c", "001-a", "002-b"} {
		require.NoError(t, st.CreateItem(newItem(id)))
	}
	items, err := st.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "001-a", items[0].ID)
	assert.Equal(t, "003-c", items[2].ID)
}

func TestNextOrdinalSkipsHoles(t *testing.T) {
	st := newStore(t)
	n, err := st.NextOrdinal()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, st.CreateItem(newItem("001-a")))
	require.NoError(t, st.CreateItem(newItem("005-e")))
	n, err = st.NextOrdinal()
	require.NoError(t, err)
	assert.Equal(t, 6, n, "holes are never reused")
}

func TestPlanRoundTrip(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.CreateItem(newItem("001-a")))
	p := &item.Plan{
		SchemaVersion: 1, ID: "001-a", BranchName: "wreckit/001-a",
		UserStories: []item.Story{
			{ID: "US-001", Title: "one", AcceptanceCriteria: []string{"works"}, Priority: 1, Status: item.StoryPending},
		},
	}
	require.NoError(t, st.WritePlan(p))
	got, err := st.ReadPlan("001-a")
	require.NoError(t, err)
	assert.Equal(t, p.BranchName, got.BranchName)
	require.Len(t, got.UserStories, 1)

	require.NoError(t, os.WriteFile(st.PlanPath("001-a"), []byte(`{"schema_version":1}`), 0o644))
	_, err = st.ReadPlan("001-a")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestAppendHealing(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.CreateItem(newItem("001-a")))
	require.NoError(t, st.AppendHealing("001-a", map[string]any{"class": "git-lock", "attempt": 1}))
	require.NoError(t, st.AppendHealing("001-a", map[string]any{"class": "git-lock", "attempt": 2}))

	lines, err := st.ReadHealing("001-a")
	require.NoError(t, err)
	assert.Len(t, lines, 2)

	global, err := os.ReadFile(filepath.Join(st.Root(), "healing-log.jsonl"))
	require.NoError(t, err)
	assert.NotEmpty(t, global)
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "item.json")
	require.NoError(t, WriteFileAtomic(path, []byte("one")))
	require.NoError(t, WriteFileAtomic(path, []byte("two")))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))

	matches, err := filepath.Glob(filepath.Join(dir, ".item.json.tmp-*"))
	require.NoError(t, err)
	// Fresh temps of concurrent writers are tolerated; our own must be gone.
	for _, m := range matches {
		info, err := os.Stat(m)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		require.NoError(t, err)
		assert.True(t, info.ModTime().After(time.Now().Add(-time.Minute)))
	}
}
