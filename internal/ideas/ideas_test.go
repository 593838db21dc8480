package ideas

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wreckit/wreckit/internal/item"
	"github.com/wreckit/wreckit/internal/store"
)

func TestParseParagraphs(t *testing.T) {
	got := Parse("Add retry to the fetcher\nwith capped backoff\n\nSupport YAML config")
	require.Len(t, got, 2)
	assert.Equal(t, "Add retry to the fetcher", got[0].Title)
	assert.Contains(t, got[0].Overview, "capped backoff")
	assert.Equal(t, "Support YAML config", got[1].Title)
}

func TestParseBullets(t *testing.T) {
	got := Parse("- first thing\n- second thing\n* third thing")
	require.Len(t, got, 3)
	assert.Equal(t, "first thing", got[0].Title)
	assert.Equal(t, "second thing", got[1].Title)
	assert.Equal(t, "third thing", got[2].Title)
}

func TestParseStripsDreamPrefixes(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"I want to add dark mode.", "add dark mode"},
		{"We should cache the index", "cache the index"},
		{"idea: faster startup", "faster startup"},
		{"TODO: fix the flaky test", "fix the flaky test"},
	}
	for _, tt := range tests {
		got := Parse(tt.in)
		require.Len(t, got, 1, tt.in)
		assert.Equal(t, tt.want, got[0].Title, tt.in)
	}
}

func TestParseEmptyInput(t *testing.T) {
	assert.Empty(t, Parse(""))
	assert.Empty(t, Parse("\n\n  \n"))
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Add dark mode", "add-dark-mode"},
		{"fix  the   spacing!!!", "fix-the-spacing"},
		{"HTTP/2 support", "http-2-support"},
		{"--already--hyphenated--", "already-hyphenated"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), tt.in)
	}
}

func TestSlugCapsOnHyphenBoundary(t *testing.T) {
	long := strings.Repeat("word ", 20)
	slug := Slug(long)
	assert.LessOrEqual(t, len(slug), maxSlugLen)
	assert.False(t, strings.HasSuffix(slug, "-"))
	assert.False(t, strings.HasPrefix(slug, "-"))
	assert.NotContains(t, slug, "wor-", "the cap lands between words, not inside one")
}

func TestDuplicate(t *testing.T) {
	existing := []*item.Item{
		{ID: "001-add-dark-mode", Title: "Add dark mode"},
		{ID: "002-cache-index", Title: "Cache the search index"},
	}

	id, dup := Duplicate("add  DARK   mode", existing, 0.85)
	assert.True(t, dup, "normalized exact match")
	assert.Equal(t, "001-add-dark-mode", id)

	id, dup = Duplicate("Add dark modes", existing, 0.85)
	assert.True(t, dup, "near match above the similarity threshold")
	assert.Equal(t, "001-add-dark-mode", id)

	_, dup = Duplicate("Completely unrelated telemetry work", existing, 0.85)
	assert.False(t, dup)

	_, dup = Duplicate("Add dark modes", existing, 0.999)
	assert.False(t, dup, "a stricter threshold admits the near match")
}

func TestAddCreatesRawItems(t *testing.T) {
	st, err := store.Init(t.TempDir(), false)
	require.NoError(t, err)

	results, err := Add(st, "Add dark mode\n\nCache the search index", 0.85)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "001-add-dark-mode", results[0].ItemID)
	assert.Equal(t, "002-cache-the-search-index", results[1].ItemID)

	it, err := st.ReadItem("001-add-dark-mode")
	require.NoError(t, err)
	assert.Equal(t, item.StateRaw, it.State)
	assert.Equal(t, "Add dark mode", it.Title)
}

func TestAddSkipsDuplicates(t *testing.T) {
	st, err := store.Init(t.TempDir(), false)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, st.CreateItem(&item.Item{
		ID: "001-add-dark-mode", Title: "Add dark mode", State: item.StateRaw,
		CreatedAt: now, UpdatedAt: now,
	}))

	results, err := Add(st, "add dark mode\n\nSupport YAML config", 0.85)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Empty(t, results[0].ItemID)
	assert.Equal(t, "001-add-dark-mode", results[0].Duplicate)
	assert.Equal(t, "002-support-yaml-config", results[1].ItemID)

	items, err := st.ListItems()
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestAddDeduplicatesWithinOneBatch(t *testing.T) {
	st, err := store.Init(t.TempDir(), false)
	require.NoError(t, err)

	results, err := Add(st, "- add dark mode\n- Add Dark Mode", 0.85)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NotEmpty(t, results[0].ItemID)
	assert.Equal(t, results[0].ItemID, results[1].Duplicate,
		"the second occurrence collides with the first")
}

func TestAddRejectsEmptyInput(t *testing.T) {
	st, err := store.Init(t.TempDir(), false)
	require.NoError(t, err)
	_, err = Add(st, "   \n\n", 0.85)
	require.Error(t, err)
}
