// Package ideas turns free text into backlog items: one idea per
// paragraph (or list bullet), slugged into the NNN-slug id shape, with
// near-duplicate titles rejected against the existing backlog.
package ideas

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/xrash/smetrics"
	"github.com/zeebo/blake3"

	"github.com/wreckit/wreckit/internal/item"
	"github.com/wreckit/wreckit/internal/store"
)

// dreamPrefixes are conversational lead-ins stripped from idea titles.
var dreamPrefixes = []string{
	"i want to", "i'd like to", "we should", "it would be nice to",
	"idea:", "todo:", "dream:", "maybe",
}

const maxSlugLen = 48

// Idea is one parsed candidate before it becomes an item.
type Idea struct {
	Title    string
	Overview string
}

// Parse splits free text into ideas. Blank lines separate ideas; lines
// beginning with a list marker start a new idea. The first line is the
// title, the rest the overview.
func Parse(text string) []Idea {
	var ideas []Idea
	var cur []string
	flush := func() {
		if len(cur) == 0 {
			return
		}
		title := cleanTitle(cur[0])
		if title == "" {
			cur = nil
			return
		}
		overview := strings.TrimSpace(strings.Join(cur, "\n"))
		ideas = append(ideas, Idea{Title: title, Overview: overview})
		cur = nil
	}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if marker := listMarker(trimmed); marker != "" {
			flush()
			cur = append(cur, strings.TrimSpace(strings.TrimPrefix(trimmed, marker)))
			continue
		}
		cur = append(cur, trimmed)
	}
	flush()
	return ideas
}

func listMarker(line string) string {
	for _, m := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(line, m) {
			return m
		}
	}
	return ""
}

func cleanTitle(s string) string {
	t := strings.TrimSpace(s)
	lower := strings.ToLower(t)
	for _, p := range dreamPrefixes {
		if strings.HasPrefix(lower, p) {
			t = strings.TrimSpace(t[len(p):])
			break
		}
	}
	return strings.TrimSuffix(t, ".")
}

// Slug lowercases a title and folds every non-alphanumeric run into a
// single hyphen, capped in length on a hyphen boundary where possible.
func Slug(title string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
		if i := strings.LastIndexByte(slug, '-'); i > 0 {
			slug = slug[:i]
		}
	}
	return slug
}

// Fingerprint is an exact content fingerprint of a normalized title.
func Fingerprint(title string) string {
	sum := blake3.Sum256([]byte(normalize(title)))
	return hex.EncodeToString(sum[:8])
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Duplicate reports whether title is a near-duplicate of an existing
// item title: an exact normalized match, or Jaro-Winkler similarity at
// or above threshold.
func Duplicate(title string, existing []*item.Item, threshold float64) (string, bool) {
	norm := normalize(title)
	fp := Fingerprint(title)
	for _, it := range existing {
		if Fingerprint(it.Title) == fp {
			return it.ID, true
		}
		if smetrics.JaroWinkler(norm, normalize(it.Title), 0.7, 4) >= threshold {
			return it.ID, true
		}
	}
	return "", false
}

// Result reports what Add did with one parsed idea.
type Result struct {
	Idea      Idea
	ItemID    string
	Duplicate string // id of the existing item when skipped
}

// Add parses text and creates a raw item per non-duplicate idea.
func Add(st *store.Store, text string, threshold float64) ([]Result, error) {
	ideas := Parse(text)
	if len(ideas) == 0 {
		return nil, fmt.Errorf("no ideas found in input")
	}
	existing, err := st.ListItems()
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, idea := range ideas {
		if dup, ok := Duplicate(idea.Title, existing, threshold); ok {
			results = append(results, Result{Idea: idea, Duplicate: dup})
			continue
		}
		slug := Slug(idea.Title)
		if slug == "" {
			results = append(results, Result{Idea: idea})
			continue
		}
		ord, err := st.NextOrdinal()
		if err != nil {
			return results, err
		}
		now := time.Now().UTC()
		it := &item.Item{
			ID:        fmt.Sprintf("%03d-%s", ord, slug),
			Title:     idea.Title,
			Overview:  idea.Overview,
			State:     item.StateRaw,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateItem(it); err != nil {
			return results, err
		}
		existing = append(existing, it)
		results = append(results, Result{Idea: idea, ItemID: it.ID})
	}
	return results, nil
}
