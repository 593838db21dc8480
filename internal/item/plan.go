package item

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type StoryStatus string

const (
	StoryPending StoryStatus = "pending"
	StoryDone    StoryStatus = "done"
)

var storyIDPattern = regexp.MustCompile(`^US-\d{3,}$`)

// Story is one user story inside a plan document. Scope, when present,
// lists the glob patterns naming the story's declared surface; the
// implement loop confines the agent's changes to it.
type Story struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	AcceptanceCriteria []string    `json:"acceptance_criteria"`
	Priority           int         `json:"priority"`
	Status             StoryStatus `json:"status"`
	Notes              string      `json:"notes,omitempty"`
	Scope              []string    `json:"scope,omitempty"`
}

// Plan is the structured plan document stored as prd.json.
type Plan struct {
	SchemaVersion int     `json:"schema_version"`
	ID            string  `json:"id"`
	BranchName    string  `json:"branch_name"`
	UserStories   []Story `json:"user_stories"`
}

func (p *Plan) Validate() error {
	if p.SchemaVersion != SchemaVersion {
		return fmt.Errorf("plan %s: unsupported schema_version %d", p.ID, p.SchemaVersion)
	}
	if !ValidID(p.ID) {
		return fmt.Errorf("plan: invalid item id %q", p.ID)
	}
	if strings.TrimSpace(p.BranchName) == "" {
		return fmt.Errorf("plan %s: branch_name is required", p.ID)
	}
	seen := map[string]struct{}{}
	for i := range p.UserStories {
		s := &p.UserStories[i]
		if !storyIDPattern.MatchString(s.ID) {
			return fmt.Errorf("plan %s: story %q: id must have the US-NNN shape", p.ID, s.ID)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("plan %s: duplicate story id %s", p.ID, s.ID)
		}
		seen[s.ID] = struct{}{}
		if strings.TrimSpace(s.Title) == "" {
			return fmt.Errorf("plan %s: story %s: title is required", p.ID, s.ID)
		}
		switch s.Status {
		case StoryPending, StoryDone:
		default:
			return fmt.Errorf("plan %s: story %s: invalid status %q", p.ID, s.ID, s.Status)
		}
	}
	return nil
}

// Pending returns the stories still to run, in execution order:
// priority ascending, ties broken by id lexicographically. Ordering of
// user_stories on disk is not significant.
func (p *Plan) Pending() []Story {
	var out []Story
	for _, s := range p.UserStories {
		if s.Status == StoryPending {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Story returns a pointer to the story with the given id, or nil.
func (p *Plan) Story(id string) *Story {
	for i := range p.UserStories {
		if p.UserStories[i].ID == id {
			return &p.UserStories[i]
		}
	}
	return nil
}

// MarkDone flips a story pending → done. Flipping any other way is a
// plan invariant violation.
func (p *Plan) MarkDone(storyID, notes string) error {
	s := p.Story(storyID)
	if s == nil {
		return fmt.Errorf("plan %s: no story %s", p.ID, storyID)
	}
	if s.Status == StoryDone {
		return fmt.Errorf("plan %s: story %s is already done", p.ID, storyID)
	}
	s.Status = StoryDone
	if strings.TrimSpace(notes) != "" {
		s.Notes = notes
	}
	return nil
}

func DecodePlan(b []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
