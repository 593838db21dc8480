// Package item defines the durable unit of work and its lifecycle state
// machine. Items move raw → researched → planned → implementing → in_pr
// → done; the only backward move is an explicit rollback from done to
// implementing.
package item

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const SchemaVersion = 1

type State string

const (
	StateRaw          State = "raw"
	StateResearched   State = "researched"
	StatePlanned      State = "planned"
	StateImplementing State = "implementing"
	StateInPR         State = "in_pr"
	StateDone         State = "done"
)

// States lists the canonical lifecycle order, index 0..5.
var States = []State{StateRaw, StateResearched, StatePlanned, StateImplementing, StateInPR, StateDone}

func (s State) Index() int {
	for i, st := range States {
		if st == s {
			return i
		}
	}
	return -1
}

func (s State) Valid() bool { return s.Index() >= 0 }

func ParseState(raw string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid item state: %q", raw)
	}
	return s, nil
}

// ValidTransition reports whether from → to is a legal forward move.
// Phases are monotone; the rollback operation is handled separately and
// never goes through this check.
func ValidTransition(from, to State) error {
	fi, ti := from.Index(), to.Index()
	if fi < 0 {
		return fmt.Errorf("invalid item state: %q", from)
	}
	if ti < 0 {
		return fmt.Errorf("invalid item state: %q", to)
	}
	if fi > ti {
		return fmt.Errorf("invalid transition: %s -> %s moves backward", from, to)
	}
	return nil
}

var idPattern = regexp.MustCompile(`^\d{3,}-[a-z0-9][a-z0-9-]*$`)

// ValidID reports whether id has the NNN-slug shape.
func ValidID(id string) bool { return idPattern.MatchString(id) }

// Item is the persistent work-item record stored as item.json.
type Item struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Overview    string     `json:"overview"`
	State       State      `json:"state"`
	Branch      string     `json:"branch,omitempty"`
	PRURL       string     `json:"pr_url,omitempty"`
	PRNumber    int        `json:"pr_number,omitempty"`
	RollbackSHA string     `json:"rollback_sha,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Campaign    string     `json:"campaign,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// extra preserves unknown keys across load/store so newer schema
	// fields survive a round-trip through an older binary.
	extra map[string]json.RawMessage
}

var itemKnownKeys = map[string]struct{}{
	"schema_version": {}, "id": {}, "title": {}, "overview": {}, "state": {},
	"branch": {}, "pr_url": {}, "pr_number": {}, "rollback_sha": {},
	"depends_on": {}, "campaign": {}, "last_error": {},
	"created_at": {}, "updated_at": {}, "completed_at": {},
}

func (it *Item) UnmarshalJSON(b []byte) error {
	type alias Item
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*it = Item(a)
	for k, v := range raw {
		if _, known := itemKnownKeys[k]; known {
			continue
		}
		if it.extra == nil {
			it.extra = map[string]json.RawMessage{}
		}
		it.extra[k] = v
	}
	return nil
}

func (it Item) MarshalJSON() ([]byte, error) {
	type alias Item
	b, err := json.Marshal(alias(it))
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	m["schema_version"], _ = json.Marshal(SchemaVersion)
	for k, v := range it.extra {
		if _, known := itemKnownKeys[k]; !known {
			m[k] = v
		}
	}
	// encoding/json sorts map keys, which gives the stable key ordering
	// the on-disk format requires.
	return json.Marshal(m)
}

// Validate checks the record invariants that must hold regardless of
// which phase produced the record.
func (it *Item) Validate() error {
	if !ValidID(it.ID) {
		return fmt.Errorf("item %q: id must have the NNN-slug shape", it.ID)
	}
	if !it.State.Valid() {
		return fmt.Errorf("item %s: invalid state %q", it.ID, it.State)
	}
	if it.State.Index() >= StateInPR.Index() && strings.TrimSpace(it.Branch) == "" {
		return fmt.Errorf("item %s: state %s requires a branch", it.ID, it.State)
	}
	for _, dep := range it.DependsOn {
		if dep == it.ID {
			return fmt.Errorf("item %s: depends on itself", it.ID)
		}
	}
	return nil
}

// Rollback resets a done item to implementing, clearing the completion
// bookkeeping. Callers must have verified RollbackSHA beforehand.
func (it *Item) Rollback(now time.Time) error {
	if it.State != StateDone {
		return fmt.Errorf("item %s: rollback requires state done, have %s", it.ID, it.State)
	}
	if strings.TrimSpace(it.RollbackSHA) == "" {
		return fmt.Errorf("item %s: rollback requires a rollback_sha", it.ID)
	}
	it.State = StateImplementing
	it.RollbackSHA = ""
	it.CompletedAt = nil
	it.LastError = ""
	it.UpdatedAt = now.UTC()
	return nil
}
