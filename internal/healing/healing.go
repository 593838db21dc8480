// Package healing classifies runtime failures into a closed taxonomy and
// drives bounded, class-specific remediation. Every attempt is recorded in
// the workspace healing log so an operator can reconstruct what the engine
// tried before it gave up.
package healing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/wreckit/wreckit/internal/store"
)

// Class is a failure classification. The taxonomy is closed: anything that
// does not match a known pattern is ClassOther and is never retried.
type Class string

const (
	ClassGitLock         Class = "git-lock"
	ClassPackageManager  Class = "package-manager-failure"
	ClassJSONCorruption  Class = "json-corruption"
	ClassPlanValidation  Class = "plan-validation"
	ClassStoryValidation Class = "story-validation"
	ClassOther           Class = "other"
)

// Recoverable reports whether the controller will attempt remediation for
// this class at all.
func (c Class) Recoverable() bool {
	return c != ClassOther
}

// classPattern pairs a class with the substrings that indicate it. Matching
// is case-insensitive and first-match-wins, so more specific classes come
// first.
type classPattern struct {
	class    Class
	patterns []string
}

var classPatterns = []classPattern{
	{ClassGitLock, []string{
		"index.lock",
		"shallow.lock",
		"another git process seems to be running",
		"cannot lock ref",
		"unable to create '",
	}},
	{ClassPackageManager, []string{
		"npm err",
		"npm error",
		"yarn error",
		"pnpm err",
		"pip install",
		"could not resolve host",
		"econnreset",
		"enotfound",
		"etimedout",
		"eai_again",
		"429 too many requests",
		"registry.npmjs.org",
		"proxy.golang.org",
		"failed to fetch",
		"checksum mismatch",
	}},
	{ClassJSONCorruption, []string{
		"invalid character",
		"unexpected end of json input",
		"cannot unmarshal",
		"unexpected eof",
		"json: ",
	}},
	{ClassPlanValidation, []string{
		"plan validation",
		"branch_name",
		"duplicate story id",
		"user_stories",
		"jsonschema validation failed",
	}},
	{ClassStoryValidation, []string{
		"story validation",
		"no files were modified",
		"acceptance criteria",
		"story left no diff",
	}},
}

// Classify maps free-form failure text to a Class. It returns both the
// class and the pattern that matched so the healing log can carry evidence.
func Classify(text string) (Class, string) {
	lower := strings.ToLower(text)
	for _, cp := range classPatterns {
		for _, p := range cp.patterns {
			if strings.Contains(lower, p) {
				return cp.class, p
			}
		}
	}
	return ClassOther, ""
}

// ClassifyError is Classify for error values, with structural hints taking
// precedence over text matching.
func ClassifyError(err error) (Class, string) {
	if err == nil {
		return ClassOther, ""
	}
	if errors.Is(err, store.ErrCorrupt) {
		return ClassJSONCorruption, "store: corrupt document"
	}
	return Classify(err.Error())
}

// Signature is a short stable fingerprint of a failure, used to correlate
// repeated occurrences of the same problem across episodes.
func Signature(class Class, pattern, detail string) string {
	h := blake3.New()
	h.Write([]byte(string(class)))
	h.Write([]byte{0})
	h.Write([]byte(pattern))
	h.Write([]byte{0})
	h.Write([]byte(detail))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// Record is one line of the healing log. One episode (a run of consecutive
// same-class failures on one item) emits one Record per attempt plus a
// terminal record carrying the final outcome.
type Record struct {
	Time      time.Time `json:"time"`
	EpisodeID string    `json:"episode_id"`
	ItemID    string    `json:"item_id"`
	Phase     string    `json:"phase,omitempty"`
	Class     Class     `json:"class"`
	Pattern   string    `json:"pattern,omitempty"`
	Signature string    `json:"signature"`
	Attempt   int       `json:"attempt"`
	Action    string    `json:"action"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Outcome values for Record.Outcome.
const (
	OutcomeRetrying      = "retrying"
	OutcomeRecovered     = "recovered"
	OutcomeUnrecoverable = "unrecoverable"
)

// Result tells the caller what to do after a healing pass.
type Result struct {
	// Retry is true when the failed operation should be attempted again.
	Retry bool
	// Guidance, when non-empty, is corrective text to fold into the next
	// agent prompt for validation-class failures.
	Guidance string
	Class    Class
	// Attempt is the 1-indexed attempt number within the current episode.
	Attempt int
}

// Controller tracks healing episodes per item and enforces the per-class
// consecutive-failure cap. The cap counts consecutive failures of the same
// class on the same item; a success or a different class resets it.
type Controller struct {
	Store   *store.Store
	Cap     int
	Backoff BackoffConfig
	RepoDir string

	// Sleep is swappable in tests.
	Sleep func(time.Duration)
	// Now is swappable in tests.
	Now func() time.Time

	mu       sync.Mutex
	episodes map[string]*episode
	entropy  *rand.Rand
}

type episode struct {
	id       string
	class    Class
	failures int
}

// DefaultCap is the per-class consecutive-failure budget.
const DefaultCap = 3

// NewController wires a healing controller over a workspace store. repoDir
// is the git worktree root used for git-lock remediation.
func NewController(st *store.Store, repoDir string) *Controller {
	return &Controller{
		Store:    st,
		Cap:      DefaultCap,
		Backoff:  defaultBackoffConfig(),
		RepoDir:  repoDir,
		Sleep:    time.Sleep,
		Now:      time.Now,
		episodes: make(map[string]*episode),
		entropy:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Reset clears the episode state for an item. Callers invoke it after the
// failed operation finally succeeds.
func (c *Controller) Reset(itemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.episodes, itemID)
}

// Heal is called with a failure observed while working on itemID during
// phase. It classifies the failure, performs class-specific remediation,
// appends the attempt to the healing log, and reports whether the caller
// should retry.
func (c *Controller) Heal(ctx context.Context, itemID, phase string, failure error) Result {
	detail := ""
	if failure != nil {
		detail = failure.Error()
	}
	class, pattern := ClassifyError(failure)
	sig := Signature(class, pattern, firstLine(detail))

	c.mu.Lock()
	ep := c.episodes[itemID]
	if ep == nil || ep.class != class {
		ep = &episode{id: c.newEpisodeID(), class: class}
		c.episodes[itemID] = ep
	}
	ep.failures++
	attempt := ep.failures
	episodeID := ep.id
	c.mu.Unlock()

	rec := Record{
		Time:      c.Now().UTC(),
		EpisodeID: episodeID,
		ItemID:    itemID,
		Phase:     phase,
		Class:     class,
		Pattern:   pattern,
		Signature: sig,
		Attempt:   attempt,
		Detail:    firstLine(detail),
	}

	if !class.Recoverable() {
		rec.Action = "none"
		rec.Outcome = OutcomeUnrecoverable
		c.append(itemID, rec)
		return Result{Retry: false, Class: class, Attempt: attempt}
	}
	if attempt > c.Cap {
		rec.Action = "none"
		rec.Outcome = OutcomeUnrecoverable
		rec.Detail = fmt.Sprintf("class %s exceeded %d consecutive failures", class, c.Cap)
		c.append(itemID, rec)
		return Result{Retry: false, Class: class, Attempt: attempt}
	}

	action, guidance := c.remediate(ctx, class, attempt, detail, episodeID)
	rec.Action = action
	rec.Outcome = OutcomeRetrying
	c.append(itemID, rec)
	return Result{Retry: true, Guidance: guidance, Class: class, Attempt: attempt}
}

// NoteRecovered records the terminal success line for the item's current
// episode, if one is open, and clears it.
func (c *Controller) NoteRecovered(itemID, phase string) {
	c.mu.Lock()
	ep := c.episodes[itemID]
	delete(c.episodes, itemID)
	c.mu.Unlock()
	if ep == nil {
		return
	}
	c.append(itemID, Record{
		Time:      c.Now().UTC(),
		EpisodeID: ep.id,
		ItemID:    itemID,
		Phase:     phase,
		Class:     ep.class,
		Signature: Signature(ep.class, "", ""),
		Attempt:   ep.failures,
		Action:    "none",
		Outcome:   OutcomeRecovered,
	})
}

func (c *Controller) remediate(ctx context.Context, class Class, attempt int, detail, seed string) (action, guidance string) {
	switch class {
	case ClassGitLock:
		c.clearStaleGitLock()
		c.wait(ctx, attempt, seed)
		return "cleared stale git lock and backed off", ""
	case ClassPackageManager:
		c.wait(ctx, attempt, seed)
		return "backed off before retrying package manager operation", ""
	case ClassJSONCorruption:
		return "requested regenerated document", fmt.Sprintf(
			"The previous structured document was invalid JSON or failed its schema:\n%s\nRegenerate the complete document from scratch; do not patch the broken one.",
			firstLine(detail))
	case ClassPlanValidation:
		return "requested corrected plan", fmt.Sprintf(
			"The previous prd.json failed validation:\n%s\nEvery story needs a unique US-NNN id, a title, and status pending or done; branch_name is required.",
			firstLine(detail))
	case ClassStoryValidation:
		return "requested corrected story implementation", fmt.Sprintf(
			"The previous attempt at this story failed validation:\n%s\nThe story must modify at least one file and stay within its declared scope.",
			firstLine(detail))
	default:
		return "none", ""
	}
}

// clearStaleGitLock removes .git/index.lock when no live git process can
// own it. Age under 10s is assumed to belong to a running git invocation.
func (c *Controller) clearStaleGitLock() {
	if c.RepoDir == "" {
		return
	}
	lock := filepath.Join(c.RepoDir, ".git", "index.lock")
	fi, err := os.Stat(lock)
	if err != nil {
		return
	}
	if c.Now().Sub(fi.ModTime()) < 10*time.Second {
		return
	}
	os.Remove(lock)
}

func (c *Controller) wait(ctx context.Context, attempt int, seed string) {
	d := DelayForAttempt(attempt, c.Backoff, fmt.Sprintf("%s:%d", seed, attempt))
	if d <= 0 {
		return
	}
	if c.Sleep != nil && ctx.Err() == nil {
		c.Sleep(d)
	}
}

func (c *Controller) append(itemID string, rec Record) {
	if c.Store == nil {
		return
	}
	// Log write failures are swallowed; healing must not fail because the
	// audit trail is unwritable.
	_ = c.Store.AppendHealing(itemID, rec)
}

// newEpisodeID must be called with c.mu held; the entropy source is not
// safe for concurrent use.
func (c *Controller) newEpisodeID() string {
	return ulid.MustNew(ulid.Timestamp(c.Now()), c.entropy).String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
