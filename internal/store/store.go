// Package store owns the on-disk representation of items and their
// phase artifacts under the hidden .wreckit workspace directory. All
// other components go through this API; no entity is shared by
// reference across concurrent writers.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/wreckit/wreckit/internal/item"
)

const (
	// DirName is the conventional hidden workspace directory name.
	DirName = ".wreckit"

	itemFileName    = "item.json"
	planFileName    = "prd.json"
	healingFileName = "healing.jsonl"
	globalHealing   = "healing-log.jsonl"
)

var (
	ErrNotFound = errors.New("not found")
	ErrCorrupt  = errors.New("corrupt")
	ErrExists   = errors.New("already exists")
)

// Store is the artifact store rooted at a .wreckit directory.
type Store struct {
	root string
	lock LockOptions
}

// Open returns a Store for the workspace under repoDir. It does not
// create anything; Init does.
func Open(repoDir string) (*Store, error) {
	root := filepath.Join(repoDir, DirName)
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("workspace %s: %w", root, ErrNotFound)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", root)
	}
	return &Store{root: root, lock: defaultLockOptions()}, nil
}

// Init creates the workspace skeleton. Fails with ErrExists when the
// directory is already present unless force is set.
func Init(repoDir string, force bool) (*Store, error) {
	root := filepath.Join(repoDir, DirName)
	if _, err := os.Stat(root); err == nil && !force {
		return nil, fmt.Errorf("workspace %s: %w", root, ErrExists)
	}
	for _, dir := range []string{root, filepath.Join(root, "items"), filepath.Join(root, "prompts")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{root: root, lock: defaultLockOptions()}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) ItemsDir() string { return filepath.Join(s.root, "items") }

func (s *Store) ItemDir(id string) string { return filepath.Join(s.root, "items", id) }

func (s *Store) ItemPath(id string) string { return filepath.Join(s.ItemDir(id), itemFileName) }

func (s *Store) PlanPath(id string) string { return filepath.Join(s.ItemDir(id), planFileName) }

// ArtifactPath joins an item directory with a named phase artifact
// (research.md, plan.md, pr.md).
func (s *Store) ArtifactPath(id, name string) string {
	return filepath.Join(s.ItemDir(id), name)
}

func (s *Store) PromptPath(phase string) string {
	return filepath.Join(s.root, "prompts", phase+".md")
}

// CreateItem persists a new item record. The id must be unused.
func (s *Store) CreateItem(it *item.Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	dir := s.ItemDir(it.ID)
	if _, err := os.Stat(filepath.Join(dir, itemFileName)); err == nil {
		return fmt.Errorf("item %s: %w", it.ID, ErrExists)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return s.WriteItem(it)
}

// ReadItem loads and validates one item record.
func (s *Store) ReadItem(id string) (*item.Item, error) {
	b, err := os.ReadFile(s.ItemPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("item %s: %w: %v", id, ErrCorrupt, err)
	}
	if err := item.ValidateItemDoc(doc); err != nil {
		return nil, fmt.Errorf("item %s: %w: %v", id, ErrCorrupt, err)
	}
	var it item.Item
	if err := json.Unmarshal(b, &it); err != nil {
		return nil, fmt.Errorf("item %s: %w: %v", id, ErrCorrupt, err)
	}
	return &it, nil
}

// WriteItem atomically persists an item record. After a successful
// return any subsequent ReadItem observes exactly this record or a
// later write; a failed write leaves the previous bytes intact.
func (s *Store) WriteItem(it *item.Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(it, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.ItemPath(it.ID), append(b, '\n'))
}

// ListItems returns every item record sorted by id (ordinal order, since
// ordinals are zero-padded).
func (s *Store) ListItems() ([]*item.Item, error) {
	entries, err := os.ReadDir(s.ItemsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var items []*item.Item
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		it, err := s.ReadItem(e.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // bare directory without a record yet
			}
			return nil, err
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// NextOrdinal returns the next unassigned item ordinal. Ordinals are
// monotone: holes left by operator deletion are never reused.
func (s *Store) NextOrdinal() (int, error) {
	entries, err := os.ReadDir(s.ItemsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 1, nil
		}
		return 0, err
	}
	max := 0
	for _, e := range entries {
		name := e.Name()
		idx := strings.IndexByte(name, '-')
		if idx <= 0 {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(name[:idx], "%d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// ReadPlan loads and validates the plan document for an item.
func (s *Store) ReadPlan(id string) (*item.Plan, error) {
	b, err := os.ReadFile(s.PlanPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("plan for %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("plan for %s: %w: %v", id, ErrCorrupt, err)
	}
	if err := item.ValidatePlanDoc(doc); err != nil {
		return nil, fmt.Errorf("plan for %s: %w: %v", id, ErrCorrupt, err)
	}
	p, err := item.DecodePlan(b)
	if err != nil {
		return nil, fmt.Errorf("plan for %s: %w: %v", id, ErrCorrupt, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("plan for %s: %w: %v", id, ErrCorrupt, err)
	}
	return p, nil
}

// WritePlan atomically persists the plan document for an item.
func (s *Store) WritePlan(p *item.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.PlanPath(p.ID), append(b, '\n'))
}

// AppendHealing appends one JSON line to the item's healing log and to
// the workspace-wide audit trail. Both files are append-only.
func (s *Store) AppendHealing(id string, entry any) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line := append(b, '\n')
	if err := appendFile(filepath.Join(s.ItemDir(id), healingFileName), line); err != nil {
		return err
	}
	return appendFile(filepath.Join(s.root, globalHealing), line)
}

// ReadHealing returns the raw JSON lines of an item's healing log.
func (s *Store) ReadHealing(id string) ([]json.RawMessage, error) {
	b, err := os.ReadFile(filepath.Join(s.ItemDir(id), healingFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []json.RawMessage
	for _, line := range strings.Split(string(b), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, json.RawMessage(line))
	}
	return out, nil
}

// Lock acquires the per-item scoped lock. The returned release func is
// safe to call more than once.
func (s *Store) Lock(id string, mode LockMode) (release func(), err error) {
	return acquireLock(filepath.Join(s.ItemDir(id), lockFileName), mode, s.lock)
}

// SetLockOptions overrides lock tuning; tests use this to shrink
// timeouts and inject liveness.
func (s *Store) SetLockOptions(opts LockOptions) { s.lock = opts }

func appendFile(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(b); err != nil {
		return err
	}
	return f.Sync()
}

// WriteFileAtomic writes to a temporary sibling with a random suffix
// and renames it over the target, so partial writes are never
// observable. Stale temp siblings from earlier failed writes are swept
// after a successful rename.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	sweepTemp(dir, base, tmpName)
	return nil
}

func sweepTemp(dir, base, keep string) {
	matches, err := filepath.Glob(filepath.Join(dir, "."+base+".tmp-*"))
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-time.Minute)
	for _, m := range matches {
		if m == keep {
			continue
		}
		// Leave very fresh temps alone; they may belong to a concurrent
		// writer that has not renamed yet.
		if info, err := os.Stat(m); err == nil && info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(m)
	}
}
