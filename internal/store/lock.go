package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wreckit/wreckit/internal/procutil"
)

// Per-item advisory locking. A sidecar lock file records the holder's
// PID and acquisition time. Writers hold the exclusive lock file;
// readers hold per-PID shared sidecars and are admitted only while no
// exclusive lock exists. A lock strictly older than the staleness
// threshold whose holder is no longer alive may be stolen exactly once;
// concurrent stealers race through claim files and the lowest live PID
// wins deterministically.

const lockFileName = "item.lock"

var ErrLockTimeout = errors.New("lock acquisition timed out")

type LockMode string

const (
	LockShared    LockMode = "shared"
	LockExclusive LockMode = "exclusive"
)

type lockRecord struct {
	PID        int       `json:"pid"`
	Mode       LockMode  `json:"mode"`
	AcquiredAt time.Time `json:"acquired_at"`

	// Nonce identifies one acquisition attempt. The PID alone cannot
	// distinguish two goroutines of the same process, so re-entry while
	// draining readers matches on the nonce, not the PID.
	Nonce string `json:"nonce,omitempty"`
}

// LockOptions tunes acquisition. Zero values take the defaults; Now,
// Alive and PID exist so tests can simulate stale holders.
type LockOptions struct {
	Timeout      time.Duration
	Stale        time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration

	Now   func() time.Time
	Alive func(pid int) bool
	PID   int
}

func defaultLockOptions() LockOptions {
	return LockOptions{
		Timeout:      5 * time.Second,
		Stale:        60 * time.Second,
		InitialDelay: 25 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
	}
}

func (o LockOptions) normalized() LockOptions {
	d := defaultLockOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.Stale <= 0 {
		o.Stale = d.Stale
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = d.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Alive == nil {
		o.Alive = procutil.Alive
	}
	if o.PID == 0 {
		o.PID = os.Getpid()
	}
	return o
}

func acquireLock(path string, mode LockMode, opts LockOptions) (func(), error) {
	opts = opts.normalized()
	switch mode {
	case LockShared, LockExclusive:
	default:
		return nil, fmt.Errorf("invalid lock mode %q", mode)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	nonce := newLockNonce()
	deadline := opts.Now().Add(opts.Timeout)
	delay := opts.InitialDelay
	for {
		var acquired func()
		var err error
		if mode == LockExclusive {
			acquired, err = tryExclusive(path, nonce, opts)
		} else {
			acquired, err = tryShared(path, opts)
		}
		if err != nil {
			return nil, err
		}
		if acquired != nil {
			return acquired, nil
		}
		if opts.Now().After(deadline) {
			if mode == LockExclusive {
				// Drop a half-acquired exclusive file (created but still
				// waiting for readers to drain) so it cannot wedge peers.
				if rec, rerr := readLockRecord(path); rerr == nil && rec.Nonce == nonce && rec.Mode == LockExclusive {
					_ = os.Remove(path)
				}
			}
			return nil, fmt.Errorf("%w after %s: %s", ErrLockTimeout, opts.Timeout, path)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

func tryExclusive(path, nonce string, opts LockOptions) (func(), error) {
	ok, err := createLockFile(path, LockExclusive, nonce, opts)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Re-entry while draining readers: the exclusive file may already
		// be ours from a previous attempt in this acquisition loop. Only
		// the nonce says so; another goroutine of this process writes the
		// same PID.
		rec, rerr := readLockRecord(path)
		if rerr != nil || rec.Nonce != nonce || rec.Mode != LockExclusive {
			maybeSteal(path, opts)
			return nil, nil
		}
	}
	// Writer priority: the exclusive file blocks new readers; wait for
	// the live shared holders to drain.
	if pids := liveSharedHolders(path, opts); len(pids) > 0 {
		return nil, nil // keep the exclusive file, retry until drained
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		_ = os.Remove(path)
	}, nil
}

func tryShared(path string, opts LockOptions) (func(), error) {
	if lockFileExists(path) {
		maybeSteal(path, opts)
		return nil, nil
	}
	side := sharedPath(path, opts.PID)
	rec := lockRecord{PID: opts.PID, Mode: LockShared, AcquiredAt: opts.Now().UTC()}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(side, append(b, '\n'), 0o644); err != nil {
		return nil, err
	}
	// A writer may have created the exclusive file between the check and
	// the sidecar write; in that race the writer wins.
	if lockFileExists(path) {
		_ = os.Remove(side)
		return nil, nil
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		_ = os.Remove(side)
	}, nil
}

func newLockNonce() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b[:])
}

func createLockFile(path string, mode LockMode, nonce string, opts LockOptions) (bool, error) {
	rec := lockRecord{PID: opts.PID, Mode: mode, AcquiredAt: opts.Now().UTC(), Nonce: nonce}
	b, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	_, werr := f.Write(append(b, '\n'))
	cerr := f.Close()
	if werr != nil {
		_ = os.Remove(path)
		return false, werr
	}
	if cerr != nil {
		_ = os.Remove(path)
		return false, cerr
	}
	return true, nil
}

func lockFileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readLockRecord(path string) (*lockRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec lockRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("lock file %s: %w", path, err)
	}
	return &rec, nil
}

// maybeSteal removes a stale lock whose recorded holder is dead. Age at
// exactly the threshold does not qualify; it must be strictly greater.
// Competing stealers register claim files and the lowest live PID wins;
// losers withdraw and fall back to the normal backoff loop.
func maybeSteal(path string, opts LockOptions) {
	rec, err := readLockRecord(path)
	if err != nil {
		// Unreadable lock files older than the staleness window are
		// treated as debris from a crashed writer.
		if info, serr := os.Stat(path); serr == nil && opts.Now().Sub(info.ModTime()) > opts.Stale {
			_ = os.Remove(path)
		}
		return
	}
	age := opts.Now().Sub(rec.AcquiredAt)
	if age <= opts.Stale {
		return
	}
	if opts.Alive(rec.PID) {
		return
	}

	claim := claimPath(path, opts.PID)
	if err := os.WriteFile(claim, []byte(strconv.Itoa(opts.PID)+"\n"), 0o644); err != nil {
		return
	}
	defer func() { _ = os.Remove(claim) }()

	winner := opts.PID
	claims, _ := filepath.Glob(path + ".steal.*")
	for _, c := range claims {
		raw := strings.TrimPrefix(filepath.Base(c), filepath.Base(path)+".steal.")
		pid, err := strconv.Atoi(raw)
		if err != nil || pid <= 0 {
			continue
		}
		if pid != opts.PID && !opts.Alive(pid) {
			_ = os.Remove(c) // dead claimant
			continue
		}
		if pid < winner {
			winner = pid
		}
	}
	if winner != opts.PID {
		return // lost the steal race
	}
	// Steal exactly once: remove only the lock we judged stale.
	if cur, err := readLockRecord(path); err == nil && cur.PID == rec.PID && cur.AcquiredAt.Equal(rec.AcquiredAt) {
		_ = os.Remove(path)
	}
}

func liveSharedHolders(path string, opts LockOptions) []int {
	matches, _ := filepath.Glob(path + ".shared.*")
	var pids []int
	for _, m := range matches {
		raw := strings.TrimPrefix(filepath.Base(m), filepath.Base(path)+".shared.")
		pid, err := strconv.Atoi(raw)
		if err != nil || pid <= 0 {
			continue
		}
		if pid == opts.PID || opts.Alive(pid) {
			pids = append(pids, pid)
			continue
		}
		rec, err := readLockRecord(m)
		if err != nil || opts.Now().Sub(rec.AcquiredAt) > opts.Stale {
			_ = os.Remove(m) // dead reader past the staleness window
		}
	}
	return pids
}

func sharedPath(path string, pid int) string {
	return fmt.Sprintf("%s.shared.%d", path, pid)
}

func claimPath(path string, pid int) string {
	return fmt.Sprintf("%s.steal.%d", path, pid)
}

// StaleLocks reports lock files under root whose holders are dead and
// whose age exceeds the staleness threshold. Doctor uses this.
func StaleLocks(root string, opts LockOptions) ([]string, error) {
	opts = opts.normalized()
	var stale []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || filepath.Base(p) != lockFileName {
			return nil
		}
		rec, rerr := readLockRecord(p)
		if rerr != nil {
			stale = append(stale, p)
			return nil
		}
		if opts.Now().Sub(rec.AcquiredAt) > opts.Stale && !opts.Alive(rec.PID) {
			stale = append(stale, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}
