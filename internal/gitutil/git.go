// Package gitutil wraps the git CLI for the item lifecycle: per-item
// branches, story commits, merges back to the base branch, and the
// working-tree snapshots used for scope enforcement.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Disable git's background auto-maintenance so frequent story commits
	// stay deterministic and don't spawn long-running helper processes.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func CurrentBranch(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// ChangedFiles returns the paths reported dirty by `git status --porcelain`,
// sorted and de-duplicated. Renames report both sides.
func ChangedFiles(dir string) ([]string, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			seen[strings.TrimSpace(path[:idx])] = struct{}{}
			path = strings.TrimSpace(path[idx+4:])
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			seen[path] = struct{}{}
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// CreateBranchAt creates or resets branch to baseSHA.
func CreateBranchAt(dir, branch, baseSHA string) error {
	_, _, err := runGit(dir, "branch", "--force", branch, baseSHA)
	return err
}

func BranchExists(dir, branch string) bool {
	_, _, err := runGit(dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func Checkout(dir, branch string) error {
	_, _, err := runGit(dir, "switch", branch)
	return err
}

func ResetHard(dir, sha string) error {
	_, _, err := runGit(dir, "reset", "--hard", sha)
	return err
}

func AddAll(dir string) error {
	_, _, err := runGit(dir, "add", "-A")
	return err
}

// CommitAll stages everything and commits. If committer identity is
// missing it retries once with a fallback identity without mutating
// repo config. Returns the new HEAD SHA.
func CommitAll(dir, message string) (string, error) {
	if err := AddAll(dir); err != nil {
		return "", err
	}
	_, _, err := runGit(dir, "commit", "--allow-empty", "-m", message)
	if err != nil {
		if strings.Contains(err.Error(), "Author identity unknown") ||
			strings.Contains(err.Error(), "Please tell me who you are") ||
			strings.Contains(err.Error(), "unable to auto-detect email address") {
			_, _, err = runGit(
				dir,
				"-c", "user.name=wreckit",
				"-c", "user.email=wreckit@local",
				"commit", "--allow-empty", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

// Push pushes a branch to the named remote. Failures are returned but a
// missing remote should not abort an item; callers decide.
func Push(dir, remote, branch string) error {
	_, _, err := runGit(dir, "push", "--set-upstream", remote, branch)
	return err
}

// ForcePush force-pushes a branch. Only the rollback path uses this.
func ForcePush(dir, remote, branch string) error {
	_, _, err := runGit(dir, "push", "--force", remote, branch)
	return err
}

func HasRemote(dir, remote string) bool {
	out, _, err := runGit(dir, "remote")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == remote {
			return true
		}
	}
	return false
}

// Merge merges ref into the currently checked-out branch, preferring a
// fast-forward and falling back to a merge commit.
func Merge(dir, ref, message string) error {
	_, _, err := runGit(dir, "merge", "--ff", "-m", message, ref)
	return err
}

// DiffNameOnly returns file paths changed between baseRef and HEAD.
func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// DiffAddedLines returns the added-line content of the diff between
// baseRef and the working tree. Used by the secret scan: only text the
// agent introduced is inspected.
func DiffAddedLines(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", baseRef)
	if err != nil {
		return nil, err
	}
	var added []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
			added = append(added, line[1:])
		}
	}
	return added, nil
}

// SHAExists reports whether sha names a commit reachable in the repo.
func SHAExists(dir, sha string) bool {
	_, _, err := runGit(dir, "cat-file", "-e", sha+"^{commit}")
	return err == nil
}

// Init creates a repository with an initial empty commit, for tests and
// for doctor's self-checks.
func Init(dir string) error {
	if _, _, err := runGit(dir, "init", "-q"); err != nil {
		return err
	}
	_, err := CommitAll(dir, "init")
	return err
}
