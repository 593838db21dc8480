// Package host is the boundary to the pull-request host. The default
// implementation shells out to the gh CLI; repositories without a host
// (no remote, no gh) fall back to the direct-merge path, which is
// represented by a nil Host.
package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// PR identifies an open pull request on the host.
type PR struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// Host creates and inspects pull requests for item branches.
type Host interface {
	// CreateOrUpdatePR opens a pull request for branch against base, or
	// refreshes the body of an existing one. bodyPath names a markdown
	// file with the PR description.
	CreateOrUpdatePR(ctx context.Context, repoDir, branch, base, title, bodyPath string) (*PR, error)

	// PRMerged reports whether the pull request has been merged.
	PRMerged(ctx context.Context, repoDir string, number int) (bool, error)
}

// Detect returns the gh-backed host when the gh CLI is on PATH, or nil
// when the repository must use the direct-merge path.
func Detect() Host {
	if _, err := exec.LookPath("gh"); err != nil {
		return nil
	}
	return &ghHost{}
}

type ghHost struct{}

func (h *ghHost) run(ctx context.Context, repoDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = repoDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (h *ghHost) CreateOrUpdatePR(ctx context.Context, repoDir, branch, base, title, bodyPath string) (*PR, error) {
	_, err := h.run(ctx, repoDir,
		"pr", "create",
		"--head", branch,
		"--base", base,
		"--title", title,
		"--body-file", bodyPath,
	)
	if err != nil {
		// An existing PR for the branch is refreshed, not an error.
		if !strings.Contains(err.Error(), "already exists") {
			return nil, err
		}
		if _, err := h.run(ctx, repoDir, "pr", "edit", branch, "--body-file", bodyPath); err != nil {
			return nil, err
		}
	}
	return h.view(ctx, repoDir, branch)
}

func (h *ghHost) view(ctx context.Context, repoDir, selector string) (*PR, error) {
	out, err := h.run(ctx, repoDir, "pr", "view", selector, "--json", "url,number")
	if err != nil {
		return nil, err
	}
	var pr PR
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return nil, fmt.Errorf("gh pr view %s: decode: %w", selector, err)
	}
	return &pr, nil
}

func (h *ghHost) PRMerged(ctx context.Context, repoDir string, number int) (bool, error) {
	out, err := h.run(ctx, repoDir, "pr", "view", fmt.Sprint(number), "--json", "state")
	if err != nil {
		return false, err
	}
	var v struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return false, fmt.Errorf("gh pr view %d: decode: %w", number, err)
	}
	return strings.EqualFold(v.State, "MERGED"), nil
}

// Stub is an in-memory Host for tests. Zero value behaves like a host
// with no merged PRs.
type Stub struct {
	NextNumber int
	Merged     map[int]bool
	Created    []PR
	CreateErr  error
}

func (s *Stub) CreateOrUpdatePR(ctx context.Context, repoDir, branch, base, title, bodyPath string) (*PR, error) {
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	if s.NextNumber == 0 {
		s.NextNumber = 1
	}
	pr := PR{URL: fmt.Sprintf("https://example.test/pr/%d", s.NextNumber), Number: s.NextNumber}
	s.NextNumber++
	s.Created = append(s.Created, pr)
	return &pr, nil
}

func (s *Stub) PRMerged(ctx context.Context, repoDir string, number int) (bool, error) {
	return s.Merged[number], nil
}
