// Package workspace provisions isolated git worktrees for agent sessions.
// Each project gets its own worktree on a dedicated branch, so a session's
// subprocess mutates only its own checkout.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager provisions worktrees under root for a single source repository.
// It implements the supervisor's Provisioner contract.
type Manager struct {
	srcRepo    string
	root       string
	baseBranch string
}

// NewManager creates a manager for the given source repository. Worktrees
// are created under root (default "<srcRepo>/.orchard/worktrees") from
// baseBranch (default "main").
func NewManager(srcRepo, root, baseBranch string) (*Manager, error) {
	gitPath := filepath.Join(srcRepo, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source must be the main repository, not a worktree")
	}
	if root == "" {
		root = filepath.Join(srcRepo, ".orchard", "worktrees")
	}
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Manager{srcRepo: srcRepo, root: root, baseBranch: baseBranch}, nil
}

// Provision creates (or reuses) the project's worktree and returns its
// path. The worktree lives on branch "orchard/<projectID>", created from
// the base branch on first use.
func (m *Manager) Provision(ctx context.Context, projectID string) (string, error) {
	if projectID == "" {
		return m.srcRepo, nil
	}

	path := filepath.Join(m.root, projectID)
	branch := "orchard/" + projectID

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path, nil
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return "", fmt.Errorf("creating worktree root: %w", err)
	}

	// Hooks are disabled during worktree add so repo-local hooks cannot
	// interfere with provisioning.
	noHooksDir, err := os.MkdirTemp("", "orchard-nohooks")
	if err != nil {
		return "", fmt.Errorf("create temp hooks dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(noHooksDir) }()

	args := []string{"-C", m.srcRepo, "-c", "core.hooksPath=" + noHooksDir, "worktree", "add"}
	if m.branchExists(ctx, branch) {
		args = append(args, path, branch)
	} else {
		args = append(args, "-b", branch, path, m.baseBranch)
	}
	if out, err := m.git(ctx, args...); err != nil {
		if out != "" {
			return "", fmt.Errorf("creating worktree: %s: %w", out, err)
		}
		return "", fmt.Errorf("creating worktree: %w", err)
	}
	return path, nil
}

// Teardown removes the project's worktree. Removing a missing worktree is
// not an error.
func (m *Manager) Teardown(ctx context.Context, projectID string) error {
	if projectID == "" {
		return nil
	}
	path := filepath.Join(m.root, projectID)
	out, err := m.git(ctx, "-C", m.srcRepo, "worktree", "remove", path, "--force")
	if err != nil {
		if strings.Contains(out, "not a working tree") ||
			strings.Contains(out, "not found") ||
			strings.Contains(out, "No such file") {
			return nil
		}
		if out != "" {
			return fmt.Errorf("removing worktree %s: %s: %w", path, out, err)
		}
		return fmt.Errorf("removing worktree %s: %w", path, err)
	}
	return nil
}

// List returns the paths of all worktrees under this manager's root, parsed
// from git's porcelain listing.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", m.srcRepo, "worktree", "list", "--porcelain")
	var out strings.Builder
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(out.String(), "\n") {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		path := strings.TrimPrefix(line, "worktree ")
		if rel, err := filepath.Rel(m.root, path); err == nil && !strings.HasPrefix(rel, "..") {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

func (m *Manager) branchExists(ctx context.Context, branch string) bool {
	return exec.CommandContext(ctx, "git", "-C", m.srcRepo, "rev-parse", "--verify", branch).Run() == nil
}

// git runs a git command, returning trimmed stderr alongside any error.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stderr.String()), err
}
