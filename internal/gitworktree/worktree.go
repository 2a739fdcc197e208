// Package gitworktree allocates an isolated git working tree per task so
// concurrent agents never collide on filesystem state, grounded on the
// detergent engine's worktree-per-concern pattern: one branch per unit of
// work, rebased onto the base branch before use, with a reset-hard fallback
// on conflict since these branches are agent-generated and disposable.
//
// Cleanup is reference-counted rather than immediate (see DESIGN.md
// Notes): internal/workerpool acquires a handle for the lifetime of the
// spawned subprocess, and physical removal is deferred until the last
// handle releases it, resolving the race between task completion and a
// concurrent terminate-all.
package gitworktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/substrate/internal/substraterr"
)

// Handle is a reference to one task's checked-out worktree. Acquire/Release
// implement the reference count; the worktree is only physically removed
// once the count drops to zero and Destroy has been requested.
type Handle struct {
	TaskID string
	Path   string
	Branch string

	mgr *Manager
}

// Manager owns the scratch directory worktrees live under and derives
// branch names from task ids.
type Manager struct {
	mu        sync.Mutex
	repoDir   string
	scratch   string
	branchTag string

	refcount      map[string]int
	destroyQueued map[string]bool
	paths         map[string]string
	branches      map[string]string
}

// New creates a Manager rooted at repoDir (the checkout the sessions
// operate on) with worktrees placed under scratchDir.
func New(repoDir, scratchDir, branchTag string) *Manager {
	if branchTag == "" {
		branchTag = "substrate"
	}
	return &Manager{
		repoDir: repoDir, scratch: scratchDir, branchTag: branchTag,
		refcount: make(map[string]int), destroyQueued: make(map[string]bool),
		paths: make(map[string]string), branches: make(map[string]string),
	}
}

// CreateWorktree allocates (or reuses) an isolated checkout for taskID,
// branched from baseBranch, rebased onto baseBranch if the branch already
// existed from a prior attempt. It returns a Handle with an initial
// reference count of 1 — callers must Release when done.
func (m *Manager) CreateWorktree(ctx context.Context, taskID, baseBranch string) (*Handle, error) {
	const op = "gitworktree.CreateWorktree"
	if baseBranch == "" {
		baseBranch = "main"
	}

	m.mu.Lock()
	if path, exists := m.paths[taskID]; exists {
		m.refcount[taskID]++
		branch := m.branches[taskID]
		m.mu.Unlock()
		return &Handle{TaskID: taskID, Path: path, Branch: branch, mgr: m}, nil
	}
	m.mu.Unlock()

	branch := m.branchTag + "/" + taskID
	path := WorktreePath(m.scratch, m.branchTag, taskID)

	if err := m.ensureBranch(ctx, branch, baseBranch); err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		if err := m.addWorktree(ctx, path, branch); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
	}
	if err := rebaseOrReset(ctx, path, baseBranch); err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}

	m.mu.Lock()
	m.paths[taskID] = path
	m.branches[taskID] = branch
	m.refcount[taskID] = 1
	m.mu.Unlock()

	return &Handle{TaskID: taskID, Path: path, Branch: branch, mgr: m}, nil
}

// Acquire bumps a handle's reference count, for a second consumer (e.g. the
// pool manager holding it for the subprocess lifetime alongside the
// dispatcher holding it for result parsing).
func (h *Handle) Acquire() {
	h.mgr.mu.Lock()
	defer h.mgr.mu.Unlock()
	h.mgr.refcount[h.TaskID]++
}

// Release drops the reference count. When it reaches zero, the worktree is
// physically destroyed if Destroy was requested while references were
// still outstanding.
func (h *Handle) Release(ctx context.Context) error {
	h.mgr.mu.Lock()
	h.mgr.refcount[h.TaskID]--
	shouldDestroy := h.mgr.refcount[h.TaskID] <= 0 && h.mgr.destroyQueued[h.TaskID]
	h.mgr.mu.Unlock()

	if shouldDestroy {
		return h.mgr.destroyNow(ctx, h.TaskID)
	}
	return nil
}

// DestroyWorktree requests removal of the task's worktree. If references are
// still outstanding (workerpool still holds the process alive), removal is
// deferred until the last Release.
func (m *Manager) DestroyWorktree(ctx context.Context, taskID string) error {
	m.mu.Lock()
	if m.refcount[taskID] > 0 {
		m.destroyQueued[taskID] = true
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.destroyNow(ctx, taskID)
}

func (m *Manager) destroyNow(ctx context.Context, taskID string) error {
	const op = "gitworktree.destroyNow"
	m.mu.Lock()
	path, ok := m.paths[taskID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", path)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), err))
	}

	m.mu.Lock()
	delete(m.paths, taskID)
	delete(m.branches, taskID)
	delete(m.refcount, taskID)
	delete(m.destroyQueued, taskID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) ensureBranch(ctx context.Context, branch, baseBranch string) error {
	check := exec.CommandContext(ctx, "git", "rev-parse", "--verify", branch)
	check.Dir = m.repoDir
	if err := check.Run(); err == nil {
		return nil
	}
	create := exec.CommandContext(ctx, "git", "branch", branch, baseBranch)
	create.Dir = m.repoDir
	if out, err := create.CombinedOutput(); err != nil {
		return fmt.Errorf("creating branch %s from %s: %s: %w", branch, baseBranch, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (m *Manager) addWorktree(ctx context.Context, path, branch string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "add", path, branch)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree add %s %s: %s: %w", path, branch, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// rebaseOrReset rebases the worktree's branch onto targetBranch. Since these
// branches are entirely agent-generated and disposable, a conflicted rebase
// is aborted and the branch is reset hard onto targetBranch rather than
// requiring manual conflict resolution — the agent simply redoes the work
// from a clean base.
func rebaseOrReset(ctx context.Context, worktreeDir, targetBranch string) error {
	abort := exec.CommandContext(ctx, "git", "rebase", "--abort")
	abort.Dir = worktreeDir
	_, _ = abort.CombinedOutput()

	rebase := exec.CommandContext(ctx, "git", "rebase", targetBranch)
	rebase.Dir = worktreeDir
	if _, err := rebase.CombinedOutput(); err != nil {
		abort := exec.CommandContext(ctx, "git", "rebase", "--abort")
		abort.Dir = worktreeDir
		_, _ = abort.CombinedOutput()

		reset := exec.CommandContext(ctx, "git", "reset", "--hard", targetBranch)
		reset.Dir = worktreeDir
		if out, err := reset.CombinedOutput(); err != nil {
			return fmt.Errorf("rebase onto %s failed and reset also failed: %s: %w", targetBranch, strings.TrimSpace(string(out)), err)
		}
	}
	return nil
}

// WorktreePath derives the scratch-directory path for one task's worktree.
func WorktreePath(scratchDir, branchTag, taskID string) string {
	return filepath.Join(scratchDir, branchTag, filepath.Base(taskID))
}

// HasUncommittedChanges reports whether a worktree has a dirty working tree,
// used by the orchestrator's output-contract recovery path.
func HasUncommittedChanges(ctx context.Context, worktreeDir string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = worktreeDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return false, substraterr.Wrap(substraterr.CodeSystem, "gitworktree.HasUncommittedChanges", err)
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// CommitAll stages and commits every change in a worktree, mirroring the
// detergent engine's commitChanges. Returns false if there was nothing to commit.
func CommitAll(ctx context.Context, worktreeDir, message string) (bool, error) {
	const op = "gitworktree.CommitAll"
	dirty, err := HasUncommittedChanges(ctx, worktreeDir)
	if err != nil {
		return false, err
	}
	if !dirty {
		return false, nil
	}

	stage := exec.CommandContext(ctx, "git", "add", "-A")
	stage.Dir = worktreeDir
	if out, err := stage.CombinedOutput(); err != nil {
		return false, substraterr.Wrap(substraterr.CodeSystem, op, fmt.Errorf("staging: %s: %w", strings.TrimSpace(string(out)), err))
	}

	commit := exec.CommandContext(ctx, "git", "commit", "-m", message)
	commit.Dir = worktreeDir
	if out, err := commit.CombinedOutput(); err != nil {
		return false, substraterr.Wrap(substraterr.CodeSystem, op, fmt.Errorf("committing: %s: %w", strings.TrimSpace(string(out)), err))
	}
	return true, nil
}
