// Package git wraps the git CLI operations the workspace manager needs.
package git

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner is the subset of git used to manage per-invocation worktrees.
// Commands with a dir argument run inside that worktree; the rest run in the main repository.
type Runner interface {
	WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error
	WorktreeRemove(ctx context.Context, path string, force bool) error
	WorktreeListPorcelain(ctx context.Context) (string, error)
	WorktreePrune(ctx context.Context) error
	DeleteBranch(ctx context.Context, name string) error
	BranchExists(ctx context.Context, name string) (bool, error)
	HasChanges(ctx context.Context, dir string) (bool, error)
	AddAll(ctx context.Context, dir string) error
	Commit(ctx context.Context, dir, message string) error
}

// ExecRunner implements Runner with the git binary.
type ExecRunner struct {
	repoPath string
}

func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

func (r *ExecRunner) RepoPath() string { return r.repoPath }

func (r *ExecRunner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *ExecRunner) WorktreeAddNewBranch(ctx context.Context, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	_, err := r.run(ctx, r.repoPath, args...)
	return err
}

func (r *ExecRunner) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	_, err := r.run(ctx, r.repoPath, append(args, path)...)
	return err
}

func (r *ExecRunner) WorktreeListPorcelain(ctx context.Context) (string, error) {
	return r.run(ctx, r.repoPath, "worktree", "list", "--porcelain")
}

func (r *ExecRunner) WorktreePrune(ctx context.Context) error {
	_, err := r.run(ctx, r.repoPath, "worktree", "prune", "--expire", "now")
	return err
}

func (r *ExecRunner) DeleteBranch(ctx context.Context, name string) error {
	_, err := r.run(ctx, r.repoPath, "branch", "-D", name)
	return err
}

func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.repoPath
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("git show-ref %s: %w", name, err)
	}
	return true, nil
}

func (r *ExecRunner) HasChanges(ctx context.Context, dir string) (bool, error) {
	out, err := r.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (r *ExecRunner) AddAll(ctx context.Context, dir string) error {
	_, err := r.run(ctx, dir, "add", "-A")
	return err
}

func (r *ExecRunner) Commit(ctx context.Context, dir, message string) error {
	_, err := r.run(ctx, dir, "-c", "user.name=workrelay", "-c", "user.email=relay@localhost", "commit", "-m", message)
	return err
}

// Worktree is one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path   string
	Branch string
}

// ParseWorktreeList parses porcelain worktree output.
func ParseWorktreeList(output string) ([]Worktree, error) {
	var (
		res     []Worktree
		current *Worktree
	)
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current != nil {
				res = append(res, *current)
				current = nil
			}
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				res = append(res, *current)
			}
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current != nil {
		res = append(res, *current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse worktree list: %w", err)
	}
	return res, nil
}
