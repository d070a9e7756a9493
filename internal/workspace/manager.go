// Package workspace hands out isolated checkouts, one per running invocation.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"workrelay/internal/domain"
	"workrelay/internal/git"
)

// ControlDir holds relay bookkeeping inside a workspace. It is never committed.
const ControlDir = ".relay"

// Mode says what Release does with the checkout's changes.
type Mode string

const (
	Integrate Mode = "integrate"
	Discard   Mode = "discard"
)

// Handle identifies one acquired workspace.
type Handle struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch,omitempty"`
	Seq        int       `json:"seq"`
	CreatedAt  time.Time `json:"created_at"`
}

type Options struct {
	// BaseDir is where checkouts are created.
	BaseDir string
	// Runner enables git worktree mode. Nil means plain directories.
	Runner  git.Runner
	BaseRef string
	Logger  *slog.Logger
	Now     func() time.Time
}

// Manager is safe for concurrent use.
type Manager struct {
	baseDir string
	git     git.Runner
	baseRef string
	log     *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	held map[string]Handle
	seq  map[string]int
	// gitMu serializes commands against the shared repository's worktree metadata.
	gitMu sync.Mutex
}

func New(opts Options) (*Manager, error) {
	if opts.BaseDir == "" {
		return nil, errors.New("workspace base dir required")
	}
	base, err := filepath.Abs(opts.BaseDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, &domain.WorkspaceError{Op: "init", Path: base, Err: err}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		baseDir: base,
		git:     opts.Runner,
		baseRef: opts.BaseRef,
		log:     opts.Logger,
		now:     opts.Now,
		held:    map[string]Handle{},
		seq:     map[string]int{},
	}, nil
}

func (m *Manager) BaseDir() string { return m.baseDir }

// GitMode reports whether checkouts are git worktrees.
func (m *Manager) GitMode() bool { return m.git != nil }

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" {
		s = "workflow"
	}
	return s
}

// Acquire creates a fresh checkout for the workflow. Paths and branches are never reused.
func (m *Manager) Acquire(ctx context.Context, workflowID string) (Handle, error) {
	if strings.TrimSpace(workflowID) == "" {
		return Handle{}, &domain.ValidationError{Field: "workflow_id", Reason: "required"}
	}
	name := safeName(workflowID)

	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	m.mu.Lock()
	n := m.seq[workflowID]
	m.mu.Unlock()

	var h Handle
	for {
		n++
		path := filepath.Join(m.baseDir, fmt.Sprintf("%s-%d", name, n))
		if _, err := os.Stat(path); err == nil {
			continue
		}
		branch := ""
		if m.git != nil {
			branch = fmt.Sprintf("relay/%s/%d", name, n)
			exists, err := m.git.BranchExists(ctx, branch)
			if err != nil {
				return Handle{}, &domain.WorkspaceError{Op: "acquire", Path: path, Err: err}
			}
			if exists {
				continue
			}
		}
		h = Handle{ID: fmt.Sprintf("%s-%d", name, n), WorkflowID: workflowID, Path: path, Branch: branch, Seq: n, CreatedAt: m.now().UTC()}
		break
	}

	if m.git != nil {
		if err := m.git.WorktreeAddNewBranch(ctx, h.Path, h.Branch, m.baseRef); err != nil {
			_ = os.RemoveAll(h.Path)
			return Handle{}, &domain.WorkspaceError{Op: "acquire", Path: h.Path, Err: err}
		}
	} else if err := os.MkdirAll(h.Path, 0o755); err != nil {
		return Handle{}, &domain.WorkspaceError{Op: "acquire", Path: h.Path, Err: err}
	}
	if err := os.MkdirAll(filepath.Join(h.Path, ControlDir), 0o755); err != nil {
		m.discardPartial(ctx, h)
		return Handle{}, &domain.WorkspaceError{Op: "acquire", Path: h.Path, Err: err}
	}

	m.mu.Lock()
	m.seq[workflowID] = n
	m.held[h.ID] = h
	m.mu.Unlock()
	m.log.Debug("workspace acquired", "workflow_id", workflowID, "path", h.Path, "branch", h.Branch)
	return h, nil
}

// Release integrates or discards the checkout and reclaims its disk.
// Releasing a handle that is not held is a no-op. The handle is forgotten even when cleanup fails.
func (m *Manager) Release(ctx context.Context, h Handle, mode Mode) error {
	m.mu.Lock()
	cur, ok := m.held[h.ID]
	if ok {
		delete(m.held, h.ID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	var errs []error
	_ = os.RemoveAll(filepath.Join(cur.Path, ControlDir))
	if m.git != nil && mode == Integrate {
		if err := m.commit(ctx, cur); err != nil {
			errs = append(errs, err)
			mode = Discard
		}
	}
	if m.git != nil {
		if err := m.git.WorktreeRemove(ctx, cur.Path, true); err != nil {
			errs = append(errs, err)
		}
		if mode == Discard {
			if err := m.git.DeleteBranch(ctx, cur.Branch); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := os.RemoveAll(cur.Path); err != nil {
		errs = append(errs, err)
	}
	m.log.Debug("workspace released", "workflow_id", cur.WorkflowID, "path", cur.Path, "mode", mode)
	if len(errs) > 0 {
		return &domain.WorkspaceError{Op: "release", Path: cur.Path, Err: errors.Join(errs...)}
	}
	return nil
}

func (m *Manager) commit(ctx context.Context, h Handle) error {
	dirty, err := m.git.HasChanges(ctx, h.Path)
	if err != nil || !dirty {
		return err
	}
	if err := m.git.AddAll(ctx, h.Path); err != nil {
		return err
	}
	return m.git.Commit(ctx, h.Path, fmt.Sprintf("relay: workflow %s checkout %d", h.WorkflowID, h.Seq))
}

func (m *Manager) discardPartial(ctx context.Context, h Handle) {
	if m.git != nil {
		_ = m.git.WorktreeRemove(ctx, h.Path, true)
		_ = m.git.DeleteBranch(ctx, h.Branch)
	}
	_ = os.RemoveAll(h.Path)
}

// ReleaseWorkflow discards every checkout still held for the workflow.
func (m *Manager) ReleaseWorkflow(ctx context.Context, workflowID string) error {
	var errs []error
	for _, h := range m.Held() {
		if h.WorkflowID != workflowID {
			continue
		}
		if err := m.Release(ctx, h, Discard); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Held lists handles currently out, oldest first.
func (m *Manager) Held() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]Handle, 0, len(m.held))
	for _, h := range m.held {
		res = append(res, h)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res
}

// Cleanup removes checkouts under the base dir that no live handle owns, e.g. left by a crash.
// It returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	live := map[string]bool{}
	for _, h := range m.Held() {
		live[h.Path] = true
	}
	var errs []error
	removed := 0
	if m.git != nil {
		if err := m.git.WorktreePrune(ctx); err != nil {
			errs = append(errs, err)
		}
		out, err := m.git.WorktreeListPorcelain(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			wts, err := git.ParseWorktreeList(out)
			if err != nil {
				errs = append(errs, err)
			}
			for _, wt := range wts {
				if live[wt.Path] || !m.within(wt.Path) {
					continue
				}
				if err := m.git.WorktreeRemove(ctx, wt.Path, true); err != nil {
					errs = append(errs, err)
					continue
				}
				removed++
			}
		}
	}
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		errs = append(errs, err)
		return removed, errors.Join(errs...)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(m.baseDir, e.Name())
		if live[path] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.log.Info("orphaned workspaces removed", "count", removed, "base_dir", m.baseDir)
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) within(path string) bool {
	rel, err := filepath.Rel(m.baseDir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}
