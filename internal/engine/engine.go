// Package engine is the orchestrator: it accepts messages, drives workflow state and folds
// invocation outcomes back into history.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"workrelay/internal/config"
	"workrelay/internal/domain"
	"workrelay/internal/events"
	"workrelay/internal/keylock"
	"workrelay/internal/ledger"
	"workrelay/internal/repo"
	"workrelay/internal/router"
	"workrelay/internal/supervisor"
	"workrelay/internal/workflow"
)

// Workspaces is what the engine needs from the workspace manager for cancellation and recovery.
type Workspaces interface {
	ReleaseWorkflow(ctx context.Context, workflowID string) error
	Cleanup(ctx context.Context) (int, error)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Ledger     *ledger.Ledger
	Supervisor supervisor.Supervisor
	Workspaces Workspaces
	Logger     *slog.Logger
	Now        func() time.Time

	mu     sync.RWMutex
	cfg    *config.Config
	router *router.Router
	chain  workflow.ReviewChain

	// locks serializes mutations per workflow id. Never acquire one while holding a transaction.
	locks keylock.Set
}

func New(db *sql.DB, cfg *config.Config) (*Engine, error) {
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Logger: slog.Default(),
		Now:    time.Now,
	}
	e.Ledger = ledger.New(db, e.now)
	e.Events.Now = e.now
	if err := e.SetConfig(cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// SetConfig swaps the agent registry, routing tables and review chain. Work already in
// flight keeps the decisions it was made with.
func (e *Engine) SetConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config not loaded")
	}
	rt, err := router.New(cfg.Routing)
	if err != nil {
		return err
	}
	chain, err := workflow.NewReviewChain(cfg.Review.Chain, cfg.Review.FinalRole)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg, e.router, e.chain = cfg, rt, chain
	e.mu.Unlock()
	return nil
}

func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) snapshot() (*config.Config, *router.Router, workflow.ReviewChain) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.router, e.chain
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Status returns a snapshot of the workflow with its full history and invocations.
func (e *Engine) Status(ctx context.Context, id string) (domain.Workflow, error) {
	w, err := e.Repo.GetWorkflow(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Workflow{}, &domain.NotFoundError{Kind: "workflow", ID: id}
	}
	if err != nil {
		return domain.Workflow{}, err
	}
	if w.History, err = e.Repo.ListHistory(ctx, id); err != nil {
		return domain.Workflow{}, err
	}
	if w.Invocations, err = e.Repo.ListInvocations(ctx, id); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

type ListOptions struct {
	State  string
	Domain string
	Limit  int
}

// ListWorkflows returns workflows newest first, without history.
func (e *Engine) ListWorkflows(ctx context.Context, opts ListOptions) ([]domain.Workflow, error) {
	if opts.State != "" {
		switch domain.State(opts.State) {
		case domain.StateCreated, domain.StateDispatched, domain.StateAwaitingReview, domain.StateHandoff, domain.StateCompleted, domain.StateFailed:
		default:
			return nil, &domain.ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", opts.State)}
		}
	}
	if opts.Domain != "" {
		d, ok := domain.ParseDomain(opts.Domain)
		if !ok {
			return nil, &domain.ValidationError{Field: "domain", Reason: fmt.Sprintf("unknown domain %q", opts.Domain)}
		}
		opts.Domain = string(d)
	}
	return e.Repo.ListWorkflows(ctx, repo.WorkflowFilters{State: opts.State, Domain: opts.Domain, Limit: opts.Limit})
}

// transitionTx applies ev to w, appends the causing history entry and the audit event, and
// persists the new state. Nothing changes unless the state machine accepts ev.
func (e *Engine) transitionTx(ctx context.Context, tx *sql.Tx, w *domain.Workflow, ev workflow.Event, h domain.HistoryEntry) error {
	to, err := workflow.Transition(w.State, ev)
	if err != nil {
		return &domain.ConflictError{Reason: err.Error()}
	}
	now := e.now()
	h.WorkflowID = w.ID
	h.FromState = w.State
	h.ToState = to
	h.CreatedAt = now
	seq, err := e.Repo.AppendHistoryTx(ctx, tx, h)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	from := w.State
	w.State = to
	w.UpdatedAt = now
	if err := e.Repo.UpdateWorkflowTx(ctx, tx, *w); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	evType := events.WorkflowTransition
	if from == to {
		evType = events.WorkflowNote
	}
	return e.Events.Append(ctx, tx, evType, w.ID, "workflow", w.ID, h.ActorID, events.EventPayload{
		"from":  from,
		"to":    to,
		"event": ev,
		"kind":  h.Kind,
		"seq":   seq,
	})
}

func detail(v map[string]any) json.RawMessage {
	for k, val := range v {
		if val == nil || fmt.Sprint(val) == "" {
			delete(v, k)
		}
	}
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
