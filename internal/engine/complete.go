package engine

import (
	"context"
	"errors"
	"fmt"

	"workrelay/internal/domain"
	"workrelay/internal/events"
	"workrelay/internal/repo"
	"workrelay/internal/workflow"
)

// HandleInvocation folds a supervisor report into the invocation record and, for terminal
// reports, into workflow state. It is the supervisor's reporter and never returns an error:
// failures are logged because the report arrives on the supervisor's goroutine.
func (e *Engine) HandleInvocation(inv domain.Invocation) {
	if err := e.recordInvocation(context.Background(), inv); err != nil {
		e.log().Error("record invocation", "invocation_id", inv.ID, "workflow_id", inv.WorkflowID, "status", inv.Status, "err", err)
	}
}

func historyKindFor(status domain.InvocationStatus) domain.HistoryKind {
	switch status {
	case domain.InvocationSucceeded:
		return domain.HistoryInvocationSucceeded
	case domain.InvocationTimedOut:
		return domain.HistoryInvocationTimedOut
	default:
		return domain.HistoryInvocationFailed
	}
}

func (e *Engine) recordInvocation(ctx context.Context, inv domain.Invocation) error {
	unlock := e.locks.Lock(inv.WorkflowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetInvocationTx(ctx, tx, inv.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return &domain.NotFoundError{Kind: "invocation", ID: inv.ID}
	}
	if err != nil {
		return err
	}
	// Terminal status is recorded once; late or repeated reports are ignored.
	if cur.Status.Terminal() {
		return nil
	}
	cur.Status = inv.Status
	if inv.WorkspacePath != "" {
		cur.WorkspacePath = inv.WorkspacePath
	}
	if !inv.Deadline.IsZero() {
		cur.Deadline = inv.Deadline
	}
	if inv.StartedAt != nil {
		cur.StartedAt = inv.StartedAt
	}
	cur.Output, cur.ExitCode, cur.FinishedAt = inv.Output, inv.ExitCode, inv.FinishedAt
	if cur.Status.Terminal() && cur.FinishedAt == nil {
		now := e.now()
		cur.FinishedAt = &now
	}
	if err := e.Repo.UpdateInvocationTx(ctx, tx, cur); err != nil {
		return fmt.Errorf("update invocation: %w", err)
	}
	if !cur.Status.Terminal() {
		return tx.Commit()
	}

	actor := cur.AgentID
	if actor == "" {
		actor = "supervisor"
	}
	var reason, pr, summary string
	if cur.Output != nil {
		reason, pr, summary = cur.Output.Error, cur.Output.PullRequest, cur.Output.Summary
	}
	if err := e.Events.Append(ctx, tx, events.InvocationFinished, cur.WorkflowID, "invocation", cur.ID, actor, events.EventPayload{
		"status": cur.Status, "exit_code": cur.ExitCode, "error": reason,
	}); err != nil {
		return err
	}

	w, err := e.Repo.GetWorkflowTx(ctx, tx, cur.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", cur.WorkflowID, err)
	}
	// A cancelled workflow already failed; the invocation is recorded but changes nothing else.
	if w.State != domain.StateDispatched {
		return tx.Commit()
	}
	ev, _ := workflow.EventForInvocation(cur.Status)
	h := domain.HistoryEntry{Kind: historyKindFor(cur.Status), ActorID: actor, InvocationID: cur.ID}
	if cur.Status == domain.InvocationSucceeded {
		_, _, chain := e.snapshot()
		next, _ := chain.Next(cur.AgentRole)
		h.Detail = detail(map[string]any{"summary": summary, "pull_request": pr, "next_reviewer": next})
	} else {
		h.Detail = detail(map[string]any{"error": reason, "exit_code": cur.ExitCode, "workspace_path": cur.WorkspacePath})
	}
	if err := e.transitionTx(ctx, tx, &w, ev, h); err != nil {
		return err
	}
	if cur.Status == domain.InvocationSucceeded {
		if pr != "" {
			if err := e.Ledger.SubscribeTx(ctx, tx, domain.Subscription{WorkItemID: pr, AgentID: cur.AgentID, WorkflowID: w.ID}); err != nil {
				return err
			}
		}
	} else if _, err := e.Ledger.ReleaseWorkflowTx(ctx, tx, w.ID, actor, string(cur.Status)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("workflow advanced", "workflow_id", w.ID, "state", w.State, "invocation_id", cur.ID, "status", cur.Status)
	return nil
}

// RecoverReport counts what Recover cleaned up.
type RecoverReport struct {
	Invocations int `json:"invocations"`
	Workflows   int `json:"workflows"`
	Workspaces  int `json:"workspaces"`
}

const restartReason = "orchestrator restarted"

// Recover fails invocations that a previous process left queued or running, fails their
// workflows, and removes orphaned workspaces. Call it before dispatching new work.
func (e *Engine) Recover(ctx context.Context) (RecoverReport, error) {
	var rep RecoverReport
	stale, err := e.Repo.ListInvocationsByStatus(ctx, domain.InvocationQueued, domain.InvocationRunning)
	if err != nil {
		return rep, err
	}
	var errs []error
	for _, inv := range stale {
		failed, err := e.recoverInvocation(ctx, inv)
		if err != nil {
			e.log().Error("recover invocation", "invocation_id", inv.ID, "workflow_id", inv.WorkflowID, "err", err)
			errs = append(errs, err)
			continue
		}
		rep.Invocations++
		if failed {
			rep.Workflows++
		}
	}
	if e.Workspaces != nil {
		n, err := e.Workspaces.Cleanup(ctx)
		rep.Workspaces = n
		if err != nil {
			e.log().Warn("workspace cleanup", "err", err)
			errs = append(errs, err)
		}
	}
	if rep.Invocations > 0 || rep.Workspaces > 0 {
		e.log().Info("recovered after restart", "invocations", rep.Invocations, "workflows", rep.Workflows, "workspaces", rep.Workspaces)
	}
	return rep, errors.Join(errs...)
}

func (e *Engine) recoverInvocation(ctx context.Context, inv domain.Invocation) (bool, error) {
	unlock := e.locks.Lock(inv.WorkflowID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := e.now()
	inv.Status = domain.InvocationFailed
	inv.Output = &domain.Output{Error: restartReason}
	inv.FinishedAt = &now
	if err := e.Repo.UpdateInvocationTx(ctx, tx, inv); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.InvocationFinished, inv.WorkflowID, "invocation", inv.ID, "relay", events.EventPayload{
		"status": inv.Status, "error": restartReason,
	}); err != nil {
		return false, err
	}
	w, err := e.Repo.GetWorkflowTx(ctx, tx, inv.WorkflowID)
	if err != nil {
		return false, err
	}
	failed := false
	if w.State == domain.StateDispatched {
		if err := e.transitionTx(ctx, tx, &w, workflow.EventInvocationFailed, domain.HistoryEntry{
			Kind:         domain.HistoryRecovered,
			ActorID:      "relay",
			InvocationID: inv.ID,
			Detail:       detail(map[string]any{"error": restartReason}),
		}); err != nil {
			return false, err
		}
		if _, err := e.Ledger.ReleaseWorkflowTx(ctx, tx, w.ID, "relay", "recovered"); err != nil {
			return false, err
		}
		failed = true
	}
	return failed, tx.Commit()
}
