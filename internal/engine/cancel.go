package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"workrelay/internal/domain"
	"workrelay/internal/repo"
	"workrelay/internal/workflow"
)

// Cancel stops a workflow: it signals the supervisor, releases workspaces, releases claims and
// fails the workflow. Every step runs even when an earlier one fails; the failures are joined.
func (e *Engine) Cancel(ctx context.Context, workflowID, actorID, reason string) error {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return &domain.ValidationError{Field: "workflow_id", Reason: "required"}
	}
	if actorID == "" {
		actorID = domain.ExternalUser
	}
	if reason == "" {
		reason = "cancelled"
	}
	unlock := e.locks.Lock(workflowID)
	defer unlock()

	w, err := e.Repo.GetWorkflow(ctx, workflowID)
	if errors.Is(err, repo.ErrNotFound) {
		return &domain.NotFoundError{Kind: "workflow", ID: workflowID}
	}
	if err != nil {
		return err
	}
	if w.State.Terminal() {
		return &domain.ConflictError{Reason: fmt.Sprintf("workflow %s is already %s", w.ID, w.State)}
	}
	log := e.log().With("workflow_id", workflowID, "actor_id", actorID)

	var errs []error
	if e.Supervisor != nil {
		stopped := e.Supervisor.Cancel(workflowID)
		log.Info("cancel signalled", "stopped", stopped)
	}
	if e.Workspaces != nil {
		if err := e.Workspaces.ReleaseWorkflow(ctx, workflowID); err != nil {
			log.Error("cancel: release workspaces", "err", err)
			errs = append(errs, fmt.Errorf("release workspaces: %w", err))
		}
	}
	if err := e.releaseWorkflowClaims(ctx, workflowID, actorID); err != nil {
		log.Error("cancel: release claims", "err", err)
		errs = append(errs, fmt.Errorf("release claims: %w", err))
	}
	if err := e.failCancelled(ctx, workflowID, actorID, reason); err != nil {
		log.Error("cancel: fail workflow", "err", err)
		errs = append(errs, fmt.Errorf("fail workflow: %w", err))
	}
	return errors.Join(errs...)
}

func (e *Engine) releaseWorkflowClaims(ctx context.Context, workflowID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Ledger.ReleaseWorkflowTx(ctx, tx, workflowID, actorID, "cancelled"); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) failCancelled(ctx context.Context, workflowID, actorID, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	w, err := e.Repo.GetWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return err
	}
	if w.State.Terminal() {
		return nil
	}
	if err := e.transitionTx(ctx, tx, &w, workflow.EventCancel, domain.HistoryEntry{
		Kind:    domain.HistoryCancelled,
		ActorID: actorID,
		Detail:  detail(map[string]any{"reason": reason}),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
