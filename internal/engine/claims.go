package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"workrelay/internal/domain"
	"workrelay/internal/ledger"
	"workrelay/internal/repo"
)

// ClaimTicket asks the ledger for exclusive ownership of a work item. A lost race is reported
// in the result, not as an error.
func (e *Engine) ClaimTicket(ctx context.Context, req ledger.ClaimRequest) (ledger.ClaimResult, error) {
	if req.WorkflowID != "" {
		w, err := e.Repo.GetWorkflow(ctx, req.WorkflowID)
		if errors.Is(err, repo.ErrNotFound) {
			return ledger.ClaimResult{}, &domain.NotFoundError{Kind: "workflow", ID: req.WorkflowID}
		}
		if err != nil {
			return ledger.ClaimResult{}, err
		}
		if w.State.Terminal() {
			return ledger.ClaimResult{}, &domain.ConflictError{Reason: fmt.Sprintf("workflow %s is %s", w.ID, w.State)}
		}
	}
	res, err := e.Ledger.Claim(ctx, req)
	if err != nil {
		return res, err
	}
	e.log().Info("claim", "work_item_id", req.WorkItemID, "agent_id", req.AgentID, "claimed", res.Claimed, "holder", res.AgentID)
	return res, nil
}

// ReleaseClaim clears the active claim on a work item. Only its holder may release it unless force is set.
func (e *Engine) ReleaseClaim(ctx context.Context, workItemID, actorID string, force bool) (bool, error) {
	if !force && strings.TrimSpace(actorID) == "" {
		return false, &domain.ValidationError{Field: "agent_id", Reason: "required"}
	}
	holder := actorID
	if force {
		holder = ""
	}
	return e.Ledger.Release(ctx, workItemID, holder, actorID)
}

func (e *Engine) Subscribe(ctx context.Context, workItemID, agentID string) error {
	return e.Ledger.Subscribe(ctx, workItemID, agentID, "")
}

func (e *Engine) Subscribers(ctx context.Context, workItemID string) ([]string, error) {
	if strings.TrimSpace(workItemID) == "" {
		return nil, &domain.ValidationError{Field: "work_item_id", Reason: "required"}
	}
	return e.Ledger.SubscribersOf(ctx, workItemID)
}

func (e *Engine) Claims(ctx context.Context, f repo.ClaimFilters) ([]domain.Claim, error) {
	return e.Repo.ListClaims(ctx, f)
}
