// Package ledger decides which single agent owns a work item and who follows it.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"workrelay/internal/domain"
	"workrelay/internal/events"
	"workrelay/internal/keylock"
	"workrelay/internal/repo"
)

type ClaimRequest struct {
	WorkItemID string
	AgentID    string
	Domain     domain.Domain
	WorkflowID string
}

// ClaimResult is the outcome of a claim. A lost race is a normal result, not an error.
type ClaimResult struct {
	Claimed bool   `json:"claimed"`
	ClaimID string `json:"claim_id"`
	// AgentID is the holder of the active claim: the caller when Claimed, the winner otherwise.
	AgentID string `json:"agent_id"`
}

// Conflict converts a lost claim into an error for callers that prefer one.
func (r ClaimResult) Conflict(workItemID string) error {
	if r.Claimed {
		return nil
	}
	return &domain.ClaimConflictError{WorkItemID: workItemID, HolderID: r.AgentID}
}

type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	locks *keylock.Set
}

func New(db *sql.DB, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Now:    now,
		locks:  &keylock.Set{},
	}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Claim atomically binds the work item to the agent if nobody holds it.
// Among concurrent callers for one work item exactly one wins. The winner is subscribed.
func (l *Ledger) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	req.WorkItemID = strings.TrimSpace(req.WorkItemID)
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.WorkItemID == "" {
		return ClaimResult{}, &domain.ValidationError{Field: "work_item_id", Reason: "required"}
	}
	if req.AgentID == "" {
		return ClaimResult{}, &domain.ValidationError{Field: "agent_id", Reason: "required"}
	}
	d, ok := domain.ParseDomain(string(req.Domain))
	if !ok {
		return ClaimResult{}, &domain.ValidationError{Field: "domain", Reason: fmt.Sprintf("unknown domain %q", req.Domain)}
	}
	req.Domain = d

	// The unique index is the compare-and-set; the key lock keeps the loser's read of the
	// holder from racing a release on the same work item.
	unlock := l.locks.Lock(req.WorkItemID)
	defer unlock()

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, err
	}
	defer tx.Rollback()

	now := l.now()
	c := domain.Claim{
		ID:         uuid.NewString(),
		WorkItemID: req.WorkItemID,
		AgentID:    req.AgentID,
		Domain:     req.Domain,
		WorkflowID: req.WorkflowID,
		ClaimedAt:  now,
	}
	won, err := l.Repo.InsertClaimIfFreeTx(ctx, tx, c)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s: %w", req.WorkItemID, err)
	}
	if !won {
		holder, err := l.Repo.ActiveClaimTx(ctx, tx, req.WorkItemID)
		if err != nil {
			return ClaimResult{}, fmt.Errorf("read holder of %s: %w", req.WorkItemID, err)
		}
		if err := l.Events.Append(ctx, tx, events.ClaimLost, req.WorkflowID, "claim", holder.ID, req.AgentID,
			events.EventPayload{"work_item_id": req.WorkItemID, "holder": holder.AgentID}); err != nil {
			return ClaimResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ClaimResult{}, err
		}
		return ClaimResult{Claimed: false, ClaimID: holder.ID, AgentID: holder.AgentID}, nil
	}
	if err := l.Events.Append(ctx, tx, events.ClaimAcquired, req.WorkflowID, "claim", c.ID, req.AgentID,
		events.EventPayload{"work_item_id": req.WorkItemID, "domain": req.Domain}); err != nil {
		return ClaimResult{}, err
	}
	if err := l.SubscribeTx(ctx, tx, domain.Subscription{WorkItemID: req.WorkItemID, AgentID: req.AgentID, WorkflowID: req.WorkflowID}); err != nil {
		return ClaimResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Claimed: true, ClaimID: c.ID, AgentID: c.AgentID}, nil
}

// Subscribe adds agentID to the work item's subscribers. Repeating it is a no-op.
func (l *Ledger) Subscribe(ctx context.Context, workItemID, agentID, workflowID string) error {
	if strings.TrimSpace(workItemID) == "" {
		return &domain.ValidationError{Field: "work_item_id", Reason: "required"}
	}
	if strings.TrimSpace(agentID) == "" {
		return &domain.ValidationError{Field: "agent_id", Reason: "required"}
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.SubscribeTx(ctx, tx, domain.Subscription{WorkItemID: workItemID, AgentID: agentID, WorkflowID: workflowID}); err != nil {
		return err
	}
	return tx.Commit()
}

// SubscribeTx is Subscribe inside the caller's transaction.
func (l *Ledger) SubscribeTx(ctx context.Context, tx *sql.Tx, s domain.Subscription) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = l.now()
	}
	added, err := l.Repo.InsertSubscriptionTx(ctx, tx, s)
	if err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", s.AgentID, s.WorkItemID, err)
	}
	if !added {
		return nil
	}
	return l.Events.Append(ctx, tx, events.SubscriptionAdded, s.WorkflowID, "subscription", s.WorkItemID, s.AgentID,
		events.EventPayload{"agent_id": s.AgentID})
}

// Release clears the active claim on the work item. It reports false when nothing was held.
// A non-empty holder must match the current claimant, checked under the work item's lock;
// a mismatch is a ClaimConflictError and leaves the claim in place.
func (l *Ledger) Release(ctx context.Context, workItemID, holder, actorID string) (bool, error) {
	workItemID = strings.TrimSpace(workItemID)
	if workItemID == "" {
		return false, &domain.ValidationError{Field: "work_item_id", Reason: "required"}
	}
	unlock := l.locks.Lock(workItemID)
	defer unlock()
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	cur, err := l.Repo.ActiveClaimTx(ctx, tx, workItemID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if holder != "" && cur.AgentID != holder {
		return false, &domain.ClaimConflictError{WorkItemID: workItemID, HolderID: cur.AgentID}
	}
	c, err := l.Repo.ReleaseClaimTx(ctx, tx, workItemID, l.now())
	if err != nil {
		return false, err
	}
	if err := l.Events.Append(ctx, tx, events.ClaimReleased, c.WorkflowID, "claim", c.ID, actorID,
		events.EventPayload{"work_item_id": workItemID, "reason": "explicit"}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ReleaseWorkflowTx releases every claim bound to the workflow and drops its subscriptions.
// It runs inside the transaction that moves the workflow to a terminal state.
func (l *Ledger) ReleaseWorkflowTx(ctx context.Context, tx *sql.Tx, workflowID, actorID, reason string) ([]domain.Claim, error) {
	claims, err := l.Repo.ActiveClaimsForWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return nil, err
	}
	now := l.now()
	var released []domain.Claim
	for _, c := range claims {
		rc, err := l.Repo.ReleaseClaimTx(ctx, tx, c.WorkItemID, now)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return released, err
		}
		if err := l.Events.Append(ctx, tx, events.ClaimReleased, workflowID, "claim", rc.ID, actorID,
			events.EventPayload{"work_item_id": rc.WorkItemID, "reason": reason}); err != nil {
			return released, err
		}
		released = append(released, rc)
	}
	subs, err := l.Repo.DeleteSubscriptionsForWorkflowTx(ctx, tx, workflowID)
	if err != nil {
		return released, err
	}
	for _, s := range subs {
		if err := l.Events.Append(ctx, tx, events.SubscriptionDropped, workflowID, "subscription", s.WorkItemID, actorID,
			events.EventPayload{"agent_id": s.AgentID, "reason": reason}); err != nil {
			return released, err
		}
	}
	return released, nil
}

// BindTx attaches an active claim, and the holder's unbound subscription on the same work item,
// to a workflow so both go away when it ends.
func (l *Ledger) BindTx(ctx context.Context, tx *sql.Tx, c domain.Claim, workflowID string) error {
	if err := l.Repo.BindClaimTx(ctx, tx, c.ID, workflowID); err != nil {
		return err
	}
	return l.Repo.BindSubscriptionTx(ctx, tx, c.WorkItemID, c.AgentID, workflowID)
}

// SubscribersOf lists agent ids subscribed to the work item, in subscription order.
func (l *Ledger) SubscribersOf(ctx context.Context, workItemID string) ([]string, error) {
	return l.SubscribersOfTx(ctx, nil, workItemID)
}

func (l *Ledger) SubscribersOfTx(ctx context.Context, tx *sql.Tx, workItemID string) ([]string, error) {
	subs, err := l.Repo.ListSubscribersTx(ctx, tx, workItemID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		ids = append(ids, s.AgentID)
	}
	return ids, nil
}

// Active returns the active claim on the work item, if any.
func (l *Ledger) Active(ctx context.Context, workItemID string) (domain.Claim, bool, error) {
	c, err := l.Repo.ActiveClaim(ctx, workItemID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Claim{}, false, nil
	}
	if err != nil {
		return domain.Claim{}, false, err
	}
	return c, true, nil
}

func (l *Ledger) ActiveTx(ctx context.Context, tx *sql.Tx, workItemID string) (domain.Claim, bool, error) {
	c, err := l.Repo.ActiveClaimTx(ctx, tx, workItemID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Claim{}, false, nil
	}
	if err != nil {
		return domain.Claim{}, false, err
	}
	return c, true, nil
}
