package repo

import (
	"context"
	"database/sql"
	"time"

	"workrelay/internal/domain"
)

const claimColumns = `id,work_item_id,agent_id,domain,COALESCE(workflow_id,''),claimed_at,released_at`

func scanClaim(scan func(dest ...any) error) (domain.Claim, error) {
	var c domain.Claim
	var claimed string
	var released sql.NullString
	if err := scan(&c.ID, &c.WorkItemID, &c.AgentID, &c.Domain, &c.WorkflowID, &claimed, &released); err != nil {
		if err == sql.ErrNoRows {
			return c, ErrNotFound
		}
		return c, err
	}
	c.ClaimedAt = parseTime(claimed)
	c.ReleasedAt = parseTimePtr(released)
	return c, nil
}

// InsertClaimIfFreeTx inserts c unless the work item already has an active claim.
// The partial unique index on active claims makes this a compare-and-set.
func (r Repo) InsertClaimIfFreeTx(ctx context.Context, tx *sql.Tx, c domain.Claim) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO claims(id,work_item_id,agent_id,domain,workflow_id,claimed_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.WorkItemID, c.AgentID, c.Domain, nullable(c.WorkflowID), FormatTime(c.ClaimedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ActiveClaim(ctx context.Context, workItemID string) (domain.Claim, error) {
	return r.ActiveClaimTx(ctx, nil, workItemID)
}

func (r Repo) ActiveClaimTx(ctx context.Context, tx *sql.Tx, workItemID string) (domain.Claim, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE work_item_id=? AND released_at IS NULL`, workItemID)
	return scanClaim(row.Scan)
}

// ReleaseClaimTx marks the active claim released. It returns ErrNotFound when nothing was active.
func (r Repo) ReleaseClaimTx(ctx context.Context, tx *sql.Tx, workItemID string, at time.Time) (domain.Claim, error) {
	c, err := r.ActiveClaimTx(ctx, tx, workItemID)
	if err != nil {
		return c, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE claims SET released_at=? WHERE id=?`, FormatTime(at), c.ID); err != nil {
		return c, err
	}
	c.ReleasedAt = &at
	return c, nil
}

// BindClaimTx attaches an active claim to the workflow working on it.
func (r Repo) BindClaimTx(ctx context.Context, tx *sql.Tx, claimID, workflowID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE claims SET workflow_id=? WHERE id=? AND released_at IS NULL`, workflowID, claimID)
	return err
}

// BindSubscriptionTx attaches an agent's unbound subscription on a work item to a workflow.
func (r Repo) BindSubscriptionTx(ctx context.Context, tx *sql.Tx, workItemID, agentID, workflowID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE subscriptions SET workflow_id=? WHERE work_item_id=? AND agent_id=? AND workflow_id IS NULL`,
		workflowID, workItemID, agentID)
	return err
}

func (r Repo) ActiveClaimsForWorkflowTx(ctx context.Context, tx *sql.Tx, workflowID string) ([]domain.Claim, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE workflow_id=? AND released_at IS NULL ORDER BY claimed_at`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

type ClaimFilters struct {
	WorkItemID string
	AgentID    string
	ActiveOnly bool
	Limit      int
}

func (r Repo) ListClaims(ctx context.Context, f ClaimFilters) ([]domain.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE 1=1`
	var args []any
	if f.WorkItemID != "" {
		query += ` AND work_item_id=?`
		args = append(args, f.WorkItemID)
	}
	if f.AgentID != "" {
		query += ` AND agent_id=?`
		args = append(args, f.AgentID)
	}
	if f.ActiveOnly {
		query += ` AND released_at IS NULL`
	}
	query += ` ORDER BY claimed_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// InsertSubscriptionTx adds a subscriber; it reports false when the pair already existed.
func (r Repo) InsertSubscriptionTx(ctx context.Context, tx *sql.Tx, s domain.Subscription) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO subscriptions(work_item_id,agent_id,workflow_id,created_at) VALUES (?,?,?,?)`,
		s.WorkItemID, s.AgentID, nullable(s.WorkflowID), FormatTime(s.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) ListSubscribers(ctx context.Context, workItemID string) ([]domain.Subscription, error) {
	return r.ListSubscribersTx(ctx, nil, workItemID)
}

func (r Repo) ListSubscribersTx(ctx context.Context, tx *sql.Tx, workItemID string) ([]domain.Subscription, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT work_item_id,agent_id,COALESCE(workflow_id,''),created_at FROM subscriptions WHERE work_item_id=? ORDER BY created_at, agent_id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subscription
	for rows.Next() {
		var s domain.Subscription
		var created string
		if err := rows.Scan(&s.WorkItemID, &s.AgentID, &s.WorkflowID, &created); err != nil {
			return nil, err
		}
		s.CreatedAt = parseTime(created)
		res = append(res, s)
	}
	return res, rows.Err()
}

// DeleteSubscriptionsForWorkflowTx drops subscriptions owned by a workflow and returns them.
func (r Repo) DeleteSubscriptionsForWorkflowTx(ctx context.Context, tx *sql.Tx, workflowID string) ([]domain.Subscription, error) {
	rows, err := tx.QueryContext(ctx, `SELECT work_item_id,agent_id,created_at FROM subscriptions WHERE workflow_id=?`, workflowID)
	if err != nil {
		return nil, err
	}
	var res []domain.Subscription
	for rows.Next() {
		s := domain.Subscription{WorkflowID: workflowID}
		var created string
		if err := rows.Scan(&s.WorkItemID, &s.AgentID, &created); err != nil {
			rows.Close()
			return nil, err
		}
		s.CreatedAt = parseTime(created)
		res = append(res, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE workflow_id=?`, workflowID); err != nil {
		return nil, err
	}
	return res, nil
}
