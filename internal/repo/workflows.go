package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"workrelay/internal/domain"
)

const workflowColumns = `id,state,domain,role,agent_id,created_at,updated_at`

func scanWorkflow(scan func(dest ...any) error) (domain.Workflow, error) {
	var w domain.Workflow
	var created, updated string
	if err := scan(&w.ID, &w.State, &w.Domain, &w.Role, &w.AgentID, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return w, ErrNotFound
		}
		return w, err
	}
	w.CreatedAt = parseTime(created)
	w.UpdatedAt = parseTime(updated)
	return w, nil
}

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(`+workflowColumns+`) VALUES (?,?,?,?,?,?,?)`,
		w.ID, w.State, w.Domain, w.Role, w.AgentID, FormatTime(w.CreatedAt), FormatTime(w.UpdatedAt))
	return err
}

// UpdateWorkflowTx persists state, the current role and agent, and updated_at.
func (r Repo) UpdateWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET state=?, role=?, agent_id=?, updated_at=? WHERE id=?`,
		w.State, w.Role, w.AgentID, FormatTime(w.UpdatedAt), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return r.GetWorkflowTx(ctx, nil, id)
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Workflow, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id)
	return scanWorkflow(row.Scan)
}

type WorkflowFilters struct {
	State  string
	Domain string
	Limit  int
}

func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.Workflow, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Domain != "" {
		clauses = append(clauses, "domain=?")
		args = append(args, f.Domain)
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, workflowID string, m domain.Message) error {
	data, err := json.Marshal(m.Context)
	if err != nil {
		return fmt.Errorf("marshal message context: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO messages(id,workflow_id,role,task,context_json,requesting_agent,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, workflowID, m.Role, m.Task, string(data), m.RequestingAgent, FormatTime(m.CreatedAt))
	return err
}

// AppendHistoryTx writes the next entry for the workflow and returns its sequence number.
// Sequence numbers are dense and start at 1.
func (r Repo) AppendHistoryTx(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM workflow_history WHERE workflow_id=?`, h.WorkflowID).Scan(&seq); err != nil {
		return 0, err
	}
	var detail any
	if len(h.Detail) > 0 {
		detail = string(h.Detail)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_history(workflow_id,seq,kind,from_state,to_state,actor_id,message_id,invocation_id,detail_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		h.WorkflowID, seq, h.Kind, h.FromState, h.ToState, h.ActorID, nullable(h.MessageID), nullable(h.InvocationID), detail, FormatTime(h.CreatedAt))
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// ListHistory returns the workflow's history in acceptance order with messages attached.
func (r Repo) ListHistory(ctx context.Context, workflowID string) ([]domain.HistoryEntry, error) {
	return r.ListHistoryTx(ctx, nil, workflowID)
}

func (r Repo) ListHistoryTx(ctx context.Context, tx *sql.Tx, workflowID string) ([]domain.HistoryEntry, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT h.workflow_id,h.seq,h.kind,h.from_state,h.to_state,h.actor_id,
COALESCE(h.message_id,''),COALESCE(h.invocation_id,''),h.detail_json,h.created_at,
m.id,m.role,m.task,m.context_json,m.requesting_agent,m.created_at
FROM workflow_history h LEFT JOIN messages m ON m.id=h.message_id
WHERE h.workflow_id=? ORDER BY h.seq ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var (
			h                                  domain.HistoryEntry
			detail                             sql.NullString
			created                            string
			mID, mRole, mTask, mCtx, mReq, mAt sql.NullString
		)
		if err := rows.Scan(&h.WorkflowID, &h.Seq, &h.Kind, &h.FromState, &h.ToState, &h.ActorID,
			&h.MessageID, &h.InvocationID, &detail, &created,
			&mID, &mRole, &mTask, &mCtx, &mReq, &mAt); err != nil {
			return nil, err
		}
		h.CreatedAt = parseTime(created)
		if detail.Valid && detail.String != "" {
			h.Detail = json.RawMessage(detail.String)
		}
		if mID.Valid {
			msg := &domain.Message{ID: mID.String, Role: mRole.String, Task: mTask.String, RequestingAgent: mReq.String, CreatedAt: parseTime(mAt.String)}
			if mCtx.Valid && mCtx.String != "" {
				if err := json.Unmarshal([]byte(mCtx.String), &msg.Context); err != nil {
					return nil, fmt.Errorf("decode message %s context: %w", mID.String, err)
				}
			}
			h.Message = msg
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// HistoryLen counts entries for a workflow.
func (r Repo) HistoryLen(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_history WHERE workflow_id=?`, workflowID).Scan(&n)
	return n, err
}
