package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"workrelay/internal/domain"
)

const invocationColumns = `id,workflow_id,agent_role,agent_id,COALESCE(workspace_path,''),deadline,status,output_json,exit_code,created_at,started_at,finished_at`

func scanInvocation(scan func(dest ...any) error) (domain.Invocation, error) {
	var (
		inv               domain.Invocation
		deadline, created string
		output            sql.NullString
		exit              sql.NullInt64
		started, finished sql.NullString
	)
	if err := scan(&inv.ID, &inv.WorkflowID, &inv.AgentRole, &inv.AgentID, &inv.WorkspacePath, &deadline, &inv.Status,
		&output, &exit, &created, &started, &finished); err != nil {
		if err == sql.ErrNoRows {
			return inv, ErrNotFound
		}
		return inv, err
	}
	inv.Deadline = parseTime(deadline)
	inv.CreatedAt = parseTime(created)
	inv.StartedAt = parseTimePtr(started)
	inv.FinishedAt = parseTimePtr(finished)
	if exit.Valid {
		code := int(exit.Int64)
		inv.ExitCode = &code
	}
	if output.Valid && output.String != "" {
		var out domain.Output
		if err := json.Unmarshal([]byte(output.String), &out); err != nil {
			return inv, fmt.Errorf("decode invocation %s output: %w", inv.ID, err)
		}
		inv.Output = &out
	}
	return inv, nil
}

func (r Repo) InsertInvocationTx(ctx context.Context, tx *sql.Tx, inv domain.Invocation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO invocations(id,workflow_id,agent_role,agent_id,workspace_path,deadline,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		inv.ID, inv.WorkflowID, inv.AgentRole, inv.AgentID, nullable(inv.WorkspacePath), FormatTime(inv.Deadline), inv.Status, FormatTime(inv.CreatedAt))
	return err
}

// UpdateInvocationTx writes the mutable columns of an invocation.
func (r Repo) UpdateInvocationTx(ctx context.Context, tx *sql.Tx, inv domain.Invocation) error {
	var output any
	if inv.Output != nil {
		data, err := json.Marshal(inv.Output)
		if err != nil {
			return fmt.Errorf("marshal invocation output: %w", err)
		}
		output = string(data)
	}
	res, err := tx.ExecContext(ctx, `UPDATE invocations SET workspace_path=?, deadline=?, status=?, output_json=?, exit_code=?, started_at=?, finished_at=? WHERE id=?`,
		nullable(inv.WorkspacePath), FormatTime(inv.Deadline), inv.Status, output, nullableIntPtr(inv.ExitCode),
		nullableTime(inv.StartedAt), nullableTime(inv.FinishedAt), inv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetInvocation(ctx context.Context, id string) (domain.Invocation, error) {
	return r.GetInvocationTx(ctx, nil, id)
}

func (r Repo) GetInvocationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Invocation, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE id=?`, id)
	return scanInvocation(row.Scan)
}

func (r Repo) ListInvocations(ctx context.Context, workflowID string) ([]domain.Invocation, error) {
	return r.ListInvocationsTx(ctx, nil, workflowID)
}

func (r Repo) ListInvocationsTx(ctx context.Context, tx *sql.Tx, workflowID string) ([]domain.Invocation, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE workflow_id=? ORDER BY created_at, id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvocations(rows)
}

// ListInvocationsByStatus returns invocations in any of the given statuses, oldest first.
func (r Repo) ListInvocationsByStatus(ctx context.Context, statuses ...domain.InvocationStatus) ([]domain.Invocation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		marks[i] = "?"
		args[i] = s
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+invocationColumns+` FROM invocations WHERE status IN (`+strings.Join(marks, ",")+`) ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInvocations(rows)
}

func collectInvocations(rows *sql.Rows) ([]domain.Invocation, error) {
	var res []domain.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}
