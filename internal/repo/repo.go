package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"creditline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// InsertWorkflowTx stores a new workflow and its steps.
func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, wf domain.ReportWorkflow) error {
	q := r.q(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO workflows(id,project_id,report_period,submitted_at,submitted_by,status,current_step,ipfs_hash,transaction_hash,version,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		wf.ID, wf.ProjectID, wf.ReportPeriod, wf.SubmittedAt, nullable(wf.SubmittedBy), string(wf.Status), wf.CurrentStep,
		nullableStringPtr(wf.IPFSHash), nullableStringPtr(wf.TransactionHash), wf.Version, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	for i, s := range wf.Steps {
		if _, err := q.ExecContext(ctx, `INSERT INTO workflow_steps(workflow_id,position,step_id,title,description,status,assignee,completed_at) VALUES (?,?,?,?,?,?,?,?)`,
			wf.ID, i, s.ID, s.Title, nullable(s.Description), string(s.Status), nullableStringPtr(s.Assignee), nullableStringPtr(s.CompletedAt)); err != nil {
			return fmt.Errorf("insert step %s: %w", s.ID, err)
		}
	}
	return nil
}

// UpdateWorkflowTx writes wf if the stored version still equals
// expectedVersion, and bumps the version. A stale version yields
// domain.ErrConflict.
func (r Repo) UpdateWorkflowTx(ctx context.Context, tx *sql.Tx, wf domain.ReportWorkflow, expectedVersion int64) (domain.ReportWorkflow, error) {
	q := r.q(tx)
	wf.Version = expectedVersion + 1
	res, err := q.ExecContext(ctx, `UPDATE workflows SET status=?, current_step=?, ipfs_hash=?, transaction_hash=?, version=?, updated_at=? WHERE id=? AND version=?`,
		string(wf.Status), wf.CurrentStep, nullableStringPtr(wf.IPFSHash), nullableStringPtr(wf.TransactionHash), wf.Version, wf.UpdatedAt, wf.ID, expectedVersion)
	if err != nil {
		return wf, fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.getWorkflow(ctx, q, wf.ID); errors.Is(err, ErrNotFound) {
			return wf, err
		}
		return wf, fmt.Errorf("%w: workflow %s changed since version %d", domain.ErrConflict, wf.ID, expectedVersion)
	}
	for i, s := range wf.Steps {
		if _, err := q.ExecContext(ctx, `UPDATE workflow_steps SET status=?, assignee=?, completed_at=? WHERE workflow_id=? AND position=?`,
			string(s.Status), nullableStringPtr(s.Assignee), nullableStringPtr(s.CompletedAt), wf.ID, i); err != nil {
			return wf, fmt.Errorf("update step %s: %w", s.ID, err)
		}
	}
	return wf, nil
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.ReportWorkflow, error) {
	return r.getWorkflow(ctx, r.DB, id)
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.ReportWorkflow, error) {
	return r.getWorkflow(ctx, r.q(tx), id)
}

const workflowColumns = `id,project_id,report_period,submitted_at,submitted_by,status,current_step,ipfs_hash,transaction_hash,version,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (domain.ReportWorkflow, error) {
	var wf domain.ReportWorkflow
	var by, ipfs, txHash sql.NullString
	err := row.Scan(&wf.ID, &wf.ProjectID, &wf.ReportPeriod, &wf.SubmittedAt, &by, &wf.Status, &wf.CurrentStep, &ipfs, &txHash, &wf.Version, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	wf.SubmittedBy = by.String
	wf.IPFSHash = stringPtr(ipfs)
	wf.TransactionHash = stringPtr(txHash)
	return wf, nil
}

func (r Repo) getWorkflow(ctx context.Context, q querier, id string) (domain.ReportWorkflow, error) {
	wf, err := scanWorkflow(q.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return wf, fmt.Errorf("%w: workflow %s", ErrNotFound, id)
		}
		return wf, err
	}
	steps, err := r.listSteps(ctx, q, id)
	if err != nil {
		return wf, err
	}
	wf.Steps = steps
	return wf, nil
}

func (r Repo) listSteps(ctx context.Context, q querier, workflowID string) ([]domain.WorkflowStep, error) {
	rows, err := q.QueryContext(ctx, `SELECT step_id,title,COALESCE(description,''),status,assignee,completed_at FROM workflow_steps WHERE workflow_id=? ORDER BY position`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []domain.WorkflowStep
	for rows.Next() {
		var s domain.WorkflowStep
		var assignee, completed sql.NullString
		if err := rows.Scan(&s.ID, &s.Title, &s.Description, &s.Status, &assignee, &completed); err != nil {
			return nil, err
		}
		s.Assignee = stringPtr(assignee)
		s.CompletedAt = stringPtr(completed)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

type WorkflowFilters struct {
	ProjectID string
	Status    string
	Assignee  string
	Limit     int
}

// ListWorkflows returns workflows newest first.
func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.ReportWorkflow, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "id IN (SELECT workflow_id FROM workflow_steps WHERE assignee=?)")
		args = append(args, f.Assignee)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM workflows WHERE %s ORDER BY submitted_at DESC, id DESC LIMIT ?`, workflowColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []domain.ReportWorkflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, wf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		steps, err := r.listSteps(ctx, r.DB, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Steps = steps
	}
	return out, nil
}

// EventFilters narrows LatestEvents.
type EventFilters struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

// LatestEvents returns events newest first, older than Cursor when set.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
