package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine, gateway and watcher.
const (
	WorkflowSubmitted    = "workflow.submitted"
	WorkflowStepAdvanced = "workflow.step.completed"
	WorkflowStepRejected = "workflow.step.rejected"
	WorkflowStepAssigned = "workflow.step.assigned"
	WorkflowReportStored = "workflow.report.stored"
	CalculationCreated   = "calculation.created"
	TransactionSubmitted = "ledger.transaction.submitted"
	TransactionConfirmed = "ledger.transaction.confirmed"
	TransactionFailed    = "ledger.transaction.failed"
	LedgerReset          = "ledger.reset"
	ProfileRegistered    = "identity.profile.registered"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event through tx, or through the writer's DB when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	var exec Execer = w.DB
	if tx != nil {
		exec = tx
	}
	return w.AppendWith(ctx, exec, evtType, projectID, entityKind, entityID, actorID, payload)
}

func (w Writer) AppendWith(ctx context.Context, exec Execer, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if exec == nil {
		return fmt.Errorf("event writer has no database")
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
