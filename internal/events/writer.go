package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	WorkflowCreated     = "workflow.created"
	WorkflowTransition  = "workflow.transition"
	WorkflowNote        = "workflow.note"
	InvocationQueued    = "invocation.queued"
	InvocationFinished  = "invocation.finished"
	ClaimAcquired       = "claim.acquired"
	ClaimLost           = "claim.lost"
	ClaimReleased       = "claim.released"
	SubscriptionAdded   = "subscription.added"
	SubscriptionDropped = "subscription.dropped"
	FeedbackRouted      = "feedback.routed"
	FeedbackNotified    = "feedback.notified"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workflowID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,workflow_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(workflowID), entityKind, nullable(entityID), actorID, string(data))
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
