package server

import (
	"encoding/json"

	"workrelay/internal/domain"
)

// Request payloads

type SubmitRequest struct {
	// Role is the target: an agent id, an agent name or a bare role.
	Role string `json:"role" minLength:"1"`
	Task string `json:"task" minLength:"1"`
	// Context is decoded strictly from the raw body; the schema only requires an object.
	Context         map[string]any `json:"context,omitempty"`
	RequestingAgent string         `json:"requesting_agent,omitempty"`
}

type ClaimTicketRequest struct {
	WorkItemID string `json:"work_item_id" minLength:"1"`
	AgentID    string `json:"agent_id,omitempty"`
	Domain     string `json:"domain,omitempty" enum:"product,ux,ui,technical"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

type ReleaseClaimRequest struct {
	WorkItemID string `json:"work_item_id" minLength:"1"`
	// Force lets an operator clear a claim held by someone else.
	Force bool `json:"force,omitempty"`
}

type RouteCommentRequest struct {
	Label      string `json:"label,omitempty"`
	FilePath   string `json:"file_path" minLength:"1"`
	Line       *int   `json:"line,omitempty"`
	Body       string `json:"body,omitempty"`
	WorkItemID string `json:"work_item_id,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SubscribeRequest struct {
	WorkItemID string `json:"work_item_id" minLength:"1"`
	AgentID    string `json:"agent_id,omitempty"`
}

// Response payloads

type HealthResponse struct {
	Status  string `json:"status" example:"ok"`
	Queued  int    `json:"queued"`
	Running int    `json:"running"`
}

type ReleaseClaimResponse struct {
	WorkItemID string `json:"work_item_id"`
	Released   bool   `json:"released"`
}

type CancelResponse struct {
	WorkflowID string       `json:"workflow_id"`
	State      domain.State `json:"state"`
}

type SubscriptionsResponse struct {
	WorkItemID string   `json:"work_item_id"`
	Agents     []string `json:"agents"`
}

type WorkflowSummary struct {
	ID        string        `json:"id"`
	State     domain.State  `json:"state"`
	Domain    domain.Domain `json:"domain"`
	Role      domain.Role   `json:"role"`
	AgentID   string        `json:"agent_id"`
	CreatedAt string        `json:"created_at" format:"date-time"`
	UpdatedAt string        `json:"updated_at" format:"date-time"`
}

type WorkflowList struct {
	Items []WorkflowSummary `json:"items"`
}

type ClaimList struct {
	Items []domain.Claim `json:"items"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage(`{}`)
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		WorkflowID: evt.WorkflowID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func workflowSummary(w domain.Workflow) WorkflowSummary {
	return WorkflowSummary{
		ID:        w.ID,
		State:     w.State,
		Domain:    w.Domain,
		Role:      w.Role,
		AgentID:   w.AgentID,
		CreatedAt: w.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: w.UpdatedAt.UTC().Format(timeLayout),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
