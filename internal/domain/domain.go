package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ExternalUser is the requesting agent used for messages that do not come from a registered agent.
const ExternalUser = "external-user"

// Role is the function an agent performs.
type Role string

const (
	RoleStrategy       Role = "Strategy"
	RolePlanning       Role = "Planning"
	RoleImplementation Role = "Implementation"
	RoleReview         Role = "Review"
	RoleQA             Role = "QA"
)

// Roles lists every known role in chain order.
var Roles = []Role{RoleStrategy, RolePlanning, RoleImplementation, RoleReview, RoleQA}

// ParseRole matches a role name case-insensitively.
func ParseRole(s string) (Role, bool) {
	for _, r := range Roles {
		if strings.EqualFold(string(r), s) {
			return r, true
		}
	}
	return "", false
}

// Domain partitions work for routing.
type Domain string

const (
	DomainProduct   Domain = "product"
	DomainUX        Domain = "ux"
	DomainUI        Domain = "ui"
	DomainTechnical Domain = "technical"
)

var Domains = []Domain{DomainProduct, DomainUX, DomainUI, DomainTechnical}

func ParseDomain(s string) (Domain, bool) {
	for _, d := range Domains {
		if strings.EqualFold(string(d), s) {
			return d, true
		}
	}
	return "", false
}

// Message is an immutable request from one agent (or the external user) to another.
type Message struct {
	ID              string    `json:"id"`
	Role            string    `json:"role"`
	Task            string    `json:"task"`
	Context         Context   `json:"context"`
	RequestingAgent string    `json:"requesting_agent"`
	CreatedAt       time.Time `json:"created_at" format:"date-time"`
}

// State is a workflow lifecycle state.
type State string

const (
	StateCreated        State = "created"
	StateDispatched     State = "dispatched"
	StateAwaitingReview State = "awaiting_review"
	StateHandoff        State = "handoff"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Workflow struct {
	ID          string         `json:"id"`
	State       State          `json:"state" enum:"created,dispatched,awaiting_review,handoff,completed,failed"`
	Domain      Domain         `json:"domain" enum:"product,ux,ui,technical"`
	Role        Role           `json:"role"`
	AgentID     string         `json:"agent_id"`
	CreatedAt   time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt   time.Time      `json:"updated_at" format:"date-time"`
	History     []HistoryEntry `json:"history"`
	Invocations []Invocation   `json:"invocations,omitempty"`
}

// HistoryKind labels what caused a history entry.
type HistoryKind string

const (
	HistoryMessage             HistoryKind = "message"
	HistoryNote                HistoryKind = "note"
	HistoryDispatch            HistoryKind = "dispatch"
	HistoryInvocationSucceeded HistoryKind = "invocation.succeeded"
	HistoryInvocationTimedOut  HistoryKind = "invocation.timed_out"
	HistoryInvocationFailed    HistoryKind = "invocation.failed"
	HistoryReviewApproved      HistoryKind = "review.approved"
	HistoryReviewRejected      HistoryKind = "review.rejected"
	HistoryCancelled           HistoryKind = "cancelled"
	HistoryRecovered           HistoryKind = "recovered"
)

// HistoryEntry is one append-only record in a workflow's history.
type HistoryEntry struct {
	WorkflowID   string          `json:"workflow_id"`
	Seq          int64           `json:"seq"`
	Kind         HistoryKind     `json:"kind"`
	FromState    State           `json:"from_state"`
	ToState      State           `json:"to_state"`
	ActorID      string          `json:"actor_id"`
	MessageID    string          `json:"message_id,omitempty"`
	InvocationID string          `json:"invocation_id,omitempty"`
	Message      *Message        `json:"message,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at" format:"date-time"`
}

// Claim binds a work item to exactly one agent while active.
type Claim struct {
	ID         string     `json:"id"`
	WorkItemID string     `json:"work_item_id"`
	AgentID    string     `json:"agent_id"`
	Domain     Domain     `json:"domain"`
	WorkflowID string     `json:"workflow_id,omitempty"`
	ClaimedAt  time.Time  `json:"claimed_at" format:"date-time"`
	ReleasedAt *time.Time `json:"released_at,omitempty" format:"date-time"`
}

func (c Claim) Active() bool { return c.ReleasedAt == nil }

type Subscription struct {
	WorkItemID string    `json:"work_item_id"`
	AgentID    string    `json:"agent_id"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
}

// InvocationStatus tracks one subprocess execution.
type InvocationStatus string

const (
	InvocationQueued    InvocationStatus = "queued"
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationTimedOut  InvocationStatus = "timed_out"
	InvocationFailed    InvocationStatus = "failed"
)

func (s InvocationStatus) Terminal() bool {
	return s == InvocationSucceeded || s == InvocationTimedOut || s == InvocationFailed
}

type Invocation struct {
	ID            string           `json:"id"`
	WorkflowID    string           `json:"workflow_id"`
	AgentRole     Role             `json:"agent_role"`
	AgentID       string           `json:"agent_id"`
	WorkspacePath string           `json:"workspace_path,omitempty"`
	Deadline      time.Time        `json:"deadline" format:"date-time"`
	Status        InvocationStatus `json:"status" enum:"queued,running,succeeded,timed_out,failed"`
	Output        *Output          `json:"output,omitempty"`
	ExitCode      *int             `json:"exit_code,omitempty"`
	CreatedAt     time.Time        `json:"created_at" format:"date-time"`
	StartedAt     *time.Time       `json:"started_at,omitempty" format:"date-time"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty" format:"date-time"`
}

// Output is what an agent declared on its output channel, or the diagnosis when it declared nothing usable.
type Output struct {
	Summary     string          `json:"summary,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	PullRequest string          `json:"pull_request,omitempty"`
	Error       string          `json:"error,omitempty"`
	Raw         string          `json:"raw,omitempty"`
}

// Event is one row of the audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
