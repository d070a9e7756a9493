package relaysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal relay HTTP API client for agents and operators.
type Client struct {
	BaseURL string
	// BasePath is the API prefix, /v1 unless the server is configured otherwise.
	BasePath string
	// BearerToken takes precedence over AgentID.
	BearerToken string
	// AgentID is sent as X-Agent-Id when the server trusts that header.
	AgentID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		AgentID:  agentID,
		Timeout:  10 * time.Second,
	}
}

// Message is what an agent submits. Context is sent verbatim and validated by the server.
type Message struct {
	Role            string         `json:"role"`
	Task            string         `json:"task"`
	Context         map[string]any `json:"context,omitempty"`
	RequestingAgent string         `json:"requesting_agent,omitempty"`
}

type SubmitResult struct {
	WorkflowID   string `json:"workflow_id"`
	MessageID    string `json:"message_id"`
	State        string `json:"state"`
	InvocationID string `json:"invocation_id,omitempty"`
	Created      bool   `json:"created"`
}

type HistoryEntry struct {
	Seq          int64           `json:"seq"`
	Kind         string          `json:"kind"`
	FromState    string          `json:"from_state"`
	ToState      string          `json:"to_state"`
	ActorID      string          `json:"actor_id"`
	MessageID    string          `json:"message_id,omitempty"`
	InvocationID string          `json:"invocation_id,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Invocation struct {
	ID            string          `json:"id"`
	AgentRole     string          `json:"agent_role"`
	AgentID       string          `json:"agent_id"`
	WorkspacePath string          `json:"workspace_path,omitempty"`
	Deadline      time.Time       `json:"deadline"`
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	ExitCode      *int            `json:"exit_code,omitempty"`
}

type Workflow struct {
	ID          string         `json:"id"`
	State       string         `json:"state"`
	Domain      string         `json:"domain"`
	Role        string         `json:"role"`
	AgentID     string         `json:"agent_id"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	History     []HistoryEntry `json:"history,omitempty"`
	Invocations []Invocation   `json:"invocations,omitempty"`
}

// Terminal reports whether the workflow can no longer change.
func (w Workflow) Terminal() bool { return w.State == "completed" || w.State == "failed" }

type ClaimResult struct {
	Claimed bool   `json:"claimed"`
	ClaimID string `json:"claim_id"`
	// AgentID is the current holder.
	AgentID string `json:"agent_id"`
}

type Claim struct {
	ID         string     `json:"id"`
	WorkItemID string     `json:"work_item_id"`
	AgentID    string     `json:"agent_id"`
	Domain     string     `json:"domain"`
	WorkflowID string     `json:"workflow_id,omitempty"`
	ClaimedAt  time.Time  `json:"claimed_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

type Comment struct {
	Label      string `json:"label,omitempty"`
	FilePath   string `json:"file_path"`
	Line       *int   `json:"line,omitempty"`
	Body       string `json:"body,omitempty"`
	WorkItemID string `json:"work_item_id,omitempty"`
}

type RouteResult struct {
	Role       string   `json:"routed_role"`
	Domain     string   `json:"routed_domain"`
	AgentID    string   `json:"agent_id"`
	WorkflowID string   `json:"workflow_id"`
	MessageID  string   `json:"message_id"`
	Appended   bool     `json:"appended"`
	Notified   []string `json:"notified"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type EventQuery struct {
	WorkflowID string
	Type       string
	EntityKind string
	EntityID   string
	Limit      int
	Cursor     string
}

type Health struct {
	Status  string `json:"status"`
	Queued  int    `json:"queued"`
	Running int    `json:"running"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// Submit sends a message. Put the workflow id in Context["workflow_id"] to continue a workflow.
func (c *Client) Submit(ctx context.Context, m Message) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "submit", m, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context, workflowID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(workflowID)+"/status", nil, &resp)
	return resp, err
}

// Wait polls Status until the workflow leaves every state in states or ctx ends.
func (c *Client) Wait(ctx context.Context, workflowID string, interval time.Duration, states ...string) (Workflow, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w, err := c.Status(ctx, workflowID)
		if err != nil {
			return w, err
		}
		waiting := false
		for _, s := range states {
			if w.State == s {
				waiting = true
				break
			}
		}
		if !waiting {
			return w, nil
		}
		select {
		case <-ctx.Done():
			return w, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) Workflows(ctx context.Context, state, domain string, limit int) ([]Workflow, error) {
	q := url.Values{}
	setQuery(q, "state", state)
	setQuery(q, "domain", domain)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Workflow `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("workflows", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) Cancel(ctx context.Context, workflowID, reason string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	err := c.do(ctx, http.MethodPost, "workflows/"+url.PathEscape(workflowID)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp.State, err
}

// ClaimTicket claims a work item. Losing the race is not an error: check Claimed.
func (c *Client) ClaimTicket(ctx context.Context, workItemID, agentID, domain, workflowID string) (ClaimResult, error) {
	body := map[string]any{"work_item_id": workItemID}
	setBody(body, "agent_id", agentID)
	setBody(body, "domain", domain)
	setBody(body, "workflow_id", workflowID)
	var resp ClaimResult
	err := c.do(ctx, http.MethodPost, "claim-ticket", body, &resp)
	return resp, err
}

func (c *Client) Release(ctx context.Context, workItemID string, force bool) (bool, error) {
	var resp struct {
		Released bool `json:"released"`
	}
	err := c.do(ctx, http.MethodPost, "claims/release", map[string]any{"work_item_id": workItemID, "force": force}, &resp)
	return resp.Released, err
}

func (c *Client) Claims(ctx context.Context, workItemID, agentID string, activeOnly bool) ([]Claim, error) {
	q := url.Values{}
	setQuery(q, "work_item_id", workItemID)
	setQuery(q, "agent_id", agentID)
	if activeOnly {
		q.Set("active", "true")
	}
	var resp struct {
		Items []Claim `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("claims", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) Subscribe(ctx context.Context, workItemID, agentID string) ([]string, error) {
	body := map[string]any{"work_item_id": workItemID}
	setBody(body, "agent_id", agentID)
	var resp struct {
		Agents []string `json:"agents"`
	}
	err := c.do(ctx, http.MethodPost, "subscriptions", body, &resp)
	return resp.Agents, err
}

func (c *Client) Subscribers(ctx context.Context, workItemID string) ([]string, error) {
	q := url.Values{}
	q.Set("work_item_id", workItemID)
	var resp struct {
		Agents []string `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("subscriptions", q), nil, &resp)
	return resp.Agents, err
}

func (c *Client) RouteComment(ctx context.Context, cm Comment) (RouteResult, error) {
	var resp RouteResult
	err := c.do(ctx, http.MethodPost, "route-comment", cm, &resp)
	return resp, err
}

// EventsPage returns one page of the audit log, newest first.
func (c *Client) EventsPage(ctx context.Context, eq EventQuery) (PaginatedEvents, error) {
	q := url.Values{}
	setQuery(q, "workflow_id", eq.WorkflowID)
	setQuery(q, "type", eq.Type)
	setQuery(q, "entity_kind", eq.EntityKind)
	setQuery(q, "entity_id", eq.EntityID)
	setQuery(q, "cursor", eq.Cursor)
	if eq.Limit > 0 {
		q.Set("limit", strconv.Itoa(eq.Limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AgentID != "":
		req.Header.Set("X-Agent-Id", c.AgentID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	ae := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		ae.Code = env.Error.Code
		ae.Message = env.Error.Message
		ae.Details = env.Error.Details
	}
	return ae
}

func (c *Client) base() string {
	basePath := c.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(basePath, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setBody(body map[string]any, key, value string) {
	if value != "" {
		body[key] = value
	}
}
