package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"workrelay/internal/domain"
	"workrelay/internal/events"
	"workrelay/internal/router"
)

// RouteResult reports where a review comment went.
type RouteResult struct {
	Role       domain.Role   `json:"routed_role"`
	Domain     domain.Domain `json:"routed_domain"`
	AgentID    string        `json:"agent_id"`
	WorkflowID string        `json:"workflow_id"`
	MessageID  string        `json:"message_id"`
	Appended   bool          `json:"appended"`
	Notified   []string      `json:"notified,omitempty"`
}

// RouteFeedback routes a review comment to the agent serving its role and domain and submits it
// on the external user's behalf. Comments on a work item whose claim is bound to a live workflow
// join that workflow. Every subscriber of the work item is notified.
func (e *Engine) RouteFeedback(ctx context.Context, ev router.FeedbackEvent) (RouteResult, error) {
	cfg, rt, _ := e.snapshot()
	route, err := rt.Route(ev)
	if err != nil {
		return RouteResult{}, err
	}
	agent, ok := cfg.AgentFor(route.Role, route.Domain)
	if !ok {
		return RouteResult{}, &domain.UnknownRoleError{Role: string(route.Role)}
	}
	ev.WorkItemID = strings.TrimSpace(ev.WorkItemID)
	msg := domain.Message{
		Role:            agent.ID,
		Task:            feedbackTask(ev),
		RequestingAgent: domain.ExternalUser,
		Context: domain.Context{
			Files:      []string{ev.FilePath},
			WorkItemID: ev.WorkItemID,
			Feedback: &domain.FeedbackContext{
				Label:      ev.Label,
				FilePath:   ev.FilePath,
				Line:       ev.Line,
				Body:       ev.Body,
				WorkItemID: ev.WorkItemID,
			},
		},
	}
	if ev.WorkItemID != "" {
		c, ok, err := e.Ledger.Active(ctx, ev.WorkItemID)
		if err != nil {
			return RouteResult{}, err
		}
		if ok && c.WorkflowID != "" {
			if w, err := e.Repo.GetWorkflow(ctx, c.WorkflowID); err == nil && !w.State.Terminal() {
				msg.Context.WorkflowID = w.ID
			}
		}
	}
	res, err := e.Submit(ctx, msg)
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) && msg.Context.WorkflowID != "" {
		// The bound workflow ended between the lookup and the append.
		msg.Context.WorkflowID = ""
		res, err = e.Submit(ctx, msg)
	}
	if err != nil {
		return RouteResult{}, err
	}
	out := RouteResult{
		Role:       route.Role,
		Domain:     route.Domain,
		AgentID:    agent.ID,
		WorkflowID: res.WorkflowID,
		MessageID:  res.MessageID,
		Appended:   !res.Created,
	}
	out.Notified, err = e.notifySubscribers(ctx, ev, out)
	if err != nil {
		return out, err
	}
	return out, nil
}

func feedbackTask(ev router.FeedbackEvent) string {
	loc := ev.FilePath
	if ev.Line != nil {
		loc = fmt.Sprintf("%s:%d", ev.FilePath, *ev.Line)
	}
	task := "Address review feedback on " + loc
	if body := strings.TrimSpace(ev.Body); body != "" {
		task += "\n\n" + body
	}
	return task
}

func (e *Engine) notifySubscribers(ctx context.Context, ev router.FeedbackEvent, res RouteResult) ([]string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	entity := ev.WorkItemID
	if entity == "" {
		entity = ev.FilePath
	}
	if err := e.Events.Append(ctx, tx, events.FeedbackRouted, res.WorkflowID, "feedback", entity, domain.ExternalUser, events.EventPayload{
		"label": ev.Label, "file_path": ev.FilePath, "line": ev.Line, "role": res.Role, "domain": res.Domain, "agent_id": res.AgentID,
	}); err != nil {
		return nil, err
	}
	var notified []string
	if ev.WorkItemID != "" {
		subs, err := e.Ledger.SubscribersOfTx(ctx, tx, ev.WorkItemID)
		if err != nil {
			return nil, err
		}
		for _, agentID := range subs {
			if err := e.Events.Append(ctx, tx, events.FeedbackNotified, res.WorkflowID, "subscription", ev.WorkItemID, agentID, events.EventPayload{
				"agent_id": agentID, "message_id": res.MessageID, "file_path": ev.FilePath, "label": ev.Label,
			}); err != nil {
				return nil, err
			}
			notified = append(notified, agentID)
		}
	}
	return notified, tx.Commit()
}
