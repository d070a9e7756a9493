package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"workrelay/internal/config"
	"workrelay/internal/domain"
	"workrelay/internal/events"
	"workrelay/internal/repo"
	"workrelay/internal/supervisor"
	"workrelay/internal/workflow"
)

// SubmitResult tells the caller where the message landed.
type SubmitResult struct {
	WorkflowID   string       `json:"workflow_id"`
	MessageID    string       `json:"message_id"`
	State        domain.State `json:"state"`
	InvocationID string       `json:"invocation_id,omitempty"`
	Created      bool         `json:"created"`
}

type requester struct {
	id   string
	role domain.Role
}

type target struct {
	agent  config.Agent
	role   domain.Role
	domain domain.Domain
}

// Submit records a message and, when it starts work, queues an invocation for the target agent.
// It returns once the message is durable; the invocation outcome arrives later through HandleInvocation.
func (e *Engine) Submit(ctx context.Context, m domain.Message) (SubmitResult, error) {
	cfg, _, chain := e.snapshot()
	if err := validateMessage(m); err != nil {
		return SubmitResult{}, err
	}
	req, err := resolveRequester(cfg, m.RequestingAgent)
	if err != nil {
		return SubmitResult{}, err
	}
	m.ID = uuid.NewString()
	m.CreatedAt = e.now()
	m.RequestingAgent = req.id
	m.Task = strings.TrimSpace(m.Task)

	var (
		res      SubmitResult
		dispatch *supervisor.Request
	)
	if id := strings.TrimSpace(m.Context.WorkflowID); id != "" {
		res, dispatch, err = e.appendMessage(ctx, cfg, chain, id, m, req)
	} else {
		res, dispatch, err = e.createWorkflow(ctx, cfg, m, req)
	}
	if err != nil {
		return SubmitResult{}, err
	}
	if dispatch != nil {
		e.dispatch(ctx, *dispatch)
	}
	return res, nil
}

func validateMessage(m domain.Message) error {
	var errs domain.ValidationErrors
	if strings.TrimSpace(m.Role) == "" {
		errs = append(errs, &domain.ValidationError{Field: "role", Reason: "required"})
	}
	if strings.TrimSpace(m.Task) == "" {
		errs = append(errs, &domain.ValidationError{Field: "task", Reason: "required"})
	}
	if strings.TrimSpace(m.RequestingAgent) == "" {
		errs = append(errs, &domain.ValidationError{Field: "requesting_agent", Reason: "required"})
	}
	if err := m.Context.Validate(); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			errs = append(errs, ve)
		} else {
			return err
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func resolveRequester(cfg *config.Config, identity string) (requester, error) {
	identity = strings.TrimSpace(identity)
	if strings.EqualFold(identity, domain.ExternalUser) {
		return requester{id: domain.ExternalUser}, nil
	}
	a, ok := cfg.LookupAgent(identity)
	if !ok {
		return requester{}, &domain.UnknownRoleError{Role: identity}
	}
	role, _ := domain.ParseRole(a.Role)
	return requester{id: a.ID, role: role}, nil
}

// resolveTarget accepts an agent id, an agent name, or a bare role served in dom.
func resolveTarget(cfg *config.Config, identity string, dom domain.Domain) (target, error) {
	identity = strings.TrimSpace(identity)
	a, ok := cfg.LookupAgent(identity)
	if !ok {
		role, isRole := domain.ParseRole(identity)
		if !isRole {
			return target{}, &domain.UnknownRoleError{Role: identity}
		}
		if a, ok = cfg.AgentFor(role, dom); !ok {
			return target{}, &domain.UnknownRoleError{Role: identity}
		}
	}
	role, ok := domain.ParseRole(a.Role)
	if !ok {
		return target{}, &domain.UnknownRoleError{Role: a.Role}
	}
	d, ok := domain.ParseDomain(a.Domain)
	if !ok {
		d = dom
	}
	return target{agent: a, role: role, domain: d}, nil
}

func defaultDomain(cfg *config.Config) domain.Domain {
	if d, ok := domain.ParseDomain(cfg.Routing.DefaultDomain); ok {
		return d
	}
	return domain.DomainTechnical
}

func invocationTimeout(cfg *config.Config) time.Duration {
	if d, err := cfg.Timeout(); err == nil {
		return d
	}
	return 30 * time.Minute
}

func (e *Engine) createWorkflow(ctx context.Context, cfg *config.Config, m domain.Message, req requester) (SubmitResult, *supervisor.Request, error) {
	tgt, err := resolveTarget(cfg, m.Role, defaultDomain(cfg))
	if err != nil {
		return SubmitResult{}, nil, err
	}
	now := e.now()
	w := domain.Workflow{
		ID:        uuid.NewString(),
		State:     domain.StateCreated,
		Domain:    tgt.domain,
		Role:      tgt.role,
		AgentID:   tgt.agent.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inv, dreq := newInvocation(cfg, w.ID, tgt, m, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkflowTx(ctx, tx, w); err != nil {
		return SubmitResult{}, nil, fmt.Errorf("insert workflow: %w", err)
	}
	if err := e.Repo.InsertMessageTx(ctx, tx, w.ID, m); err != nil {
		return SubmitResult{}, nil, fmt.Errorf("insert message: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowCreated, w.ID, "workflow", w.ID, req.id, events.EventPayload{
		"role": w.Role, "agent_id": w.AgentID, "domain": w.Domain, "message_id": m.ID,
	}); err != nil {
		return SubmitResult{}, nil, err
	}
	if err := e.transitionTx(ctx, tx, &w, workflow.EventDispatch, domain.HistoryEntry{
		Kind:         domain.HistoryMessage,
		ActorID:      req.id,
		MessageID:    m.ID,
		InvocationID: inv.ID,
	}); err != nil {
		return SubmitResult{}, nil, err
	}
	if err := e.queueInvocationTx(ctx, tx, inv, req.id); err != nil {
		return SubmitResult{}, nil, err
	}
	if err := e.bindClaimTx(ctx, tx, m.Context.WorkItemID, w.ID, tgt.agent.ID, req.id); err != nil {
		return SubmitResult{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, nil, err
	}
	e.log().Info("workflow created", "workflow_id", w.ID, "role", w.Role, "agent_id", w.AgentID, "requesting_agent", req.id)
	return SubmitResult{WorkflowID: w.ID, MessageID: m.ID, State: w.State, InvocationID: inv.ID, Created: true}, &dreq, nil
}

// appendMessage adds m to an existing workflow. What it does depends on the workflow's state:
// a running workflow records a note; one awaiting review is approved, rejected or handed off.
func (e *Engine) appendMessage(ctx context.Context, cfg *config.Config, chain workflow.ReviewChain, id string, m domain.Message, req requester) (SubmitResult, *supervisor.Request, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, nil, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkflowTx(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return SubmitResult{}, nil, &domain.NotFoundError{Kind: "workflow", ID: id}
	}
	if err != nil {
		return SubmitResult{}, nil, err
	}
	if w.State.Terminal() {
		return SubmitResult{}, nil, &domain.ConflictError{Reason: fmt.Sprintf("workflow %s is %s", w.ID, w.State)}
	}
	tgt, err := resolveTarget(cfg, m.Role, w.Domain)
	if err != nil {
		return SubmitResult{}, nil, err
	}
	if err := e.Repo.InsertMessageTx(ctx, tx, w.ID, m); err != nil {
		return SubmitResult{}, nil, fmt.Errorf("insert message: %w", err)
	}

	res := SubmitResult{WorkflowID: w.ID, MessageID: m.ID}
	var dispatch *supervisor.Request
	h := domain.HistoryEntry{ActorID: req.id, MessageID: m.ID}

	if w.State != domain.StateAwaitingReview {
		h.Kind = domain.HistoryNote
		if err := e.transitionTx(ctx, tx, &w, workflow.EventNote, h); err != nil {
			return SubmitResult{}, nil, err
		}
	} else {
		var verdict domain.Verdict
		var notes string
		if m.Context.Review != nil {
			verdict, notes = m.Context.Review.Verdict, m.Context.Review.Notes
		}
		switch {
		case verdict == domain.VerdictApproved && chain.IsFinal(req.role):
			h.Kind = domain.HistoryReviewApproved
			h.Detail = detail(map[string]any{"reviewer_role": req.role, "notes": notes})
			if err := e.transitionTx(ctx, tx, &w, workflow.EventApprove, h); err != nil {
				return SubmitResult{}, nil, err
			}
			if _, err := e.Ledger.ReleaseWorkflowTx(ctx, tx, w.ID, req.id, "completed"); err != nil {
				return SubmitResult{}, nil, err
			}
		case verdict == domain.VerdictRejected:
			h.Kind = domain.HistoryReviewRejected
			h.Detail = detail(map[string]any{"reviewer_role": req.role, "notes": notes})
			if err := e.transitionTx(ctx, tx, &w, workflow.EventReject, h); err != nil {
				return SubmitResult{}, nil, err
			}
			if _, err := e.Ledger.ReleaseWorkflowTx(ctx, tx, w.ID, req.id, "rejected"); err != nil {
				return SubmitResult{}, nil, err
			}
		default:
			m, err = e.withPriorResultTx(ctx, tx, w.ID, m)
			if err != nil {
				return SubmitResult{}, nil, err
			}
			h.Kind = domain.HistoryMessage
			h.Detail = detail(map[string]any{"verdict": verdict, "from_role": w.Role, "to_role": tgt.role, "notes": notes})
			if err := e.transitionTx(ctx, tx, &w, workflow.EventHandoff, h); err != nil {
				return SubmitResult{}, nil, err
			}
			now := e.now()
			inv, dreq := newInvocation(cfg, w.ID, tgt, m, now)
			w.Role, w.AgentID = tgt.role, tgt.agent.ID
			if err := e.transitionTx(ctx, tx, &w, workflow.EventDispatch, domain.HistoryEntry{
				Kind:         domain.HistoryDispatch,
				ActorID:      req.id,
				MessageID:    m.ID,
				InvocationID: inv.ID,
				Detail:       detail(map[string]any{"role": tgt.role, "agent_id": tgt.agent.ID}),
			}); err != nil {
				return SubmitResult{}, nil, err
			}
			if err := e.queueInvocationTx(ctx, tx, inv, req.id); err != nil {
				return SubmitResult{}, nil, err
			}
			res.InvocationID = inv.ID
			dispatch = &dreq
		}
	}
	if err := e.bindClaimTx(ctx, tx, m.Context.WorkItemID, w.ID, tgt.agent.ID, req.id); err != nil {
		return SubmitResult{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, nil, err
	}
	res.State = w.State
	e.log().Info("message appended", "workflow_id", w.ID, "state", w.State, "requesting_agent", req.id)
	return res, dispatch, nil
}

// withPriorResultTx hands the next role the output it is reviewing unless the sender supplied one.
func (e *Engine) withPriorResultTx(ctx context.Context, tx *sql.Tx, workflowID string, m domain.Message) (domain.Message, error) {
	if len(m.Context.PriorResult) > 0 && m.Context.PullRequest != "" {
		return m, nil
	}
	invs, err := e.Repo.ListInvocationsTx(ctx, tx, workflowID)
	if err != nil {
		return m, err
	}
	for i := len(invs) - 1; i >= 0; i-- {
		inv := invs[i]
		if inv.Status != domain.InvocationSucceeded || inv.Output == nil {
			continue
		}
		if len(m.Context.PriorResult) == 0 {
			m.Context.PriorResult = inv.Output.Result
		}
		if m.Context.PullRequest == "" {
			m.Context.PullRequest = inv.Output.PullRequest
		}
		break
	}
	return m, nil
}

func newInvocation(cfg *config.Config, workflowID string, tgt target, m domain.Message, now time.Time) (domain.Invocation, supervisor.Request) {
	timeout := invocationTimeout(cfg)
	inv := domain.Invocation{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		AgentRole:  tgt.role,
		AgentID:    tgt.agent.ID,
		Deadline:   now.Add(timeout),
		Status:     domain.InvocationQueued,
		CreatedAt:  now,
	}
	ctxCopy := m.Context
	ctxCopy.WorkflowID = workflowID
	return inv, supervisor.Request{
		InvocationID: inv.ID,
		WorkflowID:   workflowID,
		AgentRole:    tgt.role,
		AgentID:      tgt.agent.ID,
		Task:         m.Task,
		Context:      ctxCopy,
		Timeout:      timeout,
	}
}

func (e *Engine) queueInvocationTx(ctx context.Context, tx *sql.Tx, inv domain.Invocation, actorID string) error {
	if err := e.Repo.InsertInvocationTx(ctx, tx, inv); err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return e.Events.Append(ctx, tx, events.InvocationQueued, inv.WorkflowID, "invocation", inv.ID, actorID, events.EventPayload{
		"role": inv.AgentRole, "agent_id": inv.AgentID, "deadline": repo.FormatTime(inv.Deadline),
	})
}

// bindClaimTx ties an unbound active claim on the work item to the workflow, so the claim is
// released when the workflow ends. Claims held by anyone but the involved agents are left alone.
func (e *Engine) bindClaimTx(ctx context.Context, tx *sql.Tx, workItemID, workflowID string, agents ...string) error {
	if strings.TrimSpace(workItemID) == "" {
		return nil
	}
	c, ok, err := e.Ledger.ActiveTx(ctx, tx, workItemID)
	if err != nil || !ok || c.WorkflowID != "" {
		return err
	}
	for _, a := range agents {
		if a != "" && a == c.AgentID {
			return e.Ledger.BindTx(ctx, tx, c, workflowID)
		}
	}
	return nil
}

// dispatch hands a recorded invocation to the supervisor. A refusal is folded back as a failure.
func (e *Engine) dispatch(ctx context.Context, req supervisor.Request) {
	var err error
	if e.Supervisor == nil {
		err = errors.New("no supervisor attached")
	} else {
		_, err = e.Supervisor.Dispatch(ctx, req)
	}
	if err == nil {
		return
	}
	e.log().Error("dispatch failed", "workflow_id", req.WorkflowID, "invocation_id", req.InvocationID, "err", err)
	now := e.now()
	e.HandleInvocation(domain.Invocation{
		ID:         req.InvocationID,
		WorkflowID: req.WorkflowID,
		AgentRole:  req.AgentRole,
		AgentID:    req.AgentID,
		Status:     domain.InvocationFailed,
		Output:     &domain.Output{Error: "dispatch: " + err.Error()},
		FinishedAt: &now,
	})
}
