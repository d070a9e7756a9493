package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"workrelay/internal/config"
	"workrelay/internal/db"
	"workrelay/internal/domain"
	"workrelay/internal/engine"
	"workrelay/internal/ledger"
	"workrelay/internal/migrate"
	"workrelay/internal/repo"
	"workrelay/internal/router"
	"workrelay/internal/supervisor"
)

type fakeSupervisor struct {
	mu        sync.Mutex
	requests  []supervisor.Request
	cancelled []string
	refuse    error
}

func (s *fakeSupervisor) Dispatch(_ context.Context, req supervisor.Request) (domain.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse != nil {
		return domain.Invocation{}, s.refuse
	}
	s.requests = append(s.requests, req)
	return domain.Invocation{ID: req.InvocationID, WorkflowID: req.WorkflowID, Status: domain.InvocationQueued}, nil
}

func (s *fakeSupervisor) Cancel(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, workflowID)
	return true
}

func (s *fakeSupervisor) Shutdown(context.Context) error { return nil }

func (s *fakeSupervisor) last(t *testing.T) supervisor.Request {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		t.Fatalf("nothing dispatched")
	}
	return s.requests[len(s.requests)-1]
}

func (s *fakeSupervisor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type fakeWorkspaces struct {
	released []string
	failWith error
}

func (w *fakeWorkspaces) ReleaseWorkflow(_ context.Context, id string) error {
	w.released = append(w.released, id)
	return w.failWith
}

func (w *fakeWorkspaces) Cleanup(context.Context) (int, error) { return 2, nil }

type testEnv struct {
	Engine *engine.Engine
	Sup    *fakeSupervisor
	WS     *fakeWorkspaces
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default("relay"))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	sup := &fakeSupervisor{}
	ws := &fakeWorkspaces{}
	eng.Supervisor = sup
	eng.Workspaces = ws
	return testEnv{Engine: eng, Sup: sup, WS: ws, Ctx: context.Background()}
}

// finish reports a terminal outcome for the request the way the supervisor would.
func (env testEnv) finish(req supervisor.Request, status domain.InvocationStatus, out *domain.Output) {
	now := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	code := 0
	if status != domain.InvocationSucceeded {
		code = 1
	}
	env.Engine.HandleInvocation(domain.Invocation{
		ID:            req.InvocationID,
		WorkflowID:    req.WorkflowID,
		AgentRole:     req.AgentRole,
		AgentID:       req.AgentID,
		WorkspacePath: "/tmp/ws/" + req.WorkflowID,
		Status:        status,
		Output:        out,
		ExitCode:      &code,
		StartedAt:     &now,
		FinishedAt:    &now,
	})
}

func (env testEnv) status(t *testing.T, id string) domain.Workflow {
	t.Helper()
	w, err := env.Engine.Status(env.Ctx, id)
	if err != nil {
		t.Fatalf("status %s: %v", id, err)
	}
	return w
}

func plannerMessage() domain.Message {
	return domain.Message{
		Role:            "R2 Tech Planner",
		Task:            "break down phase 1",
		Context:         domain.Context{PhaseDoc: "docs/plans/phase1.md"},
		RequestingAgent: "R1 Tech Strategist",
	}
}

func TestSubmitCreatesDispatchedWorkflow(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, plannerMessage())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.WorkflowID == "" || !res.Created {
		t.Fatalf("expected a new workflow, got %+v", res)
	}
	w := env.status(t, res.WorkflowID)
	if w.State != domain.StateDispatched {
		t.Fatalf("state = %s", w.State)
	}
	if len(w.History) != 1 {
		t.Fatalf("expected one history entry, got %d", len(w.History))
	}
	h := w.History[0]
	if h.Kind != domain.HistoryMessage || h.FromState != domain.StateCreated || h.ToState != domain.StateDispatched {
		t.Fatalf("unexpected entry %+v", h)
	}
	if h.Message == nil || h.Message.Task != "break down phase 1" || h.Message.RequestingAgent != "r1_tech_strategist" {
		t.Fatalf("history should carry the message, got %+v", h.Message)
	}
	if w.Role != domain.RolePlanning || w.AgentID != "r2_tech_planner" || w.Domain != domain.DomainTechnical {
		t.Fatalf("unexpected target %s/%s/%s", w.Role, w.AgentID, w.Domain)
	}
	if len(w.Invocations) != 1 || w.Invocations[0].Status != domain.InvocationQueued {
		t.Fatalf("expected one queued invocation, got %+v", w.Invocations)
	}
	req := env.Sup.last(t)
	if req.WorkflowID != res.WorkflowID || req.InvocationID != res.InvocationID || req.Context.PhaseDoc != "docs/plans/phase1.md" {
		t.Fatalf("unexpected dispatch %+v", req)
	}
}

func TestSubmitRejectsUnknownRoleWithoutState(t *testing.T) {
	env := newTestEnv(t)
	msg := plannerMessage()
	msg.Role = "R9 Astrologer"
	_, err := env.Engine.Submit(env.Ctx, msg)
	var unknown *domain.UnknownRoleError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownRoleError, got %v", err)
	}
	msg = plannerMessage()
	msg.RequestingAgent = "somebody"
	if _, err := env.Engine.Submit(env.Ctx, msg); !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownRoleError for requester, got %v", err)
	}
	list, err := env.Engine.ListWorkflows(env.Ctx, engine.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 || env.Sup.count() != 0 {
		t.Fatalf("rejected submits must not create state")
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, domain.Message{})
	var errs domain.ValidationErrors
	if !errors.As(err, &errs) || len(errs) != 3 {
		t.Fatalf("expected three validation errors, got %v", err)
	}
	msg := plannerMessage()
	msg.Context.Review = &domain.ReviewContext{Verdict: "maybe"}
	if _, err := env.Engine.Submit(env.Ctx, msg); !errors.As(err, &errs) {
		t.Fatalf("expected validation error for verdict, got %v", err)
	}
}

func TestSubmitAcceptsBareRoleAndExternalUser(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, domain.Message{Role: "implementation", Task: "fix it", RequestingAgent: domain.ExternalUser})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	w := env.status(t, res.WorkflowID)
	if w.AgentID != "r3_tech_implementer" || w.History[0].ActorID != domain.ExternalUser {
		t.Fatalf("unexpected workflow %+v", w)
	}
}

func TestAppendToUnknownOrTerminalWorkflow(t *testing.T) {
	env := newTestEnv(t)
	msg := plannerMessage()
	msg.Context.WorkflowID = "nope"
	var nf *domain.NotFoundError
	if _, err := env.Engine.Submit(env.Ctx, msg); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	res, err := env.Engine.Submit(env.Ctx, plannerMessage())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.finish(env.Sup.last(t), domain.InvocationFailed, &domain.Output{Error: "boom"})
	msg.Context.WorkflowID = res.WorkflowID
	var conflict *domain.ConflictError
	if _, err := env.Engine.Submit(env.Ctx, msg); !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError on failed workflow, got %v", err)
	}
}

func TestNoteWhileDispatched(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, plannerMessage())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	msg := plannerMessage()
	msg.Task = "also consider caching"
	msg.Context = domain.Context{WorkflowID: res.WorkflowID}
	got, err := env.Engine.Submit(env.Ctx, msg)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got.WorkflowID != res.WorkflowID || got.State != domain.StateDispatched || got.InvocationID != "" {
		t.Fatalf("unexpected append result %+v", got)
	}
	w := env.status(t, res.WorkflowID)
	if len(w.History) != 2 || w.History[1].Kind != domain.HistoryNote {
		t.Fatalf("expected a note entry, got %+v", w.History)
	}
	if env.Sup.count() != 1 {
		t.Fatalf("a note must not dispatch")
	}
}

func TestReviewChainToCompletion(t *testing.T) {
	env := newTestEnv(t)
	impl, err := env.Engine.Submit(env.Ctx, domain.Message{Role: "r3_tech_implementer", Task: "implement phase 1", RequestingAgent: "r2_tech_planner",
		Context: domain.Context{WorkItemID: "issues/7"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id := impl.WorkflowID
	if _, err := env.Engine.ClaimTicket(env.Ctx, ledger.ClaimRequest{WorkItemID: "issues/7", AgentID: "r3_tech_implementer", Domain: domain.DomainTechnical, WorkflowID: id}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	env.finish(env.Sup.last(t), domain.InvocationSucceeded, &domain.Output{Summary: "done", PullRequest: "https://git.example/pr/9"})
	if w := env.status(t, id); w.State != domain.StateAwaitingReview {
		t.Fatalf("state after success = %s", w.State)
	}
	subs, err := env.Engine.Subscribers(env.Ctx, "https://git.example/pr/9")
	if err != nil || len(subs) != 1 || subs[0] != "r3_tech_implementer" {
		t.Fatalf("implementer should follow its pull request, got %v %v", subs, err)
	}

	// The planner approves but is not the final reviewer: the work moves on to Review.
	res, err := env.Engine.Submit(env.Ctx, domain.Message{Role: "r4_tech_reviewer", Task: "review the PR", RequestingAgent: "r2_tech_planner",
		Context: domain.Context{WorkflowID: id, Review: &domain.ReviewContext{Verdict: domain.VerdictApproved}}})
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if res.State != domain.StateDispatched || res.InvocationID == "" {
		t.Fatalf("expected dispatch to reviewer, got %+v", res)
	}
	req := env.Sup.last(t)
	if req.AgentRole != domain.RoleReview || req.Context.PullRequest != "https://git.example/pr/9" {
		t.Fatalf("reviewer should receive the prior pull request, got %+v", req)
	}
	env.finish(req, domain.InvocationSucceeded, &domain.Output{Summary: "lgtm"})

	res, err = env.Engine.Submit(env.Ctx, domain.Message{Role: "r1_tech_strategist", Task: "final sign-off", RequestingAgent: "r1_tech_strategist",
		Context: domain.Context{WorkflowID: id, Review: &domain.ReviewContext{Verdict: domain.VerdictApproved, Notes: "ship it"}}})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.State != domain.StateCompleted {
		t.Fatalf("expected completed, got %s", res.State)
	}
	w := env.status(t, id)
	kinds := make([]domain.HistoryKind, 0, len(w.History))
	for i, h := range w.History {
		if h.Seq != int64(i+1) {
			t.Fatalf("history seq %d at index %d", h.Seq, i)
		}
		kinds = append(kinds, h.Kind)
	}
	want := []domain.HistoryKind{
		domain.HistoryMessage, domain.HistoryInvocationSucceeded,
		domain.HistoryMessage, domain.HistoryDispatch, domain.HistoryInvocationSucceeded,
		domain.HistoryReviewApproved,
	}
	if len(kinds) != len(want) {
		t.Fatalf("history kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("history kinds = %v, want %v", kinds, want)
		}
	}
	if _, held, _ := env.Engine.Ledger.Active(env.Ctx, "issues/7"); held {
		t.Fatalf("claim should be released when the workflow completes")
	}
}

func TestRejectFailsAndReleasesClaimImmediately(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, domain.Message{Role: "r3_tech_implementer", Task: "implement", RequestingAgent: domain.ExternalUser})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.ClaimTicket(env.Ctx, ledger.ClaimRequest{WorkItemID: "issues/8", AgentID: "r3_tech_implementer", Domain: domain.DomainTechnical, WorkflowID: res.WorkflowID}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	env.finish(env.Sup.last(t), domain.InvocationSucceeded, &domain.Output{Summary: "done"})
	got, err := env.Engine.Submit(env.Ctx, domain.Message{Role: "r3_tech_implementer", Task: "no", RequestingAgent: "r4_tech_reviewer",
		Context: domain.Context{WorkflowID: res.WorkflowID, Review: &domain.ReviewContext{Verdict: domain.VerdictRejected}}})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if _, held, _ := env.Engine.Ledger.Active(env.Ctx, "issues/8"); held {
		t.Fatalf("claim should be released with the failure")
	}
	subs, _ := env.Engine.Subscribers(env.Ctx, "issues/8")
	if len(subs) != 0 {
		t.Fatalf("subscriptions should be dropped, got %v", subs)
	}
}

func TestTimeoutFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, domain.Message{Role: "r3_tech_implementer", Task: "slow", RequestingAgent: domain.ExternalUser,
		Context: domain.Context{WorkItemID: "issues/9"}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r, err := env.Engine.ClaimTicket(env.Ctx, ledger.ClaimRequest{WorkItemID: "issues/9", AgentID: "r3_tech_implementer", Domain: domain.DomainTechnical}); err != nil || !r.Claimed {
		t.Fatalf("claim: %+v %v", r, err)
	}
	// A follow-up message naming the work item binds the claim to the workflow.
	if _, err := env.Engine.Submit(env.Ctx, domain.Message{Role: "r3_tech_implementer", Task: "note", RequestingAgent: domain.ExternalUser,
		Context: domain.Context{WorkflowID: res.WorkflowID, WorkItemID: "issues/9"}}); err != nil {
		t.Fatalf("note: %v", err)
	}
	env.finish(env.Sup.last(t), domain.InvocationTimedOut, &domain.Output{Error: "deadline exceeded"})
	w := env.status(t, res.WorkflowID)
	if w.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", w.State)
	}
	last := w.History[len(w.History)-1]
	if last.Kind != domain.HistoryInvocationTimedOut {
		t.Fatalf("expected timed_out entry, got %s", last.Kind)
	}
	if w.Invocations[0].Status != domain.InvocationTimedOut || w.Invocations[0].WorkspacePath == "" {
		t.Fatalf("invocation not recorded: %+v", w.Invocations[0])
	}
	if _, held, _ := env.Engine.Ledger.Active(env.Ctx, "issues/9"); held {
		t.Fatalf("claim should be released on timeout")
	}
	if subs, _ := env.Engine.Subscribers(env.Ctx, "issues/9"); len(subs) != 0 {
		t.Fatalf("claimant still subscribed after the workflow failed: %v", subs)
	}

	// A repeated report changes nothing.
	before := len(w.History)
	env.finish(env.Sup.last(t), domain.InvocationSucceeded, nil)
	if after := len(env.status(t, res.WorkflowID).History); after != before {
		t.Fatalf("history grew from %d to %d on a duplicate report", before, after)
	}
}

func TestReleaseClaimOnlyByCurrentHolder(t *testing.T) {
	env := newTestEnv(t)
	claim := func(agent string) {
		t.Helper()
		if r, err := env.Engine.ClaimTicket(env.Ctx, ledger.ClaimRequest{WorkItemID: "issues/12", AgentID: agent, Domain: domain.DomainTechnical}); err != nil || !r.Claimed {
			t.Fatalf("claim %s: %+v %v", agent, r, err)
		}
	}
	claim("r3_tech_implementer")
	if ok, err := env.Engine.ReleaseClaim(env.Ctx, "issues/12", "r3_tech_implementer", false); err != nil || !ok {
		t.Fatalf("release: %v %v", ok, err)
	}
	claim("r3_ui_implementer")

	ok, err := env.Engine.ReleaseClaim(env.Ctx, "issues/12", "r3_tech_implementer", false)
	var cerr *domain.ClaimConflictError
	if !errors.As(err, &cerr) || ok {
		t.Fatalf("stale holder released: %v %v", ok, err)
	}
	if c, held, _ := env.Engine.Ledger.Active(env.Ctx, "issues/12"); !held || c.AgentID != "r3_ui_implementer" {
		t.Fatalf("current claim lost: %+v %v", c, held)
	}
	if _, err := env.Engine.ReleaseClaim(env.Ctx, "issues/12", "", false); err == nil {
		t.Fatalf("release without an actor should fail")
	}
	if ok, err := env.Engine.ReleaseClaim(env.Ctx, "issues/12", "operator", true); err != nil || !ok {
		t.Fatalf("forced release: %v %v", ok, err)
	}
}

func TestDispatchRefusalFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.Sup.refuse = supervisor.ErrClosed
	res, err := env.Engine.Submit(env.Ctx, plannerMessage())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if w := env.status(t, res.WorkflowID); w.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", w.State)
	}
}

func TestCancelRunsEveryStep(t *testing.T) {
	env := newTestEnv(t)
	env.WS.failWith = errors.New("disk on fire")
	res, err := env.Engine.Submit(env.Ctx, plannerMessage())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.ClaimTicket(env.Ctx, ledger.ClaimRequest{WorkItemID: "issues/10", AgentID: "r2_tech_planner", Domain: domain.DomainTechnical, WorkflowID: res.WorkflowID}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err = env.Engine.Cancel(env.Ctx, res.WorkflowID, "r1_tech_strategist", "scope changed")
	if err == nil || !errors.Is(err, env.WS.failWith) {
		t.Fatalf("expected the workspace failure to be reported, got %v", err)
	}
	if len(env.Sup.cancelled) != 1 || len(env.WS.released) != 1 {
		t.Fatalf("supervisor and workspaces must both be told")
	}
	w := env.status(t, res.WorkflowID)
	if w.State != domain.StateFailed || w.History[len(w.History)-1].Kind != domain.HistoryCancelled {
		t.Fatalf("expected cancelled failure, got %s %+v", w.State, w.History)
	}
	if _, held, _ := env.Engine.Ledger.Active(env.Ctx, "issues/10"); held {
		t.Fatalf("claim should be released on cancel")
	}
	// The supervisor's late report is recorded without another transition.
	env.finish(env.Sup.last(t), domain.InvocationFailed, &domain.Output{Error: "invocation cancelled"})
	if got := env.status(t, res.WorkflowID); len(got.History) != len(w.History) {
		t.Fatalf("late report must not add history")
	}
	var conflict *domain.ConflictError
	if err := env.Engine.Cancel(env.Ctx, res.WorkflowID, "", ""); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict cancelling a failed workflow, got %v", err)
	}
}

func TestRouteFeedbackCreatesWorkflow(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.RouteFeedback(env.Ctx, router.FeedbackEvent{Label: "feedback:r3_implementation", FilePath: "app/services/x.py"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Role != domain.RoleImplementation || res.Domain != domain.DomainTechnical || res.AgentID != "r3_tech_implementer" {
		t.Fatalf("unexpected route %+v", res)
	}
	if res.Appended {
		t.Fatalf("no claim exists, so a new workflow is expected")
	}
	req := env.Sup.last(t)
	if req.Context.Feedback == nil || req.Context.Feedback.FilePath != "app/services/x.py" {
		t.Fatalf("feedback context missing: %+v", req.Context)
	}
	w := env.status(t, res.WorkflowID)
	if w.History[0].ActorID != domain.ExternalUser {
		t.Fatalf("routed feedback is submitted by the external user")
	}
}

func TestRouteFeedbackJoinsClaimedWorkflowAndNotifies(t *testing.T) {
	env := newTestEnv(t)
	sub, err := env.Engine.Submit(env.Ctx, domain.Message{Role: "r3_tech_implementer", Task: "implement", RequestingAgent: domain.ExternalUser})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.ClaimTicket(env.Ctx, ledger.ClaimRequest{WorkItemID: "issues/11", AgentID: "r3_tech_implementer", Domain: domain.DomainTechnical, WorkflowID: sub.WorkflowID}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.Engine.Subscribe(env.Ctx, "issues/11", "r4_tech_reviewer"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	line := 12
	res, err := env.Engine.RouteFeedback(env.Ctx, router.FeedbackEvent{Label: "feedback:r3_implementation", FilePath: "app/x.go", Line: &line, Body: "nil check", WorkItemID: "issues/11"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !res.Appended || res.WorkflowID != sub.WorkflowID {
		t.Fatalf("expected append to claimed workflow, got %+v", res)
	}
	if len(res.Notified) != 2 {
		t.Fatalf("expected both subscribers notified, got %v", res.Notified)
	}
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, 0, repo.EventFilters{Type: "feedback.notified"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected two notification events, got %d", len(evs))
	}
}

func TestClaimTicketConcurrentAgents(t *testing.T) {
	env := newTestEnv(t)
	var wg sync.WaitGroup
	results := make([]ledger.ClaimResult, 2)
	for i, agent := range []string{"agentA", "agentB"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := env.Engine.ClaimTicket(env.Ctx, ledger.ClaimRequest{WorkItemID: "issues/123", AgentID: agent, Domain: domain.DomainTechnical})
			if err != nil {
				t.Errorf("claim %s: %v", agent, err)
			}
			results[i] = r
		}()
	}
	wg.Wait()
	if results[0].Claimed == results[1].Claimed {
		t.Fatalf("exactly one claim must win: %+v", results)
	}
	winner, loser := results[0], results[1]
	if !winner.Claimed {
		winner, loser = loser, winner
	}
	if loser.AgentID != winner.AgentID {
		t.Fatalf("loser should learn the winner, got %q want %q", loser.AgentID, winner.AgentID)
	}
	var conflict *domain.ClaimConflictError
	if _, err := env.Engine.ReleaseClaim(env.Ctx, "issues/123", "someone-else", false); !errors.As(err, &conflict) {
		t.Fatalf("only the holder may release, got %v", err)
	}
	if ok, err := env.Engine.ReleaseClaim(env.Ctx, "issues/123", winner.AgentID, false); err != nil || !ok {
		t.Fatalf("release: %v %v", ok, err)
	}
}

func TestRecoverFailsStaleInvocations(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Submit(env.Ctx, plannerMessage())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rep, err := env.Engine.Recover(env.Ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep.Invocations != 1 || rep.Workflows != 1 || rep.Workspaces != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	w := env.status(t, res.WorkflowID)
	if w.State != domain.StateFailed || w.History[len(w.History)-1].Kind != domain.HistoryRecovered {
		t.Fatalf("expected recovered failure, got %s %+v", w.State, w.History)
	}
	if w.Invocations[0].Status != domain.InvocationFailed {
		t.Fatalf("invocation should be failed, got %s", w.Invocations[0].Status)
	}
}

func TestStatusUnknown(t *testing.T) {
	env := newTestEnv(t)
	var nf *domain.NotFoundError
	if _, err := env.Engine.Status(env.Ctx, "missing"); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
