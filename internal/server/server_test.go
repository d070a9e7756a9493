package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"workrelay/internal/config"
	"workrelay/internal/db"
	"workrelay/internal/domain"
	"workrelay/internal/engine"
	"workrelay/internal/ledger"
	"workrelay/internal/migrate"
	"workrelay/internal/supervisor"
)

const testSecret = "test-secret"

type stubSupervisor struct {
	mu       sync.Mutex
	requests []supervisor.Request
}

func (s *stubSupervisor) Dispatch(_ context.Context, req supervisor.Request) (domain.Invocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return domain.Invocation{ID: req.InvocationID, WorkflowID: req.WorkflowID, Status: domain.InvocationQueued}, nil
}

func (s *stubSupervisor) Cancel(string) bool             { return true }
func (s *stubSupervisor) Shutdown(context.Context) error { return nil }
func (s *stubSupervisor) Stats() (queued, running int)   { return s.count(), 0 }

func (s *stubSupervisor) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubWorkspaces struct{}

func (stubWorkspaces) ReleaseWorkflow(context.Context, string) error { return nil }
func (stubWorkspaces) Cleanup(context.Context) (int, error)          { return 0, nil }

type testServer struct {
	URL    string
	Engine *engine.Engine
	Sup    *stubSupervisor
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, config.Default("relay"))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	sup := &stubSupervisor{}
	e.Supervisor = sup
	e.Workspaces = stubWorkspaces{}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowAgentHeader: true},
		Stats:    sup.Stats,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, Sup: sup, client: &http.Client{}}
}

func asAgent(id string) map[string]string { return map[string]string{"X-Agent-Id": id} }

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	var h HealthResponse
	if err := json.Unmarshal(data, &h); err != nil || h.Status != "ok" {
		t.Fatalf("unexpected health body %s", data)
	}
}

func TestRequestsRequireAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/workflows", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/workflows", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", res.StatusCode)
	}
}

func TestSubmitAndStatus(t *testing.T) {
	srv := newTestServer(t)
	token, err := SignToken(testSecret, "r1_tech_strategist", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/submit", map[string]any{
		"role":    "R2 Tech Planner",
		"task":    "break down phase 1",
		"context": map[string]any{"phase_doc": "docs/plans/phase1.md"},
	}, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var sub engine.SubmitResult
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if sub.WorkflowID == "" || !sub.Created {
		t.Fatalf("unexpected submit result %+v", sub)
	}
	if srv.Sup.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", srv.Sup.count())
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/workflows/"+sub.WorkflowID+"/status", nil, asAgent("r1_tech_strategist"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var w domain.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if w.State != domain.StateDispatched || len(w.History) != 1 {
		t.Fatalf("unexpected workflow %+v", w)
	}
	if w.History[0].Message == nil || w.History[0].Message.RequestingAgent != "r1_tech_strategist" {
		t.Fatalf("requesting agent should come from the token subject: %+v", w.History[0].Message)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/workflows?state=dispatched", nil, asAgent("r1_tech_strategist"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var list WorkflowList
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].ID != sub.WorkflowID {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	srv := newTestServer(t)
	cases := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"unknown context key", `{"role":"Planning","task":"x","context":{"bogus":1}}`, http.StatusBadRequest, "validation_failed"},
		{"bad verdict", `{"role":"Planning","task":"x","context":{"review":{"verdict":"maybe"}}}`, http.StatusBadRequest, "validation_failed"},
		{"unknown role", `{"role":"Astrologer","task":"x"}`, http.StatusNotFound, "unknown_role"},
		{"missing workflow", `{"role":"Planning","task":"x","context":{"workflow_id":"nope"}}`, http.StatusNotFound, "not_found"},
		{"missing task", `{"role":"Planning"}`, http.StatusBadRequest, "bad_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/submit", tc.body, asAgent(domain.ExternalUser))
			if res.StatusCode != tc.status {
				t.Fatalf("status %d: %s", res.StatusCode, data)
			}
			if code := errorCode(t, data); code != tc.code {
				t.Fatalf("code = %s, want %s", code, tc.code)
			}
		})
	}
	if srv.Sup.count() != 0 {
		t.Fatalf("rejected submissions must not dispatch")
	}
}

func TestSubmitByOperatorDefaultsToExternalUser(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/submit", map[string]any{
		"role": "Planning",
		"task": "plan the release",
	}, asAgent("ops-console"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var sub engine.SubmitResult
	if err := json.Unmarshal(data, &sub); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	w, err := srv.Engine.Status(context.Background(), sub.WorkflowID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if w.History[0].Message == nil || w.History[0].Message.RequestingAgent != domain.ExternalUser {
		t.Fatalf("operator submit should be recorded as %s: %+v", domain.ExternalUser, w.History[0].Message)
	}
}

func TestAgentsCannotImpersonate(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/submit", map[string]any{
		"role":             "Planning",
		"task":             "x",
		"requesting_agent": "r1_product_strategist",
	}, asAgent("r1_tech_strategist"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, data)
	}
	if code := errorCode(t, data); code != "actor_mismatch" {
		t.Fatalf("code = %s", code)
	}
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims/release", map[string]any{
		"work_item_id": "T-1",
		"force":        true,
	}, asAgent("r3_tech_implementer"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("agents may not force a release, got %d", res.StatusCode)
	}
}

func TestClaimConflictAndRelease(t *testing.T) {
	srv := newTestServer(t)
	claim := func(agent string) ledger.ClaimResult {
		t.Helper()
		res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claim-ticket", map[string]any{
			"work_item_id": "T-42",
			"domain":       "technical",
		}, asAgent(agent))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("claim status %d: %s", res.StatusCode, data)
		}
		var out ledger.ClaimResult
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal claim: %v", err)
		}
		return out
	}
	first := claim("agentA")
	if !first.Claimed || first.ClaimID == "" {
		t.Fatalf("first claim should win: %+v", first)
	}
	second := claim("agentB")
	if second.Claimed || second.AgentID != "agentA" {
		t.Fatalf("second claim should report the holder: %+v", second)
	}

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims/release", map[string]any{"work_item_id": "T-42"}, asAgent("agentB"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "claim_conflict" {
		t.Fatalf("non-holder release should conflict, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/claims/release", map[string]any{"work_item_id": "T-42"}, asAgent("agentA"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("release status %d: %s", res.StatusCode, data)
	}
	if third := claim("agentB"); !third.Claimed {
		t.Fatalf("claim after release should win: %+v", third)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/claims?work_item_id=T-42&active=true", nil, asAgent("agentB"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list claims status %d: %s", res.StatusCode, data)
	}
	var list ClaimList
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 1 || list.Items[0].AgentID != "agentB" {
		t.Fatalf("unexpected active claims %+v", list.Items)
	}
}

func TestRouteCommentNotifiesSubscribers(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/subscriptions", map[string]any{"work_item_id": "issues/7"}, asAgent("r4_tech_reviewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("subscribe status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/route-comment", map[string]any{
		"label":        "feedback:r3_implementation",
		"file_path":    "ui/button.tsx",
		"body":         "padding is off",
		"work_item_id": "issues/7",
	}, asAgent(domain.ExternalUser))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("route status %d: %s", res.StatusCode, data)
	}
	var routed engine.RouteResult
	if err := json.Unmarshal(data, &routed); err != nil {
		t.Fatalf("unmarshal route: %v", err)
	}
	if routed.Role != domain.RoleImplementation || routed.Domain != domain.DomainUI {
		t.Fatalf("unexpected route %+v", routed)
	}
	if len(routed.Notified) != 1 || routed.Notified[0] != "r4_tech_reviewer" {
		t.Fatalf("expected the reviewer to be notified, got %v", routed.Notified)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/subscriptions?work_item_id=issues/7", nil, asAgent("r4_tech_reviewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("subscriptions status %d: %s", res.StatusCode, data)
	}
}

func TestCancelWorkflow(t *testing.T) {
	srv := newTestServer(t)
	sub, err := srv.Engine.Submit(context.Background(), domain.Message{Role: "Implementation", Task: "build", RequestingAgent: domain.ExternalUser})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	url := srv.URL + "/v1/workflows/" + sub.WorkflowID + "/cancel"
	res, data := doJSON(t, srv.client, http.MethodPost, url, map[string]any{"reason": "superseded"}, asAgent("operator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, data)
	}
	var out CancelResponse
	_ = json.Unmarshal(data, &out)
	if out.State != domain.StateFailed {
		t.Fatalf("cancelled workflow should be failed, got %s", out.State)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, url, nil, asAgent("operator"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel should conflict, got %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/workflows/missing/cancel", nil, asAgent("operator"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel of unknown workflow should 404, got %d", res.StatusCode)
	}
}

func TestEventsPaging(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 3; i++ {
		if _, err := srv.Engine.Submit(context.Background(), domain.Message{Role: "Planning", Task: "plan", RequestingAgent: domain.ExternalUser}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	seen := map[int64]bool{}
	cursor := ""
	for page := 0; page < 10; page++ {
		url := srv.URL + "/v1/events?type=workflow.created&limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, srv.client, http.MethodGet, url, nil, asAgent("operator"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("events status %d: %s", res.StatusCode, data)
		}
		var out paginatedEvents
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal events: %v", err)
		}
		for _, evt := range out.Items {
			if seen[evt.ID] {
				t.Fatalf("event %d returned twice", evt.ID)
			}
			seen[evt.ID] = true
		}
		if out.NextCursor == "" {
			break
		}
		cursor = out.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 created events across pages, got %d", len(seen))
	}
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/events?cursor=abc", nil, asAgent("operator"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor should 400, got %d", res.StatusCode)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	for _, p := range []string{"/v1/submit", "/v1/claim-ticket", "/v1/route-comment", "/v1/workflows/{workflow_id}/status"} {
		if !bytes.Contains(data, []byte(p)) {
			t.Fatalf("openapi document missing %s", p)
		}
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv := newTestServer(t)
	var (
		mu       sync.Mutex
		received []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received = append(received, r.Header.Get("X-Relay-Event"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	cfg := *srv.Engine.Config()
	cfg.Webhooks = []config.Webhook{{URL: hook.URL, Events: []string{"workflow.created"}}}
	if err := srv.Engine.SetConfig(&cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}
	d := &WebhookDispatcher{Engine: srv.Engine}
	ctx := context.Background()
	// The first pass pins the cursor at the current head.
	d.DispatchAll(ctx)
	if _, err := srv.Engine.Submit(ctx, domain.Message{Role: "Planning", Task: "plan", RequestingAgent: domain.ExternalUser}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "workflow.created" {
		t.Fatalf("expected exactly one workflow.created delivery, got %v", received)
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"claim.*", "workflow.created"})
	for evt, want := range map[string]bool{
		"claim.acquired":      true,
		"claim.released":      true,
		"workflow.created":    true,
		"workflow.transition": false,
		"invocation.queued":   false,
	} {
		if got := f.match(evt); got != want {
			t.Fatalf("match(%s) = %v, want %v", evt, got, want)
		}
	}
	if !newEventFilter(nil).match("anything") {
		t.Fatalf("empty filter matches everything")
	}
}
