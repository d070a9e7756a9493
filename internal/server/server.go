package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"workrelay/internal/domain"
	"workrelay/internal/engine"
	"workrelay/internal/ledger"
	"workrelay/internal/repo"
	"workrelay/internal/router"
)

const (
	timeLayout         = time.RFC3339Nano
	maxErrorDetails    = 32
	defaultListLimit   = 50
	maxListLimit       = 200
	defaultBasePath    = "/v1"
	apiTitle           = "Relay API"
	apiVersion         = "1.0.0"
	cancelledByRequest = "cancelled by request"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	// Stats reports supervisor queue depth for the health endpoint. Optional.
	Stats func() (queued, running int)
	// IncludeErrorBody exposes the underlying error text on 500 responses.
	IncludeErrorBody bool
	Logger           *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"claim_conflict"`
	Message string         `json:"message" example:"work item T-1 already claimed by r3_tech_implementer"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"holder_id\":\"r3_tech_implementer\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the relay API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = defaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	basePath = strings.TrimSuffix(basePath, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema validation failures are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			if len(errs) > maxErrorDetails {
				details = map[string]any{"errors": errs[:maxErrorDetails], "truncated": len(errs) - maxErrorDetails}
			} else {
				details = map[string]any{"errors": errs}
			}
		}
		return newAPIError(status, "", msg, details)
	}

	mux := chi.NewRouter()
	mux.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	mux.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig(apiTitle, apiVersion)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(mux, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, log: logger, stats: cfg.Stats, verbose: cfg.IncludeErrorBody}
	registerDocs(mux, basePath)
	h.registerHealth(group)
	h.registerSubmit(group)
	h.registerClaims(group)
	h.registerRouting(group)
	h.registerWorkflows(group)
	h.registerSubscriptions(group)
	h.registerEvents(group)
	registerOpenAPI(mux, api, basePath)

	return mux, nil
}

type handlers struct {
	e       *engine.Engine
	log     *slog.Logger
	stats   func() (queued, running int)
	verbose bool
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the envelope. Anything unrecognised is a 500 and is logged.
func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ves domain.ValidationErrors
	if errors.As(err, &ves) {
		items := make([]map[string]string, 0, len(ves))
		for i, ve := range ves {
			if i == maxErrorDetails {
				break
			}
			items = append(items, map[string]string{"field": ve.Field, "reason": ve.Reason})
		}
		details := map[string]any{"errors": items}
		if len(ves) > maxErrorDetails {
			details["truncated"] = len(ves) - maxErrorDetails
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	var ure *domain.UnknownRoleError
	if errors.As(err, &ure) {
		return newAPIError(http.StatusNotFound, "unknown_role", err.Error(), map[string]any{"role": ure.Role})
	}
	var nfe *domain.NotFoundError
	if errors.As(err, &nfe) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nfe.Kind, "id": nfe.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var cce *domain.ClaimConflictError
	if errors.As(err, &cce) {
		return newAPIError(http.StatusConflict, "claim_conflict", err.Error(), map[string]any{"work_item_id": cce.WorkItemID, "holder_id": cce.HolderID})
	}
	var ce *domain.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	h.log.Error("request failed", "err", err)
	var details map[string]any
	if h.verbose {
		details = map[string]any{"error": err.Error()}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", details)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["agentHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Agent-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"agentHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Relay API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Agent-Id.
    </p>
  </body>
</html>`, specURL)
}

func (h handlers) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		resp := HealthResponse{Status: "ok"}
		if h.stats != nil {
			resp.Queued, resp.Running = h.stats()
		}
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerSubmit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit",
		Method:        http.MethodPost,
		Path:          "/submit",
		Summary:       "Submit a message",
		Description:   "Creates a workflow, or appends to the one named by context.workflow_id, and dispatches the target agent.",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest `json:"body"`
	}) (*struct {
		Body engine.SubmitResult `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg := h.e.Config()
		requesting := input.Body.RequestingAgent
		if strings.TrimSpace(requesting) == "" && isOperator(cfg, principal) {
			requesting = domain.ExternalUser
		}
		requesting, apiErr := actingAgent(cfg, principal, requesting)
		if apiErr != nil {
			return nil, apiErr
		}
		msgCtx, err := domain.DecodeContext(rawBodyMap(ctx)["context"])
		if err != nil {
			return nil, h.handleError(err)
		}
		res, err := h.e.Submit(ctx, domain.Message{
			Role:            input.Body.Role,
			Task:            input.Body.Task,
			Context:         msgCtx,
			RequestingAgent: requesting,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.SubmitResult `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerClaims(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-ticket",
		Method:      http.MethodPost,
		Path:        "/claim-ticket",
		Summary:     "Claim a work item",
		Description: "Exactly one concurrent claimant wins. A lost race returns claimed=false with the holder in agent_id.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body ClaimTicketRequest `json:"body"`
	}) (*struct {
		Body ledger.ClaimResult `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agentID, apiErr := actingAgent(h.e.Config(), principal, input.Body.AgentID)
		if apiErr != nil {
			return nil, apiErr
		}
		res, err := h.e.ClaimTicket(ctx, ledger.ClaimRequest{
			WorkItemID: input.Body.WorkItemID,
			AgentID:    agentID,
			Domain:     domain.Domain(input.Body.Domain),
			WorkflowID: input.Body.WorkflowID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ledger.ClaimResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-claim",
		Method:      http.MethodPost,
		Path:        "/claims/release",
		Summary:     "Release a claim",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body ReleaseClaimRequest `json:"body"`
	}) (*struct {
		Body ReleaseClaimResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cfg := h.e.Config()
		if input.Body.Force && !isOperator(cfg, principal) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only operators may force a release", nil)
		}
		actor, _ := actingAgent(cfg, principal, "")
		released, err := h.e.ReleaseClaim(ctx, input.Body.WorkItemID, actor, input.Body.Force)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ReleaseClaimResponse `json:"body"`
		}{Body: ReleaseClaimResponse{WorkItemID: input.Body.WorkItemID, Released: released}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "List claims",
	}, func(ctx context.Context, input *struct {
		WorkItemID string `query:"work_item_id"`
		AgentID    string `query:"agent_id"`
		Active     bool   `query:"active"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body ClaimList `json:"body"`
	}, error) {
		claims, err := h.e.Claims(ctx, repo.ClaimFilters{
			WorkItemID: input.WorkItemID,
			AgentID:    input.AgentID,
			ActiveOnly: input.Active,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ClaimList `json:"body"`
		}{Body: ClaimList{Items: nonNilSlice(claims)}}, nil
	})
}

func (h handlers) registerRouting(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "route-comment",
		Method:      http.MethodPost,
		Path:        "/route-comment",
		Summary:     "Route a review comment",
		Description: "Maps the comment to a role and domain, delivers it as a message and notifies work item subscribers.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RouteCommentRequest `json:"body"`
	}) (*struct {
		Body engine.RouteResult `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := h.e.RouteFeedback(ctx, router.FeedbackEvent{
			Label:      input.Body.Label,
			FilePath:   input.Body.FilePath,
			Line:       input.Body.Line,
			Body:       input.Body.Body,
			WorkItemID: input.Body.WorkItemID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		res.Notified = nonNilSlice(res.Notified)
		return &struct {
			Body engine.RouteResult `json:"body"`
		}{Body: res}, nil
	})
}

func (h handlers) registerWorkflows(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "workflow-status",
		Method:      http.MethodGet,
		Path:        "/workflows/{workflow_id}/status",
		Summary:     "Workflow status with full history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
	}) (*struct {
		Body domain.Workflow `json:"body"`
	}, error) {
		w, err := h.e.Status(ctx, input.WorkflowID)
		if err != nil {
			return nil, h.handleError(err)
		}
		w.History = nonNilSlice(w.History)
		return &struct {
			Body domain.Workflow `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State  string `query:"state"`
		Domain string `query:"domain"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body WorkflowList `json:"body"`
	}, error) {
		items, err := h.e.ListWorkflows(ctx, engine.ListOptions{
			State:  input.State,
			Domain: input.Domain,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := WorkflowList{Items: make([]WorkflowSummary, 0, len(items))}
		for _, w := range items {
			resp.Items = append(resp.Items, workflowSummary(w))
		}
		return &struct {
			Body WorkflowList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{workflow_id}/cancel",
		Summary:     "Cancel a workflow",
		Description: "Stops running invocations, releases workspaces and claims, and fails the workflow.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `path:"workflow_id"`
		Body       *CancelRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body CancelResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := cancelledByRequest
		if input.Body != nil && strings.TrimSpace(input.Body.Reason) != "" {
			reason = strings.TrimSpace(input.Body.Reason)
		}
		if err := h.e.Cancel(ctx, input.WorkflowID, principal.ActorID, reason); err != nil {
			return nil, h.handleError(err)
		}
		w, err := h.e.Repo.GetWorkflow(ctx, input.WorkflowID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body CancelResponse `json:"body"`
		}{Body: CancelResponse{WorkflowID: w.ID, State: w.State}}, nil
	})
}

func (h handlers) registerSubscriptions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-subscriptions",
		Method:      http.MethodGet,
		Path:        "/subscriptions",
		Summary:     "Agents subscribed to a work item",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkItemID string `query:"work_item_id" required:"true"`
	}) (*struct {
		Body SubscriptionsResponse `json:"body"`
	}, error) {
		agents, err := h.e.Subscribers(ctx, input.WorkItemID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body SubscriptionsResponse `json:"body"`
		}{Body: SubscriptionsResponse{WorkItemID: input.WorkItemID, Agents: nonNilSlice(agents)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "subscribe",
		Method:      http.MethodPost,
		Path:        "/subscriptions",
		Summary:     "Subscribe to feedback on a work item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body SubscribeRequest `json:"body"`
	}) (*struct {
		Body SubscriptionsResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agentID, apiErr := actingAgent(h.e.Config(), principal, input.Body.AgentID)
		if apiErr != nil {
			return nil, apiErr
		}
		if err := h.e.Subscribe(ctx, input.Body.WorkItemID, agentID); err != nil {
			return nil, h.handleError(err)
		}
		agents, err := h.e.Subscribers(ctx, input.Body.WorkItemID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body SubscriptionsResponse `json:"body"`
		}{Body: SubscriptionsResponse{WorkItemID: input.Body.WorkItemID, Agents: nonNilSlice(agents)}}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkflowID string `query:"workflow_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"workflow,invocation,claim,subscription,feedback"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilters{
			WorkflowID: input.WorkflowID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// LatestEvents pages strictly below the cursor, so the next page starts after the last kept item.
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return defaultListLimit
	}
	if in > maxListLimit {
		return maxListLimit
	}
	return in
}
