package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"maestro/internal/approval"
	"maestro/internal/archive"
	"maestro/internal/coordinator"
	"maestro/internal/dispatch"
	"maestro/internal/domain"
	"maestro/internal/graph"
	"maestro/internal/integration"
	"maestro/internal/orchestrator"
	"maestro/internal/registry"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	BasePath     string
	Auth         AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_running"`
	Message string         `json:"message" example:"orchestrator is not running"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"service\":\"automation\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Maestro API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("server: orchestrator required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Maestro API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Orchestrator)
	registerLifecycle(group, cfg.Orchestrator)
	registerWorkflows(group, cfg.Orchestrator)
	registerTasks(group, cfg.Orchestrator)
	registerDeployments(group, cfg.Orchestrator)
	registerAgents(group, cfg.Orchestrator)
	registerEvents(group, cfg.Orchestrator)
	registerMetrics(router, cfg.Orchestrator)
	registerOpenAPI(router, api, basePath)

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var transition orchestrator.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": string(transition.From),
			"to":   string(transition.To),
		})
	}
	var upstream integration.Error
	if errors.As(err, &upstream) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{
			"service": upstream.Service,
		})
	}
	switch {
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, coordinator.ErrProjectNotFound),
		errors.Is(err, dispatch.ErrTaskNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, registry.ErrAgentExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, dispatch.ErrAgentUnhealthy):
		return newAPIError(http.StatusConflict, "agent_unreachable", err.Error(), nil)
	case errors.Is(err, dispatch.ErrInvalidTransition),
		errors.Is(err, coordinator.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrNotRunning):
		return newAPIError(http.StatusConflict, "not_running", err.Error(), nil)
	case errors.Is(err, coordinator.ErrInvalidProjectData),
		errors.Is(err, approval.ErrInvalidProposal):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, approval.ErrCyclicProposal):
		return newAPIError(http.StatusUnprocessableEntity, "cyclic_dependencies", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "healthz")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>Maestro API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, orch *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Orchestration status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body orchestrator.StatusReport `json:"body"`
	}, error) {
		return &struct {
			Body orchestrator.StatusReport `json:"body"`
		}{Body: orch.GetOrchestrationStatus()}, nil
	})
}

func registerLifecycle(api huma.API, orch *orchestrator.Orchestrator) {
	type statusBody struct {
		Body map[string]string `json:"body"`
	}
	respond := func() *statusBody {
		return &statusBody{Body: map[string]string{"status": string(orch.Status())}}
	}

	huma.Register(api, huma.Operation{
		OperationID: "pause-orchestrator",
		Method:      http.MethodPost,
		Path:        "/orchestrator/pause",
		Summary:     "Pause orchestration",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*statusBody, error) {
		if err := orch.Pause(ctx); err != nil {
			return nil, handleError(err)
		}
		return respond(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-orchestrator",
		Method:      http.MethodPost,
		Path:        "/orchestrator/resume",
		Summary:     "Resume orchestration",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*statusBody, error) {
		if err := orch.Resume(ctx); err != nil {
			return nil, handleError(err)
		}
		return respond(), nil
	})
}

func registerWorkflows(api huma.API, orch *orchestrator.Orchestrator) {
	type workflowPath struct {
		ProjectID string `path:"project_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "launch-workflow",
		Method:        http.MethodPost,
		Path:          "/workflows",
		Summary:       "Launch a full workflow",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body LaunchWorkflowRequest `json:"body"`
	}) (*struct {
		Body LaunchResponse `json:"body"`
	}, error) {
		data := input.Body.Data
		if data == nil {
			data = map[string]any{}
		}
		if input.Body.Topic != "" {
			data["topic"] = input.Body.Topic
		}
		if p, ok := principalFromContext(ctx); ok {
			data["launched_by"] = p.Subject
		}
		id, err := orch.LaunchFullWorkflow(ctx, data)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LaunchResponse `json:"body"`
		}{Body: LaunchResponse{ProjectID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []WorkflowResponse `json:"body"`
	}, error) {
		return &struct {
			Body []WorkflowResponse `json:"body"`
		}{Body: mapWorkflows(orch.Coordinator().Snapshot())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{project_id}",
		Summary:     "Get workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		p, err := orch.Coordinator().Get(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflow-tasks",
		Method:      http.MethodGet,
		Path:        "/workflows/{project_id}/tasks",
		Summary:     "List workflow tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, err := orch.Coordinator().Get(input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(orch.Dispatcher().TasksByProject(input.ProjectID))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{project_id}/advance",
		Summary:     "Advance workflow to the next phase",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body AdvanceResponse `json:"body"`
	}, error) {
		p, done, err := orch.AdvancePhase(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdvanceResponse `json:"body"`
		}{Body: AdvanceResponse{Workflow: workflowResponse(p), Completed: done}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{project_id}/pause",
		Summary:     "Pause workflow",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		if err := orch.PauseWorkflow(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		p, err := orch.Coordinator().Get(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{project_id}/resume",
		Summary:     "Resume workflow",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		if err := orch.ResumeWorkflow(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		p, err := orch.Coordinator().Get(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-workflow",
		Method:      http.MethodDelete,
		Path:        "/workflows/{project_id}",
		Summary:     "Stop and discard workflow",
		Errors:      []int{http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *workflowPath) (*struct{}, error) {
		if err := orch.StopWorkflow(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-workflow-cycles",
		Method:      http.MethodGet,
		Path:        "/workflows/{project_id}/cycles",
		Summary:     "Detect dependency cycles",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body CycleCheckResponse `json:"body"`
	}, error) {
		cycles, err := orch.DetectCyclicalDependencies(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleCheckResponse `json:"body"`
		}{Body: CycleCheckResponse{Cyclic: len(cycles) > 0, Cycles: nonNilSlice(cycles)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-workflow-cycles",
		Method:      http.MethodPost,
		Path:        "/workflows/{project_id}/cycles/resolve",
		Summary:     "Break dependency cycles",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *workflowPath) (*struct {
		Body ResolutionResponse `json:"body"`
	}, error) {
		removals, err := orch.ResolveCycles(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		remaining, err := orch.DetectCyclicalDependencies(input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResolutionResponse `json:"body"`
		}{Body: ResolutionResponse{
			Removals:  mapRemovals(removals),
			Remaining: nonNilSlice(remaining),
		}}, nil
	})
}

func registerTasks(api huma.API, orch *orchestrator.Orchestrator) {
	type taskPath struct {
		TaskID string `path:"task_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := orch.Dispatcher().Get(input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Report task result",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   CompleteTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := orch.CompleteTask(ctx, input.TaskID, input.Body.Result)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/fail",
		Summary:     "Report task failure",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		TaskID string          `path:"task_id"`
		Body   FailTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		task, err := orch.FailTask(ctx, input.TaskID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task)}, nil
	})
}

func registerDeployments(api huma.API, orch *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "approve-deployment",
		Method:      http.MethodPost,
		Path:        "/deployments/approve",
		Summary:     "Approve a deployment proposal",
		Errors: []int{
			http.StatusConflict,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		Body ProposalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		p := proposalFromRequest(input.Body)
		ok, err := orch.ApproveDeployment(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body ApprovalResponse `json:"body"`
		}{}
		if !ok {
			// rejected: rerun the checks to say why
			if verr := approval.Validate(p); verr != nil {
				out.Body = ApprovalResponse{Approved: false, Reason: verr.Error()}
				return out, nil
			}
			cycles := graph.Detect(p.Edges)
			out.Body = ApprovalResponse{
				Approved: false,
				Reason:   "cyclic dependencies",
				Cycles:   cycles,
			}
			return out, nil
		}
		dep, _ := orch.Approver().Deployment(p.ID)
		order, oerr := approval.DeployOrder(p)
		if oerr != nil {
			order = nil
		}
		out.Body = ApprovalResponse{
			Approved:     true,
			DeploymentID: dep.ID,
			DeployOrder:  order,
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-proposal",
		Method:      http.MethodPost,
		Path:        "/deployments/check",
		Summary:     "Check a proposal for dependency cycles",
	}, func(ctx context.Context, input *struct {
		Body ProposalRequest `json:"body"`
	}) (*struct {
		Body CycleCheckResponse `json:"body"`
	}, error) {
		cycles := graph.Detect(edgesFromPayload(input.Body.Edges))
		return &struct {
			Body CycleCheckResponse `json:"body"`
		}{Body: CycleCheckResponse{Cyclic: len(cycles) > 0, Cycles: nonNilSlice(cycles)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deployments",
		Method:      http.MethodGet,
		Path:        "/deployments",
		Summary:     "List approved deployments",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body []DeploymentResponse `json:"body"`
	}, error) {
		deployments := orch.Approver().Deployments()
		if input.ProjectID != "" {
			filtered := deployments[:0:0]
			for _, d := range deployments {
				if d.ProjectID == input.ProjectID {
					filtered = append(filtered, d)
				}
			}
			deployments = filtered
		}
		return &struct {
			Body []DeploymentResponse `json:"body"`
		}{Body: mapDeployments(deployments)}, nil
	})
}

func registerAgents(api huma.API, orch *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AgentResponse `json:"body"`
	}, error) {
		return &struct {
			Body []AgentResponse `json:"body"`
		}{Body: mapAgents(orch.Registry().All())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body AgentResponse `json:"body"`
	}, error) {
		agent := domain.Agent{
			ID:       input.Body.ID,
			Phase:    input.Body.Phase,
			Tools:    input.Body.Tools,
			Endpoint: input.Body.Endpoint,
		}
		if err := orch.RegisterAgent(ctx, agent); err != nil {
			if errors.Is(err, registry.ErrAgentExists) {
				return nil, handleError(err)
			}
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		registered, err := orch.Registry().Get(agent.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentResponse `json:"body"`
		}{Body: agentResponse(registered)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deregister-agent",
		Method:      http.MethodDelete,
		Path:        "/agents/{agent_id}",
		Summary:     "Deregister agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct{}, error) {
		if err := orch.DeregisterAgent(ctx, input.AgentID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-agents",
		Method:      http.MethodPost,
		Path:        "/agents/sweep",
		Summary:     "Run a health sweep now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.HealthReport `json:"body"`
	}, error) {
		return &struct {
			Body domain.HealthReport `json:"body"`
		}{Body: orch.Registry().HealthCheck(ctx)}, nil
	})
}

func registerEvents(api huma.API, orch *orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List archived events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		events, err := orch.Journal().Events(ctx, archive.EventQuery{
			ProjectID: input.ProjectID,
			Type:      input.Type,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(events)}, nil
	})
}

func registerMetrics(r chi.Router, orch *orchestrator.Orchestrator) {
	r.Handle("/metrics", orch.Metrics().Handler())
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 500 {
		return 500
	}
	return in
}
