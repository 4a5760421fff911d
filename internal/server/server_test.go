package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"maestro/internal/archive"
	"maestro/internal/config"
	"maestro/internal/coordinator"
	"maestro/internal/dispatch"
	"maestro/internal/domain"
	"maestro/internal/integration"
	"maestro/internal/metrics"
	"maestro/internal/orchestrator"
	"maestro/internal/registry"
)

type nopGraph struct{}

func (nopGraph) Run(ctx context.Context, payload map[string]any) error { return nil }
func (nopGraph) Stop(ctx context.Context) error                        { return nil }

type nopEngine struct{}

func (nopEngine) CreateGraph(ctx context.Context, projectID string, phases []string, agents map[string][]domain.Agent) (integration.GraphHandle, error) {
	return nopGraph{}, nil
}
func (nopEngine) Healthz(ctx context.Context) error { return nil }
func (nopEngine) Close() error                      { return nil }

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	return newTestServerWithAuth(t, AuthConfig{AllowAnonymous: true})
}

func newTestServerWithAuth(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	journal, err := archive.Open(filepath.Join(t.TempDir(), "maestro.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	cfg := config.Config{
		Orchestrator: config.OrchestratorConfig{HealthCheckInterval: 1},
		Phases:       []string{"research", "content"},
		Agents: []config.AgentConfig{
			{ID: "grok", Phase: "research", Tools: []string{"search"}},
			{ID: "gemini", Phase: "research", Tools: []string{"search"}},
			{ID: "claude", Phase: "content", Tools: []string{"writing"}},
		},
	}
	prober := registry.ProberFunc(func(ctx context.Context, agent domain.Agent) domain.HealthProbe {
		return domain.HealthProbe{Healthy: true, Health: domain.HealthHealthy}
	})
	reg := registry.New(prober, nil)
	orch := orchestrator.New(orchestrator.Options{
		Config:      cfg,
		Registry:    reg,
		Dispatcher:  dispatch.New(reg, nil),
		Coordinator: coordinator.New(nil),
		Engine:      nopEngine{},
		Automation:  integration.NewNopAutomation(nil),
		Journal:     journal,
		Metrics:     metrics.NewCollector(nil),
	})
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	handler, err := New(Config{Orchestrator: orch, BasePath: "/api/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			if orch.Status() == orchestrator.StatusRunning {
				_ = orch.Stop(context.Background())
			}
			journal.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
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
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func launchWorkflow(t *testing.T, srv *testServer, topic string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/workflows", map[string]any{
		"topic": topic,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("launch status %d: %s", res.StatusCode, string(data))
	}
	var launched LaunchResponse
	if err := json.Unmarshal(data, &launched); err != nil {
		t.Fatalf("unmarshal launch: %v", err)
	}
	if launched.ProjectID == "" {
		t.Fatal("expected a project id")
	}
	return launched.ProjectID
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	id := launchWorkflow(t, srv, "go generics")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/workflows/"+id, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get workflow: %d %s", res.StatusCode, string(data))
	}
	var wf WorkflowResponse
	if err := json.Unmarshal(data, &wf); err != nil {
		t.Fatalf("unmarshal workflow: %v", err)
	}
	if wf.Status != "running" || wf.CurrentPhase != "research" {
		t.Fatalf("unexpected workflow: %+v", wf)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/workflows/"+id+"/tasks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var tasks []TaskResponse
	_ = json.Unmarshal(data, &tasks)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 research tasks, got %d", len(tasks))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows/"+id+"/advance", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}
	var advanced AdvanceResponse
	_ = json.Unmarshal(data, &advanced)
	if advanced.Completed || advanced.Workflow.CurrentPhase != "content" {
		t.Fatalf("unexpected advance: %+v", advanced)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/workflows/"+id+"/advance", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("final advance: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &advanced)
	if !advanced.Completed {
		t.Fatalf("expected completion, got %+v", advanced)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/workflows/"+id, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after completion, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}
}

func TestLaunchValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/workflows", map[string]any{
		"data": map[string]any{"note": "no topic"},
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s", code)
	}
}

func TestDeploymentApprovalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := launchWorkflow(t, srv, "release")

	cyclic := map[string]any{
		"id":         "prop-cyclic",
		"project_id": id,
		"components": []string{"A", "B", "C"},
		"edges": []map[string]string{
			{"component": "A", "depends_on": "B"},
			{"component": "B", "depends_on": "C"},
			{"component": "C", "depends_on": "A"},
		},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/deployments/approve", cyclic, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cyclic approve: %d %s", res.StatusCode, string(data))
	}
	var outcome ApprovalResponse
	_ = json.Unmarshal(data, &outcome)
	if outcome.Approved || len(outcome.Cycles) != 1 {
		t.Fatalf("expected cyclic rejection, got %+v", outcome)
	}

	acyclic := map[string]any{
		"id":         "prop-ok",
		"project_id": id,
		"components": []string{"api", "db"},
		"edges": []map[string]string{
			{"component": "api", "depends_on": "db"},
		},
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/deployments/approve", acyclic, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &outcome)
	if !outcome.Approved || outcome.DeploymentID == "" {
		t.Fatalf("expected approval, got %+v", outcome)
	}
	if len(outcome.DeployOrder) != 2 || outcome.DeployOrder[0] != "db" {
		t.Fatalf("expected db first in deploy order, got %v", outcome.DeployOrder)
	}
	firstID := outcome.DeploymentID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/deployments/approve", acyclic, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay approve: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &outcome)
	if !outcome.Approved || outcome.DeploymentID != firstID {
		t.Fatalf("expected stable deployment id %s, got %+v", firstID, outcome)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/deployments?project_id="+id, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list deployments: %d %s", res.StatusCode, string(data))
	}
	var deployments []DeploymentResponse
	_ = json.Unmarshal(data, &deployments)
	if len(deployments) != 1 || deployments[0].ID != firstID {
		t.Fatalf("expected one archived deployment, got %+v", deployments)
	}
}

func TestTaskResultRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := launchWorkflow(t, srv, "results")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/workflows/"+id+"/tasks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", res.StatusCode, string(data))
	}
	var tasks []TaskResponse
	_ = json.Unmarshal(data, &tasks)
	if len(tasks) == 0 {
		t.Fatal("expected dispatched tasks")
	}
	taskID := tasks[0].ID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+taskID+"/complete", map[string]any{
		"result": map[string]any{"summary": "found 3 sources"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	_ = json.Unmarshal(data, &task)
	if task.State != "completed" {
		t.Fatalf("expected completed, got %s", task.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/tasks/"+taskID+"/fail", map[string]any{
		"reason": "changed my mind",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 failing a completed task, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/tasks/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestAgentRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/agents", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list agents: %d %s", res.StatusCode, string(data))
	}
	var agents []AgentResponse
	_ = json.Unmarshal(data, &agents)
	if len(agents) != 3 {
		t.Fatalf("expected 3 seeded agents, got %d", len(agents))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/agents", map[string]any{
		"id":    "mistral",
		"phase": "content",
		"tools": []string{"writing"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/agents", map[string]any{
		"id":    "mistral",
		"phase": "content",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/agents", nil, nil)
	_ = json.Unmarshal(data, &agents)
	if len(agents) != 4 || agents[3].ID != "mistral" {
		t.Fatalf("expected mistral registered last, got %+v", agents)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/v1/agents/sweep", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep: %d %s", res.StatusCode, string(data))
	}
	var report domain.HealthReport
	_ = json.Unmarshal(data, &report)
	if report.Healthy != 4 {
		t.Fatalf("expected 4 healthy agents, got %+v", report)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/v1/agents/mistral", nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("deregister: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/api/v1/agents/mistral", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on repeat deregister, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := launchWorkflow(t, srv, "history")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/events?type=workflow_launched", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	_ = json.Unmarshal(data, &events)
	if len(events) == 0 {
		t.Fatal("expected a workflow_launched event")
	}
	if events[0].ProjectID != id {
		t.Fatalf("expected event for %s, got %+v", id, events[0])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := launchWorkflow(t, srv, "status")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var report orchestrator.StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if report.Status != orchestrator.StatusRunning || report.CurrentProject != id {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.RunningWorkflows != 1 || len(report.AgentStates) != 3 {
		t.Fatalf("unexpected counts: %+v", report)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{APIKeys: []string{"sekret"}})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/status", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad key, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/status", nil, map[string]string{"X-Api-Key": "sekret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with the key, got %d %s", res.StatusCode, string(data))
	}
	// health stays open for probes
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/healthz", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open healthz, got %d %s", res.StatusCode, string(data))
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "jwt-secret"
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/status", nil, map[string]string{"Authorization": "Bearer " + signed})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with jwt, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/v1/status", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad token, got %d %s", res.StatusCode, string(data))
	}
}
