package maestrosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Maestro HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  10 * time.Second,
	}
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	ID           string              `json:"id"`
	Status       string              `json:"status"`
	Phases       []string            `json:"phases"`
	CurrentPhase string              `json:"current_phase"`
	Tasks        map[string][]string `json:"tasks,omitempty"`
	Data         map[string]any      `json:"data,omitempty"`
	CreatedAt    string              `json:"created_at"`
}

// Advance reports one phase transition.
type Advance struct {
	Workflow  Workflow `json:"workflow"`
	Completed bool     `json:"completed"`
}

// Agent represents a registered fleet member.
type Agent struct {
	ID           string   `json:"id"`
	Phase        string   `json:"phase"`
	Tools        []string `json:"tools,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Health       string   `json:"health"`
	LastSeen     string   `json:"last_seen,omitempty"`
	RegisteredAt string   `json:"registered_at"`
}

// Task represents a dispatched unit of work.
type Task struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	ProjectID string         `json:"project_id"`
	Kind      string         `json:"kind"`
	State     string         `json:"state"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// Edge declares that Component depends on DependsOn.
type Edge struct {
	Component string `json:"component"`
	DependsOn string `json:"depends_on"`
}

// Proposal is a deployment change request.
type Proposal struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id,omitempty"`
	Components []string       `json:"components"`
	Edges      []Edge         `json:"edges,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
}

// Approval is the outcome of a deployment approval request.
type Approval struct {
	Approved     bool       `json:"approved"`
	DeploymentID string     `json:"deployment_id,omitempty"`
	DeployOrder  []string   `json:"deploy_order,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Cycles       [][]string `json:"cycles,omitempty"`
}

// CycleCheck reports dependency cycles found in a proposal or workflow.
type CycleCheck struct {
	Cyclic bool       `json:"cyclic"`
	Cycles [][]string `json:"cycles"`
}

// Removal records one dependency edge dropped while breaking a cycle.
type Removal struct {
	Edge  Edge     `json:"edge"`
	Cycle []string `json:"cycle"`
}

// Resolution is the outcome of a cycle resolution pass.
type Resolution struct {
	Removals  []Removal  `json:"removals"`
	Remaining [][]string `json:"remaining_cycles"`
}

// Deployment is an approved proposal.
type Deployment struct {
	ID         string `json:"id"`
	ProposalID string `json:"proposal_id"`
	ProjectID  string `json:"project_id,omitempty"`
	ApprovedAt string `json:"approved_at"`
}

// Event represents a journal entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// Status is the orchestration snapshot.
type Status struct {
	Status           string             `json:"status"`
	CurrentProject   string             `json:"current_project,omitempty"`
	RunningWorkflows int                `json:"running_workflows"`
	AgentStates      map[string]string  `json:"agent_states"`
	Metrics          map[string]float64 `json:"metrics"`
}

// HealthProbe is one agent's probe result.
type HealthProbe struct {
	AgentID string `json:"agent_id"`
	Healthy bool   `json:"healthy"`
	Health  string `json:"health"`
	Message string `json:"message,omitempty"`
}

// HealthReport aggregates one registry sweep.
type HealthReport struct {
	Probes      []HealthProbe `json:"probes"`
	Healthy     int           `json:"healthy"`
	Degraded    int           `json:"degraded"`
	Unreachable int           `json:"unreachable"`
	CheckedAt   string        `json:"checked_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Healthz reports whether the server answers its liveness probe.
func (c *Client) Healthz(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "healthz", nil, nil)
}

// Status returns the orchestration snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// Pause suspends workflow intake without stopping the orchestrator.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "orchestrator/pause", nil, nil)
}

// Resume lifts a pause.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "orchestrator/resume", nil, nil)
}

// LaunchWorkflow starts a workflow and returns its project id.
func (c *Client) LaunchWorkflow(ctx context.Context, topic string, data map[string]any) (string, error) {
	body := map[string]any{
		"topic": topic,
	}
	if len(data) > 0 {
		body["data"] = data
	}
	var resp struct {
		ProjectID string `json:"project_id"`
	}
	err := c.do(ctx, http.MethodPost, "workflows", body, &resp)
	return resp.ProjectID, err
}

// Workflows lists the active workflows.
func (c *Client) Workflows(ctx context.Context) ([]Workflow, error) {
	var resp []Workflow
	err := c.do(ctx, http.MethodGet, "workflows", nil, &resp)
	return resp, err
}

// Workflow fetches an active workflow by project id.
func (c *Client) Workflow(ctx context.Context, projectID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "workflows/"+url.PathEscape(projectID), nil, &resp)
	return resp, err
}

// WorkflowTasks lists the tasks dispatched for a workflow.
func (c *Client) WorkflowTasks(ctx context.Context, projectID string) ([]Task, error) {
	var resp []Task
	endpoint := fmt.Sprintf("workflows/%s/tasks", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AdvanceWorkflow moves a workflow to its next phase.
func (c *Client) AdvanceWorkflow(ctx context.Context, projectID string) (Advance, error) {
	var resp Advance
	endpoint := fmt.Sprintf("workflows/%s/advance", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// PauseWorkflow pauses one workflow.
func (c *Client) PauseWorkflow(ctx context.Context, projectID string) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("workflows/%s/pause", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ResumeWorkflow resumes a paused workflow.
func (c *Client) ResumeWorkflow(ctx context.Context, projectID string) (Workflow, error) {
	var resp Workflow
	endpoint := fmt.Sprintf("workflows/%s/resume", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// StopWorkflow cancels a workflow. Stopping an unknown workflow is a no-op.
func (c *Client) StopWorkflow(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "workflows/"+url.PathEscape(projectID), nil, nil)
}

// CheckWorkflowCycles inspects a workflow's recorded dependencies.
func (c *Client) CheckWorkflowCycles(ctx context.Context, projectID string) (CycleCheck, error) {
	var resp CycleCheck
	endpoint := fmt.Sprintf("workflows/%s/cycles", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ResolveWorkflowCycles breaks recorded dependency cycles.
func (c *Client) ResolveWorkflowCycles(ctx context.Context, projectID string) (Resolution, error) {
	var resp Resolution
	endpoint := fmt.Sprintf("workflows/%s/cycles/resolve", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Task fetches a task by id.
func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// CompleteTask records an agent result for a dispatched task.
func (c *Client) CompleteTask(ctx context.Context, taskID string, result map[string]any) (Task, error) {
	body := map[string]any{}
	if len(result) > 0 {
		body["result"] = result
	}
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// FailTask records an agent failure for a dispatched task.
func (c *Client) FailTask(ctx context.Context, taskID, reason string) (Task, error) {
	body := map[string]any{
		"reason": reason,
	}
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/fail", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ApproveDeployment submits a proposal for approval.
func (c *Client) ApproveDeployment(ctx context.Context, proposal Proposal) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "deployments/approve", proposal, &resp)
	return resp, err
}

// CheckProposal runs cycle detection without approving anything.
func (c *Client) CheckProposal(ctx context.Context, components []string, edges []Edge) (CycleCheck, error) {
	body := map[string]any{
		"id":         "check",
		"components": components,
		"edges":      edges,
	}
	var resp CycleCheck
	err := c.do(ctx, http.MethodPost, "deployments/check", body, &resp)
	return resp, err
}

// Deployments lists approved deployments, optionally scoped to a project.
func (c *Client) Deployments(ctx context.Context, projectID string) ([]Deployment, error) {
	endpoint := "deployments"
	if projectID != "" {
		endpoint += "?project_id=" + url.QueryEscape(projectID)
	}
	var resp []Deployment
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Agents lists registered agents in registration order.
func (c *Client) Agents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "agents", nil, &resp)
	return resp, err
}

// RegisterAgent adds an agent to the fleet.
func (c *Client) RegisterAgent(ctx context.Context, id, phase string, tools []string, endpoint string) (Agent, error) {
	body := map[string]any{
		"id":    id,
		"phase": phase,
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	if endpoint != "" {
		body["endpoint"] = endpoint
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "agents", body, &resp)
	return resp, err
}

// DeregisterAgent removes an agent from the fleet.
func (c *Client) DeregisterAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "agents/"+url.PathEscape(id), nil, nil)
}

// SweepAgents forces a full health sweep and returns the report.
func (c *Client) SweepAgents(ctx context.Context) (HealthReport, error) {
	var resp HealthReport
	err := c.do(ctx, http.MethodPost, "agents/sweep", nil, &resp)
	return resp, err
}

// Events returns recent journal entries, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	return c.EventsFiltered(ctx, "", "", limit)
}

// EventsFiltered returns journal entries matching the given project and type.
func (c *Client) EventsFiltered(ctx context.Context, projectID, eventType string, limit int) ([]Event, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "events"
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	path := strings.Trim(c.BasePath, "/")
	if path == "" {
		return base
	}
	return base + "/" + path
}
