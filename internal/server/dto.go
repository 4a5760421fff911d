package server

import (
	"time"

	"maestro/internal/archive"
	"maestro/internal/domain"
)

// Request payloads

type LaunchWorkflowRequest struct {
	Topic string         `json:"topic"`
	Data  map[string]any `json:"data,omitempty"`
}

type RegisterAgentRequest struct {
	ID       string   `json:"id"`
	Phase    string   `json:"phase"`
	Tools    []string `json:"tools,omitempty"`
	Endpoint string   `json:"endpoint,omitempty"`
}

type EdgePayload struct {
	Component string `json:"component"`
	DependsOn string `json:"depends_on"`
}

type ProposalRequest struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id,omitempty"`
	Components []string       `json:"components"`
	Edges      []EdgePayload  `json:"edges,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
}

type CompleteTaskRequest struct {
	Result map[string]any `json:"result,omitempty"`
}

type FailTaskRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Response payloads

type WorkflowResponse struct {
	ID           string              `json:"id"`
	Status       string              `json:"status" enum:"starting,running,paused,completed,failed,cancelled"`
	Phases       []string            `json:"phases"`
	CurrentPhase string              `json:"current_phase"`
	Tasks        map[string][]string `json:"tasks,omitempty"`
	Data         map[string]any      `json:"data,omitempty"`
	CreatedAt    string              `json:"created_at" format:"date-time"`
}

type LaunchResponse struct {
	ProjectID string `json:"project_id"`
}

type AdvanceResponse struct {
	Workflow  WorkflowResponse `json:"workflow"`
	Completed bool             `json:"completed"`
}

type AgentResponse struct {
	ID           string   `json:"id"`
	Phase        string   `json:"phase"`
	Tools        []string `json:"tools,omitempty"`
	Endpoint     string   `json:"endpoint,omitempty"`
	Health       string   `json:"health" enum:"healthy,degraded,unreachable"`
	LastSeen     string   `json:"last_seen,omitempty" format:"date-time"`
	RegisteredAt string   `json:"registered_at" format:"date-time"`
}

type TaskResponse struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	ProjectID string         `json:"project_id"`
	Kind      string         `json:"kind"`
	State     string         `json:"state" enum:"pending,dispatched,completed,failed,cancelled"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type ApprovalResponse struct {
	Approved     bool       `json:"approved"`
	DeploymentID string     `json:"deployment_id,omitempty"`
	DeployOrder  []string   `json:"deploy_order,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Cycles       [][]string `json:"cycles,omitempty"`
}

type CycleCheckResponse struct {
	Cyclic bool       `json:"cyclic"`
	Cycles [][]string `json:"cycles"`
}

type RemovalResponse struct {
	Edge  EdgePayload `json:"edge"`
	Cycle []string    `json:"cycle"`
}

type ResolutionResponse struct {
	Removals  []RemovalResponse `json:"removals"`
	Remaining [][]string        `json:"remaining_cycles"`
}

type DeploymentResponse struct {
	ID         string `json:"id"`
	ProposalID string `json:"proposal_id"`
	ProjectID  string `json:"project_id,omitempty"`
	ApprovedAt string `json:"approved_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	ProjectID string         `json:"project_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// Conversion helpers

func workflowResponse(p domain.Project) WorkflowResponse {
	return WorkflowResponse{
		ID:           p.ID,
		Status:       string(p.Status),
		Phases:       nonNilSlice(p.Phases),
		CurrentPhase: p.CurrentPhase,
		Tasks:        p.Tasks,
		Data:         p.Data,
		CreatedAt:    formatTime(p.CreatedAt),
	}
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:           a.ID,
		Phase:        a.Phase,
		Tools:        a.Tools,
		Endpoint:     a.Endpoint,
		Health:       string(a.Health),
		LastSeen:     formatTime(a.LastSeen),
		RegisteredAt: formatTime(a.RegisteredAt),
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:        t.ID,
		AgentID:   t.AgentID,
		ProjectID: t.ProjectID,
		Kind:      t.Kind,
		State:     string(t.State),
		Payload:   t.Payload,
		CreatedAt: formatTime(t.CreatedAt),
		UpdatedAt: formatTime(t.UpdatedAt),
	}
}

func deploymentResponse(d domain.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:         d.ID,
		ProposalID: d.ProposalID,
		ProjectID:  d.ProjectID,
		ApprovedAt: formatTime(d.ApprovedAt),
	}
}

func eventResponse(e archive.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		ProjectID: e.ProjectID,
		AgentID:   e.AgentID,
		Payload:   e.Payload,
	}
}

func proposalFromRequest(req ProposalRequest) domain.Proposal {
	return domain.Proposal{
		ID:         req.ID,
		ProjectID:  req.ProjectID,
		Components: req.Components,
		Edges:      edgesFromPayload(req.Edges),
		Changes:    req.Changes,
	}
}

func edgesFromPayload(in []EdgePayload) []domain.Edge {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.Edge, 0, len(in))
	for _, e := range in {
		out = append(out, domain.Edge{Component: e.Component, DependsOn: e.DependsOn})
	}
	return out
}

func edgePayload(e domain.Edge) EdgePayload {
	return EdgePayload{Component: e.Component, DependsOn: e.DependsOn}
}

func mapWorkflows(items []domain.Project) []WorkflowResponse {
	res := make([]WorkflowResponse, 0, len(items))
	for _, p := range items {
		res = append(res, workflowResponse(p))
	}
	return res
}

func mapAgents(items []domain.Agent) []AgentResponse {
	res := make([]AgentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, agentResponse(a))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapEvents(items []archive.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

func mapDeployments(items []domain.Deployment) []DeploymentResponse {
	res := make([]DeploymentResponse, 0, len(items))
	for _, d := range items {
		res = append(res, deploymentResponse(d))
	}
	return res
}

func mapRemovals(items []domain.Removal) []RemovalResponse {
	res := make([]RemovalResponse, 0, len(items))
	for _, r := range items {
		res = append(res, RemovalResponse{Edge: edgePayload(r.Edge), Cycle: nonNilSlice(r.Cycle)})
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
