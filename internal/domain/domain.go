package domain

import (
	"strings"
	"time"
)

// Default workflow phases, in execution order.
const (
	PhaseResearch    = "research_fact_gathering"
	PhaseContent     = "content_creation"
	PhaseDevelopment = "development_prototyping"
	PhaseRefinement  = "refinement_organization"
)

// PhaseKind returns the short label of a phase name, the text before the
// first underscore ("research_fact_gathering" -> "research"). Task kinds,
// batch identifiers and automation workflow names derive from it.
func PhaseKind(phase string) string {
	if i := strings.IndexByte(phase, '_'); i > 0 {
		return phase[:i]
	}
	return phase
}

// AgentHealth is the registry's view of an agent.
type AgentHealth string

const (
	HealthHealthy     AgentHealth = "healthy"
	HealthDegraded    AgentHealth = "degraded"
	HealthUnreachable AgentHealth = "unreachable"
)

// Agent is a task-performing entity affiliated with one workflow phase.
// Mutated only by the registry.
type Agent struct {
	ID           string      `json:"id"`
	Phase        string      `json:"phase"`
	Tools        []string    `json:"tools"`
	Endpoint     string      `json:"endpoint,omitempty"`
	Health       AgentHealth `json:"health" enum:"healthy,degraded,unreachable"`
	LastSeen     time.Time   `json:"last_seen"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// HealthProbe is the outcome of pinging a single agent.
type HealthProbe struct {
	AgentID   string        `json:"agent_id"`
	Healthy   bool          `json:"healthy"`
	Health    AgentHealth   `json:"health" enum:"healthy,degraded,unreachable"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// HealthReport aggregates one full registry sweep.
type HealthReport struct {
	Probes      []HealthProbe `json:"probes"`
	Healthy     int           `json:"healthy"`
	Degraded    int           `json:"degraded"`
	Unreachable int           `json:"unreachable"`
	CheckedAt   time.Time     `json:"checked_at"`
}

// TaskState is the lifecycle state of a dispatched task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskDispatched TaskState = "dispatched"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
)

// Terminal reports whether no further state change is allowed.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task binds one unit of work to one agent within one project.
type Task struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	ProjectID string         `json:"project_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	State     TaskState      `json:"state" enum:"pending,dispatched,completed,failed,cancelled"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ProjectStatus is the lifecycle state of a workflow project.
type ProjectStatus string

const (
	ProjectStarting  ProjectStatus = "starting"
	ProjectRunning   ProjectStatus = "running"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectFailed    ProjectStatus = "failed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// Terminal reports whether the project has left the active set for good.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectFailed || s == ProjectCancelled
}

// Project is one running workflow: a phase pointer over a fixed phase list
// plus the task ids dispatched per phase. Owned by the coordinator.
type Project struct {
	ID           string              `json:"id"`
	CreatedAt    time.Time           `json:"created_at"`
	Phases       []string            `json:"phases"`
	CurrentPhase string              `json:"current_phase"`
	Status       ProjectStatus       `json:"status" enum:"starting,running,paused,completed,failed,cancelled"`
	Tasks        map[string][]string `json:"tasks,omitempty"`
	Data         map[string]any      `json:"data,omitempty"`
}

// Edge declares that Component depends on DependsOn.
type Edge struct {
	Component string `json:"component"`
	DependsOn string `json:"depends_on"`
}

// Proposal is a requested deployment change: a component list plus declared
// dependency edges. Immutable after submission.
type Proposal struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Components  []string       `json:"components"`
	Edges       []Edge         `json:"edges"`
	Changes     map[string]any `json:"changes,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Deployment is an approved proposal.
type Deployment struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	ProjectID  string    `json:"project_id"`
	ApprovedAt time.Time `json:"approved_at"`
}

// Removal records one dependency edge dropped while breaking a cycle.
type Removal struct {
	Edge  Edge     `json:"edge"`
	Cycle []string `json:"cycle"`
}
