// Package dispatch assigns task descriptors to agents and tracks their
// lifecycle. Terminal task states are immutable.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"maestro/internal/domain"
	"maestro/internal/registry"
)

var (
	ErrAgentUnhealthy    = errors.New("agent unreachable")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid transition")
)

type Dispatcher struct {
	mu        sync.Mutex
	registry  *registry.Registry
	tasks     map[string]*domain.Task
	order     []string
	byProject map[string][]string
	logger    *zap.Logger

	Now func() time.Time
}

func New(reg *registry.Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry:  reg,
		tasks:     map[string]*domain.Task{},
		byProject: map[string][]string{},
		logger:    logger.With(zap.String("component", "dispatch")),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func ensureTaskTransition(from, to domain.TaskState) error {
	switch from {
	case domain.TaskPending:
		if to == domain.TaskDispatched || to == domain.TaskFailed || to == domain.TaskCancelled {
			return nil
		}
	case domain.TaskDispatched:
		if to == domain.TaskCompleted || to == domain.TaskFailed || to == domain.TaskCancelled {
			return nil
		}
	}
	return fmt.Errorf("%w: task %s -> %s", ErrInvalidTransition, from, to)
}

// Assign creates a task bound to the given agent and hands it off,
// returning the dispatched record. No task record is created when the
// agent is unknown or its last known health is unreachable.
func (d *Dispatcher) Assign(ctx context.Context, agentID string, task domain.Task) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	agent, err := d.registry.Get(agentID)
	if err != nil {
		return domain.Task{}, err
	}
	if agent.Health == domain.HealthUnreachable {
		return domain.Task{}, fmt.Errorf("agent %s: %w", agentID, ErrAgentUnhealthy)
	}
	if task.ProjectID == "" {
		return domain.Task{}, fmt.Errorf("task project id required")
	}

	now := d.Now()
	task.ID = uuid.NewString()
	task.AgentID = agentID
	task.State = domain.TaskPending
	task.CreatedAt = now
	task.UpdatedAt = now
	if err := ensureTaskTransition(task.State, domain.TaskDispatched); err != nil {
		return domain.Task{}, err
	}
	task.State = domain.TaskDispatched

	d.mu.Lock()
	d.tasks[task.ID] = &task
	d.order = append(d.order, task.ID)
	d.byProject[task.ProjectID] = append(d.byProject[task.ProjectID], task.ID)
	d.mu.Unlock()

	d.logger.Info("task dispatched",
		zap.String("task", task.ID),
		zap.String("agent", agentID),
		zap.String("project", task.ProjectID),
		zap.String("kind", task.Kind))
	return task, nil
}

// Get returns a copy of one task.
func (d *Dispatcher) Get(id string) (domain.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return *task, nil
}

// TasksByProject returns a project's tasks in creation order.
func (d *Dispatcher) TasksByProject(projectID string) []domain.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := d.byProject[projectID]
	out := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, *d.tasks[id])
	}
	return out
}

// Complete marks a dispatched task completed and keeps the agent's result
// on the task. A result arriving for a task that was cancelled in the
// meantime is discarded, not surfaced.
func (d *Dispatcher) Complete(id string, result map[string]any) error {
	return d.finish(id, domain.TaskCompleted, result)
}

// Fail marks a dispatched task failed, with the same late-result rule as
// Complete.
func (d *Dispatcher) Fail(id string, reason string) error {
	var detail map[string]any
	if reason != "" {
		detail = map[string]any{"reason": reason}
	}
	return d.finish(id, domain.TaskFailed, detail)
}

func (d *Dispatcher) finish(id string, state domain.TaskState, result map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if task.State == domain.TaskCancelled || task.State == state {
		d.logger.Debug("late task result discarded",
			zap.String("task", id), zap.String("state", string(task.State)))
		return nil
	}
	if err := ensureTaskTransition(task.State, state); err != nil {
		return err
	}
	task.State = state
	task.UpdatedAt = d.Now()
	if result != nil {
		if task.Payload == nil {
			task.Payload = map[string]any{}
		}
		task.Payload["result"] = result
	}
	return nil
}

// Cancel marks a task cancelled. Cancelling a terminal task is a no-op.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	if task.State.Terminal() {
		return nil
	}
	task.State = domain.TaskCancelled
	task.UpdatedAt = d.Now()
	return nil
}

// CancelProject cancels every non-terminal task of a project and returns
// how many it touched.
func (d *Dispatcher) CancelProject(projectID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int
	for _, id := range d.byProject[projectID] {
		task := d.tasks[id]
		if task.State.Terminal() {
			continue
		}
		task.State = domain.TaskCancelled
		task.UpdatedAt = d.Now()
		n++
	}
	if n > 0 {
		d.logger.Info("project tasks cancelled",
			zap.String("project", projectID), zap.Int("count", n))
	}
	return n
}

// Reassign moves the open tasks of an unreachable agent to a healthy agent
// of the same phase; tasks with no candidate are failed. Returns the ids it
// reassigned and the ids it failed.
func (d *Dispatcher) Reassign(ctx context.Context, agentID string) (reassigned, failed []string) {
	var phase string
	if agent, err := d.registry.Get(agentID); err == nil {
		phase = agent.Phase
	}
	var target string
	if phase != "" {
		for _, candidate := range d.registry.ByPhase(phase) {
			if candidate.ID != agentID && candidate.Health == domain.HealthHealthy {
				target = candidate.ID
				break
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.order {
		task := d.tasks[id]
		if task.AgentID != agentID || task.State.Terminal() {
			continue
		}
		if target == "" {
			task.State = domain.TaskFailed
			task.UpdatedAt = d.Now()
			failed = append(failed, id)
			continue
		}
		task.AgentID = target
		task.UpdatedAt = d.Now()
		reassigned = append(reassigned, id)
	}
	if len(reassigned)+len(failed) > 0 {
		d.logger.Warn("agent tasks rerouted",
			zap.String("agent", agentID),
			zap.String("target", target),
			zap.Int("reassigned", len(reassigned)),
			zap.Int("failed", len(failed)))
	}
	return reassigned, failed
}
