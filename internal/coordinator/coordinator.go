// Package coordinator tracks workflow projects through their phase
// sequence and holds the deployment proposals submitted for them.
package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"maestro/internal/domain"
)

var (
	// ErrInvalidProjectData is returned when a workflow is launched
	// without the minimum project data.
	ErrInvalidProjectData = errors.New("invalid project data")

	// ErrProjectNotFound is returned when the referenced project does
	// not exist.
	ErrProjectNotFound = errors.New("project not found")

	// ErrInvalidTransition is returned for illegal project status
	// changes.
	ErrInvalidTransition = errors.New("invalid transition")
)

// ensureProjectTransition rejects illegal project status changes.
// Terminal statuses never transition again.
func ensureProjectTransition(from, to domain.ProjectStatus) error {
	allowed := false
	switch from {
	case domain.ProjectStarting:
		allowed = to == domain.ProjectRunning || to == domain.ProjectCancelled || to == domain.ProjectFailed
	case domain.ProjectRunning:
		allowed = to == domain.ProjectPaused || to == domain.ProjectCompleted ||
			to == domain.ProjectCancelled || to == domain.ProjectFailed
	case domain.ProjectPaused:
		allowed = to == domain.ProjectRunning || to == domain.ProjectCancelled || to == domain.ProjectFailed
	}
	if !allowed {
		return fmt.Errorf("%w: project %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Coordinator owns the in-memory project table. All methods are safe
// for concurrent use.
type Coordinator struct {
	mu        sync.Mutex
	projects  map[string]*domain.Project
	order     []string
	proposals map[string]domain.Proposal
	deps      map[string][]domain.Edge
	logger    *zap.Logger

	Now func() time.Time
}

func New(logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		projects:  map[string]*domain.Project{},
		proposals: map[string]domain.Proposal{},
		deps:      map[string][]domain.Edge{},
		logger:    logger.With(zap.String("component", "coordinator")),
		Now:       time.Now,
	}
}

// CreateProject registers a new project positioned at the first phase.
// Project data must carry a non-empty topic.
func (c *Coordinator) CreateProject(data map[string]any, phases []string) (domain.Project, error) {
	topic, _ := data["topic"].(string)
	if strings.TrimSpace(topic) == "" {
		return domain.Project{}, fmt.Errorf("%w: missing topic", ErrInvalidProjectData)
	}
	if len(phases) == 0 {
		return domain.Project{}, fmt.Errorf("%w: no phases configured", ErrInvalidProjectData)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	project := &domain.Project{
		ID:           uuid.NewString(),
		CreatedAt:    c.Now().UTC(),
		Phases:       append([]string(nil), phases...),
		CurrentPhase: phases[0],
		Status:       domain.ProjectStarting,
		Tasks:        map[string][]string{},
		Data:         map[string]any{},
	}
	for k, v := range data {
		project.Data[k] = v
	}
	c.projects[project.ID] = project
	c.order = append(c.order, project.ID)
	c.logger.Info("project created",
		zap.String("project_id", project.ID),
		zap.String("phase", project.CurrentPhase))
	return *snapshot(project), nil
}

// Begin moves a freshly created project into the running status once
// its first phase has been dispatched.
func (c *Coordinator) Begin(id string) error {
	return c.transition(id, domain.ProjectRunning)
}

func (c *Coordinator) Pause(id string) error {
	return c.transition(id, domain.ProjectPaused)
}

func (c *Coordinator) Resume(id string) error {
	return c.transition(id, domain.ProjectRunning)
}

func (c *Coordinator) Fail(id string) error {
	return c.transition(id, domain.ProjectFailed)
}

func (c *Coordinator) transition(id string, to domain.ProjectStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	project, ok := c.projects[id]
	if !ok {
		return ErrProjectNotFound
	}
	if err := ensureProjectTransition(project.Status, to); err != nil {
		return err
	}
	project.Status = to
	return nil
}

// Cancel marks the project cancelled and reports whether this call did
// the cancelling. Unknown or already terminal projects are untouched,
// so duplicate stop requests are safe.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	project, ok := c.projects[id]
	if !ok || project.Status.Terminal() {
		return false
	}
	project.Status = domain.ProjectCancelled
	c.logger.Info("project cancelled", zap.String("project_id", id))
	return true
}

// AdvancePhase moves a running project to its next phase. Advancing
// past the final phase completes the project; done reports whether
// that happened.
func (c *Coordinator) AdvancePhase(id string) (project domain.Project, done bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.projects[id]
	if !ok {
		return domain.Project{}, false, ErrProjectNotFound
	}
	if p.Status != domain.ProjectRunning {
		return domain.Project{}, false, fmt.Errorf("%w: project %s is %s, not running", ErrInvalidTransition, id, p.Status)
	}

	idx := -1
	for i, phase := range p.Phases {
		if phase == p.CurrentPhase {
			idx = i
			break
		}
	}
	if idx < 0 || idx == len(p.Phases)-1 {
		if err := ensureProjectTransition(p.Status, domain.ProjectCompleted); err != nil {
			return domain.Project{}, false, err
		}
		p.Status = domain.ProjectCompleted
		c.logger.Info("project completed", zap.String("project_id", id))
		return *snapshot(p), true, nil
	}
	p.CurrentPhase = p.Phases[idx+1]
	c.logger.Info("phase advanced",
		zap.String("project_id", id),
		zap.String("phase", p.CurrentPhase))
	return *snapshot(p), false, nil
}

// RecordTasks remembers which tasks were dispatched under a batch.
func (c *Coordinator) RecordTasks(id, batch string, taskIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	project, ok := c.projects[id]
	if !ok {
		return ErrProjectNotFound
	}
	project.Tasks[batch] = append(project.Tasks[batch], taskIDs...)
	return nil
}

// RecordProposal stores the deployment proposal for its project and
// resets the project's working dependency set to the proposal edges.
// The stored proposal itself is never mutated afterwards.
func (c *Coordinator) RecordProposal(p domain.Proposal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.projects[p.ProjectID]; !ok {
		return ErrProjectNotFound
	}
	c.proposals[p.ProjectID] = p
	c.deps[p.ProjectID] = append([]domain.Edge(nil), p.Edges...)
	return nil
}

// Proposal returns the latest proposal recorded for the project.
func (c *Coordinator) Proposal(id string) (domain.Proposal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proposals[id]
	return p, ok
}

// ProjectDependencies returns the project's working dependency set.
// Edges removed by cycle resolution no longer appear here, so a second
// resolution pass sees the reduced graph.
func (c *Coordinator) ProjectDependencies(id string) ([]domain.Edge, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.projects[id]; !ok {
		return nil, ErrProjectNotFound
	}
	return append([]domain.Edge(nil), c.deps[id]...), nil
}

// DropDependency removes one edge from the working dependency set and
// reports whether it was present.
func (c *Coordinator) DropDependency(id string, e domain.Edge) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	edges := c.deps[id]
	for i, have := range edges {
		if have == e {
			c.deps[id] = append(edges[:i:i], edges[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns a copy of the project.
func (c *Coordinator) Get(id string) (domain.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	project, ok := c.projects[id]
	if !ok {
		return domain.Project{}, ErrProjectNotFound
	}
	return *snapshot(project), nil
}

// Remove deletes the project and everything recorded for it. Finished
// and stopped workflows leave the table this way, as do half-launched
// projects whose dispatch failed.
func (c *Coordinator) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.projects[id]; !ok {
		return
	}
	delete(c.projects, id)
	delete(c.proposals, id)
	delete(c.deps, id)
	for i, have := range c.order {
		if have == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns all projects in creation order.
func (c *Coordinator) Snapshot() []domain.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Project, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *snapshot(c.projects[id]))
	}
	return out
}

// Active returns the ids of projects that have not reached a terminal
// status, in creation order.
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, id := range c.order {
		if !c.projects[id].Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

func snapshot(p *domain.Project) *domain.Project {
	out := *p
	out.Phases = append([]string(nil), p.Phases...)
	out.Tasks = make(map[string][]string, len(p.Tasks))
	for k, v := range p.Tasks {
		out.Tasks[k] = append([]string(nil), v...)
	}
	out.Data = make(map[string]any, len(p.Data))
	for k, v := range p.Data {
		out.Data[k] = v
	}
	return &out
}
