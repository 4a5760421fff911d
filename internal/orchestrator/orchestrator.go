// Package orchestrator supervises the agent fleet. It owns the global
// status machine, launches and sequences workflows, gates deployment
// proposals, and runs the periodic health-check loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"maestro/internal/approval"
	"maestro/internal/archive"
	"maestro/internal/config"
	"maestro/internal/coordinator"
	"maestro/internal/dispatch"
	"maestro/internal/domain"
	"maestro/internal/graph"
	"maestro/internal/integration"
	"maestro/internal/metrics"
	"maestro/internal/registry"
)

// Status is the orchestrator's global state.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusError        Status = "error"
	StatusCompleted    Status = "completed"
)

// ErrNotRunning guards operations that need a running orchestrator.
var ErrNotRunning = errors.New("orchestrator is not running")

// InvalidTransitionError reports a status change outside the table.
type InvalidTransitionError struct {
	From, To Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("status transition %s -> %s not allowed", e.From, e.To)
}

// InitializationError wraps the startup fault that forced the error
// status. The instance needs an external restart.
type InitializationError struct {
	Err error
}

func (e InitializationError) Error() string {
	return "initialization failed: " + e.Err.Error()
}

func (e InitializationError) Unwrap() error { return e.Err }

// ShutdownError collects the faults of a best-effort teardown.
type ShutdownError struct {
	Errs []error
}

func (e ShutdownError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return "shutdown failed: " + strings.Join(msgs, "; ")
}

func (e ShutdownError) Unwrap() []error { return e.Errs }

// ensureStatusTransition rejects status changes outside the table.
// The error status is reachable from everywhere and left only by
// replacing the instance.
func ensureStatusTransition(from, to Status) error {
	allowed := false
	switch {
	case from == StatusError:
	case to == StatusError:
		allowed = true
	default:
		switch from {
		case StatusIdle:
			allowed = to == StatusInitializing
		case StatusInitializing:
			allowed = to == StatusRunning
		case StatusRunning:
			allowed = to == StatusPaused || to == StatusIdle || to == StatusCompleted
		case StatusPaused:
			allowed = to == StatusRunning || to == StatusIdle
		case StatusCompleted:
			allowed = to == StatusIdle
		}
	}
	if !allowed {
		return InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Options wires an Orchestrator. Nil components fall back to in-memory
// defaults; nil integrations are built from the config, choosing the
// in-process fallbacks when no service URL is configured.
type Options struct {
	Config      config.Config
	Registry    *registry.Registry
	Dispatcher  *dispatch.Dispatcher
	Coordinator *coordinator.Coordinator
	Approver    *approval.Approver
	Engine      integration.Engine
	Automation  integration.Automation
	Journal     *archive.Journal
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Orchestrator is the top-level supervisor. One instance owns its
// component set; there are no process-wide singletons.
type Orchestrator struct {
	cfg        config.Config
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	coord      *coordinator.Coordinator
	approver   *approval.Approver
	engine     integration.Engine
	automation integration.Automation
	journal    *archive.Journal
	metrics    *metrics.Collector
	logger     *zap.Logger

	Now func() time.Time

	mu             sync.Mutex
	status         Status
	currentProject string
	graphs         map[string]integration.GraphHandle
	stopCh         chan struct{}
	loopWG         sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:        opts.Config,
		registry:   opts.Registry,
		dispatcher: opts.Dispatcher,
		coord:      opts.Coordinator,
		approver:   opts.Approver,
		engine:     opts.Engine,
		automation: opts.Automation,
		journal:    opts.Journal,
		metrics:    opts.Metrics,
		logger:     logger.With(zap.String("component", "orchestrator")),
		status:     StatusIdle,
		graphs:     map[string]integration.GraphHandle{},
		Now:        time.Now,
	}
	if o.registry == nil {
		o.registry = registry.New(nil, logger)
	}
	if o.dispatcher == nil {
		o.dispatcher = dispatch.New(o.registry, logger)
	}
	if o.coord == nil {
		o.coord = coordinator.New(logger)
	}
	if o.approver == nil {
		o.approver = approval.New()
	}
	if o.engine == nil {
		if engineCfg := opts.Config.Integrations.GraphEngine; engineCfg.URL != "" {
			o.engine = integration.NewEngineClient(engineCfg.URL, engineCfg.Token)
		} else {
			delay := time.Duration(engineCfg.StepDelay) * time.Second
			o.engine = integration.NewSequentialEngine(o.phaseAdvancer(), delay, logger)
		}
	}
	if o.automation == nil {
		if autoCfg := opts.Config.Integrations.Automation; autoCfg.URL != "" {
			o.automation = integration.NewAutomationClient(autoCfg.URL, autoCfg.APIKey)
		} else {
			o.automation = integration.NewNopAutomation(logger)
		}
	}
	o.registry.OnHealthChange(o.onAgentHealthChange)
	return o
}

// Component accessors for the operator surface. Callers read through
// these, never mutate directly.

func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

func (o *Orchestrator) Coordinator() *coordinator.Coordinator { return o.coord }

func (o *Orchestrator) Dispatcher() *dispatch.Dispatcher { return o.dispatcher }

func (o *Orchestrator) Approver() *approval.Approver { return o.approver }

func (o *Orchestrator) Journal() *archive.Journal { return o.journal }

func (o *Orchestrator) Metrics() *metrics.Collector { return o.metrics }

// Status returns the current global status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) transitionLocked(to Status) error {
	if err := ensureStatusTransition(o.status, to); err != nil {
		return err
	}
	o.logger.Info("status changed",
		zap.String("from", string(o.status)),
		zap.String("to", string(to)))
	o.status = to
	return nil
}

func (o *Orchestrator) transition(to Status) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitionLocked(to)
}

// Start brings the orchestrator up: seeds the agent fleet from config,
// verifies both integration handles, then starts the health loop. Any
// initialization failure forces the error status and is returned; no
// partially running instance is exposed.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.transition(StatusInitializing); err != nil {
		return err
	}
	if err := o.initialize(ctx); err != nil {
		_ = o.transition(StatusError)
		o.logger.Error("initialization failed", zap.Error(err))
		return InitializationError{Err: err}
	}

	o.mu.Lock()
	if err := o.transitionLocked(StatusRunning); err != nil {
		o.mu.Unlock()
		return err
	}
	stopCh := make(chan struct{})
	o.stopCh = stopCh
	o.loopWG.Add(1)
	o.mu.Unlock()
	go o.healthLoop(stopCh)

	o.record(ctx, "orchestrator_started", "", "", map[string]any{"agents": o.registry.Count()})
	o.logger.Info("orchestrator started",
		zap.Int("agents", o.registry.Count()),
		zap.Strings("phases", o.cfg.Phases))
	return nil
}

func (o *Orchestrator) initialize(ctx context.Context) error {
	for _, agentCfg := range o.cfg.Agents {
		err := o.registry.Register(domain.Agent{
			ID:       agentCfg.ID,
			Phase:    agentCfg.Phase,
			Tools:    agentCfg.Tools,
			Endpoint: agentCfg.Endpoint,
		})
		if err != nil && !errors.Is(err, registry.ErrAgentExists) {
			return fmt.Errorf("seed agents: %w", err)
		}
	}
	if err := o.engine.Healthz(ctx); err != nil {
		return fmt.Errorf("graph engine: %w", err)
	}
	if err := o.automation.Healthz(ctx); err != nil {
		return fmt.Errorf("automation: %w", err)
	}
	return nil
}

// Stop cancels every active workflow, then tears down the integration
// handles in reverse initialization order. Teardown is best-effort: a
// failing component never prevents the next one from being asked to
// shut down, but any fault forces the error status and is returned.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if err := o.transitionLocked(StatusIdle); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.stopCh != nil {
		close(o.stopCh)
		o.stopCh = nil
	}
	o.mu.Unlock()
	o.loopWG.Wait()

	var faults []error
	for _, id := range o.coord.Active() {
		if err := o.stopProject(ctx, id); err != nil {
			faults = append(faults, fmt.Errorf("workflow %s: %w", id, err))
		}
	}
	if err := o.automation.Close(); err != nil {
		faults = append(faults, fmt.Errorf("automation: %w", err))
	}
	if err := o.engine.Close(); err != nil {
		faults = append(faults, fmt.Errorf("graph engine: %w", err))
	}

	o.record(ctx, "orchestrator_stopped", "", "", nil)
	if len(faults) > 0 {
		_ = o.transition(StatusError)
		o.logger.Error("shutdown failed", zap.Int("faults", len(faults)))
		return ShutdownError{Errs: faults}
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// Pause suspends the health loop and new orchestration work. Running
// workflows keep their state; their drivers idle until Resume.
func (o *Orchestrator) Pause(ctx context.Context) error {
	o.mu.Lock()
	if err := o.transitionLocked(StatusPaused); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.stopCh != nil {
		close(o.stopCh)
		o.stopCh = nil
	}
	o.mu.Unlock()
	o.loopWG.Wait()
	o.record(ctx, "orchestrator_paused", "", "", nil)
	return nil
}

// Resume restarts the health loop after a pause.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	if o.status != StatusPaused {
		err := InvalidTransitionError{From: o.status, To: StatusRunning}
		o.mu.Unlock()
		return err
	}
	if err := o.transitionLocked(StatusRunning); err != nil {
		o.mu.Unlock()
		return err
	}
	stopCh := make(chan struct{})
	o.stopCh = stopCh
	o.loopWG.Add(1)
	o.mu.Unlock()
	go o.healthLoop(stopCh)
	o.record(ctx, "orchestrator_resumed", "", "", nil)
	return nil
}

// Finish marks an orchestrator whose workflows have all drained as
// completed. Stop still runs the teardown afterwards.
func (o *Orchestrator) Finish(ctx context.Context) error {
	if active := o.coord.Active(); len(active) > 0 {
		return fmt.Errorf("%d workflows still active", len(active))
	}
	o.mu.Lock()
	if err := o.transitionLocked(StatusCompleted); err != nil {
		o.mu.Unlock()
		return err
	}
	if o.stopCh != nil {
		close(o.stopCh)
		o.stopCh = nil
	}
	o.mu.Unlock()
	o.loopWG.Wait()
	o.record(ctx, "orchestrator_completed", "", "", nil)
	return nil
}

// LaunchFullWorkflow creates a project, dispatches the first phase to
// its agent pool, and hands the remaining phases to the graph engine.
// It returns the project id as soon as phase one is dispatched; it
// never blocks for the whole workflow. A failure during launch removes
// the partially created project before the error is surfaced.
func (o *Orchestrator) LaunchFullWorkflow(ctx context.Context, data map[string]any) (string, error) {
	if o.Status() != StatusRunning {
		return "", ErrNotRunning
	}
	project, err := o.coord.CreateProject(data, o.cfg.Phases)
	if err != nil {
		return "", err
	}

	if err := o.runLaunch(ctx, project); err != nil {
		o.mu.Lock()
		graphHandle := o.graphs[project.ID]
		delete(o.graphs, project.ID)
		o.mu.Unlock()
		if graphHandle != nil {
			_ = graphHandle.Stop(ctx)
		}
		o.dispatcher.CancelProject(project.ID)
		o.coord.Remove(project.ID)
		o.logger.Error("launch failed",
			zap.String("project_id", project.ID),
			zap.Error(err))
		return "", err
	}

	o.mu.Lock()
	o.currentProject = project.ID
	o.mu.Unlock()
	o.metrics.WorkflowLaunched()
	o.metrics.SetActiveWorkflows(len(o.coord.Active()))
	o.record(ctx, "workflow_launched", project.ID, "", map[string]any{"topic": data["topic"]})
	o.logger.Info("workflow launched",
		zap.String("project_id", project.ID),
		zap.String("phase", project.CurrentPhase))
	return project.ID, nil
}

func (o *Orchestrator) runLaunch(ctx context.Context, project domain.Project) error {
	if _, err := o.dispatchPhase(ctx, project.ID, project.CurrentPhase, project.Data); err != nil {
		return err
	}
	if err := o.coord.Begin(project.ID); err != nil {
		return err
	}

	agents := map[string][]domain.Agent{}
	for _, phase := range project.Phases {
		agents[phase] = o.registry.ByPhase(phase)
	}
	graphHandle, err := o.engine.CreateGraph(ctx, project.ID, project.Phases, agents)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.graphs[project.ID] = graphHandle
	o.mu.Unlock()

	payload := map[string]any{
		"project_id": project.ID,
		"data":       project.Data,
		"batch_id":   batchID(project.CurrentPhase, project.ID),
	}
	if err := graphHandle.Run(ctx, payload); err != nil {
		return err
	}

	return o.automation.Trigger(ctx, domain.PhaseKind(project.CurrentPhase)+"_coordination", map[string]any{
		"project_id": project.ID,
		"phase":      project.CurrentPhase,
	})
}

// dispatchPhase assigns one task per pool agent for the phase. Agents
// known to be unreachable are skipped; a phase whose whole pool is
// unreachable fails the dispatch.
func (o *Orchestrator) dispatchPhase(ctx context.Context, projectID, phase string, data map[string]any) ([]string, error) {
	agents := o.registry.ByPhase(phase)
	if len(agents) == 0 {
		o.logger.Warn("phase has no agents",
			zap.String("project_id", projectID),
			zap.String("phase", phase))
		// an empty batch still marks the phase as dispatched
		return nil, o.coord.RecordTasks(projectID, batchID(phase, projectID), nil)
	}

	var ids []string
	for _, agent := range agents {
		task, err := o.dispatcher.Assign(ctx, agent.ID, domain.Task{
			ProjectID: projectID,
			Kind:      domain.PhaseKind(phase),
			Payload: map[string]any{
				"phase": phase,
				"data":  data,
				"tools": agent.Tools,
			},
		})
		if err != nil {
			if errors.Is(err, dispatch.ErrAgentUnhealthy) {
				o.logger.Warn("skipping unreachable agent",
					zap.String("project_id", projectID),
					zap.String("phase", phase),
					zap.String("agent", agent.ID))
				continue
			}
			return ids, fmt.Errorf("dispatch %s to %s: %w", phase, agent.ID, err)
		}
		ids = append(ids, task.ID)
		o.metrics.TaskDispatched(phase)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("phase %s: no reachable agents", phase)
	}
	if err := o.coord.RecordTasks(projectID, batchID(phase, projectID), ids); err != nil {
		return ids, err
	}
	return ids, nil
}

// AdvancePhase moves a workflow to its next phase and dispatches that
// phase's tasks. Advancing past the final phase completes the workflow
// and removes it from the active set. The phase pointer only moves once
// the current phase has a recorded task batch, so a phase whose
// dispatch failed is retried in place instead of being skipped.
func (o *Orchestrator) AdvancePhase(ctx context.Context, projectID string) (domain.Project, bool, error) {
	if o.Status() != StatusRunning {
		return domain.Project{}, false, ErrNotRunning
	}
	if project, err := o.coord.Get(projectID); err == nil &&
		project.Status == domain.ProjectRunning && !phaseDispatched(project) {
		if err := o.beginPhase(ctx, project); err != nil {
			return project, false, err
		}
		o.record(ctx, "phase_redispatched", projectID, "", map[string]any{"phase": project.CurrentPhase})
		o.logger.Info("phase redispatched",
			zap.String("project_id", projectID),
			zap.String("phase", project.CurrentPhase))
		return project, false, nil
	}

	project, done, err := o.coord.AdvancePhase(projectID)
	if err != nil {
		return domain.Project{}, false, err
	}
	if done {
		o.finishProject(ctx, project)
		return project, true, nil
	}
	if err := o.beginPhase(ctx, project); err != nil {
		return project, false, err
	}
	o.record(ctx, "phase_advanced", projectID, "", map[string]any{"phase": project.CurrentPhase})
	o.logger.Info("phase advanced",
		zap.String("project_id", projectID),
		zap.String("phase", project.CurrentPhase))
	return project, false, nil
}

// phaseDispatched reports whether the project's current phase already
// has a recorded task batch.
func phaseDispatched(project domain.Project) bool {
	_, ok := project.Tasks[batchID(project.CurrentPhase, project.ID)]
	return ok
}

// beginPhase dispatches the project's current phase and fires its
// coordination hook. The batch is recorded by the dispatch, so a hook
// failure surfaces as an error without the phase being dispatched
// twice.
func (o *Orchestrator) beginPhase(ctx context.Context, project domain.Project) error {
	if _, err := o.dispatchPhase(ctx, project.ID, project.CurrentPhase, project.Data); err != nil {
		return err
	}
	return o.automation.Trigger(ctx, domain.PhaseKind(project.CurrentPhase)+"_coordination", map[string]any{
		"project_id": project.ID,
		"phase":      project.CurrentPhase,
	})
}

func (o *Orchestrator) finishProject(ctx context.Context, project domain.Project) {
	o.mu.Lock()
	delete(o.graphs, project.ID)
	o.mu.Unlock()
	o.coord.Remove(project.ID)
	o.metrics.WorkflowCompleted()
	o.metrics.SetActiveWorkflows(len(o.coord.Active()))
	o.record(ctx, "workflow_completed", project.ID, "", nil)
	o.logger.Info("workflow completed", zap.String("project_id", project.ID))
}

// StopWorkflow cancels one workflow: its graph, its automation
// executions, and its open tasks. Repeats and unknown ids are no-ops.
// Cancellation stays available while the orchestrator is paused.
func (o *Orchestrator) StopWorkflow(ctx context.Context, projectID string) error {
	if s := o.Status(); s != StatusRunning && s != StatusPaused {
		return ErrNotRunning
	}
	return o.stopProject(ctx, projectID)
}

func (o *Orchestrator) stopProject(ctx context.Context, id string) error {
	if _, err := o.coord.Get(id); err != nil {
		// unknown or already removed
		return nil
	}

	o.mu.Lock()
	graphHandle := o.graphs[id]
	delete(o.graphs, id)
	o.mu.Unlock()

	var faults []error
	if graphHandle != nil {
		if err := graphHandle.Stop(ctx); err != nil {
			faults = append(faults, err)
		}
	}
	if err := o.automation.CancelExecutions(ctx, id); err != nil {
		faults = append(faults, err)
	}

	wasActive := o.coord.Cancel(id)
	cancelled := o.dispatcher.CancelProject(id)
	o.coord.Remove(id)
	if wasActive {
		o.metrics.WorkflowCancelled()
		o.metrics.SetActiveWorkflows(len(o.coord.Active()))
		o.record(ctx, "workflow_cancelled", id, "", map[string]any{"tasks_cancelled": cancelled})
		o.logger.Info("workflow cancelled",
			zap.String("project_id", id),
			zap.Int("tasks_cancelled", cancelled))
	}
	return errors.Join(faults...)
}

// PauseWorkflow suspends one workflow's phase progression.
func (o *Orchestrator) PauseWorkflow(ctx context.Context, projectID string) error {
	if o.Status() != StatusRunning {
		return ErrNotRunning
	}
	if err := o.coord.Pause(projectID); err != nil {
		return err
	}
	o.record(ctx, "workflow_paused", projectID, "", nil)
	return nil
}

// ResumeWorkflow resumes a paused workflow.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, projectID string) error {
	if o.Status() != StatusRunning {
		return ErrNotRunning
	}
	if err := o.coord.Resume(projectID); err != nil {
		return err
	}
	o.record(ctx, "workflow_resumed", projectID, "", nil)
	return nil
}

// ApproveDeployment runs the approval pipeline for a proposal:
// structural validation, cycle check, idempotent approval, then the
// automation announcement. Structural defects and dependency cycles
// are normal rejections and come back as false with a nil error; only
// infrastructure faults are errors. A failed announcement revokes the
// fresh approval so a retry announces again under the same id.
func (o *Orchestrator) ApproveDeployment(ctx context.Context, p domain.Proposal) (bool, error) {
	if o.Status() != StatusRunning {
		return false, ErrNotRunning
	}
	if _, ok := o.approver.Deployment(p.ID); ok {
		// replayed approval, already announced
		return true, nil
	}
	if p.ProjectID != "" {
		if err := o.coord.RecordProposal(p); err != nil {
			return false, err
		}
	}

	dep, created, err := o.approver.Approve(p)
	switch {
	case errors.Is(err, approval.ErrInvalidProposal):
		o.reject(ctx, p, "invalid", err)
		return false, nil
	case errors.Is(err, approval.ErrCyclicProposal):
		o.reject(ctx, p, "cyclic", err)
		return false, nil
	case err != nil:
		return false, err
	}
	if !created {
		// lost a race with an identical concurrent approval
		return true, nil
	}

	order, err := approval.DeployOrder(p)
	if err != nil {
		order = append([]string(nil), p.Components...)
	}
	if err := o.automation.Trigger(ctx, "deployment_automation", map[string]any{
		"deployment_id": dep.ID,
		"proposal_id":   p.ID,
		"project_id":    p.ProjectID,
		"deploy_order":  order,
	}); err != nil {
		o.approver.Revoke(p.ID)
		return false, err
	}

	o.metrics.DeploymentApproved()
	if err := o.journal.RecordDeployment(ctx, dep); err != nil {
		o.logger.Warn("archive deployment failed", zap.Error(err))
	}
	o.record(ctx, "deployment_approved", p.ProjectID, "", map[string]any{
		"deployment_id": dep.ID,
		"proposal_id":   p.ID,
	})
	o.logger.Info("deployment approved",
		zap.String("proposal_id", p.ID),
		zap.String("deployment_id", dep.ID))
	return true, nil
}

func (o *Orchestrator) reject(ctx context.Context, p domain.Proposal, reason string, err error) {
	o.metrics.DeploymentRejected(reason)
	o.record(ctx, "deployment_rejected", p.ProjectID, "", map[string]any{
		"proposal_id": p.ID,
		"reason":      err.Error(),
	})
	o.logger.Info("deployment rejected",
		zap.String("proposal_id", p.ID),
		zap.String("reason", err.Error()))
}

// DetectCyclicalDependencies reports the cycles in a project's working
// dependency set.
func (o *Orchestrator) DetectCyclicalDependencies(projectID string) ([][]string, error) {
	edges, err := o.coord.ProjectDependencies(projectID)
	if err != nil {
		return nil, err
	}
	return graph.Detect(edges), nil
}

// ResolveCycles breaks each detected cycle by dropping its
// latest-declared edge from the working dependency set. One pass only:
// overlapping cycles can leave residuals, so callers re-run detection
// afterwards.
func (o *Orchestrator) ResolveCycles(ctx context.Context, projectID string) ([]domain.Removal, error) {
	if o.Status() != StatusRunning {
		return nil, ErrNotRunning
	}
	edges, err := o.coord.ProjectDependencies(projectID)
	if err != nil {
		return nil, err
	}
	cycles := graph.Detect(edges)
	if len(cycles) == 0 {
		return nil, nil
	}
	_, removals := graph.Resolve(edges, cycles)
	for _, removal := range removals {
		o.coord.DropDependency(projectID, removal.Edge)
	}
	o.record(ctx, "cycles_resolved", projectID, "", map[string]any{"removed": len(removals)})
	o.logger.Info("cycles resolved",
		zap.String("project_id", projectID),
		zap.Int("removed", len(removals)))
	return removals, nil
}

// RegisterAgent adds an agent to the fleet at runtime.
func (o *Orchestrator) RegisterAgent(ctx context.Context, agent domain.Agent) error {
	if err := o.registry.Register(agent); err != nil {
		return err
	}
	o.record(ctx, "agent_registered", "", agent.ID, map[string]any{"phase": agent.Phase})
	return nil
}

// DeregisterAgent removes an agent from the fleet.
func (o *Orchestrator) DeregisterAgent(ctx context.Context, id string) error {
	if err := o.registry.Deregister(id); err != nil {
		return err
	}
	o.record(ctx, "agent_deregistered", "", id, nil)
	return nil
}

// CompleteTask records an agent's result for a dispatched task. Results
// for tasks cancelled in the meantime are silently discarded.
func (o *Orchestrator) CompleteTask(ctx context.Context, taskID string, result map[string]any) (domain.Task, error) {
	if err := o.dispatcher.Complete(taskID, result); err != nil {
		return domain.Task{}, err
	}
	task, err := o.dispatcher.Get(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.State == domain.TaskCompleted {
		o.record(ctx, "task_completed", task.ProjectID, task.AgentID, map[string]any{"task_id": taskID})
	}
	return task, nil
}

// FailTask records an agent-reported failure for a dispatched task.
func (o *Orchestrator) FailTask(ctx context.Context, taskID, reason string) (domain.Task, error) {
	if err := o.dispatcher.Fail(taskID, reason); err != nil {
		return domain.Task{}, err
	}
	task, err := o.dispatcher.Get(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if task.State == domain.TaskFailed {
		o.record(ctx, "task_failed", task.ProjectID, task.AgentID, map[string]any{
			"task_id": taskID,
			"reason":  reason,
		})
	}
	return task, nil
}

// MonitorAgentStates returns the last known health of every agent.
// Read-only: records are never touched, only gauges updated.
func (o *Orchestrator) MonitorAgentStates() map[string]domain.AgentHealth {
	out := map[string]domain.AgentHealth{}
	for _, agent := range o.registry.All() {
		out[agent.ID] = agent.Health
		o.metrics.RecordAgentHealth(agent.ID, agent.Health)
	}
	return out
}

// StatusReport is the operator-facing orchestration snapshot.
type StatusReport struct {
	Status           Status                        `json:"status"`
	CurrentProject   string                        `json:"current_project,omitempty"`
	RunningWorkflows int                           `json:"running_workflows"`
	AgentStates      map[string]domain.AgentHealth `json:"agent_states"`
	Metrics          map[string]float64            `json:"metrics"`
}

// GetOrchestrationStatus returns a read-only snapshot of the whole
// orchestration: global status, the latest project, active workflow
// count, agent health, and the metrics summary.
func (o *Orchestrator) GetOrchestrationStatus() StatusReport {
	o.mu.Lock()
	status := o.status
	current := o.currentProject
	o.mu.Unlock()
	return StatusReport{
		Status:           status,
		CurrentProject:   current,
		RunningWorkflows: len(o.coord.Active()),
		AgentStates:      o.MonitorAgentStates(),
		Metrics:          o.metrics.Summary(),
	}
}

// healthLoop runs the periodic checks while the status stays running.
// The status is checked at the loop top only, so at most one more full
// iteration runs after a stop or pause request.
func (o *Orchestrator) healthLoop(stopCh <-chan struct{}) {
	defer o.loopWG.Done()
	interval := o.cfg.Orchestrator.Interval()
	if interval <= 0 {
		interval = time.Second
	}
	for {
		if o.Status() != StatusRunning {
			return
		}
		o.runHealthChecks(context.Background())
		select {
		case <-stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// runHealthChecks sweeps the agent fleet, refreshes workflow gauges,
// and pings both integration handles. Each check tolerates failure on
// its own; one unhealthy collaborator never halts monitoring of the
// others.
func (o *Orchestrator) runHealthChecks(ctx context.Context) {
	started := o.Now()

	report := o.registry.HealthCheck(ctx)
	for _, probe := range report.Probes {
		o.metrics.RecordAgentHealth(probe.AgentID, probe.Health)
	}
	if report.Unreachable > 0 {
		o.logger.Warn("health sweep found unreachable agents",
			zap.Int("unreachable", report.Unreachable),
			zap.Int("healthy", report.Healthy))
	}

	o.metrics.SetActiveWorkflows(len(o.coord.Active()))

	if err := o.engine.Healthz(ctx); err != nil {
		o.metrics.HealthCheckFailed("graph-engine")
		o.logger.Warn("graph engine health check failed", zap.Error(err))
	}
	if err := o.automation.Healthz(ctx); err != nil {
		o.metrics.HealthCheckFailed("automation")
		o.logger.Warn("automation health check failed", zap.Error(err))
	}

	o.metrics.HealthCheckCompleted(o.Now().Sub(started))
}

// onAgentHealthChange reacts to health transitions found by sweeps. An
// agent going unreachable gets its open tasks rerouted before any of
// them is failed.
func (o *Orchestrator) onAgentHealthChange(agentID string, from, to domain.AgentHealth) {
	ctx := context.Background()
	o.metrics.RecordAgentHealth(agentID, to)
	o.record(ctx, "agent_health_changed", "", agentID, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
	if to != domain.HealthUnreachable {
		return
	}
	reassigned, failed := o.dispatcher.Reassign(ctx, agentID)
	if len(reassigned)+len(failed) > 0 {
		o.record(ctx, "tasks_reassigned", "", agentID, map[string]any{
			"reassigned": len(reassigned),
			"failed":     len(failed),
		})
	}
}

// phaseAdvancer adapts AdvancePhase for the in-process engine driver.
// The driver outlives every transient condition: a paused orchestrator,
// a paused project, and a failed advance all come back as idle results.
// Only a removed project or a completed workflow ends it.
func (o *Orchestrator) phaseAdvancer() integration.PhaseAdvancer {
	return func(ctx context.Context, projectID string) (bool, error) {
		project, err := o.coord.Get(projectID)
		if err != nil {
			// removed: finished or stopped elsewhere
			return true, nil
		}
		switch {
		case project.Status == domain.ProjectPaused, project.Status == domain.ProjectStarting:
			return false, nil
		case project.Status.Terminal():
			return true, nil
		}

		_, done, err := o.AdvancePhase(ctx, projectID)
		switch {
		case err == nil:
			return done, nil
		case errors.Is(err, ErrNotRunning):
			// paused orchestrator
			return false, nil
		}
		if _, err := o.coord.Get(projectID); err != nil {
			// stopped underneath the advance
			return true, nil
		}
		o.logger.Warn("phase advance failed",
			zap.String("project_id", projectID),
			zap.Error(err))
		return false, nil
	}
}

// record appends to the archive journal, best-effort.
func (o *Orchestrator) record(ctx context.Context, evtType, projectID, agentID string, payload map[string]any) {
	if err := o.journal.Append(ctx, evtType, projectID, agentID, payload); err != nil {
		o.logger.Warn("archive append failed",
			zap.String("type", evtType),
			zap.Error(err))
	}
}

func batchID(phase, projectID string) string {
	return domain.PhaseKind(phase) + "_phase_" + projectID
}
