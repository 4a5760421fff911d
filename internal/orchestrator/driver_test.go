package orchestrator

import (
	"context"
	"sync"
	"testing"

	"maestro/internal/config"
	"maestro/internal/domain"
	"maestro/internal/integration"
	"maestro/internal/registry"
)

// driverEnv runs an orchestrator against the real in-process engine.
// Both intervals sit far beyond test time, so nothing ticks on its own
// and the phase advancer can be stepped by hand.
type driverEnv struct {
	t    *testing.T
	orch *Orchestrator
	step integration.PhaseAdvancer

	mu   sync.Mutex
	down map[string]bool
}

func newDriverEnv(t *testing.T) *driverEnv {
	t.Helper()
	env := &driverEnv{t: t, down: map[string]bool{}}
	prober := registry.ProberFunc(func(ctx context.Context, agent domain.Agent) domain.HealthProbe {
		env.mu.Lock()
		defer env.mu.Unlock()
		if env.down[agent.ID] {
			return domain.HealthProbe{Health: domain.HealthUnreachable, Message: "no route"}
		}
		return domain.HealthProbe{Healthy: true, Health: domain.HealthHealthy}
	})

	cfg := config.Config{
		Orchestrator: config.OrchestratorConfig{HealthCheckInterval: 3600},
		Integrations: config.IntegrationsConfig{
			GraphEngine: config.GraphEngineConfig{StepDelay: 3600},
		},
		Phases: []string{"research", "content"},
		Agents: []config.AgentConfig{
			{ID: "grok", Phase: "research", Tools: []string{"search"}},
			{ID: "claude", Phase: "content", Tools: []string{"writing"}},
		},
	}
	env.orch = New(Options{Config: cfg, Registry: registry.New(prober, nil)})
	env.step = env.orch.phaseAdvancer()
	if err := env.orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		switch env.orch.Status() {
		case StatusRunning, StatusPaused:
			_ = env.orch.Stop(context.Background())
		}
	})
	return env
}

func (env *driverEnv) launch(topic string) string {
	env.t.Helper()
	id, err := env.orch.LaunchFullWorkflow(context.Background(), map[string]any{"topic": topic})
	if err != nil {
		env.t.Fatalf("launch: %v", err)
	}
	return id
}

func (env *driverEnv) setDown(agentID string, down bool) {
	env.mu.Lock()
	env.down[agentID] = down
	env.mu.Unlock()
	env.orch.registry.HealthCheck(context.Background())
}

func TestPhaseAdvancerIdlesThroughPause(t *testing.T) {
	env := newDriverEnv(t)
	id := env.launch("x")

	if err := env.orch.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	// ticks landing mid-pause must keep the driver alive
	for i := 0; i < 3; i++ {
		done, err := env.step(context.Background(), id)
		if done || err != nil {
			t.Fatalf("tick %d while paused: done=%v err=%v", i, done, err)
		}
	}
	project, err := env.orch.coord.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if project.CurrentPhase != "research" {
		t.Fatalf("phase moved while paused: %s", project.CurrentPhase)
	}

	if err := env.orch.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	done, err := env.step(context.Background(), id)
	if done || err != nil {
		t.Fatalf("first tick after resume: done=%v err=%v", done, err)
	}
	done, err = env.step(context.Background(), id)
	if err != nil {
		t.Fatalf("second tick after resume: %v", err)
	}
	if !done {
		t.Fatal("expected the workflow to finish after resume")
	}
	if _, err := env.orch.coord.Get(id); err == nil {
		t.Fatal("expected the finished workflow to be removed")
	}
}

func TestPhaseAdvancerRetriesFailedDispatch(t *testing.T) {
	env := newDriverEnv(t)
	id := env.launch("x")

	// the advance moves the pointer to content, then the dispatch fails
	// with the whole pool unreachable
	env.setDown("claude", true)
	done, err := env.step(context.Background(), id)
	if done || err != nil {
		t.Fatalf("tick with pool down: done=%v err=%v", done, err)
	}
	project, err := env.orch.coord.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if project.CurrentPhase != "content" {
		t.Fatalf("expected pointer on content, got %s", project.CurrentPhase)
	}
	if _, ok := project.Tasks["content_phase_"+id]; ok {
		t.Fatal("failed dispatch must not record a batch")
	}

	// the next tick redispatches content in place instead of skipping it
	env.setDown("claude", false)
	done, err = env.step(context.Background(), id)
	if done || err != nil {
		t.Fatalf("recovery tick: done=%v err=%v", done, err)
	}
	project, err = env.orch.coord.Get(id)
	if err != nil {
		t.Fatalf("get after recovery: %v", err)
	}
	if project.CurrentPhase != "content" {
		t.Fatalf("recovery skipped the content phase: %s", project.CurrentPhase)
	}
	if batch := project.Tasks["content_phase_"+id]; len(batch) != 1 {
		t.Fatalf("expected a redispatched content batch, got %v", project.Tasks)
	}

	done, err = env.step(context.Background(), id)
	if err != nil || !done {
		t.Fatalf("final tick: done=%v err=%v", done, err)
	}
}

func TestPhaseAdvancerEndsWhenWorkflowStopped(t *testing.T) {
	env := newDriverEnv(t)
	id := env.launch("x")

	if err := env.orch.StopWorkflow(context.Background(), id); err != nil {
		t.Fatalf("stop workflow: %v", err)
	}
	done, err := env.step(context.Background(), id)
	if !done || err != nil {
		t.Fatalf("expected the driver to end for a stopped workflow, got done=%v err=%v", done, err)
	}
}
