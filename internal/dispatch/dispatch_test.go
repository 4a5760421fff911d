package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"maestro/internal/dispatch"
	"maestro/internal/domain"
	"maestro/internal/registry"
)

type testEnv struct {
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	down map[string]bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{down: map[string]bool{}}
	prober := registry.ProberFunc(func(ctx context.Context, agent domain.Agent) domain.HealthProbe {
		if env.down[agent.ID] {
			return domain.HealthProbe{Health: domain.HealthUnreachable, Message: "no route"}
		}
		return domain.HealthProbe{Healthy: true, Health: domain.HealthHealthy}
	})
	env.reg = registry.New(prober, nil)
	clock := func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	env.reg.Now = clock
	for _, agent := range []domain.Agent{
		{ID: "grok", Phase: "research", Tools: []string{"search"}},
		{ID: "gemini", Phase: "research", Tools: []string{"search"}},
		{ID: "claude", Phase: "content", Tools: []string{"writing"}},
	} {
		if err := env.reg.Register(agent); err != nil {
			t.Fatalf("register %s: %v", agent.ID, err)
		}
	}
	env.disp = dispatch.New(env.reg, nil)
	env.disp.Now = clock
	return env
}

func (env *testEnv) assign(t *testing.T, agentID, projectID string) domain.Task {
	t.Helper()
	task, err := env.disp.Assign(context.Background(), agentID, domain.Task{
		ProjectID: projectID,
		Kind:      "research",
		Payload:   map[string]any{"topic": "go"},
	})
	if err != nil {
		t.Fatalf("assign to %s: %v", agentID, err)
	}
	return task
}

func TestAssignUnknownAgentCreatesNoTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.disp.Assign(context.Background(), "ghost", domain.Task{ProjectID: "p1"})
	if !errors.Is(err, registry.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if tasks := env.disp.TasksByProject("p1"); len(tasks) != 0 {
		t.Fatalf("expected no task records, got %d", len(tasks))
	}
}

func TestAssignUnreachableAgent(t *testing.T) {
	env := newTestEnv(t)
	env.down["grok"] = true
	env.reg.HealthCheck(context.Background())

	_, err := env.disp.Assign(context.Background(), "grok", domain.Task{ProjectID: "p1"})
	if !errors.Is(err, dispatch.ErrAgentUnhealthy) {
		t.Fatalf("expected ErrAgentUnhealthy, got %v", err)
	}
	if tasks := env.disp.TasksByProject("p1"); len(tasks) != 0 {
		t.Fatalf("expected no task records, got %d", len(tasks))
	}

	// a later sweep reports the agent healthy again
	delete(env.down, "grok")
	env.reg.HealthCheck(context.Background())
	task := env.assign(t, "grok", "p1")
	if task.State != domain.TaskDispatched {
		t.Fatalf("expected dispatched, got %s", task.State)
	}
}

func TestTerminalStatesImmutable(t *testing.T) {
	env := newTestEnv(t)
	task := env.assign(t, "grok", "p1")

	if err := env.disp.Complete(task.ID, map[string]any{"summary": "done"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := env.disp.Fail(task.ID, "too late"); err == nil {
		t.Fatal("expected failing a completed task to be rejected")
	}
	got, err := env.disp.Get(task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
	if got.Payload["result"] == nil {
		t.Fatal("expected result kept on the completed task")
	}
}

func TestLateResultAfterCancelDiscarded(t *testing.T) {
	env := newTestEnv(t)
	task := env.assign(t, "grok", "p1")

	if err := env.disp.Cancel(task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := env.disp.Cancel(task.ID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := env.disp.Complete(task.ID, map[string]any{"summary": "late"}); err != nil {
		t.Fatalf("late completion must be discarded, got %v", err)
	}
	got, _ := env.disp.Get(task.ID)
	if got.State != domain.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
	if got.Payload["result"] != nil {
		t.Fatal("late result must not be kept")
	}
}

func TestCancelProject(t *testing.T) {
	env := newTestEnv(t)
	a := env.assign(t, "grok", "p1")
	env.assign(t, "gemini", "p1")
	env.assign(t, "claude", "p2")

	if err := env.disp.Complete(a.ID, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if n := env.disp.CancelProject("p1"); n != 1 {
		t.Fatalf("expected 1 cancellation, got %d", n)
	}
	other := env.disp.TasksByProject("p2")
	if other[0].State != domain.TaskDispatched {
		t.Fatalf("unrelated project touched: %s", other[0].State)
	}
}

func TestReassignMovesOpenTasks(t *testing.T) {
	env := newTestEnv(t)
	task := env.assign(t, "grok", "p1")

	env.down["grok"] = true
	env.reg.HealthCheck(context.Background())
	reassigned, failed := env.disp.Reassign(context.Background(), "grok")
	if len(reassigned) != 1 || len(failed) != 0 {
		t.Fatalf("expected 1 reassigned / 0 failed, got %d/%d", len(reassigned), len(failed))
	}
	got, _ := env.disp.Get(task.ID)
	if got.AgentID != "gemini" {
		t.Fatalf("expected task moved to gemini, got %s", got.AgentID)
	}
}

func TestReassignWithoutCandidateFails(t *testing.T) {
	env := newTestEnv(t)
	task := env.assign(t, "claude", "p1")

	env.down["claude"] = true
	env.reg.HealthCheck(context.Background())
	reassigned, failed := env.disp.Reassign(context.Background(), "claude")
	if len(reassigned) != 0 || len(failed) != 1 {
		t.Fatalf("expected 0 reassigned / 1 failed, got %d/%d", len(reassigned), len(failed))
	}
	got, _ := env.disp.Get(task.ID)
	if got.State != domain.TaskFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
}
