package coordinator_test

import (
	"errors"
	"testing"
	"time"

	"maestro/internal/coordinator"
	"maestro/internal/domain"
)

var phases = []string{
	"research_fact_gathering",
	"content_creation",
	"development_prototyping",
	"refinement_organization",
}

func newCoordinator() *coordinator.Coordinator {
	c := coordinator.New(nil)
	c.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func create(t *testing.T, c *coordinator.Coordinator) domain.Project {
	t.Helper()
	project, err := c.CreateProject(map[string]any{"topic": "go profiling"}, phases)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return project
}

func TestCreateProjectRequiresTopic(t *testing.T) {
	c := newCoordinator()
	for _, data := range []map[string]any{
		nil,
		{},
		{"topic": ""},
		{"topic": "   "},
		{"topic": 42},
	} {
		if _, err := c.CreateProject(data, phases); !errors.Is(err, coordinator.ErrInvalidProjectData) {
			t.Fatalf("data %v: expected ErrInvalidProjectData, got %v", data, err)
		}
	}
	if got := c.Snapshot(); len(got) != 0 {
		t.Fatalf("expected no projects recorded, got %d", len(got))
	}
}

func TestCreateProjectStartsAtFirstPhase(t *testing.T) {
	c := newCoordinator()
	project := create(t, c)
	if project.CurrentPhase != phases[0] {
		t.Fatalf("expected %s, got %s", phases[0], project.CurrentPhase)
	}
	if project.Status != domain.ProjectStarting {
		t.Fatalf("expected starting, got %s", project.Status)
	}
}

func TestAdvanceThroughAllPhases(t *testing.T) {
	c := newCoordinator()
	project := create(t, c)
	if err := c.Begin(project.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}

	for _, want := range phases[1:] {
		got, done, err := c.AdvancePhase(project.ID)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if done {
			t.Fatalf("completed early at %s", want)
		}
		if got.CurrentPhase != want {
			t.Fatalf("expected %s, got %s", want, got.CurrentPhase)
		}
	}

	got, done, err := c.AdvancePhase(project.ID)
	if err != nil {
		t.Fatalf("final advance: %v", err)
	}
	if !done || got.Status != domain.ProjectCompleted {
		t.Fatalf("expected completed project, got done=%v status=%s", done, got.Status)
	}
	if _, _, err := c.AdvancePhase(project.ID); err == nil {
		t.Fatal("expected advancing a completed project to fail")
	}
}

func TestAdvanceRequiresRunning(t *testing.T) {
	c := newCoordinator()
	project := create(t, c)
	if _, _, err := c.AdvancePhase(project.ID); err == nil {
		t.Fatal("expected advancing a starting project to fail")
	}

	if err := c.Begin(project.ID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := c.Pause(project.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, _, err := c.AdvancePhase(project.ID); err == nil {
		t.Fatal("expected advancing a paused project to fail")
	}
	if err := c.Resume(project.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, _, err := c.AdvancePhase(project.ID); err != nil {
		t.Fatalf("advance after resume: %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	c := newCoordinator()
	project := create(t, c)
	if !c.Cancel(project.ID) {
		t.Fatal("first cancel must report the cancellation")
	}
	for i := 0; i < 2; i++ {
		if c.Cancel(project.ID) {
			t.Fatalf("repeat cancel %d must be a no-op", i)
		}
	}
	got, err := c.Get(project.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.ProjectCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	// unknown ids are tolerated, never an error
	if c.Cancel("missing") {
		t.Fatal("cancelling an unknown project must be a no-op")
	}
}

func TestProposalResetsWorkingDependencies(t *testing.T) {
	c := newCoordinator()
	project := create(t, c)

	deps, err := c.ProjectDependencies(project.ID)
	if err != nil {
		t.Fatalf("dependencies: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("expected no dependencies before any proposal, got %d", len(deps))
	}

	first := domain.Proposal{
		ID:         "prop-1",
		ProjectID:  project.ID,
		Components: []string{"api", "worker"},
		Edges: []domain.Edge{
			{Component: "api", DependsOn: "worker"},
			{Component: "worker", DependsOn: "api"},
		},
	}
	if err := c.RecordProposal(first); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !c.DropDependency(project.ID, first.Edges[1]) {
		t.Fatal("expected edge to be dropped")
	}
	if c.DropDependency(project.ID, first.Edges[1]) {
		t.Fatal("expected second drop to report absence")
	}

	deps, _ = c.ProjectDependencies(project.ID)
	if len(deps) != 1 || deps[0] != first.Edges[0] {
		t.Fatalf("unexpected working set: %v", deps)
	}
	stored, ok := c.Proposal(project.ID)
	if !ok || len(stored.Edges) != 2 {
		t.Fatalf("stored proposal must keep its edges, got %v", stored.Edges)
	}

	second := first
	second.ID = "prop-2"
	if err := c.RecordProposal(second); err != nil {
		t.Fatalf("record second: %v", err)
	}
	deps, _ = c.ProjectDependencies(project.ID)
	if len(deps) != 2 {
		t.Fatalf("expected working set reset to 2 edges, got %d", len(deps))
	}
}

func TestRemoveCleansUp(t *testing.T) {
	c := newCoordinator()
	a := create(t, c)
	b := create(t, c)

	c.Remove(a.ID)
	if _, err := c.Get(a.ID); !errors.Is(err, coordinator.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if _, err := c.ProjectDependencies(a.ID); !errors.Is(err, coordinator.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].ID != b.ID {
		t.Fatalf("expected only %s left, got %v", b.ID, snap)
	}
}

func TestActiveSkipsTerminalProjects(t *testing.T) {
	c := newCoordinator()
	a := create(t, c)
	b := create(t, c)
	if !c.Cancel(a.ID) {
		t.Fatal("cancel must report the cancellation")
	}
	active := c.Active()
	if len(active) != 1 || active[0] != b.ID {
		t.Fatalf("expected [%s], got %v", b.ID, active)
	}
}
