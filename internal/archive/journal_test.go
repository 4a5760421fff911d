package archive_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"maestro/internal/archive"
	"maestro/internal/domain"
)

func openJournal(t *testing.T) *archive.Journal {
	t.Helper()
	j, err := archive.Open(filepath.Join(t.TempDir(), "maestro.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	j.Now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return j
}

func TestAppendAndQueryEvents(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	appends := []struct {
		evtType, project, agent string
	}{
		{"workflow_launched", "p1", ""},
		{"phase_advanced", "p1", ""},
		{"agent_health_changed", "", "grok"},
		{"workflow_launched", "p2", ""},
	}
	for _, a := range appends {
		if err := j.Append(ctx, a.evtType, a.project, a.agent, map[string]any{"n": 1}); err != nil {
			t.Fatalf("append %s: %v", a.evtType, err)
		}
	}

	got, err := j.Events(ctx, archive.EventQuery{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for p1, got %d", len(got))
	}
	// newest first
	if got[0].Type != "phase_advanced" || got[1].Type != "workflow_launched" {
		t.Fatalf("unexpected order: %s, %s", got[0].Type, got[1].Type)
	}
	if got[0].Payload["n"] != float64(1) {
		t.Fatalf("payload lost: %v", got[0].Payload)
	}

	got, err = j.Events(ctx, archive.EventQuery{Type: "workflow_launched", Limit: 1})
	if err != nil {
		t.Fatalf("events by type: %v", err)
	}
	if len(got) != 1 || got[0].ProjectID != "p2" {
		t.Fatalf("expected newest workflow_launched (p2), got %+v", got)
	}
}

func TestRecordDeploymentAbsorbsReplays(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	dep := domain.Deployment{
		ID:         "d1",
		ProposalID: "prop-1",
		ProjectID:  "p1",
		ApprovedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for i := 0; i < 2; i++ {
		if err := j.RecordDeployment(ctx, dep); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	got, err := j.Deployments(ctx, "p1")
	if err != nil {
		t.Fatalf("deployments: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 deployment, got %d", len(got))
	}
	if !got[0].ApprovedAt.Equal(dep.ApprovedAt) {
		t.Fatalf("approved_at drifted: %v", got[0].ApprovedAt)
	}
}

func TestNilJournalIsNoop(t *testing.T) {
	ctx := context.Background()
	var j *archive.Journal

	if err := j.Append(ctx, "workflow_launched", "p1", "", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := j.Events(ctx, archive.EventQuery{})
	if err != nil || events != nil {
		t.Fatalf("expected empty result, got %v / %v", events, err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
