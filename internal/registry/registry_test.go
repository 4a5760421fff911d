package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
)

func fixedClock() func() time.Time {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func seed(t *testing.T, r *Registry) {
	t.Helper()
	agents := []domain.Agent{
		{ID: "grok", Phase: "research", Tools: []string{"search"}},
		{ID: "claude", Phase: "content", Tools: []string{"writing"}},
		{ID: "gemini", Phase: "research", Tools: []string{"search"}},
		{ID: "perplexity", Phase: "research", Tools: []string{"search"}},
	}
	for _, a := range agents {
		require.NoError(t, r.Register(a))
	}
}

func TestByPhaseKeepsRegistrationOrder(t *testing.T) {
	r := New(nil, nil)
	r.Now = fixedClock()
	seed(t, r)

	research := r.ByPhase("research")
	require.Len(t, research, 3)
	require.Equal(t, "grok", research[0].ID)
	require.Equal(t, "gemini", research[1].ID)
	require.Equal(t, "perplexity", research[2].ID)

	all := r.All()
	require.Equal(t, []string{"grok", "claude", "gemini", "perplexity"},
		[]string{all[0].ID, all[1].ID, all[2].ID, all[3].ID})
	require.Equal(t, 4, r.Count())
}

func TestRegisterDuplicate(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Register(domain.Agent{ID: "grok", Phase: "research"}))
	err := r.Register(domain.Agent{ID: "grok", Phase: "research"})
	require.ErrorIs(t, err, ErrAgentExists)
}

func TestDeregister(t *testing.T) {
	r := New(nil, nil)
	seed(t, r)

	require.NoError(t, r.Deregister("gemini"))
	_, err := r.Get("gemini")
	require.ErrorIs(t, err, ErrAgentNotFound)
	require.ErrorIs(t, r.Deregister("gemini"), ErrAgentNotFound)

	research := r.ByPhase("research")
	require.Equal(t, []string{"grok", "perplexity"},
		[]string{research[0].ID, research[1].ID})
}

func TestHealthCheckUpdatesAgents(t *testing.T) {
	down := map[string]bool{"gemini": true}
	prober := ProberFunc(func(ctx context.Context, agent domain.Agent) domain.HealthProbe {
		if down[agent.ID] {
			return domain.HealthProbe{Health: domain.HealthUnreachable, Message: "connection refused"}
		}
		return domain.HealthProbe{Healthy: true, Health: domain.HealthHealthy}
	})
	r := New(prober, nil)
	r.Now = fixedClock()
	seed(t, r)

	var changes []string
	r.OnHealthChange(func(id string, from, to domain.AgentHealth) {
		changes = append(changes, id+":"+string(from)+">"+string(to))
	})

	report := r.HealthCheck(context.Background())
	require.Len(t, report.Probes, 4)
	require.Equal(t, 3, report.Healthy)
	require.Equal(t, 1, report.Unreachable)
	require.Equal(t, []string{"gemini:healthy>unreachable"}, changes)

	agent, err := r.Get("gemini")
	require.NoError(t, err)
	require.Equal(t, domain.HealthUnreachable, agent.Health)

	// agent recovers on the next sweep
	delete(down, "gemini")
	report = r.HealthCheck(context.Background())
	require.Equal(t, 4, report.Healthy)
	agent, err = r.Get("gemini")
	require.NoError(t, err)
	require.Equal(t, domain.HealthHealthy, agent.Health)
	require.Equal(t, []string{"gemini:healthy>unreachable", "gemini:unreachable>healthy"}, changes)
}

func TestHealthCheckSelfDeclaredAgents(t *testing.T) {
	r := New(nil, nil)
	seed(t, r)
	report := r.HealthCheck(context.Background())
	require.Equal(t, 4, report.Healthy)
	require.Zero(t, report.Unreachable)
}
