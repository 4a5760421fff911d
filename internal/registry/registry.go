// Package registry tracks the agent fleet: phase affiliation, tool
// capabilities and live health. It is the only component that mutates
// agent records.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"maestro/internal/domain"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already registered")
)

// Prober checks whether a single agent is responsive.
type Prober interface {
	Probe(ctx context.Context, agent domain.Agent) domain.HealthProbe
}

// ProberFunc adapts a plain function to the Prober interface.
type ProberFunc func(ctx context.Context, agent domain.Agent) domain.HealthProbe

func (f ProberFunc) Probe(ctx context.Context, agent domain.Agent) domain.HealthProbe {
	return f(ctx, agent)
}

// Registry is the mutex-guarded agent table. Registration order is
// preserved and is the order every listing returns.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*domain.Agent
	order    []string
	prober   Prober
	logger   *zap.Logger
	onChange func(agentID string, from, to domain.AgentHealth)

	Now func() time.Time
}

// New builds an empty registry. A nil prober falls back to the HTTP prober,
// which treats endpoint-less agents as reachable.
func New(prober Prober, logger *zap.Logger) *Registry {
	if prober == nil {
		prober = NewHTTPProber(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: map[string]*domain.Agent{},
		prober: prober,
		logger: logger.With(zap.String("component", "registry")),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnHealthChange installs a hook fired whenever a health sweep moves an
// agent to a different health state. Must be set before checks run.
func (r *Registry) OnHealthChange(fn func(agentID string, from, to domain.AgentHealth)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Register adds an agent. New agents start healthy until a sweep says
// otherwise.
func (r *Registry) Register(agent domain.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("agent id required")
	}
	if agent.Phase == "" {
		return fmt.Errorf("agent %s: phase required", agent.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agent.ID]; ok {
		return fmt.Errorf("agent %s: %w", agent.ID, ErrAgentExists)
	}
	now := r.Now()
	agent.Health = domain.HealthHealthy
	agent.RegisteredAt = now
	agent.LastSeen = now
	r.agents[agent.ID] = &agent
	r.order = append(r.order, agent.ID)
	r.logger.Info("agent registered",
		zap.String("agent", agent.ID),
		zap.String("phase", agent.Phase),
		zap.Strings("tools", agent.Tools))
	return nil
}

// Deregister removes an agent.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
	}
	delete(r.agents, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("agent deregistered", zap.String("agent", id))
	return nil
}

// Get returns a copy of one agent record.
func (r *Registry) Get(id string) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", id, ErrAgentNotFound)
	}
	return *agent, nil
}

// All returns every agent in registration order.
func (r *Registry) All() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}

// ByPhase returns the agents affiliated with a phase, in registration
// order. Never re-sorted.
func (r *Registry) ByPhase(phase string) []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Agent
	for _, id := range r.order {
		if r.agents[id].Phase == phase {
			out = append(out, *r.agents[id])
		}
	}
	return out
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// HealthCheck probes every registered agent and updates its health. One
// unreachable agent never fails the sweep; results are aggregated into the
// returned report.
func (r *Registry) HealthCheck(ctx context.Context) domain.HealthReport {
	agents := r.All()
	report := domain.HealthReport{CheckedAt: r.Now()}
	for _, agent := range agents {
		probe := r.prober.Probe(ctx, agent)
		probe.AgentID = agent.ID
		probe.CheckedAt = report.CheckedAt
		r.apply(agent.ID, probe)
		switch probe.Health {
		case domain.HealthHealthy:
			report.Healthy++
		case domain.HealthDegraded:
			report.Degraded++
		default:
			report.Unreachable++
		}
		report.Probes = append(report.Probes, probe)
	}
	return report
}

// apply writes one probe result back to the table.
func (r *Registry) apply(id string, probe domain.HealthProbe) {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		// deregistered mid-sweep
		r.mu.Unlock()
		return
	}
	from := agent.Health
	agent.Health = probe.Health
	if probe.Healthy {
		agent.LastSeen = probe.CheckedAt
	}
	onChange := r.onChange
	r.mu.Unlock()

	if from != probe.Health {
		r.logger.Warn("agent health changed",
			zap.String("agent", id),
			zap.String("from", string(from)),
			zap.String("to", string(probe.Health)),
			zap.String("message", probe.Message))
		if onChange != nil {
			onChange(id, from, probe.Health)
		}
	}
}

// HTTPProber probes agents over their health endpoint. Agents without an
// endpoint are self-declared and count as reachable.
type HTTPProber struct {
	Client *http.Client
}

func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPProber{Client: client}
}

func (p *HTTPProber) Probe(ctx context.Context, agent domain.Agent) domain.HealthProbe {
	if agent.Endpoint == "" {
		return domain.HealthProbe{Healthy: true, Health: domain.HealthHealthy}
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agent.Endpoint+"/health", nil)
	if err != nil {
		return domain.HealthProbe{Health: domain.HealthUnreachable, Message: err.Error()}
	}
	res, err := p.Client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return domain.HealthProbe{Health: domain.HealthUnreachable, Latency: latency, Message: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return domain.HealthProbe{
			Health:  domain.HealthDegraded,
			Latency: latency,
			Message: fmt.Sprintf("health endpoint returned %d", res.StatusCode),
		}
	}
	return domain.HealthProbe{Healthy: true, Health: domain.HealthHealthy, Latency: latency}
}
