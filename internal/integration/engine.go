package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"maestro/internal/domain"
)

const engineService = "graph-engine"

// EngineClient talks to a remote workflow graph engine over HTTP. The
// engine reports phase progression back through the operator API, so a
// graph's Run only hands the project over.
type EngineClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewEngineClient(baseURL, token string) *EngineClient {
	return &EngineClient{BaseURL: baseURL, Token: token}
}

func (c *EngineClient) CreateGraph(ctx context.Context, projectID string, phases []string, agents map[string][]domain.Agent) (GraphHandle, error) {
	body := map[string]any{
		"project_id": projectID,
		"phases":     phases,
		"agents":     agents,
	}
	var resp struct {
		GraphID string `json:"graph_id"`
	}
	if err := c.do(ctx, http.MethodPost, "graphs", body, &resp); err != nil {
		return nil, Error{Service: engineService, Op: "create graph", Err: err}
	}
	if resp.GraphID == "" {
		// some engines key graphs by project
		resp.GraphID = projectID
	}
	return &remoteGraph{client: c, id: resp.GraphID}, nil
}

func (c *EngineClient) Healthz(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "healthz", nil, nil); err != nil {
		return Error{Service: engineService, Op: "health check", Err: err}
	}
	return nil
}

func (c *EngineClient) Close() error { return nil }

func (c *EngineClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	return doJSON(ctx, httpClient(c.HTTPClient), method, joinURL(c.BaseURL, endpoint), header, body, out)
}

type remoteGraph struct {
	client *EngineClient
	id     string
}

func (g *remoteGraph) Run(ctx context.Context, payload map[string]any) error {
	endpoint := fmt.Sprintf("graphs/%s/run", url.PathEscape(g.id))
	if err := g.client.do(ctx, http.MethodPost, endpoint, payload, nil); err != nil {
		return Error{Service: engineService, Op: "run graph", Err: err}
	}
	return nil
}

func (g *remoteGraph) Stop(ctx context.Context) error {
	endpoint := fmt.Sprintf("graphs/%s/stop", url.PathEscape(g.id))
	if err := g.client.do(ctx, http.MethodPost, endpoint, nil, nil); err != nil {
		return Error{Service: engineService, Op: "stop graph", Err: err}
	}
	return nil
}

// PhaseAdvancer moves a project one phase forward. Returning done stops
// the driver for that project; a nil error with done false keeps it
// polling, which lets paused projects idle without losing their driver.
// An error also stops the driver, so advancers report transient faults
// as (false, nil) and reserve errors for conditions that cannot clear.
type PhaseAdvancer func(ctx context.Context, projectID string) (done bool, err error)

// SequentialEngine is the in-process fallback engine. Graphs it creates
// drive their project through its phases on a fixed step delay.
type SequentialEngine struct {
	advance PhaseAdvancer
	delay   time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

func NewSequentialEngine(advance PhaseAdvancer, delay time.Duration, logger *zap.Logger) *SequentialEngine {
	if delay <= 0 {
		delay = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SequentialEngine{
		advance: advance,
		delay:   delay,
		logger:  logger.With(zap.String("component", "sequential-engine")),
		cancels: map[string]context.CancelFunc{},
	}
}

func (e *SequentialEngine) CreateGraph(ctx context.Context, projectID string, phases []string, agents map[string][]domain.Agent) (GraphHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, Error{Service: "sequential-engine", Op: "create graph", Err: errors.New("engine closed")}
	}
	return &localGraph{engine: e, projectID: projectID}, nil
}

func (e *SequentialEngine) Healthz(ctx context.Context) error { return nil }

// Close stops every driver and waits for them to exit.
func (e *SequentialEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	for id, cancel := range e.cancels {
		cancel()
		delete(e.cancels, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// start launches the driver goroutine for a project. The first advance
// happens one step delay after launch, never synchronously.
func (e *SequentialEngine) start(projectID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Error{Service: "sequential-engine", Op: "run graph", Err: errors.New("engine closed")}
	}
	if _, ok := e.cancels[projectID]; ok {
		return nil
	}
	driverCtx, cancel := context.WithCancel(context.Background())
	e.cancels[projectID] = cancel
	e.wg.Add(1)
	go e.drive(driverCtx, projectID)
	return nil
}

func (e *SequentialEngine) drive(ctx context.Context, projectID string) {
	defer e.wg.Done()
	defer e.forget(projectID)

	ticker := time.NewTicker(e.delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		done, err := e.advance(ctx, projectID)
		if err != nil {
			e.logger.Warn("phase driver stopped",
				zap.String("project_id", projectID),
				zap.Error(err))
			return
		}
		if done {
			e.logger.Info("workflow finished", zap.String("project_id", projectID))
			return
		}
	}
}

func (e *SequentialEngine) forget(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.cancels[projectID]; ok {
		cancel()
		delete(e.cancels, projectID)
	}
}

type localGraph struct {
	engine    *SequentialEngine
	projectID string
}

func (g *localGraph) Run(ctx context.Context, payload map[string]any) error {
	return g.engine.start(g.projectID)
}

func (g *localGraph) Stop(ctx context.Context) error {
	g.engine.forget(g.projectID)
	return nil
}
