package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
)

const automationService = "automation"

// AutomationClient talks to an n8n-style automation service: named
// workflows are fired through webhooks and executions are tracked per
// project.
type AutomationClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewAutomationClient(baseURL, apiKey string) *AutomationClient {
	return &AutomationClient{BaseURL: baseURL, APIKey: apiKey}
}

func (c *AutomationClient) Trigger(ctx context.Context, workflow string, payload map[string]any) error {
	endpoint := fmt.Sprintf("webhook/%s", url.PathEscape(workflow))
	if err := c.do(ctx, http.MethodPost, endpoint, payload); err != nil {
		return Error{Service: automationService, Op: "trigger " + workflow, Err: err}
	}
	return nil
}

func (c *AutomationClient) CancelExecutions(ctx context.Context, projectID string) error {
	endpoint := fmt.Sprintf("executions?project_id=%s", url.QueryEscape(projectID))
	if err := c.do(ctx, http.MethodDelete, endpoint, nil); err != nil {
		return Error{Service: automationService, Op: "cancel executions", Err: err}
	}
	return nil
}

func (c *AutomationClient) Healthz(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "healthz", nil); err != nil {
		return Error{Service: automationService, Op: "health check", Err: err}
	}
	return nil
}

func (c *AutomationClient) Close() error { return nil }

func (c *AutomationClient) do(ctx context.Context, method, endpoint string, body any) error {
	header := http.Header{}
	if c.APIKey != "" {
		header.Set("X-Api-Key", c.APIKey)
	}
	return doJSON(ctx, httpClient(c.HTTPClient), method, joinURL(c.BaseURL, endpoint), header, body, nil)
}

// TriggerRecord is one fired automation workflow.
type TriggerRecord struct {
	Workflow string
	Payload  map[string]any
}

// NopAutomation is the fallback automation service. Triggers are
// recorded in memory and never leave the process.
type NopAutomation struct {
	logger *zap.Logger

	mu       sync.Mutex
	triggers []TriggerRecord
}

func NewNopAutomation(logger *zap.Logger) *NopAutomation {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NopAutomation{logger: logger.With(zap.String("component", "automation"))}
}

func (n *NopAutomation) Trigger(ctx context.Context, workflow string, payload map[string]any) error {
	n.mu.Lock()
	n.triggers = append(n.triggers, TriggerRecord{Workflow: workflow, Payload: payload})
	n.mu.Unlock()
	n.logger.Debug("automation trigger recorded", zap.String("workflow", workflow))
	return nil
}

func (n *NopAutomation) CancelExecutions(ctx context.Context, projectID string) error { return nil }

func (n *NopAutomation) Healthz(ctx context.Context) error { return nil }

func (n *NopAutomation) Close() error { return nil }

// Triggers returns the recorded trigger history.
func (n *NopAutomation) Triggers() []TriggerRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]TriggerRecord(nil), n.triggers...)
}
