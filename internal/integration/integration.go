// Package integration connects the orchestrator to its external
// services: the workflow graph engine that drives phase execution and
// the automation service that reacts to orchestration moments. Both
// have in-process fallbacks so the orchestrator runs standalone.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"maestro/internal/domain"
)

// Error describes a failed call to an integrated service.
type Error struct {
	Service string
	Op      string
	Err     error
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, e.Op, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// Engine creates workflow graphs for launched projects. The engine
// owns cross-phase sequencing; the orchestrator only hands projects
// over and hears back out-of-band.
type Engine interface {
	CreateGraph(ctx context.Context, projectID string, phases []string, agents map[string][]domain.Agent) (GraphHandle, error)
	Healthz(ctx context.Context) error
	Close() error
}

// GraphHandle is one project's workflow graph. Run acknowledges the
// handoff with the initial payload; it does not block until the
// workflow finishes.
type GraphHandle interface {
	Run(ctx context.Context, payload map[string]any) error
	Stop(ctx context.Context) error
}

// Automation triggers named automation workflows around orchestration
// moments and cancels the executions belonging to a project.
type Automation interface {
	Trigger(ctx context.Context, workflow string, payload map[string]any) error
	CancelExecutions(ctx context.Context, projectID string) error
	Healthz(ctx context.Context) error
	Close() error
}

// statusError reports a non-2xx response.
type statusError struct {
	Status int
	Body   string
}

func (e statusError) Error() string {
	return fmt.Sprintf("status=%d body=%s", e.Status, e.Body)
}

func doJSON(ctx context.Context, hc *http.Client, method, url string, header http.Header, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func httpClient(hc *http.Client) *http.Client {
	if hc != nil {
		return hc
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func joinURL(base, endpoint string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
