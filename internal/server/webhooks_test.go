package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"maestro/internal/archive"
	"maestro/internal/config"
)

type hookRecorder struct {
	mu         sync.Mutex
	deliveries []EventResponse
	headers    []http.Header
	failFirst  bool
	failed     bool
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failFirst && !h.failed {
		h.failed = true
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	var evt EventResponse
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.deliveries = append(h.deliveries, evt)
	h.headers = append(h.headers, r.Header.Clone())
	w.WriteHeader(http.StatusOK)
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.deliveries)
}

func (h *hookRecorder) delivery(i int) (EventResponse, http.Header) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deliveries[i], h.headers[i]
}

func openTestJournal(t *testing.T) *archive.Journal {
	t.Helper()
	j, err := archive.Open(filepath.Join(t.TempDir(), "maestro.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func fastForwarder(t *testing.T, j *archive.Journal, hooks ...config.WebhookConfig) *Forwarder {
	t.Helper()
	restore := defaultWebhookInterval
	defaultWebhookInterval = 10 * time.Millisecond
	t.Cleanup(func() { defaultWebhookInterval = restore })

	f := StartForwarder(j, hooks, nil)
	if f == nil {
		t.Fatal("expected a running forwarder")
	}
	t.Cleanup(f.Stop)
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestForwarderDeliversNewEvents(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	// archived before startup, must never be delivered
	if err := j.Append(ctx, "workflow_launched", "p0", "", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	fastForwarder(t, j, config.WebhookConfig{URL: srv.URL, Secret: "hush"})

	if err := j.Append(ctx, "workflow_launched", "p1", "", map[string]any{"topic": "go"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Append(ctx, "phase_advanced", "p1", "", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	waitFor(t, func() bool { return rec.count() >= 2 })

	first, headers := rec.delivery(0)
	if first.Type != "workflow_launched" || first.ProjectID != "p1" {
		t.Fatalf("unexpected first delivery: %+v", first)
	}
	if got := headers.Get("X-Maestro-Event"); got != "workflow_launched" {
		t.Fatalf("unexpected event header %q", got)
	}
	if got := headers.Get("X-Maestro-Secret"); got != "hush" {
		t.Fatalf("unexpected secret header %q", got)
	}
	second, _ := rec.delivery(1)
	if second.Type != "phase_advanced" {
		t.Fatalf("unexpected second delivery: %+v", second)
	}
	if second.ID <= first.ID {
		t.Fatalf("deliveries out of journal order: %d then %d", first.ID, second.ID)
	}
}

func TestForwarderFiltersEventTypes(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	rec := &hookRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	fastForwarder(t, j, config.WebhookConfig{URL: srv.URL, Events: []string{"workflow_launched"}})

	for _, evt := range []struct{ typ, project string }{
		{"workflow_launched", "p1"},
		{"phase_advanced", "p1"},
		{"workflow_launched", "p2"},
	} {
		if err := j.Append(ctx, evt.typ, evt.project, "", nil); err != nil {
			t.Fatalf("append %s: %v", evt.typ, err)
		}
	}
	waitFor(t, func() bool { return rec.count() >= 2 })
	// give a filtered event the chance to arrive late
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("expected 2 deliveries, got %d", rec.count())
	}
	first, _ := rec.delivery(0)
	second, _ := rec.delivery(1)
	if first.ProjectID != "p1" || second.ProjectID != "p2" {
		t.Fatalf("unexpected deliveries: %+v, %+v", first, second)
	}
}

func TestForwarderRedeliversAfterFailure(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	rec := &hookRecorder{failFirst: true}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	fastForwarder(t, j, config.WebhookConfig{URL: srv.URL})

	if err := j.Append(ctx, "workflow_launched", "p1", "", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	waitFor(t, func() bool { return rec.count() >= 1 })

	evt, headers := rec.delivery(0)
	if evt.Type != "workflow_launched" {
		t.Fatalf("unexpected delivery: %+v", evt)
	}
	if headers.Get("X-Maestro-Delivery") == "" {
		t.Fatal("expected a delivery id header")
	}
}

func TestStartForwarderDisabled(t *testing.T) {
	j := openTestJournal(t)
	if f := StartForwarder(j, nil, nil); f != nil {
		t.Fatal("expected nil forwarder without hooks")
	}
	if f := StartForwarder(nil, []config.WebhookConfig{{URL: "http://localhost:1"}}, nil); f != nil {
		t.Fatal("expected nil forwarder without a journal")
	}
	var f *Forwarder
	f.Stop()
}
