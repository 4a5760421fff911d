package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"maestro/internal/archive"
	"maestro/internal/config"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultWebhookBatch   = 100
)

var defaultWebhookInterval = 2 * time.Second

// Forwarder delivers archived events to subscribed webhook URLs, each hook
// tracking its own journal cursor. Delivery is at-least-once: a failed post
// stops that hook's batch and the cursor stays put until the next tick.
type Forwarder struct {
	journal *archive.Journal
	hooks   []config.WebhookConfig
	client  *http.Client
	logger  *zap.Logger
	stopCh  chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	cursors map[int]int64
}

// StartForwarder begins webhook delivery for the configured hooks. Returns
// nil when there is nothing to deliver to.
func StartForwarder(journal *archive.Journal, hooks []config.WebhookConfig, logger *zap.Logger) *Forwarder {
	if journal == nil || len(hooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Forwarder{
		journal: journal,
		hooks:   hooks,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		logger:  logger.With(zap.String("component", "webhooks")),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		cursors: make(map[int]int64),
	}
	// anchor cursors at the journal tail before delivery starts
	for i := range f.hooks {
		f.cursorFor(i)
	}
	go f.run()
	return f
}

// Stop halts delivery. Safe to call on a nil Forwarder.
func (f *Forwarder) Stop() {
	if f == nil {
		return
	}
	close(f.stopCh)
	<-f.done
}

func (f *Forwarder) run() {
	defer close(f.done)
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		f.deliverAll()
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (f *Forwarder) deliverAll() {
	for i, hook := range f.hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		f.deliverHook(i, hook)
	}
}

func (f *Forwarder) deliverHook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := f.cursorFor(idx)
	events, err := f.journal.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		f.logger.Warn("fetch events failed", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			f.setCursor(idx, evt.ID)
			continue
		}
		if err := f.post(ctx, hook, evt); err != nil {
			f.logger.Warn("webhook delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event", evt.ID),
				zap.Error(err))
			return
		}
		f.setCursor(idx, evt.ID)
	}
}

// cursorFor returns the hook's cursor, initializing it at the journal tail
// so only events archived after startup are delivered.
func (f *Forwarder) cursorFor(idx int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.cursors[idx]; ok {
		return cur
	}
	cur, err := f.journal.LatestEventID(context.Background())
	if err != nil {
		f.logger.Warn("init cursor failed", zap.Error(err))
		cur = 0
	}
	f.cursors[idx] = cur
	return cur
}

func (f *Forwarder) setCursor(idx int, value int64) {
	f.mu.Lock()
	f.cursors[idx] = value
	f.mu.Unlock()
}

func (f *Forwarder) post(ctx context.Context, hook config.WebhookConfig, evt archive.Event) error {
	data, err := json.Marshal(eventResponse(evt))
	if err != nil {
		return err
	}
	client := f.client
	if hook.TimeoutSeconds > 0 {
		timeout := time.Duration(hook.TimeoutSeconds) * time.Second
		if timeout != f.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Maestro-Event", evt.Type)
	req.Header.Set("X-Maestro-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Maestro-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
