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

	"runline/internal/bus"
	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/run"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher pushes channel deltas to configured endpoints. Export
// deliveries ride the persisted seq cursor so a slow endpoint never loses
// items; run deltas come off the bus and coalesce under pressure.
type webhookDispatcher struct {
	cfg      Config
	webhooks []config.WebhookConfig
	client   *http.Client
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(cfg Config) *webhookDispatcher {
	hooks := cfg.App.Webhooks
	if len(hooks) == 0 {
		return nil
	}
	d := &webhookDispatcher{
		cfg:      cfg,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		done:     make(chan struct{}),
		cursors:  make(map[int]int64),
	}
	d.wg.Add(1)
	go d.pollExport()
	for i, hook := range hooks {
		if !hookEnabled(hook) || !hookWants(hook, run.ChannelRuns) {
			continue
		}
		d.wg.Add(1)
		go d.streamRuns(i, hook)
	}
	return d
}

// stop halts delivery and waits for the workers to exit.
func (d *webhookDispatcher) stop() {
	close(d.done)
	d.wg.Wait()
}

func hookEnabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

func hookWants(hook config.WebhookConfig, channel string) bool {
	if len(hook.Channels) == 0 {
		return true
	}
	for _, c := range hook.Channels {
		if strings.TrimSpace(c) == channel {
			return true
		}
	}
	return false
}

func (d *webhookDispatcher) streamRuns(idx int, hook config.WebhookConfig) {
	defer d.wg.Done()
	sub := d.cfg.Bus.Subscribe(run.ChannelRuns, bus.Filter{}, bus.Policy{
		OnOverflow: bus.Coalesce,
		Buffer:     defaultWebhookBatch,
	})
	defer sub.Close()
	for {
		select {
		case <-d.done:
			return
		case delta, ok := <-sub.C():
			if !ok {
				return
			}
			rd, ok := delta.Payload.(domain.RunDelta)
			if !ok {
				continue
			}
			rd.Rev = delta.Rev
			if err := d.post(hook, run.ChannelRuns, rd.RunID, rd); err != nil {
				d.cfg.Log.Warn("webhook delivery failed", "url", hook.URL, "channel", run.ChannelRuns, "error", err)
			}
		}
	}
}

func (d *webhookDispatcher) pollExport() {
	defer d.wg.Done()
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchExportAll()
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchExportAll() {
	for i, hook := range d.webhooks {
		if !hookEnabled(hook) || !hookWants(hook, run.ChannelExport) {
			continue
		}
		d.dispatchExport(i, hook)
	}
}

func (d *webhookDispatcher) dispatchExport(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	items, err := d.cfg.Repo.ListExportAllAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.cfg.Log.Warn("webhook export fetch failed", "error", err)
		return
	}
	for _, it := range items {
		if err := d.post(hook, run.ChannelExport, it.RunID, exportItemDelta(it, "", 0)); err != nil {
			d.cfg.Log.Warn("webhook delivery failed", "url", hook.URL, "channel", run.ChannelExport, "error", err)
			return
		}
		d.setCursor(idx, it.Seq)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	// Start at the current tail; webhooks carry new activity, replay is the
	// API's job.
	cur, err := d.cfg.Repo.LatestExportSeq(context.Background())
	if err != nil {
		d.cfg.Log.Warn("webhook cursor init failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookDelivery struct {
	Channel string `json:"channel"`
	RunID   string `json:"run_id"`
	Payload any    `json:"payload"`
}

func (d *webhookDispatcher) post(hook config.WebhookConfig, channel, runID string, payload any) error {
	data, err := json.Marshal(webhookDelivery{Channel: channel, RunID: runID, Payload: payload})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequest(http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Runline-Channel", channel)
	req.Header.Set("X-Runline-Run", runID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Runline-Secret", hook.Secret)
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
