// Package runlinesdk is a minimal Runline HTTP API client for Go plugins and
// automation. It mirrors the wire types of the API rather than importing the
// server's internals, so it can be vendored into out-of-process plugins.
package runlinesdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Runline host. Set APIKey for admin access or BearerToken
// for a run-scoped token.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. "http://127.0.0.1:8080/v1".
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Run is the API run model.
type Run struct {
	RunID    string         `json:"run_id"`
	PluginID string         `json:"plugin_id"`
	EntryID  string         `json:"entry_id"`
	Args     map[string]any `json:"args,omitempty"`
	Status   string         `json:"status"`

	CreatedAt float64 `json:"created_at"`
	UpdatedAt float64 `json:"updated_at"`

	RootRunID   string  `json:"root_run_id"`
	ParentRunID *string `json:"parent_run_id,omitempty"`
	Attempt     int     `json:"attempt"`

	TaskID  *string `json:"task_id,omitempty"`
	TraceID *string `json:"trace_id,omitempty"`

	StartedAt  *float64 `json:"started_at,omitempty"`
	FinishedAt *float64 `json:"finished_at,omitempty"`

	Progress   *float64       `json:"progress,omitempty"`
	Stage      *string        `json:"stage,omitempty"`
	Message    *string        `json:"message,omitempty"`
	Step       *int           `json:"step,omitempty"`
	StepTotal  *int           `json:"step_total,omitempty"`
	ETASeconds *float64       `json:"eta_seconds,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`

	Error           *RunError `json:"error,omitempty"`
	ResultRefs      []string  `json:"result_refs,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	CancelReason    *string   `json:"cancel_reason,omitempty"`
}

// RunError is the structured failure attached to terminal runs.
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r Run) Terminal() bool {
	switch r.Status {
	case "succeeded", "failed", "canceled", "timeout":
		return true
	}
	return false
}

// ExportItem is one entry of a run's export log.
type ExportItem struct {
	Seq          int64          `json:"seq"`
	ExportItemID string         `json:"export_item_id"`
	RunID        string         `json:"run_id"`
	Type         string         `json:"type"`
	CreatedAt    float64        `json:"created_at"`
	Description  *string        `json:"description,omitempty"`
	Text         *string        `json:"text,omitempty"`
	URL          *string        `json:"url,omitempty"`
	BinaryURL    *string        `json:"binary_url,omitempty"`
	Binary       *string        `json:"binary,omitempty"`
	Mime         *string        `json:"mime,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// BinaryData decodes the inline binary payload, if any.
func (it ExportItem) BinaryData() ([]byte, error) {
	if it.Binary == nil {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(*it.Binary)
}

// APIError wraps non-2xx responses. Code and Message are populated when the
// body carries the standard error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRunRequest holds the fields of a run creation.
type CreateRunRequest struct {
	PluginID       string         `json:"plugin_id"`
	EntryID        string         `json:"entry_id"`
	Args           map[string]any `json:"args,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// RunUpdate is a partial progress report pushed on behalf of a run.
type RunUpdate struct {
	Progress   *float64       `json:"progress,omitempty"`
	Stage      *string        `json:"stage,omitempty"`
	Message    *string        `json:"message,omitempty"`
	Step       *int           `json:"step,omitempty"`
	StepTotal  *int           `json:"step_total,omitempty"`
	ETASeconds *float64       `json:"eta_seconds,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// ExportPush is an export item appended over the API.
type ExportPush struct {
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Text        string         `json:"text,omitempty"`
	URL         string         `json:"url,omitempty"`
	Binary      []byte         `json:"-"`
	Mime        string         `json:"mime,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunPage wraps a run listing with its continuation cursor.
type RunPage struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// ExportPage wraps an export replay page. NextAfter is zero at the end of the
// log.
type ExportPage struct {
	Items     []ExportItem `json:"items"`
	NextAfter int64        `json:"next_after"`
}

// RunToken is a short-lived credential scoped to one run.
type RunToken struct {
	Token     string  `json:"token"`
	RunID     string  `json:"run_id"`
	ExpiresAt float64 `json:"expires_at"`
}

// CreateRun enqueues a run and returns it immediately.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs", req, &resp)
	return resp, err
}

// CreateRunSync enqueues a run and blocks until it reaches a terminal status.
func (c *Client) CreateRunSync(ctx context.Context, req CreateRunRequest) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "runs?mode=sync", req, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, runPath(runID, ""), nil, &resp)
	return resp, err
}

// RunFilters narrow a run listing. Zero values mean no filter.
type RunFilters struct {
	TaskID   string
	PluginID string
	Status   string
	Limit    int
	Cursor   string
}

// ListRuns returns one page of runs, newest first.
func (c *Client) ListRuns(ctx context.Context, f RunFilters) (RunPage, error) {
	q := url.Values{}
	if f.TaskID != "" {
		q.Set("task_id", f.TaskID)
	}
	if f.PluginID != "" {
		q.Set("plugin_id", f.PluginID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	endpoint := "runs"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp RunPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelRun requests cancellation. Queued runs cancel immediately; running
// ones get a cooperative cancel window first.
func (c *Client) CancelRun(ctx context.Context, runID, reason string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, runPath(runID, "cancel"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RetryRun starts a fresh attempt of a terminal run.
func (c *Client) RetryRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, runPath(runID, "retry"), nil, &resp)
	return resp, err
}

// UpdateRun pushes a progress report for a run.
func (c *Client) UpdateRun(ctx context.Context, runID string, up RunUpdate) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, runPath(runID, "update"), up, &resp)
	return resp, err
}

// PushExport appends an export item to a run.
func (c *Client) PushExport(ctx context.Context, runID string, item ExportPush) (ExportItem, error) {
	body := map[string]any{
		"type": item.Type,
	}
	if item.Description != "" {
		body["description"] = item.Description
	}
	if item.Text != "" {
		body["text"] = item.Text
	}
	if item.URL != "" {
		body["url"] = item.URL
	}
	if len(item.Binary) > 0 {
		body["binary"] = base64.StdEncoding.EncodeToString(item.Binary)
	}
	if item.Mime != "" {
		body["mime"] = item.Mime
	}
	if item.Metadata != nil {
		body["metadata"] = item.Metadata
	}
	var resp ExportItem
	err := c.do(ctx, http.MethodPost, runPath(runID, "export"), body, &resp)
	return resp, err
}

// ExportPage returns one page of a run's export log starting after the given
// sequence number. Pass 0 to start from the beginning.
func (c *Client) ExportPage(ctx context.Context, runID string, after int64, limit int) (ExportPage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprint(after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := runPath(runID, "export")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ExportPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListExport replays a run's whole export log, following cursors until the
// end.
func (c *Client) ListExport(ctx context.Context, runID string) ([]ExportItem, error) {
	var items []ExportItem
	var after int64
	for {
		page, err := c.ExportPage(ctx, runID, after, 0)
		if err != nil {
			return items, err
		}
		items = append(items, page.Items...)
		if page.NextAfter == 0 {
			return items, nil
		}
		after = page.NextAfter
	}
}

// IssueRunToken mints a run-scoped token. Requires admin credentials.
func (c *Client) IssueRunToken(ctx context.Context, runID string) (RunToken, error) {
	var resp RunToken
	err := c.do(ctx, http.MethodPost, runPath(runID, "token"), nil, &resp)
	return resp, err
}

// WaitTerminal polls until the run reaches a terminal status or the context
// ends. Poll intervals back off from 100ms to 2s.
func (c *Client) WaitTerminal(ctx context.Context, runID string) (Run, error) {
	delay := 100 * time.Millisecond
	for {
		r, err := c.GetRun(ctx, runID)
		if err != nil {
			return r, err
		}
		if r.Terminal() {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 2*time.Second {
			delay = 2 * time.Second
		}
	}
}

func runPath(runID, sub string) string {
	p := "runs/" + url.PathEscape(runID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
