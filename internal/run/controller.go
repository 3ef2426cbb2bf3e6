// Package run is the execution authority. The Controller owns every run state
// transition: records go through the repo first, deltas publish on the bus
// after, and nothing else in the process writes run state.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"runline/internal/blob"
	"runline/internal/bus"
	"runline/internal/config"
	"runline/internal/domain"
	"runline/internal/plugin"
	"runline/internal/repo"
)

// Bus channel names.
const (
	ChannelRuns   = "runs"
	ChannelExport = "export"
)

const (
	maxStageLen   = 128
	maxMessageLen = 512
)

type Controller struct {
	repo    repo.Repo
	bus     *bus.Bus
	reg     *plugin.Registry
	adapter plugin.Adapter
	blobs   *blob.Store
	cfg     *config.Config
	log     *slog.Logger

	// idem collapses concurrent creates with the same idempotency key onto
	// one execution.
	idem singleflight.Group

	mu          sync.Mutex
	active      map[string]*activeRun
	preCanceled map[string]string // run_id -> reason, canceled before the executor registered
	lastEmit    map[string]time.Time

	gateMu sync.Mutex
	gates  map[string]*runGate

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewController(r repo.Repo, b *bus.Bus, reg *plugin.Registry, adapter plugin.Adapter, blobs *blob.Store, cfg *config.Config, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		repo:        r,
		bus:         b,
		reg:         reg,
		adapter:     adapter,
		blobs:       blobs,
		cfg:         cfg,
		log:         log.With("component", "controller"),
		active:      make(map[string]*activeRun),
		preCanceled: make(map[string]string),
		lastEmit:    make(map[string]time.Time),
		gates:       make(map[string]*runGate),
		baseCtx:     ctx,
		stop:        cancel,
	}
}

// Close stops accepting work and waits for executors to wind down.
func (c *Controller) Close() {
	c.stop()
	c.wg.Wait()
}

type runGate struct {
	mu   sync.Mutex
	refs int
}

// lockRun serializes a run's store writes together with their bus publishes,
// so deltas reach the bus in the order the store accepted the writes and no
// progress delta can trail the terminal one. The returned func releases the
// gate.
func (c *Controller) lockRun(runID string) func() {
	c.gateMu.Lock()
	g := c.gates[runID]
	if g == nil {
		g = &runGate{}
		c.gates[runID] = g
	}
	g.refs++
	c.gateMu.Unlock()
	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		c.gateMu.Lock()
		g.refs--
		if g.refs == 0 {
			delete(c.gates, runID)
		}
		c.gateMu.Unlock()
	}
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// CreateRequest is the input to CreateRun.
type CreateRequest struct {
	PluginID       string
	EntryID        string
	Args           map[string]any
	TaskID         string
	TraceID        string
	IdempotencyKey string
}

// CreateRun validates the request, records a queued run and launches its
// executor. With an idempotency key, a run created with the same key inside
// the retention window is returned instead and no new execution starts;
// created reports which case applied.
func (c *Controller) CreateRun(ctx context.Context, req CreateRequest) (rec domain.RunRecord, created bool, err error) {
	entry, err := c.reg.Resolve(req.PluginID, req.EntryID, req.Args)
	if err != nil {
		return domain.RunRecord{}, false, err
	}
	if req.IdempotencyKey == "" {
		rec, err = c.create(ctx, req, entry, nil)
		return rec, err == nil, err
	}
	type result struct {
		rec     domain.RunRecord
		created bool
	}
	v, err, _ := c.idem.Do(req.IdempotencyKey, func() (any, error) {
		notBefore := unixNow() - c.cfg.IdempotencyRetention().Seconds()
		existing, err := c.repo.FindByIdempotencyKey(ctx, req.IdempotencyKey, notBefore)
		if err == nil {
			if existing.PluginID != req.PluginID || existing.EntryID != req.EntryID {
				return nil, &domain.RunError{
					Code:    domain.CodeValidation,
					Message: "idempotency key already used for a different plugin entry",
					Details: map[string]any{"run_id": existing.RunID},
				}
			}
			return result{rec: existing}, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		rec, err := c.create(ctx, req, entry, nil)
		if err != nil {
			return nil, err
		}
		return result{rec: rec, created: true}, nil
	})
	if err != nil {
		return domain.RunRecord{}, false, err
	}
	res := v.(result)
	return res.rec, res.created, nil
}

// create inserts the queued record and starts its executor. parent is set for
// retries only.
func (c *Controller) create(ctx context.Context, req CreateRequest, entry plugin.Entry, parent *domain.RunRecord) (domain.RunRecord, error) {
	now := unixNow()
	rec := domain.RunRecord{
		RunID:      uuid.NewString(),
		PluginID:   req.PluginID,
		EntryID:    req.EntryID,
		Args:       req.Args,
		Status:     domain.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
		Attempt:    1,
		ResultRefs: []string{},
	}
	rec.RootRunID = rec.RunID
	if parent != nil {
		rec.RootRunID = parent.RootRunID
		rec.ParentRunID = &parent.RunID
		rec.Attempt = parent.Attempt + 1
	}
	if req.TaskID != "" {
		rec.TaskID = &req.TaskID
	}
	if req.TraceID != "" {
		rec.TraceID = &req.TraceID
	}
	if req.IdempotencyKey != "" {
		rec.IdempotencyKey = &req.IdempotencyKey
	}
	if err := c.repo.InsertRun(ctx, rec); err != nil {
		return domain.RunRecord{}, fmt.Errorf("insert run: %w", err)
	}
	c.log.Info("run created", "run_id", rec.RunID, "plugin", rec.PluginID, "entry", rec.EntryID, "attempt", rec.Attempt)
	c.emitRun(rec, domain.OpAdd, true)
	c.wg.Add(1)
	go c.execute(rec, entry)
	return rec, nil
}

// GetRun returns the authoritative record.
func (c *Controller) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	rec, err := c.repo.GetRun(ctx, runID)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, &domain.RunError{Code: domain.CodeNotFound, Message: "run not found"}
	}
	return rec, err
}

// ListRuns pages the run index, newest first.
func (c *Controller) ListRuns(ctx context.Context, f repo.RunFilters) ([]domain.RunRecord, error) {
	return c.repo.ListRuns(ctx, f)
}

// Cancel requests termination. A queued run with no executor commits canceled
// immediately; a live one goes cooperative: cancel_requested now, a hard stop
// after the grace window. Cancel of a terminal run is a no-op.
func (c *Controller) Cancel(ctx context.Context, runID, reason string) (domain.RunRecord, error) {
	if reason == "" {
		reason = "canceled by request"
	}
	rec, err := c.GetRun(ctx, runID)
	if err != nil {
		return rec, err
	}
	if rec.Status.Terminal() {
		return rec, nil
	}
	if rec.Status == domain.StatusCancelRequested {
		// Already canceling; the first reason and timestamp stand.
		return rec, nil
	}
	c.mu.Lock()
	ar := c.active[runID]
	c.mu.Unlock()
	if ar == nil {
		return c.cancelQueued(runID, reason)
	}

	ar.requestCancel(reason)
	now := unixNow()
	status := domain.StatusCancelRequested
	requested := true
	unlock := c.lockRun(runID)
	defer unlock()
	rec, applied, err := c.repo.UpdateRun(ctx, runID, repo.RunPatch{
		Status:            &status,
		CancelRequested:   &requested,
		CancelReason:      &reason,
		CancelRequestedAt: &now,
	}, now)
	if err != nil {
		return rec, err
	}
	if applied {
		c.log.Info("cancel requested", "run_id", runID, "reason", reason)
		c.emitRun(rec, domain.OpChange, true)
	}
	return rec, nil
}

// cancelQueued commits cancellation for a run with no registered executor.
// The preCanceled mark catches an executor that is still launching; once the
// commit resolves either way the mark is spent. Losing the commit race to a
// finishing executor is not an error: the recorded outcome stands.
func (c *Controller) cancelQueued(runID, reason string) (domain.RunRecord, error) {
	c.mu.Lock()
	c.preCanceled[runID] = reason
	c.mu.Unlock()
	rec, err := c.commitTerminal(runID, domain.StatusCanceled,
		&domain.RunError{Code: domain.CodeCanceled, Message: reason}, nil)
	c.mu.Lock()
	delete(c.preCanceled, runID)
	c.mu.Unlock()
	if errors.Is(err, repo.ErrAlreadyTerminal) {
		return rec, nil
	}
	return rec, err
}

// Retry creates a fresh attempt chained to a terminal run. Any terminal
// outcome qualifies, a succeeded one included: the new run is an independent
// execution, never a mutation of the old record.
func (c *Controller) Retry(ctx context.Context, runID string) (domain.RunRecord, error) {
	src, err := c.GetRun(ctx, runID)
	if err != nil {
		return src, err
	}
	if !src.Status.Terminal() {
		return domain.RunRecord{}, &domain.RunError{Code: domain.CodeConflict, Message: "run is still in flight"}
	}
	entry, err := c.reg.Resolve(src.PluginID, src.EntryID, src.Args)
	if err != nil {
		return domain.RunRecord{}, err
	}
	req := CreateRequest{PluginID: src.PluginID, EntryID: src.EntryID, Args: src.Args}
	if src.TaskID != nil {
		req.TaskID = *src.TaskID
	}
	if src.TraceID != nil {
		req.TraceID = *src.TraceID
	}
	return c.create(ctx, req, entry, &src)
}

// Wait blocks until the run reaches a terminal status or ctx expires.
func (c *Controller) Wait(ctx context.Context, runID string) (domain.RunRecord, error) {
	sub := c.bus.Subscribe(ChannelRuns, bus.Filter{Key: runID}, bus.Policy{OnOverflow: bus.Coalesce, Buffer: 4})
	defer sub.Close()
	for {
		rec, err := c.GetRun(ctx, runID)
		if err != nil {
			return rec, err
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-sub.C():
		}
	}
}

// Update is a partial progress report for a live run.
type Update struct {
	Progress   *float64
	Stage      *string
	Message    *string
	Step       *int
	StepTotal  *int
	ETASeconds *float64
	Metrics    map[string]any
}

func (u Update) validate() error {
	fail := func(msg string) error {
		return &domain.RunError{Code: domain.CodeValidation, Message: msg}
	}
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 1) {
		return fail("progress must be within [0,1]")
	}
	if u.Stage != nil && len([]rune(*u.Stage)) > maxStageLen {
		return fail(fmt.Sprintf("stage exceeds %d characters", maxStageLen))
	}
	if u.Message != nil && len([]rune(*u.Message)) > maxMessageLen {
		return fail(fmt.Sprintf("message exceeds %d characters", maxMessageLen))
	}
	if u.Step != nil && *u.Step < 0 {
		return fail("step must be >= 0")
	}
	if u.StepTotal != nil && *u.StepTotal < 0 {
		return fail("step_total must be >= 0")
	}
	if u.ETASeconds != nil && *u.ETASeconds < 0 {
		return fail("eta_seconds must be >= 0")
	}
	return nil
}

// ApplyUpdate validates and applies a progress report. Updates against a
// terminal run are rejected. Progress is monotonic: a lower value than the
// recorded one is dropped silently. Concurrent reports for one run apply in
// sequence.
func (c *Controller) ApplyUpdate(ctx context.Context, runID string, up Update) (domain.RunRecord, error) {
	if err := up.validate(); err != nil {
		return domain.RunRecord{}, err
	}
	unlock := c.lockRun(runID)
	defer unlock()
	rec, err := c.GetRun(ctx, runID)
	if err != nil {
		return rec, err
	}
	if rec.Status.Terminal() {
		return rec, &domain.RunError{Code: domain.CodeConflict, Message: "run is terminal"}
	}
	if up.Step != nil {
		total := rec.StepTotal
		if up.StepTotal != nil {
			total = up.StepTotal
		}
		if total != nil && *up.Step > *total {
			return rec, &domain.RunError{Code: domain.CodeValidation, Message: "step must not exceed step_total"}
		}
	}
	patch := repo.RunPatch{
		Stage:      up.Stage,
		Message:    up.Message,
		Step:       up.Step,
		StepTotal:  up.StepTotal,
		ETASeconds: up.ETASeconds,
	}
	if up.Progress != nil && (rec.Progress == nil || *up.Progress >= *rec.Progress) {
		patch.Progress = up.Progress
	}
	if len(up.Metrics) > 0 {
		merged := make(map[string]any, len(rec.Metrics)+len(up.Metrics))
		for k, v := range rec.Metrics {
			merged[k] = v
		}
		for k, v := range up.Metrics {
			merged[k] = v
		}
		patch.Metrics = merged
	}
	rec, applied, err := c.repo.UpdateRun(ctx, runID, patch, unixNow())
	if err != nil {
		return rec, err
	}
	if !applied {
		return rec, &domain.RunError{Code: domain.CodeConflict, Message: "run is terminal"}
	}
	c.emitRun(rec, domain.OpChange, false)
	return rec, nil
}

// ExportInput is one item to append to a run's export channel.
type ExportInput struct {
	Type        domain.ExportType
	Description string
	Text        string
	URL         string
	Data        []byte
	Mime        string
	Metadata    map[string]any
}

// AppendExport persists an export item and publishes its delta. The channel
// closes with the run: appends against a terminal run are rejected.
func (c *Controller) AppendExport(ctx context.Context, runID string, in ExportInput) (domain.ExportItem, error) {
	unlock := c.lockRun(runID)
	defer unlock()
	rec, err := c.GetRun(ctx, runID)
	if err != nil {
		return domain.ExportItem{}, err
	}
	if rec.Status.Terminal() {
		return domain.ExportItem{}, &domain.RunError{Code: domain.CodeConflict, Message: "run is terminal, export channel closed"}
	}
	item := domain.ExportItem{
		ExportItemID: uuid.NewString(),
		RunID:        runID,
		Type:         in.Type,
		CreatedAt:    unixNow(),
		Metadata:     in.Metadata,
	}
	if in.Description != "" {
		item.Description = &in.Description
	}
	if in.Mime != "" {
		item.Mime = &in.Mime
	}
	switch in.Type {
	case domain.ExportText:
		if in.Text == "" {
			return item, &domain.RunError{Code: domain.CodeValidation, Message: "text export requires text"}
		}
		item.Text = &in.Text
	case domain.ExportURL:
		if in.URL == "" {
			return item, &domain.RunError{Code: domain.CodeValidation, Message: "url export requires url"}
		}
		item.URL = &in.URL
	case domain.ExportBinaryURL:
		if in.URL == "" {
			return item, &domain.RunError{Code: domain.CodeValidation, Message: "binary_url export requires url"}
		}
		if blobRun, blobID, ok := blob.ParseURL(in.URL); ok {
			// blob: references must point at a finalized blob.
			rd, _, err := c.blobs.Open(blobRun, blobID)
			if err != nil {
				return item, &domain.RunError{
					Code:    domain.CodeValidation,
					Message: "binary_url references an unknown blob",
					Details: map[string]any{"url": in.URL},
				}
			}
			rd.Close()
		}
		item.BinaryURL = &in.URL
	case domain.ExportBinary:
		if len(in.Data) == 0 {
			return item, &domain.RunError{Code: domain.CodeValidation, Message: "binary export requires data"}
		}
		if len(in.Data) > c.cfg.Limits.BinaryMaxBytes {
			return item, &domain.RunError{
				Code:    domain.CodeValidation,
				Message: fmt.Sprintf("inline binary exceeds %d bytes, upload a blob and export a binary_url instead", c.cfg.Limits.BinaryMaxBytes),
				Details: map[string]any{"max_bytes": c.cfg.Limits.BinaryMaxBytes, "got_bytes": len(in.Data)},
			}
		}
		enc := encodeBinary(in.Data)
		item.Binary = &enc
	default:
		return item, &domain.RunError{Code: domain.CodeValidation, Message: fmt.Sprintf("unknown export type %q", in.Type)}
	}
	item, err = c.repo.AppendExport(ctx, item)
	if err != nil {
		return item, err
	}
	c.emitExport(item, rec.PluginID)
	return item, nil
}

// ListExport replays persisted export items from a cursor.
func (c *Controller) ListExport(ctx context.Context, runID string, after int64, limit int) ([]domain.ExportItem, int64, error) {
	if _, err := c.GetRun(ctx, runID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > c.cfg.Limits.ExportPageLimit {
		limit = c.cfg.Limits.ExportPageLimit
	}
	return c.repo.ListExportAfter(ctx, runID, after, limit)
}

// RecoverOrphans fails every run left in flight by a previous process. Called
// once at startup, before the API accepts traffic.
func (c *Controller) RecoverOrphans(ctx context.Context) error {
	orphans, err := c.repo.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	for _, rec := range orphans {
		if _, err := c.commitTerminal(rec.RunID, domain.StatusFailed,
			&domain.RunError{
				Code:    domain.CodeTransport,
				Message: "host restarted during execution",
				Details: map[string]any{"retriable": true},
			}, nil); err != nil {
			return err
		}
	}
	if len(orphans) > 0 {
		c.log.Warn("failed orphaned runs from previous process", "count", len(orphans))
	}
	return nil
}

// commitTerminal freezes the run and publishes the final delta. The single
// funnel for every terminal transition. Holding the run gate across commit
// and publish keeps the terminal delta last on the bus for this run.
func (c *Controller) commitTerminal(runID string, status domain.RunStatus, runErr *domain.RunError, resultRefs []string) (domain.RunRecord, error) {
	unlock := c.lockRun(runID)
	defer unlock()
	rec, err := c.repo.CommitTerminal(c.commitCtx(), runID, status, runErr, resultRefs, unixNow())
	if errors.Is(err, repo.ErrAlreadyTerminal) {
		c.log.Error("terminal commit against terminal run", "run_id", runID, "attempted", status, "recorded", rec.Status)
		return rec, err
	}
	if err != nil {
		return rec, err
	}
	c.log.Info("run finished", "run_id", runID, "status", status)
	c.emitRun(rec, domain.OpChange, true)
	return rec, nil
}

// commitCtx outlives baseCtx so shutdown cannot strand a half-finished run.
func (c *Controller) commitCtx() context.Context {
	return context.Background()
}

// emitRun publishes a run delta. Non-forced deltas are rate limited per run;
// add, start, cancel and terminal transitions always go out.
func (c *Controller) emitRun(rec domain.RunRecord, op string, force bool) {
	terminal := rec.Status.Terminal()
	c.mu.Lock()
	if !force && !terminal {
		if last, ok := c.lastEmit[rec.RunID]; ok && time.Since(last) < c.cfg.RunsEmitInterval() {
			c.mu.Unlock()
			return
		}
	}
	if terminal {
		delete(c.lastEmit, rec.RunID)
	} else {
		c.lastEmit[rec.RunID] = time.Now()
	}
	c.mu.Unlock()
	c.bus.Publish(ChannelRuns, bus.Delta{
		Key:      rec.RunID,
		Terminal: terminal,
		Payload: domain.RunDelta{
			Op:        op,
			RunID:     rec.RunID,
			Status:    rec.Status,
			Progress:  rec.Progress,
			Stage:     rec.Stage,
			Message:   rec.Message,
			Step:      rec.Step,
			StepTotal: rec.StepTotal,
			UpdatedAt: rec.UpdatedAt,
			PluginID:  rec.PluginID,
			EntryID:   rec.EntryID,
			TaskID:    rec.TaskID,
		},
	})
}

func (c *Controller) emitExport(item domain.ExportItem, pluginID string) {
	c.bus.Publish(ChannelExport, bus.Delta{
		Key: item.RunID,
		Payload: domain.ExportDelta{
			Op:           domain.OpAdd,
			RunID:        item.RunID,
			ExportItemID: item.ExportItemID,
			Seq:          item.Seq,
			Type:         item.Type,
			CreatedAt:    item.CreatedAt,
			PluginID:     pluginID,
		},
	})
}

func marshalResult(result map[string]any) (string, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
