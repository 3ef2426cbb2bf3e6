package run

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"runline/internal/domain"
	"runline/internal/plugin"
	"runline/internal/repo"
)

// activeRun is the in-memory handle of one live executor. It carries the
// cooperative cancel signal between the API goroutines and the executor.
type activeRun struct {
	runID string
	ctx   context.Context

	mu       sync.Mutex
	reason   string
	cancelCh chan struct{}
}

func newActiveRun(runID string) *activeRun {
	return &activeRun{runID: runID, cancelCh: make(chan struct{})}
}

func (a *activeRun) requestCancel(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.cancelCh:
		return
	default:
	}
	a.reason = reason
	close(a.cancelCh)
}

func (a *activeRun) cancelRequested() bool {
	select {
	case <-a.cancelCh:
		return true
	default:
		return false
	}
}

func (a *activeRun) cancelReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reason == "" {
		return "canceled by request"
	}
	return a.reason
}

// execute drives one run from queued to terminal. It is the only goroutine
// that commits this run's outcome; Cancel only commits runs it caught before
// the executor registered.
func (c *Controller) execute(rec domain.RunRecord, entry plugin.Entry) {
	defer c.wg.Done()

	c.mu.Lock()
	if reason, ok := c.preCanceled[rec.RunID]; ok {
		delete(c.preCanceled, rec.RunID)
		c.mu.Unlock()
		c.log.Info("run canceled before start", "run_id", rec.RunID, "reason", reason)
		return
	}
	ar := newActiveRun(rec.RunID)
	c.active[rec.RunID] = ar
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, rec.RunID)
		c.mu.Unlock()
	}()

	hostCtx, cancelHost := context.WithCancel(c.baseCtx)
	defer cancelHost()
	ar.ctx = hostCtx

	now := unixNow()
	running := domain.StatusRunning
	unlock := c.lockRun(rec.RunID)
	cur, applied, err := c.repo.UpdateRun(c.commitCtx(), rec.RunID, repo.RunPatch{
		Status:    &running,
		StartedAt: &now,
	}, now)
	if err != nil {
		unlock()
		c.commitTerminal(rec.RunID, domain.StatusFailed,
			&domain.RunError{Code: domain.CodeInternal, Message: "failed to mark run running: " + err.Error()}, nil)
		return
	}
	if !applied {
		// Went terminal while queued, nothing to execute.
		unlock()
		return
	}
	if ar.cancelRequested() {
		// A cancel raced the start transition; restore its status.
		requested := domain.StatusCancelRequested
		cur, _, _ = c.repo.UpdateRun(c.commitCtx(), rec.RunID, repo.RunPatch{Status: &requested}, unixNow())
	}
	c.emitRun(cur, domain.OpChange, true)
	unlock()

	rc := &runCtx{c: c, ar: ar, runID: rec.RunID, args: rec.Args}
	handle, err := c.adapter.Start(hostCtx, plugin.StartRequest{
		RunID:    rec.RunID,
		PluginID: rec.PluginID,
		EntryID:  rec.EntryID,
		Args:     rec.Args,
		Ctx:      rc,
	})
	if err != nil {
		c.commitTerminal(rec.RunID, domain.StatusFailed,
			&domain.RunError{Code: domain.CodePlugin, Message: "adapter start failed: " + err.Error()}, nil)
		return
	}

	timeout := entry.Timeout(c.cfg.DefaultRunTimeout())
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	cancelCh := ar.cancelCh
	var graceC <-chan time.Time
	timedOut := false
	for {
		select {
		case out := <-handle.Done():
			c.finish(rec.RunID, ar, out, timedOut)
			return
		case <-timer.C:
			// Ask the entry to stop; commit TIMEOUT when the grace window
			// closes even if it never answers.
			timedOut = true
			ar.requestCancel("run exceeded timeout")
			cancelCh = nil
			graceC = time.After(c.cfg.TimeoutGrace())
		case <-cancelCh:
			cancelCh = nil
			if graceC == nil {
				graceC = time.After(c.cfg.TimeoutGrace())
			}
		case <-graceC:
			cancelHost()
			if timedOut {
				c.commitTerminal(rec.RunID, domain.StatusTimeout,
					&domain.RunError{Code: domain.CodeTimeout, Message: timeoutMessage(timeout)}, nil)
			} else {
				c.commitTerminal(rec.RunID, domain.StatusCanceled,
					&domain.RunError{Code: domain.CodeCanceled, Message: ar.cancelReason()}, nil)
			}
			return
		}
	}
}

func timeoutMessage(d time.Duration) string {
	return "run exceeded timeout of " + d.String()
}

// finish maps the adapter outcome onto a terminal status and commits it.
func (c *Controller) finish(runID string, ar *activeRun, out plugin.Outcome, timedOut bool) {
	if out.Err == nil {
		refs := out.ResultRefs
		if len(out.Result) > 0 {
			// The result payload rides the export channel so replay and the
			// result refs see one consistent artifact trail.
			if ref, err := c.exportResult(runID, out.Result); err == nil {
				refs = append(refs, ref)
			} else {
				c.log.Warn("failed to export result payload", "run_id", runID, "error", err)
			}
		}
		c.commitTerminal(runID, domain.StatusSucceeded, nil, refs)
		return
	}
	if timedOut {
		c.commitTerminal(runID, domain.StatusTimeout,
			&domain.RunError{Code: domain.CodeTimeout, Message: "run exceeded timeout"}, nil)
		return
	}
	if errors.Is(out.Err, plugin.ErrCancelRequested) || (errors.Is(out.Err, context.Canceled) && ar.cancelRequested()) {
		c.commitTerminal(runID, domain.StatusCanceled,
			&domain.RunError{Code: domain.CodeCanceled, Message: ar.cancelReason()}, nil)
		return
	}
	var re *domain.RunError
	if errors.As(out.Err, &re) {
		status := domain.StatusFailed
		switch re.Code {
		case domain.CodeCanceled:
			status = domain.StatusCanceled
		case domain.CodeTimeout:
			status = domain.StatusTimeout
		}
		c.commitTerminal(runID, status, re, nil)
		return
	}
	if errors.Is(out.Err, context.DeadlineExceeded) {
		c.commitTerminal(runID, domain.StatusTimeout,
			&domain.RunError{Code: domain.CodeTimeout, Message: out.Err.Error()}, nil)
		return
	}
	c.commitTerminal(runID, domain.StatusFailed,
		&domain.RunError{Code: domain.CodePlugin, Message: out.Err.Error()}, nil)
}

func (c *Controller) exportResult(runID string, result map[string]any) (string, error) {
	text, err := marshalResult(result)
	if err != nil {
		return "", err
	}
	item, err := c.AppendExport(c.commitCtx(), runID, ExportInput{
		Type:        domain.ExportText,
		Description: "result",
		Text:        text,
		Mime:        "application/json",
		Metadata:    map[string]any{"result_payload": true},
	})
	if err != nil {
		return "", err
	}
	return item.ExportItemID, nil
}

func encodeBinary(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
