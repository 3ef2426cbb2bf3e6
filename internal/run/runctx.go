package run

import (
	"context"
	"time"

	"runline/internal/domain"
)

// runCtx is the Controller-backed plugin.RunContext. Reporting methods are
// best effort: a rejected update never aborts the entry, the authoritative
// outcome is still whatever the entry returns.
type runCtx struct {
	c     *Controller
	ar    *activeRun
	runID string
	args  map[string]any
}

func (rc *runCtx) RunID() string        { return rc.runID }
func (rc *runCtx) Args() map[string]any { return rc.args }

func (rc *runCtx) Context() context.Context {
	return rc.ar.ctx
}

func (rc *runCtx) Cancelled() bool {
	return rc.ar.cancelRequested() || rc.ar.ctx.Err() != nil
}

func (rc *runCtx) apply(up Update) {
	if _, err := rc.c.ApplyUpdate(rc.ar.ctx, rc.runID, up); err != nil {
		rc.c.log.Debug("progress update dropped", "run_id", rc.runID, "error", err)
	}
}

func (rc *runCtx) Progress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	rc.apply(Update{Progress: &p})
}

func (rc *runCtx) Status(stage, message string) {
	stage = truncate(stage, maxStageLen)
	message = truncate(message, maxMessageLen)
	rc.apply(Update{Stage: &stage, Message: &message})
}

func (rc *runCtx) Step(step, total int) {
	if step < 0 || total < 0 || step > total {
		return
	}
	rc.apply(Update{Step: &step, StepTotal: &total})
}

func (rc *runCtx) ETA(d time.Duration) {
	if d < 0 {
		return
	}
	s := d.Seconds()
	rc.apply(Update{ETASeconds: &s})
}

func (rc *runCtx) Metric(name string, value float64) {
	if name == "" {
		return
	}
	rc.apply(Update{Metrics: map[string]any{name: value}})
}

func (rc *runCtx) ExportText(kind, text string, meta map[string]any) (string, error) {
	item, err := rc.c.AppendExport(rc.ar.ctx, rc.runID, ExportInput{
		Type:        domain.ExportText,
		Description: kind,
		Text:        text,
		Metadata:    meta,
	})
	if err != nil {
		return "", err
	}
	return item.ExportItemID, nil
}

func (rc *runCtx) ExportURL(kind, url string, meta map[string]any) (string, error) {
	item, err := rc.c.AppendExport(rc.ar.ctx, rc.runID, ExportInput{
		Type:        domain.ExportURL,
		Description: kind,
		URL:         url,
		Metadata:    meta,
	})
	if err != nil {
		return "", err
	}
	return item.ExportItemID, nil
}

func (rc *runCtx) ExportBinaryURL(kind, url string, meta map[string]any) (string, error) {
	item, err := rc.c.AppendExport(rc.ar.ctx, rc.runID, ExportInput{
		Type:        domain.ExportBinaryURL,
		Description: kind,
		URL:         url,
		Metadata:    meta,
	})
	if err != nil {
		return "", err
	}
	return item.ExportItemID, nil
}

func (rc *runCtx) ExportBinary(kind string, data []byte, meta map[string]any) (string, error) {
	item, err := rc.c.AppendExport(rc.ar.ctx, rc.runID, ExportInput{
		Type:        domain.ExportBinary,
		Description: kind,
		Data:        data,
		Metadata:    meta,
	})
	if err != nil {
		return "", err
	}
	return item.ExportItemID, nil
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
