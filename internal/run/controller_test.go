package run_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"runline/internal/blob"
	"runline/internal/bus"
	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/domain"
	"runline/internal/migrate"
	"runline/internal/plugin"
	"runline/internal/repo"
	"runline/internal/run"
)

type testEnv struct {
	Ctrl    *run.Controller
	Repo    repo.Repo
	Bus     *bus.Bus
	Blobs   *blob.Store
	Adapter *plugin.InProc
	Cfg     *config.Config
	Ctx     context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	blobs, err := blob.NewStore(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	cfg := config.Default()
	cfg.Limits.TimeoutGraceS = 1
	cfg.Limits.BinaryMaxBytes = 64
	cfg.Limits.RunsEmitIntervalMS = 0

	reg := plugin.NewRegistry()
	if err := reg.Register(plugin.Manifest{
		PluginID: "test",
		Entries: []plugin.Entry{
			{EntryID: "ok"},
			{EntryID: "fail"},
			{EntryID: "block"},
			{EntryID: "cancelable"},
			{EntryID: "stubborn"},
			{EntryID: "slow", TimeoutS: 1},
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	adapter := plugin.NewInProc()
	r := repo.Repo{DB: conn}
	b := bus.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := run.NewController(r, b, reg, adapter, blobs, cfg, log)
	t.Cleanup(ctrl.Close)
	return &testEnv{Ctrl: ctrl, Repo: r, Bus: b, Blobs: blobs, Adapter: adapter, Cfg: cfg, Ctx: context.Background()}
}

func (e *testEnv) waitStatus(t *testing.T, runID string, want domain.RunStatus) domain.RunRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := e.Ctrl.GetRun(e.Ctx, runID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if rec.Status == want {
			return rec
		}
		if rec.Status.Terminal() && !want.Terminal() {
			t.Fatalf("run went terminal (%s) while waiting for %s", rec.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return domain.RunRecord{}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunSucceedsWithResult(t *testing.T) {
	env := newTestEnv(t)
	env.Adapter.Bind("test", "ok", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		rc.Status("working", "half way")
		rc.Progress(0.5)
		ref, err := rc.ExportText("log", "did the thing", nil)
		if err != nil {
			return nil, err
		}
		return &plugin.Outcome{
			Result:     map[string]any{"frames": 42},
			ResultRefs: []string{ref},
		}, nil
	})

	rec, created, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "ok"})
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	final, err := env.Ctrl.Wait(waitCtx(t), rec.RunID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != domain.StatusSucceeded {
		t.Fatalf("status %s, error %+v", final.Status, final.Error)
	}
	if final.Progress == nil || *final.Progress != 1.0 {
		t.Fatalf("progress not backfilled: %v", final.Progress)
	}
	// The export ref plus the serialized result payload.
	if len(final.ResultRefs) != 2 {
		t.Fatalf("result refs: %v", final.ResultRefs)
	}
	items, _, err := env.Ctrl.ListExport(env.Ctx, rec.RunID, 0, 10)
	if err != nil {
		t.Fatalf("list export: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("export items: %d", len(items))
	}
	var sawResult bool
	for _, it := range items {
		if it.Metadata["result_payload"] == true {
			sawResult = true
			if it.Text == nil || !strings.Contains(*it.Text, "42") {
				t.Fatalf("result payload not serialized: %v", it.Text)
			}
		}
	}
	if !sawResult {
		t.Fatalf("result payload missing from export log")
	}
}

func TestRunFailureMapsToPluginError(t *testing.T) {
	env := newTestEnv(t)
	env.Adapter.Bind("test", "fail", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		return nil, errors.New("codec exploded")
	})
	rec, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "fail"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	final, err := env.Ctrl.Wait(waitCtx(t), rec.RunID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != domain.StatusFailed {
		t.Fatalf("status %s", final.Status)
	}
	if final.Error == nil || final.Error.Code != domain.CodePlugin || final.Error.Message != "codec exploded" {
		t.Fatalf("error %+v", final.Error)
	}
	if final.FinishedAt == nil {
		t.Fatalf("finished_at missing")
	}
}

func TestCreateRejectsUnknownEntry(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "nope"})
	var re *domain.RunError
	if !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("want VALIDATION_ERROR, got %v", err)
	}
}

func TestCooperativeCancel(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	env.Adapter.Bind("test", "cancelable", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		close(started)
		for !rc.Cancelled() {
			select {
			case <-rc.Context().Done():
				return nil, rc.Context().Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
		return nil, plugin.ErrCancelRequested
	})

	rec, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "cancelable"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-started
	env.waitStatus(t, rec.RunID, domain.StatusRunning)

	patched, err := env.Ctrl.Cancel(env.Ctx, rec.RunID, "user pressed stop")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if patched.Status != domain.StatusCancelRequested && !patched.Status.Terminal() {
		t.Fatalf("after cancel: %s", patched.Status)
	}
	final, err := env.Ctrl.Wait(waitCtx(t), rec.RunID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != domain.StatusCanceled {
		t.Fatalf("status %s", final.Status)
	}
	if final.Error == nil || final.Error.Code != domain.CodeCanceled || final.Error.Message != "user pressed stop" {
		t.Fatalf("error %+v", final.Error)
	}
	if !final.CancelRequested || final.CancelReason == nil || *final.CancelReason != "user pressed stop" {
		t.Fatalf("cancel bookkeeping: %+v", final)
	}
	// Canceling a terminal run is a no-op, not an error.
	again, err := env.Ctrl.Cancel(env.Ctx, rec.RunID, "again")
	if err != nil || again.Status != domain.StatusCanceled {
		t.Fatalf("cancel terminal: %s %v", again.Status, err)
	}
}

func TestCancelTwiceKeepsFirstReason(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	env.Adapter.Bind("test", "cancelable", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		close(started)
		<-release
		return nil, plugin.ErrCancelRequested
	})
	rec, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "cancelable"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-started
	env.waitStatus(t, rec.RunID, domain.StatusRunning)

	first, err := env.Ctrl.Cancel(env.Ctx, rec.RunID, "operator stop")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if first.CancelReason == nil || *first.CancelReason != "operator stop" || first.CancelRequestedAt == nil {
		t.Fatalf("cancel bookkeeping: %+v", first)
	}
	second, err := env.Ctrl.Cancel(env.Ctx, rec.RunID, "changed my mind")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second.CancelReason == nil || *second.CancelReason != "operator stop" {
		t.Fatalf("second cancel rewrote the reason: %v", second.CancelReason)
	}
	if second.CancelRequestedAt == nil || *second.CancelRequestedAt != *first.CancelRequestedAt {
		t.Fatalf("second cancel moved the timestamp: %v vs %v", second.CancelRequestedAt, first.CancelRequestedAt)
	}

	close(release)
	final, err := env.Ctrl.Wait(waitCtx(t), rec.RunID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != domain.StatusCanceled || final.CancelReason == nil || *final.CancelReason != "operator stop" {
		t.Fatalf("final %s reason %v", final.Status, final.CancelReason)
	}
}

func TestConcurrentProgressReportsKeepPeak(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	release := make(chan struct{})
	env.Adapter.Bind("test", "block", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		close(started)
		<-release
		return nil, nil
	})
	rec, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "block"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-started
	env.waitStatus(t, rec.RunID, domain.StatusRunning)

	// Reports land in some interleaving; monotonic progress must hold the
	// peak no matter which write commits last.
	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		p := float64(i) / n
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Ctrl.ApplyUpdate(env.Ctx, rec.RunID, run.Update{Progress: &p}); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()
	got, err := env.Ctrl.GetRun(env.Ctx, rec.RunID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := float64(n-1) / n
	if got.Progress == nil || *got.Progress != want {
		t.Fatalf("progress %v, want %v", got.Progress, want)
	}

	close(release)
	if _, err := env.Ctrl.Wait(waitCtx(t), rec.RunID); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestUnresponsiveEntryForcedCanceledAfterGrace(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	env.Adapter.Bind("test", "stubborn", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		close(started)
		// Ignores the cooperative signal; only the hard host cancel stops it.
		<-rc.Context().Done()
		return nil, rc.Context().Err()
	})
	rec, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "stubborn"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-started
	env.waitStatus(t, rec.RunID, domain.StatusRunning)
	if _, err := env.Ctrl.Cancel(env.Ctx, rec.RunID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	final, err := env.Ctrl.Wait(waitCtx(t), rec.RunID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != domain.StatusCanceled {
		t.Fatalf("status %s", final.Status)
	}
}

func TestTimeoutCommitsTimeoutStatus(t *testing.T) {
	env := newTestEnv(t)
	env.Adapter.Bind("test", "slow", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		<-rc.Context().Done()
		return nil, rc.Context().Err()
	})
	rec, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "slow"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	final, err := env.Ctrl.Wait(waitCtx(t), rec.RunID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != domain.StatusTimeout {
		t.Fatalf("status %s, error %+v", final.Status, final.Error)
	}
	if final.Error == nil || final.Error.Code != domain.CodeTimeout {
		t.Fatalf("error %+v", final.Error)
	}
}

func TestIdempotentCreate(t *testing.T) {
	env := newTestEnv(t)
	env.Adapter.Bind("test", "ok", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		return nil, nil
	})
	first, created, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{
		PluginID: "test", EntryID: "ok", IdempotencyKey: "idem-1",
	})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{
		PluginID: "test", EntryID: "ok", IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || second.RunID != first.RunID {
		t.Fatalf("idempotent create made a new run: %s vs %s created=%v", second.RunID, first.RunID, created)
	}

	// Same key, different entry: refused.
	_, _, err = env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{
		PluginID: "test", EntryID: "fail", IdempotencyKey: "idem-1",
	})
	var re *domain.RunError
	if !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("mismatched reuse: want VALIDATION_ERROR, got %v", err)
	}
}

func TestRetryChain(t *testing.T) {
	env := newTestEnv(t)
	attempts := 0
	env.Adapter.Bind("test", "fail", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	first, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "fail", TaskID: "task-9"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Ctrl.Wait(waitCtx(t), first.RunID); err != nil {
		t.Fatalf("wait first: %v", err)
	}

	second, err := env.Ctrl.Retry(env.Ctx, first.RunID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second.RunID == first.RunID {
		t.Fatalf("retry reused run id")
	}
	if second.RootRunID != first.RunID || second.ParentRunID == nil || *second.ParentRunID != first.RunID || second.Attempt != 2 {
		t.Fatalf("chain wrong: root=%s parent=%v attempt=%d", second.RootRunID, second.ParentRunID, second.Attempt)
	}
	if second.TaskID == nil || *second.TaskID != "task-9" {
		t.Fatalf("task correlation lost: %v", second.TaskID)
	}
	final, err := env.Ctrl.Wait(waitCtx(t), second.RunID)
	if err != nil {
		t.Fatalf("wait second: %v", err)
	}
	if final.Status != domain.StatusSucceeded {
		t.Fatalf("second attempt: %s", final.Status)
	}

	// A succeeded run can be retried too; the chain keeps growing.
	third, err := env.Ctrl.Retry(env.Ctx, second.RunID)
	if err != nil {
		t.Fatalf("retry of succeeded run: %v", err)
	}
	if third.Attempt != 3 || third.RootRunID != first.RunID || third.ParentRunID == nil || *third.ParentRunID != second.RunID {
		t.Fatalf("chain wrong: root=%s parent=%v attempt=%d", third.RootRunID, third.ParentRunID, third.Attempt)
	}
	if _, err := env.Ctrl.Wait(waitCtx(t), third.RunID); err != nil {
		t.Fatalf("wait third: %v", err)
	}
}

func TestRetryInFlightRejected(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	started := make(chan struct{})
	env.Adapter.Bind("test", "block", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		close(started)
		<-release
		return nil, nil
	})
	rec, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "block"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-started
	_, err = env.Ctrl.Retry(env.Ctx, rec.RunID)
	var re *domain.RunError
	if !errors.As(err, &re) || re.Code != domain.CodeConflict {
		t.Fatalf("want CONFLICT, got %v", err)
	}
	close(release)
	if _, err := env.Ctrl.Wait(waitCtx(t), rec.RunID); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestApplyUpdateValidationAndMonotonicProgress(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	started := make(chan struct{})
	env.Adapter.Bind("test", "block", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		close(started)
		<-release
		return nil, nil
	})
	rec, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "block"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-started
	env.waitStatus(t, rec.RunID, domain.StatusRunning)

	p := 0.5
	stage := "encoding"
	got, err := env.Ctrl.ApplyUpdate(env.Ctx, rec.RunID, run.Update{Progress: &p, Stage: &stage, Metrics: map[string]any{"fps": 24.0}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Progress == nil || *got.Progress != 0.5 || got.Stage == nil || *got.Stage != "encoding" {
		t.Fatalf("update not applied: %+v", got)
	}

	// A regressing progress value is dropped, the rest of the patch lands.
	lower := 0.3
	msg := "still going"
	got, err = env.Ctrl.ApplyUpdate(env.Ctx, rec.RunID, run.Update{Progress: &lower, Message: &msg, Metrics: map[string]any{"bitrate": 128.0}})
	if err != nil {
		t.Fatalf("regressing update: %v", err)
	}
	if *got.Progress != 0.5 {
		t.Fatalf("progress regressed to %v", *got.Progress)
	}
	if got.Message == nil || *got.Message != "still going" {
		t.Fatalf("message dropped: %v", got.Message)
	}
	if got.Metrics["fps"] != 24.0 || got.Metrics["bitrate"] != 128.0 {
		t.Fatalf("metrics not merged: %v", got.Metrics)
	}

	var re *domain.RunError
	bad := 1.5
	if _, err := env.Ctrl.ApplyUpdate(env.Ctx, rec.RunID, run.Update{Progress: &bad}); !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("progress 1.5: %v", err)
	}
	step, total := 5, 3
	if _, err := env.Ctrl.ApplyUpdate(env.Ctx, rec.RunID, run.Update{Step: &step, StepTotal: &total}); !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("step beyond total: %v", err)
	}
	longStage := strings.Repeat("x", 129)
	if _, err := env.Ctrl.ApplyUpdate(env.Ctx, rec.RunID, run.Update{Stage: &longStage}); !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("oversized stage: %v", err)
	}

	close(release)
	if _, err := env.Ctrl.Wait(waitCtx(t), rec.RunID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := env.Ctrl.ApplyUpdate(env.Ctx, rec.RunID, run.Update{Progress: &p}); !errors.As(err, &re) || re.Code != domain.CodeConflict {
		t.Fatalf("update after terminal: %v", err)
	}
}

func TestExportBinaryInlineCap(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	started := make(chan struct{})
	env.Adapter.Bind("test", "block", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		close(started)
		<-release
		return nil, nil
	})
	rec, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "block"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	<-started
	env.waitStatus(t, rec.RunID, domain.StatusRunning)

	small, err := env.Ctrl.AppendExport(env.Ctx, rec.RunID, run.ExportInput{
		Type: domain.ExportBinary, Data: []byte("tiny"), Mime: "application/octet-stream",
	})
	if err != nil {
		t.Fatalf("small binary: %v", err)
	}
	if small.Type != domain.ExportBinary || small.Binary == nil {
		t.Fatalf("small binary not inlined: %+v", small)
	}

	// Above the cap the payload is refused, not stored in any form.
	var re *domain.RunError
	_, err = env.Ctrl.AppendExport(env.Ctx, rec.RunID, run.ExportInput{
		Type: domain.ExportBinary, Data: make([]byte, 128),
	})
	if !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("oversized binary: want VALIDATION_ERROR, got %v", err)
	}
	items, _, err := env.Ctrl.ListExport(env.Ctx, rec.RunID, 0, 10)
	if err != nil {
		t.Fatalf("list export: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("rejected payload left a trace: %d items", len(items))
	}

	// Large artifacts go through the blob store and export a reference.
	blobID, err := env.Blobs.Put(rec.RunID, make([]byte, 128))
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	ref, err := env.Ctrl.AppendExport(env.Ctx, rec.RunID, run.ExportInput{
		Type: domain.ExportBinaryURL, URL: blob.URL(rec.RunID, blobID),
	})
	if err != nil {
		t.Fatalf("binary_url export: %v", err)
	}
	if ref.BinaryURL == nil || !strings.HasPrefix(*ref.BinaryURL, "blob:") {
		t.Fatalf("reference item: %+v", ref)
	}

	// A blob: reference to nothing is refused as well.
	_, err = env.Ctrl.AppendExport(env.Ctx, rec.RunID, run.ExportInput{
		Type: domain.ExportBinaryURL, URL: blob.URL(rec.RunID, "no-such-blob"),
	})
	if !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("dangling blob ref: want VALIDATION_ERROR, got %v", err)
	}
	if _, err := env.Ctrl.AppendExport(env.Ctx, rec.RunID, run.ExportInput{Type: domain.ExportText}); !errors.As(err, &re) || re.Code != domain.CodeValidation {
		t.Fatalf("empty text: %v", err)
	}

	close(release)
	if _, err := env.Ctrl.Wait(waitCtx(t), rec.RunID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if _, err := env.Ctrl.AppendExport(env.Ctx, rec.RunID, run.ExportInput{Type: domain.ExportText, Text: "late"}); !errors.As(err, &re) || re.Code != domain.CodeConflict {
		t.Fatalf("export after terminal: %v", err)
	}
}

func TestCancelQueuedRunWithoutExecutor(t *testing.T) {
	env := newTestEnv(t)
	// A queued record with no executor, as after a crash before recovery.
	now := float64(time.Now().UnixNano()) / 1e9
	rec := domain.RunRecord{
		RunID: "orphan-1", PluginID: "test", EntryID: "ok", Status: domain.StatusQueued,
		CreatedAt: now, UpdatedAt: now, RootRunID: "orphan-1", Attempt: 1,
	}
	if err := env.Repo.InsertRun(env.Ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := env.Ctrl.Cancel(env.Ctx, "orphan-1", "not needed anymore")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusCanceled {
		t.Fatalf("status %s", got.Status)
	}
	if got.Error == nil || got.Error.Code != domain.CodeCanceled {
		t.Fatalf("error %+v", got.Error)
	}
}

func TestRecoverOrphans(t *testing.T) {
	env := newTestEnv(t)
	now := float64(time.Now().UnixNano()) / 1e9
	for i, status := range []domain.RunStatus{domain.StatusQueued, domain.StatusRunning, domain.StatusCancelRequested} {
		rec := domain.RunRecord{
			RunID: fmt.Sprintf("orphan-%d", i), PluginID: "test", EntryID: "ok", Status: status,
			CreatedAt: now, UpdatedAt: now, RootRunID: fmt.Sprintf("orphan-%d", i), Attempt: 1,
		}
		if err := env.Repo.InsertRun(env.Ctx, rec); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := env.Ctrl.RecoverOrphans(env.Ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	for i := 0; i < 3; i++ {
		rec, err := env.Ctrl.GetRun(env.Ctx, fmt.Sprintf("orphan-%d", i))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if rec.Status != domain.StatusFailed {
			t.Fatalf("orphan %d status %s", i, rec.Status)
		}
		if rec.Error == nil || rec.Error.Code != domain.CodeTransport || rec.Error.Details["retriable"] != true {
			t.Fatalf("orphan %d error %+v", i, rec.Error)
		}
	}
}

func TestRunDeltasOnBus(t *testing.T) {
	env := newTestEnv(t)
	env.Adapter.Bind("test", "ok", func(rc plugin.RunContext) (*plugin.Outcome, error) {
		rc.Progress(0.7)
		return nil, nil
	})
	sub := env.Bus.Subscribe(run.ChannelRuns, bus.Filter{}, bus.Policy{OnOverflow: bus.Block, Buffer: 32})
	defer sub.Close()

	rec, _, err := env.Ctrl.CreateRun(env.Ctx, run.CreateRequest{PluginID: "test", EntryID: "ok"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	deadline := time.After(5 * time.Second)
	var lastRev int64
	sawAdd, sawTerminal := false, false
	for !sawTerminal {
		select {
		case d := <-sub.C():
			if d.Key != rec.RunID {
				continue
			}
			if d.Rev <= lastRev {
				t.Fatalf("rev not increasing: %d after %d", d.Rev, lastRev)
			}
			lastRev = d.Rev
			rd, ok := d.Payload.(domain.RunDelta)
			if !ok {
				t.Fatalf("payload type %T", d.Payload)
			}
			if rd.Op == domain.OpAdd {
				sawAdd = true
			}
			if d.Terminal {
				sawTerminal = true
				if rd.Status != domain.StatusSucceeded {
					t.Fatalf("terminal delta status %s", rd.Status)
				}
			}
		case <-deadline:
			t.Fatalf("no terminal delta (add=%v)", sawAdd)
		}
	}
	if !sawAdd {
		t.Fatalf("add delta never seen")
	}
}
