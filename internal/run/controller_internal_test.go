package run

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"runline/internal/blob"
	"runline/internal/bus"
	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/domain"
	"runline/internal/migrate"
	"runline/internal/plugin"
	"runline/internal/repo"
)

// newBareController builds a controller with no executor traffic so the
// cancel paths can be driven directly.
func newBareController(t *testing.T) (*Controller, repo.Repo) {
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
	r := repo.Repo{DB: conn}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl := NewController(r, bus.New(), plugin.NewRegistry(), plugin.NewInProc(), blobs, config.Default(), log)
	t.Cleanup(ctrl.Close)
	return ctrl, r
}

func TestCancelQueuedRacingTerminalCommit(t *testing.T) {
	ctrl, r := newBareController(t)
	ctx := context.Background()
	now := unixNow()
	rec := domain.RunRecord{
		RunID: "r1", PluginID: "p", EntryID: "e", Status: domain.StatusQueued,
		CreatedAt: now, UpdatedAt: now, RootRunID: "r1", Attempt: 1,
	}
	if err := r.InsertRun(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// An executor finishes between Cancel's liveness check and its commit.
	if _, err := r.CommitTerminal(ctx, "r1", domain.StatusSucceeded, nil, nil, unixNow()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := ctrl.cancelQueued("r1", "too late")
	if err != nil {
		t.Fatalf("cancel racing a finished run: %v", err)
	}
	if got.Status != domain.StatusSucceeded {
		t.Fatalf("recorded outcome overwritten: %s", got.Status)
	}
	ctrl.mu.Lock()
	_, leaked := ctrl.preCanceled["r1"]
	ctrl.mu.Unlock()
	if leaked {
		t.Fatalf("preCanceled entry left behind")
	}
}
