// Package app wires a workspace into a ready process: database, migrations,
// config, plugin registry and the run controller.
package app

import (
	"context"
	"database/sql"
	"log/slog"
	"os"

	"runline/internal/blob"
	"runline/internal/bus"
	"runline/internal/config"
	"runline/internal/db"
	"runline/internal/migrate"
	"runline/internal/plugin"
	"runline/internal/repo"
	"runline/internal/run"
)

// App is an opened workspace with every component wired.
type App struct {
	Workspace  string
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Bus        *bus.Bus
	Blobs      *blob.Store
	Registry   *plugin.Registry
	Adapter    *plugin.InProc
	Controller *run.Controller
	Log        *slog.Logger
}

// Open bootstraps the workspace: ensures directories, opens and migrates the
// database, loads config and builds the controller. Callers register plugin
// manifests on Registry and bind entries on Adapter before serving traffic.
func Open(ctx context.Context, workspace string, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	blobDir, err := db.BlobDir(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	blobs, err := blob.NewStore(blobDir, int64(cfg.Limits.BlobUploadMaxBytes))
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	b := bus.New()
	registry := plugin.NewRegistry()
	adapter := plugin.NewInProc()
	ctrl := run.NewController(r, b, registry, adapter, blobs, cfg, log)
	return &App{
		Workspace:  workspace,
		DB:         conn,
		Repo:       r,
		Config:     cfg,
		Bus:        b,
		Blobs:      blobs,
		Registry:   registry,
		Adapter:    adapter,
		Controller: ctrl,
		Log:        log,
	}, nil
}

// RecoverOrphans sweeps runs stranded by a previous process. Call once before
// accepting traffic.
func (a *App) RecoverOrphans(ctx context.Context) error {
	return a.Controller.RecoverOrphans(ctx)
}

// Close winds down the controller and releases the database.
func (a *App) Close() error {
	a.Controller.Close()
	return a.DB.Close()
}
