// Package app wires the relay process: database, config, workspaces, supervisor, engine and HTTP API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"workrelay/internal/config"
	"workrelay/internal/db"
	"workrelay/internal/engine"
	"workrelay/internal/git"
	"workrelay/internal/migrate"
	"workrelay/internal/server"
	"workrelay/internal/supervisor"
	"workrelay/internal/workspace"
)

type Options struct {
	// Workspace holds relay.yml and the .relay state directory.
	Workspace string
	// DBPath overrides the database location.
	DBPath string
	Logger *slog.Logger
}

type App struct {
	DB         *sql.DB
	Engine     *engine.Engine
	Supervisor *supervisor.ProcessSupervisor
	Workspaces *workspace.Manager
	Logger     *slog.Logger

	workspace string
}

// Open builds a ready-to-serve App. Nothing is dispatched until Recover has run.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wsRoot := opts.Workspace
	if wsRoot == "" {
		wsRoot = "."
	}
	if _, err := db.EnsureWorkspace(wsRoot); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(wsRoot)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: wsRoot, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	a, err := wire(ctx, conn, cfg, wsRoot, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, conn *sql.DB, cfg *config.Config, wsRoot string, logger *slog.Logger) (*App, error) {
	version, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("schema ready", "version", version)

	wsOpts := workspace.Options{
		BaseDir: cfg.Workspace.Dir,
		BaseRef: cfg.Workspace.BaseRef,
		Logger:  logger.With("component", "workspace"),
	}
	if wsOpts.BaseDir == "" {
		wsOpts.BaseDir = filepath.Join(wsRoot, ".relay", "worktrees")
	} else if !filepath.IsAbs(wsOpts.BaseDir) {
		wsOpts.BaseDir = filepath.Join(wsRoot, wsOpts.BaseDir)
	}
	if repoPath := cfg.Workspace.Repo; repoPath != "" {
		if !filepath.IsAbs(repoPath) {
			repoPath = filepath.Join(wsRoot, repoPath)
		}
		wsOpts.Runner = git.NewRunner(repoPath)
	}
	ws, err := workspace.New(wsOpts)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(conn, cfg)
	if err != nil {
		return nil, err
	}
	eng.Logger = logger.With("component", "engine")
	eng.Workspaces = ws

	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	grace, err := cfg.KillGrace()
	if err != nil {
		return nil, err
	}
	sup, err := supervisor.New(supervisor.Options{
		Command:        cfg.Supervisor.Command,
		Args:           cfg.Supervisor.Args,
		Env:            cfg.Supervisor.Env,
		MaxConcurrent:  cfg.Supervisor.MaxConcurrent,
		DefaultTimeout: timeout,
		KillGrace:      grace,
		OutputLimit:    cfg.Supervisor.OutputLimit,
		Workspaces:     ws,
		Logger:         logger.With("component", "supervisor"),
		Report:         eng.HandleInvocation,
	})
	if err != nil {
		return nil, err
	}
	eng.Supervisor = sup
	if cfg.Supervisor.Command == "" {
		logger.Warn("supervisor.command is empty; every dispatch will fail until it is configured")
	}

	return &App{
		DB:         conn,
		Engine:     eng,
		Supervisor: sup,
		Workspaces: ws,
		Logger:     logger,
		workspace:  wsRoot,
	}, nil
}

// Recover settles work a previous process left behind.
func (a *App) Recover(ctx context.Context) (engine.RecoverReport, error) {
	return a.Engine.Recover(ctx)
}

// WatchConfig applies relay.yml edits to the engine until ctx is done. Supervisor and workspace
// settings need a restart.
func (a *App) WatchConfig(ctx context.Context) error {
	return config.Watch(ctx, a.workspace, a.Logger.With("component", "config"), func(cfg *config.Config) {
		if err := a.Engine.SetConfig(cfg); err != nil {
			a.Logger.Warn("config reload not applied", "err", err)
		}
	})
}

// Handler builds the HTTP API. Without a JWT secret the agent header is the only way in.
func (a *App) Handler() (http.Handler, error) {
	cfg := a.Engine.Config()
	auth := server.AuthConfig{
		JWTSecret:        cfg.Server.JWTSecret,
		AllowAgentHeader: cfg.Server.AllowAgentHeader,
		Logger:           a.Logger.With("component", "auth"),
	}
	if auth.JWTSecret == "" && !auth.AllowAgentHeader {
		a.Logger.Warn("server.jwt_secret is empty; trusting X-Agent-Id headers")
		auth.AllowAgentHeader = true
	}
	return server.New(server.Config{
		Engine:           a.Engine,
		BasePath:         cfg.Server.BasePath,
		Auth:             auth,
		Stats:            a.Supervisor.Stats,
		IncludeErrorBody: cfg.Server.IncludeErrorBody,
		Logger:           a.Logger.With("component", "server"),
	})
}

// Close stops running invocations, waits for them to be reported, then closes the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Supervisor != nil {
		if err := a.Supervisor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("supervisor shutdown: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
