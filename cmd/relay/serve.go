package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workrelay/internal/app"
	"workrelay/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, dbPath string
	var shutdownGrace time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		Long:  "Opens the workspace database, fails work a previous process left running, then serves the API and dispatches agents until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := slog.Default()

			a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), DBPath: dbPath, Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					logger.Error("shutdown", "err", err)
				}
			}()
			rep, err := a.Recover(ctx)
			if err != nil {
				logger.Warn("recovery incomplete", "err", err)
			}
			if rep.Invocations > 0 || rep.Workspaces > 0 {
				printStatus("!", fmt.Sprintf("recovered %d invocations, failed %d workflows, removed %d workspaces",
					rep.Invocations, rep.Workflows, rep.Workspaces), color.FgYellow)
			}
			if err := a.WatchConfig(ctx); err != nil {
				logger.Warn("config watch disabled", "err", err)
			}
			server.StartWebhooks(ctx, a.Engine, logger.With("component", "webhooks"))

			handler, err := a.Handler()
			if err != nil {
				return err
			}
			cfg := a.Engine.Config()
			if addr == "" {
				addr = cfg.Server.Addr
			}
			basePath := cfg.Server.BasePath
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			printStatus("✓", fmt.Sprintf("serving relay API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath), color.FgGreen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr from relay.yml)")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (default .relay/relay.db in the workspace)")
	cmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 15*time.Second, "time allowed for running agents to stop on exit")
	return cmd
}
