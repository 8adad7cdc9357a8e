package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"specforge/internal/app"
	"specforge/internal/config"
	"specforge/internal/server"
	"specforge/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
			if viper.GetBool("verbose") {
				logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
			}
			slog.SetDefault(logger)

			svc, err := openServices(ctx, logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			if !svc.Local() {
				return errors.New("serve needs local collaborators; set collaborators.mode to local")
			}
			if err := svc.RecoverBuilds(ctx); err != nil {
				return err
			}
			cfg := svc.Config()
			if !cmd.Flags().Changed("addr") {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}

			if cfg.Telemetry.Tracing {
				shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, logger)
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(ctx); err != nil {
						logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
					}
				}()
			}

			sessions := app.NewRegistry(svc)
			defer sessions.Shutdown()
			if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowActorHeader {
				logger.Warn("no jwt secret and actor header disabled; only API keys can authenticate")
			}
			handler, err := server.New(server.Config{
				Services: svc,
				Sessions: sessions,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:        cfg.Auth.JWTSecret,
					AllowActorHeader: cfg.Auth.AllowActorHeader,
					Logger:           logger,
				},
				Logger:         logger,
				RequestTimeout: cfg.Server.RequestTimeout,
			})
			if err != nil {
				return err
			}

			bgCtx, stopBackground := context.WithCancel(ctx)
			defer stopBackground()
			dispatcher := server.NewWebhookDispatcher(svc.Engine.Repo, func() []config.WebhookConfig {
				return svc.Config().Webhooks
			}, logger)
			go dispatcher.Run(bgCtx)
			if watch {
				path := config.Path(viper.GetString("workspace"))
				go func() {
					err := config.Watch(bgCtx, path, logger, func(next *config.Config) {
						svc.Reload(next)
						sessions.ApplyConfig()
					})
					if err != nil {
						logger.Warn("config watch stopped", slog.Any("error", err))
					}
				}()
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown error", slog.String("error", err.Error()))
				}
			}()
			logger.Info("serving specforge api",
				slog.String("addr", addr),
				slog.String("base_path", basePath),
				slog.String("docs", "/docs"),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (default from server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&watch, "watch-config", true, "reload specforge.yml when it changes")
	return cmd
}
