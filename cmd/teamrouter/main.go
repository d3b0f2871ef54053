package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"teamrouter/internal/api"
	"teamrouter/internal/api/handlers"
	ws "teamrouter/internal/api/websocket"
	"teamrouter/internal/config"
	"teamrouter/internal/maintenance"
	mcpbridge "teamrouter/internal/mcp"
	"teamrouter/internal/metrics"
	"teamrouter/internal/router"
	"teamrouter/pkg/sdk"
)

var version = "dev"

func main() {
	var (
		cfgPath string
		baseURL string
	)

	root := &cobra.Command{
		Use:   "teamrouter",
		Short: "Local message router for cooperating terminal agents",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file")
	root.PersistentFlags().StringVar(&baseURL, "base-url", "http://127.0.0.1:8765", "Router base URL for client commands")

	root.AddCommand(newServeCommand(&cfgPath))
	root.AddCommand(newMCPCommand(&cfgPath))
	root.AddCommand(newStatusCommand(&baseURL))
	root.AddCommand(newTraceCommand(&baseURL))
	root.AddCommand(newHealthCommand(&baseURL))

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func buildRouter(cfg config.Config, logger *zap.Logger, reg *metrics.Metrics, sink *router.ChannelSink) (*router.Router, error) {
	rcfg := router.Config{
		AckTimeoutMs:              cfg.Router.AckTimeoutMs,
		RetryBackoffMs:            cfg.Router.RetryBackoffMs,
		MaxRetries:                cfg.Router.MaxRetries,
		DefaultTTLMs:              cfg.Router.DefaultTTLMs,
		JitterRatio:               cfg.Router.JitterRatio,
		RetryPollIntervalMs:       cfg.Router.RetryPollIntervalMs,
		PresenceIntervalMs:        cfg.Router.PresenceIntervalMs,
		PresenceTimeoutMultiplier: cfg.Router.PresenceTimeoutMultiplier,
		BlobThresholdBytes:        cfg.Router.BlobThresholdBytes,
	}
	opts := router.Options{
		Workspace: cfg.Workspace,
		Config:    rcfg,
		Logger:    logger,
		Metrics:   reg,
	}
	if sink != nil {
		opts.Sink = sink
	}
	return router.New(opts)
}

func newServeCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [workspace]",
		Short: "Run the router HTTP service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Workspace = args[0]
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			reg := metrics.New()
			sink := router.NewChannelSink(256)
			core, err := buildRouter(cfg, logger, reg, sink)
			if err != nil {
				return err
			}
			core.Start()
			defer core.Stop()

			hub := ws.NewHub(sink, logger)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			hub.Start(ctx)

			if cfg.Maintenance.Enabled {
				sweeper := maintenance.New(maintenance.Options{
					Layout:           core.Layout(),
					Schedule:         cfg.Maintenance.Schedule,
					BlobRetention:    config.BlobRetention(cfg),
					FailuresMaxBytes: cfg.Maintenance.FailuresMaxBytes,
					DeliveryPending:  core.HasPendingDelivery,
					Log:              logger,
				})
				if err := sweeper.Start(); err != nil {
					return err
				}
				defer sweeper.Stop()
			}

			handler := api.NewRouter(api.Options{
				Server:       handlers.NewServer(core, logger),
				Hub:          hub,
				Metrics:      reg,
				Log:          logger,
				RateLimitRPS: cfg.Server.RateLimitRPS,
			})
			server := &http.Server{
				Addr:         config.Addr(cfg),
				Handler:      handler,
				ReadTimeout:  config.ReadTimeout(cfg),
				WriteTimeout: config.WriteTimeout(cfg),
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("router listening",
					zap.String("addr", server.Addr),
					zap.String("workspace", cfg.Workspace),
					zap.String("session", core.SessionID()))
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("shutting down", zap.String("signal", sig.String()))
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func newMCPCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp [workspace]",
		Short: "Serve the router as MCP tools over stdio",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Workspace = args[0]
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			reg := metrics.New()
			core, err := buildRouter(cfg, logger, reg, nil)
			if err != nil {
				return err
			}
			core.Start()
			defer core.Stop()

			handler := api.NewRouter(api.Options{
				Server:       handlers.NewServer(core, logger),
				Metrics:      reg,
				Log:          logger,
				RateLimitRPS: cfg.Server.RateLimitRPS,
			})
			bridge := mcpbridge.New(mcpbridge.Options{Router: handler, Version: version})
			return bridge.ServeStdio()
		},
	}
}

func printJSON(payload any) error {
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newStatusCommand(baseURL *string) *cobra.Command {
	var (
		includeTasks bool
		filterTask   string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show router status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdk.New(*baseURL)
			result, err := client.Status(cmd.Context(), includeTasks, filterTask)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().BoolVar(&includeTasks, "tasks", false, "Include task projection")
	cmd.Flags().StringVar(&filterTask, "filter-task", "", "Restrict tasks to one id")
	return cmd
}

func newTraceCommand(baseURL *string) *cobra.Command {
	var (
		messageID string
		taskID    string
	)
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace a message or task through the logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdk.New(*baseURL)
			var (
				result map[string]any
				err    error
			)
			switch {
			case messageID != "":
				result, err = client.TraceMessage(cmd.Context(), messageID)
			case taskID != "":
				result, err = client.TraceTask(cmd.Context(), taskID)
			default:
				return fmt.Errorf("either --id or --task is required")
			}
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&messageID, "id", "", "Message id to trace")
	cmd.Flags().StringVar(&taskID, "task", "", "Task id to trace")
	return cmd
}

func newHealthCommand(baseURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the router health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sdk.New(*baseURL)
			if err := client.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
}
