// handlers.go implements the command logic behind the cobra definitions in
// commands.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/dispatch"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/registry"
	"github.com/haasonsaas/switchboard/internal/routing"
	"github.com/haasonsaas/switchboard/internal/sandbox"
	"github.com/haasonsaas/switchboard/internal/server"
	"github.com/haasonsaas/switchboard/internal/stream"
)

// runServe wires the full request path and serves until a shutdown signal.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.RedactPatterns,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "switchboard",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})

	reg, err := registry.New(cfg.Models)
	if err != nil {
		return fmt.Errorf("failed to build model registry: %w", err)
	}

	platform, err := sandbox.NewDaytonaPlatform(cfg.Sandbox, logger)
	if err != nil {
		return fmt.Errorf("failed to connect sandbox platform: %w", err)
	}
	pool := sandbox.NewPool(platform, cfg.Sandbox, logger, metrics)

	classifier := routing.NewClassifier(cfg.Classifier, logger, metrics, tracer)
	fast := dispatch.NewFastExecutor(logger, metrics)
	agent := dispatch.NewAgentExecutor(pool, platform, cfg.Agent, logger, metrics, tracer)
	mux := stream.NewMux(stream.MuxConfig{
		KeepAliveInterval: cfg.Stream.KeepAliveInterval,
		GlobalTimeout:     cfg.Stream.GlobalTimeout,
		BufferSize:        cfg.Stream.BufferSize,
		MaxRestarts:       cfg.Stream.MaxRestarts,
	}, logger, metrics)
	dispatcher := dispatch.NewDispatcher(classifier, reg, fast, agent, mux, logger)

	srv := server.New(cfg.Server, dispatcher, reg, pool, logger, metrics)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	logger.Info(ctx, "switchboard started",
		"version", version,
		"addr", srv.Addr(),
		"config", configPath,
		"debug", debug,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
	logger.Info(ctx, "shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "server shutdown incomplete", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "pool shutdown incomplete", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "tracer shutdown incomplete", "error", err)
	}

	logger.Info(shutdownCtx, "switchboard stopped")
	return nil
}

// runConfigValidate loads the configuration, which applies defaults and
// validates, and reports the outcome.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	if _, err := config.Load(configPath); err != nil {
		return err
	}
	if configPath == "" {
		fmt.Fprintln(cmd.OutOrStdout(), "no config file found; built-in defaults are valid")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", configPath)
	return nil
}

// runConfigShow prints the effective configuration with defaults applied.
func runConfigShow(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

// runConfigSchema prints the JSON Schema for the config file format.
func runConfigSchema(cmd *cobra.Command) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("failed to build schema: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(schema))
	return nil
}

// runModels prints the routable catalog after applying config overrides.
func runModels(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	reg, err := registry.New(cfg.Models)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-16s %-10s %-28s %s\n", "ID", "PROVIDER", "MODEL", "FLAVOR")
	for _, spec := range reg.List() {
		flavor := spec.SandboxFlavor
		if flavor == "" {
			flavor = "-"
		}
		fmt.Fprintf(w, "%-16s %-10s %-28s %s\n", spec.ID, spec.Provider, spec.Model, flavor)
	}
	return nil
}
