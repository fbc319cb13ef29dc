// Copyright (C) 2026 Parley Labs (dev@parleyhq.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package coordinator wires the session coordination service: the state
// store, the connection registry, the response engine, and the HTTP and
// WebSocket surface on top of them.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/parleyhq/parley/pkg/logging"
	"github.com/parleyhq/parley/services/coordinator/config"
	"github.com/parleyhq/parley/services/coordinator/hub"
	"github.com/parleyhq/parley/services/coordinator/responses"
	"github.com/parleyhq/parley/services/coordinator/routes"
	"github.com/parleyhq/parley/services/coordinator/state"
	"github.com/parleyhq/parley/services/coordinator/storage/badgerstore"
)

const serviceName = "coordinator"

// initTracer sets up the OTLP gRPC trace exporter. An empty endpoint
// disables tracing and returns a no-op cleanup.
func initTracer(endpoint string) (func(context.Context), error) {
	if endpoint == "" {
		return func(context.Context) {}, nil
	}
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// Run starts the coordinator and blocks until SIGINT/SIGTERM, then
// drains in-flight requests before returning.
func Run(cfg config.Config) error {
	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  cfg.LogDir,
		Service: serviceName,
		JSON:    cfg.LogJSON || !isatty.IsTerminal(os.Stderr.Fd()),
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cleanup, err := initTracer(cfg.OTELEndpoint)
	if err != nil {
		return err
	}
	defer cleanup(context.Background())

	archive, err := badgerstore.Open(badgerstore.Config{
		Path:   cfg.ArchivePath,
		Logger: logger.Slog(),
	})
	if err != nil {
		return err
	}
	defer archive.Close()

	var settings config.SettingsSource = config.Static{}
	if cfg.SettingsPath != "" {
		watcher, err := config.Watch(cfg.SettingsPath)
		if err != nil {
			return err
		}
		defer watcher.Close()
		settings = watcher
	}

	store := state.NewStore()
	registry := hub.NewRegistry()
	engine := responses.NewEngine(store, archive)

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))

	routes.SetupRoutes(router, routes.Deps{
		Store:    store,
		Registry: registry,
		Engine:   engine,
		Settings: settings,
		Purger:   archive,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting the coordinator server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		slog.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("coordinator stopped")
	return nil
}
