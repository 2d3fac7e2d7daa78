// Dealerflow — a dealer-positioning pipeline for Deribit crypto options.
//
// Architecture:
//
//	main.go                 — entry point: loads config, starts the selected services, waits for SIGINT/SIGTERM
//	collector/collector.go  — Deribit WebSocket client: index, book summaries, per-instrument tickers → raw stream
//	collector/manager.go    — dynamic subscriptions: top instruments by open interest, chunked subscribe RPCs
//	processor/processor.go  — consumes the raw stream, rebuilds dealer greeks, publishes one metrics record per second
//	greeks/greeks.go        — Black-Scholes gamma, vanna, charm, volga
//	flow/flow.go            — roll-up, gamma flip level, scenario classification, hedge-pressure proxy
//	warehouse/writer.go     — batches the metrics and summaries streams into ClickHouse with explicit acks
//	api/server.go           — GET /snapshot: the latest metrics record straight off the stream
//	stream/stream.go        — Redis-streams log shared by every stage
//
// The four services are independent: each reads or writes the shared Redis
// streams, so any subset can run in one process via -services.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"dealerflow/internal/api"
	"dealerflow/internal/collector"
	"dealerflow/internal/config"
	"dealerflow/internal/deribit"
	"dealerflow/internal/processor"
	"dealerflow/internal/stream"
	"dealerflow/internal/warehouse"
)

func main() {
	services := flag.String("services", "collector,processor,writer,api", "comma-separated services to run")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	enabled := map[string]bool{}
	for _, s := range strings.Split(*services, ",") {
		enabled[strings.TrimSpace(s)] = true
	}

	log, err := stream.Open(cfg.Redis.URL, logger)
	if err != nil {
		logger.Error("failed to open stream log", "error", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := log.Wait(ctx, 30, time.Second); err != nil {
		logger.Error("stream log unreachable", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	runService := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && err != context.Canceled {
				logger.Error("service stopped", "service", name, "error", err)
			}
		}()
	}

	if enabled["collector"] {
		tokens := deribit.NewTokenSource(cfg.Deribit.RESTURL, cfg.Deribit.ClientID, cfg.Deribit.ClientSecret, logger)
		c := collector.New(cfg.Deribit, cfg.Currency, log, tokens, logger)
		runService("collector", c.Run)
	}

	if enabled["processor"] {
		p := processor.New(log, logger)
		runService("processor", p.Run)
	}

	if enabled["writer"] {
		conn, err := warehouse.Open(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Error("failed to connect to clickhouse", "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		if err := conn.EnsureTables(ctx); err != nil {
			logger.Error("failed to create clickhouse tables", "error", err)
			os.Exit(1)
		}
		w := warehouse.New(log, conn, cfg.Writer, logger)
		runService("writer", w.Run)
	}

	var apiServer *api.Server
	if enabled["api"] {
		apiServer = api.NewServer(cfg.HTTP.Addr, log, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("snapshot server failed", "error", err)
			}
		}()
	}

	logger.Info("dealerflow started",
		"services", *services,
		"currency", cfg.Currency,
		"authenticated", cfg.Deribit.Authenticated(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the HTTP surface first, then unwind the pipeline. The writer
	// flushes its in-flight batches on cancellation.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop snapshot server", "error", err)
		}
	}
	cancel()
	wg.Wait()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
