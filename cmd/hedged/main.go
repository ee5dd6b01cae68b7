// hedged is a cross-exchange perpetual-futures hedging engine: it holds a
// market-neutral position split across two venues and profits from funding
// rate differentials and spread mean-reversion between them.
//
// Architecture:
//
//	main.go                    — entry point: loads config, builds venue adapters, starts the supervisor
//	internal/venue             — Adapter/Stream contracts (components A, B); restadapter and binance
//	                              are illustrative concrete implementations
//	internal/fundingcache      — polls and caches every venue's funding rate (component C)
//	internal/analyzer          — hedge-spread statistics: mean, stddev, percentiles, 95% CI (component D)
//	internal/searcher          — scores and ranks cross-venue funding opportunities (component E)
//	internal/risk/aggregator   — periodic margin/position snapshot across all venues (component F)
//	internal/engine            — the per-pair hedge state machine (component G)
//	internal/supervisor        — starts/restarts one engine per symbol, feeds IPC slots (component H)
//	internal/ipc               — RWMutex-guarded snapshot slot, one per engine (component I)
//	internal/store             — JSON bookkeeping persisted across restarts
//	internal/alert             — structured notification sink
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"hedged/internal/alert"
	"hedged/internal/config"
	"hedged/internal/fundingcache"
	"hedged/internal/risk"
	"hedged/internal/searcher"
	"hedged/internal/store"
	"hedged/internal/supervisor"
	"hedged/internal/venue"
	"hedged/internal/venue/binance"
	"hedged/internal/venue/restadapter"
	"hedged/internal/venue/wsstream"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("HEDGE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	adapters := make(map[string]venue.Adapter, len(cfg.Venues))
	venueCfgByName := make(map[string]config.VenueConfig, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		venueCfgByName[vc.Name] = vc
		adapters[vc.Name] = newAdapter(vc, cfg.DryRun)
	}

	adapterSlice := make([]venue.Adapter, 0, len(adapters))
	for _, ad := range adapters {
		adapterSlice = append(adapterSlice, ad)
	}

	fundCache := fundingcache.New(adapterSlice, 0, cfg.Whitelist, logger)
	sch := searcher.New(adapterSlice, fundCache)
	aggregator := risk.New(adapterSlice, nil, fundCache, sch, cfg.Whitelist, logger)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	alertSink := alert.NewSlogSink(logger)

	newStream := func(venueName string) venue.Stream {
		vc := venueCfgByName[venueName]
		return wsstream.New(venueName, vc.WSURL, logger)
	}

	sup := supervisor.New(cfg.Manager, adapters, newStream, aggregator, fundCache, sch, alertSink, st, logger)

	ctx, cancel := context.WithCancel(context.Background())

	fundCache.WarmSync(ctx, cfg.Whitelist)

	assignments, err := sup.SelectPairs(ctx, cfg.Whitelist)
	if err != nil {
		logger.Error("failed to select venue pairs", "error", err)
		cancel()
		os.Exit(1)
	}
	for i := range assignments {
		assignments[i].Trade = cfg.Trade.TradeConfigFor(assignments[i].Symbol, assignments[i].Symbol)
		assignments[i].Risk = cfg.Risk.RiskConfigFor()
	}

	if err := sup.Start(ctx, assignments); err != nil {
		logger.Error("failed to start supervisor", "error", err)
		cancel()
		os.Exit(1)
	}

	logger.Info("hedged started", "pairs", len(assignments), "venues", len(adapters), "dry_run", cfg.DryRun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	if err := sup.Shutdown(); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

// newAdapter picks a concrete venue.Adapter implementation by name. In
// practice every venue in this corpus speaks a Binance-Futures-shaped REST
// API, so "binance" gets the SDK-backed adapter and anything else falls
// back to the generic REST adapter.
func newAdapter(vc config.VenueConfig, dryRun bool) venue.Adapter {
	if vc.Name == "binance" {
		return binance.New(vc, dryRun)
	}
	return restadapter.New(vc, dryRun)
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
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
