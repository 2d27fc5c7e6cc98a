// cmd/loadgrid/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/loadgrid/internal/api"
	"github.com/FairForge/loadgrid/internal/config"
	"github.com/FairForge/loadgrid/internal/degrade"
	"github.com/FairForge/loadgrid/internal/loadgen"
	"github.com/FairForge/loadgrid/internal/metrics"
	"github.com/FairForge/loadgrid/internal/orchestrator"
	"github.com/FairForge/loadgrid/internal/report"
	"github.com/FairForge/loadgrid/internal/stream"
)

func main() {
	// Create logger
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(os.Getenv("LOADGRID_CONFIG"))
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.LogLevel == "debug" {
		if dev, derr := zap.NewDevelopment(); derr == nil {
			logger = dev
		}
	}

	// Core components
	aggregator := metrics.NewAggregator(&cfg.Aggregator, logger)
	detector := degrade.NewDetector(&cfg.Detector, cfg.Thresholds, logger)
	streamer := stream.NewStreamer(&cfg.Streamer, logger)
	generator := loadgen.NewGenerator(&cfg.LoadGen, nil, nil, nil, logger)

	orch, err := orchestrator.New(orchestrator.Deps{
		Collector:   aggregator,
		Monitor:     detector,
		Broadcaster: streamer,
		Driver:      generator,
	}, logger)
	if err != nil {
		logger.Fatal("orchestrator setup failed", zap.Error(err))
	}

	// Critical degradation aborts the run.
	detector.RegisterStrategy(degrade.LevelCritical, "abort-run", func(e degrade.Event) error {
		logger.Warn("critical degradation, aborting run", zap.String("reason", e.Reason))
		return orch.Stop("critical degradation: " + e.Reason)
	})

	if err := orch.RegisterHooks(orchestrator.Hooks{
		OnComplete: func(results *orchestrator.TestResults) {
			if cfg.ReportPath == "" {
				return
			}
			if err := report.WriteFile(cfg.ReportPath, results); err != nil {
				logger.Error("report write failed", zap.Error(err))
				return
			}
			logger.Info("report written", zap.String("path", cfg.ReportPath))
		},
		OnError: func(err error) {
			logger.Error("run error", zap.Error(err))
		},
	}); err != nil {
		logger.Fatal("hook registration failed", zap.Error(err))
	}

	// Optionally preload a scenario so a run can be started with one
	// API call.
	if cfg.ScenarioPath != "" {
		scenario, err := orchestrator.LoadScenarioFile(cfg.ScenarioPath)
		if err != nil {
			logger.Fatal("scenario load failed",
				zap.String("path", cfg.ScenarioPath), zap.Error(err))
		}
		if err := orch.LoadScenario(scenario); err != nil {
			logger.Fatal("scenario rejected", zap.Error(err))
		}
		logger.Info("scenario preloaded", zap.String("scenario", scenario.Name))
	}

	server := api.NewServer(&cfg.Server, orch, stream.NewWSHandler(streamer, logger), logger)

	// Handle shutdown gracefully
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down...")
		if err := orch.Stop("process shutdown"); err != nil {
			logger.Debug("no active run to stop", zap.Error(err))
		}
		streamer.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		os.Exit(0)
	}()

	fmt.Printf("\n")
	fmt.Printf("╔══════════════════════════════════════╗\n")
	fmt.Printf("║       loadgrid control plane         ║\n")
	fmt.Printf("╠══════════════════════════════════════╣\n")
	fmt.Printf("║  API:    http://localhost%-12s║\n", cfg.Server.Addr)
	fmt.Printf("║  Stream: ws://localhost%s/ws%7s║\n", cfg.Server.Addr, "")
	fmt.Printf("╚══════════════════════════════════════╝\n")
	fmt.Printf("\n")

	if err := server.Start(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
