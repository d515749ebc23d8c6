// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main runs the FlowLens collector: UDP flow ingestion, windowed
// aggregation, dependency-graph maintenance, gateway inference, change
// detection, and asset classification, all in one process.
//
// The pipeline is a chain of independent stages connected through the
// store, so a stage failing one pass never takes down its neighbors:
//
//	listeners -> queue -> batch writer -> aggregator -> builder -> detector
//
// Run it with a YAML config file (every key has a default):
//
//	flowlens -config /etc/flowlens/flowlens.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"flowlens"
	"flowlens/internal/asset"
	"flowlens/internal/cache"
	"flowlens/internal/change"
	"flowlens/internal/classify"
	"flowlens/internal/collector"
	"flowlens/internal/config"
	"flowlens/internal/ingest"
	"flowlens/internal/pipeline"
	"flowlens/internal/store"
	"flowlens/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file; empty runs on defaults")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "flowlens: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	log, err := buildLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowlens: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("flowlens exited", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		if err := zcfg.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("log_level %q: %w", level, err)
		}
	}
	return zcfg.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx := context.Background()
	clk := clock.New()

	// 1. Persistence. An empty DSN selects the in-memory store, which is
	// handy for trials but forgets everything on exit.
	var st store.Store
	if cfg.Store.DSN != "" {
		pg, err := store.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		st = pg
		log.Info("store ready", zap.String("backend", "postgres"))
	} else {
		mem := store.NewMemory()
		defer mem.Close()
		st = mem
		log.Warn("store ready", zap.String("backend", "memory"))
	}

	// 2. Shared resolution cache, when a Redis is deployed alongside.
	var shared store.ResolutionCache
	if cfg.Store.RedisAddr != "" {
		rc, err := store.NewRedisResolutionCache(ctx, cfg.Store.RedisAddr, cfg.Store.RedisTTL.Std())
		if err != nil {
			return fmt.Errorf("redis resolution cache: %w", err)
		}
		defer rc.Close()
		shared = rc
	}
	mapper := asset.NewMapper(asset.MapperConfig{}, st, shared, log)

	// 3. Ingestion: listeners feed the bounded queue, the writer drains it.
	queue := collector.NewQueue(collector.QueueConfig{
		MaxSize:         cfg.Ingestion.QueueMaxSize,
		SampleThreshold: cfg.Ingestion.SampleDepth(),
		DropThreshold:   cfg.Ingestion.DropDepth(),
		SampleRate:      cfg.Ingestion.SampleRate,
	}, log)
	col, err := collector.New(collector.Config{
		NetFlowPort: cfg.Ingestion.NetflowPort,
		SFlowPort:   cfg.Ingestion.SflowPort,
	}, queue, log)
	if err != nil {
		return fmt.Errorf("bind listeners: %w", err)
	}
	writer := ingest.NewWriter(ingest.WriterConfig{
		BatchSize:    cfg.Ingestion.BatchSize,
		BatchTimeout: cfg.Ingestion.BatchTimeout(),
	}, queue, st, log)

	// 4. Resolution stages.
	producer := store.NewLogProducer(log)
	aggregator := pipeline.NewAggregator(pipeline.AggregatorConfig{
		WindowWidth:    cfg.Resolution.WindowWidth(),
		WatermarkDelay: cfg.Resolution.WatermarkDelay.Std(),
	}, st, clk, log)
	builder := pipeline.NewBuilder(pipeline.BuilderConfig{
		StalenessThreshold:   cfg.Resolution.StalenessThreshold.Std(),
		DiscardExternalFlows: cfg.Ingestion.DiscardExternalFlows,
	}, st, mapper, producer, clk, log)
	gateways := pipeline.NewGatewayInference(pipeline.GatewayConfig{
		StalenessThreshold: cfg.Resolution.StalenessThreshold.Std(),
	}, st, mapper, clk, log)

	// 5. Topology read cache, dropped whenever the builder mutates an edge.
	topo := cache.New(cache.Config{
		DefaultTTL: cfg.Cache.TopologyTTL(),
		Capacity:   cfg.Cache.Capacity,
	}, clk, log)
	defer topo.Close()
	builder.SetTopologyInvalidator(topo)

	// 6. Change detection and alerting.
	alerts := change.NewAlertEngine(st, clk, log)
	detector := change.NewDetector(change.DetectorConfig{
		Interval:   cfg.Resolution.DetectionInterval(),
		SpikeRatio: cfg.Resolution.SpikeRatio,
	}, st, alerts, producer, clk, log)

	// 7. Classification and enrichment.
	extractor := classify.NewExtractor(st, clk, log)
	classifier := classify.NewEngine(classify.EngineConfig{
		AutoUpdateThreshold:   cfg.Classification.AutoUpdateThreshold,
		MinFlows:              cfg.Classification.MinFlows,
		MinObservationHours:   cfg.Classification.MinObservationHours,
		MLConfidenceThreshold: cfg.Classification.MLConfidenceThreshold,
		MLMinFlows:            cfg.Classification.MLMinFlows,
	}, st, clk, log)
	enricher := asset.NewEnricher(asset.DNSConfig{
		Timeout:   cfg.Enrichment.DNSTimeout.Std(),
		CacheSize: cfg.Enrichment.DNSCacheSize,
		CacheTTL:  cfg.Enrichment.DNSCacheTTL.Std(),
		Servers:   cfg.Enrichment.DNSServers,
	}, st, log)

	// 8. Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 9. Start the pipeline.
	col.Start()
	go writer.Run()
	runner := pipeline.NewRunner(clk, log)
	window := cfg.Resolution.WindowWidth()
	runner.Every(window, "aggregate", discardCount(aggregator.RunOnce))
	runner.Every(window, "build-edges", discardCount(builder.RunOnce))
	runner.Every(5*window, "gateway-rollup", discardCount(gateways.Rollup))
	runner.Every(time.Hour, "stale-sweep", discardCount(builder.SweepStale))
	runner.Every(time.Hour, "gateway-retire", discardCount(gateways.RetireStale))
	runner.Every(cfg.Resolution.DetectionInterval(), "detect-changes", discardCount(detector.RunOnce))
	runner.Every(5*time.Minute, "extract-features-5min", func(ctx context.Context) error {
		_, err := extractor.ExtractAll(ctx, flowlens.Window5Min)
		return err
	})
	runner.Every(time.Hour, "extract-features-1hour", func(ctx context.Context) error {
		_, err := extractor.ExtractAll(ctx, flowlens.Window1Hour)
		return err
	})
	runner.Every(time.Hour, "extract-features-24hour", func(ctx context.Context) error {
		_, err := extractor.ExtractAll(ctx, flowlens.Window24H)
		return err
	})
	runner.Every(time.Hour, "classify-assets", discardCount(classifier.ClassifyAll))
	runner.Every(15*time.Minute, "dns-enrich", discardCount(enricher.EnrichOnce))
	telemetry.Healthy.Set(1)
	log.Info("flowlens started",
		zap.Int("netflow_port", cfg.Ingestion.NetflowPort),
		zap.Int("sflow_port", cfg.Ingestion.SflowPort),
		zap.String("metrics_addr", cfg.Server.MetricsAddr))

	// 10. Block until a shutdown signal, then unwind back to front so
	// buffered flows drain before the store closes.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")
	telemetry.Healthy.Set(0)

	col.Stop()
	queue.Close()
	writer.Stop()
	runner.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	log.Info("flowlens stopped")
	return nil
}

// discardCount adapts the RunOnce-style methods, which also report how much
// work they did, to the runner's error-only job signature.
func discardCount(fn func(context.Context) (int, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}
