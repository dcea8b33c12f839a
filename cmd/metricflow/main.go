package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aevon-lab/metricflow/internal/aggregation"
	corecfg "github.com/aevon-lab/metricflow/internal/core/config"
	"github.com/aevon-lab/metricflow/internal/core/storage"
	"github.com/aevon-lab/metricflow/internal/core/storage/badger"
	"github.com/aevon-lab/metricflow/internal/core/storage/memory"
	"github.com/aevon-lab/metricflow/internal/core/storage/postgres"
	"github.com/aevon-lab/metricflow/internal/core/telemetry"
	"github.com/aevon-lab/metricflow/internal/ingestion"
	"github.com/aevon-lab/metricflow/internal/migrations"
	"github.com/aevon-lab/metricflow/internal/projection"
	"github.com/aevon-lab/metricflow/internal/server"
)

func main() {
	configPath := flag.String("config", "metricflow.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Load configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 1. Initialize logger
	slog.SetDefault(newLogger(cfg.Log))
	slog.Info("Loaded config",
		"node_id", cfg.Cluster.NodeID,
		"storage", cfg.Database.Type,
		"streams", len(cfg.RuleLoading.Rules))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Initialize storage
	factory := storage.NewFactory()
	factory.Register("postgres", postgres.OpenWith(func(db *sql.DB) error {
		return migrations.RunMigrations(db, cfg.Database.AutoMigrate)
	}))
	factory.Register("badger", badger.Open)
	factory.Register("memory", memory.Open)

	client, err := factory.Open(ctx, storage.Config{
		Type:         cfg.Database.Type,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		Path:         cfg.Database.Path,
		InMemory:     cfg.Database.InMemory,
	})
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	// 3. Telemetry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tel := telemetry.New(reg)
	clk := clock.New()

	// 4. Build the pipeline, one worker chain per stream rule
	alarm := aggregation.NewLogAlarm()
	exporter := aggregation.NewChannelExporter(0)
	processor := aggregation.NewProcessor(aggregation.Deps{
		DAO:       client,
		Alarm:     alarm,
		Exporter:  exporter,
		Clock:     clk,
		Telemetry: tel,
		Options:   pipelineOptions(cfg),
	})
	for _, rule := range cfg.RuleLoading.Rules {
		if err := processor.Create(rule.Definition()); err != nil {
			slog.Error("Failed to create stream", "stream", rule.Name, "error", err)
			os.Exit(1)
		}
		if rule.AlarmAbove.Valid {
			alarm.SetThreshold(rule.Name, rule.AlarmAbove.Decimal)
		}
	}
	processor.Start()

	driver := aggregation.NewFlushDriver(aggregation.DriverOptions{
		Period:            cfg.PersistentPeriod(),
		PrepareThreads:    cfg.Pipeline.PrepareThreads,
		SyncThreads:       cfg.Pipeline.SyncThreads,
		MaxSyncOperations: cfg.Pipeline.MaxSyncOperations,
	}, processor, client, clk, tel)

	go func() {
		if err := driver.Start(ctx); err != nil {
			slog.Error("Flush driver stopped with error", "error", err)
		}
	}()

	if retainer, ok := client.(storage.Retainer); ok && cfg.MetricsTTL() > 0 {
		keeper := aggregation.NewRetentionKeeper(cfg.CleanupPeriod(), processor, retainer, clk)
		go func() {
			if err := keeper.Start(ctx); err != nil {
				slog.Error("Retention keeper stopped with error", "error", err)
			}
		}()
	}

	go exporter.Run(ctx, func(ev aggregation.ExportEvent) {
		slog.Debug("[Export] Metrics",
			"type", ev.Type.String(),
			"stream", ev.Metrics.Key().Name,
			"entity", ev.Metrics.Key().EntityID,
			"bucket", ev.Metrics.Key().TimeBucket,
			"value", ev.Metrics.Value().String())
	})

	// 5. Ingestion, query API and HTTP server
	rules := aggregation.NewInMemoryRuleRepository(cfg.RuleLoading.Rules...)
	ingestionSvc := ingestion.NewService(rules, processor, cfg.Server.MaxBodySizeMB, clk)
	projectionSvc := projection.NewService(client, processor, clk)

	var health server.HealthChecker
	if hc, ok := client.(server.HealthChecker); ok {
		health = hc
	}
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), health, reg, cfg.Server.Mode)
	ingestionSvc.RegisterRoutes(srv.Engine)
	projectionSvc.RegisterRoutes(srv.Engine)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
		cancel()
	}

	// Drain L1 into L2, then persist whatever L2 still holds.
	processor.Stop()
	if err := driver.FinalRound(); err != nil {
		slog.Error("Final persistence round failed", "error", err)
	}

	slog.Info("Shutdown complete")
}

func pipelineOptions(cfg *corecfg.Config) aggregation.PipelineOptions {
	p := cfg.Pipeline
	return aggregation.PipelineOptions{
		L1BufferSize:     p.L1BufferSize,
		MALBufferDivisor: p.MALBufferDivisor,
		L1Consumers:      p.L1Consumers,
		L1Strategy:       cfg.L1Strategy(),
		FlushSize:        p.FlushSize,
		MALFlushPeriod:   cfg.MALFlushPeriod(),
		IdleBackoff:      cfg.IdleBackoff(),
		StallWarning:     cfg.StallWarning(),
		L2BufferSize:     p.L2BufferSize,
		L2ConsumerFactor: p.L2ConsumerFactor,
		L2ConsumerFloor:  p.L2ConsumerFloor,
		PersistentMod:    p.PersistentMod,
		MaxBatchGet:      p.MaxBatchGet,
		SessionTTL:       cfg.SessionTTL(),
		MetricsTTL:       cfg.MetricsTTL(),
		SkipTTLCheck:     p.SkipTTLCheck,
		DownsampleHour:   cfg.Downsampling.Hour,
		DownsampleDay:    cfg.Downsampling.Day,
		DownsampleMonth:  cfg.Downsampling.Month,
	}
}

func newLogger(cfg corecfg.LogConfig) *slog.Logger {
	level, _ := corecfg.ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
