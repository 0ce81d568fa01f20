package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sgerhart/aegisflux/analyzer/internal/analysis"
	"github.com/sgerhart/aegisflux/analyzer/internal/api"
	"github.com/sgerhart/aegisflux/analyzer/internal/batch"
	"github.com/sgerhart/aegisflux/analyzer/internal/cache"
	"github.com/sgerhart/aegisflux/analyzer/internal/config"
	"github.com/sgerhart/aegisflux/analyzer/internal/filter"
	"github.com/sgerhart/aegisflux/analyzer/internal/metrics"
	"github.com/sgerhart/aegisflux/analyzer/internal/publish"
	"github.com/sgerhart/aegisflux/analyzer/internal/records"
	"github.com/sgerhart/aegisflux/analyzer/internal/session"
)

func main() {
	cfg, err := config.Load(os.Getenv("ANALYZER_CONFIG_FILE"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting AegisFlux Analyzer Service")
	logger.Info("Configuration loaded",
		"http_addr", cfg.HTTPAddr,
		"nats_url", cfg.NATSURL,
		"config_api_url", cfg.ConfigAPIURL,
		"sequential_threshold", cfg.Batch.SequentialThreshold,
		"chunk_size", cfg.Batch.ChunkSize,
		"workers", cfg.Batch.Workers,
		"cache_backend", cfg.CacheBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// NATS is optional; without it results are not published
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("aegisflux-analyzer"), nats.MaxReconnects(-1))
		if err != nil {
			logger.Warn("Failed to connect to NATS, publishing disabled", "error", err)
			nc = nil
		} else {
			defer nc.Close()
			logger.Info("Connected to NATS")
		}
	}

	var subscriber config.Subscriber
	var conn publish.Conn
	if nc != nil {
		subscriber = nc
		conn = nc
	}

	configManager := config.NewManager(cfg.ConfigAPIURL, subscriber, logger)
	if err := configManager.Initialize(ctx, cfg); err != nil {
		logger.Warn("Failed to initialize configuration manager, using local configuration", "error", err)
	}
	defer configManager.Close()
	current := configManager.Current()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	analyzerMetrics := metrics.NewMetrics(registry)

	store, closeStore, err := openStore(ctx, current, logger)
	if err != nil {
		logger.Error("Failed to open cache store", "backend", current.CacheBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	newScheduler := func(c batch.Config) *batch.Scheduler {
		s := batch.NewScheduler(c, logger)
		s.OnChunk = analyzerMetrics.IncChunk
		return s
	}

	svc, err := analysis.NewService(analysis.Deps{
		Set:       current.DetectorSet(),
		Scheduler: newScheduler(current.Batch),
		Cache:     cache.NewAnalysisCache(),
		Guard:     &cache.Guard{},
		Applier:   filter.NewApplier(logger),
		Store:     store,
		Publisher: publish.NewPublisher(conn, logger),
		Metrics:   analyzerMetrics,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to create analysis service", "error", err)
		os.Exit(1)
	}

	configManager.Subscribe(func(snapshot *config.Snapshot) {
		logger.Info("Configuration updated, applying changes",
			"sequential_threshold", snapshot.Batch.SequentialThreshold,
			"chunk_size", snapshot.Batch.ChunkSize,
			"workers", snapshot.Batch.Workers,
			"min_anomaly_severity", snapshot.MinAnomalySeverity.String())
		svc.Reconfigure(snapshot.DetectorSet(), newScheduler(snapshot.Batch))
	})

	filterSession := session.New(logger)
	if path := os.Getenv("ANALYZER_FILTER_FILE"); path != "" {
		d, err := filter.LoadDescriptor(path)
		if err != nil {
			logger.Error("Failed to load filter file", "path", path, "error", err)
			os.Exit(1)
		}
		if _, err := filterSession.Load(d); err != nil {
			logger.Error("Failed to compile filter file", "path", path, "error", err)
			os.Exit(1)
		}
		logger.Info("Filter loaded", "path", path, "expression", filterSession.Expression().String())
	}

	server := api.NewServer(api.Options{
		Service:        svc,
		Session:        filterSession,
		Gatherer:       registry,
		GroupByService: current.GroupByService,
		Logger:         logger,
	})

	if path := os.Getenv("ANALYZER_RECORDS_FILE"); path != "" {
		if err := loadRecordsFile(server, path, logger); err != nil {
			logger.Error("Failed to load records file", "path", path, "error", err)
			os.Exit(1)
		}
	}

	httpServer := &http.Server{
		Addr:              current.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "addr", current.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Analyzer service started successfully")
	<-sigChan

	logger.Info("Shutting down analyzer service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Analyzer service stopped")
}

// openStore opens the configured persistent cache backend
func openStore(ctx context.Context, cfg *config.Snapshot, logger *slog.Logger) (cache.Store, func(), error) {
	noop := func() {}
	switch cfg.CacheBackend {
	case config.CacheMemory:
		s, err := cache.NewMemoryStore(cfg.CacheCapacity)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case config.CacheFile:
		s, err := cache.NewFileStore(cfg.CacheDir, logger)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("File cache store initialized", "dir", cfg.CacheDir)
		return s, noop, nil
	case config.CachePostgres:
		s, err := cache.NewPostgresStore(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Postgres cache store initialized")
		return s, func() { s.Close() }, nil
	}
	return nil, noop, nil
}

func loadRecordsFile(server *api.Server, path string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	recs, err := records.ReadNDJSON(f)
	if err != nil {
		return err
	}
	identity, err := cache.FileIdentity(path)
	if err != nil {
		return err
	}

	server.SetRecords(recs, identity)
	logger.Info("Records file loaded", "path", path, "record_count", len(recs), "file_identity", identity)
	return nil
}
