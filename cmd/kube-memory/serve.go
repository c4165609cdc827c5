package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/miradorstack/kube-memory/internal/api"
	"github.com/miradorstack/kube-memory/internal/cache"
	"github.com/miradorstack/kube-memory/internal/classifier"
	"github.com/miradorstack/kube-memory/internal/config"
	"github.com/miradorstack/kube-memory/internal/embedding"
	"github.com/miradorstack/kube-memory/internal/engine"
	"github.com/miradorstack/kube-memory/internal/feedback"
	"github.com/miradorstack/kube-memory/internal/ingest"
	"github.com/miradorstack/kube-memory/internal/llm"
	"github.com/miradorstack/kube-memory/internal/memory"
	"github.com/miradorstack/kube-memory/internal/metrics"
	"github.com/miradorstack/kube-memory/internal/notify"
	"github.com/miradorstack/kube-memory/internal/patterns"
	"github.com/miradorstack/kube-memory/internal/repo"
	"github.com/miradorstack/kube-memory/internal/services"
	"github.com/miradorstack/kube-memory/internal/utils"
	"github.com/miradorstack/kube-memory/internal/watcher"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the watchers, ingestion workers and the gRPC API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to configuration file (defaults to $KUBE_MEMORY_CONFIG)")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting kube-memory", slog.String("version", version), slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var sharedCache cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, analysis lock is process-local", slog.Any("error", err))
		} else {
			sharedCache = provider
			defer provider.Close()
		}
	}
	localCache := cache.Provider(cache.NewMemoryProvider())
	if sharedCache != nil {
		localCache = sharedCache
	}

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	generator, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}

	vectors, err := buildVectorStore(ctx, cfg, localCache)
	if err != nil {
		return err
	}
	graph, closeGraph, err := buildGraphStore(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer closeGraph()

	store := memory.NewStore(utils.Component(logger, "memory"), vectors, graph, embedder, cfg.Memory.WriteRetries)
	incidents := repo.NewIncidentRepo()

	senders, err := notify.NewSenders(utils.Component(logger, "notify"), cfg.Notify)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	hub := notify.NewHub(utils.Component(logger, "notify"), cfg.Notify.SubscriberBuffer, senders...)
	hub.Start(ctx)

	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		return fmt.Errorf("load rule pack: %w", err)
	}
	pipeline := engine.NewPipeline(utils.Component(logger, "pipeline"), incidents,
		engine.NewRetriever(store, cfg.Pipeline.TopK),
		engine.NewCorrelator(store, cfg.Pipeline.BlastRadiusWindow, cfg.Pipeline.DeployWindow),
		engine.NewRecommender(generator, rules, engine.NewCausalityEngine(logger), cfg.Pipeline.GenerateTimeout),
		engine.PipelineOptions{
			RetrieveTimeout:  cfg.Pipeline.RetrieveTimeout,
			CorrelateTimeout: cfg.Pipeline.CorrelateTimeout,
			Lock:             sharedCache,
			LockTTL:          cfg.Pipeline.LockTTL,
			Notifier:         hub,
		})

	tracker := feedback.NewTracker(utils.Component(logger, "feedback"), incidents, store, feedback.Options{
		CorrectionWeight: cfg.Memory.CorrectionWeight,
		MaxFixesPerHour:  cfg.Feedback.MaxFixesPerHour,
	})

	ingestOpts := ingest.OptionsFromConfig(cfg.Ingest)
	ingestOpts.DedupTTL = cfg.Kubernetes.DedupTTL
	ingestOpts.DedupMaxEntries = cfg.Kubernetes.DedupMaxEntries
	ingestor := ingest.NewIngestor(utils.Component(logger, "ingest"), classifier.New(cfg.Kubernetes.ProductionNamespaces),
		incidents, store, pipeline, hub, ingestOpts)
	ingestor.Start(ctx)

	client, err := buildKubeClient(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		logger.Warn("kubernetes client unavailable, watchers disabled", slog.Any("error", err))
	}
	watchers := watcher.NewManager(client, ingestor, utils.Component(logger, "watcher"), watcher.OptionsFromConfig(cfg.Kubernetes))
	if client != nil && len(cfg.Kubernetes.Namespaces) > 0 {
		if _, err := watchers.Start(cfg.Kubernetes.Namespaces); err != nil {
			logger.Warn("initial watch not started", slog.Any("error", err))
		}
	}

	patternCache := patterns.NewCacheStore(localCache, 30*time.Second)
	svc := services.NewMemoryService(utils.Component(logger, "service"), services.Dependencies{
		Watchers:     watchers,
		Ingestor:     ingestor,
		Pipeline:     pipeline,
		Feedback:     tracker,
		Memory:       store,
		Incidents:    incidents,
		Patterns:     patterns.NewMiner(logger, incidents, patternCache),
		PatternCache: patternCache,
		Hub:          hub,
	}, services.Windows{BlastRadius: cfg.Pipeline.BlastRadiusWindow, Deploy: cfg.Pipeline.DeployWindow})

	server, err := api.NewServer(cfg.Server, utils.Component(logger, "grpc"), api.NewHandlers(logger, svc))
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	server.SetServing(false)

	watchers.Shutdown()
	pipeline.Shutdown()
	ingestor.Close()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}
	logger.Info("kube-memory stopped")
	return nil
}

func buildVectorStore(ctx context.Context, cfg *config.Config, provider cache.Provider) (memory.VectorStore, error) {
	if cfg.Memory.Vector.Backend != "weaviate" {
		return memory.NewInMemoryVectorStore(), nil
	}
	v := cfg.Memory.Vector
	store := repo.NewWeaviateVectorStore(v.Endpoint, v.APIKey, v.Class, v.Timeout, provider, cfg.Cache.SimilarTTL)
	schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.EnsureSchema(schemaCtx); err != nil {
		return nil, fmt.Errorf("weaviate schema: %w", err)
	}
	return store, nil
}

func buildGraphStore(ctx context.Context, logger *slog.Logger, cfg *config.Config) (memory.GraphStore, func(), error) {
	if cfg.Memory.Graph.Backend != "neo4j" {
		return memory.NewInMemoryGraphStore(cfg.Memory.DeployTriggerWindow), func() {}, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	store, err := repo.NewNeo4jGraphStore(connectCtx, utils.Component(logger, "neo4j"), cfg.Memory.Graph, cfg.Memory.DeployTriggerWindow)
	if err != nil {
		return nil, nil, fmt.Errorf("neo4j: %w", err)
	}
	return store, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("neo4j close", slog.Any("error", err))
		}
	}, nil
}

// buildKubeClient loads an explicit kubeconfig, then the default loading rules, then the in-cluster config.
func buildKubeClient(kubeconfig string) (kubernetes.Interface, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = kubeconfig
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("kubeconfig: %w", err)
	}
	restConfig.UserAgent = "kube-memory/" + version
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("kubernetes client: %w", err)
	}
	return clientset, nil
}
