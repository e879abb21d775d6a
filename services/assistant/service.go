// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assistant wires the assistant service together.
//
// # Description
//
// New builds every component from a config.Config:
//  1. Telemetry (OTel providers, Prometheus registry)
//  2. Storage (BadgerDB conversations, SQLite usage ledger)
//  3. Admission (rate limiter on memory or Redis windows)
//  4. Resilience (breaker registry reporting into metrics)
//  5. Inference and embedding clients
//  6. Knowledge provider (and its file watcher), context builder, response
//     cache
//  7. Orchestrator and HTTP routes
//
// Run serves HTTP until its context is canceled, then shuts down
// gracefully. Close releases everything New opened.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/projecthub/services/assistant/cache"
	"github.com/AleutianAI/projecthub/services/assistant/config"
	"github.com/AleutianAI/projecthub/services/assistant/conversation"
	"github.com/AleutianAI/projecthub/services/assistant/inference"
	"github.com/AleutianAI/projecthub/services/assistant/knowledge"
	"github.com/AleutianAI/projecthub/services/assistant/observability"
	"github.com/AleutianAI/projecthub/services/assistant/orchestrator"
	"github.com/AleutianAI/projecthub/services/assistant/ratelimit"
	"github.com/AleutianAI/projecthub/services/assistant/resilience"
	"github.com/AleutianAI/projecthub/services/assistant/routes"
	"github.com/AleutianAI/projecthub/services/assistant/storage/badger"
	"github.com/AleutianAI/projecthub/services/assistant/telemetry"
	"github.com/AleutianAI/projecthub/services/assistant/usage"
)

// Version is reported in telemetry resources.
var Version = "dev"

// redisKeyPrefix namespaces rate-limit windows in a shared Redis.
const redisKeyPrefix = "projecthub:ratelimit:"

// cachePurgeInterval is how often expired cache entries are dropped.
const cachePurgeInterval = time.Minute

// Service is the assembled assistant.
//
// # Thread Safety
//
// Safe for concurrent use. Call Close exactly once.
type Service struct {
	cfg    config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *observability.Metrics

	db      *badger.DB
	ledger  *usage.GormLedger
	redis   *redis.Client
	windows *ratelimit.MemoryWindowStore

	store    *conversation.BadgerStore
	builder  *conversation.Builder
	breakers *resilience.Registry
	cache    *cache.ResponseCache
	watcher  *knowledge.Watcher
	orch     *orchestrator.Orchestrator
	router   *gin.Engine

	telemetryShutdown func(context.Context) error

	stop      chan struct{}
	janitor   sync.WaitGroup
	closeOnce sync.Once
}

// New builds the service. On error everything opened so far is released.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		stop:     make(chan struct{}),
	}
	if err := s.init(ctx); err != nil {
		s.Close()
		return nil, err
	}

	s.janitor.Add(1)
	go s.purgeLoop()
	if s.watcher != nil {
		s.janitor.Add(1)
		go func() {
			defer s.janitor.Done()
			// returns once Close closes the watcher
			s.watcher.Run(context.Background())
		}()
	}
	return s, nil
}

func (s *Service) init(ctx context.Context) error {
	cfg := s.cfg

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		Registerer:     s.registry,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown

	if err := s.initStorage(); err != nil {
		return err
	}

	limiter, err := s.initLimiter(ctx)
	if err != nil {
		return err
	}

	s.breakers = resilience.NewRegistry(breakerConfig(cfg.Breaker),
		resilience.WithBreakerConfigFor(resilience.DependencyEmbedding,
			breakerConfig(cfg.Breaker.Apply(cfg.Breaker.Embedding))),
		resilience.WithStateChangeHook(s.metrics.ObserveBreaker),
		resilience.WithRegistryLogger(s.logger),
	)

	client, err := s.initInference()
	if err != nil {
		return err
	}

	provider, err := s.initKnowledge()
	if err != nil {
		return err
	}

	s.builder = conversation.NewBuilder(s.store, conversation.BuilderConfig{
		RecentMessages:      cfg.Context.RecentMessages,
		MaxTopics:           cfg.Context.MaxTopics,
		MaxKeyTerms:         cfg.Context.MaxKeyTerms,
		MaxQuestions:        cfg.Context.MaxQuestions,
		MaxSummaryChars:     cfg.Context.MaxSummaryChars,
		ExpectedProjectDays: cfg.Context.ExpectedProjectDays,
	}, s.logger)

	s.cache = cache.NewResponseCache(
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithTTL(cfg.Cache.TTL),
	)

	deps := orchestrator.Dependencies{
		Limiter:   limiter,
		Builder:   s.builder,
		Store:     s.store,
		Cache:     s.cache,
		Breakers:  s.breakers,
		Inference: client,
		Knowledge: provider,
		Usage:     s.ledger,
		Metrics:   s.metrics,
		Logger:    s.logger,
	}
	if th := inference.NewThrottle(cfg.Inference.RequestsPerSecond, cfg.Inference.Burst); th != nil {
		deps.Throttle = th
	}

	s.orch, err = orchestrator.New(orchestrator.Config{
		DefaultModel:     cfg.Inference.DefaultModel,
		AllowedModels:    cfg.Inference.AllowedModels,
		MinConfidence:    cfg.Orchestrator.MinConfidence,
		ReviewConfidence: cfg.Orchestrator.ReviewConfidence,
		RequestDeadline:  cfg.Orchestrator.RequestDeadline,
		AttemptTimeout:   cfg.Inference.Timeout,
		MaxContextChars:  cfg.Context.MaxContextChars,
		CoalesceMisses:   cfg.Orchestrator.CoalesceMisses,
		RecordTurns:      cfg.Orchestrator.RecordTurns,
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			BackoffFactor:  cfg.Retry.BackoffFactor,
			JitterFactor:   cfg.Retry.JitterFactor,
		},
	}, deps)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(cfg.Telemetry.ServiceName))
	routes.SetupRoutes(s.router, routes.Deps{
		Assistant: s.orch,
		Usage:     s.ledger,
		Breakers:  s.breakers,
		Gatherer:  s.registry,
		Logger:    s.logger,

		MonthlyQuota: cfg.RateLimit.Monthly,
	})
	return nil
}

func breakerConfig(c config.BreakerConfig) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		FailureThreshold: c.FailureThreshold,
		MonitoringPeriod: c.MonitoringPeriod,
		RecoveryTimeout:  c.RecoveryTimeout,
		HalfOpenMaxCalls: c.HalfOpenMaxCalls,
	}
}

func (s *Service) initStorage() error {
	var err error
	if s.cfg.Storage.InMemory {
		s.db, err = badger.OpenInMemory()
	} else {
		bcfg := badger.DefaultConfig(s.cfg.Storage.BadgerPath)
		bcfg.Logger = s.logger
		s.db, err = badger.Open(bcfg)
	}
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	s.store = conversation.NewBadgerStore(s.db)

	s.ledger, err = usage.OpenGormLedger(s.cfg.Storage.UsageDBPath, s.logger)
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	return nil
}

func (s *Service) initLimiter(ctx context.Context) (*ratelimit.Limiter, error) {
	rl := s.cfg.RateLimit

	var store ratelimit.WindowStore
	switch rl.Backend {
	case "redis":
		client, err := ratelimit.DialRedis(ctx, rl.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect rate limit redis: %w", err)
		}
		s.redis = client
		store = ratelimit.NewRedisWindowStore(client, redisKeyPrefix)
	default:
		s.windows = ratelimit.NewMemoryWindowStore(time.Minute)
		store = s.windows
	}

	return ratelimit.NewLimiter(ratelimit.Config{
		PerMinute:     rl.PerMinute,
		Monthly:       rl.Monthly,
		Window:        time.Minute,
		QuotaCacheTTL: rl.QuotaCacheTTL,
	}, store, s.ledger,
		ratelimit.WithLogger(s.logger),
		ratelimit.WithErrorHook(s.metrics.RecordLimiterError),
	), nil
}

func (s *Service) initInference() (inference.Client, error) {
	ic := s.cfg.Inference
	httpClient := &http.Client{Timeout: ic.Timeout}

	var client inference.Client
	switch ic.Backend {
	case "http":
		client = inference.NewHTTPClient(ic.BaseURL, ic.DefaultModel, httpClient, s.logger)
	default:
		oc, err := inference.NewOpenAIClient(inference.OpenAIConfig{
			APIKey:     ic.APIKey,
			BaseURL:    ic.BaseURL,
			Model:      ic.DefaultModel,
			HTTPClient: httpClient,
			Logger:     s.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create inference client: %w", err)
		}
		client = oc
	}
	return client, nil
}

func (s *Service) initKnowledge() (*knowledge.TemplateProvider, error) {
	kc := s.cfg.Knowledge
	lib, err := knowledge.LoadLibrary(kc.TemplatesPath)
	if err != nil {
		return nil, fmt.Errorf("load knowledge library: %w", err)
	}

	opts := []knowledge.Option{knowledge.WithLogger(s.logger)}
	if url := s.cfg.Embedding.BaseURL; url != "" {
		embedder := inference.NewHTTPEmbedder(url, &http.Client{Timeout: s.cfg.Embedding.Timeout})
		opts = append(opts, knowledge.WithEmbedder(
			inference.NewGuardedEmbedder(embedder, s.breakers, resilience.DependencyEmbedding,
				inference.WithUsage(s.ledger, s.logger))))
	}
	provider := knowledge.NewTemplateProvider(lib, opts...)

	if kc.TemplatesPath != "" && kc.Watch {
		s.watcher, err = knowledge.NewWatcher(kc.TemplatesPath, provider, kc.Debounce, s.logger)
		if err != nil {
			return nil, fmt.Errorf("watch knowledge library: %w", err)
		}
	}
	return provider, nil
}

func (s *Service) purgeLoop() {
	defer s.janitor.Done()
	ticker := time.NewTicker(cachePurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.cache.PurgeExpired(); n > 0 {
				s.logger.Debug("purged expired cache entries", slog.Int("count", n))
			}
		}
	}
}

// Router returns the HTTP handler.
func (s *Service) Router() *gin.Engine { return s.router }

// Orchestrator returns the answer pipeline.
func (s *Service) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Ledger returns the usage ledger.
func (s *Service) Ledger() usage.Ledger { return s.ledger }

// Run serves HTTP on the configured address until ctx is canceled, then
// drains in-flight requests for at most the shutdown timeout.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("assistant listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down assistant")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases storage, connections and telemetry.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.watcher != nil {
			errs = append(errs, s.watcher.Close())
		}
		s.janitor.Wait()

		if s.windows != nil {
			errs = append(errs, s.windows.Close())
		}
		if s.redis != nil {
			errs = append(errs, s.redis.Close())
		}
		if s.ledger != nil {
			errs = append(errs, s.ledger.Close())
		}
		if s.db != nil {
			errs = append(errs, s.db.Close())
		}
		if s.telemetryShutdown != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, s.telemetryShutdown(ctx))
			cancel()
		}
	})
	return errors.Join(errs...)
}
