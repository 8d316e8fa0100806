// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay assembles the streaming chat relay service.
//
// New wires the message store, upstream client, model selector, attachment
// resolver, telemetry and HTTP routes from a config.Config. Run serves until
// the context is cancelled or SIGINT/SIGTERM arrives, then drains in-flight
// streams.
//
// # Enterprise Integration
//
// Authentication and audit are injected through extensions.ServiceOptions:
//
//	opts := extensions.DefaultOptions().WithAuth(myProvider)
//	svc, err := relay.New(cfg, &opts, logger)
//
// With nil options, a configured token table enables
// StaticTokenAuthProvider and audit events go to the service logger.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/llm"
	"github.com/AleutianAI/AleutianRelay/services/relay/attachments"
	"github.com/AleutianAI/AleutianRelay/services/relay/chat"
	"github.com/AleutianAI/AleutianRelay/services/relay/config"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/middleware"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/routes"
	"github.com/AleutianAI/AleutianRelay/services/relay/routing"
	"github.com/AleutianAI/AleutianRelay/services/relay/store"
	"github.com/AleutianAI/AleutianRelay/services/relay/streaming"
)

// ServiceName labels the gin tracing middleware and the OTel meter.
const ServiceName = "aleutian-relay"

// cleanupTimeout bounds telemetry flush and audit flush at shutdown.
const cleanupTimeout = 5 * time.Second

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the relay service lifecycle.
//
// # Thread Safety
//
// Run must be called at most once. Router may be used concurrently with
// Run. Close is idempotent.
type Service interface {
	// Run serves HTTP until ctx is done or a shutdown signal arrives, waits
	// up to the configured shutdown timeout for open streams, then releases
	// every resource.
	Run(ctx context.Context) error

	// Router returns the configured engine, for tests.
	Router() *gin.Engine

	// Close releases resources without serving. Run calls it on exit.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	cfg    *config.Config
	opts   extensions.ServiceOptions
	logger *slog.Logger

	registry *prometheus.Registry
	router   *gin.Engine
	store    store.MessageStore
	selector *routing.RuleSelector
	watcher  *config.Watcher
	resolver attachments.Resolver

	telemetryShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// New wires the relay service from cfg.
//
// # Description
//
//  1. Installs telemetry and the Prometheus registry.
//  2. Opens the configured message store.
//  3. Creates the upstream client, model selector and attachment resolver.
//  4. Starts the config watcher when cfg was loaded from a file.
//  5. Builds the router with tracing, auth and rate limiting.
//
// Any failure releases what was already opened.
//
// # Inputs
//
//   - cfg: Validated configuration from config.Load.
//   - opts: Extension points. Nil uses the defaults described in the
//     package documentation.
//   - logger: Service logger. Nil uses slog.Default().
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: A backend or exporter could not be initialized.
func New(cfg *config.Config, opts *extensions.ServiceOptions, logger *slog.Logger) (Service, error) {
	if cfg == nil {
		return nil, errors.New("relay: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &service{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	var err error
	s.opts, err = resolveOptions(cfg, opts, logger)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := s.initTelemetry(ctx); err != nil {
		return nil, err
	}

	s.store, err = openStore(ctx, cfg.Store, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open message store: %w", err)
	}

	upstream, err := llm.NewOpenAICompatibleClient(llm.Config{
		URL:                 cfg.Upstream.URL,
		APIKey:              cfg.Upstream.APIKey,
		ProviderName:        cfg.Upstream.ProviderName,
		UpstreamTimeout:     cfg.Upstream.Timeout,
		DefaultSystemPrompt: cfg.Upstream.SystemPrompt,
		Defaults:            cfg.GenerationDefaults(),
		Logger:              logger,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize upstream client: %w", err)
	}
	if cfg.Upstream.APIKey == "" {
		logger.Warn("No upstream API key configured", "env", config.EnvAPIKey)
	}

	s.selector, err = routing.NewRuleSelector(cfg.Routing, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.resolver, err = newResolver(ctx, cfg.Attachments, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to initialize attachment resolver: %w", err)
	}

	if cfg.Path != "" {
		s.watcher, err = config.NewWatcher(cfg.Path, s.selector, logger)
		if err != nil {
			logger.Warn("Routing hot reload disabled", "path", cfg.Path, "error", err)
		}
	}

	instruments, err := observability.NewInstruments(otel.Meter(ServiceName))
	if err != nil {
		s.Close()
		return nil, err
	}
	metrics := observability.NewRelayMetrics(s.registry)

	rl := chat.NewRelay(chat.Deps{
		Store:       s.store,
		Upstream:    upstream,
		Selector:    s.selector,
		Resolver:    s.resolver,
		Metrics:     metrics,
		Instruments: instruments,
		Logger:      logger,
	}, cfg.RelayLimits())

	s.initRouter(rl, metrics)

	logger.Info("Relay service initialized",
		"store", cfg.Store.Backend,
		"upstream", cfg.Upstream.ProviderName,
		"default_model", cfg.Routing.DefaultModel,
		"auth", fmt.Sprintf("%T", s.opts.AuthProvider),
		"rate_limit_rps", cfg.RateLimit.RPS,
	)
	return s, nil
}

// Run serves on the configured port.
func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.Close()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	return s.serve(ctx, ln)
}

func (s *service) serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting relay server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.watcher != nil {
		g.Go(func() error {
			s.watcher.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down relay server", "timeout", s.cfg.Server.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Open streams did not finish before the shutdown timeout", "error", err)
			return srv.Close()
		}
		return nil
	})

	return g.Wait()
}

func (s *service) Router() *gin.Engine {
	return s.router
}

// Close stops the watcher, flushes telemetry and audit, closes the store
// and resolver, and wipes locked memory.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()

		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop config watcher: %w", err))
			}
		}
		if s.opts.AuditLogger != nil {
			if err := s.opts.AuditLogger.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("flush audit: %w", err))
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		if c, ok := s.resolver.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close resolver: %w", err))
			}
		}
		if s.telemetryShutdown != nil {
			if err := s.telemetryShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
			}
		}
		streaming.PurgeSecureMemory()

		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Warn("Relay cleanup finished with errors", "error", s.closeErr)
		}
	})
	return s.closeErr
}

// =============================================================================
// Initialization
// =============================================================================

func resolveOptions(cfg *config.Config, opts *extensions.ServiceOptions, logger *slog.Logger) (extensions.ServiceOptions, error) {
	var out extensions.ServiceOptions
	if opts != nil {
		out = *opts
	}
	if out.AuthProvider == nil && cfg.Auth.Tokens != "" {
		provider, err := extensions.NewStaticTokenAuthProvider(cfg.Auth.Tokens)
		if err != nil {
			return out, fmt.Errorf("failed to load auth tokens: %w", err)
		}
		out.AuthProvider = provider
	}
	if out.AuditLogger == nil {
		out.AuditLogger = extensions.NewSlogAuditLogger(logger)
	}
	return out.Normalize(), nil
}

func (s *service) initTelemetry(ctx context.Context) error {
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tcfg := s.cfg.Telemetry
	if tcfg.ServiceName == "" {
		tcfg.ServiceName = ServiceName
	}
	shutdown, err := observability.Init(ctx, tcfg, s.registry, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	s.telemetryShutdown = shutdown
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.MessageStore, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		bc := store.DefaultBadgerConfig(expandPath(cfg.BadgerPath))
		bc.GCInterval = cfg.BadgerGCInterval
		bc.Logger = logger
		return store.OpenBadgerStore(bc)

	case config.BackendWeaviate:
		return store.NewWeaviateStore(ctx, store.WeaviateConfig{
			URL:       strings.Trim(cfg.WeaviateURL, "\"' "),
			APIKey:    cfg.WeaviateAPIKey,
			ClassName: cfg.WeaviateClass,
			Logger:    logger,
		})

	default:
		logger.Info("Using in-memory message store; history is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func newResolver(ctx context.Context, cfg config.AttachmentsConfig, logger *slog.Logger) (attachments.Resolver, error) {
	if cfg.Bucket == "" {
		return attachments.ReferenceResolver{}, nil
	}
	return attachments.NewGCSResolver(ctx, attachments.GCSConfig{
		Bucket:          cfg.Bucket,
		CredentialsFile: cfg.CredentialsFile,
		SignedURLTTL:    cfg.SignedURLTTL,
		Logger:          logger,
	})
}

func (s *service) initRouter(rl *chat.Relay, metrics *observability.RelayMetrics) {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(ServiceName))

	var limiter *middleware.RateLimiter
	if s.cfg.RateLimit.RPS > 0 {
		limiter = middleware.NewRateLimiter(s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst)
	}

	routes.SetupRoutes(router, routes.Deps{
		Chat: handlers.NewChatHandler(rl, metrics, s.opts.AuditLogger, s.logger, handlers.ChatHandlerConfig{
			MaxBodyBytes:      s.cfg.Server.MaxBodyBytes,
			HeartbeatInterval: s.cfg.Server.HeartbeatInterval,
		}),
		Messages: handlers.NewMessagesHandler(s.store, metrics, s.opts.AuditLogger, s.logger),
		Auth:     s.opts.AuthProvider,
		Limiter:  limiter,
		Gatherer: s.registry,
		Logger:   s.logger,
	})
	s.router = router
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

var _ Service = (*service)(nil)
