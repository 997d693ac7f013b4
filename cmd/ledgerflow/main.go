package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	app "github.com/quartermile/ledgerflow"
	"github.com/quartermile/ledgerflow/internal/adapters"
	"github.com/quartermile/ledgerflow/internal/blobstore"
	"github.com/quartermile/ledgerflow/internal/bus"
	"github.com/quartermile/ledgerflow/internal/config"
	"github.com/quartermile/ledgerflow/internal/engine"
	"github.com/quartermile/ledgerflow/internal/server"
	"github.com/quartermile/ledgerflow/internal/store"
	"github.com/quartermile/ledgerflow/internal/workflows"
	"github.com/quartermile/ledgerflow/pkg/api"
	"github.com/quartermile/ledgerflow/pkg/log"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerflow struct {
	cfg        *config.Config
	store      store.Store
	blobs      *blobstore.Store
	bus        *bus.Bus
	registry   *engine.Registry
	metrics    *engine.Metrics
	gatherer   *prometheus.Registry
	engine     *engine.Engine
	apiServer  *server.Server
	httpServer *http.Server
	cancel     context.CancelFunc
	quit       chan os.Signal
}

var (
	ErrOpenBlobStore  = errors.New("failed to open blob store")
	ErrStoreUnreached = errors.New("store is unreachable")
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	s := &ledgerflow{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		os.Exit(1)
	}
}

func (s *ledgerflow) run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	defer cancel()

	if err := s.initializeStores(ctx); err != nil {
		return err
	}

	if err := s.initializeEngine(ctx); err != nil {
		return err
	}
	s.startServer()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *ledgerflow) setupLogging() {
	level, ok := logLevels[s.cfg.LogLevel]
	if !ok {
		level = slog.LevelInfo
	}

	env := os.Getenv("ENV")
	logger := log.NewWithLevel(app.Name, env, app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("LedgerFlow worker starting",
		slog.String("log_level", s.cfg.LogLevel))

	slog.Info("Configuration loaded",
		slog.String("store_driver", storeDriver()),
		slog.String("redis_addr", s.cfg.RedisAddr),
		slog.String("blob_bucket_url", s.cfg.BlobBucketURL),
		slog.String("api_host", s.cfg.APIHost),
		slog.Int("api_port", s.cfg.APIPort))
}

// storeDriver selects the event and state store backend. Redis is the
// production default; memory serves local development and tests.
func storeDriver() string {
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		return driver
	}
	return "redis"
}

func (s *ledgerflow) initializeStores(ctx context.Context) error {
	if storeDriver() == "memory" {
		s.store = store.NewMemoryStore()
	} else {
		s.store = store.NewRedisStore(
			s.cfg.RedisAddr, s.cfg.RedisPassword,
			s.cfg.RedisDB, s.cfg.RedisPrefix,
		)
	}
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnreached, err)
	}

	blobs, err := blobstore.Open(
		ctx, s.cfg.BlobBucketURL, s.cfg.PublicBaseURL,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenBlobStore, err)
	}
	s.blobs = blobs

	return nil
}

func (s *ledgerflow) initializeEngine(ctx context.Context) error {
	logger := slog.Default()
	s.bus = bus.New(s.store, s.cfg.IdempotencyWindow, logger)
	s.gatherer = prometheus.NewRegistry()
	s.metrics = engine.NewMetrics(s.gatherer)

	s.registry = engine.NewRegistry()
	workflows.RegisterAll(s.registry, &workflows.Deps{
		Store: s.store,
		Blobs: s.blobs,
		Rates: s.rateFetcher(logger),
		Email: s.emailSender(logger),
		Pdf:   s.pdfRenderer(logger),
		Cfg:   s.cfg,
	})

	eng, err := engine.New(
		s.cfg, s.store, s.bus, s.registry,
		logger, engine.SystemClock, s.metrics,
	)
	if err != nil {
		return err
	}
	s.engine = eng
	s.engine.Start(ctx)
	return nil
}

func (s *ledgerflow) rateFetcher(logger *slog.Logger) adapters.FxRateFetcher {
	client := &http.Client{Timeout: s.cfg.HTTPTimeout}
	return adapters.NewChainRateFetcher(
		adapters.NewHTTPRateFetcher(
			client, s.cfg.FxPrimaryURL, api.FxSourcePrimary,
		),
		adapters.NewHTTPRateFetcher(
			client, s.cfg.FxFallbackURL, api.FxSourceFallback,
		),
		logger,
	)
}

func (s *ledgerflow) emailSender(logger *slog.Logger) adapters.EmailSender {
	if s.cfg.EmailAPIURL == "" {
		logger.Warn("EMAIL_API_URL not set, emails are recorded in memory")
		return &adapters.MemoryEmailSender{}
	}
	return adapters.NewHTTPEmailSender(
		&http.Client{Timeout: s.cfg.HTTPTimeout},
		s.cfg.EmailAPIURL, s.cfg.EmailAPIKey, s.cfg.EmailFrom,
	)
}

func (s *ledgerflow) pdfRenderer(logger *slog.Logger) adapters.PdfRenderer {
	if s.cfg.PdfRenderURL == "" {
		logger.Warn("PDF_RENDER_URL not set, using built-in renderer")
		return &adapters.StaticPdfRenderer{}
	}
	return adapters.NewHTTPPdfRenderer(
		&http.Client{Timeout: s.cfg.HTTPTimeout},
		s.cfg.PdfRenderURL,
	)
}

func (s *ledgerflow) startServer() {
	s.apiServer = server.NewServer(
		s.bus, s.store, s.registry, s.cfg, s.gatherer,
	)
	mux := s.apiServer.SetupRoutes()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler: mux,
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", log.Error(err))
		}
	}()
}

func (s *ledgerflow) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}

	s.apiServer.CloseWebSockets()
	s.engine.Stop()
	s.cancel()

	if err := s.blobs.Close(); err != nil {
		slog.Error("Blob store close failed", log.Error(err))
	}
	if err := s.store.Close(); err != nil {
		slog.Error("Store close failed", log.Error(err))
	}

	slog.Info("Worker exited")
}
