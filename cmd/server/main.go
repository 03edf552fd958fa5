package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sse-object-store/internal/api"
	"github.com/kenneth/sse-object-store/internal/audit"
	"github.com/kenneth/sse-object-store/internal/bucket"
	"github.com/kenneth/sse-object-store/internal/cache"
	"github.com/kenneth/sse-object-store/internal/config"
	"github.com/kenneth/sse-object-store/internal/crypto"
	"github.com/kenneth/sse-object-store/internal/metrics"
	"github.com/kenneth/sse-object-store/internal/middleware"
	"github.com/kenneth/sse-object-store/internal/object"
	"github.com/kenneth/sse-object-store/internal/storage"
	"github.com/kenneth/sse-object-store/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	applyLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting SSE object store")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector(ctx, 15*time.Second)

	if cfg.Tracing.ServiceVersion == "" || cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up tracing")
	}

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open storage backend")
	}
	logger.WithField("backend", cfg.Storage.Backend).Info("Storage backend opened")

	if cfg.Cache.Enabled {
		objectCache := cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
		backend = storage.NewCachedBackend(backend, objectCache, cfg.Cache.DefaultTTL, logger)
		logger.WithFields(logrus.Fields{
			"max_size":    cfg.Cache.MaxSize,
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Record cache enabled")
	}

	keyring, err := newKeyring(cfg.Encryption, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize server keyring")
	}

	keyService, err := crypto.NewKeyManager(ctx, cfg.Encryption.KeyService)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create key service client")
	}
	keys := crypto.WithTimeout(keyService, cfg.Encryption.KeyService.Timeout, object.KeyServiceObserver(m))
	logger.WithFields(logrus.Fields{
		"provider": keys.Provider(),
		"timeout":  cfg.Encryption.KeyService.Timeout,
	}).Info("Key service client initialized")

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	} else {
		auditLogger = audit.NewLogger(0, nil)
	}

	registry := bucket.NewRegistry(backend, logger, bucket.WithMetrics(m), bucket.WithAudit(auditLogger))
	store, err := object.NewStore(registry, backend, keyring, keys, object.Config{
		MaxObjectSize:        cfg.Objects.MaxObjectSize,
		DeleteConcurrency:    cfg.Objects.DeleteConcurrency,
		DefaultExternalKeyID: cfg.Encryption.KeyService.DefaultKeyID,
	}, logger, object.WithMetrics(m), object.WithAudit(auditLogger))
	if err != nil {
		logger.WithError(err).Fatal("Failed to create object store")
	}

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	api.NewHandler(registry, store, logger, m, cfg.Objects.MaxObjectSize).RegisterRoutes(router)

	var httpHandler http.Handler = router
	httpHandler = middleware.BucketValidationMiddleware(logger)(httpHandler)
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	if cfg.Tracing.Enabled {
		httpHandler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(httpHandler)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				m.IncrementActiveConnections()
			case http.StateHijacked, http.StateClosed:
				m.DecrementActiveConnections()
			}
		},
	}

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Configuration reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(_, next *config.Config) error {
			applyLogLevel(logger, next.LogLevel)
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-serverErr:
		logger.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
	if err := keys.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to close key service client")
	}
	if err := backend.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close storage backend")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

// newKeyring builds the server-managed keyring from the configured master
// key, or a random one whose objects do not survive a restart.
func newKeyring(cfg config.EncryptionConfig, logger *logrus.Logger) (*crypto.ServerKeyring, error) {
	masterKey, err := crypto.LoadMasterKey(cfg.MasterPassword, cfg.MasterKeyFile, cfg.MasterKeySalt)
	if err != nil {
		return nil, err
	}
	if masterKey == nil {
		logger.Warn("No master key configured; server-managed objects will be unreadable after restart")
		return crypto.NewRandomServerKeyring()
	}
	defer crypto.ZeroBytes(masterKey)
	return crypto.NewServerKeyring(masterKey)
}

func applyLogLevel(logger *logrus.Logger, value string) {
	level, err := logrus.ParseLevel(value)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
