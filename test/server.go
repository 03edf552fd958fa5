package test

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sse-object-store/internal/api"
	"github.com/kenneth/sse-object-store/internal/bucket"
	"github.com/kenneth/sse-object-store/internal/config"
	"github.com/kenneth/sse-object-store/internal/crypto"
	"github.com/kenneth/sse-object-store/internal/metrics"
	"github.com/kenneth/sse-object-store/internal/middleware"
	"github.com/kenneth/sse-object-store/internal/object"
	"github.com/kenneth/sse-object-store/internal/storage"
)

// TestServer is a running object store for end-to-end tests.
type TestServer struct {
	URL    string
	Client *http.Client

	server    *http.Server
	backend   storage.Backend
	closeOnce sync.Once
}

// StartServer runs the object store over storageCfg with the full
// middleware chain. Server-managed objects are sealed with a key derived
// from masterPassword, so two servers sharing it can read each other's
// objects. keys backs the externally managed mode.
func StartServer(t *testing.T, storageCfg config.StorageConfig, masterPassword string, keys crypto.KeyManager) *TestServer {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	ctx := context.Background()
	backend, err := storage.Open(ctx, storageCfg)
	if err != nil {
		t.Fatalf("Failed to open storage backend: %v", err)
	}

	masterKey, err := crypto.DeriveMasterKey(masterPassword, "integration")
	if err != nil {
		t.Fatalf("Failed to derive master key: %v", err)
	}
	keyring, err := crypto.NewServerKeyring(masterKey)
	crypto.ZeroBytes(masterKey)
	if err != nil {
		t.Fatalf("Failed to create keyring: %v", err)
	}

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	registry := bucket.NewRegistry(backend, logger, bucket.WithMetrics(m))
	store, err := object.NewStore(registry, backend, keyring,
		crypto.WithTimeout(keys, 2*time.Second, object.KeyServiceObserver(m)),
		object.Config{MaxObjectSize: 16 << 20, DefaultExternalKeyID: "alias/integration"},
		logger, object.WithMetrics(m))
	if err != nil {
		t.Fatalf("Failed to create object store: %v", err)
	}

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	api.NewHandler(registry, store, logger, m, 16<<20).RegisterRoutes(router)

	var handler http.Handler = router
	handler = middleware.BucketValidationMiddleware(logger)(handler)
	handler = middleware.RecoveryMiddleware(logger)(handler)
	handler = middleware.LoggingMiddleware(logger, &config.LoggingConfig{AccessLogFormat: "json"})(handler)
	handler = middleware.SecurityHeadersMiddleware()(handler)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		backend.Close()
		t.Fatalf("Failed to listen: %v", err)
	}

	ts := &TestServer{
		URL:     "http://" + listener.Addr().String(),
		Client:  &http.Client{Timeout: 30 * time.Second},
		server:  &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		backend: backend,
	}
	go ts.server.Serve(listener)

	t.Cleanup(ts.Close)
	return ts
}

// Close stops the server and releases the backend. It is safe to call twice.
func (s *TestServer) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
		s.backend.Close()
	})
}
