// Package api provides the HTTP REST API for v6ledger: the reconciliation
// write endpoints, the read-only inventory views, health and metrics.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/v6ledger/internal/api/handlers"
	"github.com/anstrom/v6ledger/internal/api/middleware"
	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/logging"
	"github.com/anstrom/v6ledger/internal/metrics"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	maxHeaderBytes         = 1 << 20 // 1 MB
)

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
	config     *config.Config
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	handlers   *apihandlers.HandlerManager
}

// New creates a new API server instance. A nil pm falls back to the global
// metrics instance.
func New(
	cfg *config.Config,
	database *db.DB,
	reconciler apihandlers.Reconciler,
	pm *metrics.PrometheusMetrics,
	logger *logging.Logger,
) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("api server requires a configuration")
	}
	if database == nil {
		return nil, fmt.Errorf("api server requires a database")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("api server requires a reconciler")
	}
	if pm == nil {
		pm = metrics.GetGlobalMetrics()
	}
	if logger == nil {
		logger = logging.Default()
	}

	s := &Server{
		router:  mux.NewRouter(),
		config:  cfg,
		logger:  logger.WithComponent("api"),
		metrics: pm,
		handlers: apihandlers.New(apihandlers.Dependencies{
			Database:       database,
			Reconciler:     reconciler,
			Inventory:      db.NewInventoryRepository(database),
			MaxRequestSize: cfg.API.MaxRequestSize,
		}, logger),
	}

	s.setupRoutes()
	s.handler = s.setupMiddleware()

	s.httpServer = &http.Server{
		Addr:           net.JoinHostPort(cfg.API.ListenAddr, strconv.Itoa(cfg.API.Port)),
		Handler:        s.handler,
		ReadTimeout:    cfg.API.ReadTimeout,
		WriteTimeout:   cfg.API.WriteTimeout,
		IdleTimeout:    cfg.API.IdleTimeout,
		MaxHeaderBytes: maxHeaderBytes,
	}

	return s, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("Starting API server",
		"address", listener.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err, ok := <-errChan:
		if !ok {
			return nil
		}
		return err
	}
}

// Stop gracefully stops the API server. In-flight reconciliations keep
// running to completion regardless, so the timeout only bounds how long
// the listener waits for their responses.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	timeout := s.config.API.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	hm := s.handlers
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", hm.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", hm.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", hm.Version).Methods(http.MethodGet)

	// Reconciliation
	api.HandleFunc("/reconcile/vulnerabilities", hm.ReconcileVulnerabilities).Methods(http.MethodPost)
	api.HandleFunc("/reconcile/protocols", hm.ReconcileProtocols).Methods(http.MethodPost)
	api.HandleFunc("/reconcile/iid-types", hm.ReconcileIIDTypes).Methods(http.MethodPost)
	api.HandleFunc("/addresses/import", hm.ImportAddresses).Methods(http.MethodPost)
	api.HandleFunc("/addresses/delete", hm.DeleteAddresses).Methods(http.MethodPost)

	// Statistics and reference listings
	api.HandleFunc("/stats", hm.Stats).Methods(http.MethodGet)
	api.HandleFunc("/stats/countries", hm.CountryStats).Methods(http.MethodGet)
	api.HandleFunc("/stats/vulnerabilities", hm.VulnerabilityStats).Methods(http.MethodGet)
	api.HandleFunc("/types/vulnerabilities", hm.VulnerabilityTypes).Methods(http.MethodGet)
	api.HandleFunc("/types/protocols", hm.ProtocolTypes).Methods(http.MethodGet)
	api.HandleFunc("/types/iid", hm.IIDTypes).Methods(http.MethodGet)

	// Browsing and search
	api.HandleFunc("/countries/{countryId}/asns", hm.ASNsByCountry).Methods(http.MethodGet)
	api.HandleFunc("/asns/{asn}/prefixes", hm.PrefixesByASN).Methods(http.MethodGet)
	api.HandleFunc("/search/asns", hm.SearchASNs).Methods(http.MethodGet)
	api.HandleFunc("/search/prefixes", hm.SearchPrefixes).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetRegistry(), promhttp.HandlerOpts{
		ErrorLog: promLogger{s.logger},
	})).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusNotFound, "resource not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// setupMiddleware configures middleware for the API server. Route-level
// middleware only runs for matched routes; CORS wraps the whole router so
// preflight requests are answered for every path.
func (s *Server) setupMiddleware() http.Handler {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery(s.logger))
	if s.config.Logging.RequestLogging {
		s.router.Use(middleware.Logging(s.logger))
	}
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.SecurityHeaders())
	s.router.Use(middleware.ContentType())

	var handler http.Handler = s.router
	if cors := s.config.API.CORS; cors.Enabled {
		handler = handlers.CORS(
			handlers.AllowedOrigins(cors.AllowedOrigins),
			handlers.AllowedMethods(cors.AllowedMethods),
			handlers.AllowedHeaders(cors.AllowedHeaders),
			handlers.ExposedHeaders([]string{middleware.RequestIDHeader}),
		)(handler)
	}
	return handler
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// promLogger adapts the structured logger to promhttp's error log.
type promLogger struct {
	logger *logging.Logger
}

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error("Metrics handler error", "detail", fmt.Sprint(v...))
}
