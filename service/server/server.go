// Package server exposes the wallet over HTTP: invoice issuance, payment
// sending, transaction lookups, the balance, and a live SSE event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/satferry/satferry/service/broadcast"
	"github.com/satferry/satferry/service/db"
	"github.com/satferry/satferry/service/lnd"
	"github.com/satferry/satferry/service/metrics"
)

// TransactionReader is the read-only store surface the handlers need.
type TransactionReader interface {
	GetTransaction(ctx context.Context, kind db.Kind, hash string) (*db.Transaction, error)
	ListTransactions(ctx context.Context, limit, offset int32) ([]*db.Transaction, error)
	GetBalance(ctx context.Context) (*db.Balance, error)
}

// PaymentExecutor sends an outbound payment and reports the recorded outcome.
type PaymentExecutor interface {
	Pay(ctx context.Context, paymentRequest string) (*db.Transaction, error)
}

// Server represents the HTTP server for the wallet service.
type Server struct {
	addr     string
	store    TransactionReader
	issuer   lnd.InvoiceIssuer
	payer    PaymentExecutor
	hub      *broadcast.Hub
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The hub is optional - if nil, the SSE endpoint won't be available.
// The metrics and registry are optional - if nil, the metrics endpoint and
// per-handler instrumentation are disabled.
func New(addr string, store TransactionReader, issuer lnd.InvoiceIssuer, payer PaymentExecutor, hub *broadcast.Hub, registry *prometheus.Registry, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:     addr,
		store:    store,
		issuer:   issuer,
		payer:    payer,
		hub:      hub,
		registry: registry,
		metrics:  m,
		logger:   logger,
	}
}

// Handler builds the full route table. Exposed separately from Start so
// tests can drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/invoice", s.instrument("create_invoice", handleCreateInvoice(s.issuer, s.logger)))
	mux.Handle("GET /api/invoice/{hash}", s.instrument("get_invoice", handleGetTransaction(s.store, db.KindInvoice, s.logger)))
	mux.Handle("POST /api/payment", s.instrument("pay", handlePay(s.payer, s.logger)))
	mux.Handle("GET /api/payment/{hash}", s.instrument("get_payment", handleGetTransaction(s.store, db.KindPayment, s.logger)))
	mux.Handle("GET /api/transactions", s.instrument("list_transactions", handleListTransactions(s.store, s.logger)))
	mux.Handle("GET /api/balance", s.instrument("get_balance", handleGetBalance(s.store, s.logger)))

	// SSE streaming endpoint (if the event hub is configured)
	if s.hub != nil {
		mux.Handle("GET /events", handleStreamEvents(s.hub, s.logger))
	} else {
		s.logger.Warn("event hub not configured, SSE endpoint disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: /events connections are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the hub first so SSE handlers see end-of-stream and return.
	if s.hub != nil {
		s.hub.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) instrument(name string, next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(next)
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
