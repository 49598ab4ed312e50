package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"icreserve/native/issuance"
	"icreserve/native/kyc"
	"icreserve/observability"
	"icreserve/services/icd/idempotency"
	"icreserve/services/icd/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	RateLimit     RateLimit
	// Idempotency enables Idempotency-Key replay on issuance mutations when
	// set.
	Idempotency    *idempotency.Store
	IdempotencyTTL time.Duration
}

// Server hosts the admin API for the issuance engine.
type Server struct {
	cfg        Config
	controller *issuance.Controller
	allowlist  *kyc.Allowlist
	storage    *storage.Storage
	auth       *Authenticator
	limiter    *RateLimiter
	idem       *idempotencyGuard
	logger     *slog.Logger
}

// New constructs a new HTTP server.
func New(cfg Config, controller *issuance.Controller, allowlist *kyc.Allowlist, store *storage.Storage, auth *Authenticator, logger *slog.Logger) (*Server, error) {
	if controller == nil {
		return nil, fmt.Errorf("issuance controller required")
	}
	if allowlist == nil {
		return nil, fmt.Errorf("kyc allowlist required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if auth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		controller: controller,
		allowlist:  allowlist,
		storage:    store,
		auth:       auth,
		limiter:    NewRateLimiter(cfg.RateLimit),
		idem:       newIdempotencyGuard(cfg.Idempotency, cfg.IdempotencyTTL, logger),
		logger:     logger,
	}, nil
}

// Handler builds the routed handler tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.limiter.Middleware)

		v1.Group(func(read chi.Router) {
			read.Use(s.auth.Require(ScopeRead))
			read.Get("/reserves", s.handleReserveInfo)
			read.Get("/reserves/available", s.handleAvailableReserves)
			read.Get("/ic/value", s.handleCurrentValue)
			read.Get("/ic/quote", s.handleQuote)
			read.Get("/supply", s.handleSupply)
			read.Get("/accounts/{account}", s.handleAccount)
			read.Get("/emergency/state", s.handleEmergencyState)
			read.Get("/oracle/{asset}", s.handleOracleSnapshot)
			read.Get("/events", s.handleEvents)
		})
		v1.With(s.auth.Require(ScopeIssue), s.idem.Middleware).Post("/issuance/mint", s.handleMint)
		v1.With(s.auth.Require(ScopeIssue), s.idem.Middleware).Post("/issuance/redeem", s.handleRedeem)
		v1.With(s.auth.Require(ScopeIssue), s.idem.Middleware).Post("/issuance/transfer", s.handleTransfer)
		v1.With(s.auth.Require(ScopeReserves), s.idem.Middleware).Post("/reserves/premint", s.handlePreMint)
		v1.With(s.auth.Require(ScopeEmergency)).Post("/emergency/sign", s.handleEmergencySign)
		v1.With(s.auth.Require(ScopeEmergency)).Post("/emergency/expire", s.handleEmergencyExpire)
		v1.With(s.auth.Require(ScopeKYC)).Post("/kyc/approve", s.handleKYCApprove)
		v1.With(s.auth.Require(ScopeKYC)).Post("/kyc/revoke", s.handleKYCRevoke)
	})
	return otelhttp.NewHandler(r, "icd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown", slog.Any("error", err))
		}
	}()
	s.logger.Info("http server listening", slog.String("addr", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	// in-flight handlers may still be committing until Shutdown returns
	<-stopped
	return nil
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		observability.ModuleMetrics().Observe("icd", r.Method+" "+route, rec.status, time.Since(start))
		if rec.status >= http.StatusInternalServerError {
			s.logger.Error("request failed",
				slog.String("request_id", requestID(r.Context())),
				slog.String("route", route),
				slog.Int("status", rec.status))
		}
	})
}
