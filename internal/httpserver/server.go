// Package httpserver exposes the credit ledger and metered generation over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/tokligence/tokligence-credits/internal/auth"
	"github.com/tokligence/tokligence-credits/internal/generation"
	"github.com/tokligence/tokligence-credits/internal/health"
	"github.com/tokligence/tokligence-credits/internal/ledger"
	"github.com/tokligence/tokligence-credits/internal/metering"
	"github.com/tokligence/tokligence-credits/internal/metrics"
	"github.com/tokligence/tokligence-credits/internal/ratelimit"
	"github.com/tokligence/tokligence-credits/internal/version"
)

const (
	defaultGenerationTimeout = 60 * time.Second
	maxBodyBytes             = 1 << 20
	userHeader               = "X-User-ID"
	idempotencyHeader        = "Idempotency-Key"
)

// Config wires the server's collaborators.
type Config struct {
	Ledger    *ledger.Service
	Meter     *metering.Meter
	Generator generation.Generator
	// Admins decides who may call the /admin endpoints.
	Admins       ledger.ExemptChecker
	Auth         *auth.Manager
	AuthDisabled bool
	Metrics      *metrics.Collector
	Health       *health.Checker
	// RateLimiter throttles the generation routes per user; nil disables it.
	RateLimiter *ratelimit.Limiter
	Logger      *zap.Logger

	GenerationCost    int64
	GenerationTimeout time.Duration
}

// Server serves the credits API.
type Server struct {
	ledger       *ledger.Service
	meter        *metering.Meter
	generator    generation.Generator
	admins       ledger.ExemptChecker
	auth         *auth.Manager
	authDisabled bool
	metrics      *metrics.Collector
	health       *health.Checker
	limiter      *ratelimit.Limiter
	logger       *zap.Logger
	cost         int64
	genTimeout   time.Duration
	started      time.Time
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = defaultGenerationTimeout
	}
	meter := cfg.Meter
	if meter == nil && cfg.Ledger != nil {
		meter = metering.NewMeter(cfg.Ledger, metering.WithLogger(logger))
	}
	return &Server{
		ledger:       cfg.Ledger,
		meter:        meter,
		generator:    cfg.Generator,
		admins:       cfg.Admins,
		auth:         cfg.Auth,
		authDisabled: cfg.AuthDisabled,
		metrics:      cfg.Metrics,
		health:       cfg.Health,
		limiter:      cfg.RateLimiter,
		logger:       logger,
		cost:         cfg.GenerationCost,
		genTimeout:   timeout,
		started:      time.Now(),
	}
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := s.newBaseRouter()
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.sessionMiddleware)
		api.Get("/credits", s.handleBalance)
		api.Get("/credits/history", s.handleHistory)
		api.Group(func(metered chi.Router) {
			metered.Use(ratelimit.NewMiddleware(s.limiter, func(r *http.Request) string {
				return userFromContext(r.Context())
			}, s.logger).Wrap)
			metered.Post("/generate", s.handleGenerate)
			metered.Post("/sessions/{sessionID}/generate", s.handleSessionGenerate)
		})
		api.Get("/sessions/{sessionID}/entitlement", s.handleSessionEntitlement)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.sessionMiddleware, s.adminMiddleware)
		admin.Post("/credits/grant", s.handleAdminGrant)
		admin.Post("/entitlements/grant", s.handleAdminEntitlementGrant)
		admin.Get("/users/{userID}/credits", s.handleAdminBalance)
	})
	return r
}

func (s *Server) newBaseRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	return r
}

// requestLogger logs each request and feeds the HTTP metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if s.metrics != nil {
			s.metrics.RecordRequestStart(r.Method)
			defer s.metrics.RecordRequestEnd(r.Method)
		}
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordRequest(route, status, elapsed)
		}
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type userContextKey struct{}

// sessionMiddleware resolves the calling user from a bearer token, or from
// the X-User-ID header when auth is disabled.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.authenticateRequest(r)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, err)
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticateRequest(r *http.Request) (string, error) {
	if s.authDisabled {
		if id := strings.TrimSpace(r.Header.Get(userHeader)); id != "" {
			return id, nil
		}
		return "", errors.New("missing " + userHeader + " header")
	}
	if s.auth == nil {
		return "", errors.New("authentication unavailable")
	}
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return s.auth.ValidateToken(token)
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.admins == nil {
			s.respondError(w, http.StatusForbidden, errors.New("admin access not configured"))
			return
		}
		ok, err := s.admins.IsExempt(r.Context(), userFromContext(r.Context()))
		if err != nil {
			s.logger.Error("admin policy lookup failed", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, errors.New("admin policy unavailable"))
			return
		}
		if !ok {
			s.respondError(w, http.StatusForbidden, errors.New("admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userContextKey{}).(string)
	return id
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// handleHealth reports liveness, plus dependency status when a checker is
// configured. An unreachable ledger turns the reply into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"time":           time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.generator != nil {
		payload["provider"] = s.generator.Name()
	}
	status := http.StatusOK
	if s.health != nil {
		report := s.health.Check(r.Context())
		payload["status"] = report.Status
		payload["components"] = report.Components
		if report.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, status, payload)
}
