package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/softdial/softdial/internal/api/middleware"
	"github.com/softdial/softdial/internal/callflow"
	"github.com/softdial/softdial/internal/database"
)

// CallController is the slice of the call-flow engine the HTTP layer needs.
type CallController interface {
	PlaceCall(ctx context.Context, number string) error
	HangUp() error
	SendDTMF(digit rune) error
	TriggerManualReconnect()
	Snapshot() callflow.Snapshot
}

// DeviceReporter receives microphone permission state from the web client.
type DeviceReporter interface {
	Report(granted bool, errorKind string)
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	controller CallController
	device     DeviceReporter
	records    database.CallRecordRepository
	rates      database.RateRepository
	users      database.AdminUserRepository
	sysConfig  database.SystemConfigRepository
	jwtSecret  []byte
	logger     *slog.Logger

	apiLimiter   *middleware.IPRateLimiter
	loginLimiter *middleware.IPRateLimiter
}

// Config bundles the server's dependencies.
type Config struct {
	Controller  CallController
	Device      DeviceReporter
	Records     database.CallRecordRepository
	Rates       database.RateRepository
	Users       database.AdminUserRepository
	SysConfig   database.SystemConfigRepository
	JWTSecret   []byte
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg Config) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		controller:   cfg.Controller,
		device:       cfg.Device,
		records:      cfg.Records,
		rates:        cfg.Rates,
		users:        cfg.Users,
		sysConfig:    cfg.SysConfig,
		jwtSecret:    cfg.JWTSecret,
		logger:       cfg.Logger.With("subsystem", "api"),
		apiLimiter:   middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		loginLimiter: middleware.NewIPRateLimiter(middleware.LoginRateLimitConfig()),
	}

	s.routes(cfg.CORSOrigins)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Stop terminates the rate limiter cleanup goroutines.
func (s *Server) Stop() {
	s.apiLimiter.Stop()
	s.loginLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(corsOrigins []string) {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(middleware.CORS(corsOrigins))
	}
	r.Use(middleware.RateLimit(s.apiLimiter))

	// API routes under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.loginLimiter))
			r.Post("/auth/login", s.handleLogin)
		})

		// Dialer routes require a valid session token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.jwtSecret))

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)

			r.Route("/call", func(r chi.Router) {
				r.Post("/", s.handlePlaceCall)
				r.Post("/hangup", s.handleHangUp)
				r.Post("/dtmf", s.handleSendDTMF)
				r.Get("/state", s.handleCallState)
			})

			r.Post("/reconnect", s.handleReconnect)
			r.Post("/device/microphone", s.handleMicrophoneReport)

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Get("/stats", s.handleCallStats)
				r.Get("/{sessionID}", s.handleGetCall)
			})

			r.Route("/rates", func(r chi.Router) {
				r.Get("/", s.handleListRates)
				r.Post("/", s.handleCreateRate)
				r.Get("/match", s.handleMatchRate)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRate)
					r.Put("/", s.handleUpdateRate)
					r.Delete("/", s.handleDeleteRate)
				})
			})

			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handleUpdateSettings)
		})
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns engine health and connection status. Unauthenticated
// so load balancers and the dialer splash screen can poll it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.controller.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"provider_connected": snap.ProviderConnected,
		"health":             snap.Health,
	})
}
