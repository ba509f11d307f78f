// Package server exposes the thin HTTP boundary an operator uses to drive
// the trading core: account and session endpoints, broker credential
// storage, strategy and stock-selection management, trading controls, and
// cached market data. Every handler is a straight dispatch into the
// orchestrator's capability handles; no business logic lives here.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/orchestrator"
)

// Config holds server configuration.
type Config struct {
	Port    int
	Log     zerolog.Logger
	Runtime *orchestrator.Runtime
	DevMode bool
}

// Server is the HTTP boundary in front of a Runtime.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	runtime *orchestrator.Runtime
}

// New creates a new HTTP server bound to rt.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		runtime: cfg.Runtime,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/login-url", s.handleLoginURL)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Post("/auth/logout", s.handleLogout)
			r.Post("/auth/credentials", s.handleStoreCredentials)

			r.Post("/trading/start", s.handleStartTrading)
			r.Post("/trading/stop", s.handleStopTrading)
			r.Post("/trading/emergency-stop", s.handleEmergencyStop)
			r.Get("/trading/status", s.handleTradingStatus)

			r.Route("/strategies", func(r chi.Router) {
				r.Get("/", s.handleListStrategies)
				r.Post("/", s.handleCreateStrategy)
				r.Get("/{id}", s.handleGetStrategy)
				r.Put("/{id}", s.handleUpdateStrategy)
				r.Delete("/{id}", s.handleDeleteStrategy)
			})

			r.Route("/stocks/selections", func(r chi.Router) {
				r.Get("/", s.handleListSelections)
				r.Post("/", s.handleAddSelection)
				r.Delete("/{id}", s.handleRemoveSelection)
			})

			r.Get("/market/data", s.handleMarketData)
			r.Get("/market/data/{symbol}", s.handleMarketDataSymbol)
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// userIDKey carries the authenticated operator's user ID through the
// request context, set by requireAuth.
type contextKey string

const userIDKey contextKey = "user_id"

// requireAuth validates the bearer session token and threads the owning
// user ID into the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, apperr.New(apperr.KindSession, "missing bearer token"))
			return
		}

		userID, err := s.runtime.Auth.Validate(token)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken returns the raw token from the Authorization header; only
// meaningful behind requireAuth, which has already validated its shape.
func bearerToken(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token
}

func requestUserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError surfaces a failure in the stable envelope shape:
// {success:false, error, error_code}.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apperr.ToEnvelope(err))
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Wrap(apperr.KindSerialization, "malformed request body", err)
	}
	return nil
}
