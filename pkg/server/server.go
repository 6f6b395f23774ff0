// Package server exposes the generation pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/plume/pkg/analytics"
	"github.com/m-mizutani/plume/pkg/usecase/conversation"
	"github.com/m-mizutani/plume/pkg/usecase/generate"
	"github.com/m-mizutani/plume/pkg/utils/logging"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	generate     *generate.UseCase
	conversation *conversation.UseCase
	recorder     *analytics.Recorder

	auth   *authMiddleware
	logger *slog.Logger
	srv    *http.Server
}

type Option func(*Server)

// WithJWTSecret requires a valid HS256 bearer token on API routes.
func WithJWTSecret(secret []byte) Option {
	return func(s *Server) {
		s.auth.secret = secret
	}
}

// WithLogger attaches the logger to every request context.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(addr string, generateUC *generate.UseCase, conversationUC *conversation.UseCase, recorder *analytics.Recorder, opts ...Option) *Server {
	s := &Server{
		generate:     generateUC,
		conversation: conversationUC,
		recorder:     recorder,
		auth:         &authMiddleware{},
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/generate", s.handleGenerate)
	api.HandleFunc("GET /v1/conversations", s.handleListConversations)
	api.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	api.HandleFunc("GET /v1/usage/summary", s.handleUsageSummary)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("/v1/", s.auth.wrap(api))

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.withRequestLog(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the full route table, middleware included.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- goerr.Wrap(err, "http server failed")
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shut down http server")
	}

	s.logger.Info("http server stopped")
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r.WithContext(logging.With(r.Context(), s.logger)))

		s.logger.Debug("handled request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start))
	})
}
