// Package web serves the operator API: queue inspection, manual reset of
// failed entries, forbid clearing and the kill switch.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/RezaEskandarii/tradeflow/internal/killswitch"
	"github.com/RezaEskandarii/tradeflow/internal/store"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	queue      store.QueueStore
	limits     store.RateLimitStore
	killSwitch killswitch.Toggle
	token      string
	logger     *slog.Logger
}

type Option func(*Server)

func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

func WithKillSwitch(t killswitch.Toggle) Option {
	return func(s *Server) { s.killSwitch = t }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func NewServer(queue store.QueueStore, limits store.RateLimitStore, opts ...Option) *Server {
	s := &Server{queue: queue, limits: limits, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()
	api.Use(bearerAuth(s.token))

	api.HandleFunc("/entries", s.listEntries).Methods(http.MethodGet)
	api.HandleFunc("/entries/{id:[0-9]+}", s.getEntry).Methods(http.MethodGet)
	api.HandleFunc("/entries/{id:[0-9]+}/reset", s.resetEntry).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	api.HandleFunc("/rate-limits/forbidden", s.listForbidden).Methods(http.MethodGet)
	api.HandleFunc("/rate-limits/forbid", s.clearForbid).Methods(http.MethodDelete)
	if s.killSwitch != nil {
		api.HandleFunc("/kill-switch", s.getKillSwitch).Methods(http.MethodGet)
		api.HandleFunc("/kill-switch", s.setKillSwitch).Methods(http.MethodPut)
	}
	return router
}

// Serve listens on port until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port uint) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("operator api listening", "addr", srv.Addr, "auth", s.token != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
