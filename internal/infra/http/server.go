package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tg-relay-bot/internal/domain"
	"tg-relay-bot/internal/usecase/relay"
)

// Controller описывает операции админки над источниками и ключами.
type Controller interface {
	Sources() []relay.SourceState
	Enable(ctx context.Context, name string) error
	Disable(name string) error
	RunNow(name string) error
	Keys() (domain.UsageSnapshot, error)
	RefreshKeys(ctx context.Context) (domain.UsageSnapshot, error)
}

// Options настраивает админ-сервер.
type Options struct {
	AdminToken string
	// Gatherer отдаёт метрики, по умолчанию prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server оборачивает chi.Router с базовыми middlewares.
type Server struct {
	Router chi.Router
	ctrl   Controller
	log    zerolog.Logger

	mu  sync.Mutex
	srv *http.Server
}

// NewServer создаёт HTTP сервер админки.
func NewServer(ctrl Controller, opts Options, logger zerolog.Logger) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{ctrl: ctrl, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(api chi.Router) {
		api.Use(AdminAuthMiddleware(opts.AdminToken))
		api.Get("/keys", s.keys)
		api.Post("/keys/refresh", s.refreshKeys)
		api.Get("/sources", s.sources)
		api.Post("/sources/{name}/enable", s.enableSource)
		api.Post("/sources/{name}/disable", s.disableSource)
		api.Post("/sources/{name}/run", s.runSource)
	})
	s.Router = r
	return s
}

func (s *Server) keys(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Keys()
	if err != nil {
		WriteError(w, statusFor(err), err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) refreshKeys(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.RefreshKeys(r.Context())
	if err != nil && !errors.Is(err, domain.ErrSourceExhausted) {
		WriteError(w, statusFor(err), err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) sources(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.ctrl.Sources())
}

func (s *Server) enableSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ctrl.Enable(r.Context(), name); err != nil {
		s.log.Warn().Err(err).Str("source", name).Str("request_id", RequestID(r)).Msg("admin: источник не включён")
		WriteError(w, statusFor(err), err)
		return
	}
	s.log.Info().Str("source", name).Msg("admin: источник включён")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

func (s *Server) disableSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ctrl.Disable(name); err != nil {
		WriteError(w, statusFor(err), err)
		return
	}
	s.log.Info().Str("source", name).Msg("admin: источник выключен")
	WriteJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) runSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.ctrl.RunNow(name); err != nil {
		WriteError(w, statusFor(err), err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrNoCredentials):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrSourceExhausted), errors.Is(err, relay.ErrSourceDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", RequestID(r)).
				Msg("admin: запрос")
		})
	}
}

// Start запускает http.Server и блокируется до остановки.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	s.log.Info().Str("addr", addr).Msg("HTTP сервер запущен")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown корректно останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
