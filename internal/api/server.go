// Package api exposes the orchestrator and scheduler over HTTP. Instances use
// it too: the heartbeat and error callbacks land here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"msgfleet/internal/fleet"
	"msgfleet/internal/sched"
	"msgfleet/internal/store"
	"msgfleet/pkg/logx"
)

type Server struct {
	orc   *fleet.Orchestrator
	sched *sched.Scheduler
	store store.Store
	log   logx.Logger
	debug bool

	srv *http.Server
}

type Option func(*Server)

// WithDebug mounts pprof under /debug/pprof.
func WithDebug() Option { return func(s *Server) { s.debug = true } }

func New(addr string, orc *fleet.Orchestrator, schd *sched.Scheduler, st store.Store, log logx.Logger, opts ...Option) *Server {
	s := &Server{orc: orc, sched: schd, store: st, log: log}
	for _, o := range opts {
		o(s)
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", s.createAccount)
			r.Get("/", s.listAccounts)
			r.Get("/{id}", s.getAccount)
			r.Delete("/{id}", s.deleteAccount)
			r.Put("/{id}/config", s.updateAccountConfig)
			r.Post("/{id}/start", s.startAccount)
			r.Post("/{id}/stop", s.stopAccount)
			r.Post("/{id}/restart", s.restartAccount)
			r.Post("/{id}/ban", s.banAccount)
			r.Post("/{id}/heartbeat", s.heartbeat)
			r.Post("/{id}/errors", s.reportError)
		})
		r.Get("/fleet/health", s.fleetHealth)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/", s.listTasks)
			r.Get("/{id}", s.getTask)
			r.Get("/{id}/results", s.taskResults)
			r.Post("/{id}/cancel", s.cancelTask)
		})
		r.Get("/queues", s.queueStats)
	})

	if s.debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}
	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Start(_ context.Context) error {
	go func() {
		s.log.Info("api listening", logx.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server stopped", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps domain sentinels onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrTaskNotFound):
		code = http.StatusNotFound
	case errors.Is(err, sched.ErrInvalidSchedule), errors.Is(err, sched.ErrNoHandler):
		code = http.StatusBadRequest
	case errors.Is(err, fleet.ErrAccountBanned):
		code = http.StatusConflict
	case errors.Is(err, fleet.ErrProvision):
		code = http.StatusBadGateway
	}
	http.Error(w, err.Error(), code)
}
