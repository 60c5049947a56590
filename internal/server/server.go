package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/droidmon/internal/errors"
	"codeberg.org/mutker/droidmon/internal/logger"
	"codeberg.org/mutker/droidmon/internal/telemetry"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Server exposes session control, the live feed and droidmon's own metrics
// over HTTP.
type Server struct {
	sessions Sessions
	apps     Apps
	history  History
	recorder telemetry.Recorder
	log      logger.Logger
	router   *mux.Router
	upgrader websocket.Upgrader
}

type Option func(*Server)

func WithApps(apps Apps) Option {
	return func(s *Server) { s.apps = apps }
}

func WithHistory(history History) Option {
	return func(s *Server) { s.history = history }
}

func WithRecorder(rec telemetry.Recorder) Option {
	return func(s *Server) { s.recorder = rec }
}

func WithLogger(log logger.Logger) Option {
	return func(s *Server) { s.log = log }
}

func New(sessions Sessions, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, errors.New().WithMessage(ErrInvalidArgument, "sessions are required")
	}

	s := &Server{
		sessions: sessions,
		recorder: telemetry.Noop(),
		log:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/{action:start|pause|resume|stop|close}", s.controlSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/feed", s.serveFeed).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/samples", s.querySamples).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/alerts", s.queryAlerts).Methods(http.MethodGet)
	r.HandleFunc("/history", s.listHistory).Methods(http.MethodGet)
	r.HandleFunc("/apps", s.listApps).Methods(http.MethodGet)
	r.Handle("/metrics", s.recorder.Handler()).Methods(http.MethodGet)

	s.router = r
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errFactory := errors.New()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errFactory.WithData(ErrInitFailed, struct {
			Phase string
			Addr  string
			Error string
		}{
			Phase: "listen",
			Addr:  addr,
			Error: err.Error(),
		})
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errFactory.Wrap(ErrInitFailed, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(ErrShutdownFailed, err)
	}
	s.log.Debug().Msg("HTTP server stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("elapsed", time.Since(start).String()).
			Msg("HTTP request")
	})
}
