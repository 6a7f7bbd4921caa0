// Package statusapi serves a small HTTP surface for operators: device
// state, registry counters, recent records, Prometheus metrics and a way
// to start a measurement.
package statusapi

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/vungocdu/actiwell-iot-sub000/internal/device"
	"github.com/vungocdu/actiwell-iot-sub000/internal/errors"
	"github.com/vungocdu/actiwell-iot-sub000/internal/logger"
	"github.com/vungocdu/actiwell-iot-sub000/internal/measurement"
	"github.com/vungocdu/actiwell-iot-sub000/internal/registry"
)

const (
	readHeaderTimeout = 5 * time.Second
	requestTimeout    = 15 * time.Second
	defaultLimit      = 50
	maxLimit          = 500
)

// Devices is the registry view the API needs.
type Devices interface {
	Status() []registry.DeviceStatus
	Descriptors() []registry.Descriptor
	Counters() registry.Counters
	StartMeasurement(ctx context.Context, customerID string, kind device.Kind) (string, error)
}

// Records reads stored measurements.
type Records interface {
	Get(ctx context.Context, id string) (*measurement.Record, error)
	Recent(ctx context.Context, limit int) ([]*measurement.Record, error)
}

type Config struct {
	Listen  string
	Devices Devices
	// Records and Metrics are optional.
	Records Records
	Metrics http.Handler
}

type Server struct {
	cfg    Config
	router chi.Router
	log    logger.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

func New(cfg Config) *Server {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		log:    logger.With("statusapi"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(requestTimeout))

	s.router.Get("/healthz", s.health)

	if s.cfg.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", s.listDevices)
		r.Get("/descriptors", s.listDescriptors)
		r.Get("/counters", s.counters)

		r.Route("/measurements", func(r chi.Router) {
			r.Post("/", s.startMeasurement)
			r.Get("/", s.recentMeasurements)
			r.Get("/{id}", s.getMeasurement)
		})
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on cfg.Listen and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.New().Wrap(ErrListen, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Status server stopped")
		}
	}()

	s.log.Info().Str("listen", ln.Addr().String()).Msg("Status server listening")

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.New().Wrap(ErrShutdown, err)
	}
	<-done
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request served")
	})
}
