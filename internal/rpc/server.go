package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gometrics "github.com/hashicorp/go-metrics"

	"github.com/MrSnakeDoc/fleetmesh/internal/codec"
	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
	"github.com/MrSnakeDoc/fleetmesh/internal/metrics"
	"github.com/MrSnakeDoc/fleetmesh/internal/rpc/mw"
)

// QueryParam carries the encoded request document.
const QueryParam = "json"

// ProbeEndpoint is the liveness endpoint, served at "/".
const ProbeEndpoint = ""

// Server serves an EndpointTable over HTTP GET.
type Server struct {
	table        *EndpointTable
	logger       logger.Logger
	sink         gometrics.MetricSink
	allowedCIDRS []string

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	port     int
	closed   bool
}

type ServerOption func(*Server)

// WithAllowedCIDRS restricts callers to the given IPs/CIDRs.
func WithAllowedCIDRS(allowed []string) ServerOption {
	return func(s *Server) { s.allowedCIDRS = allowed }
}

func WithServerMetricSink(sink gometrics.MetricSink) ServerOption {
	return func(s *Server) { s.sink = sink }
}

func NewServer(table *EndpointTable, log logger.Logger, opts ...ServerOption) *Server {
	s := &Server{
		table:  table,
		logger: log,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sink = metrics.OrBlackhole(s.sink)
	return s
}

// Listen binds the TCP port. Port 0 picks an ephemeral port; the bound port
// is returned either way.
func (s *Server) Listen(port int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s.listener = l
	s.port = l.Addr().(*net.TCPAddr).Port
	return s.port, nil
}

func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Handler builds the router: one GET route per endpoint of the table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.GetHead)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(mw.Log(s.logger))
	r.Use(mw.AllowOnlyCIDRS(s.allowedCIDRS, s.logger))

	for _, name := range s.table.Names() {
		h, _ := s.table.Lookup(name)
		r.Get("/"+name, s.dispatch(name, h))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	return r
}

// Serve answers calls on the bound listener (blocks until error or shutdown).
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.listener == nil {
		s.mu.Unlock()
		return ErrNotListening
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	srv, l := s.http, s.listener
	s.mu.Unlock()

	s.logger.Infof("RPC server listening on %s", l.Addr())
	err := srv.Serve(l)
	// http.ErrServerClosed is expected on graceful shutdown.
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server with the provided context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv, l := s.http, s.listener
	s.mu.Unlock()

	if srv == nil {
		if l != nil {
			return l.Close()
		}
		return nil
	}
	s.logger.Debug("RPC server shutting down...")
	return srv.Shutdown(ctx)
}

func (s *Server) dispatch(name string, h Handler) http.HandlerFunc {
	labels := []gometrics.Label{metrics.LabelEndpoint.M(name)}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		s.sink.IncrCounterWithLabels(metrics.RPCServeCount, 1, labels)

		req := codec.New()
		if raw := r.URL.Query().Get(QueryParam); raw != "" {
			doc, err := codec.Decode(raw)
			if err != nil {
				s.fail(name, "malformed_request", err)
				if name == ProbeEndpoint {
					_, _ = w.Write([]byte("{}"))
					return
				}
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			req = doc
		}

		resp, err := s.invoke(r.Context(), name, h, req)
		if err != nil {
			s.fail(name, "handler", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if resp == nil {
			s.fail(name, "empty_result", nil)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		text, err := codec.Encode(resp)
		if err != nil {
			s.fail(name, "encode", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(text))
	}
}

// invoke runs the handler and converts a panic into an error.
func (s *Server) invoke(ctx context.Context, name string, h Handler, req codec.Document) (resp codec.Document, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			resp = nil
			err = fmt.Errorf("endpoint %q panicked: %v", name, rec)
		}
	}()
	return h.Handle(ctx, req)
}

func (s *Server) fail(name, reason string, err error) {
	s.sink.IncrCounterWithLabels(metrics.RPCServeErrorCount, 1, []gometrics.Label{
		metrics.LabelEndpoint.M(name),
		metrics.LabelError.M(reason),
	})
	fields := []logger.Field{
		logger.String("endpoint", name),
		logger.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	s.logger.Error("endpoint failed", fields...)
}
