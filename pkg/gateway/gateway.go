package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hutchhq/hutch/pkg/kernel"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/security"
)

// Options configures the HTTP gateway.
type Options struct {
	// RateLimit and RateBurst bound each tenant's request rate at the
	// edge. Zero RateLimit disables limiting.
	RateLimit rate.Limit
	RateBurst int

	TLS               bool
	CertDir           string
	RequireClientCert bool
}

// Server serves the REST and event-streaming surface over one listener.
type Server struct {
	kernel   *kernel.Kernel
	opts     Options
	logger   zerolog.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	http     *http.Server
	lis      net.Listener
	limiters map[string]*rate.Limiter
}

// NewServer builds the router. Serve starts the listener.
func NewServer(k *kernel.Kernel, opts Options) *Server {
	s := &Server{
		kernel:   k,
		opts:     opts,
		logger:   log.WithComponent("gateway"),
		limiters: make(map[string]*rate.Limiter),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.router = s.routes()
	return s
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.accessLogMiddleware)

	// Unscoped probes.
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Tenant-scoped API.
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.tenantMiddleware, s.rateLimitMiddleware)

	v1.HandleFunc("/services", s.handleDeploy).Methods(http.MethodPost)
	v1.HandleFunc("/services", s.handleList).Methods(http.MethodGet)
	v1.HandleFunc("/services/{service}", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/services/{service}", s.handleKill).Methods(http.MethodDelete)
	v1.HandleFunc("/services/{service}/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/services/{service}/swap", s.handleSwap).Methods(http.MethodPost)
	v1.HandleFunc("/services/{service}/replace", s.handleReplace).Methods(http.MethodPost)
	v1.HandleFunc("/services/{service}/invoke", s.handleInvoke).Methods(http.MethodPost)

	v1.HandleFunc("/events", s.handleEventsSSE).Methods(http.MethodGet)
	v1.HandleFunc("/events/ws", s.handleEventsWS).Methods(http.MethodGet)

	v1.HandleFunc("/secrets", s.handleListSecrets).Methods(http.MethodGet)
	v1.HandleFunc("/secrets/{name}", s.handleSetSecret).Methods(http.MethodPut)
	v1.HandleFunc("/secrets/{name}", s.handleGetSecret).Methods(http.MethodGet)
	v1.HandleFunc("/secrets/{name}", s.handleDeleteSecret).Methods(http.MethodDelete)

	v1.HandleFunc("/capabilities", s.handleGrant).Methods(http.MethodPost)
	v1.HandleFunc("/capabilities/verify", s.handleVerify).Methods(http.MethodPost)
	v1.HandleFunc("/capabilities/{token_hash}", s.handleRevoke).Methods(http.MethodDelete)

	v1.HandleFunc("/discovery", s.handleAnnounce).Methods(http.MethodPost)
	v1.HandleFunc("/discovery", s.handleServices).Methods(http.MethodGet)
	v1.HandleFunc("/discovery/{name}", s.handleDiscover).Methods(http.MethodGet)

	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return r
}

// Serve listens on addr and blocks until Stop or a listener failure.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	return s.ServeListener(lis)
}

// ServeListener serves on an existing listener. It takes ownership of lis.
func (s *Server) ServeListener(lis net.Listener) error {
	srv := &http.Server{Handler: s.router}
	if s.opts.TLS {
		tlsCfg, err := security.ServerTLSConfig(s.opts.CertDir, s.opts.RequireClientCert)
		if err != nil {
			lis.Close()
			return fmt.Errorf("gateway tls: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}

	s.mu.Lock()
	s.http = srv
	s.lis = lis
	s.mu.Unlock()

	s.logger.Info().
		Str("addr", lis.Addr().String()).
		Bool("tls", s.opts.TLS).
		Msg("HTTP gateway listening")

	var err error
	if s.opts.TLS {
		err = srv.ServeTLS(lis, "", "")
	} else {
		err = srv.Serve(lis)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, or "" before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Stop drains in-flight requests until ctx expires. Event streams end when
// their client context is cut.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// limiter returns the tenant's edge limiter, creating it on first sight.
func (s *Server) limiter(tenant string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[tenant]
	if !ok {
		l = rate.NewLimiter(s.opts.RateLimit, s.opts.RateBurst)
		s.limiters[tenant] = l
	}
	return l
}
