package dns

import (
	"context"
	"net"
	"sync"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/registry"
)

const (
	// DefaultDomain is the search domain answered by the facade.
	DefaultDomain = "hutch"

	// defaultListenAddr keeps the facade on loopback; it is a host
	// diagnostic, not a resolver for the outside world.
	defaultListenAddr = "127.0.0.1:9053"
)

// Config holds the DNS facade settings.
type Config struct {
	Addr   string // UDP listen address (default 127.0.0.1:9053)
	Domain string // search domain (default "hutch")
}

// Server answers discovery queries over UDP.
type Server struct {
	logger   zerolog.Logger
	resolver *Resolver
	addr     string

	mu      sync.Mutex
	srv     *dns.Server
	running bool
}

// NewServer creates a DNS facade over the discovery table.
func NewServer(disc *registry.Discovery, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultListenAddr
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	return &Server{
		logger:   log.WithComponent("dns"),
		resolver: NewResolver(disc, cfg.Domain),
		addr:     cfg.Addr,
	}
}

// Start binds the UDP socket and serves queries in the background. Bind
// failures are returned here; later serve errors are logged.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errdefs.Wrapf(errdefs.ErrAlreadyExists, "dns server already running")
	}

	pc, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrTransient, "dns listen on %s: %v", s.addr, err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)
	s.srv = &dns.Server{PacketConn: pc, Handler: mux}
	s.running = true

	go func() {
		if err := s.srv.ActivateAndServe(); err != nil {
			s.logger.Error().Err(err).Msg("dns server stopped serving")
		}
	}()

	s.logger.Info().Str("addr", pc.LocalAddr().String()).Msg("dns facade listening")
	return nil
}

// Stop shuts the server down. Safe to call when never started.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.srv.ShutdownContext(ctx)
}

// Addr reports the bound address, useful when the configured port was 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return s.addr
	}
	return s.srv.PacketConn.LocalAddr().String()
}

// handleQuery answers A questions from the discovery table. Other record
// types get an empty authoritative answer; unknown names get NXDOMAIN.
func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			continue
		}
		answers, err := s.resolver.Resolve(q.Name)
		if err != nil {
			s.logger.Debug().Str("query", q.Name).Msg("query not resolvable")
			msg.Rcode = dns.RcodeNameError
			continue
		}
		msg.Answer = append(msg.Answer, answers...)
	}

	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("write dns response")
	}
}
