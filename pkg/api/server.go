package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/hutchhq/hutch/pkg/deploy"
	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/kernel"
	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/security"
	"github.com/hutchhq/hutch/pkg/types"
)

// Options configures the gateway's transport surface.
type Options struct {
	TLS               bool
	CertDir           string
	RequireClientCert bool

	// OnShutdown receives the Shutdown RPC's grace period. Left nil, the
	// RPC is refused.
	OnShutdown func(grace time.Duration)
}

// Server exposes the kernel over gRPC.
type Server struct {
	kernel *kernel.Kernel
	opts   Options
	logger zerolog.Logger

	mu   sync.Mutex
	grpc *grpc.Server
	lis  net.Listener
}

// NewServer wraps a kernel. Serve starts the listener.
func NewServer(k *kernel.Kernel, opts Options) *Server {
	return &Server{
		kernel: k,
		opts:   opts,
		logger: log.WithComponent("api"),
	}
}

// Serve listens on addr and blocks until Stop or a listener failure.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}
	return s.ServeListener(lis)
}

// ServeListener serves on an existing listener. It takes ownership of lis.
func (s *Server) ServeListener(lis net.Listener) error {
	var serverOpts []grpc.ServerOption
	if s.opts.TLS {
		tlsCfg, err := security.ServerTLSConfig(s.opts.CertDir, s.opts.RequireClientCert)
		if err != nil {
			lis.Close()
			return fmt.Errorf("api tls: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	serverOpts = append(serverOpts,
		grpc.ChainUnaryInterceptor(
			recoverUnary(s.logger),
			accessLogUnary(s.logger),
			tenantUnary(),
			statusUnary(),
		),
		grpc.ChainStreamInterceptor(
			recoverStream(s.logger),
			accessLogStream(s.logger),
			tenantStream(),
			statusStream(),
		),
	)

	gs := grpc.NewServer(serverOpts...)
	gs.RegisterService(serviceDesc(), s)
	grpc_health_v1.RegisterHealthServer(gs, newHealthService(s.kernel))

	s.mu.Lock()
	s.grpc = gs
	s.lis = lis
	s.mu.Unlock()

	s.logger.Info().
		Str("addr", lis.Addr().String()).
		Bool("tls", s.opts.TLS).
		Msg("gRPC gateway listening")

	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
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

// Stop drains gracefully until ctx expires, then cuts remaining streams.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	gs := s.grpc
	s.mu.Unlock()
	if gs == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		gs.Stop()
	}
}

// unary builds a MethodDesc in the shape generated stubs use, decoding into
// Req and running the interceptor chain around fn.
func unary[Req any, Resp any](method string, fn func(*Server, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*Req))
			})
		},
	}
}

func serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary("Deploy", (*Server).deploy),
			unary("Status", (*Server).status),
			unary("Kill", (*Server).kill),
			unary("List", (*Server).list),
			unary("Swap", (*Server).swap),
			unary("Replace", (*Server).replace),
			unary("Invoke", (*Server).invoke),
			unary("RegisterService", (*Server).registerService),
			unary("DiscoverService", (*Server).discoverService),
			unary("GetServices", (*Server).getServices),
			unary("SetSecret", (*Server).setSecret),
			unary("GetSecret", (*Server).getSecret),
			unary("DeleteSecret", (*Server).deleteSecret),
			unary("ListSecrets", (*Server).listSecrets),
			unary("GrantCapability", (*Server).grantCapability),
			unary("VerifyCapability", (*Server).verifyCapability),
			unary("RevokeCapability", (*Server).revokeCapability),
			unary("Health", (*Server).health),
			unary("Metrics", (*Server).metrics),
			unary("ShedderStats", (*Server).shedderStats),
			unary("Shutdown", (*Server).shutdown),
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "WatchEvents",
				Handler:       watchEventsHandler,
				ServerStreams: true,
			},
		},
		Metadata: "hutch/v1/kernel.json",
	}
}

func (s *Server) deploy(ctx context.Context, req *DeployRequest) (*HandleResponse, error) {
	h, err := s.kernel.Deploy(ctx, deploy.Request{
		Tenant:  TenantFrom(ctx),
		Service: req.Service,
		Code:    req.Code,
		Format:  req.Format,
	})
	if err != nil {
		return nil, err
	}
	return &HandleResponse{Handle: h}, nil
}

func (s *Server) status(ctx context.Context, req *ServiceRequest) (*StatusResponse, error) {
	st, err := s.kernel.Status(ctx, TenantFrom(ctx), req.Service)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{Status: st}, nil
}

func (s *Server) kill(ctx context.Context, req *KillRequest) (*Empty, error) {
	grace := time.Duration(req.GraceMs) * time.Millisecond
	if err := s.kernel.Kill(ctx, TenantFrom(ctx), req.Service, grace, req.Force); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) list(ctx context.Context, _ *Empty) (*ListResponse, error) {
	entries, err := s.kernel.List(ctx, TenantFrom(ctx))
	if err != nil {
		return nil, err
	}
	return &ListResponse{Services: entries}, nil
}

func (s *Server) swap(ctx context.Context, req *SwapRequest) (*SwapResponse, error) {
	window := time.Duration(req.RollbackWindowMs) * time.Millisecond
	res, err := s.kernel.Swap(ctx, TenantFrom(ctx), req.Service, req.Code, window)
	if err != nil {
		return nil, err
	}
	return &SwapResponse{Result: res}, nil
}

func (s *Server) replace(ctx context.Context, req *SwapRequest) (*HandleResponse, error) {
	h, err := s.kernel.Replace(ctx, TenantFrom(ctx), req.Service, req.Code)
	if err != nil {
		return nil, err
	}
	return &HandleResponse{Handle: h}, nil
}

func (s *Server) invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	reply, err := s.kernel.Invoke(ctx, TenantFrom(ctx), req.Service, req.Op, req.Payload, timeout)
	if err != nil {
		return nil, err
	}
	return &InvokeResponse{Reply: reply}, nil
}

func (s *Server) registerService(ctx context.Context, req *AnnounceRequest) (*Empty, error) {
	err := s.kernel.RegisterService(ctx, types.Announcement{
		Tenant:   TenantFrom(ctx),
		Name:     req.Name,
		Service:  req.Service,
		Tags:     req.Tags,
		Endpoint: req.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) discoverService(ctx context.Context, req *DiscoverRequest) (*AnnouncementsResponse, error) {
	anns, err := s.kernel.DiscoverService(ctx, TenantFrom(ctx), req.Name, req.Filters)
	if err != nil {
		return nil, err
	}
	return &AnnouncementsResponse{Announcements: anns}, nil
}

func (s *Server) getServices(ctx context.Context, req *ServicesRequest) (*AnnouncementsResponse, error) {
	anns, err := s.kernel.GetServices(ctx, TenantFrom(ctx), req.Name)
	if err != nil {
		return nil, err
	}
	return &AnnouncementsResponse{Announcements: anns}, nil
}

func (s *Server) setSecret(ctx context.Context, req *SetSecretRequest) (*Empty, error) {
	if err := s.kernel.SetSecret(ctx, TenantFrom(ctx), req.Name, req.Value, req.MasterKey); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) getSecret(ctx context.Context, req *GetSecretRequest) (*SecretResponse, error) {
	value, err := s.kernel.GetSecret(ctx, TenantFrom(ctx), req.Name, req.MasterKey)
	if err != nil {
		return nil, err
	}
	return &SecretResponse{Value: value}, nil
}

func (s *Server) deleteSecret(ctx context.Context, req *SecretNameRequest) (*Empty, error) {
	if err := s.kernel.DeleteSecret(ctx, TenantFrom(ctx), req.Name); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) listSecrets(ctx context.Context, _ *Empty) (*SecretListResponse, error) {
	names, err := s.kernel.ListSecrets(ctx, TenantFrom(ctx))
	if err != nil {
		return nil, err
	}
	return &SecretListResponse{Names: names}, nil
}

func (s *Server) grantCapability(ctx context.Context, req *GrantRequest) (*GrantResponse, error) {
	ttl := time.Duration(req.TTLSeconds) * time.Second
	token, grant, err := s.kernel.GrantCapability(ctx, TenantFrom(ctx), req.Resource, req.Permissions, ttl)
	if err != nil {
		return nil, err
	}
	return &GrantResponse{Token: token, Capability: *grant}, nil
}

func (s *Server) verifyCapability(ctx context.Context, req *VerifyRequest) (*GrantResponse, error) {
	grant, err := s.kernel.VerifyCapability(ctx, TenantFrom(ctx), req.Token, req.Resource, req.Permission)
	if err != nil {
		return nil, err
	}
	return &GrantResponse{Capability: *grant}, nil
}

func (s *Server) revokeCapability(ctx context.Context, req *RevokeRequest) (*Empty, error) {
	if err := s.kernel.RevokeCapability(ctx, TenantFrom(ctx), req.TokenHash); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Server) health(ctx context.Context, _ *Empty) (*HealthResponse, error) {
	return &HealthResponse{Report: s.kernel.Health(ctx)}, nil
}

func (s *Server) metrics(ctx context.Context, _ *Empty) (*MetricsResponse, error) {
	return &MetricsResponse{Metrics: s.kernel.Metrics()}, nil
}

func (s *Server) shedderStats(ctx context.Context, _ *Empty) (*ShedderStatsResponse, error) {
	return &ShedderStatsResponse{Stats: s.kernel.ShedderStats()}, nil
}

func (s *Server) shutdown(ctx context.Context, req *ShutdownRequest) (*Empty, error) {
	if s.opts.OnShutdown == nil {
		return nil, errdefs.Wrapf(errdefs.ErrPermissionDenied, "remote shutdown disabled")
	}
	s.opts.OnShutdown(time.Duration(req.GraceMs) * time.Millisecond)
	return &Empty{}, nil
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(*Server).watchEvents(in, stream)
}

// watchEvents replays the stored backlog matching the filter, then follows
// live emits until the client detaches. A caller identifying as the system
// subject sees every tenant; everyone else is pinned to their own.
func (s *Server) watchEvents(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	filter := req.Filter
	tenant := TenantFrom(ctx)
	if tenant != types.SubjectSystem {
		if filter.Tenant != "" && filter.Tenant != tenant {
			return errdefs.Wrapf(errdefs.ErrPermissionDenied, "cannot watch tenant %q", filter.Tenant)
		}
		filter.Tenant = tenant
	}

	backlog, sub := s.kernel.WatchEvents(filter)
	defer sub.Close()

	lastSent := filter.SinceID
	for _, e := range backlog {
		if err := stream.SendMsg(&EventResponse{Event: e}); err != nil {
			return err
		}
		lastSent = e.ID
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				// Subscriber fell behind and was dropped, or the store
				// is closing. The client reconnects with SinceID.
				return errdefs.Wrapf(errdefs.ErrTransient, "event subscription lapsed, resume from id %d", lastSent)
			}
			if e.ID <= lastSent || !filter.Match(e) {
				continue
			}
			if err := stream.SendMsg(&EventResponse{Event: e}); err != nil {
				return err
			}
			lastSent = e.ID
		}
	}
}

// healthPrefix marks the stock grpc.health.v1 service, exempt from tenant
// identification.
const healthPrefix = "/grpc.health.v1.Health/"

func tenantRequired(fullMethod string) bool {
	if strings.HasPrefix(fullMethod, healthPrefix) {
		return false
	}
	_, exempt := tenantExempt[fullMethod]
	return !exempt
}
