package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/hutchhq/hutch/pkg/api"
	"github.com/hutchhq/hutch/pkg/events"
	"github.com/hutchhq/hutch/pkg/health"
	"github.com/hutchhq/hutch/pkg/hotswap"
	"github.com/hutchhq/hutch/pkg/security"
	"github.com/hutchhq/hutch/pkg/types"
)

// Options configures a connection to a hutch daemon.
type Options struct {
	// Addr is host:port of the gRPC gateway.
	Addr string
	// Tenant is sent as x-tenant-id metadata on every call.
	Tenant string

	TLS      bool
	CertDir  string
	CertFile string
	KeyFile  string
}

// Client talks to the gRPC gateway.
type Client struct {
	conn   *grpc.ClientConn
	tenant string
}

// New opens a lazy connection; the first RPC dials.
func New(opts Options) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	}
	if opts.TLS {
		tlsCfg, err := security.ClientTLSConfig(opts.CertDir, opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("client tls: %w", err)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(opts.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.Addr, err)
	}
	return &Client{conn: conn, tenant: opts.Tenant}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) ctx(ctx context.Context) context.Context {
	if c.tenant == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, api.TenantHeader, c.tenant)
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(c.ctx(ctx), "/"+api.ServiceName+"/"+method, in, out)
}

// Deploy submits service code and returns the live handle.
func (c *Client) Deploy(ctx context.Context, service, code, format string) (types.Handle, error) {
	var resp api.HandleResponse
	err := c.invoke(ctx, "Deploy", &api.DeployRequest{Service: service, Code: code, Format: format}, &resp)
	return resp.Handle, err
}

// Status samples one service.
func (c *Client) Status(ctx context.Context, service string) (types.ServiceStatus, error) {
	var resp api.StatusResponse
	err := c.invoke(ctx, "Status", &api.ServiceRequest{Service: service}, &resp)
	return resp.Status, err
}

// Kill stops a service. Zero grace takes the server default.
func (c *Client) Kill(ctx context.Context, service string, grace time.Duration, force bool) error {
	var resp api.Empty
	return c.invoke(ctx, "Kill", &api.KillRequest{
		Service: service,
		GraceMs: grace.Milliseconds(),
		Force:   force,
	}, &resp)
}

// List returns the tenant's services.
func (c *Client) List(ctx context.Context) ([]types.ServiceEntry, error) {
	var resp api.ListResponse
	err := c.invoke(ctx, "List", &api.Empty{}, &resp)
	return resp.Services, err
}

// Swap hot-swaps a running service's code. Zero window takes the server
// default.
func (c *Client) Swap(ctx context.Context, service, code string, window time.Duration) (hotswap.Result, error) {
	var resp api.SwapResponse
	err := c.invoke(ctx, "Swap", &api.SwapRequest{
		Service:          service,
		Code:             code,
		RollbackWindowMs: window.Milliseconds(),
	}, &resp)
	return resp.Result, err
}

// Replace kills and redeploys with new code.
func (c *Client) Replace(ctx context.Context, service, code string) (types.Handle, error) {
	var resp api.HandleResponse
	err := c.invoke(ctx, "Replace", &api.SwapRequest{Service: service, Code: code}, &resp)
	return resp.Handle, err
}

// Invoke sends one request to a service and returns its reply.
func (c *Client) Invoke(ctx context.Context, service, op string, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	var resp api.InvokeResponse
	err := c.invoke(ctx, "Invoke", &api.InvokeRequest{
		Service:   service,
		Op:        op,
		Payload:   payload,
		TimeoutMs: timeout.Milliseconds(),
	}, &resp)
	return resp.Reply, err
}

// RegisterService announces a discovery name for a deployed service.
func (c *Client) RegisterService(ctx context.Context, name, service string, tags map[string]string, endpoint string) error {
	var resp api.Empty
	return c.invoke(ctx, "RegisterService", &api.AnnounceRequest{
		Name:     name,
		Service:  service,
		Tags:     tags,
		Endpoint: endpoint,
	}, &resp)
}

// Discover resolves a name within the tenant.
func (c *Client) Discover(ctx context.Context, name string, filters map[string]string) ([]types.Announcement, error) {
	var resp api.AnnouncementsResponse
	err := c.invoke(ctx, "DiscoverService", &api.DiscoverRequest{Name: name, Filters: filters}, &resp)
	return resp.Announcements, err
}

// Services lists announcements, optionally narrowed to one name.
func (c *Client) Services(ctx context.Context, name string) ([]types.Announcement, error) {
	var resp api.AnnouncementsResponse
	err := c.invoke(ctx, "GetServices", &api.ServicesRequest{Name: name}, &resp)
	return resp.Announcements, err
}

// SetSecret stores a vault entry under the tenant's namespace.
func (c *Client) SetSecret(ctx context.Context, name string, value, masterKey []byte) error {
	var resp api.Empty
	return c.invoke(ctx, "SetSecret", &api.SetSecretRequest{Name: name, Value: value, MasterKey: masterKey}, &resp)
}

// GetSecret decrypts and returns a vault entry.
func (c *Client) GetSecret(ctx context.Context, name string, masterKey []byte) ([]byte, error) {
	var resp api.SecretResponse
	err := c.invoke(ctx, "GetSecret", &api.GetSecretRequest{Name: name, MasterKey: masterKey}, &resp)
	return resp.Value, err
}

// DeleteSecret removes a vault entry. Idempotent.
func (c *Client) DeleteSecret(ctx context.Context, name string) error {
	var resp api.Empty
	return c.invoke(ctx, "DeleteSecret", &api.SecretNameRequest{Name: name}, &resp)
}

// ListSecrets returns the tenant's secret names.
func (c *Client) ListSecrets(ctx context.Context) ([]string, error) {
	var resp api.SecretListResponse
	err := c.invoke(ctx, "ListSecrets", &api.Empty{}, &resp)
	return resp.Names, err
}

// GrantCapability mints a bearer token. The token is returned exactly once.
func (c *Client) GrantCapability(ctx context.Context, resource string, permissions []string, ttl time.Duration) (string, types.Capability, error) {
	var resp api.GrantResponse
	err := c.invoke(ctx, "GrantCapability", &api.GrantRequest{
		Resource:    resource,
		Permissions: permissions,
		TTLSeconds:  int64(ttl.Seconds()),
	}, &resp)
	return resp.Token, resp.Capability, err
}

// VerifyCapability checks a token against a resource and permission.
func (c *Client) VerifyCapability(ctx context.Context, token, resource, permission string) (types.Capability, error) {
	var resp api.GrantResponse
	err := c.invoke(ctx, "VerifyCapability", &api.VerifyRequest{
		Token:      token,
		Resource:   resource,
		Permission: permission,
	}, &resp)
	return resp.Capability, err
}

// RevokeCapability revokes by stored token hash.
func (c *Client) RevokeCapability(ctx context.Context, tokenHash string) error {
	var resp api.Empty
	return c.invoke(ctx, "RevokeCapability", &api.RevokeRequest{TokenHash: tokenHash}, &resp)
}

// Health returns the daemon's component report.
func (c *Client) Health(ctx context.Context) (health.Report, error) {
	var resp api.HealthResponse
	err := c.invoke(ctx, "Health", &api.Empty{}, &resp)
	return resp.Report, err
}

// Metrics returns the counters snapshot.
func (c *Client) Metrics(ctx context.Context) (types.MetricsSnapshot, error) {
	var resp api.MetricsResponse
	err := c.invoke(ctx, "Metrics", &api.Empty{}, &resp)
	return resp.Metrics, err
}

// ShedderStats returns the admission-control snapshot.
func (c *Client) ShedderStats(ctx context.Context) (types.ShedderStats, error) {
	var resp api.ShedderStatsResponse
	err := c.invoke(ctx, "ShedderStats", &api.Empty{}, &resp)
	return resp.Stats, err
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context, grace time.Duration) error {
	var resp api.Empty
	return c.invoke(ctx, "Shutdown", &api.ShutdownRequest{GraceMs: grace.Milliseconds()}, &resp)
}

// EventStream is a live event subscription. Recv blocks for the next event;
// cancel the context passed to Watch to detach.
type EventStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Watch opens the event stream: stored backlog matching the filter first,
// then live events.
func (c *Client) Watch(ctx context.Context, filter events.Filter) (*EventStream, error) {
	ctx, cancel := context.WithCancel(c.ctx(ctx))
	desc := &grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+api.ServiceName+"/WatchEvents")
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(&api.WatchRequest{Filter: filter}); err != nil {
		cancel()
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, err
	}
	return &EventStream{stream: stream, cancel: cancel}, nil
}

// Recv returns the next event, blocking until one arrives or the stream
// ends.
func (s *EventStream) Recv() (*types.Event, error) {
	var resp api.EventResponse
	if err := s.stream.RecvMsg(&resp); err != nil {
		return nil, err
	}
	return resp.Event, nil
}

// Close detaches the subscription.
func (s *EventStream) Close() {
	s.cancel()
}
