package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/hutchhq/hutch/pkg/errdefs"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/security"
)

// TenantHeader is the metadata key carrying the caller's tenant id.
const TenantHeader = "x-tenant-id"

type tenantKey struct{}

// TenantFrom returns the tenant resolved by the interceptor chain.
func TenantFrom(ctx context.Context) string {
	t, _ := ctx.Value(tenantKey{}).(string)
	return t
}

// tenantExempt lists methods servable without tenant identification:
// operator and probe surfaces that are not tenant-scoped.
var tenantExempt = map[string]struct{}{
	"/" + ServiceName + "/Health":   {},
	"/" + ServiceName + "/Metrics":  {},
	"/" + ServiceName + "/Shutdown": {},
}

// resolveTenant extracts the caller's tenant from metadata, falling back to
// the common name of a verified client certificate.
func resolveTenant(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(TenantHeader); len(vals) > 0 && vals[0] != "" {
			return vals[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.AuthInfo != nil {
		if tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo); ok {
			return security.TenantFromTLS(&tlsInfo.State)
		}
	}
	return ""
}

func tenantUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !tenantRequired(info.FullMethod) {
			return handler(ctx, req)
		}
		tenant := resolveTenant(ctx)
		if tenant == "" {
			return nil, status.Error(codes.Unauthenticated, "tenant identification required: set "+TenantHeader+" or present a client certificate")
		}
		return handler(context.WithValue(ctx, tenantKey{}, tenant), req)
	}
}

func tenantStream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !tenantRequired(info.FullMethod) {
			return handler(srv, ss)
		}
		tenant := resolveTenant(ss.Context())
		if tenant == "" {
			return status.Error(codes.Unauthenticated, "tenant identification required: set "+TenantHeader+" or present a client certificate")
		}
		return handler(srv, &tenantStreamWrapper{ServerStream: ss, tenant: tenant})
	}
}

type tenantStreamWrapper struct {
	grpc.ServerStream
	tenant string
}

func (w *tenantStreamWrapper) Context() context.Context {
	return context.WithValue(w.ServerStream.Context(), tenantKey{}, w.tenant)
}

// statusCode maps an error kind to its gRPC code.
func statusCode(err error) codes.Code {
	switch errdefs.KindOf(err) {
	case errdefs.KindNotFound:
		return codes.NotFound
	case errdefs.KindAlreadyExists:
		return codes.AlreadyExists
	case errdefs.KindInvalidInput:
		return codes.InvalidArgument
	case errdefs.KindUnauthorized:
		return codes.Unauthenticated
	case errdefs.KindPermissionDenied:
		return codes.PermissionDenied
	case errdefs.KindOverloaded:
		return codes.ResourceExhausted
	case errdefs.KindCircuitOpen, errdefs.KindTransient:
		return codes.Unavailable
	case errdefs.KindFatal:
		return codes.Internal
	default:
		return codes.Internal
	}
}

// toStatus converts a core error into its wire form. Status errors pass
// through untouched.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(statusCode(err), err.Error())
}

func statusUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		return resp, toStatus(err)
	}
}

func statusStream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return toStatus(handler(srv, ss))
	}
}

func accessLogUnary(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		timer.ObserveAPIRequest(info.FullMethod)
		evt := logger.Debug()
		if err != nil {
			evt = logger.Warn().Err(err)
		}
		evt.Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("took", timer.Duration()).
			Msg("rpc")
		return resp, err
	}
}

func accessLogStream(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		code := status.Code(err)
		metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		logger.Debug().
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("took", time.Since(start)).
			Msg("rpc stream closed")
		return err
	}
}

func recoverUnary(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("handler panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func recoverStream(logger zerolog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("stream handler panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(srv, ss)
	}
}
