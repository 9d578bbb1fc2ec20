package api

import (
	"context"
	"time"

	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/hutchhq/hutch/pkg/kernel"
)

// healthService answers the stock grpc.health.v1 protocol from the kernel's
// probe registry, so standard load-balancer and kubelet checks work without
// knowing the Kernel service.
type healthService struct {
	grpc_health_v1.UnimplementedHealthServer
	kernel *kernel.Kernel
}

func newHealthService(k *kernel.Kernel) *healthService {
	return &healthService{kernel: k}
}

func (h *healthService) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: h.status(ctx)}, nil
}

// Watch re-checks on a fixed cadence and sends only transitions, per the
// protocol's contract.
func (h *healthService) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	ctx := stream.Context()
	last := grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		if cur := h.status(ctx); cur != last {
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: cur}); err != nil {
				return err
			}
			last = cur
		}
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
}

func (h *healthService) status(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if h.kernel.Health(ctx).Healthy() {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}
