package observability

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// GRPCHealthServer exposes the standard gRPC health service so telephony
// gateways and load balancers can probe the service without HTTP
type GRPCHealthServer struct {
	server *grpc.Server
	health *health.Server
	checks []DependencyCheck
}

// NewGRPCHealthServer creates a gRPC server with the health service registered.
// The service starts NOT_SERVING until the first readiness sweep passes.
func NewGRPCHealthServer(checks ...DependencyCheck) *GRPCHealthServer {
	server := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    10 * time.Second,
		Timeout: 3 * time.Second,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCHealthServer{
		server: server,
		health: hs,
		checks: checks,
	}
}

// Serve accepts connections on lis until Stop is called
func (g *GRPCHealthServer) Serve(lis net.Listener) error {
	if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health server: %w", err)
	}
	return nil
}

// Refresh runs the readiness checks once and updates the serving status
func (g *GRPCHealthServer) Refresh(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, ready := RunChecks(checkCtx, g.checks)
	status := healthpb.HealthCheckResponse_SERVING
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	return ready
}

// Watch refreshes the serving status every interval until ctx is done
func (g *GRPCHealthServer) Watch(ctx context.Context, interval time.Duration) {
	g.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Refresh(ctx)
		}
	}
}

// Stop marks the service NOT_SERVING and stops the server gracefully
func (g *GRPCHealthServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
