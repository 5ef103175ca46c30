package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"fertyflow.org/internal/obs"
)

// HealthServer publishes readiness over the standard gRPC health protocol,
// both for the empty service name and for serviceName.
type HealthServer struct {
	hs        *health.Server
	readiness readinessChecker
	interval  time.Duration
}

// NewHealthServer starts in NOT_SERVING until the first check passes.
func NewHealthServer(r readinessChecker, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &HealthServer{hs: health.NewServer(), readiness: r, interval: interval}
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Register attaches the health service to srv.
func (s *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.hs)
}

// CheckOnce evaluates readiness and updates the served status.
func (s *HealthServer) CheckOnce(ctx context.Context) error {
	var err error
	if s.readiness != nil {
		err = s.readiness.Check(ctx)
	}
	if err != nil {
		obs.Logger().Warn("readiness check failed", "error", err)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		obs.SetReady(false)
		return err
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
	obs.SetReady(true)
	return nil
}

// Run re-checks readiness every interval until ctx ends.
func (s *HealthServer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	_ = s.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.CheckOnce(ctx)
		}
	}
}

// Shutdown flips every service to NOT_SERVING and ignores later updates.
func (s *HealthServer) Shutdown() {
	s.hs.Shutdown()
	obs.SetReady(false)
}

func (s *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.hs.SetServingStatus("", st)
	s.hs.SetServingStatus(serviceName, st)
}

// UnaryLogging logs every unary call with its status code and duration.
func UnaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Logger().Info("grpc_call",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration_ms", float64(time.Since(start).Microseconds())/1000,
	)
	return resp, err
}
