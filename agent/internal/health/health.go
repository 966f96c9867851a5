// Package health serves the standard gRPC health protocol. The overall
// service ("") reports SERVING while the agent runs; each sensor id is a
// service of its own that is SERVING while its latest state is available.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dayofmonth/dayofmonth/agent/internal/auth"
	"github.com/dayofmonth/dayofmonth/pkg/types"
)

// Reporter mirrors published sensor states into a grpc health server.
type Reporter struct {
	srv *health.Server
}

// NewReporter returns a Reporter with the overall service SERVING.
func NewReporter() *Reporter {
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &Reporter{srv: srv}
}

// Server returns the underlying health server.
func (r *Reporter) Server() healthpb.HealthServer { return r.srv }

// Register marks sensorID as known but not yet computed.
func (r *Reporter) Register(sensorID string) {
	r.srv.SetServingStatus(sensorID, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Publish implements the pipeline publisher: an available state is SERVING,
// an unavailable one NOT_SERVING.
func (r *Reporter) Publish(_ context.Context, st types.SensorState) error {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.Available {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.srv.SetServingStatus(st.SensorID, status)
	return nil
}

// Forget marks a removed sensor SERVICE_UNKNOWN for watchers.
func (r *Reporter) Forget(sensorID string) {
	r.srv.SetServingStatus(sensorID, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

// Shutdown flips every service to NOT_SERVING.
func (r *Reporter) Shutdown() { r.srv.Shutdown() }

// NewServer returns a grpc.Server exposing r behind the API key check.
func NewServer(r *Reporter, c auth.Checker) *grpc.Server {
	gs := grpc.NewServer(
		grpc.UnaryInterceptor(auth.APIKeyInterceptor(c)),
		grpc.StreamInterceptor(auth.APIKeyStreamInterceptor(c)),
	)
	healthpb.RegisterHealthServer(gs, r.srv)
	return gs
}

// Serve listens on port and serves gs until ctx is cancelled.
func Serve(ctx context.Context, gs *grpc.Server, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("health: listen :%d: %w", port, err)
	}
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	slog.Info("health: gRPC health listening", "port", port)
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health: serve: %w", err)
	}
	return nil
}
