// Package grpcserver runs the gRPC ops endpoint: standard health checking driven by a
// store probe, plus reflection in dev mode.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported alongside the overall "" entry.
const ServiceName = "gkchat.Gateway"

// Prober checks a dependency the gateway cannot work without.
type Prober interface {
	Ping(ctx context.Context) error
}

// Ops owns the ops gRPC server and its health state.
type Ops struct {
	srv      *grpc.Server
	hs       *health.Server
	probe    Prober
	interval time.Duration
	log      *zap.Logger
}

// NewOps builds the server with logging and recover interceptors. Extra server
// options (e.g. TLS credentials) are appended.
func NewOps(probe Prober, interval time.Duration, dev bool, log *zap.Logger, opts ...grpc.ServerOption) *Ops {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	base := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	}
	s := grpc.NewServer(append(base, opts...)...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if dev {
		reflection.Register(s)
	}
	o := &Ops{srv: s, hs: hs, probe: probe, interval: interval, log: log}
	o.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return o
}

// Server exposes the underlying grpc.Server.
func (o *Ops) Server() *grpc.Server { return o.srv }

// Serve blocks serving lis.
func (o *Ops) Serve(lis net.Listener) error { return o.srv.Serve(lis) }

// Watch probes the store until ctx is done and mirrors the result into health status.
func (o *Ops) Watch(ctx context.Context) {
	t := time.NewTicker(o.interval)
	defer t.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		st := o.check(ctx)
		if st != last {
			o.log.Info("health", zap.String("status", st.String()))
			last = st
		}
		o.set(st)

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (o *Ops) check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if o.probe == nil {
		return healthpb.HealthCheckResponse_SERVING
	}
	pctx, cancel := context.WithTimeout(ctx, o.interval)
	defer cancel()
	if err := o.probe.Ping(pctx); err != nil {
		if ctx.Err() == nil {
			o.log.Warn("store probe failed", zap.Error(err))
		}
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (o *Ops) set(st healthpb.HealthCheckResponse_ServingStatus) {
	o.hs.SetServingStatus("", st)
	o.hs.SetServingStatus(ServiceName, st)
}

// Shutdown flips health to NOT_SERVING and stops gracefully, forcing after ctx expires.
func (o *Ops) Shutdown(ctx context.Context) {
	o.hs.Shutdown()

	done := make(chan struct{})
	go func() {
		o.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.srv.Stop()
	}
}
