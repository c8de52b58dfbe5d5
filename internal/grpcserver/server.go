// Package grpcserver exposes the relay's readiness over the standard gRPC health protocol.
package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// LedgerServiceName is the health service name reported for the ledger store.
	LedgerServiceName = "smsrelay.Ledger"
	// RelayServiceName is the health service name reported for the relay as a whole.
	RelayServiceName    = "smsrelay.Relay"
	defaultProbeEvery   = 15 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Probe reports whether the ledger can currently be read.
type Probe func(ctx context.Context) error

// HealthServer keeps grpc health statuses in step with a ledger probe.
type HealthServer struct {
	health       *health.Server
	probe        Probe
	interval     time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger

	mu          sync.Mutex
	lastHealthy *bool
}

// NewHealthServer returns a HealthServer. Every status starts as NOT_SERVING until the first probe.
func NewHealthServer(probe Probe, interval time.Duration, logger *zap.Logger) *HealthServer {
	if interval <= 0 {
		interval = defaultProbeEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &HealthServer{
		health:       health.NewServer(),
		probe:        probe,
		interval:     interval,
		probeTimeout: defaultProbeTimeout,
		logger:       logger,
	}
	for _, service := range []string{"", LedgerServiceName, RelayServiceName} {
		server.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return server
}

// Register attaches the health service to grpcServer.
func (server *HealthServer) Register(grpcServer *grpc.Server) {
	healthpb.RegisterHealthServer(grpcServer, server.health)
}

// Check runs the probe once and publishes the result.
func (server *HealthServer) Check(ctx context.Context) error {
	var err error
	if server.probe != nil {
		probeCtx, cancel := context.WithTimeout(ctx, server.probeTimeout)
		err = server.probe(probeCtx)
		cancel()
	}
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	for _, service := range []string{"", LedgerServiceName, RelayServiceName} {
		server.health.SetServingStatus(service, status)
	}
	server.logTransition(err)
	return err
}

// Run probes on every interval until ctx is done, then marks every service NOT_SERVING.
func (server *HealthServer) Run(ctx context.Context) {
	_ = server.Check(ctx)
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			server.health.Shutdown()
			return
		case <-ticker.C:
			_ = server.Check(ctx)
		}
	}
}

func (server *HealthServer) logTransition(err error) {
	healthy := err == nil
	server.mu.Lock()
	changed := server.lastHealthy == nil || *server.lastHealthy != healthy
	server.lastHealthy = &healthy
	server.mu.Unlock()
	if !changed {
		return
	}
	if healthy {
		server.logger.Info("ledger probe healthy")
		return
	}
	server.logger.Warn("ledger probe failed", zap.Error(err))
}

// Serve runs grpcServer on listener until ctx is done, then stops it gracefully.
func Serve(ctx context.Context, grpcServer *grpc.Server, listener net.Listener, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
