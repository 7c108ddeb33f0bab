package handler

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

// HealthMonitor serves the standard gRPC health service. Serving status
// follows periodic database pings.
type HealthMonitor struct {
	server   *health.Server
	db       Pinger
	service  string
	interval time.Duration
	log      *logger.Logger
}

// NewHealthMonitor creates a HealthMonitor reporting for service and for the
// server as a whole.
func NewHealthMonitor(db Pinger, service string, interval time.Duration, log *logger.Logger) *HealthMonitor {
	return &HealthMonitor{
		server:   health.NewServer(),
		db:       db,
		service:  service,
		interval: interval,
		log:      log,
	}
}

// Register installs the health service on s, plus server reflection when
// reflect is set.
func (m *HealthMonitor) Register(s *grpc.Server, reflect bool) {
	healthpb.RegisterHealthServer(s, m.server)
	if reflect {
		reflection.Register(s)
	}
}

// Run checks the database every interval until ctx is done.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check pings the database once and updates the serving status.
func (m *HealthMonitor) Check(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.db.Ping(pingCtx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		m.log.Warn().Err(err).Msg("Database ping failed; reporting NOT_SERVING")
	}

	m.server.SetServingStatus("", status)
	m.server.SetServingStatus(m.service, status)
}

// Shutdown marks every service NOT_SERVING.
func (m *HealthMonitor) Shutdown() {
	m.server.Shutdown()
}

// Server exposes the underlying health server.
func (m *HealthMonitor) Server() healthpb.HealthServer {
	return m.server
}
