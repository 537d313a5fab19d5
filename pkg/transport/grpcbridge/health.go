package grpcbridge

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// HealthServer implements the gRPC health checking protocol for the bridge.
// The empty service name and ServiceName report the bridge itself.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	logger   *logger.Logger
	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	shutdown bool
}

// ServiceName is the health service name of the bridge transport.
const ServiceName = serviceName

// NewHealthServer creates a health server reporting SERVING.
func NewHealthServer(log *logger.Logger) (*HealthServer, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	return &HealthServer{
		logger: log.With("component", "health_server"),
		statuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			"":          grpc_health_v1.HealthCheckResponse_SERVING,
			ServiceName: grpc_health_v1.HealthCheckResponse_SERVING,
		},
	}, nil
}

// Check implements the health check RPC.
func (s *HealthServer) Check(_ context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.shutdown {
		return &grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		}, nil
	}

	st, ok := s.statuses[req.Service]
	if !ok {
		s.logger.Debug("Health check for unknown service", "service", req.Service)
		return nil, status.Error(codes.NotFound, "unknown service")
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// Watch sends the current status once and closes the stream.
func (s *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return stream.Send(&grpc_health_v1.HealthCheckResponse{Status: s.GetStatus(req.Service)})
}

// SetServingStatus sets the status of service.
func (s *HealthServer) SetServingStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.statuses[service]
	s.statuses[service] = st
	s.logger.Info("Health status updated",
		"service", service,
		"old_status", old.String(),
		"new_status", st.String())
}

// Shutdown makes every check report NOT_SERVING.
func (s *HealthServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	s.logger.Info("Health server shutdown")
}

// GetStatus returns the status of service, falling back to the default.
func (s *HealthServer) GetStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	st, ok := s.statuses[service]
	if !ok {
		st = s.statuses[""]
	}
	return st
}

// IsServing reports whether service is SERVING.
func (s *HealthServer) IsServing(service string) bool {
	return s.GetStatus(service) == grpc_health_v1.HealthCheckResponse_SERVING
}
