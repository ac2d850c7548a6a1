package observability

import (
	"context"
	"net/http"
	"sync"

	"github.com/ismaiel54/order-execution-engine/internal/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthChecker serves readiness over both gRPC health checks and HTTP, and
// mounts the Prometheus exposition endpoint on the same HTTP server.
type HealthChecker struct {
	grpcHealth  *health.Server
	httpServer  *http.Server
	logger      *zap.Logger
	mu          sync.RWMutex
	ready       bool
	brokerReady bool
	kafkaReady  bool
	usesKafka   bool
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		grpcHealth: health.NewServer(),
		logger:     logger,
		ready:      true,
	}
}

// RegisterGRPC registers the health service with the gRPC server.
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(s, h.grpcHealth)
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// StartHTTPServer serves /healthz and /metrics until shutdown.
func (h *HealthChecker) StartHTTPServer(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())

	h.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	h.logger.Info("starting HTTP health server", zap.String("addr", addr))
	return h.httpServer.ListenAndServe()
}

// Shutdown marks the service not serving and stops the HTTP server.
func (h *HealthChecker) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.ready = false
	h.grpcHealth.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	h.mu.Unlock()

	if h.httpServer != nil {
		return h.httpServer.Shutdown(ctx)
	}
	return nil
}

// SetBrokerReady sets the broker API readiness status.
func (h *HealthChecker) SetBrokerReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.brokerReady = ready
}

// SetKafkaReady sets the Kafka client readiness status.
func (h *HealthChecker) SetKafkaReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kafkaReady = ready
	h.usesKafka = true
}

func (h *HealthChecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready && h.brokerReady
	kafkaReady := h.kafkaReady
	usesKafka := h.usesKafka
	h.mu.RUnlock()

	if ready && (!usesKafka || kafkaReady) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT_READY"))
	}
}
