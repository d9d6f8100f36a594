package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Probe metrics for the gRPC health endpoint
var (
	HealthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshagent_health_probes_total",
			Help: "Health endpoint calls by method and status code",
		},
		[]string{"method", "code"},
	)

	HealthProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshagent_health_probe_duration_seconds",
			Help:    "Latency of unary health checks",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"method"},
	)

	HealthWatchUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshagent_health_watch_updates_total",
			Help: "Serving status updates pushed to health watchers",
		},
		[]string{"method"},
	)
)

func codeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}

// UnaryProbeInterceptor logs and counts unary health checks. Orchestrators
// poll Check often, so successes stay at debug level.
func UnaryProbeInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		elapsed := time.Since(start)

		code := codeOf(err)
		HealthProbeDuration.WithLabelValues(info.FullMethod).Observe(elapsed.Seconds())
		HealthProbesTotal.WithLabelValues(info.FullMethod, code.String()).Inc()

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", elapsed),
			zap.String("code", code.String()),
		}
		if err != nil {
			logger.Warn("Health probe failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("Health probe served", fields...)
		}
		return resp, err
	}
}

// StreamProbeInterceptor tracks health Watch streams and the status updates
// sent on them.
func StreamProbeInterceptor(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		counted := &probeStream{ServerStream: ss, method: info.FullMethod}
		logger.Debug("Health watch opened", zap.String("method", info.FullMethod))

		err := handler(srv, counted)

		code := codeOf(err)
		HealthProbesTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.Int("messages_received", counted.received),
			zap.Int("messages_sent", counted.sent),
		}
		// a watcher going away ends the stream with Canceled
		if err != nil && code != codes.Canceled {
			logger.Warn("Health watch failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("Health watch closed", fields...)
		}
		return err
	}
}

type probeStream struct {
	grpc.ServerStream
	method   string
	received int
	sent     int
}

func (s *probeStream) RecvMsg(m any) error {
	err := s.ServerStream.RecvMsg(m)
	if err == nil {
		s.received++
	}
	return err
}

func (s *probeStream) SendMsg(m any) error {
	err := s.ServerStream.SendMsg(m)
	if err == nil {
		s.sent++
		HealthWatchUpdatesTotal.WithLabelValues(s.method).Inc()
	}
	return err
}
