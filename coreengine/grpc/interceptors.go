package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/observability"
)

// Logger is the subset of logging.Logger the transport needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// requestFields returns the run_id and pipeline of a RunService request as
// log fields.
func requestFields(req any) []any {
	s, ok := req.(*structpb.Struct)
	if !ok || s == nil {
		return nil
	}
	var fields []any
	for _, key := range []string{FieldRunID, FieldPipeline} {
		if v, ok := s.GetFields()[key]; ok && v.GetStringValue() != "" {
			fields = append(fields, key, v.GetStringValue())
		}
	}
	return fields
}

// =============================================================================
// LOGGING
// =============================================================================

// LoggingInterceptor logs each unary call with its run and pipeline.
func LoggingInterceptor(logger Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		fields := append([]any{"method", info.FullMethod}, requestFields(req)...)
		logger.Debug("grpc_request_started", fields...)

		resp, err := handler(ctx, req)
		logResult(logger, "grpc_request", fields, time.Since(start), err)
		return resp, err
	}
}

// StreamLoggingInterceptor logs WatchRun streams.
func StreamLoggingInterceptor(logger Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		fields := []any{"method", info.FullMethod}
		logger.Debug("grpc_stream_started", fields...)

		err := handler(srv, ss)
		logResult(logger, "grpc_stream", fields, time.Since(start), err)
		return err
	}
}

// logResult logs client mistakes (not found, bad arguments, limits) at warn
// and everything else that failed at error.
func logResult(logger Logger, prefix string, fields []any, elapsed time.Duration, err error) {
	fields = append(fields, "duration_ms", elapsed.Milliseconds())
	if err == nil {
		logger.Debug(prefix+"_completed", fields...)
		return
	}
	code := status.Code(err)
	fields = append(fields, "code", code.String(), "error", err.Error())
	switch code {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.ResourceExhausted, codes.Canceled:
		logger.Warn(prefix+"_rejected", fields...)
	default:
		logger.Error(prefix+"_failed", fields...)
	}
}

// =============================================================================
// RECOVERY
// =============================================================================

// RecoveryHandler turns a recovered panic value into the returned error.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal error with panic details.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

func recovered(logger Logger, handler RecoveryHandler, event, method string, p any) error {
	logger.Error(event,
		"method", method,
		"panic", fmt.Sprintf("%v", p),
		"stack", string(debug.Stack()),
	)
	observability.RecordGRPCRequest(method, "panic", 0)
	return handler(p)
}

// RecoveryInterceptor recovers handler panics, logs the stack and returns
// handler(p) instead.
func RecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				resp, err = nil, recovered(logger, handler, "grpc_panic_recovered", info.FullMethod, p)
			}
		}()
		return next(ctx, req)
	}
}

// StreamRecoveryInterceptor is RecoveryInterceptor for streams.
func StreamRecoveryInterceptor(logger Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = recovered(logger, handler, "grpc_stream_panic_recovered", info.FullMethod, p)
			}
		}()
		return next(srv, ss)
	}
}

// =============================================================================
// METRICS
// =============================================================================

// MetricsInterceptor counts calls by method and status code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return resp, err
	}
}

// StreamMetricsInterceptor counts streams by method and status code. Stream
// duration is the lifetime of the watch.
func StreamMetricsInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observability.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), int(time.Since(start).Milliseconds()))
		return err
	}
}

// =============================================================================
// SERVER OPTIONS
// =============================================================================

// ServerOptions returns the standard interceptor chain (recovery outermost,
// then metrics, then logging) plus OpenTelemetry stats.
func ServerOptions(logger Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger, nil),
			MetricsInterceptor(),
			LoggingInterceptor(logger),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(logger, nil),
			StreamMetricsInterceptor(),
			StreamLoggingInterceptor(logger),
		),
	}
}
