package grpc

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	getRunMethod   = RunService_GetRun_FullMethod
	watchRunMethod = RunService_WatchRun_FullMethod
)

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func unaryInfo() *grpc.UnaryServerInfo {
	return &grpc.UnaryServerInfo{FullMethod: getRunMethod}
}

func streamInfo() *grpc.StreamServerInfo {
	return &grpc.StreamServerInfo{FullMethod: watchRunMethod, IsServerStream: true}
}

func runRequest(t *testing.T, runID string) *structpb.Struct {
	t.Helper()
	req, err := structpb.NewStruct(map[string]any{FieldRunID: runID})
	require.NoError(t, err)
	return req
}

// requestCount reads stagegraph_grpc_requests_total for one method and code.
func requestCount(t *testing.T, method, code string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != "stagegraph_grpc_requests_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["method"] == method && labels["status"] == code {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// =============================================================================
// REQUEST FIELDS
// =============================================================================

func TestRequestFields(t *testing.T) {
	full, err := structpb.NewStruct(map[string]any{FieldRunID: "r1", FieldPipeline: "docanalysis", "data": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, []any{FieldRunID, "r1", FieldPipeline, "docanalysis"}, requestFields(full))

	assert.Nil(t, requestFields("not a struct"))
	assert.Nil(t, requestFields((*structpb.Struct)(nil)))
	assert.Nil(t, requestFields(runRequest(t, "")))
}

// =============================================================================
// LOGGING
// =============================================================================

func TestLoggingInterceptor(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		level   string
		message string
	}{
		{"success", nil, "debug", "grpc_request_completed"},
		{"not found", status.Error(codes.NotFound, "run not found: r1"), "warn", "grpc_request_rejected"},
		{"limit", status.Error(codes.ResourceExhausted, "runs limit exceeded"), "warn", "grpc_request_rejected"},
		{"internal", status.Error(codes.Internal, "boom"), "error", "grpc_request_failed"},
		{"plain error", errors.New("boom"), "error", "grpc_request_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := testutil.NewMockLogger()
			_, err := LoggingInterceptor(log)(context.Background(), runRequest(t, "r1"), unaryInfo(),
				func(ctx context.Context, req any) (any, error) { return "ok", tt.err })
			assert.Equal(t, tt.err, err)

			assert.True(t, log.HasLog("debug", "grpc_request_started"))
			entry, ok := log.Find(tt.level, tt.message)
			require.True(t, ok, "missing %s %s", tt.level, tt.message)
			assert.Equal(t, getRunMethod, entry.Fields["method"])
			assert.Equal(t, "r1", entry.Fields[FieldRunID])
			if tt.err != nil {
				assert.Equal(t, status.Code(tt.err).String(), entry.Fields["code"])
			}
		})
	}
}

func TestStreamLoggingInterceptor(t *testing.T) {
	log := testutil.NewMockLogger()
	stream := &fakeStream{ctx: context.Background()}

	err := StreamLoggingInterceptor(log)(nil, stream, streamInfo(), func(any, grpc.ServerStream) error {
		return status.Error(codes.Canceled, "client went away")
	})
	require.Error(t, err)
	entry, ok := log.Find("warn", "grpc_stream_rejected")
	require.True(t, ok)
	assert.Equal(t, watchRunMethod, entry.Fields["method"])

	log = testutil.NewMockLogger()
	require.NoError(t, StreamLoggingInterceptor(log)(nil, stream, streamInfo(), func(any, grpc.ServerStream) error { return nil }))
	assert.True(t, log.HasLog("debug", "grpc_stream_completed"))
}

// =============================================================================
// RECOVERY
// =============================================================================

func TestRecoveryInterceptor(t *testing.T) {
	log := testutil.NewMockLogger()
	before := requestCount(t, getRunMethod, "panic")

	resp, err := RecoveryInterceptor(log, nil)(context.Background(), runRequest(t, "r1"), unaryInfo(),
		func(ctx context.Context, req any) (any, error) { panic("snapshot corrupted") })

	assert.Nil(t, resp)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.Contains(t, err.Error(), "snapshot corrupted")
	entry, ok := log.Find("error", "grpc_panic_recovered")
	require.True(t, ok)
	assert.NotEmpty(t, entry.Fields["stack"])
	assert.Equal(t, before+1, requestCount(t, getRunMethod, "panic"))

	resp, err = RecoveryInterceptor(log, nil)(context.Background(), nil, unaryInfo(),
		func(ctx context.Context, req any) (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestRecoveryInterceptorCustomHandler(t *testing.T) {
	handler := func(p any) error { return status.Errorf(codes.Unavailable, "retry later: %v", p) }
	_, err := RecoveryInterceptor(testutil.NewMockLogger(), handler)(context.Background(), nil, unaryInfo(),
		func(ctx context.Context, req any) (any, error) { panic("busy") })
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestStreamRecoveryInterceptor(t *testing.T) {
	log := testutil.NewMockLogger()
	err := StreamRecoveryInterceptor(log, nil)(nil, &fakeStream{ctx: context.Background()}, streamInfo(),
		func(any, grpc.ServerStream) error { panic("watch broke") })

	assert.Equal(t, codes.Internal, status.Code(err))
	assert.True(t, log.HasLog("error", "grpc_stream_panic_recovered"))
}

func TestDefaultRecoveryHandler(t *testing.T) {
	err := DefaultRecoveryHandler(errors.New("nil map"))
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, "panic recovered: nil map", st.Message())
}

// =============================================================================
// METRICS
// =============================================================================

func TestMetricsInterceptorCountsByCode(t *testing.T) {
	codesSeen := []codes.Code{codes.OK, codes.NotFound, codes.InvalidArgument, codes.Internal}
	for _, code := range codesSeen {
		t.Run(code.String(), func(t *testing.T) {
			before := requestCount(t, getRunMethod, code.String())
			_, _ = MetricsInterceptor()(context.Background(), nil, unaryInfo(),
				func(ctx context.Context, req any) (any, error) {
					if code == codes.OK {
						return "ok", nil
					}
					return nil, status.Error(code, "x")
				})
			assert.Equal(t, before+1, requestCount(t, getRunMethod, code.String()))
		})
	}
}

func TestStreamMetricsInterceptorCountsByCode(t *testing.T) {
	before := requestCount(t, watchRunMethod, codes.ResourceExhausted.String())
	err := StreamMetricsInterceptor()(nil, &fakeStream{ctx: context.Background()}, streamInfo(),
		func(any, grpc.ServerStream) error { return status.Error(codes.ResourceExhausted, "slow consumer") })
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	assert.Equal(t, before+1, requestCount(t, watchRunMethod, codes.ResourceExhausted.String()))
}

// =============================================================================
// SERVER OPTIONS
// =============================================================================

func TestServerOptions(t *testing.T) {
	opts := ServerOptions(testutil.NewMockLogger())
	assert.Len(t, opts, 3)
	srv := grpc.NewServer(opts...)
	defer srv.Stop()
}
