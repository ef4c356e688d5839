// Package grpc exposes the run manager over gRPC.
//
// RunService has no generated code: requests and responses are
// google.protobuf.Struct messages and the service descriptor is declared by
// hand in service.go.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/stagegraph/commbus"
	"github.com/jeeves-cluster-organization/stagegraph/coreengine/runs"
)

// Request and response field names.
const (
	FieldRunID    = "run_id"
	FieldPipeline = "pipeline"
	FieldData     = "data"
)

// Stream message types sent by WatchRun.
const (
	MessageEvent    = "event"
	MessageFinished = "finished"
)

// RunServer implements RunServiceServer on top of a runs.Manager.
type RunServer struct {
	UnimplementedRunServiceServer

	logger Logger
	runs   *runs.Manager
}

// NewRunServer creates a RunServer.
func NewRunServer(manager *runs.Manager, logger Logger) *RunServer {
	return &RunServer{runs: manager, logger: logger}
}

// =============================================================================
// Unary calls
// =============================================================================

// StartRun starts a pipeline.
//
//	request:  {pipeline: string, data?: object}
//	response: {run_id: string}
func (s *RunServer) StartRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	pipeline, err := requiredString(req, FieldPipeline)
	if err != nil {
		return nil, err
	}
	var seed map[string]any
	if v, ok := req.GetFields()[FieldData]; ok {
		data := v.GetStructValue()
		if data == nil {
			return nil, status.Error(codes.InvalidArgument, "data must be an object")
		}
		seed = data.AsMap()
	}

	runID, err := s.runs.Start(ctx, pipeline, seed)
	if err != nil {
		return nil, runError(err, pipeline)
	}
	s.logger.Info("run_accepted", "run_id", runID, "pipeline", pipeline)
	return structpb.NewStruct(map[string]any{FieldRunID: runID})
}

// GetRun returns a run snapshot.
//
//	request:  {run_id: string}
//	response: {run_id, pipeline, status, outcome, current_stage, started_at,
//	           finished_at?, error?, recent_events: [...], record?: {...}}
func (s *RunServer) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID, err := requiredString(req, FieldRunID)
	if err != nil {
		return nil, err
	}
	snap, err := s.runs.Get(runID)
	if err != nil {
		return nil, runError(err, runID)
	}
	m, err := snapshotMap(snap)
	if err != nil {
		return nil, Internal("GetRun", err)
	}
	return toStruct(m)
}

// CancelRun cancels a running run.
//
//	request:  {run_id: string}
//	response: {run_id: string, status: string}
func (s *RunServer) CancelRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID, err := requiredString(req, FieldRunID)
	if err != nil {
		return nil, err
	}
	snap, err := s.runs.Get(runID)
	if err != nil {
		return nil, runError(err, runID)
	}
	if snap.Done() {
		return nil, FailedPrecondition("run "+runID, string(snap.Status), "be cancelled")
	}
	if err := s.runs.Cancel(runID); err != nil {
		return nil, runError(err, runID)
	}
	s.logger.Info("run_cancel_requested", "run_id", runID)
	return structpb.NewStruct(map[string]any{FieldRunID: runID, "status": "cancelling"})
}

// =============================================================================
// Streaming
// =============================================================================

// WatchRun replays the run's recent events, follows live ones, and ends
// with a "finished" message carrying the final snapshot.
//
//	request:  {run_id: string}
//	stream:   {type: "event", event: {...}} ... {type: "finished", run: {...}}
func (s *RunServer) WatchRun(req *structpb.Struct, stream RunService_WatchRunServer) error {
	runID, err := requiredString(req, FieldRunID)
	if err != nil {
		return err
	}
	recent, events, stop, err := s.runs.Watch(runID)
	if err != nil {
		return runError(err, runID)
	}
	defer stop()

	for _, ev := range recent {
		if err := sendEvent(stream, ev); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case ev, ok := <-events:
			if !ok {
				return s.finishWatch(stream, runID)
			}
			if err := sendEvent(stream, ev); err != nil {
				return err
			}
		}
	}
}

func (s *RunServer) finishWatch(stream RunService_WatchRunServer, runID string) error {
	snap, err := s.runs.Get(runID)
	if err != nil {
		return runError(err, runID)
	}
	if !snap.Done() {
		s.logger.Warn("watch_dropped_slow_consumer", "run_id", runID)
		return status.Error(codes.ResourceExhausted, "watcher fell behind the event stream")
	}
	m, err := snapshotMap(snap)
	if err != nil {
		return Internal("WatchRun", err)
	}
	msg, err := toStruct(map[string]any{"type": MessageFinished, "run": m})
	if err != nil {
		return Internal("WatchRun", err)
	}
	return stream.Send(msg)
}

func sendEvent(stream RunService_WatchRunServer, ev commbus.ProgressEvent) error {
	msg, err := toStruct(map[string]any{"type": MessageEvent, "event": ev})
	if err != nil {
		return Internal("WatchRun", err)
	}
	return stream.Send(msg)
}

// =============================================================================
// Errors
// =============================================================================

func requiredString(req *structpb.Struct, field string) (string, error) {
	v := req.GetFields()[field].GetStringValue()
	if v == "" {
		return "", InvalidArgument(field)
	}
	return v, nil
}

func runError(err error, id string) error {
	switch {
	case errors.Is(err, runs.ErrUnknownPipeline):
		return NotFound("pipeline", id)
	case errors.Is(err, runs.ErrRunNotFound):
		return NotFound("run", id)
	case errors.Is(err, runs.ErrTooManyRuns):
		return ResourceExhausted("active run", err.Error())
	case errors.Is(err, runs.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return Internal("run", err)
	}
}

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server with graceful shutdown support.
type GracefulServer struct {
	grpcServer *grpc.Server
	logger     Logger
	address    string
	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer registers srv on a new gRPC server. Without opts the
// standard ServerOptions are used.
func NewGracefulServer(srv *RunServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(srv.logger)
	}
	grpcServer := grpc.NewServer(opts...)
	RegisterRunServiceServer(grpcServer, srv)

	return &GracefulServer{
		grpcServer: grpcServer,
		logger:     srv.logger,
		address:    address,
	}
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.listener = lis
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.ShutdownWithTimeout(10 * time.Second)
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// Start listens on the configured address and calls Serve.
func (s *GracefulServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// GracefulStop stops accepting connections and waits for in-flight calls.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout stops gracefully, forcing an immediate stop when that
// takes longer than timeout. Open WatchRun streams otherwise hold
// GracefulStop until their runs finish.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
	}
}

// GRPCServer returns the underlying grpc.Server.
func (s *GracefulServer) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Address returns the configured address.
func (s *GracefulServer) Address() string {
	return s.address
}
