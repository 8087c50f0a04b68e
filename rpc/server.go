// Package rpc implements the rollup machine manager's external gRPC
// surface: the session lifecycle RPCs a rollup dispatcher calls, plus the
// CheckIn RPC spawned machine-server children call back into. There is no
// .proto IDL in scope, so the service is hand-assembled from a
// grpc.ServiceDesc and served over the same JSON content-subtype codec
// internal/machine uses for its outbound RPCs.
package rpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/cartesi-corp/rollup-manager/internal/checkin"
	_ "github.com/cartesi-corp/rollup-manager/internal/rpcjson" // registers the "json" codec
	"github.com/cartesi-corp/rollup-manager/internal/session"
	"github.com/cartesi-corp/rollup-manager/log"
	"github.com/cartesi-corp/rollup-manager/metrics"
)

const serviceName = "RollupMachineManager"

// Server is the manager's external gRPC surface.
type Server struct {
	mgr          *session.Manager
	checkinTable *checkin.Table
	metrics      *metrics.ManagerMetrics
	logger       *log.Logger
	grpcServer   *grpc.Server
}

// NewServer builds a Server dispatching onto mgr. checkinTable is wired in
// only so a future transport-level checkin listener can share it with the
// RPC checkIn handler; the handler itself reaches the table through mgr.
func NewServer(mgr *session.Manager, checkinTable *checkin.Table, m *metrics.ManagerMetrics, logger *log.Logger) (*Server, error) {
	s := &Server{
		mgr:          mgr,
		checkinTable: checkinTable,
		metrics:      m,
		logger:       logger.WithModule("rpc"),
	}
	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.unaryInterceptor))
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s, nil
}

// Serve listens on address (host:port, or unix:<path> for a Unix socket)
// and blocks serving RPCs until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, address string) error {
	network, addr := splitAddress(address)
	lis, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", address, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

func splitAddress(address string) (network, addr string) {
	const unixPrefix = "unix:"
	if strings.HasPrefix(address, unixPrefix) {
		return "unix", strings.TrimPrefix(address, unixPrefix)
	}
	return "tcp", address
}

// unaryInterceptor tags every request with a request id, logs its outcome
// (naming the session/epoch/input it acts on when the decoded request
// carries them), and records RPC count/latency metrics partitioned by
// method and status code.
func (s *Server) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := s.logger.With(append([]interface{}{"request_id", requestID, "method", info.FullMethod}, requestLogFields(req)...)...)
	logger.Debug("handling request")

	resp, err := handler(ctx, req)

	code := status.Code(err)
	s.metrics.ObserveRPC(info.FullMethod, code.String(), start)
	if err != nil {
		logger.Warn("request failed", "code", code.String(), "error", err)
	} else {
		logger.Debug("request completed", "duration", time.Since(start))
	}
	return resp, err
}

// requestLogFields extracts session_id, and epoch_index/input_index when
// present, from a decoded request so the interceptor can name what a
// mutating RPC is acting on without a type switch per handler.
func requestLogFields(req interface{}) []interface{} {
	switch r := req.(type) {
	case *startSessionRequest:
		return []interface{}{"session_id", r.SessionID, "epoch_index", r.ActiveEpochIndex}
	case *advanceStateRequest:
		return []interface{}{"session_id", r.SessionID, "epoch_index", r.ActiveEpochIndex, "input_index", r.CurrentInputIndex}
	case *finishEpochRequest:
		return []interface{}{"session_id", r.SessionID, "epoch_index", r.ActiveEpochIndex}
	case *endSessionRequest:
		return []interface{}{"session_id", r.SessionID}
	case *getSessionStatusRequest:
		return []interface{}{"session_id", r.SessionID}
	case *getEpochStatusRequest:
		return []interface{}{"session_id", r.SessionID, "epoch_index", r.EpochIndex}
	case *checkInRequest:
		return []interface{}{"session_id", r.SessionID}
	default:
		return nil
	}
}

// rollupMachineManagerServer is an intentionally empty marker interface:
// grpc.Server.RegisterService only requires that the registered value
// implement ServiceDesc.HandlerType, and every Go value trivially
// implements an interface with no methods.
type rollupMachineManagerServer interface{}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rollupMachineManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartSession", Handler: startSessionHandler},
		{MethodName: "AdvanceState", Handler: advanceStateHandler},
		{MethodName: "FinishEpoch", Handler: finishEpochHandler},
		{MethodName: "EndSession", Handler: endSessionHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "GetVersion", Handler: getVersionHandler},
		{MethodName: "GetSessionStatus", Handler: getSessionStatusHandler},
		{MethodName: "GetEpochStatus", Handler: getEpochStatusHandler},
		{MethodName: "CheckIn", Handler: checkInHandler},
	},
	Metadata: "rollup-manager/rpc",
}

func startSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(startSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).startSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/StartSession"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).startSession(ctx, req.(*startSessionRequest))
	})
}

func advanceStateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(advanceStateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).advanceState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AdvanceState"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).advanceState(ctx, req.(*advanceStateRequest))
	})
}

func finishEpochHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(finishEpochRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).finishEpoch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/FinishEpoch"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).finishEpoch(ctx, req.(*finishEpochRequest))
	})
}

func endSessionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(endSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).endSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/EndSession"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).endSession(ctx, req.(*endSessionRequest))
	})
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).getStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetStatus"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).getStatus(ctx, req.(*emptyRequest))
	})
}

func getVersionHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptyRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).getVersion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetVersion"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).getVersion(ctx, req.(*emptyRequest))
	})
}

func getSessionStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(getSessionStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).getSessionStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetSessionStatus"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).getSessionStatus(ctx, req.(*getSessionStatusRequest))
	})
}

func getEpochStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(getEpochStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).getEpochStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetEpochStatus"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).getEpochStatus(ctx, req.(*getEpochStatusRequest))
	})
}

func checkInHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(checkInRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).checkIn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CheckIn"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).checkIn(ctx, req.(*checkInRequest))
	})
}
