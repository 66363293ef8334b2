package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/tickcast/internal/hub"
	"github.com/ChuLiYu/tickcast/internal/registry"
	"github.com/ChuLiYu/tickcast/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultSendTimeout bounds a single Watch send, matching the HTTP push writers.
const DefaultSendTimeout = 5 * time.Second

// Server implements the gRPC server for the Timers service.
type Server struct {
	reg         *registry.Registry
	maxSeconds  int64
	sendTimeout time.Duration
	log         *slog.Logger
}

var _ TimersServer = (*Server)(nil)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSendTimeout sets how long one Watch send may block before the stream
// is ended with DeadlineExceeded.
func WithSendTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// NewServer creates a gRPC server instance over reg. maxSeconds bounds Start.
func NewServer(reg *registry.Registry, maxSeconds int64, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSeconds <= 0 {
		maxSeconds = 86400
	}
	s := &Server{reg: reg, maxSeconds: maxSeconds, sendTimeout: DefaultSendTimeout, log: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewGRPCServer builds a *grpc.Server with the Timers service registered
// and request logging installed.
func NewGRPCServer(srv *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(srv.log)),
		grpc.ChainStreamInterceptor(loggingStreamInterceptor(srv.log)),
	)
	gs := grpc.NewServer(opts...)
	RegisterTimersServer(gs, srv)
	return gs
}

// Start handles timer creation.
func (s *Server) Start(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	seconds := req.GetValue()
	if seconds <= 0 || seconds > s.maxSeconds {
		return nil, status.Errorf(codes.InvalidArgument, "seconds must be between 1 and %d, got %d", s.maxSeconds, seconds)
	}

	timer, err := s.reg.Start(seconds)
	switch {
	case errors.Is(err, registry.ErrInvalidDuration):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case err != nil:
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	return structpb.NewStruct(map[string]any{
		"id":      float64(timer.ID),
		"seconds": float64(timer.SecondsLeft),
	})
}

// Stop cancels a timer. Unknown IDs report false, not an error.
func (s *Server) Stop(ctx context.Context, req *wrapperspb.UInt64Value) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.reg.Stop(types.TimerID(req.GetValue()))), nil
}

// List returns the live set.
func (s *Server) List(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(map[string]any{"timers": s.reg.List()})
}

// Status returns the live set plus per-transport connection counts.
func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(types.NewStatus(s.reg.List(), s.reg.Hub().Counts()))
}

// Watch streams lifecycle events, bootstrap first, until the client leaves.
func (s *Server) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()

	sub, err := s.reg.Subscribe(ctx, types.TransportGRPC)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sub.Close()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return watchEndStatus(sub.Err())
			}
			msg, err := toStruct(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := s.send(stream, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// send bounds one stream.Send by sendTimeout. On timeout Watch returns, which
// cancels the stream context and releases the blocked Send; no further Send
// is issued on the stream.
func (s *Server) send(stream grpc.ServerStreamingServer[structpb.Struct], msg *structpb.Struct) error {
	done := make(chan error, 1)
	go func() {
		done <- stream.Send(msg)
	}()

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		s.log.Warn("Watch send timed out, ending stream", "timeout", s.sendTimeout)
		return status.Errorf(codes.DeadlineExceeded, "watch send blocked for more than %s", s.sendTimeout)
	}
}

func watchEndStatus(err error) error {
	switch {
	case errors.Is(err, hub.ErrSlowConsumer):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, hub.ErrHubClosed):
		return status.Error(codes.Unavailable, err.Error())
	}
	return nil
}

func loggingUnaryInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("gRPC call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}

func loggingStreamInterceptor(log *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		log.Debug("gRPC stream closed",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return err
	}
}
