package rpc

import (
	"context"
	"time"

	"github.com/imagvfx/stash"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Server serves a director as the stash.Director service.
type Server struct {
	d *stash.Director
}

var _ DirectorServer = (*Server)(nil)

// NewServer creates a new Server.
func NewServer(d *stash.Director) *Server {
	return &Server{d: d}
}

// NewGRPCServer creates a grpc server which serves the director.
func NewGRPCServer(d *stash.Director, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnaryInterceptor(logUnary))
	s := grpc.NewServer(opts...)
	RegisterDirectorServer(s, NewServer(d))
	return s
}

func logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger := log.WithFields(log.Fields{
		"method":  info.FullMethod,
		"elapsed": time.Since(start),
	})
	if err != nil {
		logger.WithError(err).Warn("rpc failed")
	} else {
		logger.Debug("rpc")
	}
	return resp, err
}

// statusError converts a director error to a grpc status error.
func statusError(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, stash.ErrUnknownJob), errors.Is(err, stash.ErrUnknownJobDef):
		code = codes.NotFound
	case errors.Is(err, stash.ErrQueueShutdown):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

func (s *Server) Run(ctx context.Context, in *structpb.Struct) (*wrapperspb.Int64Value, error) {
	req, err := runRequestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	o, err := req.Override()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id, err := s.d.RunDef(req.Job, o)
	if err != nil {
		return nil, statusError(err)
	}
	return wrapperspb.Int64(int64(id)), nil
}

func (s *Server) Cancel(ctx context.Context, in *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	err := s.d.Cancel(stash.JobID(in.GetValue()))
	if err != nil {
		return nil, statusError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) List(ctx context.Context, in *emptypb.Empty) (*structpb.ListValue, error) {
	infos := append(s.d.Jobs(), s.d.History()...)
	vals := make([]*structpb.Value, 0, len(infos))
	for _, i := range infos {
		st, err := infoStruct(i)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		vals = append(vals, structpb.NewStructValue(st))
	}
	return &structpb.ListValue{Values: vals}, nil
}
