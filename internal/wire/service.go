package wire

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "reverb.ReplayService"

const (
	methodServerInfo       = "/" + ServiceName + "/ServerInfo"
	methodMutatePriorities = "/" + ServiceName + "/MutatePriorities"
	methodReset            = "/" + ServiceName + "/Reset"
	methodCheckpoint       = "/" + ServiceName + "/Checkpoint"
	methodInsertStream     = "/" + ServiceName + "/InsertStream"
	methodSampleStream     = "/" + ServiceName + "/SampleStream"
)

// ReplayServer is the interface a server implementation registers.
type ReplayServer interface {
	ServerInfo(ctx context.Context, req *ServerInfoRequest) (*ServerInfoResponse, error)
	MutatePriorities(ctx context.Context, req *MutatePrioritiesRequest) (*MutatePrioritiesResponse, error)
	Reset(ctx context.Context, req *ResetRequest) (*ResetResponse, error)
	Checkpoint(ctx context.Context, req *CheckpointRequest) (*CheckpointResponse, error)
	InsertStream(stream InsertStreamServer) error
	SampleStream(stream SampleStreamServer) error
}

// InsertStreamServer is the server view of the bidirectional insert stream.
type InsertStreamServer interface {
	Send(*InsertResponse) error
	Recv() (*InsertRequest, error)
	Context() context.Context
}

// SampleStreamServer is the server view of the sample stream.
type SampleStreamServer interface {
	Send(*SampleResponse) error
	Recv() (*SampleRequest, error)
	Context() context.Context
}

// InsertStreamClient is the client view of the insert stream.
type InsertStreamClient interface {
	Send(*InsertRequest) error
	Recv() (*InsertResponse, error)
	CloseSend() error
	Context() context.Context
}

// SampleStreamClient is the client view of the sample stream.
type SampleStreamClient interface {
	Send(*SampleRequest) error
	Recv() (*SampleResponse, error)
	CloseSend() error
	Context() context.Context
}

// RegisterReplayServer registers srv with a gRPC server.
func RegisterReplayServer(s grpc.ServiceRegistrar, srv ReplayServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ServerInfo", Handler: serverInfoHandler},
		{MethodName: "MutatePriorities", Handler: mutatePrioritiesHandler},
		{MethodName: "Reset", Handler: resetHandler},
		{MethodName: "Checkpoint", Handler: checkpointHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "InsertStream",
			Handler:       insertStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "SampleStream",
			Handler:       sampleStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func serverInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ServerInfoRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplayServer).ServerInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodServerInfo}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplayServer).ServerInfo(ctx, req.(*ServerInfoRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func mutatePrioritiesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(MutatePrioritiesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplayServer).MutatePriorities(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodMutatePriorities}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplayServer).MutatePriorities(ctx, req.(*MutatePrioritiesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func resetHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ResetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplayServer).Reset(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReset}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplayServer).Reset(ctx, req.(*ResetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func checkpointHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CheckpointRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplayServer).Checkpoint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCheckpoint}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplayServer).Checkpoint(ctx, req.(*CheckpointRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func insertStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ReplayServer).InsertStream(&insertStreamServer{stream})
}

func sampleStreamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ReplayServer).SampleStream(&sampleStreamServer{stream})
}

type insertStreamServer struct{ grpc.ServerStream }

func (s *insertStreamServer) Send(m *InsertResponse) error { return s.SendMsg(m) }

func (s *insertStreamServer) Recv() (*InsertRequest, error) {
	m := new(InsertRequest)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type sampleStreamServer struct{ grpc.ServerStream }

func (s *sampleStreamServer) Send(m *SampleResponse) error { return s.SendMsg(m) }

func (s *sampleStreamServer) Recv() (*SampleRequest, error) {
	m := new(SampleRequest)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
