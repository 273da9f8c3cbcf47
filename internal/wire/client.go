package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ReplayClient is the typed client over a gRPC connection.
type ReplayClient struct {
	cc grpc.ClientConnInterface
}

// NewReplayClient wraps an established connection.
func NewReplayClient(cc grpc.ClientConnInterface) *ReplayClient {
	return &ReplayClient{cc: cc}
}

// Dial connects to a replay server with the replay codec selected.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(CallOption()),
	}, opts...)
	return grpc.NewClient(target, opts...)
}

func (c *ReplayClient) ServerInfo(ctx context.Context, req *ServerInfoRequest) (*ServerInfoResponse, error) {
	out := new(ServerInfoResponse)
	if err := c.cc.Invoke(ctx, methodServerInfo, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReplayClient) MutatePriorities(ctx context.Context, req *MutatePrioritiesRequest) (*MutatePrioritiesResponse, error) {
	out := new(MutatePrioritiesResponse)
	if err := c.cc.Invoke(ctx, methodMutatePriorities, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReplayClient) Reset(ctx context.Context, req *ResetRequest) (*ResetResponse, error) {
	out := new(ResetResponse)
	if err := c.cc.Invoke(ctx, methodReset, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReplayClient) Checkpoint(ctx context.Context, req *CheckpointRequest) (*CheckpointResponse, error) {
	out := new(CheckpointResponse)
	if err := c.cc.Invoke(ctx, methodCheckpoint, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertStream opens the bidirectional insert stream.
func (c *ReplayClient) InsertStream(ctx context.Context) (InsertStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], methodInsertStream)
	if err != nil {
		return nil, err
	}
	return &insertStreamClient{stream}, nil
}

// SampleStream opens the sample stream.
func (c *ReplayClient) SampleStream(ctx context.Context) (SampleStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[1], methodSampleStream)
	if err != nil {
		return nil, err
	}
	return &sampleStreamClient{stream}, nil
}

type insertStreamClient struct{ grpc.ClientStream }

func (s *insertStreamClient) Send(m *InsertRequest) error { return s.SendMsg(m) }

func (s *insertStreamClient) Recv() (*InsertResponse, error) {
	m := new(InsertResponse)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type sampleStreamClient struct{ grpc.ClientStream }

func (s *sampleStreamClient) Send(m *SampleRequest) error { return s.SendMsg(m) }

func (s *sampleStreamClient) Recv() (*SampleResponse, error) {
	m := new(SampleResponse)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
