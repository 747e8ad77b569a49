package rpc

import (
	"context"

	"github.com/imagvfx/stash"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is a client of the stash.Director service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a director at addr.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient creates a new Client with a connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run runs a job and returns it's id.
func (c *Client) Run(ctx context.Context, r RunRequest) (stash.JobID, error) {
	in, err := r.Struct()
	if err != nil {
		return 0, err
	}
	out := new(wrapperspb.Int64Value)
	err = c.conn.Invoke(ctx, methodRun, in, out)
	if err != nil {
		return 0, err
	}
	return stash.JobID(out.GetValue()), nil
}

// Cancel cancels a job.
func (c *Client) Cancel(ctx context.Context, id stash.JobID) error {
	return c.conn.Invoke(ctx, methodCancel, wrapperspb.Int64(int64(id)), new(emptypb.Empty))
}

// List lists unfinished jobs, then recently finished jobs.
func (c *Client) List(ctx context.Context) ([]stash.JobInfo, error) {
	out := new(structpb.ListValue)
	err := c.conn.Invoke(ctx, methodList, &emptypb.Empty{}, out)
	if err != nil {
		return nil, err
	}
	infos := make([]stash.JobInfo, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		infos = append(infos, infoFromStruct(v.GetStructValue()))
	}
	return infos, nil
}
