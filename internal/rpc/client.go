package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ChuLiYu/tickcast/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is a typed client for the Timers service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // nil when built over a caller-owned connection
}

// StartResult is the reply to Start.
type StartResult struct {
	ID      types.TimerID `json:"id"`
	Seconds int64         `json:"seconds"`
}

// Dial connects to a tickcast gRPC endpoint without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close does not close cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Start creates a timer.
func (c *Client) Start(ctx context.Context, seconds int64) (StartResult, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStart, wrapperspb.Int64(seconds), out); err != nil {
		return StartResult{}, err
	}
	var res StartResult
	if err := fromStruct(out, &res); err != nil {
		return StartResult{}, err
	}
	return res, nil
}

// Stop cancels a timer and reports whether it was live.
func (c *Client) Stop(ctx context.Context, id types.TimerID) (bool, error) {
	out := new(wrapperspb.BoolValue)
	if err := c.cc.Invoke(ctx, methodStop, wrapperspb.UInt64(uint64(id)), out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// List returns the live timers ordered by ID.
func (c *Client) List(ctx context.Context) ([]types.Timer, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodList, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var res struct {
		Timers []types.Timer `json:"timers"`
	}
	if err := fromStruct(out, &res); err != nil {
		return nil, err
	}
	return res.Timers, nil
}

// Status returns the live timers and connection counts.
func (c *Client) Status(ctx context.Context) (types.Status, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStatus, &emptypb.Empty{}, out); err != nil {
		return types.Status{}, err
	}
	var res types.Status
	if err := fromStruct(out, &res); err != nil {
		return types.Status{}, err
	}
	return res, nil
}

// Watch streams events to fn until ctx ends, the server closes the stream,
// or fn returns an error. A clean server close returns nil.
func (c *Client) Watch(ctx context.Context, fn func(types.Event) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	desc := &Timers_ServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, methodWatch)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var ev types.Event
		if err := fromStruct(msg, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
