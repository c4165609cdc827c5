package api

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the KubeMemory service with JSON-shaped requests.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes a unary method. req is any JSON-encodable object; the response is decoded into resp when non-nil.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	in, err := toRequest(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	raw, err := out.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return json.Unmarshal(raw, resp)
}

// Subscribe opens the notification stream. req may carry incidentId or namespace to filter.
func (c *Client) Subscribe(ctx context.Context, req any) (grpc.ServerStreamingClient[structpb.Struct], error) {
	in, err := toRequest(req)
	if err != nil {
		return nil, err
	}
	stream, err := c.conn.NewStream(ctx, &KubeMemoryServiceDesc.Streams[0], FullMethod(MethodSubscribe))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func toRequest(req any) (*structpb.Struct, error) {
	if req == nil {
		return &structpb.Struct{}, nil
	}
	if s, ok := req.(*structpb.Struct); ok {
		return s, nil
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return out, nil
}
