package vectorapi

import (
	"context"

	"google.golang.org/grpc"
	emptypb "google.golang.org/protobuf/types/known/emptypb"
	structpb "google.golang.org/protobuf/types/known/structpb"
)

// Client calls the VectorDB service over any gRPC connection.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) CreateIndex(ctx context.Context, req CreateIndexRequest, opts ...grpc.CallOption) (Index, error) {
	var out structpb.Struct
	if err := c.conn.Invoke(ctx, FullMethodCreateIndex, req.Struct(), &out, opts...); err != nil {
		return Index{}, err
	}
	return ParseIndex(&out)
}

func (c *Client) GetIndex(ctx context.Context, id uint64, opts ...grpc.CallOption) (Index, error) {
	var out structpb.Struct
	if err := c.conn.Invoke(ctx, FullMethodGetIndex, IndexRef{ID: id}.Struct(), &out, opts...); err != nil {
		return Index{}, err
	}
	return ParseIndex(&out)
}

func (c *Client) ListIndexes(ctx context.Context, opts ...grpc.CallOption) ([]Index, error) {
	var out structpb.Struct
	if err := c.conn.Invoke(ctx, FullMethodListIndexes, &emptypb.Empty{}, &out, opts...); err != nil {
		return nil, err
	}
	list, err := ParseIndexList(&out)
	if err != nil {
		return nil, err
	}
	return list.Indexes, nil
}

func (c *Client) DeleteIndex(ctx context.Context, id uint64, opts ...grpc.CallOption) error {
	return c.conn.Invoke(ctx, FullMethodDeleteIndex, IndexRef{ID: id}.Struct(), &emptypb.Empty{}, opts...)
}

func (c *Client) CreateEntry(ctx context.Context, req CreateEntryRequest, opts ...grpc.CallOption) (Entry, error) {
	var out structpb.Struct
	if err := c.conn.Invoke(ctx, FullMethodCreateEntry, req.Struct(), &out, opts...); err != nil {
		return Entry{}, err
	}
	return ParseEntry(&out)
}

func (c *Client) SearchEntries(ctx context.Context, req SearchRequest, opts ...grpc.CallOption) (SearchResponse, error) {
	var out structpb.Struct
	if err := c.conn.Invoke(ctx, FullMethodSearchEntries, req.Struct(), &out, opts...); err != nil {
		return SearchResponse{}, err
	}
	return ParseSearchResponse(&out)
}
