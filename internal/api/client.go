package api

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Dial connects to a daemon's Unix socket.
func Dial(socketPath string) (*grpc.ClientConn, error) {
	return grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// Client is the client side of CacheService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out)
}

// GetCachedConversations lists cached conversations, newest first.
func (c *Client) GetCachedConversations(ctx context.Context, limit int) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "GetCachedConversations", in, out)
}

// SyncConversations syncs ids, or identity's own list when ids is empty.
func (c *Client) SyncConversations(ctx context.Context, identity string, ids []string, limit int) (*structpb.Struct, error) {
	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	in, err := structpb.NewStruct(map[string]any{"identity": identity, "ids": list, "limit": limit})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "SyncConversations", in, out)
}

// QueueMessage enqueues a voice message; wait blocks until the triggered drain ends.
func (c *Client) QueueMessage(ctx context.Context, conversationID, payloadRef string, wait bool) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{
		"conversation_id": conversationID,
		"payload_ref":     payloadRef,
		"wait":            wait,
	})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "QueueMessage", in, out)
}

// GetPendingCount returns the number of undelivered messages.
func (c *Client) GetPendingCount(ctx context.Context) (int64, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.invoke(ctx, "GetPendingCount", &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// ListPending lists every queued message.
func (c *Client) ListPending(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "ListPending", &emptypb.Empty{}, out)
}

// ProcessQueue drains the queue and returns the report.
func (c *Client) ProcessQueue(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "ProcessQueue", &emptypb.Empty{}, out)
}

// RetryPending puts a failed message back in line.
func (c *Client) RetryPending(ctx context.Context, localID string) error {
	return c.invoke(ctx, "RetryPending", wrapperspb.String(localID), new(emptypb.Empty))
}

// GetSyncStatus returns the sync status and counters.
func (c *Client) GetSyncStatus(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "GetSyncStatus", &emptypb.Empty{}, out)
}

// GetProfile returns a cached profile.
func (c *Client) GetProfile(ctx context.Context, uid string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	return out, c.invoke(ctx, "GetProfile", wrapperspb.String(uid), out)
}

// ClearAll wipes the daemon's local state.
func (c *Client) ClearAll(ctx context.Context) error {
	return c.invoke(ctx, "ClearAll", &emptypb.Empty{}, new(emptypb.Empty))
}

// WatchSyncStatus calls fn for the current status and every transition
// until ctx is done, fn returns an error, or the stream ends.
func (c *Client) WatchSyncStatus(ctx context.Context, fn func(*structpb.Struct) error) error {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchSyncStatus"))
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
		if err := fn(msg); err != nil {
			return err
		}
	}
}
