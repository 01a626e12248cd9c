package api

import (
	"context"
	"errors"

	"github.com/matheus3301/voxsync/internal/bus"
	"github.com/matheus3301/voxsync/internal/outbox"
	"github.com/matheus3301/voxsync/internal/status"
	"github.com/matheus3301/voxsync/internal/store"
	intsync "github.com/matheus3301/voxsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Reachability reports whether the remote backend can be contacted.
type Reachability interface {
	Reachable() bool
}

// Service implements CacheService on top of the sync manager, the outbound
// queue and the store.
type Service struct {
	db       *store.DB
	manager  *intsync.Manager
	queue    *outbox.Queue
	net      Reachability
	bus      *bus.Bus
	logger   *zap.Logger
	identity string
}

// NewService creates the API service. identity is used by
// SyncConversations when the request names none. net may be nil.
func NewService(db *store.DB, manager *intsync.Manager, queue *outbox.Queue, net Reachability, b *bus.Bus, logger *zap.Logger, identity string) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       db,
		manager:  manager,
		queue:    queue,
		net:      net,
		bus:      b,
		logger:   logger,
		identity: identity,
	}
}

var _ CacheServer = (*Service)(nil)

func (s *Service) GetCachedConversations(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(req.GetFields()["limit"].GetNumberValue())
	convs, err := s.manager.GetCachedConversations(limit)
	if err != nil {
		return nil, toStatus("get cached conversations", err)
	}
	return conversationsToStruct(convs)
}

// SyncConversations syncs the given ids, or the identity's own conversation
// list when ids is empty.
func (s *Service) SyncConversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	identity := fields["identity"].GetStringValue()
	if identity == "" {
		identity = s.identity
	}
	ids := stringList(fields["ids"])
	limit := int(fields["limit"].GetNumberValue())

	var (
		convs []store.Conversation
		err   error
	)
	if len(ids) > 0 {
		convs, err = s.manager.SyncConversations(ctx, identity, ids, limit)
	} else {
		if identity == "" {
			return nil, grpcstatus.Error(codes.InvalidArgument, "identity or ids required")
		}
		convs, err = s.manager.SyncIdentity(ctx, identity, limit)
	}
	if err != nil {
		return nil, toStatus("sync conversations", err)
	}
	return conversationsToStruct(convs)
}

// QueueMessage enqueues a voice message. With wait set it returns after
// the triggered drain has finished, including its report.
func (s *Service) QueueMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	conversationID := fields["conversation_id"].GetStringValue()
	payloadRef := fields["payload_ref"].GetStringValue()
	if conversationID == "" || payloadRef == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id and payload_ref are required")
	}

	receipt, err := s.queue.QueueMessage(ctx, conversationID, payloadRef)
	if err != nil {
		return nil, toStatus("queue message", err)
	}
	resp := map[string]any{"local_id": receipt.LocalID}
	if fields["wait"].GetBoolValue() {
		report, err := receipt.Wait(ctx)
		if err != nil {
			return nil, toStatus("queue message", err)
		}
		resp["report"] = reportToMap(report)
	}
	return structpb.NewStruct(resp)
}

func (s *Service) GetPendingCount(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	n, err := s.queue.GetPendingCount()
	if err != nil {
		return nil, toStatus("pending count", err)
	}
	return wrapperspb.Int64(n), nil
}

func (s *Service) ListPending(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	rows, err := s.queue.ListPending()
	if err != nil {
		return nil, toStatus("list pending", err)
	}
	list := make([]any, 0, len(rows))
	for i := range rows {
		list = append(list, pendingToMap(&rows[i]))
	}
	return structpb.NewStruct(map[string]any{"pending": list})
}

func (s *Service) ProcessQueue(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	report, err := s.queue.ProcessQueue(ctx)
	if err != nil {
		return nil, toStatus("process queue", err)
	}
	return structpb.NewStruct(reportToMap(report))
}

func (s *Service) RetryPending(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "local id required")
	}
	if err := s.queue.Retry(req.GetValue()); err != nil {
		return nil, toStatus("retry", err)
	}
	return &emptypb.Empty{}, nil
}

// GetSyncStatus returns the sync status plus cache and queue counters.
func (s *Service) GetSyncStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	m := statusToMap(s.manager.GetSyncStatus())
	if s.net != nil {
		m["reachable"] = s.net.Reachable()
	}
	if n, err := s.db.ConversationCount(); err == nil {
		m["cached_conversations"] = n
	}
	if n, err := s.db.MessageCount(); err == nil {
		m["cached_messages"] = n
	}
	if n, err := s.queue.GetPendingCount(); err == nil {
		m["pending_messages"] = n
	}
	if n, err := s.db.PermanentlyFailedCount(); err == nil {
		m["permanently_failed"] = n
	}
	return structpb.NewStruct(m)
}

// WatchSyncStatus sends the current status, then every transition until
// the client goes away.
func (s *Service) WatchSyncStatus(_ *emptypb.Empty, stream grpc.ServerStream) error {
	updates := make(chan status.Status, 16)
	unsub := s.manager.OnSyncStatusChange(func(st status.Status) {
		select {
		case updates <- st:
		default:
			s.logger.Debug("status watcher lagging, dropping update")
		}
	})
	defer unsub()

	send := func(st status.Status) error {
		msg, err := structpb.NewStruct(statusToMap(st))
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	}
	if err := send(s.manager.GetSyncStatus()); err != nil {
		return err
	}
	for {
		select {
		case st := <-updates:
			if err := send(st); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *Service) GetProfile(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	p, err := s.db.GetProfile(req.GetValue())
	if err != nil {
		return nil, toStatus("get profile", err)
	}
	if p == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "profile %q not cached", req.GetValue())
	}
	return profileToStruct(p)
}

// ClearAll wipes the local cache and queue, e.g. on logout.
func (s *Service) ClearAll(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.db.ClearAll(); err != nil {
		return nil, toStatus("clear all", err)
	}
	s.logger.Info("local cache cleared")
	s.bus.Emit(bus.KindCacheCleared, nil)
	return &emptypb.Empty{}, nil
}

func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, outbox.ErrUnknownMessage):
		code = codes.NotFound
	case errors.Is(err, store.ErrNotInitialized):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
