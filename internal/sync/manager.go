package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/voxsync/internal/bus"
	"github.com/matheus3301/voxsync/internal/remote"
	"github.com/matheus3301/voxsync/internal/status"
	"github.com/matheus3301/voxsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the size of the cached working set when none is configured.
const DefaultLimit = 20

// ErrMalformedConversation marks a remote record this client cannot cache.
var ErrMalformedConversation = errors.New("malformed conversation")

// Source is the read side of the remote contract.
type Source interface {
	FetchConversation(ctx context.Context, id string) (*remote.ConversationRecord, error)
	FetchMessage(ctx context.Context, id string) (*remote.MessageRecord, error)
	FetchParticipantConversationList(ctx context.Context, participantID string) ([]string, error)
}

// Reachability reports whether the remote side can be contacted.
type Reachability interface {
	Reachable() bool
	OnChange(fn func(reachable bool)) func()
}

// Options tunes the manager.
type Options struct {
	Limit         int           // cached working set size, DefaultLimit when <= 0
	Concurrency   int           // parallel conversation fetches, 4 when <= 0
	RemoteTimeout time.Duration // per remote call, none when <= 0
}

// Manager orchestrates cache-first reads, background refresh from the remote
// source and recency-based eviction. At most one sync runs at a time.
type Manager struct {
	db     *store.DB
	source Source
	net    Reachability
	status *status.Broadcaster
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	inflight atomic.Bool
	now      func() time.Time
}

// NewManager creates a sync manager. net may be nil, meaning always reachable.
func NewManager(db *store.DB, source Source, net Reachability, st *status.Broadcaster, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if st == nil {
		st = status.NewBroadcaster(b)
	}
	m := &Manager{
		db:     db,
		source: source,
		net:    net,
		status: st,
		bus:    b,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
	m.restoreLastSync()
	return m
}

// SyncConversations refreshes the cache from the remote source.
//
// It fetches the first limit ids concurrently, writes each through the
// store, then evicts every conversation not fetched. A single failed fetch
// is logged and skipped. A store failure aborts the sync, is recorded in
// the status and returned.
//
// If a sync is already running, or the remote is unreachable, it returns an
// empty result immediately without touching the remote or the cache.
func (m *Manager) SyncConversations(ctx context.Context, identity string, ids []string, limit int) ([]store.Conversation, error) {
	if !m.inflight.CompareAndSwap(false, true) {
		m.logger.Debug("sync already in flight, skipping", zap.String("identity", identity))
		m.bus.Emit(bus.KindSyncSkipped, "in_flight")
		return []store.Conversation{}, nil
	}
	defer m.inflight.Store(false)

	if m.net != nil && !m.net.Reachable() {
		m.logger.Debug("remote unreachable, skipping sync", zap.String("identity", identity))
		m.bus.Emit(bus.KindSyncSkipped, "offline")
		return []store.Conversation{}, nil
	}

	if err := m.status.Begin(); err != nil {
		return nil, err
	}

	convs, err := m.run(ctx, identity, ids, limit)
	if err != nil {
		m.logger.Error("sync failed", zap.String("identity", identity), zap.Error(err))
		_ = m.status.Fail(err)
		return nil, err
	}

	finished := m.now()
	_ = m.status.Succeed(finished)
	m.bus.Emit(bus.KindSyncCompleted, SyncResult{Identity: identity, Conversations: len(convs), At: finished})
	return convs, nil
}

// SyncResult is the payload of sync.completed events.
type SyncResult struct {
	Identity      string
	Conversations int
	At            time.Time
}

func (m *Manager) run(ctx context.Context, identity string, ids []string, limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = m.opts.Limit
	}
	ids = firstDistinct(ids, limit)

	fetched := make([]*store.Conversation, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	var failures atomic.Int64

	for i, id := range ids {
		g.Go(func() error {
			conv, err := m.fetchConversation(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failures.Add(1)
				m.logger.Warn("fetch conversation failed", zap.String("conversation_id", id), zap.Error(err))
				return nil
			}
			if err := m.db.UpsertConversation(conv); err != nil {
				return fmt.Errorf("cache conversation %q: %w", id, err)
			}
			fetched[i] = conv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	convs := make([]store.Conversation, 0, len(ids))
	keep := make([]string, 0, len(ids))
	for _, c := range fetched {
		if c != nil {
			convs = append(convs, *c)
			keep = append(keep, c.ID)
		}
	}

	// A refresh where every fetch failed says nothing about what to keep.
	if len(keep) > 0 || len(ids) == 0 {
		swept, err := m.db.Evict(keep)
		if err != nil {
			return nil, fmt.Errorf("evict: %w", err)
		}
		m.logger.Info("sync finished",
			zap.String("identity", identity),
			zap.Int("requested", len(ids)),
			zap.Int("fetched", len(keep)),
			zap.Int64("failed", failures.Load()),
			zap.Int64("evicted", swept))
	} else {
		m.logger.Warn("every fetch failed, keeping cache as is",
			zap.String("identity", identity), zap.Int("requested", len(ids)))
	}

	if err := m.saveCheckpoint(identity, m.now()); err != nil {
		return nil, err
	}
	return convs, nil
}

// fetchConversation loads one conversation with all its messages.
func (m *Manager) fetchConversation(ctx context.Context, id string) (*store.Conversation, error) {
	rec, err := withTimeout(ctx, m.opts.RemoteTimeout, func(ctx context.Context) (*remote.ConversationRecord, error) {
		return m.source.FetchConversation(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	if len(rec.ParticipantIDs) != 2 {
		return nil, fmt.Errorf("conversation %q has %d participants: %w", id, len(rec.ParticipantIDs), ErrMalformedConversation)
	}

	conv := &store.Conversation{ID: rec.ID}
	if conv.ID == "" {
		conv.ID = id
	}
	for _, p := range rec.ParticipantIDs {
		conv.Participants = append(conv.Participants, store.Participant{ID: p, LastReadAt: rec.LastRead[p]})
	}
	for _, msgID := range rec.MessageIDs {
		msg, err := withTimeout(ctx, m.opts.RemoteTimeout, func(ctx context.Context) (*remote.MessageRecord, error) {
			return m.source.FetchMessage(ctx, msgID)
		})
		if err != nil {
			return nil, fmt.Errorf("message %q: %w", msgID, err)
		}
		conv.Messages = append(conv.Messages, store.Message{
			ID:         msg.ID,
			Timestamp:  msg.Timestamp,
			SenderID:   msg.SenderID,
			PayloadURL: msg.PayloadURL,
			IsRead:     msg.IsRead,
		})
	}
	return conv, nil
}

// SyncIdentity syncs the identity's own conversation list, most recently
// associated first.
func (m *Manager) SyncIdentity(ctx context.Context, identity string, limit int) ([]store.Conversation, error) {
	if m.net != nil && !m.net.Reachable() {
		return []store.Conversation{}, nil
	}
	ids, err := withTimeout(ctx, m.opts.RemoteTimeout, func(ctx context.Context) ([]string, error) {
		return m.source.FetchParticipantConversationList(ctx, identity)
	})
	if err != nil {
		return nil, fmt.Errorf("conversation list for %q: %w", identity, err)
	}
	return m.SyncConversations(ctx, identity, ids, limit)
}

// GetCachedConversations reads the cached working set without any network.
func (m *Manager) GetCachedConversations(limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = m.opts.Limit
	}
	return m.db.GetRecentConversations(limit)
}

// Refresh is the outcome of a background refresh.
type Refresh struct {
	Conversations []store.Conversation
	Err           error
}

// LoadConversations returns the cached conversations at once and refreshes
// them in the background. The channel yields exactly one Refresh; its
// conversations are authoritative and may drop rows the cached copy had.
func (m *Manager) LoadConversations(ctx context.Context, identity string, ids []string, limit int) ([]store.Conversation, <-chan Refresh, error) {
	cached, err := m.GetCachedConversations(limit)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan Refresh, 1)
	go func() {
		convs, err := m.SyncConversations(ctx, identity, ids, limit)
		ch <- Refresh{Conversations: convs, Err: err}
	}()
	return cached, ch, nil
}

// CacheProfiles stores profile snapshots; independent of sync state.
func (m *Manager) CacheProfiles(profiles []store.Profile) error {
	return m.db.BulkUpsertProfiles(profiles)
}

// OnSyncStatusChange registers a listener called after every status transition.
func (m *Manager) OnSyncStatusChange(l status.Listener) func() {
	return m.status.Subscribe(l)
}

// GetSyncStatus returns the current sync status.
func (m *Manager) GetSyncStatus() status.Status {
	return m.status.Current()
}

// RefreshOnReconnect syncs identity every time connectivity comes back.
// It returns the unsubscribe function.
func (m *Manager) RefreshOnReconnect(ctx context.Context, identity string, limit int) func() {
	if m.net == nil || identity == "" {
		return func() {}
	}
	var running gosync.WaitGroup
	unsub := m.net.OnChange(func(reachable bool) {
		if !reachable {
			return
		}
		running.Add(1)
		go func() {
			defer running.Done()
			if _, err := m.SyncIdentity(ctx, identity, limit); err != nil {
				m.logger.Warn("reconnect sync failed", zap.String("identity", identity), zap.Error(err))
			}
		}()
	})
	return func() {
		unsub()
		running.Wait()
	}
}

func firstDistinct(ids []string, limit int) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, min(len(ids), limit))
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
