// Package outbox is the durable queue of outbound voice messages. Messages
// recorded offline are persisted first and delivered in enqueue order once
// the backend is reachable.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/voxsync/internal/bus"
	"github.com/matheus3301/voxsync/internal/remote"
	"github.com/matheus3301/voxsync/internal/store"
	"go.uber.org/zap"
)

// ErrUnknownMessage is returned when a local id is not in the queue.
var ErrUnknownMessage = errors.New("outbox: unknown message")

// Skip reasons reported by ProcessQueue.
const (
	SkipInFlight = "in_flight"
	SkipOffline  = "offline"
)

// Remote is the slice of the backend contract needed for delivery.
type Remote interface {
	UploadPayload(ctx context.Context, localRef string) (string, error)
	InsertMessage(ctx context.Context, rec *remote.MessageRecord) error
	FetchConversation(ctx context.Context, id string) (*remote.ConversationRecord, error)
	UpsertConversation(ctx context.Context, rec *remote.ConversationRecord) error
	FetchParticipantConversationList(ctx context.Context, participantID string) ([]string, error)
	UpdateParticipantConversationList(ctx context.Context, participantID string, ids []string) error
}

// Reachability reports whether the remote side can be contacted.
type Reachability interface {
	Reachable() bool
	OnChange(fn func(reachable bool)) func()
}

// Options tunes delivery.
type Options struct {
	SenderID      string        // identity stamped on delivered messages
	RemoteTimeout time.Duration // per remote call, none when <= 0
	MaxRetries    int           // attempts before permanently_failed, 8 when <= 0
	Backoff       Backoff
}

// Report summarizes one ProcessQueue call.
type Report struct {
	Attempted         int
	Delivered         int
	Failed            int
	PermanentlyFailed int
	Skipped           string // SkipInFlight or SkipOffline when nothing ran
}

func (r *Report) add(o Report) {
	r.Attempted += o.Attempted
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.PermanentlyFailed += o.PermanentlyFailed
}

// Receipt is the handle returned by QueueMessage.
type Receipt struct {
	LocalID string

	done   chan struct{}
	report Report
	err    error
}

func newReceipt(id string) *Receipt {
	return &Receipt{LocalID: id, done: make(chan struct{})}
}

func (r *Receipt) finish(report Report, err error) {
	r.report, r.err = report, err
	close(r.done)
}

// Wait blocks until the drain triggered by the enqueue has finished and
// returns its report. A Skipped report means another drain picked the
// message up, or the backend was unreachable and the message stays queued.
func (r *Receipt) Wait(ctx context.Context) (Report, error) {
	select {
	case <-r.done:
		return r.report, r.err
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}

// Queue persists outbound messages and drains them to the remote backend.
type Queue struct {
	db     *store.DB
	remote Remote
	net    Reachability
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	draining sync.Mutex
	rerun    atomic.Bool

	mu         sync.Mutex
	ctx        context.Context // cancelled by Stop
	cancel     context.CancelFunc
	started    bool
	stopParent func() bool
	timer      *time.Timer
	unsubNet   func()
	bg         sync.WaitGroup

	now func() time.Time
}

// NewQueue creates a queue. net may be nil, meaning always reachable.
func NewQueue(db *store.DB, r Remote, net Reachability, b *bus.Bus, logger *zap.Logger, opts Options) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 8
	}
	opts.Backoff = opts.Backoff.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		db:     db,
		remote: r,
		net:    net,
		bus:    b,
		logger: logger,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// QueueMessage persists a new pending message and triggers a drain without
// waiting for it. Use the receipt to observe the outcome.
func (q *Queue) QueueMessage(ctx context.Context, conversationID, payloadRef string) (*Receipt, error) {
	if conversationID == "" || payloadRef == "" {
		return nil, errors.New("outbox: conversation id and payload ref are required")
	}
	p := &store.PendingMessage{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		PayloadRef:     payloadRef,
	}
	if err := q.db.InsertPending(p); err != nil {
		return nil, err
	}
	q.logger.Info("message queued",
		zap.String("local_id", p.LocalID),
		zap.String("conversation_id", conversationID))
	q.bus.Emit(bus.KindOutboxQueued, p.LocalID)

	receipt := newReceipt(p.LocalID)
	// The drain outlives the request but not the queue: ProcessQueue binds
	// it to Stop.
	dctx := context.WithoutCancel(ctx)
	q.goDrain(func() {
		receipt.finish(q.ProcessQueue(dctx))
	})
	return receipt, nil
}

// ProcessQueue delivers every due message in enqueue order, one at a time.
//
// Only one drain runs at a time. A caller arriving while a drain is running
// returns at once with Skipped set to SkipInFlight and the running drain
// makes one more pass, so the caller's messages are not left behind.
// When the backend is unreachable it returns at once without touching any
// message. Stop cancels a running drain whatever ctx the caller passed.
func (q *Queue) ProcessQueue(ctx context.Context) (Report, error) {
	if !q.draining.TryLock() {
		q.rerun.Store(true)
		// The running drain may have finished between the two calls.
		if !q.draining.TryLock() {
			return Report{Skipped: SkipInFlight}, nil
		}
	}

	ctx, cancel := q.bind(ctx)
	report, err := q.drainLocked(ctx)
	cancel()
	q.draining.Unlock()

	if q.rerun.Load() {
		q.trigger()
	}
	// Offline drains leave due rows in place; the reconnect listener picks
	// them up, so there is nothing to time.
	if report.Skipped != SkipOffline {
		q.scheduleRetry()
	}
	return report, err
}

// bind returns ctx cancelled as well when the queue is stopped.
func (q *Queue) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (q *Queue) drainLocked(ctx context.Context) (Report, error) {
	var total Report
	for {
		q.rerun.Store(false)
		if !q.reachable() {
			if total.Attempted == 0 {
				total.Skipped = SkipOffline
			}
			return total, nil
		}
		r, err := q.drainOnce(ctx)
		total.add(r)
		if err != nil {
			return total, err
		}
		if !q.rerun.Load() {
			return total, nil
		}
	}
}

func (q *Queue) drainOnce(ctx context.Context) (Report, error) {
	var r Report
	due, err := q.db.DrainablePending(q.now().UnixMilli())
	if err != nil {
		return r, fmt.Errorf("list drainable: %w", err)
	}
	for i := range due {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if !q.reachable() {
			q.logger.Info("backend unreachable, pausing drain", zap.Int("remaining", len(due)-i))
			break
		}
		p := &due[i]
		r.Attempted++
		serverID, err := q.deliver(ctx, p)
		if err == nil {
			r.Delivered++
			q.logger.Info("message delivered",
				zap.String("local_id", p.LocalID),
				zap.String("message_id", serverID))
			q.bus.Emit(bus.KindOutboxDelivered, Delivery{LocalID: p.LocalID, MessageID: serverID, ConversationID: p.ConversationID})
			continue
		}
		if cerr := ctx.Err(); cerr != nil {
			// Cancellation is not a delivery failure.
			if rerr := q.db.ReleasePending(p.LocalID); rerr != nil {
				q.logger.Warn("release interrupted delivery", zap.String("local_id", p.LocalID), zap.Error(rerr))
			}
			return r, cerr
		}
		status, ferr := q.recordFailure(p, err)
		if ferr != nil {
			return r, ferr
		}
		if status == store.StatusPermanentlyFailed {
			r.PermanentlyFailed++
		} else {
			r.Failed++
		}
	}
	return r, nil
}

// Delivery is the payload of outbox.delivered events.
type Delivery struct {
	LocalID        string
	MessageID      string
	ConversationID string
}

// Failure is the payload of outbox.failed events.
type Failure struct {
	LocalID    string
	Err        string
	RetryCount int
	Status     store.PendingStatus
}

func (q *Queue) deliver(ctx context.Context, p *store.PendingMessage) (string, error) {
	if err := q.db.MarkPendingSending(p.LocalID); err != nil {
		return "", err
	}
	// The remote id is fixed before the first insert so a retry after a
	// partial delivery writes the same record instead of a second one.
	messageID, err := q.db.AssignPendingMessageID(p.LocalID, uuid.NewString())
	if err != nil {
		return "", err
	}

	url, err := call(ctx, q.opts.RemoteTimeout, func(ctx context.Context) (string, error) {
		return q.remote.UploadPayload(ctx, p.PayloadRef)
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	rec := &remote.MessageRecord{
		ID:             messageID,
		ConversationID: p.ConversationID,
		SenderID:       q.opts.SenderID,
		PayloadURL:     url,
		Timestamp:      p.Timestamp,
	}
	if _, err := call(ctx, q.opts.RemoteTimeout, func(ctx context.Context) (struct{}, error) {
		err := q.remote.InsertMessage(ctx, rec)
		if errors.Is(err, remote.ErrAlreadyExists) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	}); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	conv, err := call(ctx, q.opts.RemoteTimeout, func(ctx context.Context) (*remote.ConversationRecord, error) {
		c, err := q.remote.FetchConversation(ctx, p.ConversationID)
		if err != nil {
			return nil, err
		}
		if slices.Contains(c.MessageIDs, rec.ID) {
			return c, nil
		}
		c.MessageIDs = append(c.MessageIDs, rec.ID)
		return c, q.remote.UpsertConversation(ctx, c)
	})
	if err != nil {
		return "", fmt.Errorf("append to conversation: %w", err)
	}

	if _, err := q.db.DeletePendingMessage(p.LocalID); err != nil {
		return "", err
	}

	q.mirror(rec)
	q.promote(ctx, conv)
	return rec.ID, nil
}

// mirror copies a delivered message into the local cache when its
// conversation is cached there, bumping the conversation's recency.
func (q *Queue) mirror(rec *remote.MessageRecord) {
	_, err := q.db.AppendCachedMessage(&store.Message{
		ID:         rec.ID,
		Timestamp:  rec.Timestamp,
		SenderID:   rec.SenderID,
		PayloadURL: rec.PayloadURL,
	}, rec.ConversationID)
	if err != nil {
		q.logger.Warn("mirror delivered message", zap.String("message_id", rec.ID), zap.Error(err))
	}
}

// promote moves the conversation to the front of each participant's list.
func (q *Queue) promote(ctx context.Context, conv *remote.ConversationRecord) {
	for _, pid := range conv.ParticipantIDs {
		_, err := call(ctx, q.opts.RemoteTimeout, func(ctx context.Context) (struct{}, error) {
			ids, err := q.remote.FetchParticipantConversationList(ctx, pid)
			if err != nil {
				return struct{}{}, err
			}
			return struct{}{}, q.remote.UpdateParticipantConversationList(ctx, pid, remote.PromoteConversation(ids, conv.ID))
		})
		if err != nil {
			q.logger.Warn("promote conversation",
				zap.String("conversation_id", conv.ID),
				zap.String("participant_id", pid),
				zap.Error(err))
		}
	}
}

func (q *Queue) recordFailure(p *store.PendingMessage, cause error) (store.PendingStatus, error) {
	retry := p.RetryCount + 1
	status := store.StatusFailed
	var next int64
	if retry >= q.opts.MaxRetries {
		status = store.StatusPermanentlyFailed
	} else {
		next = q.now().Add(q.opts.Backoff.Delay(retry)).UnixMilli()
	}
	if err := q.db.MarkPendingFailed(p.LocalID, cause.Error(), retry, status, next); err != nil {
		return "", fmt.Errorf("record failure for %q: %w", p.LocalID, err)
	}

	q.logger.Warn("delivery failed",
		zap.String("local_id", p.LocalID),
		zap.Int("retry_count", retry),
		zap.String("status", string(status)),
		zap.Error(cause))
	q.bus.Emit(bus.KindOutboxFailed, Failure{LocalID: p.LocalID, Err: cause.Error(), RetryCount: retry, Status: status})
	return status, nil
}

// GetPendingCount returns the number of messages awaiting delivery.
func (q *Queue) GetPendingCount() (int64, error) {
	return q.db.PendingCount()
}

// ListPending returns every queued message, oldest first.
func (q *Queue) ListPending() ([]store.PendingMessage, error) {
	return q.db.ListPending()
}

// Retry puts a failed or permanently failed message back in line and
// triggers a drain.
func (q *Queue) Retry(localID string) error {
	ok, err := q.db.RetryPending(localID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%q: %w", localID, ErrUnknownMessage)
	}
	q.trigger()
	return nil
}

// StartNetworkListener drains the queue every time the backend becomes
// reachable. It returns the unsubscribe function.
func (q *Queue) StartNetworkListener() func() {
	if q.net == nil {
		return func() {}
	}
	return q.net.OnChange(func(reachable bool) {
		if reachable {
			q.logger.Debug("backend reachable, draining outbox")
			q.trigger()
		}
	})
}

// Start recovers messages interrupted by a crash, listens for connectivity
// and kicks an initial drain.
func (q *Queue) Start(ctx context.Context) error {
	n, err := q.db.RecoverInterrupted()
	if err != nil {
		return fmt.Errorf("recover interrupted: %w", err)
	}
	if n > 0 {
		q.logger.Warn("recovered interrupted deliveries", zap.Int64("count", n))
	}

	q.mu.Lock()
	q.started = true
	q.stopParent = context.AfterFunc(ctx, q.cancel)
	q.mu.Unlock()

	unsub := q.StartNetworkListener()
	q.mu.Lock()
	q.unsubNet = unsub
	q.mu.Unlock()

	q.trigger()
	return nil
}

// Stop cancels in-flight drains and the retry timer and waits for
// background work to finish. A stopped queue still accepts messages but no
// longer delivers them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.unsubNet != nil {
		q.unsubNet()
		q.unsubNet = nil
	}
	if q.stopParent != nil {
		q.stopParent()
	}
	q.cancel()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
	q.bg.Wait()
}

func (q *Queue) trigger() {
	ctx := q.ctx
	if ctx.Err() != nil {
		return
	}
	q.goDrain(func() {
		if _, err := q.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("drain failed", zap.Error(err))
		}
	})
}

func (q *Queue) goDrain(fn func()) {
	q.bg.Add(1)
	go func() {
		defer q.bg.Done()
		fn()
	}()
}

// scheduleRetry arms the timer for the earliest failed message whose
// backoff has not run out yet. Rows already due are left to the next
// trigger (reconnect, enqueue or Retry) rather than re-armed at zero.
func (q *Queue) scheduleRetry() {
	at, ok, err := q.db.NextFutureRetryAt(q.now().UnixMilli())
	if err != nil || !ok {
		return
	}
	wait := time.Until(time.UnixMilli(at))
	if wait <= 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started || q.ctx.Err() != nil {
		// Not started; callers drain explicitly.
		return
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(wait, q.trigger)
}

func (q *Queue) reachable() bool {
	return q.net == nil || q.net.Reachable()
}

func call[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
