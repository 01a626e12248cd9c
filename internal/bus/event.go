package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so
// "sync." receives every sync event.
const (
	KindSyncStatusChanged = "sync.status_changed"
	KindSyncCompleted     = "sync.completed"
	KindSyncSkipped       = "sync.skipped"

	KindOutboxQueued    = "outbox.queued"
	KindOutboxDelivered = "outbox.delivered"
	KindOutboxFailed    = "outbox.failed"

	KindNetReachable   = "net.reachable"
	KindNetUnreachable = "net.unreachable"

	KindCacheCleared = "cache.cleared"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
