package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/voxsync/internal/bus"
)

// Phase is the sync lifecycle phase.
type Phase string

const (
	Idle    Phase = "IDLE"
	Syncing Phase = "SYNCING"
)

var validTransitions = map[Phase][]Phase{
	Idle:    {Syncing},
	Syncing: {Idle},
}

// Status is the snapshot handed to listeners.
type Status struct {
	IsSyncing    bool
	LastSyncTime time.Time // zero until the first successful sync
	Err          error     // error of the last sync attempt, nil on success
}

// Phase returns the phase matching IsSyncing.
func (s Status) Phase() Phase {
	if s.IsSyncing {
		return Syncing
	}
	return Idle
}

// Listener receives the new status after every transition.
type Listener func(Status)

// Broadcaster tracks the sync status and fans transitions out to listeners
// and to the bus.
type Broadcaster struct {
	mu        sync.Mutex
	current   Status
	listeners map[int]Listener
	next      int
	bus       *bus.Bus
}

// NewBroadcaster creates a broadcaster starting Idle with no prior sync.
func NewBroadcaster(b *bus.Bus) *Broadcaster {
	return &Broadcaster{
		listeners: make(map[int]Listener),
		bus:       b,
	}
}

// Current returns the current status.
func (b *Broadcaster) Current() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Restore seeds the last sync time, e.g. from persisted metadata. It does not notify.
func (b *Broadcaster) Restore(lastSync time.Time) {
	b.mu.Lock()
	b.current.LastSyncTime = lastSync
	b.mu.Unlock()
}

// Begin moves Idle -> Syncing and clears the previous error.
func (b *Broadcaster) Begin() error {
	return b.transition(Syncing, func(s *Status) {
		s.Err = nil
	})
}

// Succeed moves Syncing -> Idle recording the sync time.
func (b *Broadcaster) Succeed(at time.Time) error {
	return b.transition(Idle, func(s *Status) {
		s.LastSyncTime = at
		s.Err = nil
	})
}

// Fail moves Syncing -> Idle recording err.
func (b *Broadcaster) Fail(err error) error {
	return b.transition(Idle, func(s *Status) {
		s.Err = err
	})
}

// Subscribe registers a listener and returns its unsubscribe function.
func (b *Broadcaster) Subscribe(l Listener) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = l
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *Broadcaster) transition(to Phase, apply func(*Status)) error {
	b.mu.Lock()
	from := b.current.Phase()
	if !slices.Contains(validTransitions[from], to) {
		b.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	b.current.IsSyncing = to == Syncing
	apply(&b.current)
	snapshot := b.current
	listeners := make([]Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	b.mu.Unlock()

	// Listeners run outside the lock so they may read Current.
	for _, l := range listeners {
		l(snapshot)
	}
	b.bus.Publish(bus.Event{
		Kind:      bus.KindSyncStatusChanged,
		Timestamp: time.Now(),
		Payload:   StatusChange{From: from, To: to, Status: snapshot},
	})
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From   Phase
	To     Phase
	Status Status
}
