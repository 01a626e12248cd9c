package status

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/voxsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	b := NewBroadcaster(nil)
	s := b.Current()
	if s.IsSyncing || !s.LastSyncTime.IsZero() || s.Err != nil {
		t.Errorf("initial status = %+v, want idle and empty", s)
	}
}

func TestSuccessfulCycle(t *testing.T) {
	b := NewBroadcaster(nil)

	if err := b.Begin(); err != nil {
		t.Fatal(err)
	}
	if !b.Current().IsSyncing {
		t.Fatal("expected syncing after Begin")
	}
	at := time.UnixMilli(1_700_000_000_000)
	if err := b.Succeed(at); err != nil {
		t.Fatal(err)
	}
	s := b.Current()
	if s.IsSyncing || !s.LastSyncTime.Equal(at) || s.Err != nil {
		t.Errorf("status = %+v, want idle with last sync %v", s, at)
	}
}

func TestFailureKeepsLastSyncTime(t *testing.T) {
	b := NewBroadcaster(nil)
	at := time.UnixMilli(1000)
	_ = b.Begin()
	_ = b.Succeed(at)

	boom := errors.New("disk full")
	_ = b.Begin()
	if err := b.Fail(boom); err != nil {
		t.Fatal(err)
	}
	s := b.Current()
	if !errors.Is(s.Err, boom) {
		t.Errorf("err = %v, want %v", s.Err, boom)
	}
	if !s.LastSyncTime.Equal(at) {
		t.Errorf("last sync = %v, want %v (unchanged by failure)", s.LastSyncTime, at)
	}

	// The next attempt clears the error.
	_ = b.Begin()
	if b.Current().Err != nil {
		t.Error("Begin should clear the previous error")
	}
}

func TestInvalidTransition(t *testing.T) {
	b := NewBroadcaster(nil)
	if err := b.Succeed(time.Now()); err == nil {
		t.Error("IDLE -> IDLE via Succeed should fail")
	}
	_ = b.Begin()
	if err := b.Begin(); err == nil {
		t.Error("SYNCING -> SYNCING should fail")
	}
}

func TestListenersNotifiedSynchronously(t *testing.T) {
	b := NewBroadcaster(nil)

	var seen []Status
	unsub := b.Subscribe(func(s Status) {
		seen = append(seen, s)
		// Reading from inside a listener must not deadlock.
		_ = b.Current()
	})

	_ = b.Begin()
	if len(seen) != 1 || !seen[0].IsSyncing {
		t.Fatalf("after Begin saw %+v, want one syncing status", seen)
	}
	_ = b.Fail(errors.New("x"))
	if len(seen) != 2 || seen[1].IsSyncing || seen[1].Err == nil {
		t.Fatalf("after Fail saw %+v", seen)
	}

	unsub()
	_ = b.Begin()
	if len(seen) != 2 {
		t.Errorf("listener called after unsubscribe: %d calls", len(seen))
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	eb := bus.New()
	ch, unsub := eb.Subscribe("sync.", 10)
	defer unsub()

	b := NewBroadcaster(eb)
	if err := b.Begin(); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindSyncStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindSyncStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Idle || change.To != Syncing || !change.Status.IsSyncing {
		t.Errorf("change = %+v, want IDLE -> SYNCING", change)
	}
}

func TestRestore(t *testing.T) {
	b := NewBroadcaster(nil)
	called := false
	b.Subscribe(func(Status) { called = true })

	at := time.UnixMilli(42)
	b.Restore(at)
	if !b.Current().LastSyncTime.Equal(at) {
		t.Errorf("last sync = %v, want %v", b.Current().LastSyncTime, at)
	}
	if called {
		t.Error("Restore must not notify listeners")
	}
}
