package reach

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/voxsync/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakePinger struct {
	fail  atomic.Bool
	calls atomic.Int64
}

func (p *fakePinger) Ping(context.Context) error {
	p.calls.Add(1)
	if p.fail.Load() {
		return errors.New("no route to host")
	}
	return nil
}

func TestSetNotifiesOnlyOnChange(t *testing.T) {
	m := NewMonitor(&fakePinger{}, nil, zaptest.NewLogger(t), time.Hour, time.Second)

	var changes []bool
	unsub := m.OnChange(func(r bool) { changes = append(changes, r) })
	defer unsub()

	m.Set(false) // already unreachable
	m.Set(true)
	m.Set(true)
	m.Set(false)

	assert.Equal(t, []bool{true, false}, changes)
	assert.False(t, m.Reachable())
}

func TestUnsubscribe(t *testing.T) {
	m := NewMonitor(&fakePinger{}, nil, nil, time.Hour, time.Second)
	calls := 0
	unsub := m.OnChange(func(bool) { calls++ })
	unsub()
	m.Set(true)
	assert.Zero(t, calls)
}

func TestProbePublishesOnBus(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("net.", 4)
	defer unsub()

	p := &fakePinger{}
	m := NewMonitor(p, b, zaptest.NewLogger(t), time.Hour, time.Second)

	assert.True(t, m.Probe(context.Background()))
	select {
	case evt := <-ch:
		assert.Equal(t, bus.KindNetReachable, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for net.reachable")
	}

	p.fail.Store(true)
	assert.False(t, m.Probe(context.Background()))
	select {
	case evt := <-ch:
		assert.Equal(t, bus.KindNetUnreachable, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for net.unreachable")
	}
}

func TestStartProbesImmediatelyAndPeriodically(t *testing.T) {
	p := &fakePinger{}
	m := NewMonitor(p, nil, zaptest.NewLogger(t), 10*time.Millisecond, time.Second)

	m.Start(context.Background())
	require.True(t, m.Reachable(), "first probe runs before Start returns")

	require.Eventually(t, func() bool { return p.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	m.Stop()

	after := p.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, p.calls.Load(), "no probes after Stop")
}
