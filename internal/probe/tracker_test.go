// ABOUTME: Tests for the probe tracker and its shared counters
// ABOUTME: Covers connect/disconnect, capability counts, targeting and hooks

package probe

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/probe-gateway/internal/instrument"
)

type nopSender struct{}

func (nopSender) Send(context.Context, string, any) error { return nil }

func meta(service, instance string) map[string]string {
	m := map[string]string{}
	if service != "" {
		m[MetaService] = service
	}
	if instance != "" {
		m[MetaServiceInstance] = instance
	}
	return m
}

func TestTracker_ConnectDisconnect(t *testing.T) {
	tr := NewTracker(nil)
	now := time.Now()

	require.NoError(t, tr.Connect("p1", meta("orders", "i-1"), now, nopSender{}))
	assert.ErrorIs(t, tr.Connect("p1", nil, now, nopSender{}), ErrProbeAlreadyConnected)
	assert.Equal(t, int64(1), tr.ConnectedCount())

	require.NoError(t, tr.RegisterRemote("p1", instrument.RemoteBreakpoint))
	require.NoError(t, tr.RegisterRemote("p1", instrument.RemoteBreakpoint), "re-register is a no-op")
	assert.Equal(t, int64(1), tr.RemoteCount(instrument.RemoteBreakpoint))

	info, ok := tr.Get("p1")
	require.True(t, ok)
	assert.Equal(t, []string{instrument.RemoteBreakpoint}, info.Remotes)
	assert.Equal(t, "orders", info.Meta[MetaService])

	info, ok = tr.Disconnect("p1")
	require.True(t, ok)
	assert.Equal(t, "p1", info.ID)
	assert.Equal(t, int64(0), tr.ConnectedCount())
	assert.Equal(t, int64(0), tr.RemoteCount(instrument.RemoteBreakpoint))

	_, ok = tr.Disconnect("p1")
	assert.False(t, ok)
	assert.ErrorIs(t, tr.RegisterRemote("p1", instrument.RemoteLog), ErrProbeNotFound)
	assert.ErrorIs(t, tr.UnregisterRemote("p1", instrument.RemoteLog), ErrProbeNotFound)
}

func TestTracker_Unregister(t *testing.T) {
	tr := NewTracker(nil)
	require.NoError(t, tr.Connect("p1", nil, time.Now(), nopSender{}))
	require.NoError(t, tr.RegisterRemote("p1", instrument.RemoteLog))
	require.NoError(t, tr.UnregisterRemote("p1", instrument.RemoteLog))
	require.NoError(t, tr.UnregisterRemote("p1", instrument.RemoteLog))
	assert.Equal(t, int64(0), tr.RemoteCount(instrument.RemoteLog))
	assert.Empty(t, tr.Counters().Remotes())
}

func TestTracker_Targets(t *testing.T) {
	tr := NewTracker(nil)
	now := time.Now()
	require.NoError(t, tr.Connect("a", meta("orders", "i-1"), now, nopSender{}))
	require.NoError(t, tr.Connect("b", meta("orders", "i-2"), now, nopSender{}))
	require.NoError(t, tr.Connect("c", meta("billing", "i-1"), now, nopSender{}))
	require.NoError(t, tr.Connect("d", meta("orders", "i-3"), now, nopSender{}))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, tr.RegisterRemote(id, instrument.RemoteBreakpoint))
	}

	ids := func(targets []Target) []string {
		var out []string
		for _, tg := range targets {
			out = append(out, tg.ID)
		}
		return out
	}

	tests := []struct {
		name string
		loc  instrument.Location
		want []string
	}{
		{"wildcard", instrument.Location{Source: "A", Line: 1}, []string{"a", "b", "c"}},
		{"service", instrument.Location{Source: "A", Line: 1, Service: "orders"}, []string{"a", "b"}},
		{"instance", instrument.Location{Source: "A", Line: 1, Service: "orders", ServiceInstance: "i-2"}, []string{"b"}},
		{"nothing", instrument.Location{Source: "A", Line: 1, Service: "search"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(tr.Targets(instrument.RemoteBreakpoint, tt.loc)))
		})
	}

	assert.Empty(t, tr.Targets(instrument.RemoteLog, instrument.Location{Source: "A", Line: 1}))

	_, ok := tr.Target("d", instrument.RemoteBreakpoint)
	assert.False(t, ok, "d never registered breakpoints")
	tg, ok := tr.Target("a", instrument.RemoteBreakpoint)
	require.True(t, ok)
	assert.Equal(t, "a", tg.ID)
}

func TestTracker_Hooks(t *testing.T) {
	tr := NewTracker(nil)

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	tr.AddHooks(Hooks{
		Connected:    func(p Info) { record("connected:" + p.ID) },
		Disconnected: func(p Info) { record("disconnected:" + p.ID) },
		RemoteRegistered: func(p Info, remote string) {
			// The capability is already visible when the hook runs.
			_, ok := tr.Target(p.ID, remote)
			record(fmt.Sprintf("registered:%s:%v", p.ID, ok))
		},
		RemoteUnregistered: func(p Info, remote string) { record("unregistered:" + p.ID) },
	})
	tr.AddHooks(Hooks{})

	require.NoError(t, tr.Connect("p1", nil, time.Now(), nopSender{}))
	require.NoError(t, tr.RegisterRemote("p1", instrument.RemoteMeter))
	require.NoError(t, tr.UnregisterRemote("p1", instrument.RemoteMeter))
	tr.Disconnect("p1")

	assert.Equal(t, []string{
		"connected:p1",
		"registered:p1:true",
		"unregistered:p1",
		"disconnected:p1",
	}, events)
}

func TestTracker_ListOrder(t *testing.T) {
	tr := NewTracker(nil)
	base := time.Now()
	require.NoError(t, tr.Connect("late", nil, base.Add(time.Second), nopSender{}))
	require.NoError(t, tr.Connect("early", nil, base, nopSender{}))

	list := tr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].ID)
	assert.Equal(t, "late", list[1].ID)
}

func TestTracker_ConcurrentCounters(t *testing.T) {
	tr := NewTracker(nil)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			_ = tr.Connect(id, nil, time.Now(), nopSender{})
			_ = tr.RegisterRemote(id, instrument.RemoteSpan)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(n), tr.ConnectedCount())
	assert.Equal(t, int64(n), tr.RemoteCount(instrument.RemoteSpan))

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.Disconnect(fmt.Sprintf("p%d", i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(0), tr.ConnectedCount())
	assert.Equal(t, int64(0), tr.RemoteCount(instrument.RemoteSpan))
}
