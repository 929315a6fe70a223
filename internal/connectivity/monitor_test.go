package connectivity

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_DefaultsOffline(t *testing.T) {
	m := New()
	assert.Equal(t, Offline, m.State())
	assert.Equal(t, ConnectionNone, m.Snapshot().Type)
}

func TestMonitor_NotifiesOncePerChange(t *testing.T) {
	m := New()

	var got []Transition
	m.OnTransition(func(tr Transition) { got = append(got, tr) })

	m.SetOffline() // same as initial state
	m.SetOnline()
	m.SetOnline()
	m.Observe(Reading{Reachable: true, Type: ConnectionWiFi})
	m.SetOffline()
	m.SetOffline()

	require.Len(t, got, 2)
	assert.Equal(t, Offline, got[0].From)
	assert.Equal(t, Online, got[0].To)
	assert.Equal(t, Online, got[1].From)
	assert.Equal(t, Offline, got[1].To)
}

func TestMonitor_PathDetailsUpdateSilently(t *testing.T) {
	m := New()
	calls := 0
	m.OnTransition(func(Transition) { calls++ })

	m.Observe(Reading{Reachable: true, Type: ConnectionWiFi})
	m.Observe(Reading{Reachable: true, Type: ConnectionCellular, Expensive: true})

	assert.Equal(t, 1, calls)
	snap := m.Snapshot()
	assert.Equal(t, ConnectionCellular, snap.Type)
	assert.True(t, snap.Expensive)
}

func TestMonitor_Unsubscribe(t *testing.T) {
	m := New()
	calls := 0
	unsubscribe := m.OnTransition(func(Transition) { calls++ })

	m.SetOnline()
	unsubscribe()
	m.SetOffline()

	assert.Equal(t, 1, calls)
}

func TestMonitor_HandlerPanicDoesNotPropagate(t *testing.T) {
	m := New()
	var second atomic.Bool
	m.OnTransition(func(Transition) { panic("boom") })
	m.OnTransition(func(Transition) { second.Store(true) })

	assert.NotPanics(t, func() { m.SetOnline() })
	assert.True(t, second.Load())
	assert.Equal(t, Online, m.State())
}

func TestMonitor_HandlersInRegistrationOrder(t *testing.T) {
	m := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		m.OnTransition(func(Transition) { order = append(order, i) })
	}
	m.SetOnline()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestMonitor_ConcurrentObserveCountsMatchChanges(t *testing.T) {
	m := New()
	var mu sync.Mutex
	var transitions []Transition
	m.OnTransition(func(tr Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Observe(Reading{Reachable: i%2 == 0})
		}(i)
	}
	wg.Wait()

	// Every transition must flip the state relative to the previous one.
	prev := Offline
	for _, tr := range transitions {
		assert.Equal(t, prev, tr.From)
		assert.NotEqual(t, tr.From, tr.To)
		prev = tr.To
	}
	assert.Equal(t, prev, m.State())
}

func TestMonitor_RunTreatsProbeErrorsAsOffline(t *testing.T) {
	m := New()
	m.SetOnline()

	var calls atomic.Int32
	prober := ProberFunc(func(ctx context.Context) (Reading, error) {
		calls.Add(1)
		return Reading{Reachable: true}, errors.New("dns failure")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Run(ctx, prober, 10*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	assert.Equal(t, Offline, m.State())
}

func TestMonitor_RunSurvivesPanickingProbe(t *testing.T) {
	m := New()
	prober := ProberFunc(func(ctx context.Context) (Reading, error) {
		panic("driver bug")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.NotPanics(t, func() { _ = m.Run(ctx, prober, 10*time.Millisecond) })
	assert.Equal(t, Offline, m.State())
}

func TestMonitor_RunRejectsBadInterval(t *testing.T) {
	m := New()
	err := m.Run(context.Background(), nil, 0)
	assert.Error(t, err)
}

func TestDialProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := DialProber{Address: ln.Addr().String(), Timeout: time.Second, Type: ConnectionWired}
	r, err := p.Probe(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Reachable)
	assert.Equal(t, ConnectionWired, r.Type)

	addr := ln.Addr().String()
	ln.Close()

	r, err = DialProber{Address: addr, Timeout: 200 * time.Millisecond}.Probe(context.Background())
	assert.Error(t, err)
	assert.False(t, r.Reachable)
}

func TestParseConnectionType(t *testing.T) {
	got, err := ParseConnectionType("cellular")
	require.NoError(t, err)
	assert.Equal(t, ConnectionCellular, got)

	_, err = ParseConnectionType("5g")
	assert.Error(t, err)
}
