package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/invsync/internal/conflict"
	"github.com/roach88/invsync/internal/connectivity"
	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/queue"
	"github.com/roach88/invsync/internal/remote"
)

func TestSync_DrainsInQueueOrder(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindCreate, `{"qty":1}`)
	f.enqueue(t, "item-2", mutation.KindCreate, `{"qty":2}`)
	f.enqueue(t, "item-3", mutation.KindCreate, `{"qty":3}`)

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, 3, out.Completed)
	assert.Zero(t, out.Remaining)
	assert.False(t, out.Stopped)
	assert.Equal(t, []string{"m-1", "m-2", "m-3"}, f.fake.Applied())
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, []string{"m-1", "m-2", "m-3"}, mutationIDs(f.events.withStatus(mutation.StatusCompleted)))
	assert.Len(t, f.events.withStatus(mutation.StatusPending), 3)
}

func TestSync_EmptyQueue(t *testing.T) {
	f := newFixture(t)
	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, out.Completed)
	assert.Empty(t, f.fake.Calls())
}

// Two transient failures then success under {3, 100ms, x2, no jitter}: three
// attempts with 100ms and 200ms between them.
func TestSync_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":1}`)
	f.fake.Script("m-1",
		remote.NewTransientError(503, "busy"),
		remote.NewTransientError(503, "busy"),
	)

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, 3, f.fake.CallCount("m-1"))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.sleeper.Delays())
	for _, call := range f.fake.Calls() {
		assert.Equal(t, "m-1", call.ID, "every attempt carries the same idempotency key")
	}
	assert.Len(t, f.events.withStatus(mutation.StatusCompleted), 1, "retries are not published")
}

func TestSync_ExhaustedAttemptsFail(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":1}`)
	f.fake.Script("m-1",
		remote.NewConnectivityError(errors.New("reset")),
		remote.NewConnectivityError(errors.New("reset")),
		remote.NewConnectivityError(errors.New("reset")),
	)

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 1, out.Remaining)
	m, ok := f.queue.Get("m-1")
	require.True(t, ok)
	assert.Equal(t, mutation.StatusFailed, m.Status)
	assert.Equal(t, 3, m.AttemptCount)
	assert.Contains(t, m.LastError, "reset")

	failed := f.events.withStatus(mutation.StatusFailed)
	require.Len(t, failed, 1)
	assert.Error(t, failed[0].Err)
}

func TestSync_AttemptTimeoutIsRetriedThenFails(t *testing.T) {
	var calls atomic.Int32
	slow := remote.ClientFunc(func(ctx context.Context, m mutation.Mutation) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := testConfig()
	cfg.TimeoutInterval = 20 * time.Millisecond
	f := newFixture(t, withConfig(cfg), withClient(slow))
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":1}`)

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.sleeper.Delays())

	m, ok := f.queue.Get("m-1")
	require.True(t, ok)
	assert.Equal(t, mutation.StatusFailed, m.Status)
	assert.Equal(t, 3, m.AttemptCount)
	assert.Contains(t, m.LastError, context.DeadlineExceeded.Error())

	failed := f.events.withStatus(mutation.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, remote.ClassTimeout, remote.ClassOf(failed[0].Err))
}

func TestSync_RejectedFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":-1}`)
	f.enqueue(t, "item-2", mutation.KindUpdate, `{"qty":2}`)
	f.fake.Script("m-1", remote.NewRejectedError(400, "qty must be positive"))

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, 1, f.fake.CallCount("m-1"))
	assert.Empty(t, f.sleeper.Delays())
	assert.Equal(t, mutation.StatusFailed, f.status(t, "m-1"))
}

func TestSync_OfflineAtStart(t *testing.T) {
	f := newFixture(t)
	f.monitor.SetOffline()
	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)

	out, err := f.coord.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, IsOfflineError(err))
	assert.ErrorIs(t, err, ErrOffline)
	assert.True(t, out.Stopped)
	assert.Equal(t, 1, out.Remaining)
	assert.Empty(t, f.fake.Calls())
	assert.Equal(t, mutation.StatusPending, f.status(t, "m-1"))
}

func TestSync_OfflineMidRunLeavesRestPending(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 4; i++ {
		f.enqueue(t, fmt.Sprintf("item-%d", i), mutation.KindCreate, `{}`)
	}
	f.fake.OnDispatch(func(_ context.Context, m mutation.Mutation) {
		if m.ID == "m-2" {
			f.monitor.SetOffline()
		}
	})
	f.fake.Script("m-2", remote.NewConnectivityError(errors.New("network down")))

	out, err := f.coord.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, IsOfflineError(err))

	assert.True(t, out.Stopped)
	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, 3, out.Remaining)
	calls := f.fake.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "m-1", calls[0].ID)
	assert.Equal(t, "m-2", calls[1].ID)
	assert.Empty(t, f.queue.ListByStatus(mutation.StatusInFlight))
	assert.Len(t, f.queue.ListByStatus(mutation.StatusPending), 3)
	assert.Empty(t, f.sleeper.Delays(), "no retry sleep once offline")
}

func TestSync_OfflineThenOnlineDrainsInOrder(t *testing.T) {
	f := newFixture(t)
	f.monitor.SetOffline()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	for i := 1; i <= 5; i++ {
		f.enqueue(t, fmt.Sprintf("item-%d", i), mutation.KindCreate, fmt.Sprintf(`{"n":%d}`, i))
	}
	assert.Empty(t, f.fake.Calls())

	f.monitor.SetOnline()

	require.Eventually(t, func() bool {
		return f.queue.Len() == 0 && len(f.events.withStatus(mutation.StatusCompleted)) == 5
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-4", "m-5"}, mutationIDs(f.events.withStatus(mutation.StatusCompleted)))
	assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-4", "m-5"}, f.fake.Applied())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSync_PicksUpMutationsEnqueuedDuringRun(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)

	var once atomic.Bool
	f.fake.OnDispatch(func(_ context.Context, m mutation.Mutation) {
		if once.CompareAndSwap(false, true) {
			_, _ = f.coord.EnqueueMutation(context.Background(), mutation.EntityItem, "item-2", mutation.KindCreate, []byte(`{}`))
		}
	})

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Completed)
	assert.Equal(t, []string{"m-1", "m-2"}, f.fake.Applied())
}

func TestSync_ConflictLocalWinsRequeues(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":5}`, WithCreatedAt(testEpoch.Add(time.Hour)))
	server := mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch.Add(30 * time.Minute)}
	f.fake.Script("m-1", remote.NewConflictError(server))

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, out.Resolved)
	assert.Equal(t, 1, out.Completed)
	assert.Zero(t, out.Remaining)
	assert.Equal(t, []string{"m-2"}, f.fake.Applied(), "the fresh copy is dispatched in the same run")

	calls := f.fake.Calls()
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"qty":5}`, string(calls[1].Payload))
	assert.Equal(t, 1, calls[1].AttemptCount, "fresh mutation starts its own attempt count")

	completed := f.events.withStatus(mutation.StatusCompleted)
	require.Len(t, completed, 2)
	assert.Equal(t, "m-1", completed[0].MutationID)
	assert.Equal(t, mutation.SideLocal, completed[0].Resolution)
	assert.Equal(t, "m-2", completed[0].ReplacedBy)
	assert.False(t, completed[0].ServerWins)
	assert.Equal(t, "m-2", completed[1].MutationID)

	recs, err := f.store.ReadConflicts(context.Background(), "m-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Resolved())
	assert.Equal(t, mutation.SideLocal, recs[0].Resolution.Chosen)
	assert.Equal(t, mutation.StrategyLastWriteWins, recs[0].Resolution.Strategy)
}

func TestSync_ConflictServerWinsNotifies(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":5}`)
	server := mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch.Add(time.Hour), ModifiedBy: "tablet"}
	f.fake.Script("m-1", remote.NewConflictError(server))

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, out.Resolved)
	assert.Zero(t, out.Completed)
	assert.Zero(t, f.queue.Len())
	assert.Empty(t, f.fake.Applied())

	completed := f.events.withStatus(mutation.StatusCompleted)
	require.Len(t, completed, 1)
	ev := completed[0]
	assert.True(t, ev.ServerWins)
	assert.Equal(t, mutation.SideServer, ev.Resolution)
	require.NotNil(t, ev.Snapshot)
	assert.JSONEq(t, `{"qty":9}`, string(ev.Snapshot.Payload))
	assert.Equal(t, "tablet", ev.Snapshot.ModifiedBy)
}

func TestSync_ConflictTieGoesToServer(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":5}`)
	f.fake.Script("m-1", remote.NewConflictError(mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch}))

	_, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	completed := f.events.withStatus(mutation.StatusCompleted)
	require.Len(t, completed, 1)
	assert.True(t, completed[0].ServerWins)
}

func TestSync_RepeatedConflictRequeuesOncePerRun(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":5}`, WithCreatedAt(testEpoch.Add(time.Hour)))
	server := mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch.Add(-time.Hour)}
	f.fake.Fallback(func(mutation.Mutation) error { return remote.NewConflictError(server) })

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, out.Resolved)
	assert.Equal(t, 1, out.Remaining)
	assert.Len(t, f.fake.Calls(), 2)
	assert.Equal(t, mutation.StatusPending, f.status(t, "m-3"))
}

func TestSync_CreateConflictRequeuesAsUpdate(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindCreate, `{"qty":5}`, WithCreatedAt(testEpoch.Add(time.Hour)))
	f.fake.Script("m-1", remote.NewConflictError(mutation.Snapshot{Payload: []byte(`{"qty":1}`), ModifiedAt: testEpoch}))

	_, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	calls := f.fake.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, mutation.KindCreate, calls[0].Kind)
	assert.Equal(t, mutation.KindUpdate, calls[1].Kind)
}

func TestSync_IdenticalPayloadResolvesQuietly(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"a":1,"b":2}`, WithCreatedAt(testEpoch.Add(time.Hour)))
	f.fake.Script("m-1", remote.NewConflictError(mutation.Snapshot{Payload: []byte(`{"b":2,"a":1}`), ModifiedAt: testEpoch}))

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Resolved)
	assert.Len(t, f.fake.Calls(), 1, "no need to send what the server already has")
}

// switchPresenter abandons until told otherwise.
type switchPresenter struct {
	choose atomic.Value // mutation.Side
	shown  atomic.Int32
}

func (p *switchPresenter) Present(ctx context.Context, rec mutation.ConflictRecord) (mutation.Resolution, error) {
	p.shown.Add(1)
	side, _ := p.choose.Load().(mutation.Side)
	if side == "" {
		return mutation.Resolution{}, conflict.ErrAbandoned
	}
	return mutation.Resolution{Chosen: side}, nil
}

func TestSync_ManualAbandonedStaysConflicted(t *testing.T) {
	p := &switchPresenter{}
	f := newFixture(t, withResolver(conflict.NewResolver(
		conflict.WithMode(conflict.ModeManual),
		conflict.WithPresenter(p),
		conflict.WithNow(fixedNow),
	)))
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":5}`)
	server := mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch.Add(time.Hour)}
	f.fake.Script("m-1", remote.NewConflictError(server))

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Conflicted)

	m, ok := f.queue.Get("m-1")
	require.True(t, ok)
	assert.Equal(t, mutation.StatusConflicted, m.Status)
	require.NotNil(t, m.Server)
	assert.JSONEq(t, `{"qty":9}`, string(m.Server.Payload))

	conflicted := f.events.withStatus(mutation.StatusConflicted)
	require.Len(t, conflicted, 1)
	assert.ErrorIs(t, conflicted[0].Err, conflict.ErrAbandoned)

	// The next run offers the conflict again without another request.
	p.choose.Store(mutation.SideServer)
	out, err = f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Resolved)
	assert.Zero(t, f.queue.Len())
	assert.Equal(t, int32(2), p.shown.Load())
	assert.Len(t, f.fake.Calls(), 1)
}

func TestSync_ManualMergeFlagOverridesAutoMode(t *testing.T) {
	p := &switchPresenter{}
	p.choose.Store(mutation.SideLocal)
	f := newFixture(t, withResolver(conflict.NewResolver(
		conflict.WithPresenter(p),
		conflict.WithNow(fixedNow),
	)))
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":5}`, WithManualMerge())
	f.enqueue(t, "item-2", mutation.KindUpdate, `{"qty":6}`)
	server := mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch.Add(time.Hour)}
	f.fake.ScriptEntity("item-1", remote.NewConflictError(server))
	f.fake.ScriptEntity("item-2", remote.NewConflictError(server))

	_, err := f.coord.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.shown.Load(), "only the flagged mutation reaches the presenter")
	completed := f.events.withStatus(mutation.StatusCompleted)
	var sides []mutation.Side
	for _, ev := range completed {
		if ev.Resolution != "" {
			sides = append(sides, ev.Resolution)
		}
	}
	assert.Equal(t, []mutation.Side{mutation.SideLocal, mutation.SideServer}, sides)
}

func TestSync_ManualWithoutPresenterStaysConflicted(t *testing.T) {
	f := newFixture(t, withResolver(conflict.NewResolver(conflict.WithMode(conflict.ModeManual))))
	f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":5}`)
	f.fake.Script("m-1", remote.NewConflictError(mutation.Snapshot{Payload: []byte(`{"qty":9}`), ModifiedAt: testEpoch}))

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Conflicted)
	assert.Equal(t, mutation.StatusConflicted, f.status(t, "m-1"))
}

func TestSync_ConcurrentCallersJoin(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once atomic.Bool
	f.fake.OnDispatch(func(context.Context, mutation.Mutation) {
		if once.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
	})

	type result struct {
		out Outcome
		err error
	}
	results := make(chan result, 2)
	go func() {
		out, err := f.coord.Sync(context.Background())
		results <- result{out, err}
	}()
	<-entered
	go func() {
		out, err := f.coord.Sync(context.Background())
		results <- result{out, err}
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	a, b := <-results, <-results
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, "run-1", a.out.RunID)
	assert.Equal(t, a.out.RunID, b.out.RunID)
	assert.Equal(t, 1, a.out.Completed)
	assert.Len(t, f.fake.Calls(), 1)
}

func TestSync_CallerGivesUpWhileRunContinues(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	f.fake.OnDispatch(func(context.Context, mutation.Mutation) { cancel() })

	_, err := f.coord.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		m, ok := f.queue.Get("m-1")
		return ok && m.Status == mutation.StatusPending
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.queue.ListByStatus(mutation.StatusInFlight))
}

func TestSync_DiscardedWhileQueuedIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)
	f.enqueue(t, "item-2", mutation.KindCreate, `{}`)

	f.fake.OnDispatch(func(_ context.Context, m mutation.Mutation) {
		if m.ID == "m-1" {
			_, _ = f.queue.Discard(context.Background(), "m-2")
		}
	})

	out, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, []string{"m-1"}, f.fake.Applied())
}

func TestSync_RecordsLastSync(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)

	before, err := f.coord.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, before.LastSync.IsZero())
	assert.Nil(t, before.LastOutcome)
	assert.Equal(t, 1, before.Queue.Pending)
	assert.True(t, before.Online)

	_, err = f.coord.Sync(context.Background())
	require.NoError(t, err)

	after, err := f.coord.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testEpoch, after.LastSync)
	assert.False(t, after.Running)
	require.NotNil(t, after.LastOutcome)
	assert.Equal(t, 1, after.LastOutcome.Completed)

	stored, err := f.store.LastSync(context.Background())
	require.NoError(t, err)
	assert.True(t, testEpoch.Equal(stored))
}

func TestSync_FailedRunKeepsLastSync(t *testing.T) {
	f := newFixture(t)
	f.monitor.SetOffline()
	_, err := f.coord.Sync(context.Background())
	require.Error(t, err)

	r, err := f.coord.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, r.LastSync.IsZero())
	require.NotNil(t, r.LastOutcome)
	assert.True(t, r.LastOutcome.Stopped)
}

func TestSync_ResumesAfterRestart(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)
	f.enqueue(t, "item-2", mutation.KindCreate, `{}`)
	_, err := f.queue.MarkInFlight(context.Background(), "m-1")
	require.NoError(t, err)

	// A second process view of the same log, as after a crash mid-dispatch.
	q, err := queue.Open(context.Background(), f.store, queue.WithNow(fixedNow))
	require.NoError(t, err)
	coord := New(q, f.fake, f.monitor, nil, WithConfig(testConfig()), WithSleeper(f.sleeper))

	out, err := coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Completed)
	assert.Equal(t, []string{"m-1", "m-2"}, f.fake.Applied())
}

func TestEnqueueMutation_DeleteCancelsUnsentCreate(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)
	m := f.enqueue(t, "item-1", mutation.KindDelete, "")

	assert.Equal(t, mutation.StatusCompleted, m.Status)
	assert.Zero(t, f.queue.Len())
	assert.Len(t, f.events.withStatus(mutation.StatusCompleted), 1)

	_, err := f.coord.Sync(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.fake.Calls())
}

func TestEnqueueMutation_Invalid(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.EnqueueMutation(context.Background(), mutation.EntityItem, "", mutation.KindCreate, nil)
	assert.Error(t, err)
	_, err = f.coord.EnqueueMutation(context.Background(), mutation.EntityItem, "item-1", mutation.KindUpdate, []byte(`{`))
	assert.Error(t, err)
	assert.Empty(t, f.events.withStatus(mutation.StatusPending))
}

func TestSubscribe_CancelAndPanics(t *testing.T) {
	f := newFixture(t)

	var got atomic.Int32
	cancel := f.coord.Subscribe(func(StatusEvent) { got.Add(1) })
	f.coord.Subscribe(func(StatusEvent) { panic("boom") })

	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)
	assert.Equal(t, int32(1), got.Load())

	cancel()
	f.enqueue(t, "item-2", mutation.KindCreate, `{}`)
	assert.Equal(t, int32(1), got.Load())
	assert.Len(t, f.events.withStatus(mutation.StatusPending), 2, "a panicking subscriber does not starve the others")
}

func TestSkipReason(t *testing.T) {
	cfg := testConfig()
	cfg.WifiOnly = true
	f := newFixture(t, withConfig(cfg))

	assert.Equal(t, "queue empty", f.coord.skipReason())
	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)
	assert.Equal(t, "", f.coord.skipReason())

	f.monitor.Observe(connectivity.Reading{Reachable: true, Type: connectivity.ConnectionCellular})
	assert.Equal(t, "wifi only", f.coord.skipReason())

	f.monitor.Observe(connectivity.Reading{Reachable: true, Type: connectivity.ConnectionWiFi, Expensive: true})
	assert.Equal(t, "wifi only", f.coord.skipReason())

	f.monitor.Observe(connectivity.Reading{Reachable: true, Type: connectivity.ConnectionWiFi})
	assert.Equal(t, "", f.coord.skipReason())

	f.monitor.SetOffline()
	assert.Equal(t, "offline", f.coord.skipReason())
}

func TestRun_WifiOnlyWaitsForWifi(t *testing.T) {
	cfg := testConfig()
	cfg.WifiOnly = true
	f := newFixture(t, withConfig(cfg))
	f.monitor.Observe(connectivity.Reading{Reachable: true, Type: connectivity.ConnectionCellular})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.coord.Run(ctx) }()

	f.enqueue(t, "item-1", mutation.KindCreate, `{}`)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.fake.Calls())

	f.monitor.Observe(connectivity.Reading{Reachable: true, Type: connectivity.ConnectionWiFi})
	f.coord.Trigger()
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestRun_PeriodicSync(t *testing.T) {
	cfg := testConfig()
	cfg.SyncInterval = 20 * time.Millisecond
	f := newFixture(t, withConfig(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.coord.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)

	// Enqueued straight into the queue, so only the ticker can start a run.
	_, err := f.queue.Enqueue(context.Background(), mutation.Mutation{EntityID: "item-1", Kind: mutation.KindCreate})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.BatchConcurrency = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.TimeoutInterval = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Policy.MaxAttempts = 0
	assert.Error(t, bad.Validate())
}
