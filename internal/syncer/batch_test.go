package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/remote"
)

func TestSyncBatch_PartialSuccess(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 9, 10} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			f := newFixture(t)

			rejected := make(map[string]bool)
			batch := make([]mutation.Mutation, 0, n)
			for i := 0; i < n; i++ {
				m := f.enqueue(t, fmt.Sprintf("item-%d", i), mutation.KindCreate, `{}`)
				if i%3 == 0 {
					rejected[m.ID] = true
				}
				batch = append(batch, m)
			}
			f.fake.Fallback(func(m mutation.Mutation) error {
				if rejected[m.ID] {
					return remote.NewRejectedError(422, "invalid")
				}
				return nil
			})

			results := f.coord.SyncBatch(context.Background(), batch)
			require.Len(t, results, n)

			completed := 0
			for i, r := range results {
				assert.Equal(t, batch[i].ID, r.MutationID, "results keep input order")
				if r.Status == mutation.StatusCompleted {
					completed++
					assert.NoError(t, r.Err)
				} else {
					assert.Equal(t, mutation.StatusFailed, r.Status)
					assert.True(t, remote.IsRejected(r.Err))
				}
			}
			failed := (n + 2) / 3
			assert.Equal(t, n-failed, completed)
			assert.Len(t, f.queue.ListByStatus(mutation.StatusFailed), failed)
		})
	}
}

func TestSyncBatch_RetryScenarioCountsAttempts(t *testing.T) {
	f := newFixture(t)
	m := f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":1}`)
	f.fake.Script(m.ID,
		remote.NewTransientError(502, "bad gateway"),
		remote.NewTimeoutError(context.DeadlineExceeded),
	)

	results := f.coord.SyncBatch(context.Background(), []mutation.Mutation{m})
	require.Len(t, results, 1)
	assert.Equal(t, mutation.StatusCompleted, results[0].Status)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.sleeper.Delays())
}

func TestSyncBatch_SameEntityStaysOrdered(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var order []string
	f.fake.OnDispatch(func(_ context.Context, m mutation.Mutation) {
		mu.Lock()
		order = append(order, m.EntityID+":"+string(m.Kind))
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	})

	batch := []mutation.Mutation{
		f.enqueue(t, "item-1", mutation.KindCreate, `{"qty":1}`),
		f.enqueue(t, "item-2", mutation.KindCreate, `{"qty":1}`),
		f.enqueue(t, "item-1", mutation.KindUpdate, `{"qty":2}`),
		f.enqueue(t, "item-3", mutation.KindCreate, `{"qty":1}`),
	}
	results := f.coord.SyncBatch(context.Background(), batch)
	for _, r := range results {
		assert.Equal(t, mutation.StatusCompleted, r.Status)
	}

	create, update := -1, -1
	for i, e := range order {
		switch e {
		case "item-1:create":
			create = i
		case "item-1:update":
			update = i
		}
	}
	require.GreaterOrEqual(t, create, 0)
	assert.Less(t, create, update)
}

func TestSyncBatch_Concurrency(t *testing.T) {
	cfg := testConfig()
	cfg.BatchConcurrency = 2
	f := newFixture(t, withConfig(cfg))

	var (
		mu           sync.Mutex
		active, peak int
	)
	f.fake.OnDispatch(func(context.Context, mutation.Mutation) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	})

	var batch []mutation.Mutation
	for i := 0; i < 8; i++ {
		batch = append(batch, f.enqueue(t, fmt.Sprintf("item-%d", i), mutation.KindCreate, `{}`))
	}
	f.coord.SyncBatch(context.Background(), batch)

	assert.LessOrEqual(t, peak, 2)
	assert.Len(t, f.fake.Applied(), 8)
}

func TestSyncBatch_Offline(t *testing.T) {
	f := newFixture(t)
	m := f.enqueue(t, "item-1", mutation.KindCreate, `{}`)
	f.monitor.SetOffline()

	results := f.coord.SyncBatch(context.Background(), []mutation.Mutation{m})
	require.Len(t, results, 1)
	assert.True(t, results[0].Stopped)
	assert.True(t, IsOfflineError(results[0].Err))
	assert.Empty(t, f.fake.Calls())
}

func TestSyncBatch_CancelledLeavesPending(t *testing.T) {
	f := newFixture(t)
	m := f.enqueue(t, "item-1", mutation.KindCreate, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	f.fake.OnDispatch(func(context.Context, mutation.Mutation) { cancel() })

	results := f.coord.SyncBatch(ctx, []mutation.Mutation{m})
	require.Len(t, results, 1)
	assert.Equal(t, mutation.StatusPending, results[0].Status)
	assert.True(t, errors.Is(results[0].Err, context.Canceled))
	assert.Equal(t, mutation.StatusPending, f.status(t, m.ID))
	assert.Empty(t, f.queue.ListByStatus(mutation.StatusInFlight))
}

func TestSyncBatch_UnknownMutation(t *testing.T) {
	f := newFixture(t)
	results := f.coord.SyncBatch(context.Background(), []mutation.Mutation{{ID: "ghost", EntityID: "item-9"}})
	require.Len(t, results, 1)
	assert.Equal(t, "item-9", results[0].EntityID)
	assert.Error(t, results[0].Err)
	assert.Empty(t, f.fake.Calls())
}
