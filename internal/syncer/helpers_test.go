package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/invsync/internal/conflict"
	"github.com/roach88/invsync/internal/connectivity"
	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/queue"
	"github.com/roach88/invsync/internal/remote"
	"github.com/roach88/invsync/internal/remote/remotetest"
	"github.com/roach88/invsync/internal/retry"
	"github.com/roach88/invsync/internal/store"
)

var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testEpoch }

// testPolicy has no jitter so recorded delays are exact.
func testPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func testConfig() Config {
	return Config{
		Policy:           testPolicy(),
		TimeoutInterval:  5 * time.Second,
		BatchConcurrency: 4,
	}
}

// recordingSleeper returns at once and remembers every requested delay.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type eventLog struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (l *eventLog) add(ev StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) withStatus(s mutation.Status) []StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []StatusEvent{}
	for _, ev := range l.events {
		if ev.Status == s {
			out = append(out, ev)
		}
	}
	return out
}

func mutationIDs(evs []StatusEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.MutationID
	}
	return out
}

type fixture struct {
	store   *store.Store
	queue   *queue.Queue
	client  remote.NetworkClient
	fake    *remotetest.Fake
	monitor *connectivity.Monitor
	sleeper *recordingSleeper
	events  *eventLog
	coord   *Coordinator
}

type fixtureOptions struct {
	cfg      Config
	resolver *conflict.Resolver
	client   remote.NetworkClient
}

type fixtureOption func(*fixtureOptions)

func withConfig(cfg Config) fixtureOption {
	return func(o *fixtureOptions) { o.cfg = cfg }
}

func withResolver(r *conflict.Resolver) fixtureOption {
	return func(o *fixtureOptions) { o.resolver = r }
}

func withClient(c remote.NetworkClient) fixtureOption {
	return func(o *fixtureOptions) { o.client = c }
}

// newFixture wires a coordinator over a fresh SQLite queue, a scripted fake
// remote and an online monitor. Mutation ids are m-1, m-2, ...; run ids
// run-1, run-2, ...
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	fo := fixtureOptions{
		cfg: testConfig(),
		resolver: conflict.NewResolver(
			conflict.WithNow(fixedNow),
			conflict.WithIDs(mutation.NewSequenceGenerator("conflict").Generate),
		),
	}
	for _, opt := range opts {
		opt(&fo)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := queue.Open(context.Background(), st,
		queue.WithNow(fixedNow),
		queue.WithIDGenerator(mutation.NewSequenceGenerator("m")),
	)
	require.NoError(t, err)

	f := &fixture{
		store:   st,
		queue:   q,
		fake:    remotetest.New(),
		monitor: connectivity.New(),
		sleeper: &recordingSleeper{},
		events:  &eventLog{},
	}
	f.client = f.fake
	if fo.client != nil {
		f.client = fo.client
	}
	f.monitor.SetOnline()

	f.coord = New(q, f.client, f.monitor, fo.resolver,
		WithConfig(fo.cfg),
		WithSleeper(f.sleeper),
		WithJournal(st),
		WithNow(fixedNow),
		WithRunIDs(mutation.NewSequenceGenerator("run").Generate),
	)
	t.Cleanup(f.coord.Subscribe(f.events.add))
	return f
}

func (f *fixture) enqueue(t *testing.T, entityID string, kind mutation.Kind, payload string, opts ...EnqueueOption) mutation.Mutation {
	t.Helper()
	var raw []byte
	if payload != "" {
		raw = []byte(payload)
	}
	m, err := f.coord.EnqueueMutation(context.Background(), mutation.EntityItem, entityID, kind, raw, opts...)
	require.NoError(t, err)
	return m
}

func (f *fixture) status(t *testing.T, id string) mutation.Status {
	t.Helper()
	m, ok := f.queue.Get(id)
	require.True(t, ok, "mutation %s not queued", id)
	return m.Status
}
