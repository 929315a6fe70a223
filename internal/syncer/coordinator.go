package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/invsync/internal/conflict"
	"github.com/roach88/invsync/internal/connectivity"
	"github.com/roach88/invsync/internal/metrics"
	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/queue"
	"github.com/roach88/invsync/internal/remote"
	"github.com/roach88/invsync/internal/retry"
)

const (
	// DefaultTimeoutInterval bounds a single dispatch attempt.
	DefaultTimeoutInterval = 30 * time.Second

	// DefaultBatchConcurrency is the SyncBatch worker limit.
	DefaultBatchConcurrency = 4
)

// Config is the coordinator's tunable behaviour.
type Config struct {
	Policy           retry.Policy
	TimeoutInterval  time.Duration
	BatchConcurrency int

	// SyncInterval makes Run sync periodically. Zero disables the ticker.
	SyncInterval time.Duration

	// WifiOnly makes Run skip triggered syncs on cellular connections.
	WifiOnly bool
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Policy:           retry.DefaultPolicy(),
		TimeoutInterval:  DefaultTimeoutInterval,
		BatchConcurrency: DefaultBatchConcurrency,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	if c.TimeoutInterval <= 0 {
		return fmt.Errorf("timeout_interval must be > 0, got %s", c.TimeoutInterval)
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("batch_concurrency must be >= 1, got %d", c.BatchConcurrency)
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync_interval must be >= 0, got %s", c.SyncInterval)
	}
	return nil
}

// Journal records conflict history and the last successful sync.
// *store.Store implements it.
type Journal interface {
	WriteConflict(ctx context.Context, rec mutation.ConflictRecord) error
	SetLastSync(ctx context.Context, t time.Time) error
	LastSync(ctx context.Context) (time.Time, error)
}

// Outcome summarizes one Sync run.
type Outcome struct {
	RunID string `json:"run_id"`

	// Completed counts mutations the remote acknowledged.
	Completed int `json:"completed"`
	// Failed counts mutations that ended failed.
	Failed int `json:"failed"`
	// Conflicted counts conflicts left unresolved.
	Conflicted int `json:"conflicted"`
	// Resolved counts conflicts decided during the run, either side.
	Resolved int `json:"resolved"`
	// Remaining is the number of entries still queued when the run ended.
	Remaining int `json:"remaining"`

	// Stopped is set when connectivity loss ended the run early.
	Stopped bool `json:"stopped"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns how long the run took.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Progress reports how far the active run is.
type Progress struct {
	Total int `json:"total"`
	Done  int `json:"done"`
}

// Report is the coordinator's externally visible state.
type Report struct {
	Online      bool             `json:"online"`
	Running     bool             `json:"running"`
	RunID       string           `json:"run_id,omitempty"`
	Progress    Progress         `json:"progress"`
	Queue       mutation.Summary `json:"queue"`
	LastSync    time.Time        `json:"last_sync"`
	LastOutcome *Outcome         `json:"last_outcome,omitempty"`
}

// Coordinator drains the queue through the network client.
type Coordinator struct {
	queue    *queue.Queue
	client   remote.NetworkClient
	monitor  *connectivity.Monitor
	resolver *conflict.Resolver

	cfg     Config
	sleeper retry.Sleeper
	sched   retry.Scheduler
	journal Journal
	now     mutation.NowFunc
	runIDs  func() string
	metrics *metrics.Collector

	flight singleflight.Group
	// runMu serializes Sync runs and SyncBatch calls.
	runMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]func(StatusEvent)
	nextSub int

	trigger chan struct{} // buffered, size 1

	stateMu     sync.Mutex
	running     bool
	runID       string
	progress    Progress
	lastSync    time.Time
	lastOutcome *Outcome
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithSleeper sets how retry delays are waited out.
func WithSleeper(s retry.Sleeper) Option {
	return func(c *Coordinator) { c.sleeper = s }
}

// WithScheduler sets the delay calculator, typically to pin jitter.
func WithScheduler(s retry.Scheduler) Option {
	return func(c *Coordinator) { c.sched = s }
}

// WithJournal records conflicts and last sync time.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithNow sets the wall clock for events and outcomes.
func WithNow(now mutation.NowFunc) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRunIDs sets the run id source.
func WithRunIDs(next func() string) Option {
	return func(c *Coordinator) { c.runIDs = next }
}

// WithMetrics records counters on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a coordinator. The queue should already be restored.
func New(q *queue.Queue, client remote.NetworkClient, monitor *connectivity.Monitor, resolver *conflict.Resolver, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:    q,
		client:   client,
		monitor:  monitor,
		resolver: resolver,
		cfg:      DefaultConfig(),
		sleeper:  retry.TimerSleeper{},
		now:      mutation.SystemNow,
		runIDs:   func() string { return ulid.Make().String() },
		subs:     make(map[int]func(StatusEvent)),
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.resolver == nil {
		c.resolver = conflict.NewResolver()
	}
	return c
}

// EnqueueOption adjusts a mutation built by EnqueueMutation.
type EnqueueOption func(*mutation.Mutation)

// WithManualMerge routes a conflict on this mutation to the presenter.
func WithManualMerge() EnqueueOption {
	return func(m *mutation.Mutation) { m.ManualMerge = true }
}

// WithMutationID sets the id instead of generating one.
func WithMutationID(id string) EnqueueOption {
	return func(m *mutation.Mutation) { m.ID = id }
}

// WithCreatedAt sets the authoring time instead of now.
func WithCreatedAt(t time.Time) EnqueueOption {
	return func(m *mutation.Mutation) { m.CreatedAt = t }
}

// EnqueueMutation records a local change and nudges the trigger loop.
//
// The returned copy is pending, or completed when a delete cancelled an
// unsent create.
func (c *Coordinator) EnqueueMutation(ctx context.Context, entityType mutation.EntityType, entityID string, kind mutation.Kind, payload []byte, opts ...EnqueueOption) (mutation.Mutation, error) {
	m := mutation.Mutation{
		EntityID:   entityID,
		EntityType: entityType,
		Kind:       kind,
		Payload:    payload,
	}
	for _, opt := range opts {
		opt(&m)
	}

	stored, err := c.queue.Enqueue(ctx, m)
	if err != nil {
		return mutation.Mutation{}, err
	}
	c.metrics.Enqueued(stored.Kind)
	c.metrics.QueueDepth(c.queue.Summary())

	c.publish(eventFor(stored, stored.Status))
	c.Trigger()
	return stored, nil
}

// Sync drains the queue once.
//
// Mutations are dispatched one at a time in queue order, each retried per
// policy. Mutations enqueued while the run is active are picked up by it.
// The run stops early, after the current attempt, when the monitor reports
// Offline; the returned error is then an OFFLINE SyncError and the Outcome
// is still filled in.
func (c *Coordinator) Sync(ctx context.Context) (Outcome, error) {
	ch := c.flight.DoChan("sync", func() (any, error) {
		return c.run(ctx)
	})

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case res := <-ch:
		out, _ := res.Val.(Outcome)
		if res.Shared {
			slog.Debug("joined active sync", "run_id", out.RunID)
		}
		return out, res.Err
	}
}

// runState is the per-run bookkeeping for Sync.
type runState struct {
	id        string
	out       Outcome
	attempted map[string]bool
	// requeued holds entities whose conflict winner was already requeued
	// this run; a second requeue waits for the next run.
	requeued map[string]bool
}

func (c *Coordinator) run(ctx context.Context) (Outcome, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	st := &runState{
		id:        c.runIDs(),
		attempted: make(map[string]bool),
		requeued:  make(map[string]bool),
	}
	st.out = Outcome{RunID: st.id, StartedAt: c.now()}

	if c.offline() {
		st.out.Stopped = true
		return c.finish(ctx, st, NewOfflineError(st.id))
	}

	summary := c.queue.Summary()
	c.beginRun(st.id, summary.Pending+summary.Conflicted)
	defer c.endRun()

	slog.Info("sync started",
		"run_id", st.id,
		"pending", summary.Pending,
		"conflicted", summary.Conflicted,
	)

	sleepCtx, stop := c.offlineContext(ctx)
	defer stop()

	// Conflicts left over from earlier runs get another resolution attempt.
	for _, m := range c.queue.ListByStatus(mutation.StatusConflicted) {
		if m.Server == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return c.finish(ctx, st, newCancelledError(st.id, err))
		}
		rec := c.resolver.Detect(m, *m.Server)
		res := OperationResult{
			MutationID: m.ID,
			EntityID:   m.EntityID,
			Status:     mutation.StatusConflicted,
			Attempts:   m.AttemptCount,
		}
		res, err := c.resolveAs(ctx, st.id, m, rec, res)
		c.tally(st, res)
		c.step()
		if err != nil {
			return c.finish(ctx, st, c.wrapFatal(st.id, m.ID, err))
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return c.finish(ctx, st, newCancelledError(st.id, err))
		}
		if c.offline() {
			st.out.Stopped = true
			return c.finish(ctx, st, NewOfflineError(st.id))
		}

		next, ok := c.nextPending(st)
		if !ok {
			break
		}
		st.attempted[next.ID] = true

		res, err := c.dispatchOne(ctx, sleepCtx, st.id, next.ID)
		c.tally(st, res)
		c.step()
		if err != nil {
			return c.finish(ctx, st, c.wrapFatal(st.id, next.ID, err))
		}
		if res.Stopped {
			st.out.Stopped = true
			return c.finish(ctx, st, NewOfflineError(st.id))
		}
	}

	return c.finish(ctx, st, nil)
}

// nextPending returns the oldest pending mutation this run has not tried.
func (c *Coordinator) nextPending(st *runState) (mutation.Mutation, bool) {
	for _, m := range c.queue.Drain() {
		if !st.attempted[m.ID] {
			return m, true
		}
	}
	return mutation.Mutation{}, false
}

func (c *Coordinator) tally(st *runState, res OperationResult) {
	switch {
	case res.Resolution != "":
		st.out.Resolved++
		if res.Requeued {
			if st.requeued[res.EntityID] {
				// Leave the fresh copy for the next run.
				st.attempted[res.ReplacedBy] = true
			}
			st.requeued[res.EntityID] = true
		}
	case res.Status == mutation.StatusCompleted:
		st.out.Completed++
	case res.Status == mutation.StatusFailed:
		st.out.Failed++
	case res.Status == mutation.StatusConflicted:
		st.out.Conflicted++
	}
}

// finish persists the queue, records the outcome and logs it.
func (c *Coordinator) finish(ctx context.Context, st *runState, runErr error) (Outcome, error) {
	bg := context.WithoutCancel(ctx)

	if err := c.queue.Persist(bg); err != nil {
		slog.Error("persist queue after sync", "run_id", st.id, "error", err)
		if runErr == nil {
			runErr = NewStoreError(st.id, "", err)
		}
	}

	st.out.FinishedAt = c.now()
	summary := c.queue.Summary()
	st.out.Remaining = summary.Total()
	c.metrics.QueueDepth(summary)

	result := "ok"
	switch {
	case IsOfflineError(runErr):
		result = "offline"
	case IsCancelled(runErr):
		result = "cancelled"
	case runErr != nil:
		result = "error"
	}
	c.metrics.SyncRun(result, st.out.Duration())

	if runErr == nil {
		if c.journal != nil {
			if err := c.journal.SetLastSync(bg, st.out.FinishedAt); err != nil {
				slog.Warn("record last sync", "run_id", st.id, "error", err)
			}
		}
		c.stateMu.Lock()
		c.lastSync = st.out.FinishedAt
		c.stateMu.Unlock()
	}

	out := st.out
	c.stateMu.Lock()
	c.lastOutcome = &out
	c.stateMu.Unlock()

	slog.Info("sync finished",
		"run_id", st.id,
		"result", result,
		"completed", out.Completed,
		"failed", out.Failed,
		"conflicted", out.Conflicted,
		"resolved", out.Resolved,
		"remaining", out.Remaining,
		"duration", out.Duration(),
	)
	return out, runErr
}

func (c *Coordinator) wrapFatal(runID, mutationID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newCancelledError(runID, err)
	}
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	return NewStoreError(runID, mutationID, err)
}

// offlineContext returns a child of ctx that is cancelled when the monitor
// goes Offline. Retry sleeps wait on it so a lost connection ends them early.
func (c *Coordinator) offlineContext(ctx context.Context) (context.Context, func()) {
	child, cancel := context.WithCancel(ctx)
	unsubscribe := c.monitor.OnTransition(func(tr connectivity.Transition) {
		if tr.To == connectivity.Offline {
			cancel()
		}
	})
	if c.offline() {
		cancel()
	}
	return child, func() {
		unsubscribe()
		cancel()
	}
}

func (c *Coordinator) offline() bool {
	return c.monitor.State() == connectivity.Offline
}

// Status reports the coordinator's state. The last sync time falls back to
// the journal when no run has finished in this process.
func (c *Coordinator) Status(ctx context.Context) (Report, error) {
	c.stateMu.Lock()
	r := Report{
		Running:  c.running,
		RunID:    c.runID,
		Progress: c.progress,
		LastSync: c.lastSync,
	}
	if c.lastOutcome != nil {
		out := *c.lastOutcome
		r.LastOutcome = &out
	}
	c.stateMu.Unlock()

	r.Online = !c.offline()
	r.Queue = c.queue.Summary()

	if r.LastSync.IsZero() && c.journal != nil {
		t, err := c.journal.LastSync(ctx)
		if err != nil {
			return r, fmt.Errorf("read last sync: %w", err)
		}
		r.LastSync = t
	}
	return r, nil
}

func (c *Coordinator) beginRun(runID string, total int) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.running = true
	c.runID = runID
	c.progress = Progress{Total: total}
}

func (c *Coordinator) step() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.progress.Done++
	if c.progress.Done > c.progress.Total {
		c.progress.Total = c.progress.Done
	}
}

func (c *Coordinator) endRun() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.running = false
	c.runID = ""
}
