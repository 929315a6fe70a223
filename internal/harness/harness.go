package harness

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/roach88/invsync/internal/canonical"
	"github.com/roach88/invsync/internal/conflict"
	"github.com/roach88/invsync/internal/connectivity"
	"github.com/roach88/invsync/internal/devserver"
	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/queue"
	"github.com/roach88/invsync/internal/remote"
	"github.com/roach88/invsync/internal/retry"
	"github.com/roach88/invsync/internal/store"
	"github.com/roach88/invsync/internal/syncer"
	"github.com/roach88/invsync/internal/testutil"
)

// Scenario defaults. Backoff is never actually slept.
const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 100 * time.Millisecond
)

// Harness executes one scenario. Every collaborator is real except the
// clock and the sleeper, which are deterministic so traces are reproducible.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	queue    *queue.Queue
	server   *devserver.Server
	monitor  *connectivity.Monitor
	coord    *syncer.Coordinator
	clock    *testutil.DeterministicClock
	sleeper  *testutil.RecordingSleeper

	mu     sync.Mutex
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh queue database in a temporary
// directory and a fresh reference server behind httptest.
//
// Execution flow:
// 1. Seed the server
// 2. Execute steps in order, checking sync expectations
// 3. Capture final queue and server state
// 4. Evaluate assertions
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "invsync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewDeterministicClock()
	h := &Harness{
		scenario: scenario,
		store:    st,
		clock:    clock,
		sleeper:  &testutil.RecordingSleeper{Clock: clock},
		monitor:  connectivity.New(),
		server: devserver.New(
			devserver.WithNow(clock.Now),
			devserver.WithDevice("server"),
		),
		result: NewResult(),
	}

	for i, e := range scenario.Seed {
		payload, err := encodePayload(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("seed[%d]: %w", i, err)
		}
		h.server.Seed(e.EntityID, mutation.Snapshot{
			Payload:    payload,
			ModifiedAt: clock.Now().Add(e.Offset),
			Deleted:    e.Deleted,
			ModifiedBy: e.ModifiedBy,
		})
	}

	ts := httptest.NewServer(h.server.Router())
	defer ts.Close()

	h.queue, err = queue.Open(ctx, st,
		queue.WithNow(clock.Now),
		queue.WithIDGenerator(mutation.NewSequenceGenerator("m")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue: %w", err)
	}

	cfg, err := h.config()
	if err != nil {
		return nil, err
	}

	h.monitor.SetOnline()
	h.coord = syncer.New(h.queue, h.recordDispatch(remote.NewHTTPClient(ts.URL)), h.monitor, h.resolver(),
		syncer.WithConfig(cfg),
		syncer.WithSleeper(h.sleeper),
		syncer.WithJournal(st),
		syncer.WithNow(clock.Now),
		syncer.WithRunIDs(mutation.NewSequenceGenerator("run").Generate),
	)
	unsubscribe := h.coord.Subscribe(h.recordStatus)
	defer unsubscribe()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("failed to execute steps[%d]: %w", i, err)
		}
	}

	h.capture()

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) config() (syncer.Config, error) {
	sc := h.scenario.Config
	cfg := syncer.DefaultConfig()
	cfg.BatchConcurrency = 1
	cfg.Policy = retry.Policy{
		MaxAttempts:       defaultMaxAttempts,
		InitialDelay:      defaultInitialDelay,
		BackoffMultiplier: 2.0,
	}
	if sc.MaxAttempts > 0 {
		cfg.Policy.MaxAttempts = sc.MaxAttempts
	}
	if sc.InitialDelay > 0 {
		cfg.Policy.InitialDelay = sc.InitialDelay
	}
	if err := cfg.Validate(); err != nil {
		return syncer.Config{}, fmt.Errorf("invalid scenario config: %w", err)
	}
	return cfg, nil
}

func (h *Harness) resolver() *conflict.Resolver {
	mode, _ := conflict.ParseMode(string(h.scenario.Config.Conflict))
	opts := []conflict.Option{
		conflict.WithMode(mode),
		conflict.WithNow(h.clock.Now),
		conflict.WithIDs(mutation.NewSequenceGenerator("conflict").Generate),
	}
	if p := h.scenario.Config.Merge; p != nil {
		opts = append(opts, conflict.WithPresenter(conflict.MergePresenter{Policy: *p, Now: h.clock.Now}))
	}
	return conflict.NewResolver(opts...)
}

// execute runs one step.
func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Enqueue != nil:
		return h.enqueue(ctx, *step.Enqueue)

	case step.Sync != nil:
		h.sync(ctx, *step.Sync)
		return nil

	case len(step.FailNext) > 0:
		h.server.FailNext(step.FailNext...)
		h.add(TraceEvent{Type: TraceServer, Result: fmt.Sprintf("fail_next %v", step.FailNext)})
		return nil

	case step.Network != "":
		if step.Network == NetworkOnline {
			h.monitor.SetOnline()
		} else {
			h.monitor.SetOffline()
		}
		h.add(TraceEvent{Type: TraceNetwork, Status: step.Network})
		return nil

	case step.Advance > 0:
		h.clock.Advance(step.Advance)
		h.add(TraceEvent{Type: TraceAdvance, Result: step.Advance.String()})
		return nil

	case step.Server != nil:
		payload, err := encodePayload(step.Server.Payload)
		if err != nil {
			return err
		}
		h.server.Seed(step.Server.EntityID, mutation.Snapshot{
			Payload:    payload,
			ModifiedAt: h.clock.Now(),
			Deleted:    step.Server.Deleted,
			ModifiedBy: step.Server.ModifiedBy,
		})
		h.add(TraceEvent{Type: TraceServer, EntityID: step.Server.EntityID, Result: "write"})
		return nil
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) enqueue(ctx context.Context, e EnqueueStep) error {
	payload, err := encodePayload(e.Payload)
	if err != nil {
		return err
	}
	entityType := e.EntityType
	if entityType == "" {
		entityType = mutation.EntityItem
	}
	var opts []syncer.EnqueueOption
	if e.ManualMerge {
		opts = append(opts, syncer.WithManualMerge())
	}
	// The coordinator publishes the pending event that lands in the trace.
	_, err = h.coord.EnqueueMutation(ctx, entityType, e.EntityID, e.Kind, payload, opts...)
	return err
}

func (h *Harness) sync(ctx context.Context, step SyncStep) {
	out, err := h.coord.Sync(ctx)

	code := "none"
	var se *syncer.SyncError
	if errors.As(err, &se) {
		code = string(se.Code)
	} else if err != nil {
		code = err.Error()
	}

	ev := TraceEvent{
		Type:  TraceSync,
		RunID: out.RunID,
		Counts: map[string]int{
			"completed":  out.Completed,
			"failed":     out.Failed,
			"conflicted": out.Conflicted,
			"resolved":   out.Resolved,
			"remaining":  out.Remaining,
		},
	}
	if out.Stopped {
		ev.Status = "stopped"
	}
	if err != nil {
		ev.Error = code
	}
	h.add(ev)

	if step.Expect != nil {
		for _, msg := range checkOutcome(*step.Expect, out, code) {
			h.result.AddError(fmt.Sprintf("sync %s: %s", out.RunID, msg))
		}
	}
}

// recordDispatch wraps c so every attempt lands in the trace.
func (h *Harness) recordDispatch(c remote.NetworkClient) remote.NetworkClient {
	return remote.ClientFunc(func(ctx context.Context, m mutation.Mutation) error {
		err := c.Dispatch(ctx, m)
		result := "ok"
		if err != nil {
			result = string(remote.ClassOf(err))
		}
		h.add(TraceEvent{
			Type:       TraceDispatch,
			MutationID: m.ID,
			EntityID:   m.EntityID,
			Kind:       string(m.Kind),
			Result:     result,
		})
		return err
	})
}

func (h *Harness) recordStatus(ev syncer.StatusEvent) {
	te := TraceEvent{
		Type:       TraceStatus,
		RunID:      ev.RunID,
		MutationID: ev.MutationID,
		EntityID:   ev.EntityID,
		Kind:       string(ev.Kind),
		Status:     string(ev.Status),
		Resolution: string(ev.Resolution),
		ServerWins: ev.ServerWins,
		ReplacedBy: ev.ReplacedBy,
	}
	if ev.Err != nil {
		te.Error = ev.Err.Error()
	}
	h.add(te)
}

func (h *Harness) add(ev TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.result.add(ev)
}

// capture copies final state into the result.
func (h *Harness) capture() {
	h.result.Queue = h.queue.List()
	h.result.Server = h.server.Entities()
	h.result.Applied = h.server.Applied()
	h.result.Delays = h.sleeper.Delays()
}

// encodePayload turns a YAML mapping into canonical JSON. A nil mapping is
// no payload.
func encodePayload(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return canonical.Normalize(raw)
}

func checkOutcome(want SyncExpect, got syncer.Outcome, code string) []string {
	var msgs []string
	check := func(name string, want *int, got int) {
		if want != nil && *want != got {
			msgs = append(msgs, fmt.Sprintf("%s: expected %d, got %d", name, *want, got))
		}
	}
	check("completed", want.Completed, got.Completed)
	check("failed", want.Failed, got.Failed)
	check("conflicted", want.Conflicted, got.Conflicted)
	check("resolved", want.Resolved, got.Resolved)
	check("remaining", want.Remaining, got.Remaining)
	if want.Stopped != nil && *want.Stopped != got.Stopped {
		msgs = append(msgs, fmt.Sprintf("stopped: expected %t, got %t", *want.Stopped, got.Stopped))
	}
	if want.Error != "" && want.Error != code {
		msgs = append(msgs, fmt.Sprintf("error: expected %s, got %s", want.Error, code))
	}
	return msgs
}
