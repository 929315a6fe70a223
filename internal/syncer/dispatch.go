package syncer

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/invsync/internal/conflict"
	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/queue"
	"github.com/roach88/invsync/internal/remote"
)

// OperationResult is the fate of one mutation handed to the dispatcher.
type OperationResult struct {
	MutationID string          `json:"mutation_id"`
	EntityID   string          `json:"entity_id"`
	Status     mutation.Status `json:"status"`
	Attempts   int             `json:"attempts"`

	// Resolution is the winning side when the mutation hit a conflict that
	// was decided.
	Resolution mutation.Side `json:"resolution,omitempty"`
	// Requeued is set when the local side won and a fresh mutation,
	// ReplacedBy, took this one's place.
	Requeued   bool   `json:"requeued,omitempty"`
	ReplacedBy string `json:"replaced_by,omitempty"`

	// Stopped is set when connectivity loss left the mutation pending.
	Stopped bool `json:"stopped,omitempty"`

	Err error `json:"-"`
}

// SyncBatch dispatches ms with up to BatchConcurrency workers. Mutations of
// the same entity run in slice order on one worker. A failure never stops
// the other mutations; every mutation gets a result at its own index.
func (c *Coordinator) SyncBatch(ctx context.Context, ms []mutation.Mutation) []OperationResult {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	results := make([]OperationResult, len(ms))
	runID := c.runIDs()

	if c.offline() {
		for i, m := range ms {
			results[i] = OperationResult{
				MutationID: m.ID,
				EntityID:   m.EntityID,
				Status:     m.Status,
				Stopped:    true,
				Err:        NewOfflineError(runID),
			}
		}
		return results
	}

	var order []string
	groups := make(map[string][]int)
	for i, m := range ms {
		if _, ok := groups[m.EntityID]; !ok {
			order = append(order, m.EntityID)
		}
		groups[m.EntityID] = append(groups[m.EntityID], i)
	}

	sleepCtx, stop := c.offlineContext(ctx)
	defer stop()

	slog.Info("batch sync started", "run_id", runID, "mutations", len(ms), "entities", len(order))

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.BatchConcurrency)
	for _, entityID := range order {
		idxs := groups[entityID]
		g.Go(func() error {
			for _, i := range idxs {
				res, err := c.dispatchOne(ctx, sleepCtx, runID, ms[i].ID)
				if err != nil && res.Err == nil {
					res.Err = c.wrapFatal(runID, ms[i].ID, err)
				}
				if res.EntityID == "" {
					res.EntityID = ms[i].EntityID
				}
				results[i] = res
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := c.queue.Persist(context.WithoutCancel(ctx)); err != nil {
		slog.Error("persist queue after batch", "run_id", runID, "error", err)
	}
	c.metrics.QueueDepth(c.queue.Summary())
	return results
}

// dispatchOne drives mutation id through attempts until it leaves pending
// for good or the run must stop. The returned error is fatal to the run.
func (c *Coordinator) dispatchOne(ctx, sleepCtx context.Context, runID, id string) (OperationResult, error) {
	res := OperationResult{MutationID: id}
	bg := context.WithoutCancel(ctx)
	policy := c.cfg.Policy

	for {
		if c.offline() {
			res.Status = mutation.StatusPending
			res.Stopped = true
			return res, nil
		}

		m, err := c.queue.MarkInFlight(bg, id)
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrInvalidTransition) {
				// Discarded, superseded or owned by another dispatcher.
				if cur, ok := c.queue.Get(id); ok {
					res.EntityID = cur.EntityID
					res.Status = cur.Status
				}
				res.Err = err
				return res, nil
			}
			return res, err
		}
		res.EntityID = m.EntityID
		res.Attempts = m.AttemptCount

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.TimeoutInterval)
		derr := c.client.Dispatch(attemptCtx, m)
		cancel()
		c.metrics.Attempt(string(remote.ClassOf(derr)))

		if derr == nil {
			if err := c.queue.MarkCompleted(bg, id); err != nil {
				return res, err
			}
			res.Status = mutation.StatusCompleted
			c.metrics.Completed()
			c.publish(withRun(eventFor(m, mutation.StatusCompleted), runID))
			slog.Debug("mutation completed", "id", id, "entity_id", m.EntityID, "attempts", m.AttemptCount)
			return res, nil
		}

		if cerr := ctx.Err(); cerr != nil {
			if _, err := c.queue.MarkPending(bg, id, "sync cancelled"); err != nil {
				return res, err
			}
			res.Status = mutation.StatusPending
			res.Err = derr
			return res, cerr
		}

		if snap, ok := remote.IsConflict(derr); ok {
			var server mutation.Snapshot
			if snap != nil {
				server = *snap
			}
			return c.conflicted(ctx, runID, m, server, res)
		}

		if !c.sched.ShouldRetry(m.AttemptCount, policy, derr) {
			if _, err := c.queue.MarkFailed(bg, id, derr.Error()); err != nil {
				return res, err
			}
			res.Status = mutation.StatusFailed
			res.Err = derr
			c.metrics.Failed()
			ev := withRun(eventFor(m, mutation.StatusFailed), runID)
			ev.Err = derr
			c.publish(ev)
			slog.Warn("mutation failed",
				"id", id,
				"entity_id", m.EntityID,
				"attempts", m.AttemptCount,
				"class", remote.ClassOf(derr),
				"error", derr,
			)
			return res, nil
		}

		if _, err := c.queue.MarkPending(bg, id, derr.Error()); err != nil {
			return res, err
		}
		res.Status = mutation.StatusPending
		res.Err = derr

		delay := c.sched.NextDelay(m.AttemptCount, policy)
		slog.Debug("dispatch retry scheduled",
			"id", id,
			"attempt", m.AttemptCount,
			"delay", delay,
			"class", remote.ClassOf(derr),
		)
		if c.offline() {
			res.Stopped = true
			return res, nil
		}
		if err := c.sleeper.Sleep(sleepCtx, delay); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return res, cerr
			}
			res.Stopped = true
			return res, nil
		}
		res.Err = nil
	}
}

// conflicted records the server's copy, journals the conflict and resolves
// it.
func (c *Coordinator) conflicted(ctx context.Context, runID string, m mutation.Mutation, server mutation.Snapshot, res OperationResult) (OperationResult, error) {
	bg := context.WithoutCancel(ctx)

	cm, err := c.queue.MarkConflicted(bg, m.ID, server)
	if err != nil {
		return res, err
	}
	rec := c.resolver.Detect(cm, server)
	c.journalConflict(bg, rec)

	slog.Info("version conflict",
		"id", m.ID,
		"entity_id", m.EntityID,
		"type", rec.Type,
		"changes", len(rec.Changes),
	)
	res.Status = mutation.StatusConflicted
	return c.resolveAs(ctx, runID, cm, rec, res)
}

// resolveAs resolves rec and applies the decision to the queue. An
// undecided conflict stays conflicted and is reported; only a cancelled ctx
// or a queue failure is returned as an error.
func (c *Coordinator) resolveAs(ctx context.Context, runID string, m mutation.Mutation, rec mutation.ConflictRecord, res OperationResult) (OperationResult, error) {
	bg := context.WithoutCancel(ctx)

	resolution, err := c.resolver.Resolve(ctx, rec)
	if err != nil {
		res.Err = err
		c.metrics.Conflict("unresolved")
		ev := withRun(eventFor(m, mutation.StatusConflicted), runID)
		ev.Snapshot = &rec.Server
		ev.Err = err
		c.publish(ev)

		if cerr := ctx.Err(); cerr != nil {
			return res, cerr
		}
		level := slog.LevelInfo
		if !errors.Is(err, conflict.ErrAbandoned) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "conflict left unresolved", "id", m.ID, "entity_id", m.EntityID, "error", err)
		return res, nil
	}

	rec.Resolution = &resolution
	c.journalConflict(bg, rec)
	res.Resolution = resolution.Chosen
	c.metrics.Conflict(string(resolution.Chosen))

	switch resolution.Chosen {
	case mutation.SideLocal:
		payload := m.Payload
		if len(resolution.MergedPayload) > 0 {
			payload = resolution.MergedPayload
		}
		fresh, requeued, err := c.queue.RequeueAs(bg, m.ID, requeueKind(m.Kind, rec.Server), payload)
		if err != nil {
			return res, err
		}
		res.Status = mutation.StatusCompleted
		res.Requeued = requeued
		res.ReplacedBy = fresh.ID

		ev := withRun(eventFor(m, mutation.StatusCompleted), runID)
		ev.Resolution = mutation.SideLocal
		ev.ReplacedBy = fresh.ID
		c.publish(ev)

	default:
		if err := c.queue.MarkCompleted(bg, m.ID); err != nil {
			return res, err
		}
		res.Status = mutation.StatusCompleted

		ev := withRun(eventFor(m, mutation.StatusCompleted), runID)
		ev.Resolution = mutation.SideServer
		ev.ServerWins = true
		ev.Snapshot = &rec.Server
		c.publish(ev)
	}

	slog.Info("conflict resolved",
		"id", m.ID,
		"entity_id", m.EntityID,
		"chosen", resolution.Chosen,
		"strategy", resolution.Strategy,
		"replaced_by", res.ReplacedBy,
	)
	return res, nil
}

func (c *Coordinator) journalConflict(ctx context.Context, rec mutation.ConflictRecord) {
	if c.journal == nil {
		return
	}
	if err := c.journal.WriteConflict(ctx, rec); err != nil {
		slog.Warn("journal conflict", "conflict_id", rec.ID, "mutation_id", rec.Local.ID, "error", err)
	}
}

// requeueKind picks the kind that applies the winning local state on top of
// the server's copy.
func requeueKind(kind mutation.Kind, server mutation.Snapshot) mutation.Kind {
	switch {
	case kind == mutation.KindCreate && !server.Deleted && len(server.Payload) > 0:
		return mutation.KindUpdate
	case kind == mutation.KindUpdate && server.Deleted:
		return mutation.KindCreate
	}
	return kind
}

func withRun(ev StatusEvent, runID string) StatusEvent {
	ev.RunID = runID
	return ev
}
