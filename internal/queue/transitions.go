package queue

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/invsync/internal/canonical"
	"github.com/roach88/invsync/internal/mutation"
)

// MarkInFlight moves a pending mutation to inFlight and counts the attempt.
// Unlike the other marks it is not idempotent: a mutation already inFlight is
// owned by another dispatcher.
func (q *Queue) MarkInFlight(ctx context.Context, id string) (mutation.Mutation, error) {
	from := []mutation.Status{mutation.StatusPending}
	return q.transitionFrom(ctx, id, mutation.StatusInFlight, from, func(m *mutation.Mutation) {
		m.AttemptCount++
	})
}

// MarkPending returns an inFlight mutation to pending for a retry, keeping
// reason as its last error. Also used to put a conflicted mutation back when
// its resolution was abandoned.
func (q *Queue) MarkPending(ctx context.Context, id, reason string) (mutation.Mutation, error) {
	return q.transition(ctx, id, mutation.StatusPending, func(m *mutation.Mutation) {
		m.LastError = reason
	})
}

// MarkFailed records a terminal failure. The mutation stays queued for
// inspection until Reset or Discard.
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) (mutation.Mutation, error) {
	return q.transition(ctx, id, mutation.StatusFailed, func(m *mutation.Mutation) {
		m.LastError = reason
	})
}

// MarkConflicted records the server's snapshot alongside the mutation.
func (q *Queue) MarkConflicted(ctx context.Context, id string, server mutation.Snapshot) (mutation.Mutation, error) {
	return q.transition(ctx, id, mutation.StatusConflicted, func(m *mutation.Mutation) {
		s := server.Clone()
		m.Server = &s
		m.LastError = "version conflict"
	})
}

// MarkCompleted removes the mutation from the queue. Completing an id that is
// no longer queued is a no-op, so repeated calls leave identical state.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(id)
	if i < 0 {
		return nil
	}
	if !q.entries[i].Status.CanTransition(mutation.StatusCompleted) {
		return fmt.Errorf("complete %s from %s: %w", id, q.entries[i].Status, ErrInvalidTransition)
	}
	if err := q.log.DeleteMutation(ctx, id); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	q.remove(id)
	return nil
}

// Reset makes a failed or conflicted mutation pending again with a fresh
// attempt counter.
func (q *Queue) Reset(ctx context.Context, id string) (mutation.Mutation, error) {
	from := []mutation.Status{mutation.StatusFailed, mutation.StatusConflicted, mutation.StatusPending}
	return q.transitionFrom(ctx, id, mutation.StatusPending, from, func(m *mutation.Mutation) {
		m.AttemptCount = 0
		m.LastError = ""
		m.Server = nil
	})
}

// Discard drops a mutation the user gave up on. inFlight mutations cannot be
// discarded.
func (q *Queue) Discard(ctx context.Context, id string) (mutation.Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(id)
	if i < 0 {
		return mutation.Mutation{}, fmt.Errorf("discard %s: %w", id, ErrNotFound)
	}
	m := q.entries[i].Clone()
	if m.Status == mutation.StatusInFlight {
		return mutation.Mutation{}, fmt.Errorf("discard %s: %w", id, ErrInFlight)
	}
	if err := q.log.DeleteMutation(ctx, id); err != nil {
		return mutation.Mutation{}, fmt.Errorf("discard %s: %w", id, err)
	}
	q.remove(id)

	slog.Info("mutation discarded", "id", id, "entity_id", m.EntityID, "status", m.Status)
	return m, nil
}

// Requeue replaces a conflicted mutation whose local side won with a fresh
// mutation: new id, new Seq, zero attempts, carrying payload. The swap is one
// atomic write.
//
// If a newer pending mutation for the same entity is already queued it
// carries more recent local state, so the old entry is only removed and
// requeued is false.
func (q *Queue) Requeue(ctx context.Context, id string, payload []byte) (fresh mutation.Mutation, requeued bool, err error) {
	return q.RequeueAs(ctx, id, "", payload)
}

// RequeueAs is Requeue with the fresh mutation's kind replaced, used when
// the server copy makes the original kind unappliable (a create against a
// live entity becomes an update). An empty kind keeps the original.
func (q *Queue) RequeueAs(ctx context.Context, id string, kind mutation.Kind, payload []byte) (fresh mutation.Mutation, requeued bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(id)
	if i < 0 {
		return mutation.Mutation{}, false, fmt.Errorf("requeue %s: %w", id, ErrNotFound)
	}
	old := q.entries[i]
	if old.Status != mutation.StatusConflicted && old.Status != mutation.StatusInFlight {
		return mutation.Mutation{}, false, fmt.Errorf("requeue %s from %s: %w", id, old.Status, ErrInvalidTransition)
	}

	for _, e := range q.entries[i+1:] {
		if e.EntityID == old.EntityID && e.Status == mutation.StatusPending {
			if err := q.log.DeleteMutation(ctx, id); err != nil {
				return mutation.Mutation{}, false, fmt.Errorf("requeue %s: %w", id, err)
			}
			q.remove(id)
			slog.Debug("conflict winner superseded by newer edit", "id", id, "newer", e.ID)
			return e.Clone(), false, nil
		}
	}

	if kind == "" {
		kind = old.Kind
	}
	if _, err := mutation.ParseKind(string(kind)); err != nil {
		return mutation.Mutation{}, false, fmt.Errorf("requeue %s: %w", id, err)
	}

	digest, err := canonical.Digest(payload)
	if err != nil {
		return mutation.Mutation{}, false, fmt.Errorf("requeue %s: payload: %w", id, err)
	}

	now := q.now()
	fresh = mutation.Mutation{
		ID:            q.ids.Generate(),
		EntityID:      old.EntityID,
		EntityType:    old.EntityType,
		Kind:          kind,
		Payload:       append([]byte(nil), payload...),
		PayloadDigest: digest,
		CreatedAt:     now,
		Seq:           q.clock.Next(),
		Status:        mutation.StatusPending,
		ManualMerge:   old.ManualMerge,
		UpdatedAt:     now,
	}
	if len(fresh.Payload) == 0 {
		fresh.Payload = nil
	}

	if err := q.log.SwapMutation(ctx, id, fresh); err != nil {
		return mutation.Mutation{}, false, fmt.Errorf("requeue %s: %w", id, err)
	}
	q.remove(id)
	stored := fresh.Clone()
	q.entries = append(q.entries, &stored)

	slog.Debug("mutation requeued", "old_id", id, "new_id", fresh.ID, "seq", fresh.Seq)
	return fresh, true, nil
}

// transition applies a status change, persisting it before touching memory.
// A transition to the current status is a no-op.
func (q *Queue) transition(ctx context.Context, id string, next mutation.Status, edit func(*mutation.Mutation)) (mutation.Mutation, error) {
	return q.transitionFrom(ctx, id, next, nil, edit)
}

// transitionFrom is transition restricted to the given source statuses.
// A nil from allows any source the lifecycle permits.
func (q *Queue) transitionFrom(ctx context.Context, id string, next mutation.Status, from []mutation.Status, edit func(*mutation.Mutation)) (mutation.Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(id)
	if i < 0 {
		return mutation.Mutation{}, fmt.Errorf("mark %s %s: %w", id, next, ErrNotFound)
	}
	cur := q.entries[i]
	if from != nil && !slices.Contains(from, cur.Status) {
		return mutation.Mutation{}, fmt.Errorf("mark %s %s from %s: %w", id, next, cur.Status, ErrInvalidTransition)
	}
	if cur.Status == next {
		return cur.Clone(), nil
	}
	if !cur.Status.CanTransition(next) {
		return mutation.Mutation{}, fmt.Errorf("mark %s %s from %s: %w", id, next, cur.Status, ErrInvalidTransition)
	}

	m := cur.Clone()
	m.Status = next
	m.UpdatedAt = q.now()
	if edit != nil {
		edit(&m)
	}

	if err := q.log.UpdateMutation(ctx, m); err != nil {
		return mutation.Mutation{}, fmt.Errorf("mark %s %s: %w", id, next, err)
	}
	stored := m.Clone()
	q.entries[i] = &stored
	return m, nil
}
