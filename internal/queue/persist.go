package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/invsync/internal/mutation"
)

// Persist checkpoints the log. Every transition is already durable when it
// returns; Persist folds the write-ahead log into the main file.
func (q *Queue) Persist(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.log.Checkpoint(ctx); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// Restore rebuilds the in-memory queue from the log. Order and statuses match
// the last persisted state, except that a mutation left inFlight by a crash
// returns to pending. The logical clock is advanced past every restored Seq.
func (q *Queue) Restore(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	loaded, err := q.log.LoadMutations(ctx)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	entries, err := q.validate(loaded)
	if err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}

	recovered := 0
	for _, m := range entries {
		if m.Status != mutation.StatusInFlight {
			continue
		}
		m.Status = mutation.StatusPending
		m.LastError = "interrupted"
		if err := q.log.UpdateMutation(ctx, *m); err != nil {
			return fmt.Errorf("restore queue: recover %s: %w", m.ID, err)
		}
		recovered++
	}

	q.entries = entries
	slog.Info("queue restored", "entries", len(entries), "recovered_in_flight", recovered, "seq", q.clock.Current())
	return nil
}

// Import replaces the whole queue with ms in one write. Entries keep their
// ids, Seq and statuses; inFlight entries come back as pending.
func (q *Queue) Import(ctx context.Context, ms []mutation.Mutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.validate(ms)
	if err != nil {
		return fmt.Errorf("import queue: %w", err)
	}
	out := make([]mutation.Mutation, len(entries))
	for i, m := range entries {
		if m.Status == mutation.StatusInFlight {
			m.Status = mutation.StatusPending
		}
		out[i] = m.Clone()
	}

	if err := q.log.ReplaceMutations(ctx, out); err != nil {
		return fmt.Errorf("import queue: %w", err)
	}
	q.entries = entries
	return nil
}

// Clear removes every entry.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.log.ReplaceMutations(ctx, nil); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	q.entries = nil
	return nil
}

// validate checks a loaded or imported set, orders it by Seq and advances
// the clock. Caller must hold q.mu.
func (q *Queue) validate(ms []mutation.Mutation) ([]*mutation.Mutation, error) {
	entries := make([]*mutation.Mutation, 0, len(ms))
	ids := make(map[string]struct{}, len(ms))
	seqs := make(map[int64]struct{}, len(ms))

	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if m.Seq <= 0 {
			return nil, fmt.Errorf("%w: mutation %s has seq %d", ErrCorrupt, m.ID, m.Seq)
		}
		if m.Status == mutation.StatusCompleted {
			return nil, fmt.Errorf("%w: mutation %s is completed but still logged", ErrCorrupt, m.ID)
		}
		if !m.Status.Valid() {
			return nil, fmt.Errorf("%w: mutation %s has unknown status %q", ErrCorrupt, m.ID, m.Status)
		}
		if _, dup := ids[m.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrCorrupt, m.ID)
		}
		if _, dup := seqs[m.Seq]; dup {
			return nil, fmt.Errorf("%w: duplicate seq %d", ErrCorrupt, m.Seq)
		}
		ids[m.ID] = struct{}{}
		seqs[m.Seq] = struct{}{}

		c := m.Clone()
		entries = append(entries, &c)
		q.clock.Advance(m.Seq)
	}

	sortBySeq(entries)
	return entries, nil
}
