package syncer

import (
	"log/slog"
	"time"

	"github.com/roach88/invsync/internal/mutation"
)

// StatusEvent tells collaborators how a mutation ended, or that one was
// accepted. Individual retry attempts are not reported.
type StatusEvent struct {
	RunID      string
	MutationID string
	EntityID   string
	EntityType mutation.EntityType
	Kind       mutation.Kind
	Status     mutation.Status

	// ServerWins is set when a conflict was resolved in the server's favour.
	// Snapshot then holds the copy the collaborator should adopt.
	ServerWins bool
	Snapshot   *mutation.Snapshot

	// Resolution is the winning side of a resolved conflict.
	Resolution mutation.Side

	// ReplacedBy is the id of the fresh mutation queued when the local
	// side of a conflict won.
	ReplacedBy string

	Err error
	At  time.Time
}

// Subscribe registers fn for every subsequent event and returns a function
// that unregisters it.
//
// Events of one Sync run arrive in dispatch order. During SyncBatch, fn may
// be called concurrently from several workers. A panicking fn is logged and
// skipped.
func (c *Coordinator) Subscribe(fn func(StatusEvent)) (cancel func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Coordinator) publish(ev StatusEvent) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	if ev.Snapshot != nil {
		s := ev.Snapshot.Clone()
		ev.Snapshot = &s
	}

	c.subMu.Lock()
	fns := make([]func(StatusEvent), 0, len(c.subs))
	for id := 0; id < c.nextSub; id++ {
		if fn, ok := c.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		deliver(fn, ev)
	}
}

func deliver(fn func(StatusEvent), ev StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("status subscriber panicked",
				"mutation_id", ev.MutationID,
				"status", ev.Status,
				"panic", r,
			)
		}
	}()
	fn(ev)
}

func eventFor(m mutation.Mutation, status mutation.Status) StatusEvent {
	return StatusEvent{
		MutationID: m.ID,
		EntityID:   m.EntityID,
		EntityType: m.EntityType,
		Kind:       m.Kind,
		Status:     status,
	}
}
