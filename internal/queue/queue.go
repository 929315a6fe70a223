// Package queue implements the durable, ordered mutation queue.
//
// The queue is the only owner of mutation state. Every transition is written
// to the Log before the in-memory copy changes, so a crash between the two
// leaves the log authoritative and Restore reproduces it.
//
// All mutating operations are serialized by a single mutex. Readers get
// clones and can never alias queue-owned payloads.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/invsync/internal/canonical"
	"github.com/roach88/invsync/internal/mutation"
)

var (
	// ErrNotFound is returned when no queued mutation has the given id.
	ErrNotFound = errors.New("queue: mutation not found")

	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("queue: invalid status transition")

	// ErrInFlight is returned when an operation would touch a mutation that
	// is currently being dispatched.
	ErrInFlight = errors.New("queue: mutation is in flight")

	// ErrCorrupt is returned by Restore when the log cannot be trusted.
	ErrCorrupt = errors.New("queue: corrupt log")
)

// Log is the durable backing store. *store.Store implements it.
type Log interface {
	AppendMutation(ctx context.Context, m mutation.Mutation, superseded ...string) error
	SwapMutation(ctx context.Context, oldID string, m mutation.Mutation) error
	UpdateMutation(ctx context.Context, m mutation.Mutation) error
	DeleteMutation(ctx context.Context, id string) error
	ReplaceMutations(ctx context.Context, ms []mutation.Mutation) error
	LoadMutations(ctx context.Context) ([]mutation.Mutation, error)
	Checkpoint(ctx context.Context) error
}

// Queue is the ordered, persisted list of mutations awaiting sync.
type Queue struct {
	mu      sync.Mutex
	log     Log
	clock   *mutation.Clock
	now     mutation.NowFunc
	ids     mutation.IDGenerator
	entries []*mutation.Mutation // ordered by Seq
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the logical clock used to stamp Seq.
func WithClock(c *mutation.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithNow sets the wall clock used for CreatedAt and UpdatedAt.
func WithNow(now mutation.NowFunc) Option {
	return func(q *Queue) { q.now = now }
}

// WithIDGenerator sets the generator for mutation ids.
func WithIDGenerator(g mutation.IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// New creates an empty queue over log. Call Restore to load persisted state.
func New(log Log, opts ...Option) *Queue {
	q := &Queue{
		log:   log,
		clock: mutation.NewClock(),
		now:   mutation.SystemNow,
		ids:   mutation.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open creates a queue over log and restores its persisted state.
func Open(ctx context.Context, log Log, opts ...Option) (*Queue, error) {
	q := New(log, opts...)
	if err := q.Restore(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue appends m to the tail of the queue and returns the stored copy.
//
// The queue assigns Seq, Status and timestamps. An empty ID is generated.
// Coalescing rules for pending entries of the same entity:
//   - an update supersedes prior pending updates
//   - a delete supersedes every prior pending mutation
//   - a delete that supersedes a create which never reached the server
//     cancels out; nothing is appended and the returned copy is completed
//
// inFlight, conflicted and failed entries are never superseded.
func (q *Queue) Enqueue(ctx context.Context, m mutation.Mutation) (mutation.Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m = m.Clone()
	if m.ID == "" {
		m.ID = q.ids.Generate()
	}
	if err := m.Validate(); err != nil {
		return mutation.Mutation{}, fmt.Errorf("enqueue: %w", err)
	}
	if q.find(m.ID) >= 0 {
		return mutation.Mutation{}, fmt.Errorf("enqueue: duplicate mutation id %s", m.ID)
	}

	digest, err := canonical.Digest(m.Payload)
	if err != nil {
		return mutation.Mutation{}, fmt.Errorf("enqueue %s: payload: %w", m.ID, err)
	}

	now := q.now()
	m.PayloadDigest = digest
	m.Seq = q.clock.Next()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Status = mutation.StatusPending
	m.AttemptCount = 0
	m.LastError = ""
	m.Server = nil

	superseded, cancels := q.supersededBy(m)

	if cancels {
		for _, id := range superseded {
			if err := q.log.DeleteMutation(ctx, id); err != nil {
				return mutation.Mutation{}, fmt.Errorf("enqueue %s: %w", m.ID, err)
			}
		}
		q.remove(superseded...)
		slog.Debug("delete cancelled unsent create",
			"entity_id", m.EntityID,
			"removed", len(superseded),
		)
		m.Status = mutation.StatusCompleted
		return m, nil
	}

	if err := q.log.AppendMutation(ctx, m, superseded...); err != nil {
		return mutation.Mutation{}, fmt.Errorf("enqueue %s: %w", m.ID, err)
	}
	q.remove(superseded...)
	stored := m.Clone()
	q.entries = append(q.entries, &stored)

	slog.Debug("mutation enqueued",
		"id", m.ID,
		"entity_id", m.EntityID,
		"kind", m.Kind,
		"seq", m.Seq,
		"superseded", len(superseded),
	)
	return m, nil
}

// supersededBy returns the ids m replaces and whether m itself cancels out.
// Caller must hold q.mu.
func (q *Queue) supersededBy(m mutation.Mutation) (ids []string, cancels bool) {
	if m.Kind == mutation.KindCreate {
		return nil, false
	}

	pendingCreate := false
	otherLive := false
	for _, e := range q.entries {
		if e.EntityID != m.EntityID {
			continue
		}
		if e.Status != mutation.StatusPending {
			otherLive = true
			continue
		}
		switch {
		case m.Kind == mutation.KindDelete:
			ids = append(ids, e.ID)
			if e.Kind == mutation.KindCreate {
				pendingCreate = true
			}
		case m.Kind == mutation.KindUpdate && e.Kind == mutation.KindUpdate:
			ids = append(ids, e.ID)
		}
	}

	cancels = m.Kind == mutation.KindDelete && pendingCreate && !otherLive
	return ids, cancels
}

// Drain returns pending mutations oldest first. It does not remove them.
func (q *Queue) Drain() []mutation.Mutation {
	return q.ListByStatus(mutation.StatusPending)
}

// ListByStatus returns entries in the given status, oldest first.
func (q *Queue) ListByStatus(status mutation.Status) []mutation.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := []mutation.Mutation{}
	for _, e := range q.entries {
		if e.Status == status {
			out = append(out, e.Clone())
		}
	}
	return out
}

// List returns every entry, oldest first.
func (q *Queue) List() []mutation.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]mutation.Mutation, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Clone()
	}
	return out
}

// ForEntity returns the entries for one entity, oldest first.
func (q *Queue) ForEntity(entityID string) []mutation.Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := []mutation.Mutation{}
	for _, e := range q.entries {
		if e.EntityID == entityID {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Get returns a copy of the entry with id.
func (q *Queue) Get(id string) (mutation.Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.find(id)
	if i < 0 {
		return mutation.Mutation{}, false
	}
	return q.entries[i].Clone(), true
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Summary counts entries by status.
func (q *Queue) Summary() mutation.Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s mutation.Summary
	for _, e := range q.entries {
		switch e.Status {
		case mutation.StatusPending:
			s.Pending++
		case mutation.StatusInFlight:
			s.InFlight++
		case mutation.StatusConflicted:
			s.Conflicted++
		case mutation.StatusFailed:
			s.Failed++
		}
	}
	return s
}

// find returns the index of id or -1. Caller must hold q.mu.
func (q *Queue) find(id string) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// remove drops ids from memory. Caller must hold q.mu.
func (q *Queue) remove(ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
}

func sortBySeq(ms []*mutation.Mutation) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Seq != ms[j].Seq {
			return ms[i].Seq < ms[j].Seq
		}
		return ms[i].ID < ms[j].ID
	})
}
