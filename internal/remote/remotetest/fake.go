// Package remotetest provides a scripted NetworkClient for tests.
package remotetest

import (
	"context"
	"sync"

	"github.com/roach88/invsync/internal/mutation"
	"github.com/roach88/invsync/internal/remote"
)

// Fake is a NetworkClient whose responses are scripted per mutation id or
// per entity id. Unscripted dispatches succeed.
//
// Thread-safety: Fake is safe for concurrent use.
type Fake struct {
	mu       sync.Mutex
	byID     map[string][]error
	byEntity map[string][]error
	fallback func(mutation.Mutation) error
	hook     func(context.Context, mutation.Mutation)
	calls    []mutation.Mutation
	applied  map[string]struct{}
	order    []string
}

// New creates a Fake where every dispatch succeeds.
func New() *Fake {
	return &Fake{
		byID:     make(map[string][]error),
		byEntity: make(map[string][]error),
		applied:  make(map[string]struct{}),
	}
}

var _ remote.NetworkClient = (*Fake)(nil)

// Script queues results for successive dispatches of mutation id. A nil
// entry means success. Once the script is exhausted dispatches succeed.
func (f *Fake) Script(id string, results ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id] = append(f.byID[id], results...)
	return f
}

// ScriptEntity queues results for successive dispatches touching entityID,
// used when the mutation id is not known up front.
func (f *Fake) ScriptEntity(entityID string, results ...error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byEntity[entityID] = append(f.byEntity[entityID], results...)
	return f
}

// Fallback sets the result for dispatches with no script left.
func (f *Fake) Fallback(fn func(mutation.Mutation) error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = fn
	return f
}

// OnDispatch installs a hook run at the start of every dispatch, outside the
// fake's lock.
func (f *Fake) OnDispatch(hook func(context.Context, mutation.Mutation)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
	return f
}

// Dispatch implements remote.NetworkClient.
func (f *Fake) Dispatch(ctx context.Context, m mutation.Mutation) error {
	f.mu.Lock()
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(ctx, m)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, m.Clone())
	err := f.next(m)
	if err == nil {
		if _, dup := f.applied[m.ID]; !dup {
			f.applied[m.ID] = struct{}{}
			f.order = append(f.order, m.ID)
		}
	}
	return err
}

// next pops the scripted result for m. Caller must hold f.mu.
func (f *Fake) next(m mutation.Mutation) error {
	if script := f.byID[m.ID]; len(script) > 0 {
		f.byID[m.ID] = script[1:]
		return script[0]
	}
	if script := f.byEntity[m.EntityID]; len(script) > 0 {
		f.byEntity[m.EntityID] = script[1:]
		return script[0]
	}
	if f.fallback != nil {
		return f.fallback(m)
	}
	return nil
}

// Calls returns every dispatch attempt in arrival order.
func (f *Fake) Calls() []mutation.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mutation.Mutation, len(f.calls))
	for i, m := range f.calls {
		out[i] = m.Clone()
	}
	return out
}

// CallCount returns how many attempts were made for mutation id.
func (f *Fake) CallCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.calls {
		if m.ID == id {
			n++
		}
	}
	return n
}

// Applied returns the ids the fake accepted, once each, in first-success
// order. Replays of an already applied id are not repeated.
func (f *Fake) Applied() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}
