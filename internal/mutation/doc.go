// Package mutation defines the data model shared by every part of the sync
// engine: the Mutation record, its status lifecycle, server snapshots and
// conflict records.
//
// # Ordering and Time
//
// Two clocks are involved and they are never mixed:
//
//   - Seq is a logical, strictly increasing counter assigned at enqueue time.
//     All queue ordering uses Seq, never timestamps.
//   - CreatedAt is the wall-clock time at which the collaborator authored the
//     change. It is only used for last-write-wins comparison against the
//     server's ModifiedAt.
//
// # Status Lifecycle
//
//	pending ──► inFlight ──► completed
//	   ▲           │
//	   │           ├──► conflicted ──► (resolved: completed | re-enqueued)
//	   │           │
//	   └───────────┴──► failed ──► (explicit Reset) ──► pending
//
// Transitions only move forward. A failed mutation returns to pending only
// when the caller explicitly resets it.
package mutation
