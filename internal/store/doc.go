// Package store provides SQLite-backed durable storage for the mutation
// queue.
//
// The store keeps three tables:
//   - mutations: one row per queued mutation, keyed by id and ordered by seq
//   - conflicts: resolution history, one row per detected conflict
//   - meta: small key/value facts such as the last successful sync
//
// # Ordering
//
// All queue reads use ORDER BY seq ASC, id COLLATE BINARY ASC. Wall-clock
// columns never order anything.
//
// # Atomicity
//
// AppendMutation and SwapMutation run inside a single transaction, so a new
// entry and the removal of the entries it replaces land together or not at
// all. A crash mid-write leaves the log at the previous state.
//
// # Database Configuration
//
//   - locking_mode=EXCLUSIVE: one process owns the file; a second opener
//     gets ErrLocked
//   - WAL journal
//   - synchronous=FULL: every committed transition survives power loss
//   - busy_timeout from WithBusyTimeout (default 5s)
package store
