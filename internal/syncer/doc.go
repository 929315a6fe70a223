// Package syncer drives queued mutations to the remote service.
//
// The Coordinator owns the dispatch state machine:
//
//	pending --MarkInFlight--> inFlight --success--> completed (removed)
//	                             |--retryable--> pending (sleep, retry)
//	                             |--rejected or exhausted--> failed
//	                             '--409--> conflicted --resolve--> completed
//	                                                   (local side wins: requeued fresh)
//
// Thread-safety model:
//   - Sync, SyncBatch, EnqueueMutation, Trigger, Status: safe from any goroutine
//   - Run: call from exactly one goroutine
//
// At most one Sync runs at a time. A caller arriving while a run is active
// joins it and receives the same Outcome. SyncBatch waits for an active run
// to finish before it starts.
//
// Every queue write made on behalf of a dispatch uses a context detached from
// cancellation, so a cancelled run never leaves a mutation inFlight.
package syncer
