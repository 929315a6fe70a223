// Package harness runs scripted sync sessions against the reference server.
//
// A scenario drives the real coordinator, queue and HTTP client; only the
// clock and the retry sleeper are deterministic. The run produces a trace of
// status events, dispatch attempts and sync outcomes that can be asserted on
// and compared with a golden file.
//
// # Scenario Format
//
//	name: stale_edit_loses
//	description: "An edit made before the server's copy loses"
//	config:
//	  conflict: auto
//	  max_attempts: 3
//	seed:
//	  - entity_id: item-1
//	    payload: { name: Lamp, qty: 2 }
//	    offset: 1m
//	steps:
//	  - enqueue: { entity_id: item-1, kind: update, payload: { qty: 5 } }
//	  - fail_next: [503]
//	  - network: offline
//	  - advance: 2m
//	  - server: { entity_id: item-1, payload: { qty: 7 } }
//	  - sync:
//	      expect: { completed: 0, resolved: 1, error: none }
//	assertions:
//	  - type: event
//	    entity_id: item-1
//	    server_wins: true
//
// Seed offsets and the advance step move the scenario clock, which stamps
// CreatedAt on local edits and ModifiedAt on server writes.
//
// # Assertion Types
//
//   - event: a status event matches every field given
//   - event_count: exactly count status events match
//   - queue: a mutation has the given status, or is absent
//   - server: subset match on the server's copy of an entity
//   - applied: the server applied exactly these mutation ids, in order
//   - delays: the retry backoff sequence
//
// # Deterministic Testing
//
// Mutation ids are m-1, m-2, ...; run ids run-1, ...; conflict ids
// conflict-1, .... The clock starts at testutil.Epoch and never moves on its
// own; retry sleeps advance it by the slept delay without waiting. The same
// scenario therefore produces byte-identical traces on every run.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/retry.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(ctx, scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
