package harness

import (
	"time"

	"github.com/roach88/invsync/internal/mutation"
)

// Trace event types.
const (
	TraceEnqueue  = "enqueue"
	TraceDispatch = "dispatch"
	TraceStatus   = "status"
	TraceSync     = "sync"
	TraceNetwork  = "network"
	TraceServer   = "server"
	TraceAdvance  = "advance"
)

// TraceEvent is one observable step of a scenario run. Fields that do not
// apply to Type are left empty.
type TraceEvent struct {
	Seq        int64          `json:"seq"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	MutationID string         `json:"mutation_id,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Status     string         `json:"status,omitempty"`
	Result     string         `json:"result,omitempty"` // dispatch: ok or error class
	Resolution string         `json:"resolution,omitempty"`
	ServerWins bool           `json:"server_wins,omitempty"`
	ReplacedBy string         `json:"replaced_by,omitempty"`
	Counts     map[string]int `json:"counts,omitempty"` // sync outcome
	Error      string         `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every sync expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every event in the order it happened.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Queue is the queue content after the last step.
	Queue []mutation.Mutation `json:"queue"`

	// Server is the reference server's entity state after the last step.
	Server map[string]mutation.Snapshot `json:"server"`

	// Applied lists the mutation ids the server applied, in order.
	Applied []string `json:"applied"`

	// Delays lists every retry backoff the coordinator slept.
	Delays []time.Duration `json:"delays"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Server: map[string]mutation.Snapshot{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// add appends ev with the next sequence number.
func (r *Result) add(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
