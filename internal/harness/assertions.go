package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"github.com/roach88/invsync/internal/canonical"
	"github.com/roach88/invsync/internal/mutation"
)

// StatusAbsent asserts a mutation is no longer queued.
const StatusAbsent = "absent"

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Seq, describe(ev))
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion against r and returns one message
// per failure.
func EvaluateAssertions(r *Result, assertions []Assertion) []string {
	var msgs []string
	for i, a := range assertions {
		if err := evaluate(r, a); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return msgs
}

func evaluate(r *Result, a Assertion) error {
	switch a.Type {
	case AssertEvent:
		return assertEvent(r.Trace, a)
	case AssertEventCount:
		return assertEventCount(r.Trace, a)
	case AssertQueue:
		return assertQueue(r.Queue, a)
	case AssertServer:
		return assertServer(r.Server, a)
	case AssertApplied:
		return assertApplied(r.Applied, a)
	case AssertDelays:
		return assertDelays(r, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertEvent checks that a status event matches every field a sets.
func assertEvent(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Type == TraceStatus && eventMatches(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertEvent,
		Expected: describeAssertion(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

func assertEventCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Type == TraceStatus && eventMatches(ev, a) {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d x %s", a.Count, describeAssertion(a)),
			Actual:   fmt.Sprintf("%d", n),
			Trace:    trace,
		}
	}
	return nil
}

func eventMatches(ev TraceEvent, a Assertion) bool {
	switch {
	case a.MutationID != "" && ev.MutationID != a.MutationID:
		return false
	case a.EntityID != "" && ev.EntityID != a.EntityID:
		return false
	case a.Kind != "" && ev.Kind != a.Kind:
		return false
	case a.Status != "" && ev.Status != a.Status:
		return false
	case a.Resolution != "" && ev.Resolution != a.Resolution:
		return false
	case a.ServerWins != nil && ev.ServerWins != *a.ServerWins:
		return false
	}
	return true
}

func assertQueue(q []mutation.Mutation, a Assertion) error {
	idx := slices.IndexFunc(q, func(m mutation.Mutation) bool { return m.ID == a.MutationID })
	actual := StatusAbsent
	if idx >= 0 {
		actual = string(q[idx].Status)
	}
	if actual != a.Status {
		return &AssertionError{
			Type:     AssertQueue,
			Expected: fmt.Sprintf("mutation %s %s", a.MutationID, a.Status),
			Actual:   actual,
		}
	}
	return nil
}

// assertServer checks the server's copy of an entity. Expect is a subset
// match compared in canonical form, so 2 and 2.0 are equal.
func assertServer(server map[string]mutation.Snapshot, a Assertion) error {
	snap, ok := server[a.EntityID]
	if !ok {
		return &AssertionError{
			Type:     AssertServer,
			Expected: fmt.Sprintf("entity %s on the server", a.EntityID),
			Actual:   "not found",
		}
	}
	if a.Deleted != nil && snap.Deleted != *a.Deleted {
		return &AssertionError{
			Type:     AssertServer,
			Expected: fmt.Sprintf("entity %s deleted=%t", a.EntityID, *a.Deleted),
			Actual:   fmt.Sprintf("deleted=%t", snap.Deleted),
		}
	}
	if a.Expect == nil {
		return nil
	}

	actual := map[string]any{}
	if len(snap.Payload) > 0 {
		v, err := canonical.Decode(snap.Payload)
		if err != nil {
			return fmt.Errorf("entity %s: %w", a.EntityID, err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("entity %s: payload is not an object", a.EntityID)
		}
		actual = obj
	}

	for _, field := range sortedKeys(a.Expect) {
		got, ok := actual[field]
		if !ok {
			return &AssertionError{
				Type:     AssertServer,
				Expected: fmt.Sprintf("entity %s field %s", a.EntityID, field),
				Actual:   "missing",
			}
		}
		wantJSON, err := canonicalValue(a.Expect[field])
		if err != nil {
			return err
		}
		gotJSON, err := canonical.Marshal(got)
		if err != nil {
			return err
		}
		if string(wantJSON) != string(gotJSON) {
			return &AssertionError{
				Type:     AssertServer,
				Expected: fmt.Sprintf("entity %s %s=%s", a.EntityID, field, wantJSON),
				Actual:   string(gotJSON),
			}
		}
	}
	return nil
}

func assertApplied(applied []string, a Assertion) error {
	if !slices.Equal(applied, a.Mutations) {
		return &AssertionError{
			Type:     AssertApplied,
			Expected: fmt.Sprintf("%v", a.Mutations),
			Actual:   fmt.Sprintf("%v", applied),
		}
	}
	return nil
}

func assertDelays(r *Result, a Assertion) error {
	if !slices.Equal(r.Delays, a.Delays) {
		return &AssertionError{
			Type:     AssertDelays,
			Expected: fmt.Sprintf("%v", a.Delays),
			Actual:   fmt.Sprintf("%v", r.Delays),
		}
	}
	return nil
}

func canonicalValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode expected value: %w", err)
	}
	return canonical.Normalize(raw)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func describeAssertion(a Assertion) string {
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("mutation", a.MutationID)
	add("entity", a.EntityID)
	add("kind", a.Kind)
	add("status", a.Status)
	add("resolution", a.Resolution)
	if a.ServerWins != nil {
		add("server_wins", fmt.Sprintf("%t", *a.ServerWins))
	}
	return "event " + strings.Join(parts, " ")
}

func describe(ev TraceEvent) string {
	var b strings.Builder
	b.WriteString(ev.Type)
	for _, kv := range [][2]string{
		{"run", ev.RunID},
		{"mutation", ev.MutationID},
		{"entity", ev.EntityID},
		{"kind", ev.Kind},
		{"status", ev.Status},
		{"result", ev.Result},
		{"resolution", ev.Resolution},
		{"replaced_by", ev.ReplacedBy},
		{"error", ev.Error},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}
	if ev.ServerWins {
		b.WriteString(" server_wins")
	}
	return b.String()
}
