package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/invsync/internal/canonical"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Applied      []string     `json:"applied"`
}

// toCanonicalMap converts a TraceSnapshot to the generic form
// canonical.Marshal accepts. Empty fields are dropped.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"type": ev.Type,
		}
		for k, v := range map[string]string{
			"run_id":      ev.RunID,
			"mutation_id": ev.MutationID,
			"entity_id":   ev.EntityID,
			"kind":        ev.Kind,
			"status":      ev.Status,
			"result":      ev.Result,
			"resolution":  ev.Resolution,
			"replaced_by": ev.ReplacedBy,
			"error":       ev.Error,
		} {
			if v != "" {
				m[k] = v
			}
		}
		if ev.ServerWins {
			m["server_wins"] = true
		}
		if len(ev.Counts) > 0 {
			counts := make(map[string]any, len(ev.Counts))
			for k, v := range ev.Counts {
				counts[k] = v
			}
			m["counts"] = counts
		}
		traceList[i] = m
	}

	applied := make([]any, len(s.Applied))
	for i, id := range s.Applied {
		applied[i] = id
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"applied":       applied,
	}
}

// MarshalTrace renders the result's trace in canonical JSON.
func MarshalTrace(name string, r *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: name,
		Trace:        r.Trace,
		Applied:      r.Applied,
	}
	return canonical.Marshal(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
