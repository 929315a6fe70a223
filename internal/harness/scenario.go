package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/invsync/internal/conflict"
	"github.com/roach88/invsync/internal/mutation"
)

// Scenario is a scripted sync session against the reference server.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	Config ScenarioConfig `yaml:"config,omitempty"`

	// Seed is the server state before the first step, as written by some
	// other device.
	Seed []SeedEntity `yaml:"seed,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// ScenarioConfig overrides the engine settings for one scenario.
type ScenarioConfig struct {
	// Conflict is auto or manual. Default auto.
	Conflict conflict.Mode `yaml:"conflict,omitempty"`

	// Merge resolves manual conflicts field by field.
	Merge *conflict.MergePolicy `yaml:"merge,omitempty"`

	// MaxAttempts bounds retries. Default 3.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// InitialDelay is the first backoff delay. Default 100ms.
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
}

// SeedEntity is one entity on the server at start.
type SeedEntity struct {
	EntityID   string         `yaml:"entity_id"`
	Payload    map[string]any `yaml:"payload,omitempty"`
	Deleted    bool           `yaml:"deleted,omitempty"`
	ModifiedBy string         `yaml:"modified_by,omitempty"`

	// Offset places ModifiedAt relative to the scenario clock's start.
	Offset time.Duration `yaml:"offset,omitempty"`
}

// Step is one action. Exactly one field is set.
type Step struct {
	Enqueue  *EnqueueStep  `yaml:"enqueue,omitempty"`
	Sync     *SyncStep     `yaml:"sync,omitempty"`
	FailNext []int         `yaml:"fail_next,omitempty"`
	Network  string        `yaml:"network,omitempty"`
	Advance  time.Duration `yaml:"advance,omitempty"`
	Server   *ServerStep   `yaml:"server,omitempty"`
}

// EnqueueStep records a local edit.
type EnqueueStep struct {
	EntityID    string              `yaml:"entity_id"`
	EntityType  mutation.EntityType `yaml:"entity_type,omitempty"`
	Kind        mutation.Kind       `yaml:"kind"`
	Payload     map[string]any      `yaml:"payload,omitempty"`
	ManualMerge bool                `yaml:"manual_merge,omitempty"`
}

// ServerStep changes server state mid-scenario, as another device would.
type ServerStep struct {
	EntityID   string         `yaml:"entity_id"`
	Payload    map[string]any `yaml:"payload,omitempty"`
	Deleted    bool           `yaml:"deleted,omitempty"`
	ModifiedBy string         `yaml:"modified_by,omitempty"`
}

// SyncStep runs one sync and optionally checks its outcome.
type SyncStep struct {
	Expect *SyncExpect `yaml:"expect,omitempty"`
}

// SyncExpect is a subset match on the run's outcome. Nil counts are not
// checked. Error is the expected error code, or "none".
type SyncExpect struct {
	Completed  *int   `yaml:"completed,omitempty"`
	Failed     *int   `yaml:"failed,omitempty"`
	Conflicted *int   `yaml:"conflicted,omitempty"`
	Resolved   *int   `yaml:"resolved,omitempty"`
	Remaining  *int   `yaml:"remaining,omitempty"`
	Stopped    *bool  `yaml:"stopped,omitempty"`
	Error      string `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	MutationID string `yaml:"mutation_id,omitempty"`
	EntityID   string `yaml:"entity_id,omitempty"`
	Kind       string `yaml:"kind,omitempty"`

	// Status is the event status (event, event_count) or the queue status
	// (queue). "absent" asserts the mutation is no longer queued.
	Status     string `yaml:"status,omitempty"`
	Resolution string `yaml:"resolution,omitempty"`
	ServerWins *bool  `yaml:"server_wins,omitempty"`

	// Count is the expected number of matching events (event_count).
	Count int `yaml:"count,omitempty"`

	// Expect is a subset match on the server payload (server).
	Expect  map[string]any `yaml:"expect,omitempty"`
	Deleted *bool          `yaml:"deleted,omitempty"`

	// Mutations is the expected order of applied mutation ids (applied).
	Mutations []string `yaml:"mutations,omitempty"`

	// Delays is the expected retry backoff sequence (delays).
	Delays []time.Duration `yaml:"delays,omitempty"`
}

// Assertion type constants.
const (
	AssertEvent      = "event"
	AssertEventCount = "event_count"
	AssertQueue      = "queue"
	AssertServer     = "server"
	AssertApplied    = "applied"
	AssertDelays     = "delays"
)

// Network step values.
const (
	NetworkOnline  = "online"
	NetworkOffline = "offline"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if _, err := conflict.ParseMode(string(s.Config.Conflict)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if s.Config.Merge != nil {
		if err := s.Config.Merge.Validate(); err != nil {
			return fmt.Errorf("config.merge: %w", err)
		}
	}
	if s.Config.MaxAttempts < 0 {
		return fmt.Errorf("config: max_attempts must be >= 0")
	}

	for i, e := range s.Seed {
		if e.EntityID == "" {
			return fmt.Errorf("seed[%d]: entity_id is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	set := 0
	if step.Enqueue != nil {
		set++
		if step.Enqueue.EntityID == "" {
			return fmt.Errorf("steps[%d].enqueue: entity_id is required", i)
		}
		if _, err := mutation.ParseKind(string(step.Enqueue.Kind)); err != nil {
			return fmt.Errorf("steps[%d].enqueue: %w", i, err)
		}
	}
	if step.Sync != nil {
		set++
	}
	if len(step.FailNext) > 0 {
		set++
	}
	if step.Network != "" {
		set++
		if step.Network != NetworkOnline && step.Network != NetworkOffline {
			return fmt.Errorf("steps[%d]: network must be online or offline, got %q", i, step.Network)
		}
	}
	if step.Advance != 0 {
		set++
		if step.Advance < 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", i)
		}
	}
	if step.Server != nil {
		set++
		if step.Server.EntityID == "" {
			return fmt.Errorf("steps[%d].server: entity_id is required", i)
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, set)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertEvent:
		if a.MutationID == "" && a.EntityID == "" {
			return fmt.Errorf("assertions[%d]: mutation_id or entity_id is required for event", index)
		}
	case AssertEventCount:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	case AssertQueue:
		if a.MutationID == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: mutation_id and status are required for queue", index)
		}
	case AssertServer:
		if a.EntityID == "" {
			return fmt.Errorf("assertions[%d]: entity_id is required for server", index)
		}
		if a.Expect == nil && a.Deleted == nil {
			return fmt.Errorf("assertions[%d]: expect or deleted is required for server", index)
		}
	case AssertApplied, AssertDelays:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
