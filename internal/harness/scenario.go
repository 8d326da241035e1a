package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Types is a CUE directory or file declaring the item types.
	// Relative paths are resolved against the base path.
	Types string `yaml:"types"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step operations.
const (
	OpPut   = "put"
	OpPatch = "patch"
	OpPurge = "purge"
	OpDrain = "drain"
	OpSync  = "sync"
)

// Step is one operation of a scenario.
type Step struct {
	Op string `yaml:"op"`

	// UUID names the item of put, patch and purge.
	UUID string `yaml:"uuid,omitempty"`

	// Type is the item type of a put. Updates may leave it empty.
	Type string `yaml:"type,omitempty"`

	// Properties are written by put and merged by patch.
	Properties map[string]any `yaml:"properties,omitempty"`

	// UUIDs lists the items of a sync.
	UUIDs []string `yaml:"uuids,omitempty"`

	// Expect checks the step's outcome. Without it the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Error is the expected error class, see ErrorClass.
	Error string `yaml:"error,omitempty"`

	// Count is the expected number of indexed documents of a drain or sync.
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertIndexed    = "indexed"
	AssertNotIndexed = "not_indexed"
	AssertQueue      = "queue"
	AssertUpToDate   = "up_to_date"
)

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// UUID is the item of indexed, not_indexed and up_to_date.
	UUID string `yaml:"uuid,omitempty"`

	// Expect is matched against the index document (used by indexed).
	// Subset match: only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Lane and Count are used by queue.
	Lane  string `yaml:"lane,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file. The types path is
// resolved relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the types path relative to basePath.
// Unknown fields (typos) and missing required fields are errors.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Types != "" && !filepath.IsAbs(scenario.Types) && basePath != "" {
		scenario.Types = filepath.Join(basePath, scenario.Types)
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
	if s.Types == "" {
		return fmt.Errorf("types is required")
	}
	if _, err := os.Stat(s.Types); os.IsNotExist(err) {
		return fmt.Errorf("types not found: %s", s.Types)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	switch st.Op {
	case OpPut, OpPatch:
		if st.UUID == "" {
			return fmt.Errorf("steps[%d]: uuid is required for %s", index, st.Op)
		}
		if st.Properties == nil {
			return fmt.Errorf("steps[%d]: properties is required for %s (use empty map if none)", index, st.Op)
		}
	case OpPurge:
		if st.UUID == "" {
			return fmt.Errorf("steps[%d]: uuid is required for purge", index)
		}
	case OpSync:
		if len(st.UUIDs) == 0 {
			return fmt.Errorf("steps[%d]: uuids list is required for sync", index)
		}
	case OpDrain:
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, st.Op)
	}
	if st.Expect != nil && st.Expect.Count != nil && st.Op != OpDrain && st.Op != OpSync {
		return fmt.Errorf("steps[%d].expect: count only applies to drain and sync", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertIndexed:
		if a.UUID == "" {
			return fmt.Errorf("assertions[%d]: uuid is required for indexed", index)
		}
	case AssertNotIndexed, AssertUpToDate:
		if a.UUID == "" {
			return fmt.Errorf("assertions[%d]: uuid is required for %s", index, a.Type)
		}
	case AssertQueue:
		if a.Lane == "" {
			return fmt.Errorf("assertions[%d]: lane is required for queue", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for queue", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
