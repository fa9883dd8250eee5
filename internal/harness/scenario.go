package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/sim"
	"github.com/roach88/lockstep/internal/vcpu"
)

// Scenario defines one replica group run and what it must produce.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is a group configuration in the config file format. Missing
	// keys take their defaults.
	Config yaml.Node `yaml:"config,omitempty"`

	// Program is the program every replica runs.
	Program *sim.Program `yaml:"program,omitempty"`

	// ProgramFile names a program file, relative to the scenario file.
	ProgramFile string `yaml:"program_file,omitempty"`

	// GroupID fixes the group identity. Default: "scenario-" + Name.
	GroupID string `yaml:"group_id,omitempty"`

	// TaskID is the value getid returns. Default: the machine's.
	TaskID uint64 `yaml:"task_id,omitempty"`

	Flips  []sim.Flip  `yaml:"flips,omitempty"`
	Stalls []sim.Stall `yaml:"stalls,omitempty"`

	// UnsafeBreakpoints lists replicas whose breakpoints cannot be placed.
	UnsafeBreakpoints []int `yaml:"unsafe_breakpoints,omitempty"`

	// Deliveries are inbound messages handed to the gate agent at start,
	// each given as its leading words.
	Deliveries [][]uint64 `yaml:"deliveries,omitempty"`

	// Assertions validate the run.
	Assertions []Assertion `yaml:"assertions"`

	// dir is the directory of the scenario file, for program_file.
	dir string
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Round selects a round by seq (disposition, recovered, suspended).
	Round int64 `yaml:"round,omitempty"`

	// Count is the expected number of rounds (round_count).
	Count int `yaml:"count,omitempty"`

	// Disposition is the expected round disposition (disposition).
	Disposition string `yaml:"disposition,omitempty"`

	// Replica is the replica id (suspended).
	Replica int `yaml:"replica,omitempty"`

	// Values are the expected console writes (writes).
	Values []uint64 `yaml:"values,omitempty"`

	// Verdict is the expected divergence verdict (diverged).
	Verdict string `yaml:"verdict,omitempty"`
}

// Assertion type constants.
const (
	AssertRoundCount  = "round_count"
	AssertDisposition = "disposition"
	AssertRecovered   = "recovered"
	AssertSuspended   = "suspended"
	AssertWrites      = "writes"
	AssertDiverged    = "diverged"
	AssertConverged   = "converged"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	s, err := ParseScenario(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario parses scenario YAML. dir resolves program_file.
func ParseScenario(data []byte, dir string) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	s.dir = dir

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// GroupConfig returns the scenario's group configuration, checked the same
// way a config file is.
func (s *Scenario) GroupConfig() (config.Config, error) {
	if s.Config.Kind == 0 {
		return config.Default(), nil
	}
	data, err := yaml.Marshal(&s.Config)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadProgram returns the assembled program, reading program_file when
// the program is not inline.
func (s *Scenario) LoadProgram() (*sim.Program, error) {
	if s.Program != nil {
		if err := s.Program.Assemble(); err != nil {
			return nil, err
		}
		return s.Program, nil
	}
	path := s.ProgramFile
	if !filepath.IsAbs(path) && s.dir != "" {
		path = filepath.Join(s.dir, path)
	}
	return sim.LoadProgram(path)
}

func (s *Scenario) groupID() string {
	if s.GroupID != "" {
		return s.GroupID
	}
	return "scenario-" + s.Name
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Program == nil && s.ProgramFile == "":
		return fmt.Errorf("program or program_file is required")
	case s.Program != nil && s.ProgramFile != "":
		return fmt.Errorf("program and program_file are exclusive")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}

	for i, d := range s.Deliveries {
		if len(d) > len(vcpu.MessageBuffer{}) {
			return fmt.Errorf("deliveries[%d]: more than %d words", i, len(vcpu.MessageBuffer{}))
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRoundCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for round_count", index)
		}
	case AssertDisposition:
		if a.Round <= 0 {
			return fmt.Errorf("assertions[%d]: round is required for disposition", index)
		}
		if a.Disposition == "" {
			return fmt.Errorf("assertions[%d]: disposition is required for disposition", index)
		}
	case AssertSuspended:
		if a.Replica < 0 {
			return fmt.Errorf("assertions[%d]: replica must be non-negative for suspended", index)
		}
	case AssertRecovered, AssertWrites, AssertDiverged, AssertConverged:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
