// Package config loads replica group configuration.
//
// A configuration file is YAML. It is checked against an embedded CUE
// schema that closes the key set and bounds every value, then decoded into
// Config with defaults for missing keys, then validated for constraints
// between keys.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/redundancy"
	"github.com/roach88/lockstep/internal/watchdog"
)

// MaxReplicas is the highest supported redundancy degree.
const MaxReplicas = 3

//go:embed schema.cue
var schemaSource []byte

// Config is the configuration of one replica group.
type Config struct {
	Replicas    int            `yaml:"replicas" json:"replicas"`
	MinReplicas int            `yaml:"min_replicas" json:"min_replicas"`
	Wait        string         `yaml:"wait" json:"wait"`
	Vote        string         `yaml:"vote" json:"vote"`
	Journal     string         `yaml:"journal,omitempty" json:"journal,omitempty"`
	Watchdog    WatchdogConfig `yaml:"watchdog" json:"watchdog"`
}

// WatchdogConfig configures lagging-replica detection and catch-up.
type WatchdogConfig struct {
	Enabled    bool     `yaml:"enabled" json:"enabled"`
	Timeout    Duration `yaml:"timeout" json:"timeout"`
	Mode       string   `yaml:"mode" json:"mode"`
	Retries    int      `yaml:"retries" json:"retries"`
	StepBudget int      `yaml:"step_budget" json:"step_budget"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used for missing keys: three replicas
// voting by lowest id with the watchdog armed.
func Default() Config {
	wd := watchdog.DefaultConfig()
	return Config{
		Replicas:    3,
		MinReplicas: 2,
		Wait:        redundancy.WaitBlock,
		Vote:        redundancy.VoteLowestID,
		Watchdog: WatchdogConfig{
			Enabled:    wd.Enabled,
			Timeout:    Duration(wd.Timeout),
			Mode:       string(wd.Mode),
			Retries:    wd.Retries,
			StepBudget: wd.StepBudget,
		},
	}
}

// Load reads, checks and decodes a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return parse(path, data)
}

// Parse checks and decodes configuration YAML.
func Parse(data []byte) (Config, error) {
	return parse("config.yaml", data)
}

func parse(filename string, data []byte) (Config, error) {
	if err := checkSchema(filename, data); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", filename, err)
	}

	// min_replicas defaults relative to replicas.
	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err == nil {
		if _, ok := keys["min_replicas"]; !ok {
			cfg.MinReplicas = min(2, cfg.Replicas)
		}
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return Config{}, errs
	}
	return cfg, nil
}

// Validate checks the constraints the schema cannot express.
// It returns every violation found.
func (c Config) Validate() ValidationErrors {
	var errs ValidationErrors
	if c.Replicas < 1 || c.Replicas > MaxReplicas {
		errs = append(errs, ValidationError{Code: ErrReplicaCount, Field: "replicas",
			Message: fmt.Sprintf("must be between 1 and %d, got %d", MaxReplicas, c.Replicas)})
	}
	if c.MinReplicas < 1 || c.MinReplicas > min(c.Replicas, MaxReplicas) {
		errs = append(errs, ValidationError{Code: ErrMinReplicas, Field: "min_replicas",
			Message: fmt.Sprintf("must be between 1 and replicas (%d), got %d", c.Replicas, c.MinReplicas)})
	}
	if _, err := redundancy.NewWaitStrategy(c.Wait); err != nil {
		errs = append(errs, ValidationError{Code: ErrUnknownName, Field: "wait", Message: err.Error()})
	}
	if _, err := redundancy.NewVotePolicy(c.Vote); err != nil {
		errs = append(errs, ValidationError{Code: ErrUnknownName, Field: "vote", Message: err.Error()})
	}
	if _, err := watchdog.ParseMode(c.Watchdog.Mode); err != nil {
		errs = append(errs, ValidationError{Code: ErrUnknownName, Field: "watchdog.mode", Message: err.Error()})
	}
	if c.Watchdog.Enabled {
		if c.Watchdog.Timeout <= 0 {
			errs = append(errs, ValidationError{Code: ErrWatchdogBounds, Field: "watchdog.timeout",
				Message: "must be positive when the watchdog is enabled"})
		}
		if c.Watchdog.Retries < 1 {
			errs = append(errs, ValidationError{Code: ErrWatchdogBounds, Field: "watchdog.retries",
				Message: "must be at least 1"})
		}
		if c.Watchdog.StepBudget < 1 {
			errs = append(errs, ValidationError{Code: ErrWatchdogBounds, Field: "watchdog.step_budget",
				Message: "must be at least 1"})
		}
	}
	return errs
}

// WatchdogSettings converts the watchdog section for watchdog.New.
func (c Config) WatchdogSettings() watchdog.Config {
	mode, _ := watchdog.ParseMode(c.Watchdog.Mode)
	return watchdog.Config{
		Enabled:    c.Watchdog.Enabled,
		Timeout:    c.Watchdog.Timeout.Std(),
		Mode:       mode,
		Retries:    c.Watchdog.Retries,
		StepBudget: c.Watchdog.StepBudget,
	}
}

// Validation error codes.
const (
	ErrReplicaCount   = "E201"
	ErrMinReplicas    = "E202"
	ErrUnknownName    = "E203"
	ErrWatchdogBounds = "E204"
)

// ValidationError is one violated constraint.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every violation of one configuration.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}
