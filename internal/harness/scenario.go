package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: seed the tree, apply a
// sequence of writes with the dispatcher attached, then assert on the
// final tree.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Setup writes applied before the dispatcher is attached. They seed
	// initial state without firing any handlers.
	Setup []WriteStep `yaml:"setup,omitempty"`

	// Steps are the main flow. Each write fires the registered handlers
	// and the queue is drained to completion before the next step runs.
	Steps []WriteStep `yaml:"steps"`

	// Assertions validate individual paths in the final tree.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// Blocklist lists user IDs blocked during this scenario.
	Blocklist []string `yaml:"blocklist,omitempty"`

	// MinSecondsPerTask overrides the ingestion speed floor when set.
	MinSecondsPerTask *float64 `yaml:"min_seconds_per_task,omitempty"`
}

// WriteStep is a single mutation. Exactly one of Set, Update, or Delete
// must be present.
type WriteStep struct {
	// Set replaces the value at this path with Value.
	Set string `yaml:"set,omitempty"`

	// Update merges Fields into the map at this path.
	Update string `yaml:"update,omitempty"`

	// Delete removes the subtree at this path.
	Delete string `yaml:"delete,omitempty"`

	Value  any            `yaml:"value,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Assertion checks a single path in the final tree.
type Assertion struct {
	// Path addresses the value to check.
	Path string `yaml:"path"`

	// Equals is the expected value. Ignored when Absent is true.
	Equals any `yaml:"equals,omitempty"`

	// Absent asserts the path does not exist.
	Absent bool `yaml:"absent,omitempty"`
}

// LoadScenario reads and validates a single scenario file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("scenario %s: missing name", path)
	}
	for i, step := range append(append([]WriteStep{}, sc.Setup...), sc.Steps...) {
		if err := step.validate(); err != nil {
			return nil, fmt.Errorf("scenario %s step %d: %w", sc.Name, i, err)
		}
	}
	return &sc, nil
}

// LoadDir loads every .yaml scenario under dir, sorted by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading scenario dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".yaml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scenarios := make([]*Scenario, 0, len(names))
	for _, name := range names {
		sc, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

func (w WriteStep) validate() error {
	n := 0
	for _, p := range []string{w.Set, w.Update, w.Delete} {
		if p != "" {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one of set, update, delete required")
	}
	if w.Update != "" && len(w.Fields) == 0 {
		return fmt.Errorf("update step requires fields")
	}
	return nil
}
