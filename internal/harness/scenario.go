// Package harness runs YAML conformance scenarios against a real
// database and compares the outcome against golden files.
//
// A scenario seeds a roster, opens one window, then executes steps at
// fixed clock times. Each step's outcome (ok or a failure code) is
// recorded, and a final snapshot of the derived state is appended. The
// serialized result must match testdata/<name>.golden byte for byte.
package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one YAML conformance scenario.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Seed establishes the roster before the window opens.
	Seed Seed `yaml:"seed"`

	// Window is the single submission window every step runs against.
	Window WindowSpec `yaml:"window"`

	// Steps are executed in order at their stated clock times.
	Steps []Step `yaml:"steps"`

	// Snapshot selects which derived views appear in the golden output.
	// Supported: "attendance", "distribution".
	Snapshot []string `yaml:"snapshot,omitempty"`
}

// Seed lists the groups and members created before the flow runs.
type Seed struct {
	Groups  []GroupSeed  `yaml:"groups"`
	Members []MemberSeed `yaml:"members,omitempty"`
}

// GroupSeed creates one group. Groups are referenced by name in steps.
type GroupSeed struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind,omitempty"`
}

// MemberSeed creates one member. Members are referenced as "First Last".
type MemberSeed struct {
	First string `yaml:"first"`
	Last  string `yaml:"last"`
	Group string `yaml:"group"`
}

// WindowSpec opens the scenario's window.
type WindowSpec struct {
	CycleDate string    `yaml:"cycle_date"`
	OpensAt   time.Time `yaml:"opens_at"`
	ClosesAt  time.Time `yaml:"closes_at"`
}

// Actor identifies who performs a step. Scopes hold group names, which
// the runner resolves to ids.
type Actor struct {
	ID     string   `yaml:"id"`
	Role   string   `yaml:"role"`
	Scopes []string `yaml:"scopes,omitempty"`
}

// Step is one operation in the flow.
type Step struct {
	// At is the clock time the step runs at.
	At time.Time `yaml:"at"`

	// Actor performs the operation. Empty means anonymous.
	Actor Actor `yaml:"actor"`

	// Op names the operation: window.close, attendance.take,
	// attendance.mark, distribution.confirm, distribution.allocate,
	// offering.record.
	Op string `yaml:"op"`

	// Args are the operation's inputs; group and member references are
	// by seeded name.
	Args map[string]any `yaml:"args,omitempty"`

	// Expect is the failure code the step must produce, empty for
	// success.
	Expect string `yaml:"expect,omitempty"`
}

// Load reads and parses a scenario file. Unknown YAML fields are
// rejected so typos fail loudly.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := validate(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &s, nil
}

func validate(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Window.CycleDate == "" {
		return fmt.Errorf("window.cycle_date is required")
	}
	if !s.Window.ClosesAt.After(s.Window.OpensAt) {
		return fmt.Errorf("window must close after it opens")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, st := range s.Steps {
		if st.Op == "" {
			return fmt.Errorf("steps[%d]: op is required", i)
		}
		if st.At.IsZero() {
			return fmt.Errorf("steps[%d]: at is required", i)
		}
	}
	return nil
}
