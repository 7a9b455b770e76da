package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario describes replicas, the steps driven between them, and the
// expected outcome.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Databases names the replicas. All start as copies of the setup state.
	Databases []string `yaml:"databases"`

	// Setup runs on the first replica before it is copied.
	Setup []string `yaml:"setup,omitempty"`

	// Flow is executed in order.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step kinds.
const (
	OpCapture = "capture"
	OpDiff    = "diff"
	OpInvert  = "invert"
	OpConcat  = "concat"
	OpRebase  = "rebase"
	OpApply   = "apply"
)

// Step is one operation of the flow. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// DB is the replica captured, diffed or applied to.
	DB string `yaml:"db,omitempty"`

	// As names the changeset a step produces.
	As string `yaml:"as,omitempty"`

	// SQL is run by capture, one tracked unit per entry.
	SQL []string `yaml:"sql,omitempty"`

	// Patchset makes capture and diff produce a patchset.
	Patchset bool `yaml:"patchset,omitempty"`

	// Base is the replica diff compares against.
	Base string `yaml:"base,omitempty"`

	// Changeset is the input of invert, rebase and apply.
	Changeset string `yaml:"changeset,omitempty"`

	// Changesets are the inputs of concat, in order.
	Changesets []string `yaml:"changesets,omitempty"`

	// With names the rebase data rebase applies.
	With []string `yaml:"with,omitempty"`

	// OnConflict and Policies resolve apply conflicts. OnConflict
	// defaults to abort; Policies override it per cause.
	OnConflict string            `yaml:"on_conflict,omitempty"`
	Policies   map[string]string `yaml:"policies,omitempty"`

	// Invert applies the inverse of the changeset.
	Invert bool `yaml:"invert,omitempty"`

	// RebaseAs names the rebase data apply keeps.
	RebaseAs string `yaml:"rebase_as,omitempty"`

	// Expect checks the outcome of an apply.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is a subset match on an apply outcome; nil fields are not checked.
type Expect struct {
	Applied   *int           `yaml:"applied,omitempty"`
	Omitted   *int           `yaml:"omitted,omitempty"`
	Replaced  *int           `yaml:"replaced,omitempty"`
	Conflicts map[string]int `yaml:"conflicts,omitempty"`
	Skipped   []string       `yaml:"skipped,omitempty"`
	Aborted   bool           `yaml:"aborted,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert constants.
	Type string `yaml:"type"`

	// DB and Table select the rows checked by rows.
	DB    string `yaml:"db,omitempty"`
	Table string `yaml:"table,omitempty"`

	// Rows is the expected table content, in primary key order.
	Rows []string `yaml:"rows,omitempty"`

	// Databases are compared by same_rows.
	Databases []string `yaml:"databases,omitempty"`

	// Changeset and the counts are checked by changes.
	Changeset string `yaml:"changeset,omitempty"`
	Inserts   int    `yaml:"inserts,omitempty"`
	Updates   int    `yaml:"updates,omitempty"`
	Deletes   int    `yaml:"deletes,omitempty"`

	// Step and Subject select events for trace_contains and trace_count.
	Step    string `yaml:"step,omitempty"`
	Subject string `yaml:"subject,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Subjects is the expected order (trace_order).
	Subjects []string `yaml:"subjects,omitempty"`
}

// Assertion type constants.
const (
	AssertRows          = "rows"
	AssertSameRows      = "same_rows"
	AssertChanges       = "changes"
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is inconsistent.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
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

// validateScenario checks required fields and that every name a step or
// assertion uses is defined before it is used.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Databases) == 0 {
		return fmt.Errorf("databases list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	dbs := make(map[string]bool)
	for i, name := range s.Databases {
		if !validIdentifier.MatchString(name) {
			return fmt.Errorf("databases[%d]: invalid name %q", i, name)
		}
		if dbs[name] {
			return fmt.Errorf("databases[%d]: duplicate name %q", i, name)
		}
		dbs[name] = true
	}

	sets := make(map[string]bool)
	blobs := make(map[string]bool)
	for i, step := range s.Flow {
		if err := validateStep(step, dbs, sets, blobs); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		if step.As != "" {
			sets[step.As] = true
		}
		if step.RebaseAs != "" {
			blobs[step.RebaseAs] = true
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, dbs, sets); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, dbs, sets, blobs map[string]bool) error {
	needDB := func() error {
		if !dbs[step.DB] {
			return fmt.Errorf("%s: unknown database %q", step.Op, step.DB)
		}
		return nil
	}
	needSet := func(name string) error {
		if !sets[name] {
			return fmt.Errorf("%s: unknown changeset %q", step.Op, name)
		}
		return nil
	}
	needAs := func() error {
		if step.As == "" {
			return fmt.Errorf("%s: as is required", step.Op)
		}
		return nil
	}

	switch step.Op {
	case OpCapture:
		if len(step.SQL) == 0 {
			return fmt.Errorf("capture: sql is required")
		}
		if err := needDB(); err != nil {
			return err
		}
		return needAs()
	case OpDiff:
		if !dbs[step.Base] {
			return fmt.Errorf("diff: unknown base %q", step.Base)
		}
		if err := needDB(); err != nil {
			return err
		}
		return needAs()
	case OpInvert:
		if err := needSet(step.Changeset); err != nil {
			return err
		}
		return needAs()
	case OpConcat:
		if len(step.Changesets) < 2 {
			return fmt.Errorf("concat: at least two changesets are required")
		}
		for _, name := range step.Changesets {
			if err := needSet(name); err != nil {
				return err
			}
		}
		return needAs()
	case OpRebase:
		if len(step.With) == 0 {
			return fmt.Errorf("rebase: with is required")
		}
		for _, name := range step.With {
			if !blobs[name] {
				return fmt.Errorf("rebase: unknown rebase data %q", name)
			}
		}
		if err := needSet(step.Changeset); err != nil {
			return err
		}
		return needAs()
	case OpApply:
		if err := needDB(); err != nil {
			return err
		}
		return needSet(step.Changeset)
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(a Assertion, dbs, sets map[string]bool) error {
	switch a.Type {
	case AssertRows:
		if !dbs[a.DB] {
			return fmt.Errorf("rows: unknown database %q", a.DB)
		}
		if !validIdentifier.MatchString(a.Table) {
			return fmt.Errorf("rows: invalid table %q", a.Table)
		}
	case AssertSameRows:
		if len(a.Databases) < 2 {
			return fmt.Errorf("same_rows: at least two databases are required")
		}
		for _, db := range a.Databases {
			if !dbs[db] {
				return fmt.Errorf("same_rows: unknown database %q", db)
			}
		}
		if !validIdentifier.MatchString(a.Table) {
			return fmt.Errorf("same_rows: invalid table %q", a.Table)
		}
	case AssertChanges:
		if !sets[a.Changeset] {
			return fmt.Errorf("changes: unknown changeset %q", a.Changeset)
		}
	case AssertTraceContains:
		if a.Step == "" {
			return fmt.Errorf("trace_contains: step is required")
		}
	case AssertTraceOrder:
		if len(a.Subjects) == 0 {
			return fmt.Errorf("trace_order: subjects list is required")
		}
	case AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("trace_count: step is required")
		}
		if a.Count < 0 {
			return fmt.Errorf("trace_count: count must be non-negative")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
