package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sangdongvan/football-events/internal/domain"
)

// Scenario is an acceptance test: setup steps, a flow of steps with
// expectations, and assertions over the resulting trace and store.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Vars are substituted for ${name} in urls, bodies and statements.
	Vars map[string]string `yaml:"vars,omitempty"`

	// Setup prepares fixtures. Any failure aborts the run.
	Setup []Step `yaml:"setup,omitempty"`

	Flow []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step sets exactly one action.
type Step struct {
	Command      *CommandStep `yaml:"command,omitempty"`
	Query        *QueryStep   `yaml:"query,omitempty"`
	SQL          string       `yaml:"sql,omitempty"`
	InsertPlayer *PlayerStep  `yaml:"insert_player,omitempty"`
	WaitEvents   *WaitStep    `yaml:"wait_events,omitempty"`
	WaitPush     *WaitStep    `yaml:"wait_push,omitempty"`

	// Expect checks the outcome. Without it a command must answer 2xx.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// CommandStep is an HTTP command. RetryOn, if set, is resent while it
// comes back, for at most the rest timeout.
type CommandStep struct {
	Method  string `yaml:"method"`
	URL     string `yaml:"url"`
	Body    string `yaml:"body,omitempty"`
	RetryOn int    `yaml:"retry_on,omitempty"`
}

// QueryStep polls a read endpoint until its JSON array has Count elements.
type QueryStep struct {
	URL   string `yaml:"url"`
	Count int    `yaml:"count"`
}

// PlayerStep inserts a player row captured by the CDC connector.
type PlayerStep struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
}

// WaitStep waits for Count bus events or push notifications of Type.
type WaitStep struct {
	Type  string `yaml:"type"`
	Count int    `yaml:"count"`
}

// ExpectClause describes the expected outcome of a step.
type ExpectClause struct {
	// Status is the expected status of a command.
	Status int `yaml:"status,omitempty"`

	// Last is matched as a subset against the last element returned by a
	// query or a wait.
	Last map[string]any `yaml:"last,omitempty"`
}

// Action returns the trace action of the step, or "" if none is set.
func (s Step) Action() string {
	actions := s.actions()
	if len(actions) != 1 {
		return ""
	}
	return actions[0]
}

func (s Step) actions() []string {
	var out []string
	if s.Command != nil {
		out = append(out, ActionCommand)
	}
	if s.Query != nil {
		out = append(out, ActionQuery)
	}
	if s.SQL != "" {
		out = append(out, ActionSQL)
	}
	if s.InsertPlayer != nil {
		out = append(out, ActionInsertPlayer)
	}
	if s.WaitEvents != nil {
		out = append(out, ActionWaitEvents)
	}
	if s.WaitPush != nil {
		out = append(out, ActionWaitPush)
	}
	return out
}

// Assertion validates the final trace or store state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// Action is used by trace_contains and trace_count.
	Action string `yaml:"action,omitempty"`

	// Args and Result are matched as subsets by trace_contains.
	Args   map[string]any `yaml:"args,omitempty"`
	Result map[string]any `yaml:"result,omitempty"`

	// Table, Where and Expect are used by final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is used by trace_count.
	Count int `yaml:"count,omitempty"`

	// Actions is used by trace_order.
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
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

// FindScenarios returns the .yaml and .yml files under dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find scenarios in %s: %w", dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	for i, step := range s.Setup {
		if err := validateStep(fmt.Sprintf("setup[%d]", i), step); err != nil {
			return err
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(fmt.Sprintf("flow[%d]", i), step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(where string, s Step) error {
	actions := s.actions()
	switch len(actions) {
	case 0:
		return fmt.Errorf("%s: one action is required", where)
	case 1:
	default:
		return fmt.Errorf("%s: exactly one action is allowed, got %v", where, actions)
	}

	switch {
	case s.Command != nil:
		if s.Command.Method == "" || s.Command.URL == "" {
			return fmt.Errorf("%s: command method and url are required", where)
		}
	case s.Query != nil:
		if s.Query.URL == "" {
			return fmt.Errorf("%s: query url is required", where)
		}
		if s.Query.Count < 0 {
			return fmt.Errorf("%s: query count must be non-negative", where)
		}
	case s.InsertPlayer != nil:
		if s.InsertPlayer.Name == "" {
			return fmt.Errorf("%s: insert_player name is required", where)
		}
	case s.WaitEvents != nil:
		if !domain.IsEvent(s.WaitEvents.Type) {
			return fmt.Errorf("%s: %w", where, &domain.UnknownTypeError{Kind: "event", Name: s.WaitEvents.Type})
		}
		if s.WaitEvents.Count < 1 {
			return fmt.Errorf("%s: wait_events count must be positive", where)
		}
	case s.WaitPush != nil:
		if !domain.IsView(s.WaitPush.Type) {
			return fmt.Errorf("%s: %w", where, &domain.UnknownTypeError{Kind: "view", Name: s.WaitPush.Type})
		}
		if s.WaitPush.Count < 1 {
			return fmt.Errorf("%s: wait_push count must be positive", where)
		}
	}

	if s.Expect != nil {
		if s.Expect.Status != 0 && s.Command == nil {
			return fmt.Errorf("%s.expect: status only applies to a command", where)
		}
		if s.Expect.Last != nil && s.Query == nil && s.WaitEvents == nil && s.WaitPush == nil {
			return fmt.Errorf("%s.expect: last only applies to a query or a wait", where)
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
