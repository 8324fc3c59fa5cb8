package harness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
)

// identifier restricts table and column names, which are interpolated.
var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	// Trace is printed after the mismatch when set.
	Trace []TraceEvent
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&b, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&b, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		b.WriteString("\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&b, "  [%d] %s %s %s", ev.Seq, ev.Phase, ev.Action, compact(ev.Args))
			if ev.Error != "" {
				fmt.Fprintf(&b, " error=%q", ev.Error)
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// AssertionContext gives final_state assertions access to the store.
type AssertionContext struct {
	Env Env
	Ctx context.Context
}

// EvaluateAssertions checks every assertion against the result and returns
// one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result.Trace, a, actx); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		if len(matching(trace, a)) == 0 {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s with args %s and result %s", a.Action, compact(a.Args), compact(a.Result)),
				Actual:   "no such step in trace",
				Trace:    trace,
			}
		}
	case AssertTraceCount:
		if n := len(matching(trace, Assertion{Action: a.Action})); n != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d %s steps", a.Count, a.Action),
				Actual:   fmt.Sprintf("%d %s steps", n, a.Action),
				Trace:    trace,
			}
		}
	case AssertTraceOrder:
		return checkOrder(trace, a.Actions)
	case AssertFinalState:
		if actx == nil || actx.Env == nil {
			return fmt.Errorf("final_state needs an environment")
		}
		ctx := actx.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		return checkRow(ctx, actx.Env, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// matching returns the steps with the assertion's action whose args and
// result contain the assertion's args and result.
func matching(trace []TraceEvent, a Assertion) []TraceEvent {
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Action == a.Action && matchArgs(ev.Args, a.Args) && matchArgs(ev.Result, a.Result) {
			out = append(out, ev)
		}
	}
	return out
}

// checkOrder verifies that the first occurrences of actions appear in the
// given order. Other steps may come in between.
func checkOrder(trace []TraceEvent, actions []string) error {
	first := func(action string) int {
		for i, ev := range trace {
			if ev.Action == action {
				return i
			}
		}
		return -1
	}

	prev := -1
	for i, action := range actions {
		pos := first(action)
		if pos < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps %v", actions),
				Actual:   fmt.Sprintf("no %s step", action),
				Trace:    trace,
			}
		}
		if pos <= prev {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("steps in order %v", actions),
				Actual:   fmt.Sprintf("%s (step %d) is not after %s (step %d)", action, pos+1, actions[i-1], prev+1),
				Trace:    trace,
			}
		}
		prev = pos
	}
	return nil
}

// checkRow selects the single row matching Where and compares the columns
// named in Expect.
func checkRow(ctx context.Context, env Env, a Assertion) error {
	if !identifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q", a.Table)
	}
	where, args, err := whereClause(a.Where)
	if err != nil {
		return err
	}
	query := "SELECT * FROM " + a.Table
	if where != "" {
		query += " WHERE " + where
	}

	row, err := selectOne(ctx, env, query, args)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("one row in %s where %s", a.Table, describe(a.Where)),
			Actual:   err.Error(),
		}
	}

	keys := sortedKeys(a.Expect)
	for _, col := range keys {
		want := a.Expect[col]
		got, ok := row[col]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("column %q", col),
				Actual:   fmt.Sprintf("columns %v", sortedKeys(row)),
			}
		}
		if !columnEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v", col, want),
				Actual:   fmt.Sprintf("field %q = %v", col, got),
			}
		}
	}
	return nil
}

// selectOne runs query and returns its only row keyed by column name.
func selectOne(ctx context.Context, env Env, query string, args []any) (map[string]any, error) {
	rows, err := env.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("row not found")
	}
	row, err := scanRow(rows, cols)
	if err != nil {
		return nil, err
	}
	if rows.Next() {
		return nil, fmt.Errorf("more than one row matched")
	}
	return row, rows.Err()
}

func scanRow(rows *sql.Rows, cols []string) (map[string]any, error) {
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = columnValue(values[i])
	}
	return row, nil
}

// columnValue converts driver values to their JSON-comparable form.
func columnValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return val
	}
}

// whereClause builds "a = ? AND b = ?" over the sorted keys of where.
func whereClause(where map[string]any) (string, []any, error) {
	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if !identifier.MatchString(k) {
			return "", nil, fmt.Errorf("invalid column name %q", k)
		}
		clauses = append(clauses, k+" = ?")
		args = append(args, sqlArg(where[k]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// sqlArg maps a YAML scalar to a driver argument.
func sqlArg(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case string, int64, float64, bool:
		return val
	default:
		return fmt.Sprint(val)
	}
}

func describe(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, 0, len(where))
	for _, k := range sortedKeys(where) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// columnEqual compares an expected YAML value with a column value. SQLite
// stores booleans as integers.
func columnEqual(want, got any) bool {
	if b, ok := want.(bool); ok {
		if n, isInt := got.(int64); isInt {
			return b == (n != 0)
		}
	}
	return valuesEqual(got, want)
}

// matchArgs reports whether actual, seen as a JSON object, holds every key
// of expected with an equal value.
func matchArgs(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	obj, ok := asObject(actual)
	if !ok {
		return false
	}
	for k, want := range expected {
		got, present := obj[k]
		if !present || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares a and b in their JSON form, so a YAML int equals a
// decoded JSON number.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	data, ok := v.(json.RawMessage)
	if !ok {
		var err error
		if data, err = json.Marshal(v); err != nil {
			return v
		}
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func asObject(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	m, ok := normalize(v).(map[string]any)
	return m, ok
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
