package harness

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/rowsync/internal/store"
)

// validIdentifier matches the database and table names scenarios may use.
// Table names are interpolated into queries.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionContext gives assertions access to the final state.
type AssertionContext struct {
	Ctx     context.Context
	Stores  map[string]*store.Store
	Changes map[string]ChangeCounts
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s", ev.Seq, ev.Step, ev.Subject)
		if ev.DB != "" {
			fmt.Fprintf(&buf, " on %s", ev.DB)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var msgs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return msgs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertRows:
		return assertRows(result.Trace, a, actx)
	case AssertSameRows:
		return assertSameRows(result.Trace, a, actx)
	case AssertChanges:
		return assertChanges(result.Trace, a, actx)
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertRows(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	got, err := Rows(actx.Ctx, actx.Stores[a.DB], a.Table)
	if err != nil {
		return err
	}
	want := a.Rows
	if want == nil {
		want = []string{}
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		return &AssertionError{
			Type:     AssertRows,
			Expected: fmt.Sprintf("%s.%s = %q", a.DB, a.Table, want),
			Actual:   fmt.Sprintf("%q", got),
			Trace:    trace,
		}
	}
	return nil
}

func assertSameRows(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	first, err := Rows(actx.Ctx, actx.Stores[a.Databases[0]], a.Table)
	if err != nil {
		return err
	}
	for _, db := range a.Databases[1:] {
		rows, err := Rows(actx.Ctx, actx.Stores[db], a.Table)
		if err != nil {
			return err
		}
		if strings.Join(rows, "\n") != strings.Join(first, "\n") {
			return &AssertionError{
				Type:     AssertSameRows,
				Expected: fmt.Sprintf("%s.%s = %q", a.Databases[0], a.Table, first),
				Actual:   fmt.Sprintf("%s.%s = %q", db, a.Table, rows),
				Trace:    trace,
			}
		}
	}
	return nil
}

func assertChanges(trace []TraceEvent, a Assertion, actx *AssertionContext) error {
	got := actx.Changes[a.Changeset]
	if got.Inserts != a.Inserts || got.Updates != a.Updates || got.Deletes != a.Deletes {
		return &AssertionError{
			Type: AssertChanges,
			Expected: fmt.Sprintf("%s has %d inserts, %d updates, %d deletes",
				a.Changeset, a.Inserts, a.Updates, a.Deletes),
			Actual: fmt.Sprintf("%d inserts, %d updates, %d deletes", got.Inserts, got.Updates, got.Deletes),
			Trace:  trace,
		}
	}
	return nil
}

// matches reports whether ev is a step of kind step on subject. An empty
// subject matches any.
func matches(ev TraceEvent, step, subject string) bool {
	return ev.Step == step && (subject == "" || ev.Subject == subject)
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a.Step, a.Subject) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("step %s on %q", a.Step, a.Subject),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that subjects first appear in the given order.
// Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if _, seen := positions[ev.Subject]; !seen {
			positions[ev.Subject] = i + 1
		}
	}

	for _, subject := range a.Subjects {
		if positions[subject] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all subjects present: %v", a.Subjects),
				Actual:   fmt.Sprintf("missing subject: %s", subject),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Subjects); i++ {
		prev, curr := a.Subjects[i-1], a.Subjects[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("subjects in order: %v", a.Subjects),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a.Step, a.Subject) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("step %s occurs %d times", a.Step, a.Count),
			Actual:   fmt.Sprintf("occurs %d times", count),
			Trace:    trace,
		}
	}
	return nil
}

// Rows renders every row of table as its quoted column values joined by
// "|", ordered by the first column.
func Rows(ctx context.Context, st *store.Store, table string) ([]string, error) {
	if !validIdentifier.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	cols, err := st.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no such table: %s", table)
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "quote(" + store.QuoteIdent(c) + ")"
	}
	rs, err := st.Query(ctx, `SELECT `+strings.Join(quoted, `||'|'||`)+` FROM `+store.QuoteIdent(table)+` ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	out := []string{}
	for rs.Next() {
		var s string
		if err := rs.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rs.Err()
}
