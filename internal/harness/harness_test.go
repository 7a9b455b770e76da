package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, yaml string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	return s
}

func TestRun_ScenarioFiles(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(scenario.Flow))
		})
	}
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	s := mustParse(t, `
name: mismatch
description: "Expect clause disagrees with the apply"
databases: [a, b]
setup:
  - CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)
flow:
  - op: capture
    db: a
    as: c
    sql: ["INSERT INTO t VALUES (1, 'x')"]
  - op: apply
    db: b
    changeset: c
    expect:
      applied: 2
assertions:
  - type: trace_count
    step: apply
    count: 1
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "apply c to b: applied = 1, want 2", result.Errors[0])
}

func TestRun_UnexpectedAbort(t *testing.T) {
	s := mustParse(t, `
name: unexpected_abort
description: "An abort without an expect clause fails the scenario"
databases: [a, b]
setup:
  - CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)
  - INSERT INTO t VALUES (1, 'x')
flow:
  - op: capture
    db: a
    as: c
    sql: ["UPDATE t SET v = 'y' WHERE id = 1"]
  - op: capture
    db: b
    as: gone
    sql: ["DELETE FROM t"]
  - op: apply
    db: b
    changeset: c
assertions:
  - type: rows
    db: b
    table: t
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors, "apply c to b: aborted unexpectedly")
}

func TestRun_FailingAssertion(t *testing.T) {
	s := mustParse(t, `
name: failing_assertion
description: "Rows differ from the expectation"
databases: [a]
setup:
  - CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)
flow:
  - op: capture
    db: a
    as: c
    sql: ["INSERT INTO t VALUES (1, 'x')"]
assertions:
  - type: rows
    db: a
    table: t
    rows: ["1|'y'"]
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Assertion failed: rows")
	assert.Contains(t, result.Errors[0], `[1] capture c on a`)
}

func TestRun_StepErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "bad setup",
			yaml: `
name: bad_setup
description: d
databases: [a]
setup: ["CREATE TABLE"]
flow: [{op: capture, db: a, as: c, sql: ["SELECT 1"]}]
assertions: [{type: trace_count, step: capture, count: 1}]
`,
			wantErr: "setup[0]",
		},
		{
			name: "bad capture sql",
			yaml: `
name: bad_sql
description: d
databases: [a]
flow: [{op: capture, db: a, as: c, sql: ["INSERT INTO missing VALUES (1)"]}]
assertions: [{type: trace_count, step: capture, count: 1}]
`,
			wantErr: "flow[0] capture: sql[0]",
		},
		{
			name: "invert a patchset",
			yaml: `
name: invert_patchset
description: d
databases: [a]
setup: ["CREATE TABLE t (id INTEGER PRIMARY KEY)"]
flow:
  - {op: capture, db: a, as: p, patchset: true, sql: ["INSERT INTO t VALUES (1)"]}
  - {op: invert, changeset: p, as: q}
assertions: [{type: trace_count, step: invert, count: 1}]
`,
			wantErr: "flow[1] invert",
		},
		{
			name: "bad policy",
			yaml: `
name: bad_policy
description: d
databases: [a]
setup: ["CREATE TABLE t (id INTEGER PRIMARY KEY)"]
flow:
  - {op: capture, db: a, as: c, sql: ["INSERT INTO t VALUES (1)"]}
  - {op: apply, db: a, changeset: c, on_conflict: sometimes}
assertions: [{type: trace_count, step: apply, count: 1}]
`,
			wantErr: "flow[1] apply",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(context.Background(), mustParse(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRun_PatchsetFlow(t *testing.T) {
	s := mustParse(t, `
name: patchset_flow
description: "Patchsets capture, concatenate and apply"
databases: [a, b]
setup:
  - CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)
flow:
  - {op: capture, db: a, as: p1, patchset: true, sql: ["INSERT INTO t VALUES (1, 'x')"]}
  - {op: capture, db: a, as: p2, patchset: true, sql: ["UPDATE t SET v = 'y' WHERE id = 1"]}
  - {op: concat, changesets: [p1, p2], as: p}
  - {op: apply, db: b, changeset: p, expect: {applied: 1}}
assertions:
  - {type: same_rows, databases: [a, b], table: t}
  - {type: changes, changeset: p, inserts: 1}
`)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "patchset", result.Changes["p"].Type)
}

func TestCheckExpect(t *testing.T) {
	one, two := 1, 2
	got := ApplyCounts{Applied: 1, Omitted: 2, Conflicts: map[string]int{"data": 2}, Skipped: []string{"x"}}

	assert.Empty(t, checkExpect(nil, ApplyCounts{}))
	assert.Equal(t, []string{"aborted unexpectedly"}, checkExpect(nil, ApplyCounts{Aborted: true}))
	assert.Empty(t, checkExpect(&Expect{Applied: &one, Omitted: &two, Conflicts: map[string]int{"data": 2}}, got))
	assert.Equal(t, []string{
		"applied = 1, want 2",
		"conflicts (not found) = 0, want 1",
		"skipped = [x], want []",
		"aborted = false, want true",
	}, checkExpect(&Expect{
		Applied:   &two,
		Conflicts: map[string]int{"not found": 1},
		Skipped:   []string{},
		Aborted:   true,
	}, got))
}
