package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/store"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddTrace(TraceEvent{Step: OpCapture, DB: "a", Subject: "c1"})
	r.AddTrace(TraceEvent{Step: OpCapture, DB: "a", Subject: "c2"})
	r.AddTrace(TraceEvent{Step: OpConcat, Subject: "c3"})
	r.AddTrace(TraceEvent{Step: OpApply, DB: "b", Subject: "c3"})
	return r.Trace
}

func TestAddTrace_NumbersEvents(t *testing.T) {
	trace := sampleTrace()
	for i, ev := range trace {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceContains(trace, Assertion{Step: OpConcat}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Step: OpApply, Subject: "c3"}))

	err := assertTraceContains(trace, Assertion{Step: OpApply, Subject: "c1"})
	require.Error(t, err)
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, AssertTraceContains, aerr.Type)
	assert.Contains(t, err.Error(), "[4] apply c3 on b")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()
	tests := []struct {
		name     string
		subjects []string
		wantErr  string
	}{
		{"in order", []string{"c1", "c2", "c3"}, ""},
		{"gaps allowed", []string{"c1", "c3"}, ""},
		{"out of order", []string{"c2", "c1"}, "c2 (pos 2) should be before c1 (pos 1)"},
		{"missing", []string{"c1", "c9"}, "missing subject: c9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceOrder(trace, Assertion{Subjects: tt.subjects})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceCount(trace, Assertion{Step: OpCapture, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Step: OpCapture, Subject: "c2", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Step: OpRebase, Count: 0}))

	err := assertTraceCount(trace, Assertion{Step: OpApply, Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "occurs 1 times")
}

func TestAssertChanges(t *testing.T) {
	actx := &AssertionContext{Changes: map[string]ChangeCounts{"c": {Inserts: 2, Deletes: 1}}}
	assert.NoError(t, assertChanges(nil, Assertion{Changeset: "c", Inserts: 2, Deletes: 1}, actx))
	err := assertChanges(nil, Assertion{Changeset: "c", Inserts: 1}, actx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 inserts, 0 updates, 1 deletes")
}

func TestRowsAssertions(t *testing.T) {
	ctx := context.Background()
	open := func(name string, stmts ...string) *store.Store {
		st, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		for _, stmt := range stmts {
			_, err := st.Exec(ctx, stmt)
			require.NoError(t, err)
		}
		return st
	}
	schema := `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT, b BLOB)`
	a := open("a", schema, `INSERT INTO t VALUES (2, NULL, x'01'), (1, 'x', NULL)`)
	b := open("b", schema, `INSERT INTO t VALUES (1, 'x', NULL), (2, NULL, x'01')`)
	c := open("c", schema, `INSERT INTO t VALUES (1, 'x', NULL)`)
	actx := &AssertionContext{Ctx: ctx, Stores: map[string]*store.Store{"a": a, "b": b, "c": c}}

	rows, err := Rows(ctx, a, "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"1|'x'|NULL", "2|NULL|X'01'"}, rows)

	assert.NoError(t, assertRows(nil, Assertion{DB: "a", Table: "t", Rows: rows}, actx))
	assert.Error(t, assertRows(nil, Assertion{DB: "c", Table: "t", Rows: rows}, actx))
	assert.NoError(t, assertSameRows(nil, Assertion{Databases: []string{"a", "b"}, Table: "t"}, actx))

	err = assertSameRows(nil, Assertion{Databases: []string{"a", "b", "c"}, Table: "t"}, actx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c.t")

	_, err = Rows(ctx, a, "missing")
	assert.Error(t, err)
	_, err = Rows(ctx, a, "t; --")
	assert.Error(t, err)
}

func TestEvaluateAssertions_PrefixesIndex(t *testing.T) {
	msgs := EvaluateAssertions(&Result{Trace: sampleTrace()}, []Assertion{
		{Type: AssertTraceCount, Step: OpCapture, Count: 2},
		{Type: AssertTraceContains, Step: OpDiff},
	}, &AssertionContext{})
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "assertions[1]: Assertion failed: trace_contains")
}
