package apply

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/session"
	"github.com/roach88/rowsync/internal/store"
)

const schemaT = `CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT, qty INTEGER)`

func openDB(t *testing.T, stmts ...string) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	exec(t, st, stmts...)
	return st
}

// clone copies st into a new database file.
func clone(t *testing.T, st *store.Store) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clone.db")
	_, err := st.Exec(context.Background(), `VACUUM INTO ?`, path)
	require.NoError(t, err)
	c, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func exec(t *testing.T, st *store.Store, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := st.Exec(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
}

// capture runs stmts under a fresh session and returns the changeset.
func capture(t *testing.T, st *store.Store, stmts ...string) *changeset.ChangeSet {
	t.Helper()
	ctx := context.Background()
	tr := session.New(st.DB(), session.Options{Name: "capture"})
	_, err := tr.EnableTracking(ctx, true)
	require.NoError(t, err)
	exec(t, st, stmts...)
	cs, err := changeset.FromChangeTrack(ctx, tr, changeset.Full)
	require.NoError(t, err)
	require.NoError(t, tr.EndTracking(ctx))
	return cs
}

// contents renders every row of table as quoted values joined by '|',
// ordered by the first column.
func contents(t *testing.T, st *store.Store, table string) []string {
	t.Helper()
	ctx := context.Background()
	info, err := st.TableInfo(ctx, table)
	require.NoError(t, err)
	require.True(t, info.Exists(), table)

	cols := make([]string, len(info.Columns))
	for i, c := range info.Columns {
		cols[i] = "quote(" + store.QuoteIdent(c) + ")"
	}
	rows, err := st.Query(ctx, `SELECT `+strings.Join(cols, ` || '|' || `)+
		` FROM `+store.QuoteIdent(table)+` ORDER BY 1`)
	require.NoError(t, err)
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var line string
		require.NoError(t, rows.Scan(&line))
		out = append(out, line)
	}
	require.NoError(t, rows.Err())
	return out
}

// recorder resolves every conflict with the same disposition and remembers
// what it saw.
type recorder struct {
	answer  Disposition
	causes  []Cause
	changes []*changeset.Change
}

func (r *recorder) OnConflict(cause Cause, ch *changeset.Change) Disposition {
	r.causes = append(r.causes, cause)
	r.changes = append(r.changes, ch)
	return r.answer
}

// captureSession starts a session the test drives itself.
func captureSession(t *testing.T, st *store.Store) *session.Tracker {
	t.Helper()
	ctx := context.Background()
	tr := session.New(st.DB(), session.Options{Name: "manual"})
	_, err := tr.EnableTracking(ctx, true)
	require.NoError(t, err)
	t.Cleanup(func() { tr.EndTracking(ctx) })
	return tr
}
