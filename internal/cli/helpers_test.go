package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/config"
	"github.com/roach88/rowsync/internal/logging"
	"github.com/roach88/rowsync/internal/store"
)

const schemaT = `CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT, qty INTEGER)`

// testRoot returns root options that skip config lookup and logging.
func testRoot(format string) *RootOptions {
	return &RootOptions{Format: format, Config: config.Default(), Logger: logging.Nop()}
}

// execute runs cmd with args and returns what it wrote to stdout and stderr.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

// newDB creates a database file initialized with stmts and returns its path.
func newDB(t *testing.T, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	for _, stmt := range stmts {
		_, err := st.Exec(context.Background(), stmt)
		require.NoError(t, err, stmt)
	}
	return path
}

// cloneDB copies a database file so both copies share a GUID.
func cloneDB(t *testing.T, path string) string {
	t.Helper()
	dst := filepath.Join(t.TempDir(), "clone.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	_, err = st.Exec(context.Background(), `VACUUM INTO ?`, dst)
	require.NoError(t, err)
	return dst
}

// rows renders the rows of table as "col|col|..." strings ordered by the
// first column.
func rows(t *testing.T, path, table string) []string {
	t.Helper()
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	cols, err := st.Columns(ctx, table)
	require.NoError(t, err)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "quote(" + store.QuoteIdent(c) + ")"
	}
	rs, err := st.Query(ctx, `SELECT `+strings.Join(quoted, `||'|'||`)+` FROM `+store.QuoteIdent(table)+` ORDER BY 1`)
	require.NoError(t, err)
	defer rs.Close()
	out := []string{}
	for rs.Next() {
		var s string
		require.NoError(t, rs.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rs.Err())
	return out
}

// captureFile runs the capture command against db and returns the path of
// the written changeset.
func captureFile(t *testing.T, db string, sql ...string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "change.cs")
	args := []string{"--db", db, "-o", out}
	for _, s := range sql {
		args = append(args, "--sql", s)
	}
	_, _, err := execute(t, NewCaptureCommand(testRoot("text")), args...)
	require.NoError(t, err)
	return out
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
