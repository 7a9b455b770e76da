package cli

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGolden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// sampleCapture returns a database and a changeset holding one update, one
// insert and one delete of table t, in that order.
func sampleCapture(t *testing.T) (db, path string) {
	t.Helper()
	db = newDB(t, schemaT, `INSERT INTO t VALUES (1, 'one', 10), (3, 'three', 30)`)
	path = captureFile(t, db,
		`UPDATE t SET qty = 11 WHERE id = 1`,
		`INSERT INTO t VALUES (2, 'two', 20)`,
		`DELETE FROM t WHERE id = 3`,
	)
	return db, path
}

func TestDump_Text(t *testing.T) {
	db, path := sampleCapture(t)
	out, _, err := execute(t, NewDumpCommand(testRoot("text")), path, "--db", db, "--label", "change")
	require.NoError(t, err)
	newGolden(t).Assert(t, "dump_text", []byte(out))
}

func TestDump_TextInverted(t *testing.T) {
	db, path := sampleCapture(t)
	out, _, err := execute(t, NewDumpCommand(testRoot("text")), path, "--db", db, "--label", "undo", "--invert")
	require.NoError(t, err)
	newGolden(t).Assert(t, "dump_text_inverted", []byte(out))
}

func TestDump_CurrentRows(t *testing.T) {
	db, path := sampleCapture(t)
	out, _, err := execute(t, NewDumpCommand(testRoot("text")), path, "--db", db, "--detail", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "current: [name]\"one\" [qty]11")
	assert.Contains(t, out, "current: <none>")
}

func TestDump_PositionalWithoutDatabase(t *testing.T) {
	_, path := sampleCapture(t)
	out, _, err := execute(t, NewDumpCommand(testRoot("text")), path)
	require.NoError(t, err)
	assert.Contains(t, out, `[2] INSERT [1]"two" [2]20`)
}

func TestDump_JSON(t *testing.T) {
	db, path := sampleCapture(t)
	out, _, err := execute(t, NewDumpCommand(testRoot("json")), path, "--db", db)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":[
		{"table":"t","op":"UPDATE","old":{"id":"1","qty":"10"},"new":{"qty":"11"}},
		{"table":"t","op":"INSERT","new":{"id":"2","name":"\"two\"","qty":"20"}},
		{"table":"t","op":"DELETE","old":{"id":"3","name":"\"three\"","qty":"30"}}
	]}`, out)
}

func TestDump_StaleSchema(t *testing.T) {
	_, path := sampleCapture(t)
	other := newDB(t, `CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)`)

	out, _, err := execute(t, NewDumpCommand(testRoot("text")), path, "--db", other)
	require.NoError(t, err)
	assert.Contains(t, out, "*** MISSING SCHEMA CHANGESET ***")

	out, _, err = execute(t, NewDumpCommand(testRoot("json")), path, "--db", other)
	require.NoError(t, err)
	assert.Contains(t, out, `"0":"1"`, "columns fall back to positions")
}

func TestDump_Errors(t *testing.T) {
	_, _, err := execute(t, NewDumpCommand(testRoot("text")), "/nonexistent/change.cs")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, _, err = execute(t, NewDumpCommand(testRoot("text")))
	require.Error(t, err, "changeset argument required")
}
