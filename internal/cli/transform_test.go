package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvert_ApplyRestoresRows(t *testing.T) {
	db, path := sampleCapture(t)
	undo := filepath.Join(t.TempDir(), "undo.cs")

	out, _, err := execute(t, NewInvertCommand(testRoot("text")), path, "-o", undo)
	require.NoError(t, err)
	assert.Contains(t, out, "inverted changeset: ")
	assert.Contains(t, out, "1 tables, 1 inserts, 1 updates, 1 deletes")

	_, _, err = execute(t, NewApplyCommand(testRoot("text")), undo, "--db", db)
	require.NoError(t, err)
	assert.Equal(t, []string{"1|'one'|10", "3|'three'|30"}, rows(t, db, "t"))
}

func TestInvert_Patchset(t *testing.T) {
	db := newDB(t, schemaT)
	ps := filepath.Join(t.TempDir(), "change.ps")
	_, _, err := execute(t, NewCaptureCommand(testRoot("text")),
		"--db", db, "-o", ps, "--patchset", "--sql", `INSERT INTO t VALUES (1, 'a', 1)`)
	require.NoError(t, err)

	_, _, err = execute(t, NewInvertCommand(testRoot("text")), ps, "-o", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestConcat(t *testing.T) {
	db := newDB(t, schemaT)
	a := captureFile(t, db, `INSERT INTO t VALUES (1, 'one', 1)`, `INSERT INTO t VALUES (2, 'two', 2)`)
	b := captureFile(t, db, `UPDATE t SET qty = 5 WHERE id = 1`, `DELETE FROM t WHERE id = 2`)
	all := filepath.Join(t.TempDir(), "all.cs")

	_, _, err := execute(t, NewConcatCommand(testRoot("text")), a, b, "-o", all)
	require.NoError(t, err)

	sum, err := summarize(loadChangeSet(t, all))
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Inserts, "insert then update folds into one insert")
	assert.Zero(t, sum.Updates)
	assert.Zero(t, sum.Deletes, "insert then delete disappears")

	replica := newDB(t, schemaT)
	_, _, err = execute(t, NewApplyCommand(testRoot("text")), all, "--db", replica)
	require.NoError(t, err)
	assert.Equal(t, []string{"1|'one'|5"}, rows(t, replica, "t"))
}

func TestConcat_MixedTypes(t *testing.T) {
	db := newDB(t, schemaT)
	cs := captureFile(t, db, `INSERT INTO t VALUES (1, 'one', 1)`)
	ps := filepath.Join(t.TempDir(), "change.ps")
	_, _, err := execute(t, NewCaptureCommand(testRoot("text")),
		"--db", db, "-o", ps, "--patchset", "--sql", `INSERT INTO t VALUES (2, 'two', 2)`)
	require.NoError(t, err)

	_, _, err = execute(t, NewConcatCommand(testRoot("text")), cs, ps, "-o", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "cannot be combined")
}

func TestConcat_MissingFile(t *testing.T) {
	db := newDB(t, schemaT)
	cs := captureFile(t, db, `INSERT INTO t VALUES (1, 'one', 1)`)
	_, _, err := execute(t, NewConcatCommand(testRoot("text")), cs, filepath.Join(t.TempDir(), "none.cs"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
