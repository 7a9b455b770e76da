package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rowsync/internal/archive"
	"github.com/roach88/rowsync/internal/testutil"
)

const (
	firstID  = "00000000-0000-7000-8000-000000000001"
	secondID = "00000000-0000-7000-8000-000000000002"
	thirdID  = "00000000-0000-7000-8000-000000000003"
)

type archiveHarness struct {
	dir   string
	ids   *testutil.SequentialIDs
	clock *testutil.DeterministicClock
}

func newArchiveHarness(t *testing.T) *archiveHarness {
	return &archiveHarness{
		dir:   t.TempDir(),
		ids:   &testutil.SequentialIDs{},
		clock: testutil.NewDeterministicClock(),
	}
}

func (h *archiveHarness) command(format string) *cobra.Command {
	return newArchiveCommand(&ArchiveOptions{
		RootOptions: testRoot(format),
		IDs:         h.ids,
		Now:         h.clock.Now,
	})
}

func (h *archiveHarness) run(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	out, _, err := execute(t, h.command(format), append(args, "--dir", h.dir)...)
	return out, err
}

func (h *archiveHarness) list(t *testing.T) []archive.Entry {
	t.Helper()
	out, err := h.run(t, "json", "list")
	require.NoError(t, err)
	var resp struct {
		Data []archive.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	return resp.Data
}

func TestArchive_Lifecycle(t *testing.T) {
	h := newArchiveHarness(t)
	db := newDB(t, schemaT)
	first := captureFile(t, db, `INSERT INTO t VALUES (1, 'one', 1)`)
	second := captureFile(t, db, `UPDATE t SET qty = 2 WHERE id = 1`)

	out, err := h.run(t, "text", "put", first, "--label", "first")
	require.NoError(t, err)
	assert.Equal(t, firstID+"\n", out)
	_, err = h.run(t, "text", "put", second, "--label", "second")
	require.NoError(t, err)

	entries := h.list(t)
	require.Len(t, entries, 2)
	assert.Equal(t, firstID, entries[0].ID)
	assert.Equal(t, "first", entries[0].Label)
	assert.True(t, entries[0].Created.Equal(testutil.Epoch))
	assert.Equal(t, secondID, entries[1].ID)
	assert.True(t, entries[1].Created.Equal(testutil.Epoch.Add(time.Second)))
	assert.Less(t, entries[0].Seq, entries[1].Seq)

	text, err := h.run(t, "text", "list")
	require.NoError(t, err)
	assert.Contains(t, text, "SEQ")
	assert.Contains(t, text, "2024-01-01T00:00:00Z")
	assert.Contains(t, text, "second")

	got := filepath.Join(t.TempDir(), "got.cs")
	_, err = h.run(t, "text", "get", firstID, "-o", got)
	require.NoError(t, err)
	want, err := os.ReadFile(first)
	require.NoError(t, err)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, want, data)

	out, err = h.run(t, "text", "squash", firstID, secondID, "--label", "both")
	require.NoError(t, err)
	assert.Equal(t, thirdID+"\n", out)

	entries = h.list(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "both", entries[0].Label)

	squashed := filepath.Join(t.TempDir(), "squashed.cs")
	_, err = h.run(t, "text", "get", thirdID, "-o", squashed)
	require.NoError(t, err)
	replica := newDB(t, schemaT)
	_, _, err = execute(t, NewApplyCommand(testRoot("text")), squashed, "--db", replica)
	require.NoError(t, err)
	assert.Equal(t, []string{"1|'one'|2"}, rows(t, replica, "t"))

	out, err = h.run(t, "json", "delete", thirdID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":{"deleted":["`+thirdID+`"]}}`, out)
	assert.Empty(t, h.list(t))
}

func TestArchive_NotFound(t *testing.T) {
	h := newArchiveHarness(t)
	for _, args := range [][]string{
		{"get", "missing"},
		{"delete", "missing"},
		{"squash", "missing", "also-missing"},
	} {
		_, err := h.run(t, "text", args...)
		require.Error(t, err, args)
		assert.Equal(t, ExitFailure, GetExitCode(err), args)
	}
}

func TestArchive_SquashLeavesEntriesOnFailure(t *testing.T) {
	h := newArchiveHarness(t)
	db := newDB(t, schemaT)
	cs := captureFile(t, db, `INSERT INTO t VALUES (1, 'one', 1)`)
	ps := filepath.Join(t.TempDir(), "change.ps")
	_, _, err := execute(t, NewCaptureCommand(testRoot("text")),
		"--db", db, "-o", ps, "--patchset", "--sql", `INSERT INTO t VALUES (2, 'two', 2)`)
	require.NoError(t, err)

	_, err = h.run(t, "text", "put", cs)
	require.NoError(t, err)
	_, err = h.run(t, "text", "put", ps)
	require.NoError(t, err)

	_, err = h.run(t, "text", "squash", firstID, secondID)
	require.Error(t, err)
	assert.Len(t, h.list(t), 2)
}

func TestArchive_PutStdin(t *testing.T) {
	h := newArchiveHarness(t)
	db := newDB(t, schemaT)
	data, err := os.ReadFile(captureFile(t, db, `INSERT INTO t VALUES (1, 'one', 1)`))
	require.NoError(t, err)

	cmd := h.command("json")
	cmd.SetArgs([]string{"put", "-", "--dir", h.dir})
	cmd.SetIn(bytes.NewReader(data))
	var out strings.Builder
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())

	var resp struct {
		Data archive.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out.String()), &resp))
	assert.Equal(t, firstID, resp.Data.ID)
	assert.Equal(t, len(data), resp.Data.Size)
	assert.False(t, resp.Data.Patchset)
}
