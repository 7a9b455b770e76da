package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: catchup
description: "A replica applies a captured insert"
databases: [primary, replica]
setup:
  - CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)
flow:
  - op: capture
    db: primary
    as: c
    sql: ["INSERT INTO t VALUES (1, 'x')"]
  - op: apply
    db: replica
    changeset: c
assertions:
  - type: same_rows
    databases: [primary, replica]
    table: t
`

const failingScenario = `
name: wrong_rows
description: "Expects a row that is never written"
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
    rows: ["2|'y'"]
`

func scenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writeFile(t, filepath.Join(dir, name), []byte(content))
	}
	return dir
}

func TestTest_PassingScenario(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"catchup.yaml": passingScenario, "notes.txt": "ignored"})

	out, _, err := execute(t, NewTestCommand(testRoot("text")), dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ catchup")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTest_FailingScenario(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"catchup.yaml": passingScenario, "wrong.yaml": failingScenario})

	out, _, err := execute(t, NewTestCommand(testRoot("text")), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_rows")
	assert.Contains(t, out, "Assertion failed: rows")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestTest_GoldenUpdateAndCompare(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"catchup.yaml": passingScenario})
	golden := filepath.Join(dir, "golden", "catchup.golden")

	out, _, err := execute(t, NewTestCommand(testRoot("text")), dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ catchup")
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name": "catchup"`)

	_, _, err = execute(t, NewTestCommand(testRoot("text")), dir)
	require.NoError(t, err)

	writeFile(t, golden, []byte("{}\n"))
	out, _, err = execute(t, NewTestCommand(testRoot("text")), dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTest_Filter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"catchup.yaml": passingScenario, "wrong.yaml": failingScenario})

	out, _, err := execute(t, NewTestCommand(testRoot("text")), dir, "--filter", "catch*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")

	_, _, err = execute(t, NewTestCommand(testRoot("text")), dir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTest_JSON(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"catchup.yaml": passingScenario, "broken.yaml": "name: [\n"})

	out, _, err := execute(t, NewTestCommand(testRoot("json")), dir)
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Failed)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)

	var broken ScenarioResult
	for _, s := range resp.Data.Scenarios {
		if s.Name == "broken.yaml" {
			broken = s
		}
	}
	require.NotEmpty(t, broken.Errors)
	assert.Contains(t, broken.Errors[0], "failed to load scenario")
}

func TestTest_EmptyAndMissing(t *testing.T) {
	out, _, err := execute(t, NewTestCommand(testRoot("text")), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "No scenarios found.\n", out)

	out, _, err = execute(t, NewTestCommand(testRoot("json")), t.TempDir())
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","data":{"scenarios":[],"passed":0,"failed":0,"total":0}}`, out)

	_, _, err = execute(t, NewTestCommand(testRoot("text")), filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
