package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "rowsync", cmd.Use)
	assert.Contains(t, cmd.Long, "changesets")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"capture"}, {"dump"}, {"invert"}, {"concat"}, {"apply"}, {"rebase"}, {"diff"}, {"watch"}, {"test"},
		{"archive", "put"}, {"archive", "get"}, {"archive", "list"}, {"archive", "delete"}, {"archive", "squash"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestRequiredFlags(t *testing.T) {
	tests := []struct {
		path []string
		flag string
	}{
		{[]string{"capture"}, "db"},
		{[]string{"apply"}, "db"},
		{[]string{"diff"}, "base"},
		{[]string{"rebase"}, "with"},
		{[]string{"watch"}, "db"},
	}

	for _, tt := range tests {
		t.Run(tt.path[0], func(t *testing.T) {
			sub, _, err := NewRootCommand().Find(tt.path)
			require.NoError(t, err)
			f := sub.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, []string{"true"}, f.Annotations["cobra_annotation_bash_completion_one_required_flag"])
		})
	}
}

func TestRoot_InvalidFormat(t *testing.T) {
	_, _, err := execute(t, NewRootCommand(), "--format", "xml", "archive", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestRoot_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rowsync.yaml")

	t.Run("invalid config is a command error", func(t *testing.T) {
		writeFile(t, cfgPath, []byte("apply:\n  on_conflict: sometimes\n"))
		_, _, err := execute(t, NewRootCommand(), "--config", cfgPath, "archive", "list")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, err.Error(), "apply.on_conflict")
	})

	t.Run("archive dir comes from config", func(t *testing.T) {
		archiveDir := filepath.Join(dir, "archive")
		writeFile(t, cfgPath, []byte("log_level: error\narchive:\n  dir: "+archiveDir+"\n"))
		out, _, err := execute(t, NewRootCommand(), "--config", cfgPath, "--format", "json", "archive", "list")
		require.NoError(t, err)
		assert.JSONEq(t, `{"status":"ok","data":[]}`, out)
		_, err = os.Stat(archiveDir)
		assert.NoError(t, err)
	})

	t.Run("missing explicit config", func(t *testing.T) {
		_, _, err := execute(t, NewRootCommand(), "--config", filepath.Join(dir, "nope.yaml"), "archive", "list")
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	})
}

func TestRoot_LogLevelPrecedence(t *testing.T) {
	opts := testRoot("text")
	opts.Logger = nil
	opts.Config.LogLevel = "error"
	opts.Verbose = true
	opts.LogLevel = "warn"

	require.NoError(t, opts.resolve(NewRootCommand()))
	require.NotNil(t, opts.Logger)
	assert.False(t, opts.Logger.Core().Enabled(zapcore.DebugLevel), "debug disabled by --log-level warn")
	assert.True(t, opts.Logger.Core().Enabled(zapcore.WarnLevel), "warn enabled")

	opts.Logger = nil
	opts.LogLevel = ""
	require.NoError(t, opts.resolve(NewRootCommand()))
	assert.True(t, opts.Logger.Core().Enabled(zapcore.DebugLevel), "--verbose enables debug")

	opts.LogLevel = "loud"
	opts.Logger = nil
	err := opts.resolve(NewRootCommand())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute(ctx, []string{"--format", "json", "archive", "list", "--dir", t.TempDir()}, &stdout, &stderr)
		assert.Equal(t, ExitSuccess, code)
		assert.JSONEq(t, `{"status":"ok","data":[]}`, stdout.String())
	})

	t.Run("command error as json", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute(ctx, []string{"--format", "json", "dump", filepath.Join(t.TempDir(), "missing.cs")}, &stdout, &stderr)
		assert.Equal(t, ExitCommandError, code)
		assert.Empty(t, stdout.String())
		assert.Contains(t, stderr.String(), `"status":"error"`)
		assert.Contains(t, stderr.String(), `"code":"E_COMMAND"`)
	})

	t.Run("invalid format falls back to text", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		code := Execute(ctx, []string{"--format", "xml", "archive", "list"}, &stdout, &stderr)
		assert.Equal(t, ExitFailure, code)
		assert.Contains(t, stderr.String(), `Error [E_FAILED]: invalid format "xml"`)
	})
}
