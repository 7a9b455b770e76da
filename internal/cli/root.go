package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/config"
	"github.com/roach88/rowsync/internal/logging"
)

// RootOptions holds global flags for all commands, plus the configuration
// and logger they resolve to before any subcommand runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	LogLevel   string

	// Config is loaded in PersistentPreRunE unless already set.
	Config *config.Config
	// Logger is built in PersistentPreRunE unless already set.
	Logger *zap.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the rowsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the CLI with args and reports a failure on stderr in the
// selected output format. It returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if opts.Logger != nil {
		_ = opts.Logger.Sync()
	}
	if err == nil {
		return ExitSuccess
	}

	code := GetExitCode(err)
	format := opts.Format
	if !isValidFormat(format) {
		format = "text"
	}
	f := &OutputFormatter{Format: format, Writer: stderr, Verbose: opts.Verbose}
	var exitErr *ExitError
	var details any
	if errors.As(err, &exitErr) && exitErr.Err != nil {
		details = exitErr.Err.Error()
	}
	_ = f.Error(errorCode(code), err.Error(), details)
	return code
}

// errorCode names an exit code in error reports.
func errorCode(code int) string {
	if code == ExitCommandError {
		return "E_COMMAND"
	}
	return "E_FAILED"
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rowsync",
		Short: "rowsync - SQLite changesets",
		Long: `Capture, inspect, transform and apply SQLite changesets.

Changes made to a database are recorded as changesets (old and new row
values) or patchsets (new values only). They can be inverted, concatenated,
rebased and applied to another copy of the database with a conflict policy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.resolve(cmd)
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./"+config.DefaultFile+" if present)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides config")

	cmd.AddCommand(NewCaptureCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewInvertCommand(opts))
	cmd.AddCommand(NewConcatCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewRebaseCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewArchiveCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// resolve loads the configuration and builds the logger.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	if o.Config == nil {
		var err error
		if o.ConfigPath != "" {
			o.Config, err = config.Load(o.ConfigPath)
		} else {
			o.Config, err = config.LoadOptional(config.DefaultFile)
		}
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
	}
	if o.Logger != nil {
		return nil
	}

	level := o.Config.LogLevel
	switch {
	case o.LogLevel != "":
		level = o.LogLevel
	case o.Verbose:
		level = "debug"
	}
	logger, err := logging.New(level)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	o.Logger = logger.With(zap.String("command", cmd.Name()))
	return nil
}

// formatter returns an OutputFormatter writing to the command's streams.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
