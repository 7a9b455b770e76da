package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/session"
)

// DiffOptions holds flags for the diff command.
type DiffOptions struct {
	*RootOptions
	Database string
	Base     string
	Output   string
	Patchset bool
	Include  []string
	Exclude  []string
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Write the changes that turn a base copy into the database",
		Long: `Compare a database with an older copy of itself and write the
changeset that transforms the copy into the database. Both files must share
the same database GUID, so the base is normally a backup or a replica.

Tables with a different layout in the two files fail the diff.

Examples:
  rowsync diff --db app.db --base backup.db -o since-backup.cs
  rowsync diff --db app.db --base backup.db --patchset --exclude "cache_*"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Base, "base", "", "path to the base copy (required)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&opts.Patchset, "patchset", false, "write a patchset instead of a changeset")
	cmd.Flags().StringArrayVar(&opts.Include, "include", nil, "glob of tables to compare, default all (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Exclude, "exclude", nil, "glob of tables not to compare (repeatable)")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("base")

	return cmd
}

func runDiff(cmd *cobra.Command, opts *DiffOptions) error {
	ctx := commandContext(cmd)
	log := opts.Logger

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(log, st)
	if err := requireDatabase(opts.Base); err != nil {
		return err
	}

	tracker := session.New(st.DB(), session.Options{
		Name:   "diff",
		Filter: tableFilter(opts.Include, opts.Config.Capture.ExcludeTables, opts.Exclude),
		Logger: log,
	})
	defer func() {
		if err := tracker.EndTracking(ctx); err != nil {
			log.Warn("end tracking", zap.Error(err))
		}
	}()
	if err := tracker.DifferenceToDb(ctx, opts.Base); err != nil {
		if errors.Is(err, session.ErrGUIDMismatch) || errors.Is(err, session.ErrTableMismatch) {
			return WrapExitError(ExitFailure, "databases cannot be compared", err)
		}
		return WrapExitError(ExitCommandError, "diff failed", err)
	}

	setType := changeset.Full
	if opts.Patchset {
		setType = changeset.Patch
	}
	cs, err := changeset.FromChangeTrack(ctx, tracker, setType)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render changes", err)
	}
	if err := writeOutput(cmd, opts.Output, cs.Bytes()); err != nil {
		return err
	}

	sum, err := summarize(cs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read result", err)
	}
	return opts.reportFormatter(cmd, opts.Output).Report(sum, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "diff %s\n", sum)
		return err
	})
}
