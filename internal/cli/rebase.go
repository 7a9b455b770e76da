package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/rebase"
)

// RebaseOptions holds flags for the rebase command.
type RebaseOptions struct {
	*RootOptions
	With   []string
	Output string
}

// NewRebaseCommand creates the rebase command.
func NewRebaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RebaseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rebase <changeset>",
		Short: "Rebase a local changeset over resolved remote changes",
		Long: `Rewrite a local changeset so it can be applied after remote changes
that were merged into the local database. The rebase data comes from
"rowsync apply --rebase-out" run against the local database; several files
may be given and are layered in order.

Local changes overridden by a replace resolution are dropped, and old
values are adjusted to what the remote changes wrote. Patchsets cannot be
rebased.

Examples:
  rowsync apply remote.cs --db local.db --on-conflict omit --rebase-out remote.rb
  rowsync rebase local.cs --with remote.rb -o local-rebased.cs`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRebase(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringArrayVar(&opts.With, "with", nil, "rebase data file (repeatable, required)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("with")

	return cmd
}

func runRebase(cmd *cobra.Command, opts *RebaseOptions, path string) error {
	rb := rebase.NewRebaser(opts.Logger)
	for _, blobPath := range opts.With {
		blob, err := os.ReadFile(blobPath)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read rebase data", err)
		}
		if err := rb.AddRebase(blob); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid rebase data in %s", blobPath), err)
		}
	}

	cs, err := readChangeSet(cmd, path)
	if err != nil {
		return err
	}
	rebased, err := rb.Rebase(cs)
	if err != nil {
		if errors.Is(err, rebase.ErrPatchset) {
			return WrapExitError(ExitCommandError, "cannot rebase", err)
		}
		return WrapExitError(ExitFailure, "rebase failed", err)
	}
	if err := writeOutput(cmd, opts.Output, rebased.Bytes()); err != nil {
		return err
	}

	sum, err := summarize(rebased)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read result", err)
	}
	opts.Logger.Debug("rebased", zap.Int("changes", sum.Changes()), zap.Int("blobs", len(opts.With)))
	return opts.reportFormatter(cmd, opts.Output).Report(sum, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "rebased %s\n", sum)
		return err
	})
}
