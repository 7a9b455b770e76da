package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/changeset"
)

// TransformOptions holds flags shared by invert and concat.
type TransformOptions struct {
	*RootOptions
	Output string
}

// NewInvertCommand creates the invert command.
func NewInvertCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransformOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invert <changeset>",
		Short: "Write the inverse of a changeset",
		Long: `Write a changeset that undoes the input: inserts become deletes, deletes
become inserts and updates swap their old and new values. Patchsets carry
no old values and cannot be inverted.

Examples:
  rowsync invert change.cs -o undo.cs`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvert(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func runInvert(cmd *cobra.Command, opts *TransformOptions, path string) error {
	cs, err := readChangeSet(cmd, path)
	if err != nil {
		return err
	}
	if err := cs.Invert(); err != nil {
		return WrapExitError(ExitFailure, "failed to invert changeset", err)
	}
	return finishTransform(cmd, opts, "inverted", cs)
}

// NewConcatCommand creates the concat command.
func NewConcatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransformOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "concat <changeset> <changeset>...",
		Short: "Combine changesets into one",
		Long: `Combine changesets into a single changeset with the same effect as
applying each input in order. Changes to the same row are merged, and a
row inserted then deleted disappears. Changesets and patchsets cannot be
mixed.

Examples:
  rowsync concat a.cs b.cs c.cs -o all.cs`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConcat(cmd, opts, args)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func runConcat(cmd *cobra.Command, opts *TransformOptions, paths []string) error {
	streams := make([]changeset.Stream, len(paths))
	for i, path := range paths {
		if path == stdio {
			cs, err := readChangeSet(cmd, path)
			if err != nil {
				return err
			}
			streams[i] = cs
			continue
		}
		streams[i] = changeset.FileStream(path)
	}
	cs, err := changeset.FromConcatenatedChangeStreams(streams...)
	if err != nil {
		if changeset.IsMixedSetTypes(err) || changeset.IsSchemaMismatch(err) {
			return WrapExitError(ExitFailure, "changesets cannot be combined", err)
		}
		return WrapExitError(ExitCommandError, "failed to read changesets", err)
	}
	return finishTransform(cmd, opts, "combined", cs)
}

func finishTransform(cmd *cobra.Command, opts *TransformOptions, verb string, cs *changeset.ChangeSet) error {
	if err := writeOutput(cmd, opts.Output, cs.Bytes()); err != nil {
		return err
	}
	sum, err := summarize(cs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read result", err)
	}
	opts.Logger.Debug(verb, zap.Int("changes", sum.Changes()), zap.Int("bytes", sum.Bytes))
	return opts.reportFormatter(cmd, opts.Output).Report(sum, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "%s %s\n", verb, sum)
		return err
	})
}
