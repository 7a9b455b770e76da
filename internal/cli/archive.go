package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/archive"
)

// ArchiveOptions holds flags shared by the archive subcommands.
type ArchiveOptions struct {
	*RootOptions
	Dir string

	// IDs and Now override entry ids and timestamps (for testing).
	// If nil, the archive defaults to UUIDv7 ids and the wall clock.
	IDs archive.IDGenerator
	Now func() time.Time
}

// NewArchiveCommand creates the archive command and its subcommands.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	return newArchiveCommand(&ArchiveOptions{RootOptions: rootOpts})
}

func newArchiveCommand(opts *ArchiveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Keep changesets in a local archive",
		Long: `Store changesets in an ordered, compressed local archive and get them
back by id. Squash combines several entries into one.

Examples:
  rowsync archive put change.cs --label "nightly"
  rowsync archive list
  rowsync archive get 0190c2d4-... -o change.cs
  rowsync archive squash <id> <id> --label "week 12"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Dir, "dir", "", "archive directory (default from config)")

	cmd.AddCommand(newArchivePutCommand(opts))
	cmd.AddCommand(newArchiveGetCommand(opts))
	cmd.AddCommand(newArchiveListCommand(opts))
	cmd.AddCommand(newArchiveDeleteCommand(opts))
	cmd.AddCommand(newArchiveSquashCommand(opts))
	return cmd
}

func (o *ArchiveOptions) open() (*archive.Archive, error) {
	dir := o.Dir
	if dir == "" {
		dir = o.Config.Archive.Dir
	}
	a, err := archive.Open(archive.Options{
		Dir:              dir,
		CacheSize:        o.Config.Archive.CacheSize,
		CompressionLevel: o.Config.Archive.CompressionLevel,
		Logger:           o.Logger,
		IDs:              o.IDs,
		Now:              o.Now,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open archive", err)
	}
	return a, nil
}

// withArchive opens the archive for the duration of fn.
func (o *ArchiveOptions) withArchive(fn func(a *archive.Archive) error) (err error) {
	a, err := o.open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = WrapExitError(ExitCommandError, "failed to close archive", cerr)
		}
	}()
	return fn(a)
}

func archiveError(message string, err error) error {
	if errors.Is(err, archive.ErrNotFound) {
		return WrapExitError(ExitFailure, message, err)
	}
	return WrapExitError(ExitCommandError, message, err)
}

func newArchivePutCommand(opts *ArchiveOptions) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:           "put <changeset>",
		Short:         "Add a changeset to the archive",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := readChangeSet(cmd, args[0])
			if err != nil {
				return err
			}
			return opts.withArchive(func(a *archive.Archive) error {
				e, err := a.Put(cs, label)
				if err != nil {
					return archiveError("failed to archive changeset", err)
				}
				return opts.formatter(cmd).Report(e, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, e.ID)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label stored with the entry")
	return cmd
}

func newArchiveGetCommand(opts *ArchiveOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:           "get <id>",
		Short:         "Write an archived changeset",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withArchive(func(a *archive.Archive) error {
				cs, err := a.Get(args[0])
				if err != nil {
					return archiveError("failed to read archived changeset", err)
				}
				return writeOutput(cmd, output, cs.Bytes())
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newArchiveListCommand(opts *ArchiveOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List archived changesets in archive order",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withArchive(func(a *archive.Archive) error {
				entries, err := a.List()
				if err != nil {
					return archiveError("failed to list archive", err)
				}
				if entries == nil {
					entries = []archive.Entry{}
				}
				return opts.formatter(cmd).Report(entries, func(w io.Writer) error {
					return writeEntries(w, entries)
				})
			})
		},
	}
}

func newArchiveDeleteCommand(opts *ArchiveOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <id>...",
		Short:         "Remove changesets from the archive",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withArchive(func(a *archive.Archive) error {
				for _, id := range args {
					if err := a.Delete(id); err != nil {
						return archiveError("failed to delete "+id, err)
					}
				}
				return opts.formatter(cmd).Report(map[string]any{"deleted": args}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "deleted %d entries\n", len(args))
					return err
				})
			})
		},
	}
}

func newArchiveSquashCommand(opts *ArchiveOptions) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "squash <id> <id>...",
		Short: "Replace archived changesets with their concatenation",
		Long: `Replace the given entries with a single entry holding their
concatenation, in the order the ids are given. Nothing changes if any id is
missing or the entries cannot be combined.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withArchive(func(a *archive.Archive) error {
				e, err := a.Squash(label, args...)
				if err != nil {
					return archiveError("failed to squash", err)
				}
				return opts.formatter(cmd).Report(e, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, e.ID)
					return err
				})
			})
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "label of the squashed entry")
	return cmd
}

func writeEntries(w io.Writer, entries []archive.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tID\tTYPE\tSIZE\tSTORED\tCREATED\tLABEL")
	for _, e := range entries {
		kind := "changeset"
		if e.Patchset {
			kind = "patchset"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.Seq, e.ID, kind, e.Size, e.Stored, e.Created.Format(time.RFC3339), e.Label)
	}
	return tw.Flush()
}
