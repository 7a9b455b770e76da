package cli

import (
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/dbval"
)

// DumpOptions holds flags for the dump command.
type DumpOptions struct {
	*RootOptions
	Database string
	Label    string
	Detail   int
	Invert   bool
	NoColor  bool
}

// DumpChange is the JSON form of one change. Columns are keyed by live
// column name when --db is given and by position otherwise.
type DumpChange struct {
	Table    string            `json:"table"`
	Op       string            `json:"op"`
	Indirect bool              `json:"indirect,omitempty"`
	Old      map[string]string `json:"old,omitempty"`
	New      map[string]string `json:"new,omitempty"`
}

// NewDumpCommand creates the dump command.
func NewDumpCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DumpOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dump <changeset>",
		Short: "Print the changes in a changeset or patchset",
		Long: `Print every change in a changeset or patchset file ("-" reads stdin).

With --db, columns are named after the live table and changes whose column
count differs from the table are flagged. At --detail 1 blobs are hex
dumped; at --detail 2 the current row is printed under each change.

Examples:
  rowsync dump change.cs
  rowsync dump change.cs --db app.db --detail 2
  rowsync dump change.cs --invert --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "database whose schema names the columns")
	cmd.Flags().StringVar(&opts.Label, "label", "", "heading printed above the changes (default the file name)")
	cmd.Flags().IntVar(&opts.Detail, "detail", 0, "detail level (0-2)")
	cmd.Flags().BoolVar(&opts.Invert, "invert", false, "dump the inverse of the changeset")
	cmd.Flags().BoolVar(&opts.NoColor, "no-color", false, "disable colored output")

	return cmd
}

func runDump(cmd *cobra.Command, opts *DumpOptions, path string) error {
	ctx := commandContext(cmd)
	cs, err := readChangeSet(cmd, path)
	if err != nil {
		return err
	}

	var q changeset.Querier
	if opts.Database != "" {
		st, err := openExisting(opts.Database)
		if err != nil {
			return err
		}
		defer closeStore(opts.Logger, st)
		q = st
	}

	if opts.Format == "json" {
		changes, err := dumpJSON(cmd, cs, q, opts)
		if err != nil {
			return err
		}
		return opts.formatter(cmd).Success(changes)
	}

	label := opts.Label
	if label == "" {
		label = path
	}
	err = changeset.Dump(ctx, cmd.OutOrStdout(), cs, changeset.DumpOptions{
		Label:   label,
		Querier: q,
		Detail:  opts.Detail,
		Invert:  opts.Invert,
		Style:   dumpStyle(cmd.OutOrStdout(), opts.NoColor),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to dump changeset", err)
	}
	return nil
}

func dumpJSON(cmd *cobra.Command, cs *changeset.ChangeSet, q changeset.Querier, opts *DumpOptions) ([]DumpChange, error) {
	ctx := commandContext(cmd)
	names := map[string][]string{}
	changes := []DumpChange{}

	it := changeset.NewChanges(cs, opts.Invert)
	defer it.Finalize()
	for ok := it.Begin(); ok; ok = it.Next() {
		ch := it.Change()
		cols, seen := names[ch.Table()]
		if !seen && q != nil {
			live, err := q.Columns(ctx, ch.Table())
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "failed to read table columns", err)
			}
			if len(live) == ch.NCol() {
				cols = live
			}
			names[ch.Table()] = cols
		}
		rec := ch.Record()
		changes = append(changes, DumpChange{
			Table:    ch.Table(),
			Op:       rec.Op.String(),
			Indirect: rec.Indirect,
			Old:      columnMap(rec.Old, cols, opts.Detail),
			New:      columnMap(rec.New, cols, opts.Detail),
		})
	}
	if err := it.Err(); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read changeset", err)
	}
	return changes, nil
}

// columnMap renders the defined values of a record side.
func columnMap(vals []dbval.Value, names []string, detail int) map[string]string {
	m := map[string]string{}
	for i, v := range vals {
		if !v.IsValid() {
			continue
		}
		key := strconv.Itoa(i)
		if names != nil {
			key = names[i]
		}
		m[key] = v.Format(detail)
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// dumpStyle colors table headings and operations when w is a terminal.
func dumpStyle(w io.Writer, noColor bool) *changeset.Style {
	if noColor || color.NoColor || w != io.Writer(os.Stdout) {
		return nil
	}
	paint := func(attrs ...color.Attribute) func(string) string {
		c := color.New(attrs...)
		return func(s string) string { return c.Sprint(s) }
	}
	return &changeset.Style{
		Table:  paint(color.Bold, color.FgCyan),
		Insert: paint(color.FgGreen),
		Update: paint(color.FgYellow),
		Delete: paint(color.FgRed),
		Marker: paint(color.Bold, color.FgMagenta),
	}
}
