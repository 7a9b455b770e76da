package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/session"
	"github.com/roach88/rowsync/internal/store"
)

// CaptureOptions holds flags for the capture command.
type CaptureOptions struct {
	*RootOptions
	Database string
	Output   string
	DDLOut   string
	Patchset bool
	Include  []string
	Exclude  []string
	SQL      []string
	Files    []string
}

// CaptureResult is the summary printed after a capture.
type CaptureResult struct {
	Summary
	DDL  string `json:"ddl,omitempty"`
	Size int64  `json:"estimated_size,omitempty"`
}

// NewCaptureCommand creates the capture command.
func NewCaptureCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CaptureOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run SQL under change tracking and write the changes",
		Long: `Run SQL statements against a database while tracking changes, then
write the captured changes as a changeset or patchset.

Each --sql value and each --file is executed as one unit, in the order
given. Tables created by a unit are tracked from the next unit on, and
schema statements are reported as DDL.

Examples:
  rowsync capture --db app.db --sql "UPDATE t SET x = 1" -o change.cs
  rowsync capture --db app.db --file migrate.sql --patchset -o change.ps
  rowsync capture --db app.db --sql "DELETE FROM t" --exclude "audit_*" > change.cs`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().StringVar(&opts.DDLOut, "ddl-out", "", "write captured DDL statements to this file")
	cmd.Flags().BoolVar(&opts.Patchset, "patchset", false, "write a patchset instead of a changeset")
	cmd.Flags().StringArrayVar(&opts.Include, "include", nil, "glob of tables to track, default all (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Exclude, "exclude", nil, "glob of tables not to track (repeatable)")
	cmd.Flags().StringArrayVar(&opts.SQL, "sql", nil, "SQL to execute (repeatable)")
	cmd.Flags().StringArrayVarP(&opts.Files, "file", "f", nil, "SQL script to execute (repeatable)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runCapture(cmd *cobra.Command, opts *CaptureOptions) error {
	ctx := commandContext(cmd)
	log := opts.Logger

	units := append([]string(nil), opts.SQL...)
	for _, path := range opts.Files {
		script, err := os.ReadFile(path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read SQL file", err)
		}
		units = append(units, string(script))
	}
	if len(units) == 0 {
		return NewExitError(ExitCommandError, "nothing to capture: pass --sql or --file")
	}

	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(log, st)

	tracker := session.New(st.DB(), session.Options{
		Name:        "capture",
		Filter:      tableFilter(opts.Include, opts.Config.Capture.ExcludeTables, opts.Exclude),
		CollectSize: opts.Config.Capture.CollectSize,
		Logger:      log,
	})
	if _, err := tracker.EnableTracking(ctx, true); err != nil {
		return WrapExitError(ExitCommandError, "failed to start tracking", err)
	}
	defer func() {
		if err := tracker.EndTracking(ctx); err != nil {
			log.Warn("end tracking", zap.Error(err))
		}
	}()

	for i, unit := range units {
		if err := captureUnit(ctx, st, tracker, unit); err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("statement %d failed", i+1), err)
		}
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
	if opts.DDLOut != "" && tracker.HasDdlChanges() {
		if err := os.WriteFile(opts.DDLOut, []byte(tracker.DDL()+";\n"), 0o644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write DDL", err)
		}
	}

	sum, err := summarize(cs)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read captured changes", err)
	}
	res := CaptureResult{Summary: sum, DDL: tracker.DDL()}
	if opts.Config.Capture.CollectSize {
		if res.Size, err = tracker.ChangesetSize(ctx); err != nil {
			log.Warn("changeset size", zap.Error(err))
		}
	}
	log.Info("capture complete", zap.Int("changes", sum.Changes()), zap.Int("bytes", sum.Bytes))

	return opts.reportFormatter(cmd, opts.Output).Report(res, func(w io.Writer) error {
		fmt.Fprintf(w, "captured %s\n", res.Summary)
		if res.DDL != "" {
			fmt.Fprintf(w, "ddl: %s\n", res.DDL)
		}
		return nil
	})
}

// captureUnit executes one SQL unit. Schema objects it creates or changes
// are recorded as DDL, and new tables are attached to the tracker.
func captureUnit(ctx context.Context, st *store.Store, tracker *session.Tracker, unit string) error {
	before, err := schemaObjects(ctx, st)
	if err != nil {
		return err
	}
	if _, err := st.Exec(ctx, unit); err != nil {
		return err
	}
	after, err := schemaObjects(ctx, st)
	if err != nil {
		return err
	}

	changed := false
	for _, obj := range after {
		if prev, ok := find(before, obj.kind, obj.name); ok && prev.sql == obj.sql {
			continue
		}
		changed = true
		if obj.sql == "" {
			continue
		}
		if err := tracker.RecordDbSchemaChange(obj.sql); err != nil {
			return err
		}
	}
	for _, obj := range before {
		if _, ok := find(after, obj.kind, obj.name); ok {
			continue
		}
		changed = true
		if err := tracker.RecordDbSchemaChange(
			fmt.Sprintf("DROP %s IF EXISTS %s", obj.kind, store.QuoteIdent(obj.name))); err != nil {
			return err
		}
	}
	if !changed {
		return nil
	}
	return tracker.AttachAll(ctx)
}

type schemaObject struct {
	kind string
	name string
	sql  string
}

func find(objs []schemaObject, kind, name string) (schemaObject, bool) {
	for _, o := range objs {
		if o.kind == kind && o.name == name {
			return o, true
		}
	}
	return schemaObject{}, false
}

// schemaObjects lists the main schema's user objects in creation order.
// Automatic indexes have no SQL text.
func schemaObjects(ctx context.Context, st *store.Store) ([]schemaObject, error) {
	rows, err := st.Query(ctx, `
		SELECT upper(type), name, coalesce(sql, '') FROM main.sqlite_master
		WHERE name NOT LIKE 'sqlite\_%' ESCAPE '\' AND tbl_name != ?
		ORDER BY rowid
	`, store.LocalTable)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	defer rows.Close()

	var objs []schemaObject
	for rows.Next() {
		var o schemaObject
		if err := rows.Scan(&o.kind, &o.name, &o.sql); err != nil {
			return nil, fmt.Errorf("scan schema: %w", err)
		}
		objs = append(objs, o)
	}
	return objs, rows.Err()
}
