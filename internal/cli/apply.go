package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/apply"
	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/config"
	"github.com/roach88/rowsync/internal/rebase"
	"github.com/roach88/rowsync/internal/store"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Database   string
	OnConflict string
	Policies   []string
	Invert     bool
	Atomic     bool
	RebaseOut  string
	Include    []string
	Exclude    []string
}

// ApplyResult is the summary printed after an apply.
type ApplyResult struct {
	Applied       int            `json:"applied"`
	Omitted       int            `json:"omitted"`
	Replaced      int            `json:"replaced"`
	Conflicts     map[string]int `json:"conflicts"`
	SkippedTables []string       `json:"skipped_tables"`
	RebaseBytes   int            `json:"rebase_bytes,omitempty"`
	Aborted       bool           `json:"aborted,omitempty"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <changeset>",
		Short: "Apply a changeset to a database",
		Long: `Apply a changeset or patchset to a database, resolving conflicts with a
policy. --on-conflict sets the answer for every conflict (omit, replace or
abort); --policy overrides it per cause, for example data=replace.
Replace only applies to data and conflict causes and means omit otherwise.

Tables missing from the database or with an incompatible layout are
skipped and reported. With --rebase-out, the resolution of every omitted
or replaced conflict is written for use by "rowsync rebase".

Without --atomic, changes made before an abort are kept.

Examples:
  rowsync apply change.cs --db replica.db
  rowsync apply change.cs --db replica.db --on-conflict omit --rebase-out change.rb
  rowsync apply change.cs --db replica.db --policy data=replace --policy not-found=omit --atomic`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.OnConflict, "on-conflict", "", "conflict policy: omit|replace|abort (default from config)")
	cmd.Flags().StringArrayVar(&opts.Policies, "policy", nil, "per-cause policy as cause=policy (repeatable)")
	cmd.Flags().BoolVar(&opts.Invert, "invert", false, "apply the inverse of the changeset")
	cmd.Flags().BoolVar(&opts.Atomic, "atomic", false, "roll everything back unless the whole changeset applies")
	cmd.Flags().StringVar(&opts.RebaseOut, "rebase-out", "", "write rebase data for resolved conflicts to this file")
	cmd.Flags().StringArrayVar(&opts.Include, "include", nil, "glob of tables to apply, default all (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Exclude, "exclude", nil, "glob of tables to skip (repeatable)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

// resolver builds the conflict resolver from the flags and configuration.
func (o *ApplyOptions) resolver() (apply.ConflictResolver, error) {
	policy := o.OnConflict
	if policy == "" {
		policy = o.Config.Apply.OnConflict
	}
	def, err := apply.ParseDisposition(policy)
	if err != nil {
		return nil, fmt.Errorf("--on-conflict: %w: must be one of %v", err, config.ValidConflictPolicies)
	}

	overrides := map[apply.Cause]apply.Disposition{}
	for _, p := range o.Policies {
		name, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("--policy %q: expected cause=policy", p)
		}
		cause, err := apply.ParseCause(name)
		if err != nil {
			return nil, fmt.Errorf("--policy %q: %w", p, err)
		}
		if overrides[cause], err = apply.ParseDisposition(value); err != nil {
			return nil, fmt.Errorf("--policy %q: %w", p, err)
		}
	}
	return apply.PerCause(def, overrides), nil
}

func runApply(cmd *cobra.Command, opts *ApplyOptions, path string) error {
	ctx := commandContext(cmd)
	log := opts.Logger

	resolver, err := opts.resolver()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid conflict policy", err)
	}
	cs, err := readChangeSet(cmd, path)
	if err != nil {
		return err
	}
	st, err := openExisting(opts.Database)
	if err != nil {
		return err
	}
	defer closeStore(log, st)

	out := opts.formatter(cmd)
	var rb *rebase.Rebase
	if opts.RebaseOut != "" {
		rb = rebase.New()
	}
	applyOpts := apply.Options{
		Resolver: loggingResolver(log, out, resolver),
		Filter:   tableFilter(opts.Include, opts.Config.Apply.ExcludeTables, opts.Exclude),
		Invert:   opts.Invert,
		Rebase:   rb,
		Logger:   log,
	}

	res, applyErr := applyChangeSet(ctx, st, cs, applyOpts, opts.Atomic)
	report := newApplyResult(res)
	report.Aborted = errors.Is(applyErr, apply.ErrAborted)
	if applyErr != nil && !report.Aborted {
		return WrapExitError(ExitFailure, "apply failed", applyErr)
	}

	if rb != nil {
		report.RebaseBytes = rb.Len()
		if err := writeOutput(cmd, opts.RebaseOut, rb.Take()); err != nil {
			return err
		}
	}
	log.Info("apply complete",
		zap.String("changeset", path),
		zap.Int("applied", report.Applied),
		zap.Int("conflicts", res.ConflictCount()),
		zap.Bool("aborted", report.Aborted))

	if err := out.Report(report, func(w io.Writer) error { return report.write(w) }); err != nil {
		return err
	}
	if report.Aborted {
		return WrapExitError(ExitFailure, "apply aborted", applyErr)
	}
	return nil
}

// applyChangeSet runs the apply, inside a transaction when atomic is set.
func applyChangeSet(ctx context.Context, st *store.Store, cs *changeset.ChangeSet, opts apply.Options, atomic bool) (apply.Result, error) {
	if !atomic {
		return apply.Apply(ctx, st.DB(), cs, opts)
	}
	tx, err := st.DB().BeginTx(ctx, nil)
	if err != nil {
		return apply.Result{}, fmt.Errorf("begin transaction: %w", err)
	}
	res, err := apply.Apply(ctx, tx, cs, opts)
	if err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		if opts.Rebase != nil {
			opts.Rebase.Release()
		}
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// loggingResolver reports every conflict before delegating to r.
func loggingResolver(log *zap.Logger, out *OutputFormatter, r apply.ConflictResolver) apply.ConflictResolver {
	return apply.ResolverFunc(func(cause apply.Cause, ch *changeset.Change) apply.Disposition {
		d := r.OnConflict(cause, ch)
		if ch != nil && ch.Table() != "" {
			log.Info("conflict",
				zap.String("table", ch.Table()),
				zap.Stringer("op", ch.Op()),
				zap.Stringer("cause", cause),
				zap.Stringer("resolution", d))
			out.VerboseLog("conflict: %s %s on %s -> %s", cause, ch.Op(), ch.Table(), d)
		} else {
			log.Info("conflict", zap.Stringer("cause", cause), zap.Stringer("resolution", d))
			out.VerboseLog("conflict: %s -> %s", cause, d)
		}
		return d
	})
}

func newApplyResult(res apply.Result) ApplyResult {
	r := ApplyResult{
		Applied:       res.Applied,
		Omitted:       res.Omitted,
		Replaced:      res.Replaced,
		Conflicts:     map[string]int{},
		SkippedTables: append([]string{}, res.SkippedTables...),
	}
	for cause, n := range res.Conflicts {
		r.Conflicts[cause.String()] = n
	}
	return r
}

func (r ApplyResult) write(w io.Writer) error {
	fmt.Fprintf(w, "applied %d, omitted %d, replaced %d\n", r.Applied, r.Omitted, r.Replaced)
	causes := make([]string, 0, len(r.Conflicts))
	for c := range r.Conflicts {
		causes = append(causes, c)
	}
	sort.Strings(causes)
	for _, c := range causes {
		fmt.Fprintf(w, "conflicts (%s): %d\n", c, r.Conflicts[c])
	}
	if len(r.SkippedTables) > 0 {
		fmt.Fprintf(w, "skipped tables: %s\n", strings.Join(r.SkippedTables, ", "))
	}
	if r.RebaseBytes > 0 {
		fmt.Fprintf(w, "rebase data: %d bytes\n", r.RebaseBytes)
	}
	if r.Aborted {
		fmt.Fprintln(w, "aborted")
	}
	return nil
}
