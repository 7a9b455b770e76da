// Package apply replays changesets and patchsets against a SQLite database,
// routing every row that cannot be applied cleanly to a ConflictResolver.
//
// Apply never opens a savepoint or transaction. Pass a *sql.Tx to make the
// whole apply atomic; with a plain connection each row commits on its own
// and an aborted apply leaves the rows before the conflict in place.
package apply

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/logging"
	"github.com/roach88/rowsync/internal/rebase"
	"github.com/roach88/rowsync/internal/store"
	"github.com/roach88/rowsync/internal/tablefilter"
	"github.com/roach88/rowsync/internal/wire"
)

// Options configure an Apply call.
type Options struct {
	// Resolver decides conflicts. nil aborts on the first conflict.
	Resolver ConflictResolver
	// Filter selects the tables whose changes are applied. nil applies all.
	Filter tablefilter.TableFilter
	// Invert applies the inverse of the stream.
	Invert bool
	// Rebase, when set, receives the resolution of every Data, NotFound and
	// Conflict conflict that was omitted or replaced.
	Rebase *rebase.Rebase
	// Logger receives diagnostics. nil discards them.
	Logger *zap.Logger
}

// Result summarizes an Apply call. It is valid even when Apply fails.
type Result struct {
	Applied       int
	Omitted       int
	Replaced      int
	Conflicts     map[Cause]int
	SkippedTables []string
}

// ConflictCount returns the number of conflicts of any cause.
func (r Result) ConflictCount() int {
	n := 0
	for _, c := range r.Conflicts {
		n += c
	}
	return n
}

type engine struct {
	conn    store.Conn
	opts    Options
	log     *zap.Logger
	res     Result
	targets map[string]*target
}

// Apply writes every change of s to conn.
//
// Foreign key checks are deferred for the duration of the apply, but SQLite
// resets defer_foreign_keys at every commit. Only a *sql.Tx (or a *sql.Conn
// inside BEGIN) keeps the deferral; under autocommit each row is checked as
// it is written, so a row that arrives before the row it references is a
// ForeignKey conflict.
func Apply(ctx context.Context, conn store.Conn, s changeset.Stream, opts Options) (Result, error) {
	if opts.Resolver == nil {
		opts.Resolver = Always(Abort)
	}
	e := &engine{
		conn:    conn,
		opts:    opts,
		log:     logging.OrNop(opts.Logger).Named("apply"),
		res:     Result{Conflicts: make(map[Cause]int)},
		targets: make(map[string]*target),
	}
	err := e.run(ctx, s)
	e.log.Debug("apply finished",
		zap.Int("applied", e.res.Applied),
		zap.Int("omitted", e.res.Omitted),
		zap.Int("replaced", e.res.Replaced),
		zap.Int("conflicts", e.res.ConflictCount()),
		zap.Error(err))
	return e.res, err
}

func (e *engine) run(ctx context.Context, s changeset.Stream) (err error) {
	fk, err := e.pragmaInt(ctx, "foreign_keys")
	if err != nil {
		return err
	}
	var fkBefore int
	if fk == 1 {
		var restore func() error
		if restore, err = e.deferForeignKeys(ctx); err != nil {
			return err
		}
		defer func() {
			if rerr := restore(); rerr != nil && err == nil {
				err = rerr
			}
		}()
		if fkBefore, err = e.foreignKeyViolations(ctx); err != nil {
			return err
		}
	}

	it := changeset.NewChanges(s, e.opts.Invert)
	defer it.Finalize()

	var cur *wire.TableHeader
	var t *target
	for ok := it.Begin(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ch := it.Change()
		if h := ch.Header(); h != cur {
			cur = h
			if t, err = e.prepare(ctx, h); err != nil {
				return err
			}
		}
		if t.skip {
			continue
		}
		if err := e.applyChange(ctx, t, ch); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("apply: %w", err)
	}

	if fk == 1 {
		return e.checkForeignKeys(ctx, fkBefore)
	}
	return nil
}

// prepare resolves the live table for a run of changes. Later runs of the
// same table reuse the first resolution.
func (e *engine) prepare(ctx context.Context, h *wire.TableHeader) (*target, error) {
	key := strings.ToLower(h.Name)
	if t, ok := e.targets[key]; ok && (t.skip || t.header.SameShape(h)) {
		if !t.skip {
			t.header = h
		}
		return t, nil
	}

	if !e.opts.Filter.Accept(h.Name) {
		e.log.Debug("table filtered", zap.String("table", h.Name))
		t := &target{header: h, skip: true}
		e.targets[key] = t
		return t, nil
	}

	info, err := store.ReadTableInfo(ctx, e.conn, "main", h.Name)
	if err != nil {
		return nil, err
	}
	if reason := mismatch(h, info); reason != "" {
		e.log.Warn("skipping changes to table",
			zap.String("table", h.Name),
			zap.String("reason", reason),
			zap.Int("changeset_columns", h.NCol()),
			zap.Int("table_columns", len(info.Columns)))
		e.res.SkippedTables = append(e.res.SkippedTables, h.Name)
		t := &target{header: h, info: info, skip: true}
		e.targets[key] = t
		return t, nil
	}
	t := newTarget(h, info)
	e.targets[key] = t
	return t, nil
}

func (e *engine) applyChange(ctx context.Context, t *target, ch *changeset.Change) error {
	rec := ch.Record()
	switch rec.Op {
	case wire.OpInsert:
		return e.insert(ctx, t, ch, false)
	case wire.OpDelete:
		q, args := t.deleteSQL(rec, false)
		return e.modify(ctx, t, ch, q, args)
	default:
		q, args := t.updateSQL(rec, false)
		return e.modify(ctx, t, ch, q, args)
	}
}

// modify runs an UPDATE or DELETE. A statement that matches no row is a Data
// conflict when the key still exists and NotFound otherwise.
func (e *engine) modify(ctx context.Context, t *target, ch *changeset.Change, q string, args []any) error {
	n, err := e.exec(ctx, q, args)
	if err != nil {
		return e.failed(ctx, t, ch, err)
	}
	if n > 0 {
		e.res.Applied++
		return nil
	}

	row, err := e.currentRow(ctx, t, ch)
	if err != nil {
		return err
	}
	cause := CauseNotFound
	if row != nil {
		cause = CauseData
	}
	d, err := e.resolve(t, ch, cause, changeset.NewConflictChange(ch.Header(), ch.Record(), row))
	if err != nil || d == Omit {
		return err
	}

	rec := ch.Record()
	if rec.Op == wire.OpDelete {
		q, args = t.deleteSQL(rec, true)
	} else {
		q, args = t.updateSQL(rec, true)
	}
	if _, err := e.exec(ctx, q, args); err != nil {
		return e.failed(ctx, t, ch, err)
	}
	return nil
}

// insert runs an INSERT. A constraint failure is a Conflict when the key is
// already taken and a Constraint conflict otherwise. Replacing a Conflict
// deletes the existing row and retries once.
func (e *engine) insert(ctx context.Context, t *target, ch *changeset.Change, retry bool) error {
	_, err := e.exec(ctx, t.insert, t.insertArgs(ch.Record()))
	if err == nil {
		if !retry {
			e.res.Applied++
		}
		return nil
	}
	if retry || store.Constraint(err) == store.ForeignKeyConstraint {
		return e.failed(ctx, t, ch, err)
	}
	if store.Constraint(err) == store.NoConstraint {
		return e.execError(t, ch, err)
	}

	row, rerr := e.currentRow(ctx, t, ch)
	if rerr != nil {
		return rerr
	}
	if row == nil {
		return e.failed(ctx, t, ch, err)
	}
	d, err := e.resolve(t, ch, CauseConflict, changeset.NewConflictChange(ch.Header(), ch.Record(), row))
	if err != nil || d == Omit {
		return err
	}
	q, args := t.forceDeleteSQL(ch.Record())
	if _, err := e.exec(ctx, q, args); err != nil {
		return e.failed(ctx, t, ch, err)
	}
	return e.insert(ctx, t, ch, true)
}

// failed handles a statement error. Constraint violations go to the
// resolver; anything else ends the apply.
func (e *engine) failed(ctx context.Context, t *target, ch *changeset.Change, err error) error {
	var conflict *changeset.Change
	var cause Cause
	switch store.Constraint(err) {
	case store.NoConstraint:
		return e.execError(t, ch, err)
	case store.ForeignKeyConstraint:
		cause = CauseForeignKey
		conflict = changeset.NewForeignKeyChange(ch.Header(), ch.Record(), 1)
	default:
		cause = CauseConstraint
		conflict = changeset.NewConflictChange(ch.Header(), ch.Record(), nil)
	}
	e.log.Debug("constraint violation", zap.String("table", t.header.Name), zap.Error(err))
	_, rerr := e.resolve(t, ch, cause, conflict)
	return rerr
}

func (e *engine) execError(t *target, ch *changeset.Change, err error) error {
	return fmt.Errorf("apply %s to %q: %w", ch.Op(), t.header.Name, err)
}

// resolve asks the resolver about a conflict, counts it, and records it for
// rebasing. Only Omit and Replace come back without an error.
func (e *engine) resolve(t *target, ch *changeset.Change, cause Cause, conflict *changeset.Change) (Disposition, error) {
	e.res.Conflicts[cause]++
	d := e.opts.Resolver.OnConflict(cause, conflict)
	e.log.Debug("conflict",
		zap.String("table", t.header.Name),
		zap.Stringer("op", ch.Op()),
		zap.Stringer("cause", cause),
		zap.Stringer("disposition", d))

	switch d {
	case Omit:
		e.res.Omitted++
	case Replace:
		if !replaceable(cause) {
			return d, fmt.Errorf("%w: %s conflict on %q", ErrMisuse, cause, t.header.Name)
		}
		e.res.Replaced++
	default:
		return Abort, fmt.Errorf("%w: %s conflict on %q", ErrAborted, cause, t.header.Name)
	}
	if e.opts.Rebase != nil && records(cause) {
		e.opts.Rebase.Record(ch.Header(), ch.Record(), d == Replace)
	}
	return d, nil
}

// checkForeignKeys reports violations introduced by the apply as a single
// ForeignKey conflict.
func (e *engine) checkForeignKeys(ctx context.Context, before int) error {
	after, err := e.foreignKeyViolations(ctx)
	if err != nil {
		return err
	}
	n := after - before
	if n <= 0 {
		return nil
	}
	e.res.Conflicts[CauseForeignKey]++
	d := e.opts.Resolver.OnConflict(CauseForeignKey, changeset.NewForeignKeyConflict(n))
	e.log.Warn("foreign key violations after apply", zap.Int("count", n), zap.Stringer("disposition", d))
	switch d {
	case Omit:
		return nil
	case Replace:
		return fmt.Errorf("%w: %d foreign key violations", ErrMisuse, n)
	}
	return fmt.Errorf("%w: %d foreign key violations", ErrAborted, n)
}

// deferForeignKeys postpones foreign key checks to commit time so rows can
// arrive in any order inside a caller's transaction. Outside one the
// setting lapses at the first autocommit. The returned func restores the
// previous setting.
func (e *engine) deferForeignKeys(ctx context.Context) (func() error, error) {
	prev, err := e.pragmaInt(ctx, "defer_foreign_keys")
	if err != nil {
		return nil, err
	}
	if _, err := e.conn.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("defer foreign keys: %w", err)
	}
	return func() error {
		if _, err := e.conn.ExecContext(ctx, fmt.Sprintf(`PRAGMA defer_foreign_keys = %d`, prev)); err != nil {
			return fmt.Errorf("restore defer_foreign_keys: %w", err)
		}
		return nil
	}, nil
}

func (e *engine) foreignKeyViolations(ctx context.Context) (int, error) {
	rows, err := e.conn.QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return 0, fmt.Errorf("foreign key check: %w", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("foreign key check: %w", err)
	}
	return n, nil
}

func (e *engine) currentRow(ctx context.Context, t *target, ch *changeset.Change) ([]dbval.Value, error) {
	row, err := store.ReadRow(ctx, e.conn, t.info, ch.PrimaryKey())
	if err != nil || row == nil {
		return nil, err
	}
	return row[:t.header.NCol()], nil
}

func (e *engine) exec(ctx context.Context, q string, args []any) (int64, error) {
	res, err := e.conn.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (e *engine) pragmaInt(ctx context.Context, name string) (int, error) {
	var v int
	if err := e.conn.QueryRowContext(ctx, `PRAGMA `+name).Scan(&v); err != nil {
		return 0, fmt.Errorf("read pragma %s: %w", name, err)
	}
	return v, nil
}
