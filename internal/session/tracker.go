package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/logging"
	"github.com/roach88/rowsync/internal/store"
	"github.com/roach88/rowsync/internal/tablefilter"
)

var (
	// ErrNoDatabase is returned when the tracker has no usable connection.
	ErrNoDatabase = errors.New("no open database")

	// ErrNotTracking is returned when recording DDL while tracking is off.
	ErrNotTracking = errors.New("change tracking is not active")

	// ErrEmptyDDL is returned when recording an empty DDL statement.
	ErrEmptyDDL = errors.New("empty ddl statement")

	// ErrGUIDMismatch is returned when diffing against a database that is
	// not a version of the tracked one.
	ErrGUIDMismatch = errors.New("database guid mismatch")

	// ErrTableMismatch is returned when a table differs in layout between
	// the tracked database and a diff base.
	ErrTableMismatch = errors.New("table layout mismatch")

	// ErrNoSuchTable is returned when attaching a table that does not exist.
	ErrNoSuchTable = errors.New("no such table")
)

// Mode tags captured changes as direct or indirect.
type Mode int

const (
	Direct Mode = iota
	Indirect
)

func (m Mode) String() string {
	if m == Indirect {
		return "indirect"
	}
	return "direct"
}

// Options configure a Tracker.
type Options struct {
	// Name distinguishes trackers sharing a connection. Defaults to "main".
	Name string
	// Filter selects the tables tracked by CreateSession. nil tracks all.
	Filter tablefilter.TableFilter
	// CollectSize enables ChangesetSize.
	CollectSize bool
	// Logger receives diagnostics. nil discards them.
	Logger *zap.Logger
}

// Tracker records changes made on one connection. It is not safe for
// concurrent use.
type Tracker struct {
	conn store.Conn
	opts Options
	log  *zap.Logger

	created bool
	enabled bool
	mode    Mode
	ddl     []string

	tables []*trackedTable
	byName map[string]*trackedTable
}

// New returns a Tracker bound to conn. No database objects are created until
// CreateSession or EnableTracking.
func New(conn store.Conn, opts Options) *Tracker {
	if opts.Name == "" {
		opts.Name = "main"
	}
	return &Tracker{
		conn:   conn,
		opts:   opts,
		log:    logging.OrNop(opts.Logger).Named("session").With(zap.String("tracker", opts.Name)),
		byName: make(map[string]*trackedTable),
	}
}

// Name returns the tracker name.
func (t *Tracker) Name() string { return t.opts.Name }

func (t *Tracker) object(suffix string) string {
	return "_rowsync_" + t.opts.Name + "_" + suffix
}

func (t *Tracker) stateTable() string   { return store.QuoteIdent(t.object("state")) }
func (t *Tracker) touchedTable() string { return store.QuoteIdent(t.object("touched")) }

// CreateSession installs the tracking objects and attaches every table that
// has a primary key and passes the filter. New sessions start enabled.
// Calling it on an existing session does nothing. If any step fails
// everything installed so far is removed.
func (t *Tracker) CreateSession(ctx context.Context) error {
	if t.created {
		return nil
	}
	if t.conn == nil {
		return ErrNoDatabase
	}
	if _, err := t.conn.ExecContext(ctx, `SELECT 1`); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDatabase, err)
	}

	if err := t.install(ctx); err != nil {
		if terr := t.teardown(ctx); terr != nil {
			t.log.Warn("teardown after failed create", zap.Error(terr))
		}
		return err
	}
	t.created = true
	t.enabled = true
	t.log.Debug("session created", zap.Int("tables", len(t.tables)))
	return nil
}

func (t *Tracker) install(ctx context.Context) error {
	stmts := []string{
		// REPLACE conflict resolution deletes rows without firing DELETE
		// triggers unless recursive triggers are on.
		`PRAGMA recursive_triggers = ON`,
		`CREATE TEMP TABLE IF NOT EXISTS ` + t.stateTable() + ` (
			id       INTEGER PRIMARY KEY CHECK (id = 1),
			enabled  INTEGER NOT NULL,
			indirect INTEGER NOT NULL
		)`,
		`CREATE TEMP TABLE IF NOT EXISTS ` + t.touchedTable() + ` (name TEXT PRIMARY KEY)`,
		`DELETE FROM temp.` + t.touchedTable(),
	}
	for _, stmt := range stmts {
		if _, err := t.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}
	if _, err := t.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO temp.`+t.stateTable()+` (id, enabled, indirect) VALUES (1, 1, ?)`,
		int(t.mode)); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return t.AttachAll(ctx)
}

// AttachAll attaches every table of the main schema accepted by the filter
// that is not tracked yet.
func (t *Tracker) AttachAll(ctx context.Context) error {
	names, err := store.Tables(ctx, t.conn, "main")
	if err != nil {
		return err
	}
	for _, name := range names {
		if !t.opts.Filter.Accept(name) {
			t.log.Debug("table filtered", zap.String("table", name))
			continue
		}
		if err := t.attach(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Attach starts tracking a table, typically one created after the session
// began. The filter is not consulted. Tables without a primary key are
// silently ignored.
func (t *Tracker) Attach(ctx context.Context, name string) error {
	if err := t.CreateSession(ctx); err != nil {
		return err
	}
	return t.attach(ctx, name)
}

func (t *Tracker) attach(ctx context.Context, name string) error {
	if _, ok := t.byName[strings.ToLower(name)]; ok {
		return nil
	}
	info, err := store.ReadTableInfo(ctx, t.conn, "main", name)
	if err != nil {
		return err
	}
	if !info.Exists() {
		return fmt.Errorf("attach %q: %w", name, ErrNoSuchTable)
	}
	if !info.HasPK() {
		t.log.Debug("table has no primary key, not tracked", zap.String("table", name))
		return nil
	}

	tt := newTrackedTable(t, info)
	// Registered before installing so a partial install is torn down.
	t.tables = append(t.tables, tt)
	t.byName[strings.ToLower(name)] = tt
	for _, stmt := range tt.installSQL() {
		if _, err := t.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("attach %q: %w", name, err)
		}
	}
	t.log.Debug("table attached", zap.String("table", name), zap.Int("columns", len(info.Columns)))
	return nil
}

// teardown drops every tracking object. Errors are collected so one failure
// does not leave the rest behind.
func (t *Tracker) teardown(ctx context.Context) error {
	var errs []error
	for _, tt := range t.tables {
		for _, stmt := range tt.dropSQL() {
			if _, err := t.conn.ExecContext(ctx, stmt); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, obj := range []string{t.stateTable(), t.touchedTable()} {
		if _, err := t.conn.ExecContext(ctx, `DROP TABLE IF EXISTS temp.`+obj); err != nil {
			errs = append(errs, err)
		}
	}
	t.tables = nil
	t.byName = make(map[string]*trackedTable)
	return errors.Join(errs...)
}

// IsTracking reports whether changes are currently being captured.
func (t *Tracker) IsTracking() bool { return t.created && t.enabled }

// EnableTracking turns capture on or off, creating the session first if
// needed, and returns the previous state. Accumulated changes are kept.
func (t *Tracker) EnableTracking(ctx context.Context, yes bool) (bool, error) {
	prev := t.IsTracking()
	if err := t.CreateSession(ctx); err != nil {
		return prev, err
	}
	if t.enabled == yes {
		return prev, nil
	}
	if _, err := t.conn.ExecContext(ctx,
		`UPDATE temp.`+t.stateTable()+` SET enabled = ? WHERE id = 1`, boolInt(yes)); err != nil {
		return prev, fmt.Errorf("enable tracking: %w", err)
	}
	t.enabled = yes
	return prev, nil
}

// EndTracking removes the session and discards captured changes and DDL.
// Calling it on an ended session does nothing.
func (t *Tracker) EndTracking(ctx context.Context) error {
	t.ddl = nil
	if !t.created {
		return nil
	}
	t.created = false
	t.enabled = false
	if err := t.teardown(ctx); err != nil {
		return fmt.Errorf("end tracking: %w", err)
	}
	t.log.Debug("session ended")
	return nil
}

// Restart discards captured changes and DDL and resumes tracking with a
// fresh session.
func (t *Tracker) Restart(ctx context.Context) error {
	if err := t.EndTracking(ctx); err != nil {
		return err
	}
	_, err := t.EnableTracking(ctx, true)
	return err
}

// Mode returns the tag applied to subsequent changes.
func (t *Tracker) Mode() Mode { return t.mode }

// SetMode sets the tag applied to subsequent changes. A row is reported as
// indirect only if every change made to it was indirect.
func (t *Tracker) SetMode(ctx context.Context, m Mode) error {
	if t.created {
		if _, err := t.conn.ExecContext(ctx,
			`UPDATE temp.`+t.stateTable()+` SET indirect = ? WHERE id = 1`, int(m)); err != nil {
			return fmt.Errorf("set mode: %w", err)
		}
	}
	t.mode = m
	return nil
}

// RecordDbSchemaChange appends a DDL statement to the DDL buffer.
func (t *Tracker) RecordDbSchemaChange(ddl string) error {
	if !t.IsTracking() {
		return ErrNotTracking
	}
	if strings.TrimSpace(ddl) == "" {
		return ErrEmptyDDL
	}
	t.ddl = append(t.ddl, ddl)
	return nil
}

// DDL returns the recorded DDL statements joined with semicolons.
func (t *Tracker) DDL() string { return strings.Join(t.ddl, ";") }

// HasDdlChanges reports whether any DDL was recorded.
func (t *Tracker) HasDdlChanges() bool { return len(t.ddl) > 0 }

// HasDataChanges reports whether any tracked row was touched.
func (t *Tracker) HasDataChanges(ctx context.Context) (bool, error) {
	if !t.created {
		return false, nil
	}
	var found bool
	err := t.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM temp.`+t.touchedTable()+`)`).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check changes: %w", err)
	}
	return found, nil
}

// HasChanges reports whether any data or DDL change was recorded.
func (t *Tracker) HasChanges(ctx context.Context) (bool, error) {
	if t.HasDdlChanges() {
		return true, nil
	}
	return t.HasDataChanges(ctx)
}

// Tables returns the names of the tracked tables in attach order.
func (t *Tracker) Tables() []string {
	names := make([]string, len(t.tables))
	for i, tt := range t.tables {
		names[i] = tt.info.Name
	}
	return names
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
