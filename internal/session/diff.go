package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/store"
)

// BaseAlias is the schema name a diff base is attached under.
const BaseAlias = "base"

// DifferenceToDb replaces the captured changes with the changes that turn
// the database at baseFile into the tracked database. baseFile must be a
// version of the same database, as identified by its GUID. It is attached
// for the duration of the call only.
func (t *Tracker) DifferenceToDb(ctx context.Context, baseFile string) (err error) {
	if err := t.CreateSession(ctx); err != nil {
		return err
	}
	if err := store.Attach(ctx, t.conn, baseFile, BaseAlias); err != nil {
		return err
	}
	defer func() {
		if derr := store.Detach(ctx, t.conn, BaseAlias); derr != nil {
			err = errors.Join(err, derr)
		}
	}()

	mainGUID, err := store.GUID(ctx, t.conn, "main")
	if err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	baseGUID, err := store.GUID(ctx, t.conn, BaseAlias)
	if err != nil && !errors.Is(err, store.ErrNoGUID) {
		return fmt.Errorf("diff: %w", err)
	}
	if baseGUID != mainGUID {
		return fmt.Errorf("diff %s: %w", baseFile, ErrGUIDMismatch)
	}

	if err := t.Restart(ctx); err != nil {
		return err
	}
	for _, tt := range t.tables {
		if err := tt.diff(ctx); err != nil {
			return fmt.Errorf("diff table %q: %w", tt.info.Name, err)
		}
	}
	t.log.Info("diff complete", zap.String("base", baseFile), zap.Int("tables", len(t.tables)))
	return nil
}

func (tt *trackedTable) diff(ctx context.Context) error {
	conn := tt.t.conn
	base, err := store.ReadTableInfo(ctx, conn, BaseAlias, tt.info.Name)
	if err != nil {
		return err
	}
	live := tt.live()
	ind := int(tt.t.mode)

	var stmts []string
	if base.Exists() {
		if !sameLayout(tt.info, base) {
			return ErrTableMismatch
		}
		baseName := base.QualifiedName()

		// Rows that are gone or differ keep their base image.
		var same []string
		for _, col := range tt.info.Columns {
			q := store.QuoteIdent(col)
			same = append(same, fmt.Sprintf("m.%s IS b.%s", q, q))
		}
		stmts = append(stmts, fmt.Sprintf(
			`INSERT OR IGNORE INTO temp.%s (_present, _indirect, %s)
			SELECT 1, %d, %s FROM %s AS b
			WHERE %s AND NOT EXISTS (SELECT 1 FROM %s AS m WHERE %s)`,
			tt.shadowName(), tt.shadowCols(), ind, tt.image("b", true), baseName,
			tt.pkNotNull("b"), live, strings.Join(same, " AND ")))

		// Rows only in the tracked database are inserts.
		stmts = append(stmts, fmt.Sprintf(
			`INSERT OR IGNORE INTO temp.%s (_present, _indirect, %s)
			SELECT 0, %d, %s FROM %s AS m
			WHERE %s AND NOT EXISTS (SELECT 1 FROM %s AS b WHERE %s)`,
			tt.shadowName(), tt.shadowCols(), ind, tt.image("m", false), live,
			tt.pkNotNull("m"), baseName, tt.keyJoin("b", "m")))
	} else {
		stmts = append(stmts, fmt.Sprintf(
			`INSERT OR IGNORE INTO temp.%s (_present, _indirect, %s)
			SELECT 0, %d, %s FROM %s AS m WHERE %s`,
			tt.shadowName(), tt.shadowCols(), ind, tt.image("m", false), live, tt.pkNotNull("m")))
	}
	stmts = append(stmts, fmt.Sprintf(
		`INSERT OR IGNORE INTO temp.%s (name) SELECT %s WHERE EXISTS (SELECT 1 FROM temp.%s)`,
		tt.t.touchedTable(), quoteLiteral(tt.info.Name), tt.shadowName()))

	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (tt *trackedTable) keyJoin(a, b string) string {
	var parts []string
	for _, i := range tt.info.PKIndexes() {
		q := store.QuoteIdent(tt.info.Columns[i])
		parts = append(parts, fmt.Sprintf("%s.%s = %s.%s", a, q, b, q))
	}
	return strings.Join(parts, " AND ")
}

func sameLayout(a, b *store.TableInfo) bool {
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if !strings.EqualFold(a.Columns[i], b.Columns[i]) || a.PK[i] != b.PK[i] {
			return false
		}
	}
	return true
}
