package session

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/store"
	"github.com/roach88/rowsync/internal/wire"
)

// rowOverhead approximates the bookkeeping cost of one shadow row.
const rowOverhead = 48

// WriteChanges renders the net changes captured so far. Tables appear in the
// order they were first changed and rows in the order they were first
// touched.
func (t *Tracker) WriteChanges(ctx context.Context, w *wire.Writer, patchset bool) error {
	if !t.created {
		return nil
	}
	names, err := t.touched(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		tt, ok := t.byName[strings.ToLower(name)]
		if !ok {
			continue
		}
		if err := tt.render(ctx, w, patchset); err != nil {
			return fmt.Errorf("render %q: %w", name, err)
		}
	}
	return nil
}

func (t *Tracker) touched(ctx context.Context) ([]string, error) {
	rows, err := t.conn.QueryContext(ctx, `SELECT name FROM temp.`+t.touchedTable()+` ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list changed tables: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// renderSQL joins the saved images with the live rows. Live columns are
// selected as +col so the driver sees no declared type and returns values
// exactly as stored.
func (tt *trackedTable) renderSQL() string {
	n := len(tt.info.Columns)
	sel := make([]string, 0, 2*n+3)
	sel = append(sel, "s._present", "s._indirect")
	for i := 0; i < n; i++ {
		sel = append(sel, "s."+shadowCol(i))
	}
	pk := tt.info.PKIndexes()
	sel = append(sel, "l."+store.QuoteIdent(tt.info.Columns[pk[0]])+" IS NOT NULL")
	for _, col := range tt.info.Columns {
		sel = append(sel, "+l."+store.QuoteIdent(col))
	}

	var on []string
	for _, i := range pk {
		on = append(on, fmt.Sprintf("l.%s = s.%s", store.QuoteIdent(tt.info.Columns[i]), shadowCol(i)))
	}
	return fmt.Sprintf(`SELECT %s FROM temp.%s AS s LEFT JOIN %s AS l ON %s ORDER BY s.rowid`,
		strings.Join(sel, ", "), tt.shadowName(), tt.live(), strings.Join(on, " AND "))
}

func (tt *trackedTable) render(ctx context.Context, w *wire.Writer, patchset bool) error {
	n := len(tt.info.Columns)
	w.Begin(&wire.TableHeader{Patchset: patchset, Name: tt.info.Name, PK: tt.info.PK})

	rows, err := tt.t.conn.QueryContext(ctx, tt.renderSQL())
	if err != nil {
		return err
	}
	defer rows.Close()

	raw := make([]any, 2*n+3)
	dest := make([]any, len(raw))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		rec, ok, err := tt.netChange(raw)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := w.WriteRecord(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// netChange turns one joined row into the record describing it, if any.
func (tt *trackedTable) netChange(raw []any) (wire.Record, bool, error) {
	n := len(tt.info.Columns)
	wasPresent := toInt(raw[0]) != 0
	isPresent := toInt(raw[2+n]) != 0
	rec := wire.Record{
		Indirect: toInt(raw[1]) != 0,
		Old:      make([]dbval.Value, n),
		New:      make([]dbval.Value, n),
	}

	orig, err := values(raw[2 : 2+n])
	if err != nil {
		return rec, false, err
	}
	cur, err := values(raw[3+n:])
	if err != nil {
		return rec, false, err
	}

	switch {
	case !wasPresent && !isPresent:
		return rec, false, nil
	case !wasPresent:
		rec.Op = wire.OpInsert
		copy(rec.New, cur)
	case !isPresent:
		rec.Op = wire.OpDelete
		copy(rec.Old, orig)
	default:
		rec.Op = wire.OpUpdate
		changed := false
		for i, pk := range tt.info.PK {
			if pk {
				rec.Old[i] = orig[i]
				continue
			}
			if !orig[i].Equal(cur[i]) {
				rec.Old[i], rec.New[i] = orig[i], cur[i]
				changed = true
			}
		}
		if !changed {
			return rec, false, nil
		}
	}
	return rec, true, nil
}

func values(raw []any) ([]dbval.Value, error) {
	out := make([]dbval.Value, len(raw))
	for i, v := range raw {
		dv, err := dbval.FromSQL(v)
		if err != nil {
			return nil, err
		}
		out[i] = dv
	}
	return out, nil
}

func toInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case bool:
		if x {
			return 1
		}
	}
	return 0
}

// MemoryUsed approximates the bytes held by the captured row images.
func (t *Tracker) MemoryUsed(ctx context.Context) (int64, error) {
	if !t.created {
		return 0, nil
	}
	var total int64
	for _, tt := range t.tables {
		lens := make([]string, len(tt.info.Columns))
		for i := range lens {
			lens[i] = fmt.Sprintf("COALESCE(length(CAST(%s AS BLOB)), 0)", shadowCol(i))
		}
		var rows, size int64
		err := t.conn.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT count(*), COALESCE(SUM(%s), 0) FROM temp.%s`,
			strings.Join(lens, " + "), tt.shadowName())).Scan(&rows, &size)
		if err != nil {
			return 0, fmt.Errorf("memory used: %w", err)
		}
		total += rows*rowOverhead + size
	}
	return total, nil
}

// ChangesetSize returns the size in bytes of the full changeset the session
// would currently render, or 0 unless size collection was enabled.
func (t *Tracker) ChangesetSize(ctx context.Context) (int64, error) {
	if !t.opts.CollectSize || !t.created {
		return 0, nil
	}
	w := wire.NewWriter(io.Discard)
	if err := t.WriteChanges(ctx, w, false); err != nil {
		return 0, err
	}
	t.log.Debug("changeset size", zap.Int64("bytes", w.Written()))
	return w.Written(), nil
}
