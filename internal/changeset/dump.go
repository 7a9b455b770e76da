package changeset

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/rowsync/internal/dbval"
	"github.com/roach88/rowsync/internal/wire"
)

// MissingSchemaMarker replaces the column listing of a change whose column
// count does not match the live table.
const MissingSchemaMarker = "*** MISSING SCHEMA CHANGESET ***"

// Querier looks up the live column names of a table. An empty result means
// the table does not exist.
type Querier interface {
	Columns(ctx context.Context, table string) ([]string, error)
}

// RowQuerier additionally fetches the current values of a row by primary
// key. Dump uses it at detail level 2 and above. A missing row yields nil.
type RowQuerier interface {
	Querier
	Row(ctx context.Context, table string, pk []dbval.Value) ([]dbval.Value, error)
}

// DumpOptions control Dump output.
type DumpOptions struct {
	// Label is printed in the heading.
	Label string
	// Querier supplies live column names. Without one, columns print by
	// position.
	Querier Querier
	// Detail 0 elides blobs, 1 hex dumps them, 2 also shows current rows.
	Detail int
	// Invert dumps the inverse of the stream.
	Invert bool
	// Style decorates output; nil prints plain text.
	Style *Style
}

// Style holds decorators for parts of the dump. Any nil field leaves that
// part plain.
type Style struct {
	Table  func(string) string
	Insert func(string) string
	Update func(string) string
	Delete func(string) string
	Marker func(string) string
}

func paint(fn func(string) string, text string) string {
	if fn == nil {
		return text
	}
	return fn(text)
}

func (s *Style) table(t string) string {
	if s == nil {
		return t
	}
	return paint(s.Table, t)
}

func (s *Style) op(op wire.Op) string {
	if s == nil {
		return op.String()
	}
	switch op {
	case wire.OpInsert:
		return paint(s.Insert, op.String())
	case wire.OpDelete:
		return paint(s.Delete, op.String())
	}
	return paint(s.Update, op.String())
}

func (s *Style) marker(t string) string {
	if s == nil {
		return t
	}
	return paint(s.Marker, t)
}

// Dump writes a trace of every change in s to w. It never fails on schema
// inconsistencies; those are reported inline.
func Dump(ctx context.Context, w io.Writer, s Stream, opts DumpOptions) error {
	label := opts.Label
	if label == "" {
		label = "ChangeSet"
	}
	if _, err := fmt.Fprintf(w, "\n%s:\n", label); err != nil {
		return err
	}

	cols := make(map[string][]string)
	lastTable := ""
	it := NewChanges(s, opts.Invert)
	defer it.Finalize()
	for ok := it.Begin(); ok; ok = it.Next() {
		ch := it.Change()
		if ch.Table() != lastTable {
			lastTable = ch.Table()
			heading := opts.Style.table("Table: " + lastTable)
			if _, err := fmt.Fprintf(w, "\n\t%s\n", heading); err != nil {
				return err
			}
		}

		names, known := cols[ch.Table()]
		if !known && opts.Querier != nil {
			var err error
			names, err = opts.Querier.Columns(ctx, ch.Table())
			if err != nil {
				return fmt.Errorf("dump: columns of %s: %w", ch.Table(), err)
			}
			cols[ch.Table()] = names
		}

		line := formatChange(ch, names, opts.Querier != nil, opts.Detail, opts.Style)
		if opts.Detail >= 2 {
			if rq, ok := opts.Querier.(RowQuerier); ok && len(names) == ch.NCol() {
				cur, err := rq.Row(ctx, ch.Table(), ch.PrimaryKey())
				if err != nil {
					return fmt.Errorf("dump: current row of %s: %w", ch.Table(), err)
				}
				line += "\ncurrent: " + formatRow(cur, names, ch.Header().PK, opts.Detail)
			}
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return it.Err()
}

// FormatChange renders one change as a single trace line. When q is
// non-nil its column names are used, and a column count that differs from
// the live table yields MissingSchemaMarker in place of the columns.
func FormatChange(ctx context.Context, ch *Change, q Querier, detail int) (string, error) {
	var names []string
	if q != nil {
		var err error
		if names, err = q.Columns(ctx, ch.Table()); err != nil {
			return "", err
		}
	}
	return formatChange(ch, names, q != nil, detail, nil), nil
}

func formatChange(ch *Change, names []string, checkSchema bool, detail int, style *Style) string {
	rec := ch.Record()
	var sb strings.Builder

	sb.WriteString("[")
	sb.WriteString(formatKey(ch, detail))
	sb.WriteString("] ")

	if checkSchema && len(names) != ch.NCol() {
		sb.WriteString(style.marker(MissingSchemaMarker))
		return sb.String()
	}
	if names == nil {
		names = positional(ch.NCol())
	}

	pk := ch.Header().PK
	sep := " "
	if detail > 0 {
		sep = "\n"
	}
	switch rec.Op {
	case wire.OpDelete:
		sb.WriteString(style.op(rec.Op))
		sb.WriteString(sep)
		sb.WriteString(formatColumns(rec.Old, names, pk, detail))
	case wire.OpInsert:
		sb.WriteString(style.op(rec.Op))
		sb.WriteString(sep)
		sb.WriteString(formatColumns(rec.New, names, pk, detail))
	case wire.OpUpdate:
		sb.WriteString(style.op(rec.Op))
		sb.WriteString(sep)
		if !ch.Header().Patchset {
			sb.WriteString("old: ")
			sb.WriteString(formatColumns(rec.Old, names, pk, detail))
			sb.WriteString("\nnew: ")
		}
		sb.WriteString(formatColumns(rec.New, names, pk, detail))
	}
	if rec.Indirect {
		sb.WriteString(" (indirect)")
	}
	return sb.String()
}

// formatKey lists the primary key values, read from the new side of inserts
// and the old side otherwise.
func formatKey(ch *Change, detail int) string {
	var parts []string
	for _, v := range ch.PrimaryKey() {
		if !v.IsValid() || v.IsNull() {
			continue
		}
		parts = append(parts, v.Format(detail))
	}
	return strings.Join(parts, ", ")
}

// formatColumns prints the defined, non-NULL, non-key columns of vals.
func formatColumns(vals []dbval.Value, names []string, pk []bool, detail int) string {
	var parts []string
	for i, v := range vals {
		if pk[i] || !v.IsValid() || v.IsNull() {
			continue
		}
		parts = append(parts, "["+names[i]+"]"+v.Format(detail))
	}
	return strings.Join(parts, " ")
}

func formatRow(vals []dbval.Value, names []string, pk []bool, detail int) string {
	if vals == nil {
		return "<none>"
	}
	if len(vals) != len(names) {
		return MissingSchemaMarker
	}
	return formatColumns(vals, names, pk, detail)
}

func positional(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%d", i)
	}
	return names
}

// InterpretConflictCause returns a short description of cause.
func InterpretConflictCause(cause ConflictCause) string {
	return cause.String()
}
