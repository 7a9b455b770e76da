package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/dbval"
)

// QuoteIdent quotes a SQL identifier, doubling embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// TableInfo is the column layout of a table.
type TableInfo struct {
	Schema  string
	Name    string
	Columns []string
	PK      []bool
}

// Exists reports whether the table was found.
func (t *TableInfo) Exists() bool { return len(t.Columns) > 0 }

// HasPK reports whether the table declares a primary key.
func (t *TableInfo) HasPK() bool {
	for _, pk := range t.PK {
		if pk {
			return true
		}
	}
	return false
}

// PKIndexes returns the positions of the primary key columns.
func (t *TableInfo) PKIndexes() []int {
	var idx []int
	for i, pk := range t.PK {
		if pk {
			idx = append(idx, i)
		}
	}
	return idx
}

// QualifiedName returns schema.table quoted for use in SQL.
func (t *TableInfo) QualifiedName() string {
	return QuoteIdent(t.Schema) + "." + QuoteIdent(t.Name)
}

// ReadTableInfo loads the columns of schema.name in declaration order.
// A missing table yields a TableInfo whose Exists reports false.
func ReadTableInfo(ctx context.Context, c Conn, schema, name string) (*TableInfo, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT name, pk FROM pragma_table_info(?, ?) ORDER BY cid`, name, schema)
	if err != nil {
		return nil, fmt.Errorf("table info %s.%s: %w", schema, name, err)
	}
	defer rows.Close()

	info := &TableInfo{Schema: schema, Name: name}
	for rows.Next() {
		var col string
		var pk int
		if err := rows.Scan(&col, &pk); err != nil {
			return nil, fmt.Errorf("scan table info %s.%s: %w", schema, name, err)
		}
		info.Columns = append(info.Columns, col)
		info.PK = append(info.PK, pk > 0)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table info %s.%s: %w", schema, name, err)
	}
	return info, nil
}

// Tables lists the user tables of schema in creation order. SQLite internal
// tables and the rowsync property table are excluded.
func Tables(ctx context.Context, c Conn, schema string) ([]string, error) {
	rows, err := c.QueryContext(ctx, `
		SELECT name FROM `+QuoteIdent(schema)+`.sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE 'sqlite\_%' ESCAPE '\'
		  AND name != ?
		ORDER BY rowid
	`, LocalTable)
	if err != nil {
		return nil, fmt.Errorf("list tables of %s: %w", schema, err)
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables of %s: %w", schema, err)
	}
	return tables, nil
}

// Columns returns the column names of a main-schema table. It satisfies the
// column lookup used by changeset dumps.
func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	info, err := ReadTableInfo(ctx, s.db, "main", table)
	if err != nil {
		return nil, err
	}
	return info.Columns, nil
}

// TableInfo loads a main-schema table's layout.
func (s *Store) TableInfo(ctx context.Context, table string) (*TableInfo, error) {
	return ReadTableInfo(ctx, s.db, "main", table)
}

// Tables lists the main-schema user tables.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	return Tables(ctx, s.db, "main")
}

// Row returns the current values of the main-schema row with the given
// primary key, or nil when no such row exists.
func (s *Store) Row(ctx context.Context, table string, pk []dbval.Value) ([]dbval.Value, error) {
	info, err := s.TableInfo(ctx, table)
	if err != nil {
		return nil, err
	}
	return ReadRow(ctx, s.db, info, pk)
}

// ReadRow returns the row of info whose primary key columns equal pk, or nil
// when there is none. Values are read without declared-type conversion.
func ReadRow(ctx context.Context, c Conn, info *TableInfo, pk []dbval.Value) ([]dbval.Value, error) {
	idx := info.PKIndexes()
	if !info.Exists() || len(idx) != len(pk) {
		return nil, nil
	}

	sel := make([]string, len(info.Columns))
	for i, col := range info.Columns {
		sel[i] = "+" + QuoteIdent(col)
	}
	where := make([]string, len(idx))
	args := make([]any, len(idx))
	for n, i := range idx {
		where[n] = QuoteIdent(info.Columns[i]) + " = ?"
		args[n] = pk[n].SQL()
	}
	rows, err := c.QueryContext(ctx,
		`SELECT `+strings.Join(sel, ", ")+` FROM `+info.QualifiedName()+
			` WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, fmt.Errorf("read row of %s: %w", info.Name, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}

	raw := make([]any, len(sel))
	dest := make([]any, len(sel))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan row of %s: %w", info.Name, err)
	}
	vals := make([]dbval.Value, len(raw))
	for i, v := range raw {
		if vals[i], err = dbval.FromSQL(v); err != nil {
			return nil, err
		}
	}
	return vals, nil
}
