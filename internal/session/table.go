package session

import (
	"fmt"
	"strings"

	"github.com/roach88/rowsync/internal/store"
)

// trackedTable holds the generated SQL for one tracked table. Shadow
// columns are named c0..cN after the live column positions.
type trackedTable struct {
	t    *Tracker
	info *store.TableInfo
}

func newTrackedTable(t *Tracker, info *store.TableInfo) *trackedTable {
	return &trackedTable{t: t, info: info}
}

func (tt *trackedTable) shadowName() string {
	return store.QuoteIdent(tt.t.object("orig_" + tt.info.Name))
}

func (tt *trackedTable) triggerName(kind string) string {
	return store.QuoteIdent(tt.t.object(kind + "_" + tt.info.Name))
}

func (tt *trackedTable) live() string {
	return "main." + store.QuoteIdent(tt.info.Name)
}

func shadowCol(i int) string { return fmt.Sprintf("c%d", i) }

func (tt *trackedTable) shadowCols() string {
	cols := make([]string, len(tt.info.Columns))
	for i := range cols {
		cols[i] = shadowCol(i)
	}
	return strings.Join(cols, ", ")
}

// pkMatch renders "c0 = <side>.pk0 AND ..." for the key columns.
func (tt *trackedTable) pkMatch(shadowAlias, side string) string {
	var parts []string
	for _, i := range tt.info.PKIndexes() {
		parts = append(parts, fmt.Sprintf("%s%s = %s.%s",
			shadowAlias, shadowCol(i), side, store.QuoteIdent(tt.info.Columns[i])))
	}
	return strings.Join(parts, " AND ")
}

func (tt *trackedTable) pkNotNull(side string) string {
	var parts []string
	for _, i := range tt.info.PKIndexes() {
		parts = append(parts, side+"."+store.QuoteIdent(tt.info.Columns[i])+" IS NOT NULL")
	}
	return strings.Join(parts, " AND ")
}

// image selects the values saved for a row: every column for an existing
// row, only the key for a row that did not exist yet.
func (tt *trackedTable) image(side string, present bool) string {
	vals := make([]string, len(tt.info.Columns))
	for i, col := range tt.info.Columns {
		if present || tt.info.PK[i] {
			vals[i] = side + "." + store.QuoteIdent(col)
		} else {
			vals[i] = "NULL"
		}
	}
	return strings.Join(vals, ", ")
}

func (tt *trackedTable) createShadowSQL() string {
	var pk []string
	for _, i := range tt.info.PKIndexes() {
		pk = append(pk, shadowCol(i))
	}
	return fmt.Sprintf(`CREATE TEMP TABLE %s (_present INTEGER NOT NULL, _indirect INTEGER NOT NULL, %s, PRIMARY KEY (%s))`,
		tt.shadowName(), tt.shadowCols(), strings.Join(pk, ", "))
}

// rememberSQL records the first image of the row identified by side, then
// clears the indirect flag if the current change is direct. Trigger bodies
// may not qualify table names; TEMP objects are found first.
func (tt *trackedTable) rememberSQL(side string, present bool) string {
	state := tt.t.stateTable()
	return fmt.Sprintf(`INSERT OR IGNORE INTO %[1]s (_present, _indirect, %[2]s)
			SELECT %[3]d, indirect, %[4]s FROM %[5]s WHERE %[6]s;
		UPDATE %[1]s SET _indirect = 0
			WHERE %[7]s AND (SELECT indirect FROM %[5]s) = 0;`,
		tt.shadowName(), tt.shadowCols(), boolInt(present), tt.image(side, present),
		state, tt.pkNotNull(side), tt.pkMatch("", side))
}

// preimageSQL records the row that currently holds side's key, if any. A
// REPLACE deletes that row before the AFTER triggers run, so its image has
// to be taken first.
func (tt *trackedTable) preimageSQL(side string) string {
	var match []string
	for _, i := range tt.info.PKIndexes() {
		col := store.QuoteIdent(tt.info.Columns[i])
		match = append(match, fmt.Sprintf("l.%s = %s.%s", col, side, col))
	}
	return fmt.Sprintf(`INSERT OR IGNORE INTO %s (_present, _indirect, %s)
			SELECT 1, s.indirect, %s FROM %s AS s, %s AS l WHERE %s;`,
		tt.shadowName(), tt.shadowCols(), tt.image("l", true),
		tt.t.stateTable(), tt.live(), strings.Join(match, " AND "))
}

func (tt *trackedTable) triggerSQL(kind, timing, event string, body ...string) string {
	touched := fmt.Sprintf(`INSERT OR IGNORE INTO %s (name) VALUES (%s);`,
		tt.t.touchedTable(), quoteLiteral(tt.info.Name))
	return fmt.Sprintf(`CREATE TEMP TRIGGER %s %s %s ON %s
		WHEN (SELECT enabled FROM %s) = 1
		BEGIN
		%s
		%s
		END`,
		tt.triggerName(kind), timing, event, tt.live(), tt.t.stateTable(), touched, strings.Join(body, "\n"))
}

func (tt *trackedTable) installSQL() []string {
	stmts := tt.dropSQL()
	return append(stmts,
		tt.createShadowSQL(),
		tt.triggerSQL("preins", "BEFORE", "INSERT", tt.preimageSQL("NEW")),
		tt.triggerSQL("preupd", "BEFORE", "UPDATE", tt.preimageSQL("NEW")),
		tt.triggerSQL("ins", "AFTER", "INSERT", tt.rememberSQL("NEW", false)),
		tt.triggerSQL("del", "AFTER", "DELETE", tt.rememberSQL("OLD", true)),
		// A key change is a delete of the old key and an insert of the new.
		tt.triggerSQL("upd", "AFTER", "UPDATE", tt.rememberSQL("OLD", true), tt.rememberSQL("NEW", false)),
	)
}

func (tt *trackedTable) dropSQL() []string {
	return []string{
		`DROP TRIGGER IF EXISTS temp.` + tt.triggerName("preins"),
		`DROP TRIGGER IF EXISTS temp.` + tt.triggerName("preupd"),
		`DROP TRIGGER IF EXISTS temp.` + tt.triggerName("ins"),
		`DROP TRIGGER IF EXISTS temp.` + tt.triggerName("del"),
		`DROP TRIGGER IF EXISTS temp.` + tt.triggerName("upd"),
		`DROP TABLE IF EXISTS temp.` + tt.shadowName(),
	}
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
