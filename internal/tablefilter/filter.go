// Package tablefilter provides TableFilter strategies shared by change
// capture and apply.
package tablefilter

import (
	"path"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// TableFilter reports whether changes to the named table should be captured
// or applied. A nil TableFilter accepts every table.
type TableFilter func(table string) bool

// Accept reports whether f accepts table, treating a nil filter as accept-all.
func (f TableFilter) Accept(table string) bool {
	return f == nil || f(table)
}

// All accepts every table.
func All() TableFilter { return nil }

// fold normalizes a table name or pattern the way SQLite compares
// identifiers: case-insensitively. Casers are stateful, so each call gets
// its own.
func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

func compile(patterns []string) []string {
	folded := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p != "" {
			folded = append(folded, fold(p))
		}
	}
	return folded
}

func matchAny(patterns []string, table string) bool {
	name := fold(table)
	for _, p := range patterns {
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// Exclude rejects tables matching any of the glob patterns.
func Exclude(patterns ...string) TableFilter {
	ps := compile(patterns)
	if len(ps) == 0 {
		return nil
	}
	return func(table string) bool { return !matchAny(ps, table) }
}

// Include accepts only tables matching one of the glob patterns.
func Include(patterns ...string) TableFilter {
	ps := compile(patterns)
	return func(table string) bool { return matchAny(ps, table) }
}

// And accepts a table only when every non-nil filter accepts it.
func And(filters ...TableFilter) TableFilter {
	var fs []TableFilter
	for _, f := range filters {
		if f != nil {
			fs = append(fs, f)
		}
	}
	if len(fs) == 0 {
		return nil
	}
	return func(table string) bool {
		for _, f := range fs {
			if !f(table) {
				return false
			}
		}
		return true
	}
}
