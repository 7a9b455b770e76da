// Package harness runs replication scenarios against real SQLite files.
//
// A scenario names a set of replicas that start as copies of one database,
// then drives changesets between them: capture SQL on one replica, invert,
// concatenate, rebase, diff and apply on another. Every step is recorded in
// a trace, and assertions check the trace and the final rows.
//
// # Scenario Format
//
//	name: rebase_converges
//	description: "Both replicas end with the local value"
//	databases: [local, remote]
//	setup:
//	  - CREATE TABLE t (id INTEGER PRIMARY KEY, qty INTEGER)
//	  - INSERT INTO t VALUES (1, 10)
//	flow:
//	  - op: capture
//	    db: remote
//	    as: theirs
//	    sql: ["UPDATE t SET qty = 20 WHERE id = 1"]
//	  - op: apply
//	    db: local
//	    changeset: theirs
//	    on_conflict: omit
//	    rebase_as: resolved
//	    expect: { omitted: 1 }
//	assertions:
//	  - type: rows
//	    db: local
//	    table: t
//	    rows: ["1|10"]
//
// # Steps
//
//   - capture: run sql on db and keep the changes as changeset "as"
//   - diff: keep the changes that turn base into db as changeset "as"
//   - invert: keep the inverse of changeset as "as"
//   - concat: keep the concatenation of changesets as "as"
//   - rebase: rebase changeset against the rebase data named in with
//   - apply: apply changeset to db, optionally keeping rebase data
//
// # Assertion Types
//
//   - rows: the rows of a table, rendered as quote(col)|quote(col)|...
//   - same_rows: a table holds the same rows on every listed replica
//   - changes: operation counts of a named changeset
//   - trace_contains: a step on a subject appears in the trace
//   - trace_order: subjects appear in the trace in the given order
//   - trace_count: a step kind appears exactly count times
//
// Replicas are files in a scratch directory and share one database GUID,
// so diff works between any two of them.
package harness
