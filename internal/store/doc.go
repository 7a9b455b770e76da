// Package store opens the SQLite databases rowsync captures from and applies
// to, and answers the schema questions the changeset engine asks about them.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// The pool is limited to a single connection. Change capture installs TEMP
// triggers and shadow tables, which exist only on the connection that created
// them, so every statement must run on that one connection.
//
// # Database identity
//
// Each database carries a GUID in the rowsync_local table, assigned when the
// file is first opened. Diffing two files is only allowed when their GUIDs
// match, which prevents comparing unrelated databases.
package store
