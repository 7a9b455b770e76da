// Package wire encodes and decodes the changeset byte stream.
//
// The layout is the one used by the SQLite session extension, so streams
// produced here can be read by sqlite3changeset_* and vice versa:
//
//	table header  'T' (changeset) or 'P' (patchset)
//	              varint nCol
//	              nCol bytes, non-zero for primary key columns
//	              table name, NUL terminated
//	record        op byte (INSERT=18, DELETE=9, UPDATE=23)
//	              indirect byte (0 or 1)
//	              one or two value records, depending on op and set type
//	value         type byte 0..5, then 8 bytes big-endian (integer, float)
//	              or varint length + bytes (text, blob)
//
// In a patchset a DELETE carries only the primary key values and an UPDATE
// carries a single record holding the primary key and the new values of the
// modified columns. Readers normalize both shapes so that Record.Old always
// holds the primary key.
//
// Readers and writers buffer in 64 KiB pages; no operation here needs a
// whole stream in memory.
package wire
