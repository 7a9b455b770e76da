// Package changeset reads, writes and transforms changeset and patchset
// streams.
//
// A stream is a sequence of table groups, each a header followed by row
// records, encoded in the SQLite session format (see package wire). The
// package provides:
//
//   - Stream, the seam every operation reads through (ChangeSet, FileStream,
//     BytesStream)
//   - Changes and Change, a forward-only cursor over a stream
//   - Group, the accumulator behind ToChangeSet, Concat and friends
//   - Invert and Concat, streaming transforms
//   - Dump and FormatChange, human-readable traces
//
// Iterators borrow their stream; the stream must stay readable for as long as
// an iterator derived from it is in use.
package changeset
