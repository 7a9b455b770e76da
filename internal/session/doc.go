// Package session captures row changes made on a SQLite connection.
//
// A Tracker installs TEMP triggers on every tracked table. The first time a
// row is touched its original image is saved, keyed by primary key, into a
// TEMP shadow table; later touches only update the direct/indirect flag.
// Rendering joins the shadow rows with the live table, so the emitted change
// is always the net effect of everything done to the row since tracking
// began: an insert followed by a delete leaves nothing, and an update that
// restores the original values leaves nothing.
//
// TEMP objects belong to one connection, so the tracker must be given a
// connection that is never swapped out underneath it (store.Open configures
// its pool that way, as does a *sql.Conn). Tables without a primary key are
// never tracked.
package session
