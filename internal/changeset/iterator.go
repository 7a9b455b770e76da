package changeset

import (
	"errors"
	"fmt"
	"io"

	"github.com/roach88/rowsync/internal/wire"
)

// IterState is the position of a Changes cursor.
type IterState int

const (
	Uninitialized IterState = iota
	Positioned
	Exhausted
)

func (s IterState) String() string {
	switch s {
	case Positioned:
		return "positioned"
	case Exhausted:
		return "exhausted"
	}
	return "uninitialized"
}

// Changes is a forward-only cursor over a stream.
//
//	it := changeset.NewChanges(cs, false)
//	defer it.Finalize()
//	for ok := it.Begin(); ok; ok = it.Next() {
//		ch := it.Change()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type Changes struct {
	stream Stream
	invert bool

	state IterState
	rc    io.ReadCloser
	r     *wire.Reader
	cur   Change
	err   error
}

// NewChanges returns a cursor over s. With invert set every change is
// reported as its inverse. The cursor starts Uninitialized.
func NewChanges(s Stream, invert bool) *Changes {
	return &Changes{stream: s, invert: invert}
}

// State returns the current cursor state.
func (c *Changes) State() IterState { return c.state }

// Begin finalizes any previous pass and positions the cursor on the first
// change. It returns false when the stream is empty or an error occurred.
func (c *Changes) Begin() bool {
	c.Finalize()
	rc, err := c.stream.Open()
	if err != nil {
		c.err = err
		c.state = Exhausted
		return false
	}
	c.rc = rc
	c.r = wire.NewReader(rc)
	c.state = Positioned
	return c.Next()
}

// Next advances to the following change. It returns false once the stream
// is exhausted or an error occurred.
func (c *Changes) Next() bool {
	if c.state != Positioned {
		return false
	}
	h, rec, err := c.r.Next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			c.err = fmt.Errorf("iterate changes: %w", err)
		}
		c.exhaust()
		return false
	}
	if c.invert {
		if h.Patchset {
			c.err = &Error{Code: ErrCodeInvert, Table: h.Name, Err: ErrPatchsetInvert}
			c.exhaust()
			return false
		}
		rec = invertRecord(rec)
	}
	c.cur = Change{table: h, rec: rec}
	return true
}

// exhaust ends the pass and closes the reader.
func (c *Changes) exhaust() {
	if c.rc != nil {
		c.rc.Close()
	}
	c.rc, c.r = nil, nil
	c.state = Exhausted
}

// Change returns the change at the cursor, or nil unless Positioned.
func (c *Changes) Change() *Change {
	if c.state != Positioned {
		return nil
	}
	return &c.cur
}

// Err returns the first error met during the current pass.
func (c *Changes) Err() error { return c.err }

// Finalize releases the underlying reader and returns the cursor to
// Uninitialized. It is safe to call in any state.
func (c *Changes) Finalize() error {
	var err error
	if c.rc != nil {
		err = c.rc.Close()
	}
	c.rc, c.r = nil, nil
	c.cur = Change{}
	c.err = nil
	c.state = Uninitialized
	return err
}
