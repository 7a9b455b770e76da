package changeset

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/roach88/rowsync/internal/wire"
)

// SetType selects the stream flavour rendered from a change source.
type SetType int

const (
	// Full streams carry old and new values and can be inverted.
	Full SetType = iota
	// Patch streams carry new values only and primary keys for deletes.
	Patch
)

func (t SetType) String() string {
	if t == Patch {
		return "patchset"
	}
	return "changeset"
}

// Stream is anything a changeset can be read from. Each call to Open starts
// a fresh pass from the beginning.
type Stream interface {
	Open() (io.ReadCloser, error)
}

// BytesStream is a Stream over an in-memory encoding.
type BytesStream []byte

// Open implements Stream.
func (b BytesStream) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// FileStream is a Stream over a file on disk.
type FileStream string

// Open implements Stream.
func (f FileStream) Open() (io.ReadCloser, error) {
	fh, err := os.Open(string(f))
	if err != nil {
		return nil, fmt.Errorf("open changeset: %w", err)
	}
	return fh, nil
}

// ChangeSource renders captured changes into a writer. session.Tracker is the
// canonical implementation.
type ChangeSource interface {
	WriteChanges(ctx context.Context, w *wire.Writer, patchset bool) error
}

// WriteChangeTrack streams the changes of src to w without materializing them.
func WriteChangeTrack(ctx context.Context, w io.Writer, src ChangeSource, setType SetType) error {
	ww := wire.NewWriter(w)
	if err := src.WriteChanges(ctx, ww, setType == Patch); err != nil {
		return err
	}
	return ww.Flush()
}

// ChangeSet is a fully materialized stream. Its transforms operate in place.
type ChangeSet struct {
	data []byte
}

// FromChangeTrack renders the current state of src as a ChangeSet.
func FromChangeTrack(ctx context.Context, src ChangeSource, setType SetType) (*ChangeSet, error) {
	var buf bytes.Buffer
	if err := WriteChangeTrack(ctx, &buf, src, setType); err != nil {
		return nil, fmt.Errorf("render %s: %w", setType, err)
	}
	return &ChangeSet{data: buf.Bytes()}, nil
}

// FromData builds a ChangeSet from a previously saved encoding. The data is
// copied. With invert set the result holds the inverse of data.
func FromData(data []byte, invert bool) (*ChangeSet, error) {
	cs := &ChangeSet{data: bytes.Clone(data)}
	if invert {
		if err := cs.Invert(); err != nil {
			return nil, err
		}
	}
	return cs, nil
}

// ToChangeSet materializes an arbitrary stream by passing it through a
// Group. Equal rows are merged as Group does; an empty input gives an empty
// ChangeSet.
func ToChangeSet(s Stream, invert bool) (*ChangeSet, error) {
	g := NewGroup()
	if err := g.addStream(s, invert); err != nil {
		return nil, err
	}
	return FromChangeGroup(g)
}

// FromChangeGroup serializes the contents of g.
func FromChangeGroup(g *Group) (*ChangeSet, error) {
	var buf bytes.Buffer
	if err := g.Output(&buf); err != nil {
		return nil, err
	}
	return &ChangeSet{data: buf.Bytes()}, nil
}

// FromConcatenatedChangeStreams composes streams in order, as though each
// were applied after the previous one.
func FromConcatenatedChangeStreams(streams ...Stream) (*ChangeSet, error) {
	g := NewGroup()
	for i, s := range streams {
		if err := g.Add(s); err != nil {
			return nil, fmt.Errorf("concatenate stream %d: %w", i, err)
		}
	}
	return FromChangeGroup(g)
}

// Open implements Stream.
func (cs *ChangeSet) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(cs.data)), nil
}

// Bytes returns the encoding. The slice is owned by cs.
func (cs *ChangeSet) Bytes() []byte { return cs.data }

// Size returns the encoded length in bytes.
func (cs *ChangeSet) Size() int { return len(cs.data) }

// IsEmpty reports whether the ChangeSet holds no records.
func (cs *ChangeSet) IsEmpty() bool { return len(cs.data) == 0 }

// IsPatchset reports whether the ChangeSet is a patchset. An empty ChangeSet
// is neither and reports false.
func (cs *ChangeSet) IsPatchset() bool {
	return len(cs.data) > 0 && cs.data[0] == 'P'
}

// Free releases the encoding, leaving an empty ChangeSet.
func (cs *ChangeSet) Free() { cs.data = nil }

// Invert replaces the contents with their inverse.
func (cs *ChangeSet) Invert() error {
	var buf bytes.Buffer
	buf.Grow(len(cs.data))
	if err := Invert(&buf, BytesStream(cs.data)); err != nil {
		return err
	}
	cs.data = buf.Bytes()
	return nil
}

// ConcatenateWith replaces the contents with the composition of cs followed
// by other.
func (cs *ChangeSet) ConcatenateWith(other Stream) error {
	var buf bytes.Buffer
	if err := Concat(&buf, BytesStream(cs.data), other); err != nil {
		return err
	}
	cs.data = buf.Bytes()
	return nil
}

// AddToChangeGroup merges the contents of cs into g.
func (cs *ChangeSet) AddToChangeGroup(g *Group) error {
	return g.Add(cs)
}

// WriteTo writes the encoding to w.
func (cs *ChangeSet) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(cs.data)
	return int64(n), err
}
