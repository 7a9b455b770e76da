// Package archive keeps a local, ordered log of changesets in Badger.
// Payloads are zstd-compressed on disk and decoded payloads are cached.
package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/roach88/rowsync/internal/changeset"
	"github.com/roach88/rowsync/internal/logging"
)

// ErrNotFound is returned for ids that are not in the archive.
var ErrNotFound = errors.New("changeset not found in archive")

const (
	prefixMeta  = "meta:"
	prefixData  = "data:"
	prefixOrder = "order:"
	seqKey      = "seq"
)

// Options configure Open.
type Options struct {
	// Dir holds the Badger files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// CacheSize is the number of decoded payloads kept in memory.
	CacheSize int
	// CompressionLevel is the zstd speed level, 1 (fastest) to 4 (best).
	CompressionLevel int
	Logger           *zap.Logger

	// IDs generates entry ids. Defaults to UUIDv7.
	IDs IDGenerator
	// Now stamps entries. Defaults to time.Now.
	Now func() time.Time
}

// IDGenerator produces unique, time-ordered entry ids.
type IDGenerator interface {
	Generate() (string, error)
}

// UUIDv7Generator generates UUIDv7 ids.
type UUIDv7Generator struct{}

// Generate implements IDGenerator.
func (UUIDv7Generator) Generate() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Entry describes one archived changeset.
type Entry struct {
	ID       string    `json:"id"`
	Seq      uint64    `json:"seq"`
	Label    string    `json:"label,omitempty"`
	Patchset bool      `json:"patchset"`
	Size     int       `json:"size"`
	Stored   int       `json:"stored"`
	Created  time.Time `json:"created"`
}

// Archive is safe for concurrent use.
type Archive struct {
	db    *badger.DB
	seq   *badger.Sequence
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	cache *lru.Cache[string, []byte]
	ids   IDGenerator
	now   func() time.Time
	log   *zap.Logger
	mu    sync.Mutex
}

// Open opens or creates an archive.
func Open(opts Options) (*Archive, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 128
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = int(zstd.SpeedDefault)
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logging.OrNop(opts.Logger).Named("archive")

	bopts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{log.Sugar()})
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	} else if opts.Dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	a := &Archive{db: db, ids: opts.IDs, now: opts.Now, log: log}
	if err := a.init(opts); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) init(opts Options) error {
	var err error
	if a.seq, err = a.db.GetSequence([]byte(seqKey), 64); err != nil {
		return fmt.Errorf("archive sequence: %w", err)
	}
	a.enc, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevel(opts.CompressionLevel)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return fmt.Errorf("creating encoder: %w", err)
	}
	if a.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1)); err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}
	if a.cache, err = lru.New[string, []byte](opts.CacheSize); err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}
	return nil
}

// Close releases the sequence lease and closes the database.
func (a *Archive) Close() error {
	var errs []error
	if a.seq != nil {
		errs = append(errs, a.seq.Release())
	}
	if a.enc != nil {
		errs = append(errs, a.enc.Close())
	}
	if a.dec != nil {
		a.dec.Close()
	}
	errs = append(errs, a.db.Close())
	return errors.Join(errs...)
}

// Put stores cs and returns its entry.
func (a *Archive) Put(cs *changeset.ChangeSet, label string) (Entry, error) {
	e, err := a.newEntry(cs, label)
	if err != nil {
		return Entry{}, err
	}
	packed := a.enc.EncodeAll(cs.Bytes(), nil)
	e.Stored = len(packed)

	if err := a.db.Update(func(txn *badger.Txn) error {
		return putEntry(txn, e, packed)
	}); err != nil {
		return Entry{}, fmt.Errorf("storing changeset: %w", err)
	}
	a.cache.Add(e.ID, bytes.Clone(cs.Bytes()))
	a.log.Debug("changeset archived",
		zap.String("id", e.ID), zap.Int("size", e.Size), zap.Int("stored", e.Stored))
	return e, nil
}

func (a *Archive) newEntry(cs *changeset.ChangeSet, label string) (Entry, error) {
	id, err := a.ids.Generate()
	if err != nil {
		return Entry{}, fmt.Errorf("generating id: %w", err)
	}
	seq, err := a.seq.Next()
	if err != nil {
		return Entry{}, fmt.Errorf("next sequence: %w", err)
	}
	return Entry{
		ID:       id,
		Seq:      seq,
		Label:    label,
		Patchset: cs.IsPatchset(),
		Size:     cs.Size(),
		Created:  a.now().UTC(),
	}, nil
}

func putEntry(txn *badger.Txn, e Entry, packed []byte) error {
	meta, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	if err := txn.Set([]byte(prefixMeta+e.ID), meta); err != nil {
		return err
	}
	if err := txn.Set([]byte(prefixData+e.ID), packed); err != nil {
		return err
	}
	return txn.Set(orderKey(e.Seq), []byte(e.ID))
}

func deleteEntry(txn *badger.Txn, id string) error {
	e, err := readEntry(txn, id)
	if err != nil {
		return err
	}
	for _, key := range [][]byte{[]byte(prefixMeta + id), []byte(prefixData + id), orderKey(e.Seq)} {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func readEntry(txn *badger.Txn, id string) (Entry, error) {
	item, err := txn.Get([]byte(prefixMeta + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	return e, err
}

func orderKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixOrder), seq)
}

// Stat returns the entry for id.
func (a *Archive) Stat(id string) (Entry, error) {
	var e Entry
	err := a.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = readEntry(txn, id)
		return err
	})
	return e, err
}

// Get returns the changeset stored under id.
func (a *Archive) Get(id string) (*changeset.ChangeSet, error) {
	if data, ok := a.cache.Get(id); ok {
		return changeset.FromData(data, false)
	}

	var packed []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixData + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		packed, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	data, err := a.dec.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", id, err)
	}
	a.cache.Add(id, data)
	return changeset.FromData(data, false)
}

// List returns every entry in archive order.
func (a *Archive) List() ([]Entry, error) {
	entries := []Entry{}
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixOrder)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := readEntry(txn, string(id))
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}
	return entries, nil
}

// Delete removes the entry stored under id.
func (a *Archive) Delete(id string) error {
	if err := a.db.Update(func(txn *badger.Txn) error {
		return deleteEntry(txn, id)
	}); err != nil {
		return err
	}
	a.cache.Remove(id)
	return nil
}

// Squash replaces the given entries with a single entry holding their
// concatenation, in the order given. The new entry takes a fresh sequence
// number.
func (a *Archive) Squash(label string, ids ...string) (Entry, error) {
	if len(ids) == 0 {
		return Entry{}, fmt.Errorf("squash: no entries given")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	streams := make([]changeset.Stream, len(ids))
	for i, id := range ids {
		cs, err := a.Get(id)
		if err != nil {
			return Entry{}, err
		}
		streams[i] = cs
	}
	combined, err := changeset.FromConcatenatedChangeStreams(streams...)
	if err != nil {
		return Entry{}, fmt.Errorf("squash: %w", err)
	}

	e, err := a.newEntry(combined, label)
	if err != nil {
		return Entry{}, err
	}
	packed := a.enc.EncodeAll(combined.Bytes(), nil)
	e.Stored = len(packed)

	err = a.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := deleteEntry(txn, id); err != nil {
				return err
			}
		}
		return putEntry(txn, e, packed)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("squash: %w", err)
	}
	for _, id := range ids {
		a.cache.Remove(id)
	}
	a.cache.Add(e.ID, combined.Bytes())
	a.log.Debug("changesets squashed", zap.Strings("from", ids), zap.String("id", e.ID))
	return e, nil
}

// badgerLogger routes Badger's log output through zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}

// Infof demotes Badger's startup chatter to debug.
func (l badgerLogger) Infof(format string, args ...any) {
	l.Debugf(format, args...)
}
