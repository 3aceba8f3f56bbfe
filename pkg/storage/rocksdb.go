package storage

import (
	"context"
	"fmt"

	"github.com/linxGnu/grocksdb"
	"github.com/rs/zerolog"
)

// Store is the RocksDB-backed Source implementation. The database is opened
// read-only; the bridge never writes to it. All grocksdb usage is confined
// to this file so the rest of the pipeline (and its tests) only sees the
// Source interface.
type Store struct {
	path string
	db   *grocksdb.DB
	opts *grocksdb.Options
	ro   *grocksdb.ReadOptions
	log  zerolog.Logger
}

// Options tunes the read-only open.
type Options struct {
	// MaxOpenFiles caps RocksDB's table-file handles. Zero means the
	// engine default.
	MaxOpenFiles int
}

// OpenReadOnly opens the source store at path without write access.
func OpenReadOnly(path string, o Options, log zerolog.Logger) (*Store, error) {
	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(false)
	if o.MaxOpenFiles > 0 {
		opts.SetMaxOpenFiles(o.MaxOpenFiles)
	}

	db, err := grocksdb.OpenDbForReadOnly(opts, path, false)
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("%w: open %s: %v", ErrStoreUnavailable, path, err)
	}

	ro := grocksdb.NewDefaultReadOptions()
	ro.SetFillCache(false)

	log.Info().Str("path", path).Uint64("head_sequence", db.GetLatestSequenceNumber()).
		Msg("opened source store read-only")

	return &Store{path: path, db: db, opts: opts, ro: ro, log: log}, nil
}

// LatestSequence implements Source.
func (s *Store) LatestSequence() uint64 {
	return s.db.GetLatestSequenceNumber()
}

// Updates implements Source. The returned iterator verifies that the first
// batch it yields is not past the requested sequence: if it is, the source
// has recycled the log segments in between and the tail reports
// ErrSequenceTooOld.
//
// Once the iterator reaches the head of the log it stays exhausted; the
// caller reopens from the next wanted sequence to observe writes committed
// after that point.
func (s *Store) Updates(fromSequence uint64) (UpdateIterator, error) {
	iter, err := s.db.GetUpdatesSince(fromSequence)
	if err != nil {
		return nil, fmt.Errorf("%w: get updates since %d: %v", ErrStoreUnavailable, fromSequence, err)
	}
	return &walIterator{inner: iter, want: fromSequence}, nil
}

type walIterator struct {
	inner *grocksdb.WalIterator
	want  uint64
	first bool
}

func (it *walIterator) Next(ctx context.Context) (*RawBatch, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if !it.inner.Valid() {
		if err := it.inner.Err(); err != nil {
			return nil, false, fmt.Errorf("%w: wal iterator: %v", ErrStoreUnavailable, err)
		}
		// Caught up with the head of the log.
		return nil, false, nil
	}

	wb, seq := it.inner.GetBatch()
	defer wb.Destroy()

	if !it.first {
		it.first = true
		if seq > it.want {
			return nil, false, fmt.Errorf("%w: want %d, oldest retained is %d", ErrSequenceTooOld, it.want, seq)
		}
	}

	batch := &RawBatch{Sequence: seq, Records: convertBatch(wb)}
	it.inner.Next()
	return batch, true, nil
}

func (it *walIterator) Close() {
	it.inner.Destroy()
}

// convertBatch copies a write-batch's records out of the cgo-owned batch.
// Record kinds the tail has no use for (log data, transaction markers) are
// not carried over.
func convertBatch(wb *grocksdb.WriteBatch) []RawRecord {
	iter := wb.NewIterator()
	records := make([]RawRecord, 0, wb.Count())
	for iter.Next() {
		rec := iter.Record()
		switch rec.Type {
		case grocksdb.WriteBatchValueRecord:
			records = append(records, RawRecord{
				Kind:  RecordPut,
				Key:   append([]byte(nil), rec.Key...),
				Value: append([]byte(nil), rec.Value...),
			})
		case grocksdb.WriteBatchDeletionRecord, grocksdb.WriteBatchSingleDeletionRecord:
			records = append(records, RawRecord{
				Kind: RecordDelete,
				Key:  append([]byte(nil), rec.Key...),
			})
		case grocksdb.WriteBatchRangeDeletion:
			records = append(records, RawRecord{
				Kind:     RecordDeleteRange,
				Key:      append([]byte(nil), rec.Key...),
				RangeEnd: append([]byte(nil), rec.Value...),
			})
		case grocksdb.WriteBatchMergeRecord:
			records = append(records, RawRecord{
				Kind:  RecordMerge,
				Key:   append([]byte(nil), rec.Key...),
				Value: append([]byte(nil), rec.Value...),
			})
		}
	}
	return records
}

// Metadata implements MetadataReader with a point lookup against the
// metadata keyspace.
func (s *Store) Metadata(namespace string, userKey []byte) ([]byte, error) {
	key := metadataKey(namespace, userKey)
	val, err := s.db.Get(s.ro, key)
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", ErrStoreUnavailable, err)
	}
	defer val.Free()
	if !val.Exists() {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val.Data()...), nil
}

// ScanSubkeys implements MetadataReader.
func (s *Store) ScanSubkeys(ctx context.Context, namespace string, userKey []byte, version uint64,
	fn func(subkey, value []byte) error) error {
	prefix := subkeyPrefix(namespace, userKey, version)

	it := s.db.NewIterator(s.ro)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := it.Key()
		v := it.Value()
		sub := append([]byte(nil), k.Data()[len(prefix):]...)
		val := append([]byte(nil), v.Data()...)
		k.Free()
		v.Free()
		if err := fn(sub, val); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("%w: subkey scan: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ScanMetadata implements Source. Visits every metadata record in key order.
func (s *Store) ScanMetadata(ctx context.Context, fn func(namespace string, userKey, rawMeta []byte) error) error {
	prefix := metadataKeyspacePrefix()

	it := s.db.NewIterator(s.ro)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		k := it.Key()
		v := it.Value()
		ns, userKey, ok := splitMetadataKey(k.Data())
		if ok {
			meta := append([]byte(nil), v.Data()...)
			key := append([]byte(nil), userKey...)
			k.Free()
			v.Free()
			if err := fn(ns, key, meta); err != nil {
				return err
			}
			continue
		}
		k.Free()
		v.Free()
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("%w: metadata scan: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close implements Source.
func (s *Store) Close() error {
	s.ro.Destroy()
	s.db.Close()
	s.opts.Destroy()
	return nil
}
