// Package storage provides read-only access to the source store: tailing its
// write-ahead log, point lookups, and the full key-space scan used for
// re-seeding. The store is never written to.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrSequenceTooOld means the requested sequence number precedes the
	// oldest WAL segment the source still retains. Incremental tailing is
	// impossible from there; the caller must perform a full re-seed.
	ErrSequenceTooOld = errors.New("storage: requested sequence no longer retained")

	// ErrStoreUnavailable covers I/O and corruption failures on the source
	// store, as opposed to "no new data yet" which is not an error.
	ErrStoreUnavailable = errors.New("storage: source store unavailable")

	// ErrNotFound is returned by point lookups for absent keys.
	ErrNotFound = errors.New("storage: key not found")
)

// RecordKind is the mutation kind of one raw write-batch record.
type RecordKind byte

const (
	RecordPut RecordKind = iota
	RecordDelete
	RecordDeleteRange
	RecordMerge
)

func (k RecordKind) String() string {
	switch k {
	case RecordPut:
		return "put"
	case RecordDelete:
		return "delete"
	case RecordDeleteRange:
		return "delete-range"
	case RecordMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// RawRecord is one mutation from a write-batch. Key and Value are owned by
// the batch and must not be retained past one decode pass.
type RawRecord struct {
	Kind  RecordKind
	Key   []byte
	Value []byte

	// RangeEnd is the exclusive upper bound for RecordDeleteRange.
	RangeEnd []byte
}

// RawBatch is one atomically committed write-batch, tagged with the sequence
// number of its first record.
type RawBatch struct {
	Sequence uint64
	Records  []RawRecord
}

// UpdateIterator yields committed write-batches in sequence order.
type UpdateIterator interface {
	// Next returns the next batch. ok is false when the tail has caught up
	// with the head of the log, which is not an error but terminal for
	// this iterator; the caller closes it and reopens from the next wanted
	// sequence to pick up later writes. Errors are ErrSequenceTooOld when
	// the log has been recycled underneath the iterator, or
	// ErrStoreUnavailable.
	Next(ctx context.Context) (batch *RawBatch, ok bool, err error)

	// Close releases the iterator.
	Close()
}

// MetadataReader is the narrow read surface the decoder needs for its
// cross-batch correlation fallback. Read-only and side-effect-free.
type MetadataReader interface {
	// Metadata returns the raw metadata value for a logical key.
	Metadata(namespace string, userKey []byte) ([]byte, error)

	// ScanSubkeys visits every element of one key incarnation in subkey
	// order.
	ScanSubkeys(ctx context.Context, namespace string, userKey []byte, version uint64,
		fn func(subkey, value []byte) error) error
}

// Source is the full read-only contract the sync engine consumes.
type Source interface {
	MetadataReader

	// Updates opens a WAL tail starting at fromSequence. Fails with
	// ErrSequenceTooOld when that sequence precedes the oldest retained
	// one.
	Updates(fromSequence uint64) (UpdateIterator, error)

	// LatestSequence is the source's current head sequence number.
	LatestSequence() uint64

	// ScanMetadata visits the metadata record of every live logical key,
	// for the re-seed scan.
	ScanMetadata(ctx context.Context, fn func(namespace string, userKey, rawMeta []byte) error) error

	// Close releases the store handle.
	Close() error
}
