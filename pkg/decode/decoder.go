// Package decode turns raw write-batches from the source store into ordered
// logical operations for the sink.
//
// Decoding is deterministic and free of sink I/O. The one external read the
// decoder is allowed is a read-only point lookup against the source store,
// used when a subkey record's metadata landed in an earlier batch: the
// lookup recovers the key's type and incarnation so the element can still be
// replayed. If that lookup misses, the record is dropped and counted, never
// treated as fatal.
//
// Record order within a batch is significant and preserved: it encodes
// write-before-delete and metadata-before-element dependencies. The single
// reordering the decoder performs is deferring composite-type expiries to
// the end of the batch, which keeps the value-then-expiry invariant without
// tracking which element write is the last one.
package decode

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rocksbridge/rocksbridge/pkg/command"
	"github.com/rocksbridge/rocksbridge/pkg/keyspace"
	"github.com/rocksbridge/rocksbridge/pkg/stats"
	"github.com/rocksbridge/rocksbridge/pkg/storage"
)

// Decoder converts raw batches for a configured set of namespaces. Records
// from other namespaces, and record shapes the sink protocol cannot
// represent, are dropped silently: a deliberate narrowing, not a failure.
type Decoder struct {
	src        storage.MetadataReader
	namespaces map[string]struct{}
	counters   *stats.Counters
	log        zerolog.Logger
}

// New builds a decoder replicating exactly the given namespaces.
func New(src storage.MetadataReader, namespaces []string, counters *stats.Counters, log zerolog.Logger) *Decoder {
	nss := make(map[string]struct{}, len(namespaces))
	for _, ns := range namespaces {
		nss[ns] = struct{}{}
	}
	return &Decoder{src: src, namespaces: nss, counters: counters, log: log}
}

// Allowed reports whether a namespace is replicated.
func (d *Decoder) Allowed(namespace string) bool {
	_, ok := d.namespaces[namespace]
	return ok
}

// batchState is the short-lived correlation state for one decode pass.
type batchState struct {
	// metadata correlates element records with the metadata record of the
	// same logical key, keyed by namespace + NUL + user key.
	metadata map[string]keyspace.Metadata

	// expires are composite-type expiries deferred to the end of the
	// batch. A whole-key delete for the same key cancels the pending
	// entry, so a key re-created later in the batch does not inherit it.
	expires    []*command.ExpireAt
	expireSlot map[string]int
}

func corrKey(ns string, userKey []byte) string {
	return ns + "\x00" + string(userKey)
}

// DecodeBatch converts one raw write-batch into its ordered logical
// operations. Malformed records are skipped and counted; the only returned
// errors are context cancellation and source-store failures during the
// correlation fallback.
func (d *Decoder) DecodeBatch(ctx context.Context, batch *storage.RawBatch) ([]command.Operation, error) {
	st := &batchState{
		metadata:   make(map[string]keyspace.Metadata),
		expireSlot: make(map[string]int),
	}

	var ops []command.Operation
	for i := range batch.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := d.decodeRecord(st, &batch.Records[i])
		if err != nil {
			return nil, err
		}
		ops = append(ops, out...)
	}

	for _, exp := range st.expires {
		if exp != nil {
			ops = append(ops, *exp)
		}
	}
	return ops, nil
}

func (d *Decoder) decodeRecord(st *batchState, rec *storage.RawRecord) ([]command.Operation, error) {
	key, err := keyspace.DecodeKey(rec.Key)
	if err != nil {
		d.anomaly("key", rec, err)
		return nil, nil
	}
	if key.Kind == keyspace.KindUnknown || !d.Allowed(key.Namespace) {
		d.counters.Inc(stats.DecodeDropped)
		return nil, nil
	}

	switch rec.Kind {
	case storage.RecordPut:
		if key.Kind == keyspace.KindMetadata {
			return d.metadataPut(st, key, rec)
		}
		return d.subkeyPut(st, key, rec)
	case storage.RecordDelete:
		if key.Kind == keyspace.KindMetadata {
			return d.metadataDelete(st, key), nil
		}
		return d.subkeyDelete(st, key, rec)
	case storage.RecordDeleteRange:
		return d.deleteRange(key, rec), nil
	default:
		// Merge has no sink representation.
		d.counters.Inc(stats.DecodeDropped)
		return nil, nil
	}
}

func (d *Decoder) metadataPut(st *batchState, key keyspace.Key, rec *storage.RawRecord) ([]command.Operation, error) {
	md, err := keyspace.DecodeMetadata(rec.Value)
	if err != nil {
		d.anomaly("metadata", rec, err)
		return nil, nil
	}

	ck := corrKey(key.Namespace, key.UserKey)

	if md.Type == keyspace.TypeString {
		ops := []command.Operation{command.SetString{
			NS: key.Namespace, Key: copyBytes(key.UserKey), Value: copyBytes(md.Value),
		}}
		if md.Expires() {
			ops = append(ops, command.ExpireAt{
				NS: key.Namespace, Key: copyBytes(key.UserKey), UnixMs: md.ExpireAt,
			})
		}
		return ops, nil
	}

	st.metadata[ck] = md
	if md.Expires() {
		st.scheduleExpire(ck, command.ExpireAt{
			NS: key.Namespace, Key: copyBytes(key.UserKey), UnixMs: md.ExpireAt,
		})
	}
	return nil, nil
}

func (d *Decoder) metadataDelete(st *batchState, key keyspace.Key) []command.Operation {
	ck := corrKey(key.Namespace, key.UserKey)
	delete(st.metadata, ck)
	st.cancelExpire(ck)
	return []command.Operation{command.DeleteKey{NS: key.Namespace, Key: copyBytes(key.UserKey)}}
}

func (d *Decoder) subkeyPut(st *batchState, key keyspace.Key, rec *storage.RawRecord) ([]command.Operation, error) {
	md, ok, err := d.correlate(st, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	switch md.Type {
	case keyspace.TypeHash:
		return []command.Operation{command.HashSet{
			NS: key.Namespace, Key: copyBytes(key.UserKey),
			Field: copyBytes(key.Subkey), Value: copyBytes(rec.Value),
		}}, nil
	case keyspace.TypeSet:
		return []command.Operation{command.SetAdd{
			NS: key.Namespace, Key: copyBytes(key.UserKey), Member: copyBytes(key.Subkey),
		}}, nil
	case keyspace.TypeZSet:
		score, err := keyspace.DecodeScore(rec.Value)
		if err != nil {
			d.anomaly("zset score", rec, err)
			return nil, nil
		}
		return []command.Operation{command.ZAdd{
			NS: key.Namespace, Key: copyBytes(key.UserKey),
			Member: copyBytes(key.Subkey), Score: score,
		}}, nil
	case keyspace.TypeList:
		index, err := keyspace.DecodeListIndex(key.Subkey)
		if err != nil {
			d.anomaly("list index", rec, err)
			return nil, nil
		}
		side := command.Right
		if index < md.Head {
			side = command.Left
		}
		return []command.Operation{command.ListPush{
			NS: key.Namespace, Key: copyBytes(key.UserKey),
			Values: [][]byte{copyBytes(rec.Value)}, Side: side,
		}}, nil
	default:
		d.anomaly("subkey put", rec, fmt.Errorf("metadata type %s has no elements", md.Type))
		return nil, nil
	}
}

func (d *Decoder) subkeyDelete(st *batchState, key keyspace.Key, rec *storage.RawRecord) ([]command.Operation, error) {
	md, ok, err := d.correlate(st, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	switch md.Type {
	case keyspace.TypeHash:
		return []command.Operation{command.HashDelete{
			NS: key.Namespace, Key: copyBytes(key.UserKey), Field: copyBytes(key.Subkey),
		}}, nil
	case keyspace.TypeSet:
		return []command.Operation{command.SetRemove{
			NS: key.Namespace, Key: copyBytes(key.UserKey), Member: copyBytes(key.Subkey),
		}}, nil
	case keyspace.TypeZSet:
		return []command.Operation{command.ZRemove{
			NS: key.Namespace, Key: copyBytes(key.UserKey), Member: copyBytes(key.Subkey),
		}}, nil
	case keyspace.TypeList:
		index, err := keyspace.DecodeListIndex(key.Subkey)
		if err != nil {
			d.anomaly("list index", rec, err)
			return nil, nil
		}
		// Only pops at either end map onto the sink's command set.
		// Removals from the middle of a list cannot be replayed without
		// knowing the element's value, so they are dropped and counted.
		switch {
		case index == md.Head:
			return []command.Operation{command.ListPop{
				NS: key.Namespace, Key: copyBytes(key.UserKey), Side: command.Left,
			}}, nil
		case index == md.Tail-1:
			return []command.Operation{command.ListPop{
				NS: key.Namespace, Key: copyBytes(key.UserKey), Side: command.Right,
			}}, nil
		default:
			d.anomaly("list delete", rec, fmt.Errorf("index %d not at either end", index))
			return nil, nil
		}
	default:
		d.anomaly("subkey delete", rec, fmt.Errorf("metadata type %s has no elements", md.Type))
		return nil, nil
	}
}

// correlate resolves the metadata record an element record belongs to:
// first from the current batch, then by point lookup against the source.
// ok is false when the record must be dropped (orphaned or stale).
func (d *Decoder) correlate(st *batchState, key keyspace.Key) (keyspace.Metadata, bool, error) {
	ck := corrKey(key.Namespace, key.UserKey)
	if md, hit := st.metadata[ck]; hit {
		if md.Version != key.Version {
			d.counters.Inc(stats.DecodeStaleSubkey)
			return keyspace.Metadata{}, false, nil
		}
		return md, true, nil
	}

	raw, err := d.src.Metadata(key.Namespace, key.UserKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			d.counters.Inc(stats.DecodeOrphan)
			d.log.Debug().Str("namespace", key.Namespace).Bytes("key", key.UserKey).
				Msg("dropping element record with no resolvable metadata")
			return keyspace.Metadata{}, false, nil
		}
		return keyspace.Metadata{}, false, err
	}

	md, decErr := keyspace.DecodeMetadata(raw)
	if decErr != nil {
		d.counters.Inc(stats.DecodeOrphan)
		return keyspace.Metadata{}, false, nil
	}
	if md.Version != key.Version {
		d.counters.Inc(stats.DecodeStaleSubkey)
		return keyspace.Metadata{}, false, nil
	}

	st.metadata[ck] = md
	return md, true, nil
}

// deleteRange recognizes the source's namespace flush: a range deletion
// covering exactly one namespace's metadata prefix. Any other range shape
// has no sink equivalent.
func (d *Decoder) deleteRange(key keyspace.Key, rec *storage.RawRecord) []command.Operation {
	if key.Kind != keyspace.KindMetadata || len(key.UserKey) != 0 {
		d.counters.Inc(stats.DecodeDropped)
		return nil
	}
	prefix := keyspace.NamespacePrefix(key.Namespace)
	if string(rec.Key) != string(prefix) || string(rec.RangeEnd) != string(keyspace.PrefixUpperBound(prefix)) {
		d.anomaly("delete range", rec, fmt.Errorf("range does not cover a namespace"))
		return nil
	}
	return []command.Operation{command.FlushNamespace{NS: key.Namespace}}
}

func (st *batchState) scheduleExpire(ck string, exp command.ExpireAt) {
	if slot, ok := st.expireSlot[ck]; ok {
		st.expires[slot] = &exp
		return
	}
	st.expireSlot[ck] = len(st.expires)
	st.expires = append(st.expires, &exp)
}

func (st *batchState) cancelExpire(ck string) {
	if slot, ok := st.expireSlot[ck]; ok {
		st.expires[slot] = nil
		delete(st.expireSlot, ck)
	}
}

func (d *Decoder) anomaly(what string, rec *storage.RawRecord, err error) {
	d.counters.Inc(stats.DecodeDropped)
	d.log.Warn().Err(err).Str("record", rec.Kind.String()).Str("shape", what).
		Msg("skipping undecodable record")
}

func copyBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
