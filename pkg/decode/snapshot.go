package decode

import (
	"context"
	"time"

	"github.com/rocksbridge/rocksbridge/pkg/command"
	"github.com/rocksbridge/rocksbridge/pkg/keyspace"
	"github.com/rocksbridge/rocksbridge/pkg/stats"
)

// SnapshotKey synthesizes the operations that recreate one logical key at
// its current value, for the re-seed scan. Keys that are already past their
// expiry produce nothing. Composite types are rebuilt element by element
// from a subkey range scan; lists are rebuilt with right-pushes in index
// order, which reproduces the list exactly.
//
// Source-store failures are returned as-is: unlike tail decoding, a re-seed
// must be complete or it is worthless.
func (d *Decoder) SnapshotKey(ctx context.Context, namespace string, userKey, rawMeta []byte) ([]command.Operation, error) {
	md, err := keyspace.DecodeMetadata(rawMeta)
	if err != nil {
		d.counters.Inc(stats.DecodeDropped)
		d.log.Warn().Err(err).Str("namespace", namespace).Bytes("key", userKey).
			Msg("skipping key with undecodable metadata during re-seed")
		return nil, nil
	}

	nowMs := uint64(time.Now().UnixMilli())
	if md.Expires() && md.ExpireAt <= nowMs {
		return nil, nil
	}

	var ops []command.Operation
	switch md.Type {
	case keyspace.TypeString:
		ops = append(ops, command.SetString{
			NS: namespace, Key: copyBytes(userKey), Value: copyBytes(md.Value),
		})

	case keyspace.TypeHash:
		err = d.src.ScanSubkeys(ctx, namespace, userKey, md.Version, func(sub, val []byte) error {
			ops = append(ops, command.HashSet{
				NS: namespace, Key: copyBytes(userKey), Field: copyBytes(sub), Value: copyBytes(val),
			})
			return nil
		})

	case keyspace.TypeSet:
		err = d.src.ScanSubkeys(ctx, namespace, userKey, md.Version, func(sub, _ []byte) error {
			ops = append(ops, command.SetAdd{
				NS: namespace, Key: copyBytes(userKey), Member: copyBytes(sub),
			})
			return nil
		})

	case keyspace.TypeZSet:
		err = d.src.ScanSubkeys(ctx, namespace, userKey, md.Version, func(sub, val []byte) error {
			score, scoreErr := keyspace.DecodeScore(val)
			if scoreErr != nil {
				d.counters.Inc(stats.DecodeDropped)
				return nil
			}
			ops = append(ops, command.ZAdd{
				NS: namespace, Key: copyBytes(userKey), Member: copyBytes(sub), Score: score,
			})
			return nil
		})

	case keyspace.TypeList:
		err = d.src.ScanSubkeys(ctx, namespace, userKey, md.Version, func(_, val []byte) error {
			ops = append(ops, command.ListPush{
				NS: namespace, Key: copyBytes(userKey), Values: [][]byte{copyBytes(val)}, Side: command.Right,
			})
			return nil
		})

	default:
		d.counters.Inc(stats.DecodeDropped)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(ops) == 0 {
		// A composite key whose elements are gone has nothing to seed.
		return nil, nil
	}

	if md.Expires() {
		ops = append(ops, command.ExpireAt{
			NS: namespace, Key: copyBytes(userKey), UnixMs: md.ExpireAt,
		})
	}
	return ops, nil
}
