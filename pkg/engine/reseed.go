package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocksbridge/rocksbridge/pkg/checkpoint"
	"github.com/rocksbridge/rocksbridge/pkg/command"
	"github.com/rocksbridge/rocksbridge/pkg/stats"
)

// reseedWithRetry drives full re-synchronization until it succeeds or the
// retry window runs out. Restarting a half-done re-seed is safe: it begins
// by flushing the sink databases again, so partial progress from a failed
// attempt cannot leak through.
func (e *Engine) reseedWithRetry(ctx context.Context) (uint64, error) {
	for {
		from, err := e.reseed(ctx)
		if err == nil {
			e.clearFailure()
			return from, nil
		}
		if ctx.Err() != nil {
			return 0, nil
		}
		if errors.Is(err, checkpoint.ErrPersist) {
			return 0, e.fatal("checkpoint", err)
		}
		if ferr := e.transient(ctx, "reseed", err); ferr != nil {
			return 0, ferr
		}
	}
}

// reseed replaces the sink's contents with a point-in-time image of the
// source: flush every routed database, re-create every live key from a full
// metadata scan, then adopt the source's head sequence as the new
// checkpoint. Incremental tailing resumes from there, since the image
// already reflects everything up to the moment the scan completed.
func (e *Engine) reseed(ctx context.Context) (uint64, error) {
	e.mode.set(CatchingUp)
	e.counters.Inc(stats.Reseeds)
	e.log.Info().Strs("namespaces", e.cfg.Namespaces).Msg("starting full re-seed")

	flushes := make([]command.Operation, 0, len(e.cfg.Namespaces))
	for _, ns := range e.cfg.Namespaces {
		flushes = append(flushes, command.FlushNamespace{NS: ns})
	}
	if err := e.sink.Send(ctx, flushes); err != nil {
		return 0, fmt.Errorf("flush namespaces: %w", err)
	}

	keys := 0
	err := e.src.ScanMetadata(ctx, func(ns string, userKey, rawMeta []byte) error {
		if !e.dec.Allowed(ns) {
			return nil
		}
		ops, err := e.dec.SnapshotKey(ctx, ns, userKey, rawMeta)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			return nil
		}
		keys++
		return e.sink.Send(ctx, ops)
	})
	if err != nil {
		return 0, fmt.Errorf("seed scan: %w", err)
	}

	if err := e.sink.Flush(ctx); err != nil {
		return 0, fmt.Errorf("seed flush: %w", err)
	}

	head := e.src.LatestSequence()
	if err := e.ckpt.Save(head); err != nil {
		return 0, err
	}
	e.lastApplied.Store(head)
	e.updateMode()

	e.log.Info().Int("keys", keys).Uint64("resume_sequence", head).
		Msg("re-seed complete, resuming incremental tailing")
	return head + 1, nil
}
