// Package engine orchestrates the replication pipeline: read checkpoint,
// tail the source WAL from checkpoint+1, decode each batch, deliver it to
// the sink, persist the new checkpoint, repeat.
//
// The pipeline is sequential. A batch's operations must be acknowledged by
// the sink before its sequence number is checkpointed, and the next batch is
// only pulled after that. Checkpoint advancement never races ahead of
// acknowledged sends, so a restart resumes at or before the last
// truly-applied sequence, never after.
package engine

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rocksbridge/rocksbridge/pkg/checkpoint"
	"github.com/rocksbridge/rocksbridge/pkg/command"
	"github.com/rocksbridge/rocksbridge/pkg/decode"
	"github.com/rocksbridge/rocksbridge/pkg/stats"
	"github.com/rocksbridge/rocksbridge/pkg/storage"
	"github.com/rocksbridge/rocksbridge/pkg/writer"
)

// SinkWriter is the slice of the writer the engine drives. Send buffers,
// Flush delivers-and-acknowledges; after a failed Flush the writer keeps its
// buffer, so retrying Flush replays exactly the undelivered operations.
type SinkWriter interface {
	Send(ctx context.Context, ops []command.Operation) error
	Flush(ctx context.Context) error
	Connected() bool
	Close() error
}

// Config holds the engine's operator-visible settings.
type Config struct {
	// Namespaces to replicate, in the order their re-seed flushes are
	// issued.
	Namespaces []string

	// PollInterval is how long to wait for new WAL data once caught up
	// with the source's head. Also the granularity at which a stop
	// request interrupts an idle wait.
	PollInterval time.Duration

	// RetryInterval paces engine-level retries of transient failures.
	RetryInterval time.Duration

	// MaxRetryWindow bounds how long a transient failure may persist
	// before the engine gives up. Exceeding it is fatal: indefinite
	// silent divergence between source and sink is worse than a loud
	// stop.
	MaxRetryWindow time.Duration

	// LagThreshold is the sequence distance from the source's head above
	// which the engine reports itself as catching up rather than live.
	LagThreshold uint64
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval == 0 {
		out.PollInterval = 100 * time.Millisecond
	}
	if out.RetryInterval == 0 {
		out.RetryInterval = time.Second
	}
	if out.MaxRetryWindow == 0 {
		out.MaxRetryWindow = 5 * time.Minute
	}
	if out.LagThreshold == 0 {
		out.LagThreshold = 1000
	}
	return out
}

// Engine owns the sync loop and its state.
type Engine struct {
	cfg      Config
	src      storage.Source
	sink     SinkWriter
	ckpt     *checkpoint.Store
	dec      *decode.Decoder
	counters *stats.Counters
	log      zerolog.Logger
	runID    string

	mode        modeVar
	lastApplied atomic.Uint64

	// failSince marks the start of the current transient-failure run;
	// zero when healthy. Only touched by the engine goroutine.
	failSince time.Time

	stopOnce stdsync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New assembles an engine. Each run gets a fresh run ID for logs and the
// status surface.
func New(cfg Config, src storage.Source, sink SinkWriter, ckpt *checkpoint.Store,
	dec *decode.Decoder, counters *stats.Counters, log zerolog.Logger) *Engine {
	runID := uuid.NewString()
	return &Engine{
		cfg:      cfg.withDefaults(),
		src:      src,
		sink:     sink,
		ckpt:     ckpt,
		dec:      dec,
		counters: counters,
		log:      log.With().Str("run_id", runID).Logger(),
		runID:    runID,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// RequestStop asks the engine to stop and blocks until it has. Safe to call
// from any goroutine, any number of times; intended to be the only entry
// point signal handlers reach the engine through.
func (e *Engine) RequestStop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

// Snapshot returns a point-in-time view for the status surface.
func (e *Engine) Snapshot() Snapshot {
	last := e.lastApplied.Load()
	head := e.src.LatestSequence()
	var lag uint64
	if head > last {
		lag = head - last
	}
	return Snapshot{
		RunID:               e.runID,
		Mode:                e.mode.get().String(),
		LastAppliedSequence: last,
		HeadSequence:        head,
		Lag:                 lag,
		SinkConnected:       e.sink.Connected(),
		Counters:            e.counters.Snapshot(),
	}
}

// Run executes the sync loop until a stop request or a fatal error. A clean
// stop returns nil after the in-flight batch is fully applied and the
// checkpoint persisted.
func (e *Engine) Run(ctx context.Context) (err error) {
	defer close(e.doneCh)
	defer e.mode.set(Stopped)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			e.mode.set(Stopping)
			cancel()
		case <-ctx.Done():
		}
	}()

	e.mode.set(Initializing)

	from, err := e.startSequence(ctx)
	if err != nil {
		return err
	}

	var tail storage.UpdateIterator
	defer func() {
		if tail != nil {
			tail.Close()
		}
		e.log.Info().Uint64("last_applied", e.lastApplied.Load()).Msg("sync engine stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if tail == nil {
			var openErr error
			tail, openErr = e.src.Updates(from)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrSequenceTooOld) {
					from, err = e.reseedWithRetry(ctx)
					if err != nil {
						return e.exit(err)
					}
					continue
				}
				if ferr := e.transient(ctx, "wal-open", openErr); ferr != nil {
					return e.exit(ferr)
				}
				continue
			}
		}

		batch, ok, nextErr := tail.Next(ctx)
		if nextErr != nil {
			tail.Close()
			tail = nil
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(nextErr, storage.ErrSequenceTooOld) {
				from, err = e.reseedWithRetry(ctx)
				if err != nil {
					return e.exit(err)
				}
				continue
			}
			if ferr := e.transient(ctx, "wal-read", nextErr); ferr != nil {
				return e.exit(ferr)
			}
			continue
		}

		if !ok {
			// Caught up with the head of the log. Not an error: wait for
			// new data, staying responsive to stop requests. The iterator
			// stays exhausted once it reports end of log, so drop it and
			// reopen after the wait to observe writes committed since.
			tail.Close()
			tail = nil
			e.clearFailure()
			e.updateMode()
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}

		if err := e.processBatch(ctx, batch); err != nil {
			if ctx.Err() != nil && !isFatal(err) {
				return nil
			}
			return e.exit(err)
		}
		from = batch.Sequence + 1
	}
}

// startSequence loads the persisted checkpoint, or performs the initial
// re-seed when none exists.
func (e *Engine) startSequence(ctx context.Context) (uint64, error) {
	cp, err := e.ckpt.Load()
	switch {
	case err == nil:
		e.lastApplied.Store(cp.SequenceNumber)
		e.log.Info().Uint64("sequence", cp.SequenceNumber).
			Time("last_update", cp.LastUpdate).Msg("resuming from checkpoint")
		e.updateMode()
		return cp.SequenceNumber + 1, nil
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		e.log.Info().Msg("no checkpoint found, seeding sink from a full scan")
		return e.reseedWithRetry(ctx)
	default:
		return 0, e.fatal("checkpoint-load", err)
	}
}

// processBatch applies one batch end to end: decode, deliver, checkpoint.
// Transient decode and sink failures are retried in place within the
// configured window; the checkpoint is only written after the sink
// acknowledged everything.
func (e *Engine) processBatch(ctx context.Context, batch *storage.RawBatch) error {
	var ops []command.Operation
	for {
		var err error
		ops, err = e.dec.DecodeBatch(ctx, batch)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ferr := e.transient(ctx, "decode", err); ferr != nil {
			return ferr
		}
	}

	if len(ops) > 0 {
		// Send buffers before it flushes, so after this call the batch's
		// operations are in the writer's pending buffer regardless of err;
		// every retry below is a Flush of that same buffer.
		err := e.sink.Send(ctx, ops)
		for {
			if err == nil {
				err = e.sink.Flush(ctx)
			}
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, writer.ErrUnsafeListReplay) {
				return e.fatal("sink", err)
			}
			if ferr := e.transient(ctx, "sink", err); ferr != nil {
				return ferr
			}
			err = nil
		}
	}

	if err := e.ckpt.Save(batch.Sequence); err != nil {
		return e.fatal("checkpoint", err)
	}

	e.clearFailure()
	e.lastApplied.Store(batch.Sequence)
	e.counters.Inc(stats.BatchesApplied)
	e.updateMode()
	return nil
}

func (e *Engine) updateMode() {
	if m := e.mode.get(); m == Stopping || m == Stopped {
		return
	}
	head := e.src.LatestSequence()
	last := e.lastApplied.Load()
	if head > last && head-last > e.cfg.LagThreshold {
		e.mode.set(CatchingUp)
	} else {
		e.mode.set(Live)
	}
}

// transient waits out one retry interval for a recoverable failure, keeping
// track of how long the failure run has lasted. Returns a fatal error once
// the retry window is exhausted.
func (e *Engine) transient(ctx context.Context, stage string, err error) error {
	now := time.Now()
	if e.failSince.IsZero() {
		e.failSince = now
	}
	if now.Sub(e.failSince) > e.cfg.MaxRetryWindow {
		return e.fatal(stage, fmt.Errorf("retry window of %s exhausted: %w", e.cfg.MaxRetryWindow, err))
	}

	e.log.Warn().Err(err).Str("stage", stage).
		Dur("failing_for", now.Sub(e.failSince)).Msg("transient failure, will retry")

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(e.cfg.RetryInterval):
		return nil
	}
}

func (e *Engine) clearFailure() {
	e.failSince = time.Time{}
}

type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// fatal wraps an unrecoverable error with the failing stage and the last
// durable checkpoint, so the operator can diagnose and restart safely.
func (e *Engine) fatal(stage string, err error) error {
	wrapped := fmt.Errorf("%s stage failed (last durable checkpoint: sequence %d): %w",
		stage, e.lastApplied.Load(), err)
	e.log.Error().Err(err).Str("stage", stage).
		Uint64("last_durable_sequence", e.lastApplied.Load()).Msg("fatal failure")
	return &fatalError{err: wrapped}
}

// exit normalizes loop-exit errors: a context cancellation triggered by a
// stop request is a clean shutdown, anything else is surfaced.
func (e *Engine) exit(err error) error {
	if err == nil || (!isFatal(err) && errors.Is(err, context.Canceled)) {
		return nil
	}
	return err
}
