package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocksbridge/rocksbridge/pkg/checkpoint"
	"github.com/rocksbridge/rocksbridge/pkg/command"
	"github.com/rocksbridge/rocksbridge/pkg/decode"
	"github.com/rocksbridge/rocksbridge/pkg/keyspace"
	"github.com/rocksbridge/rocksbridge/pkg/stats"
	"github.com/rocksbridge/rocksbridge/pkg/storage"
	"github.com/rocksbridge/rocksbridge/pkg/writer"
)

// fakeSource is an in-memory storage.Source with a scripted WAL.
type fakeSource struct {
	mu       sync.Mutex
	batches  []storage.RawBatch
	head     uint64
	earliest uint64 // sequences below this are compacted away
	metadata map[string][]byte
}

func newFakeSource() *fakeSource {
	return &fakeSource{metadata: make(map[string][]byte)}
}

func (f *fakeSource) addStringBatch(seq uint64, ns string, key, value []byte) {
	md := keyspace.Metadata{Type: keyspace.TypeString, Value: value}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, storage.RawBatch{
		Sequence: seq,
		Records: []storage.RawRecord{{
			Kind:  storage.RecordPut,
			Key:   keyspace.EncodeMetadataKey(ns, key),
			Value: md.Encode(),
		}},
	})
	if seq > f.head {
		f.head = seq
	}
}

func (f *fakeSource) putLiveString(ns string, key, value []byte) {
	md := keyspace.Metadata{Type: keyspace.TypeString, Value: value}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata[ns+"\x00"+string(key)] = md.Encode()
}

func (f *fakeSource) Metadata(ns string, userKey []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.metadata[ns+"\x00"+string(userKey)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return raw, nil
}

func (f *fakeSource) ScanSubkeys(_ context.Context, _ string, _ []byte, _ uint64, _ func(sub, val []byte) error) error {
	return nil
}

func (f *fakeSource) ScanMetadata(ctx context.Context, fn func(ns string, userKey, rawMeta []byte) error) error {
	f.mu.Lock()
	type entry struct {
		ns   string
		key  []byte
		meta []byte
	}
	var entries []entry
	for ck, raw := range f.metadata {
		for i := 0; i < len(ck); i++ {
			if ck[i] == 0 {
				entries = append(entries, entry{ns: ck[:i], key: []byte(ck[i+1:]), meta: raw})
				break
			}
		}
	}
	f.mu.Unlock()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.ns, e.key, e.meta); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) Updates(from uint64) (storage.UpdateIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.earliest > 0 && from < f.earliest {
		return nil, storage.ErrSequenceTooOld
	}
	var batches []storage.RawBatch
	for _, b := range f.batches {
		if b.Sequence >= from {
			batches = append(batches, b)
		}
	}
	return &fakeIterator{batches: batches}, nil
}

func (f *fakeSource) LatestSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head
}

func (f *fakeSource) Close() error { return nil }

// fakeIterator yields the batches that existed when Updates was called and
// then stays exhausted, like a real WAL iterator. Batches committed later
// are only visible to a fresh iterator.
type fakeIterator struct {
	batches []storage.RawBatch
}

func (it *fakeIterator) Next(_ context.Context) (*storage.RawBatch, bool, error) {
	if len(it.batches) == 0 {
		return nil, false, nil
	}
	b := it.batches[0]
	it.batches = it.batches[1:]
	return &b, true, nil
}

func (it *fakeIterator) Close() {}

// fakeSink records flushed operations and can fail a number of flushes.
type fakeSink struct {
	mu         sync.Mutex
	pending    []command.Operation
	flushed    []command.Operation
	failFlush  error
	failsLeft  int
	flushCalls int
}

func (s *fakeSink) Send(_ context.Context, ops []command.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, ops...)
	return nil
}

func (s *fakeSink) Flush(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushCalls++
	if s.failsLeft != 0 {
		if s.failsLeft > 0 {
			s.failsLeft--
		}
		return s.failFlush
	}
	s.flushed = append(s.flushed, s.pending...)
	s.pending = nil
	return nil
}

func (s *fakeSink) Connected() bool { return true }
func (s *fakeSink) Close() error    { return nil }

func (s *fakeSink) flushedNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.flushed))
	for i, op := range s.flushed {
		out[i] = op.Name()
	}
	return out
}

func newTestEngine(t *testing.T, src *fakeSource, sink SinkWriter, ckptPath string) *Engine {
	t.Helper()
	counters := stats.New()
	dec := decode.New(src, []string{"ns"}, counters, zerolog.Nop())
	return New(Config{
		Namespaces:     []string{"ns"},
		PollInterval:   5 * time.Millisecond,
		RetryInterval:  time.Millisecond,
		MaxRetryWindow: 150 * time.Millisecond,
		LagThreshold:   1000,
	}, src, sink, checkpoint.NewStore(ckptPath), dec, counters, zerolog.Nop())
}

func runEngine(e *Engine) chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(context.Background()) }()
	return errCh
}

func loadSequence(t *testing.T, path string) uint64 {
	t.Helper()
	cp, err := checkpoint.NewStore(path).Load()
	require.NoError(t, err)
	return cp.SequenceNumber
}

func TestEngineAppliesBatchesAndCheckpoints(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, checkpoint.NewStore(ckptPath).Save(4))

	src := newFakeSource()
	src.addStringBatch(5, "ns", []byte("a"), []byte("1"))
	src.addStringBatch(6, "ns", []byte("b"), []byte("2"))

	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, ckptPath)
	errCh := runEngine(e)

	require.Eventually(t, func() bool {
		return e.Snapshot().LastAppliedSequence == 6
	}, 2*time.Second, time.Millisecond)

	e.RequestStop()
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"SET", "SET"}, sink.flushedNames())
	assert.Equal(t, uint64(6), loadSequence(t, ckptPath))
	assert.Equal(t, "stopped", e.Snapshot().Mode)
}

func TestEngineObservesWritesAfterCatchingUp(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, checkpoint.NewStore(ckptPath).Save(4))

	src := newFakeSource()
	src.addStringBatch(5, "ns", []byte("a"), []byte("1"))

	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, ckptPath)
	errCh := runEngine(e)

	require.Eventually(t, func() bool {
		s := e.Snapshot()
		return s.Mode == "live" && s.LastAppliedSequence == 5
	}, 2*time.Second, time.Millisecond)

	// A batch committed after the tail reached the head must still be
	// picked up and applied.
	src.addStringBatch(6, "ns", []byte("b"), []byte("2"))

	require.Eventually(t, func() bool {
		return e.Snapshot().LastAppliedSequence == 6
	}, 2*time.Second, time.Millisecond)

	e.RequestStop()
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"SET", "SET"}, sink.flushedNames())
	assert.Equal(t, uint64(6), loadSequence(t, ckptPath))
}

func TestEngineCheckpointNeverPassesUnacknowledged(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, checkpoint.NewStore(ckptPath).Save(4))

	src := newFakeSource()
	src.addStringBatch(5, "ns", []byte("a"), []byte("1"))

	sink := &fakeSink{failFlush: writer.ErrSinkUnavailable, failsLeft: -1}
	e := newTestEngine(t, src, sink, ckptPath)

	err := <-runEngine(e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink stage failed")
	assert.Contains(t, err.Error(), "sequence 4")

	// The failed batch must not be checkpointed.
	assert.Equal(t, uint64(4), loadSequence(t, ckptPath))
}

func TestEngineUnsafeListReplayIsFatal(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, checkpoint.NewStore(ckptPath).Save(4))

	src := newFakeSource()
	src.addStringBatch(5, "ns", []byte("a"), []byte("1"))

	sink := &fakeSink{failFlush: writer.ErrUnsafeListReplay, failsLeft: -1}
	e := newTestEngine(t, src, sink, ckptPath)

	err := <-runEngine(e)
	require.Error(t, err)
	assert.ErrorIs(t, err, writer.ErrUnsafeListReplay)
	assert.Equal(t, uint64(4), loadSequence(t, ckptPath))
}

func TestEngineTransientFailureRecovers(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, checkpoint.NewStore(ckptPath).Save(4))

	src := newFakeSource()
	src.addStringBatch(5, "ns", []byte("a"), []byte("1"))

	sink := &fakeSink{failFlush: writer.ErrSinkUnavailable, failsLeft: 3}
	e := newTestEngine(t, src, sink, ckptPath)
	errCh := runEngine(e)

	require.Eventually(t, func() bool {
		return e.Snapshot().LastAppliedSequence == 5
	}, 2*time.Second, time.Millisecond)

	e.RequestStop()
	require.NoError(t, <-errCh)
	assert.Equal(t, uint64(5), loadSequence(t, ckptPath))
	assert.GreaterOrEqual(t, sink.flushCalls, 4)
}

func TestEngineReseedOnStaleCheckpoint(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, checkpoint.NewStore(ckptPath).Save(500))

	src := newFakeSource()
	src.putLiveString("ns", []byte("live"), []byte("v"))
	src.mu.Lock()
	src.earliest = 800
	src.head = 900
	src.mu.Unlock()

	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, ckptPath)
	errCh := runEngine(e)

	require.Eventually(t, func() bool {
		return e.Snapshot().LastAppliedSequence == 900
	}, 2*time.Second, time.Millisecond)

	e.RequestStop()
	require.NoError(t, <-errCh)

	// The sink was flushed before re-seeding, and the checkpoint adopted
	// the head as of the scan, not the stale value.
	assert.Equal(t, []string{"FLUSHDB", "SET"}, sink.flushedNames())
	assert.Equal(t, uint64(900), loadSequence(t, ckptPath))
	assert.Equal(t, int64(1), e.counters.Get(stats.Reseeds))
}

func TestEngineInitialSeedWithoutCheckpoint(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "ckpt.json")

	src := newFakeSource()
	src.putLiveString("ns", []byte("k"), []byte("v"))
	src.mu.Lock()
	src.head = 100
	src.mu.Unlock()

	sink := &fakeSink{}
	e := newTestEngine(t, src, sink, ckptPath)
	errCh := runEngine(e)

	require.Eventually(t, func() bool {
		return e.Snapshot().LastAppliedSequence == 100
	}, 2*time.Second, time.Millisecond)

	e.RequestStop()
	require.NoError(t, <-errCh)

	assert.Equal(t, []string{"FLUSHDB", "SET"}, sink.flushedNames())
	assert.Equal(t, uint64(100), loadSequence(t, ckptPath))
}

func TestEngineStopIsPrompt(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, checkpoint.NewStore(ckptPath).Save(10))

	src := newFakeSource()
	src.mu.Lock()
	src.head = 10
	src.mu.Unlock()

	e := newTestEngine(t, src, &fakeSink{}, ckptPath)
	errCh := runEngine(e)

	// Let it reach the caught-up poll wait, then stop.
	require.Eventually(t, func() bool {
		return e.Snapshot().Mode == "live"
	}, 2*time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		e.RequestStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop request did not complete in time")
	}
	require.NoError(t, <-errCh)
}

func TestEngineSnapshot(t *testing.T) {
	ckptPath := filepath.Join(t.TempDir(), "ckpt.json")
	require.NoError(t, checkpoint.NewStore(ckptPath).Save(90))

	src := newFakeSource()
	src.mu.Lock()
	src.head = 100
	src.mu.Unlock()

	e := newTestEngine(t, src, &fakeSink{}, ckptPath)
	e.lastApplied.Store(90)

	snap := e.Snapshot()
	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, uint64(90), snap.LastAppliedSequence)
	assert.Equal(t, uint64(100), snap.HeadSequence)
	assert.Equal(t, uint64(10), snap.Lag)
	assert.True(t, snap.SinkConnected)
	assert.NotNil(t, snap.Counters)
}

func TestEngineFatalErrorIsDiagnosable(t *testing.T) {
	e := &Engine{log: zerolog.Nop()}
	e.lastApplied.Store(42)

	err := e.fatal("decode", errors.New("boom"))
	assert.True(t, isFatal(err))
	assert.Contains(t, err.Error(), "decode stage failed")
	assert.Contains(t, err.Error(), "sequence 42")
	assert.Contains(t, err.Error(), "boom")
}
