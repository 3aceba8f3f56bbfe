// Package stats holds the bridge's run counters: commands sent per verb,
// records dropped per reason, reconnects, re-seeds. Written by the pipeline
// goroutine and read concurrently by the status endpoint, so the registry is
// a lock-free skip-list map rather than a plain map.
package stats

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// Well-known counter names. Command verbs (SET, HSET, ...) are used as
// counter names directly.
const (
	DecodeDropped     = "decode_dropped"
	DecodeStaleSubkey = "decode_stale_subkey"
	DecodeOrphan      = "decode_orphan_subkey"
	SinkReconnects    = "sink_reconnects"
	SinkReplyErrors   = "sink_reply_errors"
	Reseeds           = "reseeds"
	BatchesApplied    = "batches_applied"
)

// Counters is a concurrent name → count registry.
type Counters struct {
	m *skipmap.OrderedMap[string, *atomic.Int64]
}

// New returns an empty registry.
func New() *Counters {
	return &Counters{m: skipmap.New[string, *atomic.Int64]()}
}

// Add increments a counter by n, creating it on first use.
func (c *Counters) Add(name string, n int64) {
	if v, ok := c.m.Load(name); ok {
		v.Add(n)
		return
	}
	v := new(atomic.Int64)
	v.Add(n)
	if actual, loaded := c.m.LoadOrStore(name, v); loaded {
		actual.Add(n)
	}
}

// Inc increments a counter by one.
func (c *Counters) Inc(name string) { c.Add(name, 1) }

// Get returns a counter's current value, zero if never written.
func (c *Counters) Get(name string) int64 {
	if v, ok := c.m.Load(name); ok {
		return v.Load()
	}
	return 0
}

// Snapshot copies every counter into a plain map for serialization.
func (c *Counters) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	c.m.Range(func(name string, v *atomic.Int64) bool {
		out[name] = v.Load()
		return true
	})
	return out
}
