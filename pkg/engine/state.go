package engine

import "sync/atomic"

// Mode is the engine's lifecycle state. Transitions: Initializing →
// CatchingUp ⇄ Live, with Stopping → Stopped reachable from anywhere. Owned
// exclusively by the engine; other goroutines only read it through Snapshot.
type Mode int32

const (
	Initializing Mode = iota
	CatchingUp
	Live
	Stopping
	Stopped
)

func (m Mode) String() string {
	switch m {
	case Initializing:
		return "initializing"
	case CatchingUp:
		return "catching-up"
	case Live:
		return "live"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "invalid"
	}
}

type modeVar struct{ v atomic.Int32 }

func (m *modeVar) get() Mode  { return Mode(m.v.Load()) }
func (m *modeVar) set(x Mode) { m.v.Store(int32(x)) }

// Snapshot is a point-in-time view of the engine for the status surface.
type Snapshot struct {
	RunID               string           `json:"run_id"`
	Mode                string           `json:"mode"`
	LastAppliedSequence uint64           `json:"last_applied_sequence"`
	HeadSequence        uint64           `json:"head_sequence"`
	Lag                 uint64           `json:"lag"`
	SinkConnected       bool             `json:"sink_connected"`
	Counters            map[string]int64 `json:"counters"`
}
