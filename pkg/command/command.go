// Package command defines the logical operations the bridge replays against
// the sink, and their mapping onto sink commands.
//
// Operations are produced by the decoder in a total order that must be
// preserved end to end: later operations on a key may depend on earlier ones
// (metadata before elements, overwrite before delete). Every variant is
// idempotent under replay except ListPush, which appends and can therefore
// duplicate elements if a failed flush is re-sent; see the writer's
// strictness mode for how that is surfaced.
package command

import "strconv"

// Side selects which end of a list an operation applies to.
type Side byte

const (
	Left Side = iota
	Right
)

// Operation is one logical mutation, rendered as exactly one sink command.
type Operation interface {
	// Namespace is the source namespace the operation belongs to. The
	// writer routes each namespace to its configured sink database.
	Namespace() string

	// Args returns the sink command as its argument vector, e.g.
	// ["SET", "user:1", "alice"].
	Args() [][]byte

	// Name is the command verb, used for counters and logs.
	Name() string
}

// SetString sets a plain string key.
type SetString struct {
	NS    string
	Key   []byte
	Value []byte
}

func (o SetString) Namespace() string { return o.NS }
func (o SetString) Name() string      { return "SET" }
func (o SetString) Args() [][]byte {
	return [][]byte{[]byte("SET"), o.Key, o.Value}
}

// DeleteKey erases a logical key of any type, including all its elements.
type DeleteKey struct {
	NS  string
	Key []byte
}

func (o DeleteKey) Namespace() string { return o.NS }
func (o DeleteKey) Name() string      { return "DEL" }
func (o DeleteKey) Args() [][]byte {
	return [][]byte{[]byte("DEL"), o.Key}
}

// HashSet writes one hash field.
type HashSet struct {
	NS    string
	Key   []byte
	Field []byte
	Value []byte
}

func (o HashSet) Namespace() string { return o.NS }
func (o HashSet) Name() string      { return "HSET" }
func (o HashSet) Args() [][]byte {
	return [][]byte{[]byte("HSET"), o.Key, o.Field, o.Value}
}

// HashDelete removes one hash field.
type HashDelete struct {
	NS    string
	Key   []byte
	Field []byte
}

func (o HashDelete) Namespace() string { return o.NS }
func (o HashDelete) Name() string      { return "HDEL" }
func (o HashDelete) Args() [][]byte {
	return [][]byte{[]byte("HDEL"), o.Key, o.Field}
}

// SetAdd adds one member to a set.
type SetAdd struct {
	NS     string
	Key    []byte
	Member []byte
}

func (o SetAdd) Namespace() string { return o.NS }
func (o SetAdd) Name() string      { return "SADD" }
func (o SetAdd) Args() [][]byte {
	return [][]byte{[]byte("SADD"), o.Key, o.Member}
}

// SetRemove removes one member from a set.
type SetRemove struct {
	NS     string
	Key    []byte
	Member []byte
}

func (o SetRemove) Namespace() string { return o.NS }
func (o SetRemove) Name() string      { return "SREM" }
func (o SetRemove) Args() [][]byte {
	return [][]byte{[]byte("SREM"), o.Key, o.Member}
}

// ListPush appends values to one end of a list. The only non-idempotent
// variant: replaying it after a partial flush can duplicate elements.
type ListPush struct {
	NS     string
	Key    []byte
	Values [][]byte
	Side   Side
}

func (o ListPush) Namespace() string { return o.NS }
func (o ListPush) Name() string {
	if o.Side == Left {
		return "LPUSH"
	}
	return "RPUSH"
}

func (o ListPush) Args() [][]byte {
	args := make([][]byte, 0, 2+len(o.Values))
	args = append(args, []byte(o.Name()), o.Key)
	return append(args, o.Values...)
}

// ListPop removes one element from one end of a list.
type ListPop struct {
	NS   string
	Key  []byte
	Side Side
}

func (o ListPop) Namespace() string { return o.NS }
func (o ListPop) Name() string {
	if o.Side == Left {
		return "LPOP"
	}
	return "RPOP"
}

func (o ListPop) Args() [][]byte {
	return [][]byte{[]byte(o.Name()), o.Key}
}

// ZAdd sets one sorted-set member's score.
type ZAdd struct {
	NS     string
	Key    []byte
	Member []byte
	Score  float64
}

func (o ZAdd) Namespace() string { return o.NS }
func (o ZAdd) Name() string      { return "ZADD" }
func (o ZAdd) Args() [][]byte {
	score := strconv.AppendFloat(nil, o.Score, 'g', -1, 64)
	return [][]byte{[]byte("ZADD"), o.Key, score, o.Member}
}

// ZRemove removes one sorted-set member.
type ZRemove struct {
	NS     string
	Key    []byte
	Member []byte
}

func (o ZRemove) Namespace() string { return o.NS }
func (o ZRemove) Name() string      { return "ZREM" }
func (o ZRemove) Args() [][]byte {
	return [][]byte{[]byte("ZREM"), o.Key, o.Member}
}

// ExpireAt sets an absolute expiry on a key, in unix milliseconds. Always
// emitted after the value write it belongs to.
type ExpireAt struct {
	NS     string
	Key    []byte
	UnixMs uint64
}

func (o ExpireAt) Namespace() string { return o.NS }
func (o ExpireAt) Name() string      { return "PEXPIREAT" }
func (o ExpireAt) Args() [][]byte {
	ts := strconv.AppendUint(nil, o.UnixMs, 10)
	return [][]byte{[]byte("PEXPIREAT"), o.Key, ts}
}

// FlushNamespace clears the sink database a namespace is routed to. Emitted
// first during a re-seed so keys deleted in the source since the last
// checkpoint do not survive in the sink.
type FlushNamespace struct {
	NS string
}

func (o FlushNamespace) Namespace() string { return o.NS }
func (o FlushNamespace) Name() string      { return "FLUSHDB" }
func (o FlushNamespace) Args() [][]byte {
	return [][]byte{[]byte("FLUSHDB")}
}
