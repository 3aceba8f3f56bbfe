package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func argsToStrings(op Operation) []string {
	args := op.Args()
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = string(a)
	}
	return out
}

func TestOperationArgs(t *testing.T) {
	tests := []struct {
		name string
		op   Operation
		want []string
	}{
		{
			name: "set string",
			op:   SetString{NS: "ns", Key: []byte("k"), Value: []byte("v")},
			want: []string{"SET", "k", "v"},
		},
		{
			name: "delete key",
			op:   DeleteKey{NS: "ns", Key: []byte("k")},
			want: []string{"DEL", "k"},
		},
		{
			name: "hash set",
			op:   HashSet{NS: "ns", Key: []byte("h"), Field: []byte("f"), Value: []byte("v")},
			want: []string{"HSET", "h", "f", "v"},
		},
		{
			name: "hash delete",
			op:   HashDelete{NS: "ns", Key: []byte("h"), Field: []byte("f")},
			want: []string{"HDEL", "h", "f"},
		},
		{
			name: "set add",
			op:   SetAdd{NS: "ns", Key: []byte("s"), Member: []byte("m")},
			want: []string{"SADD", "s", "m"},
		},
		{
			name: "set remove",
			op:   SetRemove{NS: "ns", Key: []byte("s"), Member: []byte("m")},
			want: []string{"SREM", "s", "m"},
		},
		{
			name: "left push multiple values",
			op:   ListPush{NS: "ns", Key: []byte("l"), Values: [][]byte{[]byte("a"), []byte("b")}, Side: Left},
			want: []string{"LPUSH", "l", "a", "b"},
		},
		{
			name: "right push",
			op:   ListPush{NS: "ns", Key: []byte("l"), Values: [][]byte{[]byte("a")}, Side: Right},
			want: []string{"RPUSH", "l", "a"},
		},
		{
			name: "left pop",
			op:   ListPop{NS: "ns", Key: []byte("l"), Side: Left},
			want: []string{"LPOP", "l"},
		},
		{
			name: "right pop",
			op:   ListPop{NS: "ns", Key: []byte("l"), Side: Right},
			want: []string{"RPOP", "l"},
		},
		{
			name: "zadd integral score has no decimal point",
			op:   ZAdd{NS: "ns", Key: []byte("z"), Member: []byte("m"), Score: 3},
			want: []string{"ZADD", "z", "3", "m"},
		},
		{
			name: "zadd fractional score",
			op:   ZAdd{NS: "ns", Key: []byte("z"), Member: []byte("m"), Score: -1.5},
			want: []string{"ZADD", "z", "-1.5", "m"},
		},
		{
			name: "zrem",
			op:   ZRemove{NS: "ns", Key: []byte("z"), Member: []byte("m")},
			want: []string{"ZREM", "z", "m"},
		},
		{
			name: "expire at absolute milliseconds",
			op:   ExpireAt{NS: "ns", Key: []byte("k"), UnixMs: 1700000000000},
			want: []string{"PEXPIREAT", "k", "1700000000000"},
		},
		{
			name: "flush namespace",
			op:   FlushNamespace{NS: "ns"},
			want: []string{"FLUSHDB"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, argsToStrings(tt.op))
			assert.Equal(t, tt.want[0], tt.op.Name())
			assert.Equal(t, "ns", tt.op.Namespace())
		})
	}
}
