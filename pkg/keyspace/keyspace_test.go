package keyspace

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKey(t *testing.T) {
	t.Run("metadata key round-trips", func(t *testing.T) {
		raw := EncodeMetadataKey("prod", []byte("user:42"))
		key, err := DecodeKey(raw)
		require.NoError(t, err)
		assert.Equal(t, KindMetadata, key.Kind)
		assert.Equal(t, "prod", key.Namespace)
		assert.Equal(t, []byte("user:42"), key.UserKey)
	})

	t.Run("subkey key round-trips", func(t *testing.T) {
		raw := EncodeSubkeyKey("prod", []byte("h"), 7, []byte("field"))
		key, err := DecodeKey(raw)
		require.NoError(t, err)
		assert.Equal(t, KindSubkey, key.Kind)
		assert.Equal(t, "prod", key.Namespace)
		assert.Equal(t, []byte("h"), key.UserKey)
		assert.Equal(t, uint64(7), key.Version)
		assert.Equal(t, []byte("field"), key.Subkey)
	})

	t.Run("empty user key is valid", func(t *testing.T) {
		key, err := DecodeKey(EncodeMetadataKey("ns", nil))
		require.NoError(t, err)
		assert.Equal(t, KindMetadata, key.Kind)
		assert.Empty(t, key.UserKey)
	})

	t.Run("unknown kind byte decodes without error", func(t *testing.T) {
		key, err := DecodeKey([]byte{'x', 1, 2, 3})
		require.NoError(t, err)
		assert.Equal(t, KindUnknown, key.Kind)
	})

	t.Run("truncated keys are rejected", func(t *testing.T) {
		for _, raw := range [][]byte{
			nil,
			{'m'},
			{'m', 5, 'a'},
			{'s', 2, 'n', 's', 0, 0},
			{'s', 1, 'n', 0, 0, 0, 1, 'k', 0, 0},
		} {
			_, err := DecodeKey(raw)
			assert.ErrorIs(t, err, ErrShortKey, "raw=%v", raw)
		}
	})
}

func TestDecodeMetadata(t *testing.T) {
	t.Run("string", func(t *testing.T) {
		in := Metadata{Type: TypeString, ExpireAt: 1234, Value: []byte("hello")}
		md, err := DecodeMetadata(in.Encode())
		require.NoError(t, err)
		assert.Equal(t, in, md)
		assert.True(t, md.Expires())
	})

	t.Run("hash", func(t *testing.T) {
		in := Metadata{Type: TypeHash, Version: 3, Size: 10}
		md, err := DecodeMetadata(in.Encode())
		require.NoError(t, err)
		assert.Equal(t, in, md)
		assert.False(t, md.Expires())
	})

	t.Run("list carries head and tail", func(t *testing.T) {
		in := Metadata{Type: TypeList, Version: 9, Size: 4, Head: 100, Tail: 104}
		md, err := DecodeMetadata(in.Encode())
		require.NoError(t, err)
		assert.Equal(t, uint64(100), md.Head)
		assert.Equal(t, uint64(104), md.Tail)
	})

	t.Run("unknown type tag", func(t *testing.T) {
		raw := append([]byte{0x7f}, make([]byte, 8)...)
		_, err := DecodeMetadata(raw)
		assert.ErrorIs(t, err, ErrBadType)
	})

	t.Run("truncated values are rejected", func(t *testing.T) {
		full := (&Metadata{Type: TypeList, Version: 1, Size: 1, Head: 0, Tail: 1}).Encode()
		for _, raw := range [][]byte{nil, full[:5], full[:15], full[:len(full)-1]} {
			_, err := DecodeMetadata(raw)
			assert.ErrorIs(t, err, ErrShortValue)
		}
	})
}

func TestPrefixes(t *testing.T) {
	t.Run("subkey prefix covers all elements of one version", func(t *testing.T) {
		prefix := SubkeyPrefix("ns", []byte("k"), 5)
		sub := EncodeSubkeyKey("ns", []byte("k"), 5, []byte("member"))
		assert.Equal(t, prefix, sub[:len(prefix)])

		other := EncodeSubkeyKey("ns", []byte("k"), 6, []byte("member"))
		assert.NotEqual(t, prefix, other[:len(prefix)])
	})

	t.Run("namespace prefix matches only its namespace", func(t *testing.T) {
		prefix := NamespacePrefix("ns")
		in := EncodeMetadataKey("ns", []byte("k"))
		out := EncodeMetadataKey("ns2", []byte("k"))
		assert.Equal(t, prefix, in[:len(prefix)])
		assert.NotEqual(t, prefix, out[:len(prefix)])
	})

	t.Run("upper bound increments the last byte", func(t *testing.T) {
		assert.Equal(t, []byte{'m', 0x02}, PrefixUpperBound([]byte{'m', 0x01}))
		assert.Equal(t, []byte{'n'}, PrefixUpperBound([]byte{'m', 0xff}))
		assert.Nil(t, PrefixUpperBound([]byte{0xff, 0xff}))
	})
}

func TestListIndexAndScore(t *testing.T) {
	t.Run("list indexes sort in index order", func(t *testing.T) {
		a, b := EncodeListIndex(41), EncodeListIndex(42)
		assert.Equal(t, -1, bytes.Compare(a, b))

		idx, err := DecodeListIndex(b)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), idx)
	})

	t.Run("score round-trips", func(t *testing.T) {
		for _, score := range []float64{0, 1.5, -2.25, 1e100} {
			got, err := DecodeScore(EncodeScore(score))
			require.NoError(t, err)
			assert.Equal(t, score, got)
		}
	})

	t.Run("bad widths rejected", func(t *testing.T) {
		_, err := DecodeListIndex([]byte{1, 2})
		assert.ErrorIs(t, err, ErrShortKey)
		_, err = DecodeScore([]byte{1, 2})
		assert.ErrorIs(t, err, ErrShortValue)
	})
}
