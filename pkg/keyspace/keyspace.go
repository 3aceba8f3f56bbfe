// Package keyspace implements the binary layout of the source store's keys
// and metadata values.
//
// The source persists every logical key as one metadata record plus, for
// composite types, one record per element. Both kinds live in a single
// ordered keyspace and are distinguished by a leading kind byte:
//
//	metadata key: 'm' | u8 nslen | namespace | user key
//	subkey key:   's' | u8 nslen | namespace | u32 keylen | user key | u64 version | subkey
//
// Metadata values start with a one-byte type tag and an absolute expire
// timestamp in milliseconds (zero means no expiry). String values carry the
// payload inline; composite types carry a version, an element count, and for
// lists the head and tail indexes:
//
//	string:    u8 type | u64 expire | payload
//	hash/set/zset: u8 type | u64 expire | u64 version | u32 size
//	list:      u8 type | u64 expire | u64 version | u32 size | u64 head | u64 tail
//
// The version is bumped on every re-creation of a key, so subkey records
// from an earlier incarnation can be recognized as stale and ignored.
//
// A metadata record precedes the element records of the same logical
// operation within a write-batch. For lists, head and tail bound the element
// index range as it was before that operation's element writes: elements
// written below head were pushed on the left, elements at or above tail on
// the right. Head points at the first live index, tail one past the last.
// Decoding raw bytes into these typed forms happens here and nowhere else;
// consumers dispatch on the decoded structs rather than re-inspecting bytes.
package keyspace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Key kind bytes. Anything else is an unknown keyspace the bridge does not
// replicate.
const (
	kindMetadata byte = 'm'
	kindSubkey   byte = 's'
)

// KeyKind classifies a raw key after decoding.
type KeyKind byte

const (
	KindUnknown KeyKind = iota
	KindMetadata
	KindSubkey
)

// Type tags stored in the first byte of a metadata value.
type ValueType byte

const (
	TypeNone ValueType = iota
	TypeString
	TypeHash
	TypeSet
	TypeZSet
	TypeList
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeHash:
		return "hash"
	case TypeSet:
		return "set"
	case TypeZSet:
		return "zset"
	case TypeList:
		return "list"
	default:
		return "none"
	}
}

var (
	// ErrShortKey is returned when a raw key is truncated.
	ErrShortKey = errors.New("keyspace: truncated key")
	// ErrShortValue is returned when a metadata value is truncated.
	ErrShortValue = errors.New("keyspace: truncated metadata value")
	// ErrBadType is returned for an unrecognized metadata type tag.
	ErrBadType = errors.New("keyspace: unknown value type")
)

// Key is the decoded form of a raw key.
type Key struct {
	Kind      KeyKind
	Namespace string
	UserKey   []byte

	// Version and Subkey are only set for KindSubkey.
	Version uint64
	Subkey  []byte
}

// Metadata is the decoded form of a metadata value.
type Metadata struct {
	Type     ValueType
	ExpireAt uint64 // absolute unix milliseconds, 0 means no expiry

	// Value is the string payload, only for TypeString.
	Value []byte

	// Composite-type fields.
	Version uint64
	Size    uint32
	Head    uint64 // list only
	Tail    uint64 // list only
}

// Expires reports whether the metadata carries an expire timestamp.
func (m *Metadata) Expires() bool { return m.ExpireAt != 0 }

// DecodeKey parses a raw key into its typed form. Keys from keyspaces the
// bridge does not understand decode to KindUnknown without error, since
// dropping them is a deliberate narrowing rather than a failure.
func DecodeKey(raw []byte) (Key, error) {
	if len(raw) == 0 {
		return Key{}, ErrShortKey
	}
	switch raw[0] {
	case kindMetadata:
		return decodeMetadataKey(raw[1:])
	case kindSubkey:
		return decodeSubkeyKey(raw[1:])
	default:
		return Key{Kind: KindUnknown}, nil
	}
}

func decodeMetadataKey(raw []byte) (Key, error) {
	if len(raw) < 1 {
		return Key{}, ErrShortKey
	}
	nsLen := int(raw[0])
	raw = raw[1:]
	if len(raw) < nsLen {
		return Key{}, ErrShortKey
	}
	return Key{
		Kind:      KindMetadata,
		Namespace: string(raw[:nsLen]),
		UserKey:   raw[nsLen:],
	}, nil
}

func decodeSubkeyKey(raw []byte) (Key, error) {
	if len(raw) < 1 {
		return Key{}, ErrShortKey
	}
	nsLen := int(raw[0])
	raw = raw[1:]
	if len(raw) < nsLen+4 {
		return Key{}, ErrShortKey
	}
	ns := string(raw[:nsLen])
	raw = raw[nsLen:]
	keyLen := int(binary.BigEndian.Uint32(raw))
	raw = raw[4:]
	if len(raw) < keyLen+8 {
		return Key{}, ErrShortKey
	}
	userKey := raw[:keyLen]
	raw = raw[keyLen:]
	version := binary.BigEndian.Uint64(raw)
	return Key{
		Kind:      KindSubkey,
		Namespace: ns,
		UserKey:   userKey,
		Version:   version,
		Subkey:    raw[8:],
	}, nil
}

// DecodeMetadata parses a metadata value into its typed form.
func DecodeMetadata(raw []byte) (Metadata, error) {
	if len(raw) < 9 {
		return Metadata{}, ErrShortValue
	}
	md := Metadata{
		Type:     ValueType(raw[0]),
		ExpireAt: binary.BigEndian.Uint64(raw[1:9]),
	}
	rest := raw[9:]
	switch md.Type {
	case TypeString:
		md.Value = rest
	case TypeHash, TypeSet, TypeZSet:
		if len(rest) < 12 {
			return Metadata{}, ErrShortValue
		}
		md.Version = binary.BigEndian.Uint64(rest)
		md.Size = binary.BigEndian.Uint32(rest[8:])
	case TypeList:
		if len(rest) < 28 {
			return Metadata{}, ErrShortValue
		}
		md.Version = binary.BigEndian.Uint64(rest)
		md.Size = binary.BigEndian.Uint32(rest[8:])
		md.Head = binary.BigEndian.Uint64(rest[12:])
		md.Tail = binary.BigEndian.Uint64(rest[20:])
	default:
		return Metadata{}, fmt.Errorf("%w: 0x%02x", ErrBadType, raw[0])
	}
	return md, nil
}

// EncodeMetadataKey builds the raw metadata key for a namespace/key pair.
func EncodeMetadataKey(namespace string, userKey []byte) []byte {
	buf := make([]byte, 0, 2+len(namespace)+len(userKey))
	buf = append(buf, kindMetadata, byte(len(namespace)))
	buf = append(buf, namespace...)
	return append(buf, userKey...)
}

// EncodeSubkeyKey builds the raw subkey key for one element of a composite
// value.
func EncodeSubkeyKey(namespace string, userKey []byte, version uint64, subkey []byte) []byte {
	buf := make([]byte, 0, 14+len(namespace)+len(userKey)+len(subkey))
	buf = append(buf, kindSubkey, byte(len(namespace)))
	buf = append(buf, namespace...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(userKey)))
	buf = append(buf, userKey...)
	buf = binary.BigEndian.AppendUint64(buf, version)
	return append(buf, subkey...)
}

// SubkeyPrefix returns the raw-key prefix shared by every element of the
// given key incarnation, for range scans.
func SubkeyPrefix(namespace string, userKey []byte, version uint64) []byte {
	return EncodeSubkeyKey(namespace, userKey, version, nil)
}

// MetadataKeyspacePrefix returns the raw-key prefix shared by every metadata
// record regardless of namespace, for full-store scans.
func MetadataKeyspacePrefix() []byte {
	return []byte{kindMetadata}
}

// NamespacePrefix returns the metadata-key prefix covering every logical key
// in a namespace. A range deletion spanning exactly this prefix is the
// source's flush of the namespace.
func NamespacePrefix(namespace string) []byte {
	return EncodeMetadataKey(namespace, nil)
}

// PrefixUpperBound returns the smallest key greater than every key carrying
// the prefix, or nil if no such key exists.
func PrefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// EncodeMetadata builds the raw metadata value. The inverse of
// DecodeMetadata; used by the source-store test fixtures and the inspect
// tooling.
func (m *Metadata) Encode() []byte {
	buf := make([]byte, 0, 9+len(m.Value)+28)
	buf = append(buf, byte(m.Type))
	buf = binary.BigEndian.AppendUint64(buf, m.ExpireAt)
	switch m.Type {
	case TypeString:
		buf = append(buf, m.Value...)
	case TypeHash, TypeSet, TypeZSet:
		buf = binary.BigEndian.AppendUint64(buf, m.Version)
		buf = binary.BigEndian.AppendUint32(buf, m.Size)
	case TypeList:
		buf = binary.BigEndian.AppendUint64(buf, m.Version)
		buf = binary.BigEndian.AppendUint32(buf, m.Size)
		buf = binary.BigEndian.AppendUint64(buf, m.Head)
		buf = binary.BigEndian.AppendUint64(buf, m.Tail)
	}
	return buf
}

// EncodeListIndex encodes a list element index as a fixed-width subkey so
// elements sort in index order.
func EncodeListIndex(index uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, index)
}

// DecodeListIndex decodes a list element subkey back to its index.
func DecodeListIndex(subkey []byte) (uint64, error) {
	if len(subkey) != 8 {
		return 0, ErrShortKey
	}
	return binary.BigEndian.Uint64(subkey), nil
}

// EncodeScore encodes a sorted-set score as the subkey value.
func EncodeScore(score float64) []byte {
	return binary.BigEndian.AppendUint64(nil, math.Float64bits(score))
}

// DecodeScore decodes a sorted-set subkey value back to its score.
func DecodeScore(val []byte) (float64, error) {
	if len(val) != 8 {
		return 0, ErrShortValue
	}
	return math.Float64frombits(binary.BigEndian.Uint64(val)), nil
}
