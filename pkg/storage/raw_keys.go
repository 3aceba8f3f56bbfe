package storage

import "github.com/rocksbridge/rocksbridge/pkg/keyspace"

// Thin wrappers so the grocksdb code reads in terms of the key layout
// without spelling out the codec calls inline.

func metadataKey(namespace string, userKey []byte) []byte {
	return keyspace.EncodeMetadataKey(namespace, userKey)
}

func subkeyPrefix(namespace string, userKey []byte, version uint64) []byte {
	return keyspace.SubkeyPrefix(namespace, userKey, version)
}

func metadataKeyspacePrefix() []byte {
	return keyspace.MetadataKeyspacePrefix()
}

func splitMetadataKey(raw []byte) (namespace string, userKey []byte, ok bool) {
	k, err := keyspace.DecodeKey(raw)
	if err != nil || k.Kind != keyspace.KindMetadata {
		return "", nil, false
	}
	return k.Namespace, k.UserKey, true
}
