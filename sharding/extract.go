package sharding

import (
	"hash/fnv"
	"strconv"
)

// DefaultShards is the shard count used when none is configured.
const DefaultShards = 15

// Extractor derives the shard and entity a message is addressed to. Every member
// must use the same shard count or they will disagree on placement.
type Extractor struct {
	Shards int
}

// EntityID returns the id of the entity a message is addressed to.
func (x Extractor) EntityID(msg interface{}) (string, bool) {
	switch m := msg.(type) {
	case Command:
		return m.Entity.ID, true
	case *Command:
		return m.Entity.ID, true
	case Query:
		return m.ID, true
	case *Query:
		return m.ID, true
	default:
		return "", false
	}
}

// ShardID returns the shard a message is addressed to, as a decimal string.
func (x Extractor) ShardID(msg interface{}) (string, bool) {
	id, ok := x.EntityID(msg)
	if !ok {
		return "", false
	}
	return strconv.Itoa(ShardOf(id, x.Shards)), true
}

// Extract returns both the shard and the entity of a message. Unrecognized
// messages yield ok == false and cannot be routed.
func (x Extractor) Extract(msg interface{}) (shard string, entity string, ok bool) {
	if entity, ok = x.EntityID(msg); !ok {
		return "", "", false
	}
	return strconv.Itoa(ShardOf(entity, x.Shards)), entity, true
}

// ShardOf maps an entity id into [0, n) using the 32 bit FNV-1a hash of its UTF-8
// bytes. The result is a floor modulo, so it stays in range whatever the hash.
// A non-positive n falls back to DefaultShards.
func ShardOf(id string, n int) int {
	if n <= 0 {
		n = DefaultShards
	}
	h := fnv.New32a()
	h.Write([]byte(id))

	sum, mod := int64(h.Sum32()), int64(n)
	return int(((sum % mod) + mod) % mod)
}
