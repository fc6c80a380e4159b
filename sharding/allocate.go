package sharding

import "hash/fnv"

// Owner picks the member hosting a shard with rendezvous hashing: every member
// gets a pseudo random weight for the shard and the heaviest wins. When a member
// leaves only its own shards move. Returns "" if there are no members.
func Owner(shard string, members []string) string {
	var (
		owner string
		best  uint64
	)
	for _, member := range members {
		h := fnv.New64a()
		h.Write([]byte(member))
		h.Write([]byte{'/'})
		h.Write([]byte(shard))

		if weight := h.Sum64(); owner == "" || weight > best || (weight == best && member < owner) {
			owner, best = member, weight
		}
	}
	return owner
}
