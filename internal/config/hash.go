package config

import "hash/fnv"

// hashBytes returns a fast non-cryptographic hash of b.
// Used only to deduplicate config publishes.
func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
