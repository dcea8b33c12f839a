package partition

import "github.com/aevon-lab/metricflow/internal/core/metrics"

// For maps a hash onto one of n partitions.
// Stable and deterministic: the same hash always lands on the same partition.
func For(hash uint64, n int) int {
	if n <= 1 {
		return 0
	}
	return int(hash % uint64(n))
}

// ForKey returns the partition owning key. Keys hash with xxhash, which is
// stable across processes, so every node routes a key identically.
func ForKey(key metrics.Key, n int) int {
	return For(key.Hash(), n)
}

// Selector picks the target among n cluster nodes for a key.
type Selector interface {
	Select(key metrics.Key, n int) int
}

// HashSelector routes by key hash modulo cluster size.
type HashSelector struct{}

func (HashSelector) Select(key metrics.Key, n int) int {
	return ForKey(key, n)
}
