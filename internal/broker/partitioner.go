package broker

import (
	"hash/fnv"
	"sync/atomic"
)

// Partitioner chooses a partition for records produced without an explicit
// partition id. Keyed records hash so the same key always lands on the same
// partition (per-key ordering); unkeyed records round-robin for balance.
type Partitioner struct {
	next atomic.Uint64
}

// Pick returns the partition for the given key across numPartitions.
func (pt *Partitioner) Pick(key []byte, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	if len(key) == 0 {
		return int(pt.next.Add(1) % uint64(numPartitions))
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(numPartitions))
}
