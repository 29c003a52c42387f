// =============================================================================
// PARTITION - One ordered shard of a topic
// =============================================================================
//
// A partition owns exactly one storage log and nothing else. All ordering
// guarantees live here: the log's append lock is the single serialization
// point, so two producers can never receive the same offset. Topic-level
// concerns (routing, config) stay in topic.go; group/offset bookkeeping
// stays with the coordinator.
//
// Directory layout: {dataDir}/{topic}/{partitionID}/
//
// =============================================================================

package broker

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"takhin/internal/storage"
)

// TopicPartition identifies one partition across the broker.
type TopicPartition struct {
	Topic     string
	Partition int
}

func (tp TopicPartition) String() string {
	return tp.Topic + "-" + strconv.Itoa(tp.Partition)
}

// Partition binds a (topic, id) pair to its on-disk log.
type Partition struct {
	mu sync.RWMutex

	topic     string
	id        int
	dir       string
	log       *storage.Log
	createdAt time.Time
	closed    bool
}

// partitionDir builds the canonical directory for a partition.
func partitionDir(baseDir, topic string, id int) string {
	return filepath.Join(baseDir, topic, strconv.Itoa(id))
}

// OpenPartition creates or recovers a partition under baseDir.
func OpenPartition(baseDir, topic string, id int, logCfg storage.LogConfig) (*Partition, error) {
	dir := partitionDir(baseDir, topic, id)
	log, err := storage.Open(dir, logCfg)
	if err != nil {
		return nil, fmt.Errorf("open partition %s-%d: %w", topic, id, err)
	}
	return &Partition{
		topic:     topic,
		id:        id,
		dir:       dir,
		log:       log,
		createdAt: time.Now(),
	}, nil
}

// Append writes msg to the log and returns its assigned offset.
func (p *Partition) Append(msg *storage.Message) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0, ErrBrokerClosed
	}
	return p.log.Append(msg)
}

// Read returns up to maxMessages records starting at offset. Reading at the
// high-water mark yields an empty slice; beyond it, ErrOffsetOutOfRange.
func (p *Partition) Read(offset int64, maxMessages int) ([]*storage.Message, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrBrokerClosed
	}
	return p.log.ReadFrom(offset, maxMessages)
}

// HighWaterMark is the offset the next append will receive.
func (p *Partition) HighWaterMark() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0
	}
	return p.log.NextOffset()
}

// EarliestOffset is the lowest retained offset.
func (p *Partition) EarliestOffset() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0
	}
	return p.log.EarliestOffset()
}

// LatestOffset is the offset of the newest record, -1 when empty.
func (p *Partition) LatestOffset() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return -1
	}
	return p.log.LatestOffset()
}

// Topic returns the owning topic name.
func (p *Partition) Topic() string { return p.topic }

// ID returns the partition id within the topic.
func (p *Partition) ID() int { return p.id }

// Size returns the partition's on-disk byte size.
func (p *Partition) Size() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0
	}
	return p.log.Size()
}

// Sync flushes the log to disk. Used by acks=all produces.
func (p *Partition) Sync() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrBrokerClosed
	}
	return p.log.Sync()
}

// Close flushes and closes the log. Idempotent.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.log.Close()
}

// Delete closes the partition and removes its directory.
func (p *Partition) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.log.Delete()
	}
	p.closed = true
	return p.log.Delete()
}
