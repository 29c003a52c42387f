// =============================================================================
// TOPIC - A named set of partitions plus its configuration
// =============================================================================
//
// A topic is mostly bookkeeping: the partitions do the real work. The topic
// owns routing (via Partitioner) and the config map, and persists its
// metadata to {dataDir}/{topic}/topic.json so partition count and config
// survive a restart. Partition directories alone are not enough: an empty
// topic with 3 partitions must still describe as 3 partitions after reboot.
//
// =============================================================================

package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"takhin/internal/storage"
)

const topicMetaFile = "topic.json"

// topicMeta is the persisted form of a topic's identity.
type topicMeta struct {
	Name       string            `json:"name"`
	Partitions int               `json:"partitions"`
	Config     map[string]string `json:"config,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Topic groups partitions under one name.
type Topic struct {
	mu sync.RWMutex

	name        string
	dir         string
	partitions  []*Partition
	config      map[string]string
	createdAt   time.Time
	partitioner Partitioner
}

// CreateTopic allocates partitions 0..numPartitions-1 on disk and writes the
// topic metadata. The directory must not already exist as a topic.
func CreateTopic(baseDir, name string, numPartitions int, config map[string]string, logCfg storage.LogConfig) (*Topic, error) {
	if numPartitions < 1 {
		return nil, fmt.Errorf("topic %s: partition count %d must be >= 1", name, numPartitions)
	}
	if config == nil {
		config = map[string]string{}
	}

	t := &Topic{
		name:      name,
		dir:       filepath.Join(baseDir, name),
		config:    config,
		createdAt: time.Now(),
	}
	for id := 0; id < numPartitions; id++ {
		p, err := OpenPartition(baseDir, name, id, logCfg)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.partitions = append(t.partitions, p)
	}
	if err := t.saveMeta(); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// LoadTopic recovers a topic from its metadata file and partition dirs.
func LoadTopic(baseDir, name string, logCfg storage.LogConfig) (*Topic, error) {
	dir := filepath.Join(baseDir, name)
	data, err := os.ReadFile(filepath.Join(dir, topicMetaFile))
	if err != nil {
		return nil, fmt.Errorf("load topic %s: %w", name, err)
	}
	var meta topicMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse topic metadata %s: %w", name, err)
	}

	t := &Topic{
		name:      name,
		dir:       dir,
		config:    meta.Config,
		createdAt: meta.CreatedAt,
	}
	if t.config == nil {
		t.config = map[string]string{}
	}
	for id := 0; id < meta.Partitions; id++ {
		p, err := OpenPartition(baseDir, name, id, logCfg)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.partitions = append(t.partitions, p)
	}
	return t, nil
}

func (t *Topic) saveMeta() error {
	meta := topicMeta{
		Name:       t.name,
		Partitions: len(t.partitions),
		Config:     t.config,
		CreatedAt:  t.createdAt,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(t.dir, topicMetaFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write topic metadata: %w", err)
	}
	return os.Rename(tmp, filepath.Join(t.dir, topicMetaFile))
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// PartitionCount returns the number of partitions.
func (t *Topic) PartitionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.partitions)
}

// Partition returns the partition with the given id.
func (t *Topic) Partition(id int) (*Partition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || id >= len(t.partitions) {
		return nil, fmt.Errorf("%w: %s-%d", ErrPartitionNotFound, t.name, id)
	}
	return t.partitions[id], nil
}

// Partitions returns all partitions in id order.
func (t *Topic) Partitions() []*Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Partition, len(t.partitions))
	copy(out, t.partitions)
	return out
}

// PickPartition routes a key to a partition id.
func (t *Topic) PickPartition(key []byte) int {
	return t.partitioner.Pick(key, t.PartitionCount())
}

// Config returns a copy of the topic's configuration map.
func (t *Topic) Config() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.config))
	for k, v := range t.config {
		out[k] = v
	}
	return out
}

// CreatedAt returns the topic creation time.
func (t *Topic) CreatedAt() time.Time { return t.createdAt }

// Sync flushes every partition.
func (t *Topic) Sync() error {
	for _, p := range t.Partitions() {
		if err := p.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every partition.
func (t *Topic) Close() error {
	var firstErr error
	for _, p := range t.Partitions() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete removes every partition and the topic directory.
func (t *Topic) Delete() error {
	var firstErr error
	for _, p := range t.Partitions() {
		if err := p.Delete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.RemoveAll(t.dir); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
