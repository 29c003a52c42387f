// =============================================================================
// BROKER - The single-node engine tying everything together
// =============================================================================
//
// Ownership graph:
//
//   Broker
//    |-- Topic registry (topics map, created/loaded from the data dir)
//    |     `-- Partition -> storage.Log
//    |-- ProducerRegistry      (pids, epochs, sequence dedup)
//    |-- UncommittedTracker    (LSO + aborted ranges)
//    |-- TransactionCoordinator
//    `-- GroupCoordinator -> OffsetManager
//
// The broker is the only component that touches more than one subsystem;
// everything below it has a single concern. REST and protocol layers call
// broker methods and classify the sentinel errors that come back.
//
// =============================================================================

package broker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"takhin/internal/metrics"
	"takhin/internal/storage"
)

// Config is the broker section of the server configuration.
type Config struct {
	DataDir         string      `yaml:"data_dir"`
	MaxSegmentBytes int64       `yaml:"max_segment_bytes"`
	Group           GroupConfig `yaml:"group"`
	Txn             TxnConfig   `yaml:"transactions"`

	// FetchPollInterval is how often a long-poll fetch rechecks the log.
	FetchPollInterval time.Duration `yaml:"fetch_poll_interval"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:           "data",
		MaxSegmentBytes:   storage.DefaultMaxSegmentBytes,
		Group:             DefaultGroupConfig(),
		Txn:               DefaultTxnConfig(),
		FetchPollInterval: 50 * time.Millisecond,
	}
}

// Broker is the top-level engine.
type Broker struct {
	mu sync.RWMutex

	config  Config
	logger  *zap.Logger
	metrics *metrics.BrokerMetrics

	topics      map[string]*Topic
	producers   *ProducerRegistry
	tracker     *UncommittedTracker
	txn         *TransactionCoordinator
	coordinator *GroupCoordinator

	closed bool
}

// New creates the broker, loading any topics and state found in the data
// dir. Call Start to run background loops and Close on shutdown.
func New(config Config, logger *zap.Logger, m *metrics.BrokerMetrics) (*Broker, error) {
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if config.FetchPollInterval <= 0 {
		config.FetchPollInterval = 50 * time.Millisecond
	}
	if m == nil {
		m = metrics.NewBrokerMetrics(nil)
	}

	b := &Broker{
		config:  config,
		logger:  logger.Named("broker"),
		metrics: m,
		topics:  make(map[string]*Topic),
		tracker: NewUncommittedTracker(),
	}

	producers, err := NewProducerRegistry(config.DataDir)
	if err != nil {
		return nil, err
	}
	b.producers = producers

	offsets, err := NewOffsetManager(config.DataDir)
	if err != nil {
		return nil, err
	}
	b.coordinator = NewGroupCoordinator(config.Group, offsets, b, logger)
	b.txn = NewTransactionCoordinator(config.Txn, producers, b.tracker, b, logger)

	if err := b.loadTopics(); err != nil {
		return nil, err
	}
	if err := b.recoverTransactionState(); err != nil {
		return nil, err
	}
	return b, nil
}

// Start launches background loops (group session sweep, txn timeout sweep).
func (b *Broker) Start() {
	b.coordinator.Start()
	b.txn.Start()
	b.logger.Info("broker started",
		zap.String("data_dir", b.config.DataDir),
		zap.Int("topics", len(b.ListTopics())))
}

// Close stops background loops and closes every topic. Idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	b.txn.Stop()
	b.coordinator.Stop()

	var firstErr error
	for _, t := range topics {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.logger.Info("broker closed")
	return firstErr
}

func (b *Broker) logConfig() storage.LogConfig {
	cfg := storage.DefaultLogConfig()
	if b.config.MaxSegmentBytes > 0 {
		cfg.MaxSegmentBytes = b.config.MaxSegmentBytes
	}
	return cfg
}

// loadTopics recovers every topic directory that carries metadata.
func (b *Broker) loadTopics() error {
	entries, err := os.ReadDir(b.config.DataDir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == offsetsDirName {
			continue
		}
		t, err := LoadTopic(b.config.DataDir, e.Name(), b.logConfig())
		if err != nil {
			b.logger.Warn("skipping unrecoverable topic dir",
				zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		b.topics[t.Name()] = t
		b.metrics.TopicLoaded(t.Name(), t.PartitionCount())
		b.logger.Info("topic recovered",
			zap.String("topic", t.Name()),
			zap.Int("partitions", t.PartitionCount()))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Topic registry
// -----------------------------------------------------------------------------

// CreateTopic allocates a new topic. ErrTopicExists on duplicates.
func (b *Broker) CreateTopic(name string, partitions int, config map[string]string) (*Topic, error) {
	if name == "" {
		return nil, fmt.Errorf("topic name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if _, ok := b.topics[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicExists, name)
	}

	t, err := CreateTopic(b.config.DataDir, name, partitions, config, b.logConfig())
	if err != nil {
		return nil, err
	}
	b.topics[name] = t
	b.metrics.TopicCreated(name, partitions)
	b.logger.Info("topic created",
		zap.String("topic", name),
		zap.Int("partitions", partitions))
	return t, nil
}

// DeleteTopic tears down a topic and every offset committed against it.
// ErrTopicNotFound when absent, including on repeat deletes.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	t, ok := b.topics[name]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	delete(b.topics, name)
	b.mu.Unlock()

	partitions := t.PartitionCount()
	if err := t.Delete(); err != nil {
		return err
	}
	if err := b.coordinator.offsets.DeleteTopic(name); err != nil {
		return err
	}
	b.metrics.TopicDeleted(name, partitions)
	b.logger.Info("topic deleted", zap.String("topic", name))
	return nil
}

// GetTopic returns a topic by name.
func (b *Broker) GetTopic(name string) (*Topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	t, ok := b.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	return t, nil
}

// ListTopics returns all topic names, sorted.
func (b *Broker) ListTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for name := range b.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// partition resolves (topic, partition) in one step.
func (b *Broker) partition(topic string, partition int) (*Partition, error) {
	t, err := b.GetTopic(topic)
	if err != nil {
		return nil, err
	}
	return t.Partition(partition)
}

// -----------------------------------------------------------------------------
// MetadataProvider (used by the group coordinator)
// -----------------------------------------------------------------------------

// PartitionCount reports a topic's partition count.
func (b *Broker) PartitionCount(topic string) (int, bool) {
	t, err := b.GetTopic(topic)
	if err != nil {
		return 0, false
	}
	return t.PartitionCount(), true
}

// PartitionHighWaterMark reports a partition's high-water mark.
func (b *Broker) PartitionHighWaterMark(topic string, partition int) (int64, error) {
	p, err := b.partition(topic, partition)
	if err != nil {
		return 0, err
	}
	return p.HighWaterMark(), nil
}

// OffsetBounds returns (earliest, latest) retained offsets for a partition.
// latest is -1 when the partition is empty.
func (b *Broker) OffsetBounds(topic string, partition int) (int64, int64, error) {
	p, err := b.partition(topic, partition)
	if err != nil {
		return 0, 0, err
	}
	return p.EarliestOffset(), p.LatestOffset(), nil
}

// -----------------------------------------------------------------------------
// Producer sessions and transactions
// -----------------------------------------------------------------------------

// InitProducer allocates a producer session. For a transactional id this
// bumps the epoch, fencing the previous incarnation and aborting any
// transaction it left open.
func (b *Broker) InitProducer(transactionalID string) (ProducerSession, error) {
	session, err := b.producers.InitProducerID(transactionalID)
	if err != nil {
		return ProducerSession{}, err
	}
	if transactionalID != "" && session.Epoch > 0 {
		if err := b.txn.OnProducerFenced(transactionalID); err != nil {
			return ProducerSession{}, err
		}
	}
	return session, nil
}

// BeginTransaction opens a transaction for the session.
func (b *Broker) BeginTransaction(transactionalID string, session ProducerSession) error {
	return b.txn.Begin(transactionalID, session)
}

// CommitTransaction commits; records become visible to readCommitted.
func (b *Broker) CommitTransaction(transactionalID string, session ProducerSession) error {
	return b.txn.Commit(transactionalID, session)
}

// AbortTransaction aborts; records become permanently invisible to
// readCommitted.
func (b *Broker) AbortTransaction(transactionalID string, session ProducerSession) error {
	return b.txn.Abort(transactionalID, session)
}

// AddTransactionPartition registers a partition with an open transaction
// before any record is produced to it. Produce does this implicitly; the
// protocol surface exposes it for clients that declare partitions up front.
func (b *Broker) AddTransactionPartition(transactionalID string, session ProducerSession, tp TopicPartition) error {
	if _, err := b.partition(tp.Topic, tp.Partition); err != nil {
		return err
	}
	return b.txn.AddPartition(transactionalID, session, tp)
}

// TransactionState exposes coordinator state for admin surfaces.
func (b *Broker) TransactionState(transactionalID string) (TxnState, bool) {
	return b.txn.State(transactionalID)
}

// WriteControlRecord appends a commit/abort marker. Implements
// ControlWriter for the transaction coordinator.
func (b *Broker) WriteControlRecord(tp TopicPartition, session ProducerSession, commit bool) (int64, error) {
	p, err := b.partition(tp.Topic, tp.Partition)
	if err != nil {
		return 0, err
	}
	msg := &storage.Message{
		Timestamp:     time.Now().UnixMilli(),
		Value:         []byte(markerKind(commit)),
		ProducerID:    session.ID,
		ProducerEpoch: session.Epoch,
		Flags:         storage.FlagControl,
	}
	offset, err := p.Append(msg)
	if err != nil {
		return 0, err
	}
	// Markers decide transaction durability; always flush them.
	if err := p.Sync(); err != nil {
		return 0, err
	}
	return offset, nil
}

// Coordinator exposes the group coordinator to the API layers.
func (b *Broker) Coordinator() *GroupCoordinator {
	return b.coordinator
}

// Stats is a point-in-time snapshot for health/admin output.
type Stats struct {
	Topics     int   `json:"topics"`
	Partitions int   `json:"partitions"`
	Groups     int   `json:"groups"`
	TotalBytes int64 `json:"total_bytes"`
}

// Stats gathers broker-wide counters.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{Topics: len(b.topics), Groups: len(b.coordinator.ListGroups())}
	for _, t := range b.topics {
		s.Partitions += t.PartitionCount()
		for _, p := range t.Partitions() {
			s.TotalBytes += p.Size()
		}
	}
	return s
}

// ctxSleep sleeps for d or until ctx is done. Reports false on cancel.
func ctxSleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
