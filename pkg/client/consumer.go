// =============================================================================
// TAKHIN HIGH-LEVEL CONSUMER
// =============================================================================
//
// A group consumer built on the low-level client. It manages the full
// membership lifecycle so applications only read a channel:
//   - Join/sync handshake, retried while the group rebalances
//   - Background heartbeats; rejoins when the coordinator signals a rebalance
//   - Resumes each partition from the group's committed offset
//   - Periodic auto-commit, or explicit per-message Ack
//
// CONSUMER GROUP SEMANTICS:
//
//   Members of one group split the subscribed topics' partitions between
//   them; each partition belongs to exactly one member per generation.
//   Members joining or leaving start a rebalance, after which everyone
//   re-syncs and resumes from the last committed offsets.
//
// USAGE:
//
//	c, err := client.NewConsumer(client.DefaultConsumerConfig(
//	    "http://localhost:8080", "order-processors", []string{"orders"}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	for msg := range c.Messages() {
//	    process(msg.Value)
//	    msg.Ack()
//	}
//
// =============================================================================

package client

import (
	"context"
	"sync"
	"time"
)

// ConsumerConfig holds consumer settings on top of the client Config.
type ConsumerConfig struct {
	Config

	// GroupID names the consumer group. Required.
	GroupID string

	// Topics to subscribe to. Required, non-empty.
	Topics []string

	// ClientID labels this member in group descriptions.
	ClientID string

	// Protocol selects the assignor: "range" (default) or "roundrobin".
	Protocol string

	// SessionTimeout is how long the coordinator waits for a heartbeat
	// before evicting this member.
	SessionTimeout time.Duration

	// HeartbeatInterval is the pause between heartbeats. Keep it well under
	// SessionTimeout.
	HeartbeatInterval time.Duration

	// AutoCommit, when true, commits consumed positions every CommitInterval.
	// When false the application calls msg.Ack itself.
	AutoCommit     bool
	CommitInterval time.Duration

	// FetchWait is the long-poll wait per fetch when a partition is caught up.
	FetchWait time.Duration

	// FetchLimit caps records per fetch request.
	FetchLimit int

	// Isolation is the read isolation level; empty means readUncommitted.
	Isolation string
}

// DefaultConsumerConfig returns consumer defaults for the given address,
// group, and subscription.
func DefaultConsumerConfig(baseURL, groupID string, topics []string) ConsumerConfig {
	return ConsumerConfig{
		Config:            DefaultConfig(baseURL),
		GroupID:           groupID,
		Topics:            topics,
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		AutoCommit:        true,
		CommitInterval:    5 * time.Second,
		FetchWait:         2 * time.Second,
		FetchLimit:        500,
	}
}

// topicPartition identifies one partition of one topic.
type topicPartition struct {
	topic     string
	partition int
}

// Consumer reads records for one member of a consumer group.
type Consumer struct {
	client *Client
	cfg    ConsumerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	msgs   chan *ConsumerMessage

	mu         sync.Mutex
	memberID   string
	generation int
	assignment map[string][]int
	positions  map[topicPartition]int64 // next offset to fetch
	dirty      map[topicPartition]int64 // consumed positions awaiting commit
	closed     bool
}

// ConsumerMessage is one record delivered to the application.
type ConsumerMessage struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     string
	Timestamp time.Time

	consumer *Consumer
}

// Ack commits this message's position (offset+1) for the group. With
// AutoCommit enabled Ack is unnecessary but harmless.
func (m *ConsumerMessage) Ack() error {
	return m.consumer.commit(context.Background(), m.Topic, m.Partition, m.Offset+1)
}

// NewConsumer joins the group, completes the first rebalance, and starts the
// heartbeat, fetch, and auto-commit loops.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	cli, err := New(cfg.Config)
	if err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = 5 * time.Second
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 500
	}
	// A zero wait would hot-spin the fetch loop on caught-up partitions.
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{
		client:     cli,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		msgs:       make(chan *ConsumerMessage, 256),
		positions:  make(map[topicPartition]int64),
		dirty:      make(map[topicPartition]int64),
		assignment: make(map[string][]int),
	}

	if err := c.rejoin(ctx); err != nil {
		cancel()
		cli.Close()
		return nil, err
	}

	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.fetchLoop()
	if cfg.AutoCommit {
		c.wg.Add(1)
		go c.autoCommitLoop()
	}
	return c, nil
}

// Messages returns the channel of consumed records. It closes when the
// consumer shuts down.
func (c *Consumer) Messages() <-chan *ConsumerMessage {
	return c.msgs
}

// Assignment returns this member's current partitions by topic.
func (c *Consumer) Assignment() map[string][]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]int, len(c.assignment))
	for topic, parts := range c.assignment {
		out[topic] = append([]int(nil), parts...)
	}
	return out
}

// MemberID returns the coordinator-assigned member identifier.
func (c *Consumer) MemberID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memberID
}

// Close commits outstanding positions, leaves the group, and stops all loops.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	memberID := c.memberID
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	close(c.msgs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.cfg.AutoCommit {
		c.commitDirty(ctx)
	}
	if memberID != "" {
		// Leaving promptly hands our partitions to the survivors instead of
		// waiting out the session timeout.
		c.client.LeaveGroup(ctx, c.cfg.GroupID, memberID)
	}
	return c.client.Close()
}

// =============================================================================
// MEMBERSHIP
// =============================================================================

// rejoin runs the join/sync handshake until the group stabilizes or the
// context expires, then reloads committed positions for the new assignment.
func (c *Consumer) rejoin(ctx context.Context) error {
	backoff := 100 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.mu.Lock()
		memberID := c.memberID
		c.mu.Unlock()

		join, err := c.client.JoinGroup(ctx, c.cfg.GroupID, JoinGroupRequest{
			MemberID:       memberID,
			ClientID:       c.cfg.ClientID,
			Topics:         c.cfg.Topics,
			Protocol:       c.cfg.Protocol,
			SessionTimeout: c.cfg.SessionTimeout,
		})
		if err != nil {
			if IsNotFound(err) {
				// The coordinator forgot us (eviction or group retirement);
				// start over as a brand-new member.
				c.mu.Lock()
				c.memberID = ""
				c.mu.Unlock()
				continue
			}
			return err
		}

		c.mu.Lock()
		c.memberID = join.MemberID
		c.generation = join.Generation
		c.mu.Unlock()

		// The leader asks the coordinator to run the assignor; followers
		// retry until the leader has synced.
		var explicit map[string]map[string][]int
		assignment, err := c.client.SyncGroup(ctx, c.cfg.GroupID, join.MemberID, join.Generation, explicit)
		if err != nil {
			if IsConflict(err) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
				if backoff < time.Second {
					backoff *= 2
				}
				continue
			}
			if IsNotFound(err) {
				c.mu.Lock()
				c.memberID = ""
				c.mu.Unlock()
				continue
			}
			return err
		}

		return c.applyAssignment(ctx, assignment)
	}
}

// applyAssignment swaps in a new partition set and seeds fetch positions
// from the group's committed offsets.
func (c *Consumer) applyAssignment(ctx context.Context, assignment map[string][]int) error {
	positions := make(map[topicPartition]int64)
	for topic, parts := range assignment {
		for _, p := range parts {
			tp := topicPartition{topic, p}
			co, err := c.client.FetchOffset(ctx, c.cfg.GroupID, topic, p)
			if err != nil {
				return err
			}
			if co.Offset >= 0 {
				positions[tp] = co.Offset
			} else {
				positions[tp] = 0
			}
		}
	}

	c.mu.Lock()
	c.assignment = assignment
	c.positions = positions
	c.dirty = make(map[topicPartition]int64)
	c.mu.Unlock()
	return nil
}

func (c *Consumer) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		memberID, generation := c.memberID, c.generation
		c.mu.Unlock()

		err := c.client.Heartbeat(c.ctx, c.cfg.GroupID, memberID, generation)
		switch {
		case err == nil:
		case IsConflict(err):
			// Rebalance in progress or our generation is stale.
			c.rejoin(c.ctx)
		case IsNotFound(err):
			c.mu.Lock()
			c.memberID = ""
			c.mu.Unlock()
			c.rejoin(c.ctx)
		}
	}
}

// =============================================================================
// FETCHING
// =============================================================================

// fetchLoop polls every assigned partition in turn. The long-poll wait is
// applied per request, so a caught-up single-partition assignment blocks on
// the broker rather than spinning.
func (c *Consumer) fetchLoop() {
	defer c.wg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}

		tps := c.assignedPartitions()
		if len(tps) == 0 {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		for _, tp := range tps {
			if c.ctx.Err() != nil {
				return
			}
			c.fetchOne(tp)
		}
	}
}

func (c *Consumer) fetchOne(tp topicPartition) {
	c.mu.Lock()
	pos, ok := c.positions[tp]
	c.mu.Unlock()
	if !ok {
		return // partition moved away in a rebalance
	}

	opts := []FetchOption{WithLimit(c.cfg.FetchLimit), WithWait(c.cfg.FetchWait)}
	if c.cfg.Isolation != "" {
		opts = append(opts, WithIsolation(c.cfg.Isolation))
	}
	msgs, err := c.client.Fetch(c.ctx, tp.topic, tp.partition, pos, opts...)
	if err != nil {
		// Out-of-range, topic churn, or transport trouble; the next pass
		// retries with fresh state.
		return
	}

	for _, m := range msgs {
		cm := &ConsumerMessage{
			Topic:     tp.topic,
			Partition: m.Partition,
			Offset:    m.Offset,
			Key:       m.Key,
			Value:     m.Value,
			Timestamp: time.UnixMilli(m.Timestamp),
			consumer:  c,
		}
		select {
		case <-c.ctx.Done():
			return
		case c.msgs <- cm:
		}
		c.mu.Lock()
		c.positions[tp] = m.Offset + 1
		c.dirty[tp] = m.Offset + 1
		c.mu.Unlock()
	}
}

func (c *Consumer) assignedPartitions() []topicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	var tps []topicPartition
	for topic, parts := range c.assignment {
		for _, p := range parts {
			tps = append(tps, topicPartition{topic, p})
		}
	}
	return tps
}

// =============================================================================
// OFFSET COMMITS
// =============================================================================

func (c *Consumer) autoCommitLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.commitDirty(c.ctx)
		}
	}
}

// commitDirty flushes consumed positions to the coordinator. Positions that
// fail to commit stay dirty for the next pass.
func (c *Consumer) commitDirty(ctx context.Context) {
	c.mu.Lock()
	pending := make(map[topicPartition]int64, len(c.dirty))
	for tp, off := range c.dirty {
		pending[tp] = off
	}
	c.mu.Unlock()

	for tp, off := range pending {
		if err := c.commit(ctx, tp.topic, tp.partition, off); err != nil {
			continue
		}
		c.mu.Lock()
		if c.dirty[tp] == off {
			delete(c.dirty, tp)
		}
		c.mu.Unlock()
	}
}

func (c *Consumer) commit(ctx context.Context, topic string, partition int, offset int64) error {
	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()
	return c.client.CommitOffset(ctx, c.cfg.GroupID, topic, partition, offset, &generation, "")
}
