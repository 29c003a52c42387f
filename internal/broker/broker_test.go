// =============================================================================
// BROKER TESTS - Topic lifecycle and the produce/fetch paths
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
// 1. Create/list/delete topic lifecycle, duplicate create, double delete
// 2. Fresh topic partitions all report high-water mark 0
// 3. First produce returns offset 0, second returns offset 1
// 4. Keyed produces route deterministically, pinned partition respected
// 5. Fetch out-of-range vs empty-at-end, long-poll cancellation
// 6. acks=all produce survives broker reopen
//
// =============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"takhin/internal/logger"
)

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.MaxSegmentBytes = 1 << 20
	cfg.FetchPollInterval = 5 * time.Millisecond
	return cfg
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(testConfig(t.TempDir()), logger.Nop(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestTopicLifecycle(t *testing.T) {
	b := newTestBroker(t)

	if _, err := b.CreateTopic("events", 3, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}
	if _, err := b.CreateTopic("events", 3, nil); !errors.Is(err, ErrTopicExists) {
		t.Errorf("duplicate CreateTopic() error = %v, want ErrTopicExists", err)
	}

	names := b.ListTopics()
	if len(names) != 1 || names[0] != "events" {
		t.Errorf("ListTopics() = %v, want [events]", names)
	}

	topic, err := b.GetTopic("events")
	if err != nil {
		t.Fatalf("GetTopic() error = %v", err)
	}
	if topic.PartitionCount() != 3 {
		t.Errorf("PartitionCount() = %d, want 3", topic.PartitionCount())
	}
	for _, p := range topic.Partitions() {
		if hwm := p.HighWaterMark(); hwm != 0 {
			t.Errorf("partition %d HighWaterMark() = %d, want 0", p.ID(), hwm)
		}
	}

	if err := b.DeleteTopic("events"); err != nil {
		t.Fatalf("DeleteTopic() error = %v", err)
	}
	if err := b.DeleteTopic("events"); !errors.Is(err, ErrTopicNotFound) {
		t.Errorf("second DeleteTopic() error = %v, want ErrTopicNotFound", err)
	}
	if err := b.DeleteTopic("never-existed"); !errors.Is(err, ErrTopicNotFound) {
		t.Errorf("DeleteTopic(absent) error = %v, want ErrTopicNotFound", err)
	}
}

func TestProduceSequentialOffsets(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.CreateTopic("events", 3, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}

	res, err := b.Produce(ProduceRequest{
		Topic:      "events",
		Partition:  0,
		Key:        []byte("user-1"),
		Value:      []byte(`{"action":"login"}`),
		ProducerID: -1,
	})
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if res.Offset != 0 || res.Partition != 0 {
		t.Errorf("first Produce() = (partition %d, offset %d), want (0, 0)", res.Partition, res.Offset)
	}

	res, err = b.Produce(ProduceRequest{Topic: "events", Partition: 0, Value: []byte("second"), ProducerID: -1})
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if res.Offset != 1 {
		t.Errorf("second Produce() offset = %d, want 1", res.Offset)
	}
}

func TestProduceRouting(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.CreateTopic("events", 4, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}

	// Same key always lands on the same partition.
	first, err := b.Produce(ProduceRequest{Topic: "events", Partition: -1, Key: []byte("user-42"), Value: []byte("a"), ProducerID: -1})
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		res, err := b.Produce(ProduceRequest{Topic: "events", Partition: -1, Key: []byte("user-42"), Value: []byte("b"), ProducerID: -1})
		if err != nil {
			t.Fatalf("Produce() error = %v", err)
		}
		if res.Partition != first.Partition {
			t.Fatalf("keyed produce moved partitions: %d then %d", first.Partition, res.Partition)
		}
	}

	if _, err := b.Produce(ProduceRequest{Topic: "events", Partition: 7, Value: []byte("x"), ProducerID: -1}); !errors.Is(err, ErrPartitionNotFound) {
		t.Errorf("Produce(partition 7) error = %v, want ErrPartitionNotFound", err)
	}
	if _, err := b.Produce(ProduceRequest{Topic: "missing", Partition: 0, Value: []byte("x"), ProducerID: -1}); !errors.Is(err, ErrTopicNotFound) {
		t.Errorf("Produce(missing topic) error = %v, want ErrTopicNotFound", err)
	}
}

func TestFetchBasics(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.CreateTopic("events", 1, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := b.Produce(ProduceRequest{Topic: "events", Partition: 0, Value: []byte(fmt.Sprintf("v-%d", i)), ProducerID: -1}); err != nil {
			t.Fatalf("Produce() error = %v", err)
		}
	}

	records, err := b.Fetch(context.Background(), FetchRequest{Topic: "events", Partition: 0, Offset: 3, MaxMessages: 4})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("Fetch() returned %d records, want 4", len(records))
	}
	for i, r := range records {
		if want := int64(3 + i); r.Offset != want {
			t.Errorf("records[%d].Offset = %d, want %d", i, r.Offset, want)
		}
	}
	if string(records[0].Value) != "v-3" {
		t.Errorf("records[0].Value = %q, want %q", records[0].Value, "v-3")
	}

	// At the high-water mark: empty, not an error.
	records, err = b.Fetch(context.Background(), FetchRequest{Topic: "events", Partition: 0, Offset: 10, MaxMessages: 1})
	if err != nil {
		t.Fatalf("Fetch(at hwm) error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Fetch(at hwm) returned %d records, want 0", len(records))
	}

	// Past the high-water mark: out of range.
	if _, err := b.Fetch(context.Background(), FetchRequest{Topic: "events", Partition: 0, Offset: 11, MaxMessages: 1}); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("Fetch(past hwm) error = %v, want ErrOffsetOutOfRange", err)
	}
}

func TestFetchLongPollCancellation(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.CreateTopic("events", 1, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	records, err := b.Fetch(ctx, FetchRequest{
		Topic:       "events",
		Partition:   0,
		Offset:      0,
		MaxMessages: 1,
		MaxWait:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("cancelled Fetch() error = %v, want empty result", err)
	}
	if len(records) != 0 {
		t.Errorf("cancelled Fetch() returned %d records, want 0", len(records))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled Fetch() took %v, cancellation not honored", elapsed)
	}
}

func TestFetchLongPollSeesNewData(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.CreateTopic("events", 1, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Produce(ProduceRequest{Topic: "events", Partition: 0, Value: []byte("late"), ProducerID: -1})
	}()

	records, err := b.Fetch(context.Background(), FetchRequest{
		Topic:       "events",
		Partition:   0,
		Offset:      0,
		MaxMessages: 1,
		MaxWait:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 1 || string(records[0].Value) != "late" {
		t.Fatalf("long-poll Fetch() = %v, want the late record", records)
	}
}

func TestBrokerReopenRecoversTopics(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	b, err := New(cfg, logger.Nop(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := b.CreateTopic("events", 2, map[string]string{"retention.ms": "60000"}); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}
	if _, err := b.Produce(ProduceRequest{Topic: "events", Partition: 1, Value: []byte("durable"), Acks: AckAll, ProducerID: -1}); err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := New(cfg, logger.Nop(), nil)
	if err != nil {
		t.Fatalf("New() after close error = %v", err)
	}
	defer reopened.Close()

	topic, err := reopened.GetTopic("events")
	if err != nil {
		t.Fatalf("GetTopic() after reopen error = %v", err)
	}
	if topic.PartitionCount() != 2 {
		t.Errorf("PartitionCount() after reopen = %d, want 2", topic.PartitionCount())
	}
	if got := topic.Config()["retention.ms"]; got != "60000" {
		t.Errorf("Config()[retention.ms] = %q, want %q", got, "60000")
	}

	records, err := reopened.Fetch(context.Background(), FetchRequest{Topic: "events", Partition: 1, Offset: 0, MaxMessages: 1})
	if err != nil {
		t.Fatalf("Fetch() after reopen error = %v", err)
	}
	if len(records) != 1 || string(records[0].Value) != "durable" {
		t.Fatalf("Fetch() after reopen = %v, want the durable record", records)
	}
}

func TestOffsetBounds(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.CreateTopic("events", 1, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}

	earliest, latest, err := b.OffsetBounds("events", 0)
	if err != nil {
		t.Fatalf("OffsetBounds() error = %v", err)
	}
	if earliest != 0 || latest != -1 {
		t.Errorf("OffsetBounds(empty) = (%d, %d), want (0, -1)", earliest, latest)
	}

	for i := 0; i < 3; i++ {
		if _, err := b.Produce(ProduceRequest{Topic: "events", Partition: 0, Value: []byte("v"), ProducerID: -1}); err != nil {
			t.Fatalf("Produce() error = %v", err)
		}
	}
	earliest, latest, err = b.OffsetBounds("events", 0)
	if err != nil {
		t.Fatalf("OffsetBounds() error = %v", err)
	}
	if earliest != 0 || latest != 2 {
		t.Errorf("OffsetBounds() = (%d, %d), want (0, 2)", earliest, latest)
	}
}
