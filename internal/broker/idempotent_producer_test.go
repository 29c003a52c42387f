// =============================================================================
// IDEMPOTENT PRODUCER TESTS
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
// 1. Retrying the same (pid, sequence) returns the original offset and
//    appends nothing
// 2. A sequence gap is rejected with ErrOutOfOrderSequence
// 3. First sequence for a fresh (pid, partition) must be 0
// 4. Epoch bumps fence the previous incarnation
// 5. Dedup state survives a broker reopen
// 6. Concurrent retries of one sequence yield exactly one record
//
// =============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"takhin/internal/logger"
)

func TestIdempotentProduceDeduplicates(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.CreateTopic("orders", 1, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}
	session, err := b.InitProducer("")
	if err != nil {
		t.Fatalf("InitProducer() error = %v", err)
	}

	req := ProduceRequest{
		Topic:         "orders",
		Partition:     0,
		Value:         []byte("order-1"),
		ProducerID:    session.ID,
		ProducerEpoch: session.Epoch,
		Sequence:      0,
	}
	first, err := b.Produce(req)
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}

	// The retry: identical sequence, same offset back, no new record.
	retry, err := b.Produce(req)
	if err != nil {
		t.Fatalf("retried Produce() error = %v", err)
	}
	if retry.Offset != first.Offset {
		t.Errorf("retry offset = %d, want %d", retry.Offset, first.Offset)
	}

	hwm, err := b.PartitionHighWaterMark("orders", 0)
	if err != nil {
		t.Fatalf("PartitionHighWaterMark() error = %v", err)
	}
	if hwm != 1 {
		t.Errorf("high-water mark = %d after dedup, want 1 (retry appended a duplicate)", hwm)
	}

	// Next sequence proceeds normally.
	req.Sequence = 1
	req.Value = []byte("order-2")
	next, err := b.Produce(req)
	if err != nil {
		t.Fatalf("Produce(seq 1) error = %v", err)
	}
	if next.Offset != 1 {
		t.Errorf("Produce(seq 1) offset = %d, want 1", next.Offset)
	}
}

func TestConcurrentRetriesDeduplicate(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.CreateTopic("orders", 1, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}
	session, err := b.InitProducer("")
	if err != nil {
		t.Fatalf("InitProducer() error = %v", err)
	}

	// Fire each sequence from several goroutines at once, the way a client
	// retries a send it believes timed out. Exactly one append per sequence
	// may land; the rest must come back with the same offset.
	const sequences = 50
	const retries = 3
	for seq := int32(0); seq < sequences; seq++ {
		req := ProduceRequest{
			Topic: "orders", Partition: 0,
			Value:      []byte(fmt.Sprintf("order-%d", seq)),
			ProducerID: session.ID, ProducerEpoch: session.Epoch, Sequence: seq,
		}
		var (
			wg      sync.WaitGroup
			offsets [retries]int64
			errs    [retries]error
		)
		for i := 0; i < retries; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := b.Produce(req)
				offsets[i], errs[i] = res.Offset, err
			}(i)
		}
		wg.Wait()
		for i := 0; i < retries; i++ {
			if errs[i] != nil {
				t.Fatalf("concurrent Produce(seq %d) error = %v", seq, errs[i])
			}
			if offsets[i] != int64(seq) {
				t.Fatalf("concurrent Produce(seq %d) offset = %d, want %d", seq, offsets[i], seq)
			}
		}
	}

	hwm, err := b.PartitionHighWaterMark("orders", 0)
	if err != nil {
		t.Fatalf("PartitionHighWaterMark() error = %v", err)
	}
	if hwm != sequences {
		t.Errorf("high-water mark = %d, want %d (a concurrent retry appended a duplicate)", hwm, sequences)
	}
}

func TestIdempotentProduceRejectsGaps(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.CreateTopic("orders", 1, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}
	session, err := b.InitProducer("")
	if err != nil {
		t.Fatalf("InitProducer() error = %v", err)
	}

	// First sequence must be 0.
	if _, err := b.Produce(ProduceRequest{
		Topic: "orders", Partition: 0, Value: []byte("x"),
		ProducerID: session.ID, ProducerEpoch: session.Epoch, Sequence: 5,
	}); !errors.Is(err, ErrOutOfOrderSequence) {
		t.Errorf("Produce(first seq 5) error = %v, want ErrOutOfOrderSequence", err)
	}

	if _, err := b.Produce(ProduceRequest{
		Topic: "orders", Partition: 0, Value: []byte("x"),
		ProducerID: session.ID, ProducerEpoch: session.Epoch, Sequence: 0,
	}); err != nil {
		t.Fatalf("Produce(seq 0) error = %v", err)
	}

	// Skipping seq 1 is a gap.
	if _, err := b.Produce(ProduceRequest{
		Topic: "orders", Partition: 0, Value: []byte("x"),
		ProducerID: session.ID, ProducerEpoch: session.Epoch, Sequence: 2,
	}); !errors.Is(err, ErrOutOfOrderSequence) {
		t.Errorf("Produce(seq 2 after 0) error = %v, want ErrOutOfOrderSequence", err)
	}
}

func TestProducerEpochFencing(t *testing.T) {
	b := newTestBroker(t)
	if _, err := b.CreateTopic("orders", 1, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}

	old, err := b.InitProducer("txn-app")
	if err != nil {
		t.Fatalf("InitProducer() error = %v", err)
	}
	if old.Epoch != 0 {
		t.Fatalf("first epoch = %d, want 0", old.Epoch)
	}

	// Same transactional id re-initializes: same pid, bumped epoch.
	fresh, err := b.InitProducer("txn-app")
	if err != nil {
		t.Fatalf("second InitProducer() error = %v", err)
	}
	if fresh.ID != old.ID {
		t.Errorf("re-init pid = %d, want stable %d", fresh.ID, old.ID)
	}
	if fresh.Epoch != old.Epoch+1 {
		t.Errorf("re-init epoch = %d, want %d", fresh.Epoch, old.Epoch+1)
	}

	// The zombie is fenced.
	if _, err := b.Produce(ProduceRequest{
		Topic: "orders", Partition: 0, Value: []byte("stale"),
		ProducerID: old.ID, ProducerEpoch: old.Epoch, Sequence: 0,
	}); !errors.Is(err, ErrInvalidProducerEpoch) {
		t.Errorf("zombie Produce() error = %v, want ErrInvalidProducerEpoch", err)
	}

	// The new incarnation proceeds.
	if _, err := b.Produce(ProduceRequest{
		Topic: "orders", Partition: 0, Value: []byte("fresh"),
		ProducerID: fresh.ID, ProducerEpoch: fresh.Epoch, Sequence: 0,
	}); err != nil {
		t.Errorf("fenced-in Produce() error = %v", err)
	}
}

func TestDedupSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	b, err := New(cfg, logger.Nop(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := b.CreateTopic("orders", 1, nil); err != nil {
		t.Fatalf("CreateTopic() error = %v", err)
	}
	session, err := b.InitProducer("")
	if err != nil {
		t.Fatalf("InitProducer() error = %v", err)
	}
	first, err := b.Produce(ProduceRequest{
		Topic: "orders", Partition: 0, Value: []byte("once"), Acks: AckAll,
		ProducerID: session.ID, ProducerEpoch: session.Epoch, Sequence: 0,
	})
	if err != nil {
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

	retry, err := reopened.Produce(ProduceRequest{
		Topic: "orders", Partition: 0, Value: []byte("once"),
		ProducerID: session.ID, ProducerEpoch: session.Epoch, Sequence: 0,
	})
	if err != nil {
		t.Fatalf("retried Produce() after reopen error = %v", err)
	}
	if retry.Offset != first.Offset {
		t.Errorf("retry offset after reopen = %d, want %d", retry.Offset, first.Offset)
	}
	hwm, err := reopened.PartitionHighWaterMark("orders", 0)
	if err != nil {
		t.Fatalf("PartitionHighWaterMark() error = %v", err)
	}
	if hwm != 1 {
		t.Errorf("high-water mark after reopen dedup = %d, want 1", hwm)
	}

	// Fetch confirms the single record.
	records, err := reopened.Fetch(context.Background(), FetchRequest{Topic: "orders", Partition: 0, Offset: 0, MaxMessages: 10})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("Fetch() returned %d records, want 1", len(records))
	}
}
