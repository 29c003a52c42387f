// =============================================================================
// FETCH - Consumer read path with isolation levels and long polling
// =============================================================================
//
// readUncommitted serves everything below the high-water mark, including
// records of open transactions (flagged transactional) but never control
// markers, which are broker bookkeeping, not data.
//
// readCommitted caps the read at the last stable offset and filters out
// aborted records, so a consumer at this level can never observe a record
// whose transaction is open or rolled back.
//
// Long polling: a fetch at the high-water mark with MaxWait > 0 parks,
// rechecking on a short interval, and returns an empty batch when the wait
// or the caller's context expires. Cancellation is never an error: an empty
// result is the contract.
//
// =============================================================================

package broker

import (
	"context"
	"fmt"
	"time"

	"takhin/internal/storage"
)

// IsolationLevel selects transactional visibility for a fetch.
type IsolationLevel int8

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
)

// ParseIsolation maps query/config strings to a level.
func ParseIsolation(s string) (IsolationLevel, error) {
	switch s {
	case "", "read_uncommitted", "readUncommitted":
		return ReadUncommitted, nil
	case "read_committed", "readCommitted":
		return ReadCommitted, nil
	default:
		return ReadUncommitted, fmt.Errorf("unknown isolation level %q", s)
	}
}

func (l IsolationLevel) String() string {
	if l == ReadCommitted {
		return "read_committed"
	}
	return "read_uncommitted"
}

// FetchRequest asks for records from one partition.
type FetchRequest struct {
	Topic       string
	Partition   int
	Offset      int64
	MaxMessages int
	Isolation   IsolationLevel

	// MaxWait parks the fetch when no data is available yet. Zero returns
	// immediately.
	MaxWait time.Duration
}

// Record is one fetched record with the value decompressed.
type Record struct {
	Topic     string
	Partition int
	Offset    int64
	Timestamp int64
	Key       []byte
	Value     []byte
}

// Fetch reads records according to req. An offset exactly at the visibility
// bound returns an empty batch (after any long-poll wait); an offset beyond
// the high-water mark or below the earliest retained offset fails with
// ErrOffsetOutOfRange.
func (b *Broker) Fetch(ctx context.Context, req FetchRequest) ([]Record, error) {
	p, err := b.partition(req.Topic, req.Partition)
	if err != nil {
		return nil, err
	}
	if req.MaxMessages <= 0 {
		req.MaxMessages = 100
	}
	tp := TopicPartition{Topic: req.Topic, Partition: req.Partition}

	deadline := time.Now().Add(req.MaxWait)
	for {
		records, err := b.fetchOnce(p, tp, req)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 || req.MaxWait <= 0 || time.Now().After(deadline) {
			b.metrics.MessagesFetched(req.Topic, len(records))
			return records, nil
		}
		if !ctxSleep(ctx, b.config.FetchPollInterval) {
			return []Record{}, nil // caller gave up: empty, not an error
		}
	}
}

func (b *Broker) fetchOnce(p *Partition, tp TopicPartition, req FetchRequest) ([]Record, error) {
	// Visibility bound snapshotted before the read.
	limit := p.HighWaterMark()
	if req.Isolation == ReadCommitted {
		limit = b.tracker.LastStableOffset(tp, limit)
	}
	if req.Offset > p.HighWaterMark() || req.Offset < p.EarliestOffset() {
		return nil, fmt.Errorf("%w: offset %d", ErrOffsetOutOfRange, req.Offset)
	}
	if req.Offset >= limit {
		return nil, nil // nothing visible yet
	}

	// Control markers are filtered out, so over-read a little and loop
	// until the budget fills or the bound is hit.
	records := make([]Record, 0, req.MaxMessages)
	next := req.Offset
	for len(records) < req.MaxMessages && next < limit {
		batch, err := p.Read(next, req.MaxMessages)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, msg := range batch {
			if msg.Offset >= limit || len(records) >= req.MaxMessages {
				break
			}
			next = msg.Offset + 1
			if msg.IsControl() {
				continue
			}
			if req.Isolation == ReadCommitted && b.tracker.IsAborted(tp, msg.Offset) {
				continue
			}
			value := msg.Value
			if codec := msg.Codec(); codec != storage.CompressionNone {
				value, err = storage.Decompress(codec, msg.Value)
				if err != nil {
					return nil, fmt.Errorf("decompress record %d: %w", msg.Offset, err)
				}
			}
			records = append(records, Record{
				Topic:     tp.Topic,
				Partition: tp.Partition,
				Offset:    msg.Offset,
				Timestamp: msg.Timestamp,
				Key:       msg.Key,
				Value:     value,
			})
		}
		if batch[len(batch)-1].Offset+1 > next {
			next = batch[len(batch)-1].Offset + 1
		}
	}
	return records, nil
}
