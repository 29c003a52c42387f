// =============================================================================
// PRODUCER FRONT-END - Acks, idempotence, transactions
// =============================================================================
//
// Every produce funnels through here before touching a partition:
//
//   1. Resolve topic and partition (keyed hash / round-robin when the
//      caller does not pin one).
//   2. Idempotent path: validate the epoch, check the sequence. A duplicate
//      retry short-circuits with the offset assigned the first time.
//   3. Transactional path: verify the transaction is Ongoing, register the
//      partition, flag the record so fetch-side filtering can see it.
//   4. Compress the value if the caller asked for a codec.
//   5. Append. The partition's log is the serialization point.
//   6. Ack policy decides what the caller waits for:
//        acks=none    fire and forget, offset not reported
//        acks=leader  wait for the local append
//        acks=all     wait for the append plus an fsync (single-broker
//                     durability; replication is accepted as config only)
//
// =============================================================================

package broker

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"takhin/internal/storage"
)

// AckMode selects the durability the producer waits for.
type AckMode int8

const (
	AckLeader AckMode = iota // default
	AckNone
	AckAll
)

// ParseAcks accepts Kafka-style spellings: 0/none, 1/leader, -1/all.
func ParseAcks(s string) (AckMode, error) {
	switch s {
	case "", "1", "leader":
		return AckLeader, nil
	case "0", "none":
		return AckNone, nil
	case "-1", "all":
		return AckAll, nil
	default:
		return AckLeader, fmt.Errorf("unknown acks value %q", s)
	}
}

func (a AckMode) String() string {
	switch a {
	case AckNone:
		return "none"
	case AckAll:
		return "all"
	default:
		return "leader"
	}
}

// ProduceRequest is one record to append.
type ProduceRequest struct {
	Topic     string
	Partition int // -1 lets the broker pick
	Key       []byte
	Value     []byte
	Timestamp int64 // zero means now, unix millis
	Acks      AckMode

	Compression storage.CompressionType

	// Idempotent producer fields. ProducerID < 0 disables idempotence.
	ProducerID    int64
	ProducerEpoch int16
	Sequence      int32

	// TransactionalID ties the record to an open transaction.
	TransactionalID string
}

// ProduceResult reports the append. Offset is -1 under acks=none.
type ProduceResult struct {
	Topic     string
	Partition int
	Offset    int64
}

// Produce appends one record according to the request's semantics.
func (b *Broker) Produce(req ProduceRequest) (ProduceResult, error) {
	t, err := b.GetTopic(req.Topic)
	if err != nil {
		return ProduceResult{}, err
	}

	partitionID := req.Partition
	if partitionID < 0 {
		partitionID = t.PickPartition(req.Key)
	}
	p, err := t.Partition(partitionID)
	if err != nil {
		return ProduceResult{}, err
	}
	tp := TopicPartition{Topic: req.Topic, Partition: partitionID}

	idempotent := req.ProducerID >= 0

	// Dedup check before anything is written. The sequence lock stays held
	// until the assigned offset is recorded, so a concurrent retry of the
	// same sequence waits here and then sees the duplicate.
	var unlockSeq func()
	if idempotent {
		unlockSeq = b.producers.AcquireSequence(req.ProducerID, req.Topic, partitionID)
		prior, dup, err := b.producers.CheckSequence(req.ProducerID, req.ProducerEpoch, req.Topic, partitionID, req.Sequence)
		if err != nil {
			unlockSeq()
			return ProduceResult{}, err
		}
		if dup {
			unlockSeq()
			b.metrics.ProduceDeduplicated(req.Topic)
			b.logger.Debug("duplicate sequence deduplicated",
				zap.Int64("producer_id", req.ProducerID),
				zap.String("partition", tp.String()),
				zap.Int32("sequence", req.Sequence))
			return ProduceResult{Topic: req.Topic, Partition: partitionID, Offset: prior}, nil
		}
	}

	transactional := req.TransactionalID != ""
	if transactional {
		if !idempotent {
			return ProduceResult{}, fmt.Errorf("%w: transactional produce requires a producer session", ErrTransactionConflict)
		}
		session := ProducerSession{ID: req.ProducerID, Epoch: req.ProducerEpoch}
		if err := b.txn.AddPartition(req.TransactionalID, session, tp); err != nil {
			unlockSeq()
			return ProduceResult{}, err
		}
	}

	value := req.Value
	if req.Compression != storage.CompressionNone {
		value, err = storage.Compress(req.Compression, req.Value)
		if err != nil {
			if unlockSeq != nil {
				unlockSeq()
			}
			return ProduceResult{}, err
		}
	}

	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	msg := &storage.Message{
		Timestamp:  ts,
		Key:        req.Key,
		Value:      value,
		ProducerID: storage.NoProducerID,
	}
	msg.SetCodec(req.Compression)
	if idempotent {
		msg.ProducerID = req.ProducerID
		msg.ProducerEpoch = req.ProducerEpoch
		msg.Sequence = req.Sequence
	}
	if transactional {
		msg.Flags |= storage.FlagTransactional
	}

	if req.Acks == AckNone {
		// Fire and forget: the append still happens in order (the log
		// serializes), the caller just does not wait on the outcome. The
		// sequence lock travels with the append so the retry window stays
		// closed.
		go func() {
			if unlockSeq != nil {
				defer unlockSeq()
			}
			if _, err := b.appendAndRecord(p, tp, msg, req, transactional); err != nil {
				b.logger.Warn("acks=none append failed",
					zap.String("partition", tp.String()), zap.Error(err))
			}
		}()
		return ProduceResult{Topic: req.Topic, Partition: partitionID, Offset: -1}, nil
	}

	offset, err := b.appendAndRecord(p, tp, msg, req, transactional)
	if unlockSeq != nil {
		unlockSeq()
	}
	if err != nil {
		return ProduceResult{}, err
	}
	if req.Acks == AckAll {
		if err := p.Sync(); err != nil {
			return ProduceResult{}, err
		}
	}
	return ProduceResult{Topic: req.Topic, Partition: partitionID, Offset: offset}, nil
}

// appendAndRecord performs the append and the post-append bookkeeping that
// must observe the assigned offset.
func (b *Broker) appendAndRecord(p *Partition, tp TopicPartition, msg *storage.Message, req ProduceRequest, transactional bool) (int64, error) {
	start := time.Now()
	offset, err := p.Append(msg)
	if err != nil {
		return 0, err
	}
	b.metrics.MessageProduced(tp.Topic, len(msg.Value), time.Since(start))

	if req.ProducerID >= 0 {
		b.producers.RecordSequence(req.ProducerID, tp.Topic, tp.Partition, req.Sequence, offset)
	}
	if transactional {
		b.tracker.Track(tp, req.TransactionalID, offset)
		b.txn.Touch(req.TransactionalID)
	}
	return offset, nil
}
