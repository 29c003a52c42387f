// =============================================================================
// TRANSACTION RECOVERY - Rebuilding visibility state from the log
// =============================================================================
//
// The UncommittedTracker lives in memory, but everything it tracks is also
// in the log: transactional records carry FlagTransactional plus a producer
// id, and every EndTxn left a durable control marker behind. On startup the
// broker replays each partition from its earliest retained offset:
//
//   - an abort marker restores [first record, marker) as an aborted range
//   - a commit marker just closes the open entry; nothing to hide
//   - a transactional record with no later marker re-opens its transaction,
//     pinning the LSO below it until EndTxn or the timeout sweep resolves it
//
// Without this replay a restart would leak in-flight and aborted records to
// readCommitted consumers.
//
// =============================================================================

package broker

import (
	"fmt"

	"go.uber.org/zap"
)

// recoveryBatchSize bounds how many records one replay read pulls.
const recoveryBatchSize = 512

// recoveredOpenTxn collects what the replay learned about one transaction
// that never saw a marker.
type recoveredOpenTxn struct {
	session    ProducerSession
	partitions []TopicPartition
}

// recoverTransactionState replays every partition and hands surviving open
// transactions back to the coordinator. Called from New, before the broker
// serves any fetch.
func (b *Broker) recoverTransactionState() error {
	open := make(map[string]*recoveredOpenTxn)
	for _, t := range b.topics {
		for _, p := range t.Partitions() {
			tp := TopicPartition{Topic: t.Name(), Partition: p.ID()}
			if err := b.replayPartition(p, tp, open); err != nil {
				return fmt.Errorf("recover transactions on %s: %w", tp, err)
			}
		}
	}
	for txnID, rec := range open {
		b.txn.Recover(txnID, rec.session, rec.partitions)
		b.logger.Warn("recovered open transaction",
			zap.String("transactional_id", txnID),
			zap.Int64("producer_id", rec.session.ID),
			zap.Int("partitions", len(rec.partitions)))
	}
	return nil
}

// replayPartition scans one partition, restoring aborted ranges directly
// and accumulating still-open transactions into open.
func (b *Broker) replayPartition(p *Partition, tp TopicPartition, open map[string]*recoveredOpenTxn) error {
	type openEntry struct {
		first int64
		epoch int16
	}
	inFlight := make(map[int64]openEntry) // producer id -> first txn record

	hwm := p.HighWaterMark()
	for offset := p.EarliestOffset(); offset < hwm; {
		msgs, err := p.Read(offset, recoveryBatchSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			switch {
			case msg.IsControl():
				entry, ok := inFlight[msg.ProducerID]
				if !ok {
					continue
				}
				delete(inFlight, msg.ProducerID)
				if string(msg.Value) == markerKind(false) {
					b.tracker.MarkAborted(tp, entry.first, msg.Offset)
				}
			case msg.IsTransactional():
				if _, ok := inFlight[msg.ProducerID]; !ok {
					inFlight[msg.ProducerID] = openEntry{first: msg.Offset, epoch: msg.ProducerEpoch}
				}
			}
		}
		offset = msgs[len(msgs)-1].Offset + 1
	}

	for pid, entry := range inFlight {
		txnID, ok := b.producers.TransactionalID(pid)
		if !ok {
			// Registry snapshot lost. Synthesize an id so the records stay
			// hidden and the timeout sweep can still abort.
			txnID = fmt.Sprintf("recovered-%d", pid)
		}
		b.tracker.Track(tp, txnID, entry.first)

		rec, ok := open[txnID]
		if !ok {
			session := ProducerSession{ID: pid, Epoch: entry.epoch}
			if s, ok := b.producers.Session(pid); ok {
				session = s
			}
			rec = &recoveredOpenTxn{session: session}
			open[txnID] = rec
		}
		rec.partitions = append(rec.partitions, tp)
	}
	return nil
}
