// =============================================================================
// UNCOMMITTED TRACKER - Last stable offset and aborted-record accounting
// =============================================================================
//
// readCommitted fetches must hide two kinds of records:
//
//   1. Records of transactions still in flight. Gated by the LAST STABLE
//      OFFSET (LSO): the smallest first-offset among open transactions on a
//      partition, or the high-water mark when none are open. Nothing at or
//      past the LSO is served to a readCommitted consumer.
//
//   2. Records of transactions that aborted. These sit below the LSO once
//      the abort marker lands, so they are remembered as offset ranges and
//      filtered record by record.
//
// Both tables are per-partition and independent: a transaction spanning
// several partitions flips visibility on each partition on its own, which
// is all the atomicity a single-broker commit needs (see the coordinator).
//
// =============================================================================

package broker

import (
	"sync"
)

// offsetRange is a half-open interval [From, To) of aborted record offsets.
type offsetRange struct {
	From int64
	To   int64
}

// openTxn tracks the first offset a transaction wrote on one partition.
type openTxn struct {
	txnID       string
	firstOffset int64
}

// UncommittedTracker maintains per-partition LSO inputs and aborted ranges.
type UncommittedTracker struct {
	mu sync.RWMutex

	// open maps partition -> transactional id -> first offset written there.
	open map[TopicPartition]map[string]int64

	// aborted maps partition -> sorted, non-overlapping aborted ranges.
	aborted map[TopicPartition][]offsetRange
}

// NewUncommittedTracker returns an empty tracker.
func NewUncommittedTracker() *UncommittedTracker {
	return &UncommittedTracker{
		open:    make(map[TopicPartition]map[string]int64),
		aborted: make(map[TopicPartition][]offsetRange),
	}
}

// Track records that txnID appended a record at offset on tp. Only the
// first offset per (partition, transaction) matters for the LSO.
func (u *UncommittedTracker) Track(tp TopicPartition, txnID string, offset int64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	txns, ok := u.open[tp]
	if !ok {
		txns = make(map[string]int64)
		u.open[tp] = txns
	}
	if _, ok := txns[txnID]; !ok {
		txns[txnID] = offset
	}
}

// LastStableOffset returns the readCommitted visibility bound for tp given
// the current high-water mark.
func (u *UncommittedTracker) LastStableOffset(tp TopicPartition, highWaterMark int64) int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()

	lso := highWaterMark
	for _, first := range u.open[tp] {
		if first < lso {
			lso = first
		}
	}
	return lso
}

// CompleteCommit removes txnID from the open set of tp. Its records become
// visible as soon as the LSO recomputes.
func (u *UncommittedTracker) CompleteCommit(tp TopicPartition, txnID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closeLocked(tp, txnID)
}

// CompleteAbort removes txnID from the open set of tp and marks
// [firstOffset, markerOffset) aborted, where markerOffset is the offset of
// the abort control record.
func (u *UncommittedTracker) CompleteAbort(tp TopicPartition, txnID string, markerOffset int64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	first, ok := u.open[tp][txnID]
	u.closeLocked(tp, txnID)
	if !ok || markerOffset <= first {
		return
	}
	u.aborted[tp] = append(u.aborted[tp], offsetRange{From: first, To: markerOffset})
}

func (u *UncommittedTracker) closeLocked(tp TopicPartition, txnID string) {
	if txns, ok := u.open[tp]; ok {
		delete(txns, txnID)
		if len(txns) == 0 {
			delete(u.open, tp)
		}
	}
}

// MarkAborted restores an aborted range found in the log during startup
// replay, when there is no open entry to close.
func (u *UncommittedTracker) MarkAborted(tp TopicPartition, from, to int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if to <= from {
		return
	}
	u.aborted[tp] = append(u.aborted[tp], offsetRange{From: from, To: to})
}

// IsAborted reports whether the record at offset on tp belongs to an
// aborted transaction.
func (u *UncommittedTracker) IsAborted(tp TopicPartition, offset int64) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()

	for _, r := range u.aborted[tp] {
		if offset >= r.From && offset < r.To {
			return true
		}
	}
	return false
}

// FirstOffset returns the first offset txnID wrote on tp, if any.
func (u *UncommittedTracker) FirstOffset(tp TopicPartition, txnID string) (int64, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	first, ok := u.open[tp][txnID]
	return first, ok
}

// OpenTransactions returns how many transactions are open on tp.
func (u *UncommittedTracker) OpenTransactions(tp TopicPartition) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.open[tp])
}
