// =============================================================================
// TRANSACTION COORDINATOR - Atomic multi-partition produce
// =============================================================================
//
// STATE MACHINE (per transactional id):
//
//     Empty ----Begin----> Ongoing ----EndTxn(commit)----> PrepareCommit
//       ^                    |                                  |
//       |                    +-----EndTxn(abort)--> PrepareAbort|
//       |                                               |       |
//       +-- CompleteAbort <--markers written------------+       |
//       +-- CompleteCommit <--markers written-------------------+
//
// A transaction's records are appended to the normal log as they arrive,
// flagged transactional. Visibility is the coordinator's job: the
// UncommittedTracker keeps them above the last stable offset until EndTxn,
// when a control record (commit or abort marker) is appended to every
// partition the transaction touched and the tracker flips per-partition
// visibility. There is no cross-partition lock and none is needed: each
// partition's flip is independent, and readCommitted consistency is only
// promised per partition.
//
// Ongoing transactions older than the configured timeout are aborted by a
// background sweep, so a crashed producer cannot wedge the LSO forever.
//
// =============================================================================

package broker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TxnState is the coordinator-side transaction state.
type TxnState int8

const (
	TxnEmpty TxnState = iota
	TxnOngoing
	TxnPrepareCommit
	TxnPrepareAbort
	TxnCompleteCommit
	TxnCompleteAbort
)

func (s TxnState) String() string {
	switch s {
	case TxnEmpty:
		return "Empty"
	case TxnOngoing:
		return "Ongoing"
	case TxnPrepareCommit:
		return "PrepareCommit"
	case TxnPrepareAbort:
		return "PrepareAbort"
	case TxnCompleteCommit:
		return "CompleteCommit"
	case TxnCompleteAbort:
		return "CompleteAbort"
	default:
		return "Unknown"
	}
}

// Transaction is the coordinator's view of one transactional id.
type Transaction struct {
	ID         string
	Producer   ProducerSession
	State      TxnState
	Partitions map[TopicPartition]struct{}
	StartedAt  time.Time
	UpdatedAt  time.Time
}

// ControlWriter appends a commit/abort marker to a partition and returns
// the marker's offset. Implemented by the Broker.
type ControlWriter interface {
	WriteControlRecord(tp TopicPartition, session ProducerSession, commit bool) (int64, error)
}

// TxnConfig bounds transaction lifetime.
type TxnConfig struct {
	// Timeout aborts Ongoing transactions with no activity for this long.
	Timeout time.Duration `yaml:"timeout"`

	// SweepInterval is how often the timeout sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultTxnConfig returns production defaults.
func DefaultTxnConfig() TxnConfig {
	return TxnConfig{
		Timeout:       time.Minute,
		SweepInterval: 10 * time.Second,
	}
}

// TransactionCoordinator owns every transaction on the broker.
type TransactionCoordinator struct {
	mu sync.Mutex

	config    TxnConfig
	txns      map[string]*Transaction
	producers *ProducerRegistry
	tracker   *UncommittedTracker
	markers   ControlWriter
	logger    *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTransactionCoordinator wires the coordinator. Call Start to enable the
// timeout sweep and Stop on shutdown.
func NewTransactionCoordinator(config TxnConfig, producers *ProducerRegistry, tracker *UncommittedTracker, markers ControlWriter, logger *zap.Logger) *TransactionCoordinator {
	return &TransactionCoordinator{
		config:    config,
		txns:      make(map[string]*Transaction),
		producers: producers,
		tracker:   tracker,
		markers:   markers,
		logger:    logger.Named("txn"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the timeout sweep.
func (tc *TransactionCoordinator) Start() {
	tc.wg.Add(1)
	go tc.sweepLoop()
}

// Stop halts the sweep. Open transactions stay open; they will be aborted
// by timeout after restart if the producer never returns.
func (tc *TransactionCoordinator) Stop() {
	close(tc.stopCh)
	tc.wg.Wait()
}

// Begin opens a transaction for txnID. Legal from Empty or either Complete
// state; Ongoing or Prepare states conflict.
func (tc *TransactionCoordinator) Begin(txnID string, session ProducerSession) error {
	if err := tc.producers.ValidateEpoch(session.ID, session.Epoch); err != nil {
		return err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	txn, ok := tc.txns[txnID]
	if !ok {
		txn = &Transaction{ID: txnID, State: TxnEmpty}
		tc.txns[txnID] = txn
	}
	if txn.Producer.ID != 0 && txn.Producer.ID != session.ID {
		return fmt.Errorf("%w: transactional id %s owned by producer %d", ErrTransactionConflict, txnID, txn.Producer.ID)
	}

	switch txn.State {
	case TxnEmpty, TxnCompleteCommit, TxnCompleteAbort:
		txn.Producer = session
		txn.State = TxnOngoing
		txn.Partitions = make(map[TopicPartition]struct{})
		txn.StartedAt = time.Now()
		txn.UpdatedAt = txn.StartedAt
		return nil
	default:
		return fmt.Errorf("%w: begin from %s", ErrTransactionConflict, txn.State)
	}
}

// AddPartition registers tp as touched by the transaction. Produce calls
// this before the first append to each partition.
func (tc *TransactionCoordinator) AddPartition(txnID string, session ProducerSession, tp TopicPartition) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	txn, err := tc.ongoingLocked(txnID, session)
	if err != nil {
		return err
	}
	txn.Partitions[tp] = struct{}{}
	txn.UpdatedAt = time.Now()
	return nil
}

// Touch refreshes the transaction's activity clock after an append.
func (tc *TransactionCoordinator) Touch(txnID string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if txn, ok := tc.txns[txnID]; ok {
		txn.UpdatedAt = time.Now()
	}
}

// Commit finalizes the transaction, making all its records visible to
// readCommitted consumers.
func (tc *TransactionCoordinator) Commit(txnID string, session ProducerSession) error {
	return tc.end(txnID, session, true)
}

// Abort discards the transaction: its records become permanently invisible
// to readCommitted consumers.
func (tc *TransactionCoordinator) Abort(txnID string, session ProducerSession) error {
	return tc.end(txnID, session, false)
}

func (tc *TransactionCoordinator) end(txnID string, session ProducerSession, commit bool) error {
	tc.mu.Lock()
	txn, err := tc.ongoingLocked(txnID, session)
	if err != nil {
		tc.mu.Unlock()
		return err
	}
	if commit {
		txn.State = TxnPrepareCommit
	} else {
		txn.State = TxnPrepareAbort
	}
	partitions := make([]TopicPartition, 0, len(txn.Partitions))
	for tp := range txn.Partitions {
		partitions = append(partitions, tp)
	}
	tc.mu.Unlock()

	// Markers are written outside the coordinator lock; each partition's
	// append path provides its own ordering.
	for _, tp := range partitions {
		markerOffset, err := tc.markers.WriteControlRecord(tp, session, commit)
		if err != nil {
			tc.logger.Error("write control record failed",
				zap.String("transactional_id", txnID),
				zap.String("partition", tp.String()),
				zap.Error(err))
			return fmt.Errorf("write %s marker to %s: %w", markerKind(commit), tp, err)
		}
		if commit {
			tc.tracker.CompleteCommit(tp, txnID)
		} else {
			tc.tracker.CompleteAbort(tp, txnID, markerOffset)
		}
	}

	tc.mu.Lock()
	if commit {
		txn.State = TxnCompleteCommit
	} else {
		txn.State = TxnCompleteAbort
	}
	txn.Partitions = make(map[TopicPartition]struct{})
	txn.UpdatedAt = time.Now()
	tc.mu.Unlock()

	tc.logger.Info("transaction finished",
		zap.String("transactional_id", txnID),
		zap.String("outcome", markerKind(commit)),
		zap.Int("partitions", len(partitions)))
	return nil
}

func markerKind(commit bool) string {
	if commit {
		return "commit"
	}
	return "abort"
}

// ongoingLocked fetches the transaction and verifies ownership and state.
func (tc *TransactionCoordinator) ongoingLocked(txnID string, session ProducerSession) (*Transaction, error) {
	txn, ok := tc.txns[txnID]
	if !ok {
		return nil, fmt.Errorf("%w: no transaction %q", ErrTransactionConflict, txnID)
	}
	if txn.Producer.ID != session.ID {
		return nil, fmt.Errorf("%w: transactional id %s owned by producer %d", ErrTransactionConflict, txnID, txn.Producer.ID)
	}
	if txn.Producer.Epoch != session.Epoch {
		return nil, fmt.Errorf("%w: producer %d epoch %d, current %d",
			ErrInvalidProducerEpoch, session.ID, session.Epoch, txn.Producer.Epoch)
	}
	if txn.State != TxnOngoing {
		return nil, fmt.Errorf("%w: expected Ongoing, in %s", ErrTransactionConflict, txn.State)
	}
	return txn, nil
}

// Recover registers a transaction found still open in the log at startup.
// It re-enters Ongoing with a fresh activity clock, so the timeout sweep
// aborts it if its producer never comes back.
func (tc *TransactionCoordinator) Recover(txnID string, session ProducerSession, partitions []TopicPartition) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if _, ok := tc.txns[txnID]; ok {
		return
	}
	now := time.Now()
	txn := &Transaction{
		ID:         txnID,
		Producer:   session,
		State:      TxnOngoing,
		Partitions: make(map[TopicPartition]struct{}, len(partitions)),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	for _, tp := range partitions {
		txn.Partitions[tp] = struct{}{}
	}
	tc.txns[txnID] = txn
}

// OnProducerFenced aborts any Ongoing transaction left behind by a previous
// epoch of txnID's producer. Called when InitProducerID bumps the epoch, so
// a restarted producer starts from a clean slate and the zombie's writes
// are discarded.
func (tc *TransactionCoordinator) OnProducerFenced(txnID string) error {
	tc.mu.Lock()
	txn, ok := tc.txns[txnID]
	if !ok || txn.State != TxnOngoing {
		tc.mu.Unlock()
		return nil
	}
	session := txn.Producer
	tc.mu.Unlock()
	return tc.end(txnID, session, false)
}

// State returns the current state for a transactional id.
func (tc *TransactionCoordinator) State(txnID string) (TxnState, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	txn, ok := tc.txns[txnID]
	if !ok {
		return TxnEmpty, false
	}
	return txn.State, true
}

// IsOngoing reports whether txnID has an open transaction that includes tp.
func (tc *TransactionCoordinator) IsOngoing(txnID string) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	txn, ok := tc.txns[txnID]
	return ok && txn.State == TxnOngoing
}

// sweepLoop aborts expired transactions.
func (tc *TransactionCoordinator) sweepLoop() {
	defer tc.wg.Done()
	ticker := time.NewTicker(tc.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-tc.stopCh:
			return
		case <-ticker.C:
			tc.abortExpired()
		}
	}
}

func (tc *TransactionCoordinator) abortExpired() {
	type victim struct {
		id      string
		session ProducerSession
	}
	var victims []victim

	tc.mu.Lock()
	now := time.Now()
	for id, txn := range tc.txns {
		if txn.State == TxnOngoing && now.Sub(txn.UpdatedAt) > tc.config.Timeout {
			victims = append(victims, victim{id: id, session: txn.Producer})
		}
	}
	tc.mu.Unlock()

	for _, v := range victims {
		tc.logger.Warn("aborting expired transaction", zap.String("transactional_id", v.id))
		if err := tc.Abort(v.id, v.session); err != nil {
			tc.logger.Error("expired transaction abort failed",
				zap.String("transactional_id", v.id), zap.Error(err))
		}
	}
}
