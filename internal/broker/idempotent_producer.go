// =============================================================================
// IDEMPOTENT PRODUCER STATE - PIDs, epochs, and sequence deduplication
// =============================================================================
//
// WHY DOES THE BROKER TRACK THIS?
// A producer that retries a send after a timeout cannot know whether the
// first attempt landed. Without help, the retry duplicates the record. The
// fix is server-side: the producer stamps each record with
// (producer id, epoch, sequence) and the broker deduplicates:
//
//   - First sequence for a (pid, topic, partition) must be 0.
//   - Each following sequence must be exactly last+1.
//   - A sequence at or below last that is still in the dedup window is a
//     retry: return the offset assigned the first time, append nothing.
//   - A gap (sequence > last+1) means lost messages in between: reject with
//     ErrOutOfOrderSequence so the producer can rewind.
//
// EPOCH FENCING:
// Re-initializing a transactional id bumps the epoch. Records from the old
// epoch are rejected (ErrInvalidProducerEpoch), which is what keeps a
// "zombie" instance of a restarted producer from interleaving stale writes.
//
// State is snapshotted to producers.json in the data dir so dedup and
// fencing survive a broker restart.
//
// =============================================================================

package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// sequenceWindowSize bounds how many past sequences are remembered per
// (pid, topic, partition) for duplicate detection.
const sequenceWindowSize = 128

// ProducerSession identifies one producer incarnation.
type ProducerSession struct {
	ID    int64 `json:"id"`
	Epoch int16 `json:"epoch"`
}

// sequenceKey scopes sequence tracking.
type sequenceKey struct {
	ProducerID int64
	Topic      string
	Partition  int
}

// sequenceState tracks the dedup window for one (pid, topic, partition).
type sequenceState struct {
	LastSequence int32           `json:"last_sequence"`
	Offsets      map[int32]int64 `json:"offsets"` // sequence -> assigned offset
	UpdatedAt    time.Time       `json:"updated_at"`
}

// producerState is the per-pid record.
type producerState struct {
	Session         ProducerSession `json:"session"`
	TransactionalID string          `json:"transactional_id,omitempty"`
	LastActive      time.Time       `json:"last_active"`
}

// ProducerRegistry hands out producer ids and enforces the idempotence
// protocol. Safe for concurrent use.
type ProducerRegistry struct {
	mu sync.Mutex

	nextPID   int64
	byID      map[int64]*producerState
	byTxnID   map[string]*producerState
	sequences map[sequenceKey]*sequenceState

	// seqLocks serializes the check-append-record span per key so two
	// concurrent retries of the same sequence cannot both pass the dedup
	// check before either records its offset.
	seqLocks map[sequenceKey]*sync.Mutex

	snapshotPath string
}

// NewProducerRegistry creates a registry, restoring a snapshot from dataDir
// if one exists.
func NewProducerRegistry(dataDir string) (*ProducerRegistry, error) {
	r := &ProducerRegistry{
		nextPID:      1000, // low ids left free for tooling/tests
		byID:         make(map[int64]*producerState),
		byTxnID:      make(map[string]*producerState),
		sequences:    make(map[sequenceKey]*sequenceState),
		seqLocks:     make(map[sequenceKey]*sync.Mutex),
		snapshotPath: filepath.Join(dataDir, "producers.json"),
	}
	if err := r.restore(); err != nil {
		return nil, err
	}
	return r, nil
}

// InitProducerID allocates a session. For an empty transactional id every
// call is a fresh producer. For a known transactional id the pid is stable
// and the epoch increments, fencing the previous incarnation.
func (r *ProducerRegistry) InitProducerID(transactionalID string) (ProducerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if transactionalID != "" {
		if st, ok := r.byTxnID[transactionalID]; ok {
			st.Session.Epoch++
			st.LastActive = time.Now()
			r.snapshotLocked()
			return st.Session, nil
		}
	}

	st := &producerState{
		Session:         ProducerSession{ID: r.nextPID, Epoch: 0},
		TransactionalID: transactionalID,
		LastActive:      time.Now(),
	}
	r.nextPID++
	r.byID[st.Session.ID] = st
	if transactionalID != "" {
		r.byTxnID[transactionalID] = st
	}
	r.snapshotLocked()
	return st.Session, nil
}

// ValidateEpoch rejects unknown pids and fenced epochs.
func (r *ProducerRegistry) ValidateEpoch(pid int64, epoch int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateEpochLocked(pid, epoch)
}

func (r *ProducerRegistry) validateEpochLocked(pid int64, epoch int16) error {
	st, ok := r.byID[pid]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownProducer, pid)
	}
	if epoch != st.Session.Epoch {
		return fmt.Errorf("%w: producer %d epoch %d, current %d",
			ErrInvalidProducerEpoch, pid, epoch, st.Session.Epoch)
	}
	return nil
}

// AcquireSequence takes the per-(pid, topic, partition) lock and returns
// its release func. Produce holds it from CheckSequence through
// RecordSequence so validate-and-reserve is atomic against a concurrent
// retry of the same sequence.
func (r *ProducerRegistry) AcquireSequence(pid int64, topic string, partition int) func() {
	key := sequenceKey{ProducerID: pid, Topic: topic, Partition: partition}
	r.mu.Lock()
	l, ok := r.seqLocks[key]
	if !ok {
		l = &sync.Mutex{}
		r.seqLocks[key] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// CheckSequence validates seq for an append to (topic, partition).
// Returns (offset, true, nil) when seq is a duplicate still in the window:
// the caller must return that offset without appending.
// Returns (0, false, nil) when seq is the expected next value.
func (r *ProducerRegistry) CheckSequence(pid int64, epoch int16, topic string, partition int, seq int32) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateEpochLocked(pid, epoch); err != nil {
		return 0, false, err
	}

	key := sequenceKey{ProducerID: pid, Topic: topic, Partition: partition}
	st, ok := r.sequences[key]
	if !ok {
		if seq != 0 {
			return 0, false, fmt.Errorf("%w: producer %d first sequence %d, want 0", ErrOutOfOrderSequence, pid, seq)
		}
		return 0, false, nil
	}

	switch {
	case seq == st.LastSequence+1:
		return 0, false, nil
	case seq <= st.LastSequence:
		if offset, ok := st.Offsets[seq]; ok {
			return offset, true, nil
		}
		// Aged out of the window: cannot prove it is the same send.
		return 0, false, fmt.Errorf("%w: producer %d sequence %d below window", ErrOutOfOrderSequence, pid, seq)
	default:
		return 0, false, fmt.Errorf("%w: producer %d sequence %d, want %d",
			ErrOutOfOrderSequence, pid, seq, st.LastSequence+1)
	}
}

// RecordSequence stores the offset assigned to seq after a successful
// append, advancing the dedup window.
func (r *ProducerRegistry) RecordSequence(pid int64, topic string, partition int, seq int32, offset int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sequenceKey{ProducerID: pid, Topic: topic, Partition: partition}
	st, ok := r.sequences[key]
	if !ok {
		st = &sequenceState{LastSequence: -1, Offsets: make(map[int32]int64)}
		r.sequences[key] = st
	}
	if seq > st.LastSequence {
		st.LastSequence = seq
	}
	st.Offsets[seq] = offset
	st.UpdatedAt = time.Now()

	// Trim the window.
	for old := range st.Offsets {
		if old <= st.LastSequence-sequenceWindowSize {
			delete(st.Offsets, old)
		}
	}
	if st, ok := r.byID[pid]; ok {
		st.LastActive = time.Now()
	}
	r.snapshotLocked()
}

// TransactionalID returns the transactional id bound to pid, if any.
func (r *ProducerRegistry) TransactionalID(pid int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byID[pid]
	if !ok || st.TransactionalID == "" {
		return "", false
	}
	return st.TransactionalID, true
}

// Session returns the current session for a pid.
func (r *ProducerRegistry) Session(pid int64) (ProducerSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byID[pid]
	if !ok {
		return ProducerSession{}, false
	}
	return st.Session, true
}

// registrySnapshot is the persisted form.
type registrySnapshot struct {
	NextPID   int64                     `json:"next_pid"`
	Producers []*producerState          `json:"producers"`
	Sequences map[string]*sequenceState `json:"sequences"`
}

func seqKeyString(k sequenceKey) string {
	return fmt.Sprintf("%d/%s/%d", k.ProducerID, k.Topic, k.Partition)
}

func parseSeqKey(s string) (sequenceKey, bool) {
	var k sequenceKey
	first := strings.Index(s, "/")
	last := strings.LastIndex(s, "/")
	if first < 0 || last <= first {
		return k, false
	}
	pid, err := strconv.ParseInt(s[:first], 10, 64)
	if err != nil {
		return k, false
	}
	part, err := strconv.Atoi(s[last+1:])
	if err != nil {
		return k, false
	}
	k.ProducerID = pid
	k.Topic = s[first+1 : last]
	k.Partition = part
	return k, true
}

// snapshotLocked writes the registry to disk. Failures are swallowed: a
// missed snapshot degrades restart dedup, it never fails a produce.
func (r *ProducerRegistry) snapshotLocked() {
	snap := registrySnapshot{
		NextPID:   r.nextPID,
		Sequences: make(map[string]*sequenceState, len(r.sequences)),
	}
	for _, st := range r.byID {
		snap.Producers = append(snap.Producers, st)
	}
	for k, st := range r.sequences {
		snap.Sequences[seqKeyString(k)] = st
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	tmp := r.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	os.Rename(tmp, r.snapshotPath)
}

func (r *ProducerRegistry) restore() error {
	data, err := os.ReadFile(r.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read producer snapshot: %w", err)
	}
	var snap registrySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse producer snapshot: %w", err)
	}
	if snap.NextPID > r.nextPID {
		r.nextPID = snap.NextPID
	}
	for _, st := range snap.Producers {
		r.byID[st.Session.ID] = st
		if st.TransactionalID != "" {
			r.byTxnID[st.TransactionalID] = st
		}
	}
	for ks, st := range snap.Sequences {
		if k, ok := parseSeqKey(ks); ok {
			if st.Offsets == nil {
				st.Offsets = make(map[int32]int64)
			}
			r.sequences[k] = st
		}
	}
	return nil
}
