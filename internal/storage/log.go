// =============================================================================
// LOG - The append-only record log for one partition
// =============================================================================
//
// WHAT IS THE LOG?
// An ordered list of segments covering a contiguous offset range:
//
//   [segment 0 .. 999] [segment 1000 .. 1999] [segment 2000 .. (active)]
//        sealed              sealed                writable
//
// Exactly one segment is active. Append goes to it; when it reports
// ErrSegmentFull the log seals it, opens a new segment at the next offset,
// and retries. This makes offset assignment a single serialization point:
// offsets per partition are exactly 0,1,2,... with no gaps or repeats no
// matter how many producers race, because every append funnels through the
// log's write lock.
//
// The high-water mark is simply NextOffset: one past the last appended
// record. It never decreases (truncation is an explicit administrative
// operation, not part of normal produce/fetch flow).
//
// RECOVERY:
// Open lists *.log files, parses base offsets from the names, loads each
// segment (which handles its own torn-tail truncation), seals all but the
// last, and resumes appending where the log left off.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrLogClosed rejects any use after Close.
	ErrLogClosed = errors.New("log closed")
)

// LogConfig bounds segment growth.
type LogConfig struct {
	// MaxSegmentBytes triggers rollover of the active segment.
	MaxSegmentBytes int64
}

// DefaultLogConfig returns production defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{MaxSegmentBytes: DefaultMaxSegmentBytes}
}

// Log is the per-partition append-only record log.
type Log struct {
	mu sync.RWMutex

	dir    string
	config LogConfig

	// segments are ordered by base offset; the last one is active.
	segments []*Segment
	closed   bool
}

// Open creates or recovers the log in dir.
func Open(dir string, config LogConfig) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}

	l := &Log{dir: dir, config: config}

	baseOffsets, err := listSegmentBaseOffsets(dir)
	if err != nil {
		return nil, err
	}

	if len(baseOffsets) == 0 {
		seg, err := NewSegment(dir, 0, config.MaxSegmentBytes)
		if err != nil {
			return nil, err
		}
		l.segments = []*Segment{seg}
		return l, nil
	}

	for i, base := range baseOffsets {
		seg, err := LoadSegment(dir, base, config.MaxSegmentBytes)
		if err != nil {
			l.closeAll()
			return nil, err
		}
		if i < len(baseOffsets)-1 {
			if err := seg.Seal(); err != nil {
				seg.Close()
				l.closeAll()
				return nil, err
			}
		}
		l.segments = append(l.segments, seg)
	}
	return l, nil
}

// listSegmentBaseOffsets parses base offsets from *.log file names, sorted.
func listSegmentBaseOffsets(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read log dir %s: %w", dir, err)
	}
	var offsets []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, logSuffix) {
			continue
		}
		base, err := strconv.ParseInt(strings.TrimSuffix(name, logSuffix), 10, 64)
		if err != nil {
			continue // not a segment file
		}
		offsets = append(offsets, base)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, nil
}

func (l *Log) closeAll() {
	for _, seg := range l.segments {
		seg.Close()
	}
}

// Append assigns the next offset to msg and writes it, rolling to a new
// segment when the active one is full.
func (l *Log) Append(msg *Message) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	active := l.segments[len(l.segments)-1]
	offset, err := active.Append(msg)
	if errors.Is(err, ErrSegmentFull) {
		if err := active.Seal(); err != nil {
			return 0, err
		}
		next, rollErr := NewSegment(l.dir, active.NextOffset(), l.config.MaxSegmentBytes)
		if rollErr != nil {
			return 0, rollErr
		}
		l.segments = append(l.segments, next)
		return next.Append(msg)
	}
	return offset, err
}

// Read returns the record at offset, or ErrOffsetOutOfRange when offset is
// below the earliest retained offset or at/after the high-water mark.
func (l *Log) Read(offset int64) (*Message, error) {
	seg, err := l.findSegment(offset)
	if err != nil {
		return nil, err
	}
	return seg.Read(offset)
}

// ReadFrom returns up to maxMessages records starting at the first stored
// record with offset >= startOffset, crossing segment boundaries as needed.
func (l *Log) ReadFrom(startOffset int64, maxMessages int) ([]*Message, error) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil, ErrLogClosed
	}
	segs := make([]*Segment, len(l.segments))
	copy(segs, l.segments)
	l.mu.RUnlock()

	hwm := segs[len(segs)-1].NextOffset()
	earliest := segs[0].BaseOffset()
	if startOffset > hwm || startOffset < earliest {
		return nil, fmt.Errorf("%w: offset %d, log range [%d, %d)", ErrOffsetOutOfRange, startOffset, earliest, hwm)
	}
	if startOffset == hwm {
		return nil, nil // at the end: valid position, nothing to read yet
	}

	i := sort.Search(len(segs), func(i int) bool {
		return segs[i].NextOffset() > startOffset
	})

	var out []*Message
	for ; i < len(segs) && len(out) < maxMessages; i++ {
		msgs, err := segs[i].ReadFrom(startOffset, maxMessages-len(out))
		if err != nil {
			if errors.Is(err, ErrOffsetOutOfRange) {
				continue // raced a rollover; next segment holds the offset
			}
			return nil, err
		}
		out = append(out, msgs...)
		if len(out) > 0 {
			startOffset = out[len(out)-1].Offset + 1
		}
	}
	return out, nil
}

// findSegment locates the segment covering offset.
func (l *Log) findSegment(offset int64) (*Segment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLogClosed
	}
	hwm := l.segments[len(l.segments)-1].NextOffset()
	earliest := l.segments[0].BaseOffset()
	if offset < earliest || offset >= hwm {
		return nil, fmt.Errorf("%w: offset %d, log range [%d, %d)", ErrOffsetOutOfRange, offset, earliest, hwm)
	}
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].NextOffset() > offset
	})
	return l.segments[i], nil
}

// NextOffset is the high-water mark: the offset the next append receives.
func (l *Log) NextOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0
	}
	return l.segments[len(l.segments)-1].NextOffset()
}

// EarliestOffset is the lowest retained offset. Equals NextOffset when the
// log is empty.
func (l *Log) EarliestOffset() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return 0
	}
	return l.segments[0].BaseOffset()
}

// LatestOffset is the offset of the last appended record, -1 when empty.
func (l *Log) LatestOffset() int64 {
	return l.NextOffset() - 1
}

// Size returns total bytes across all segments.
func (l *Log) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total int64
	for _, seg := range l.segments {
		total += seg.Size()
	}
	return total
}

// SegmentCount returns how many segments the log currently holds.
func (l *Log) SegmentCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.segments)
}

// DeleteSegmentsBefore removes sealed segments whose entire range is below
// offset. The active segment is never deleted. Returns how many segments
// were removed. This is the retention hook; it raises the earliest offset.
func (l *Log) DeleteSegmentsBefore(offset int64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	deleted := 0
	for len(l.segments) > 1 && l.segments[0].NextOffset() <= offset {
		if err := l.segments[0].Delete(); err != nil {
			return deleted, err
		}
		l.segments = l.segments[1:]
		deleted++
	}
	return deleted, nil
}

// TruncateAfter drops every record with offset > after, deleting whole
// segments past the cut point and trimming the one containing it. An
// administrative operation; the next append receives after+1.
func (l *Log) TruncateAfter(after int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLogClosed
	}

	for len(l.segments) > 1 && l.segments[len(l.segments)-1].BaseOffset() > after {
		last := l.segments[len(l.segments)-1]
		if err := last.Delete(); err != nil {
			return err
		}
		l.segments = l.segments[:len(l.segments)-1]
	}
	return l.segments[len(l.segments)-1].Truncate(after)
}

// Sync flushes every segment to disk.
func (l *Log) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLogClosed
	}
	for _, seg := range l.segments {
		if err := seg.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and closes all segments. Idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Delete closes the log and removes its directory.
func (l *Log) Delete() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.RemoveAll(l.dir)
}
