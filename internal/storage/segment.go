// =============================================================================
// SEGMENT - One contiguous slice of a partition's log
// =============================================================================
//
// WHAT IS A SEGMENT?
// A pair of files holding a contiguous offset range of one partition:
//
//   00000000000000000000.log    records, back to back (see message.go)
//   00000000000000000000.index  sparse offset -> position index
//
// The file name is the base offset, zero-padded so lexical order equals
// offset order and recovery can rebuild segment order from a directory
// listing alone.
//
// LIFECYCLE:
// A partition has exactly one active (writable) segment. When it exceeds the
// size limit the log seals it and opens a new one at the next offset. Sealed
// segments never change, which is what makes concurrent reads safe against
// a writer: readers only race the active segment's tail, and they bound
// themselves by the position recorded before the read started.
//
// RECOVERY:
// LoadSegment scans the log file record by record. A CRC or magic failure
// partway through means a torn write from a crash; everything from the last
// good record onward is truncated. The index is rebuilt whenever it is
// missing or cannot be trusted.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultMaxSegmentBytes triggers rollover. 1GB matches Kafka's
	// log.segment.bytes default.
	DefaultMaxSegmentBytes = 1 << 30

	logSuffix   = ".log"
	indexSuffix = ".index"
)

var (
	// ErrSegmentFull tells the log to roll over and retry the append.
	ErrSegmentFull = errors.New("segment full")

	// ErrSegmentSealed rejects appends to a read-only segment.
	ErrSegmentSealed = errors.New("segment sealed")

	// ErrSegmentClosed rejects any use after Close.
	ErrSegmentClosed = errors.New("segment closed")

	// ErrOffsetOutOfRange means the requested offset is outside this
	// segment (or, at the log level, outside the retained log).
	ErrOffsetOutOfRange = errors.New("offset out of range")
)

// Segment is one log/index file pair. All mutation goes through the owning
// Log's append path; reads take the lock only long enough to snapshot the
// readable size.
type Segment struct {
	mu sync.RWMutex

	dir        string
	baseOffset int64
	maxBytes   int64

	logFile *os.File
	index   *Index

	nextOffset int64
	size       int64 // bytes written to the log file
	sealed     bool
	closed     bool
}

// SegmentFileName returns the log file name for a base offset.
func SegmentFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d%s", baseOffset, logSuffix)
}

// IndexFileName returns the index file name for a base offset.
func IndexFileName(baseOffset int64) string {
	return fmt.Sprintf("%020d%s", baseOffset, indexSuffix)
}

// NewSegment creates a fresh, empty, writable segment in dir.
func NewSegment(dir string, baseOffset int64, maxBytes int64) (*Segment, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSegmentBytes
	}
	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment log %s: %w", logPath, err)
	}

	idx, err := NewIndex(filepath.Join(dir, IndexFileName(baseOffset)), baseOffset)
	if err != nil {
		logFile.Close()
		return nil, err
	}

	return &Segment{
		dir:        dir,
		baseOffset: baseOffset,
		maxBytes:   maxBytes,
		logFile:    logFile,
		index:      idx,
		nextOffset: baseOffset,
	}, nil
}

// LoadSegment opens an existing segment, scanning the log to find the end,
// truncating any torn tail, and rebuilding the index if needed.
func LoadSegment(dir string, baseOffset int64, maxBytes int64) (*Segment, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxSegmentBytes
	}
	logPath := filepath.Join(dir, SegmentFileName(baseOffset))
	logFile, err := os.OpenFile(logPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment log %s: %w", logPath, err)
	}

	s := &Segment{
		dir:        dir,
		baseOffset: baseOffset,
		maxBytes:   maxBytes,
		logFile:    logFile,
	}

	nextOffset, validBytes, err := s.scanLog()
	if err != nil {
		logFile.Close()
		return nil, err
	}

	// Anything past the last decodable record is a torn write.
	info, err := logFile.Stat()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("stat segment log %s: %w", logPath, err)
	}
	if info.Size() > validBytes {
		if err := logFile.Truncate(validBytes); err != nil {
			logFile.Close()
			return nil, fmt.Errorf("truncate torn tail of %s: %w", logPath, err)
		}
	}
	s.nextOffset = nextOffset
	s.size = validBytes

	indexPath := filepath.Join(dir, IndexFileName(baseOffset))
	idx, err := LoadIndex(indexPath, baseOffset)
	if err != nil {
		idx, err = s.rebuildIndex(indexPath)
		if err != nil {
			logFile.Close()
			return nil, err
		}
	}
	s.index = idx

	if _, err := logFile.Seek(validBytes, io.SeekStart); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("seek segment log %s: %w", logPath, err)
	}
	return s, nil
}

// scanLog walks the log file record by record and returns the offset after
// the last valid record plus the byte length of the valid prefix. Decode
// failures end the scan rather than failing it.
func (s *Segment) scanLog() (nextOffset int64, validBytes int64, err error) {
	nextOffset = s.baseOffset
	header := make([]byte, HeaderSize)
	var pos int64

	for {
		if _, err := s.logFile.ReadAt(header, pos); err != nil {
			break // EOF or short read: end of valid data
		}
		msg, err := decodeAt(s.logFile, header, pos)
		if err != nil {
			break // torn or corrupt record
		}
		nextOffset = msg.Offset + 1
		pos += int64(msg.Size())
	}
	return nextOffset, pos, nil
}

// decodeAt reads and decodes the full record whose header was read at pos.
func decodeAt(f *os.File, header []byte, pos int64) (*Message, error) {
	if header[0] != MagicByte1 || header[1] != MagicByte2 {
		return nil, ErrInvalidMagic
	}
	keyLen := int(uint16(header[38])<<8 | uint16(header[39]))
	valueLen := int(uint32(header[40])<<24 | uint32(header[41])<<16 | uint32(header[42])<<8 | uint32(header[43]))

	buf := make([]byte, HeaderSize+keyLen+valueLen)
	if _, err := f.ReadAt(buf, pos); err != nil {
		return nil, ErrMessageTooShort
	}
	return Decode(buf)
}

// rebuildIndex scans the valid portion of the log and writes a fresh index.
func (s *Segment) rebuildIndex(path string) (*Index, error) {
	idx, err := NewIndex(path, s.baseOffset)
	if err != nil {
		return nil, err
	}
	header := make([]byte, HeaderSize)
	var pos int64
	for pos < s.size {
		if _, err := s.logFile.ReadAt(header, pos); err != nil {
			break
		}
		msg, err := decodeAt(s.logFile, header, pos)
		if err != nil {
			break
		}
		if _, err := idx.MaybeAppend(msg.Offset, pos, int64(msg.Size())); err != nil {
			idx.Close()
			return nil, err
		}
		pos += int64(msg.Size())
	}
	return idx, nil
}

// Append assigns the segment's next offset to msg, writes it, and returns
// the assigned offset. ErrSegmentFull signals the log to roll over.
func (s *Segment) Append(msg *Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSegmentClosed
	}
	if s.sealed {
		return 0, ErrSegmentSealed
	}
	if s.size >= s.maxBytes {
		return 0, ErrSegmentFull
	}

	msg.Offset = s.nextOffset
	encoded, err := msg.Encode()
	if err != nil {
		return 0, err
	}

	pos := s.size
	if _, err := s.logFile.Write(encoded); err != nil {
		return 0, fmt.Errorf("append to segment %d: %w", s.baseOffset, err)
	}
	if _, err := s.index.MaybeAppend(msg.Offset, pos, int64(len(encoded))); err != nil {
		return 0, err
	}

	s.size += int64(len(encoded))
	s.nextOffset++
	return msg.Offset, nil
}

// Read returns the single record at offset.
func (s *Segment) Read(offset int64) (*Message, error) {
	msgs, err := s.ReadFrom(offset, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 || msgs[0].Offset != offset {
		return nil, fmt.Errorf("%w: offset %d", ErrOffsetOutOfRange, offset)
	}
	return msgs[0], nil
}

// ReadFrom returns up to maxMessages records starting at the first record
// with offset >= startOffset. The read is bounded by the segment size
// snapshotted at entry, so it never chases a concurrent writer.
func (s *Segment) ReadFrom(startOffset int64, maxMessages int) ([]*Message, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrSegmentClosed
	}
	limit := s.size
	next := s.nextOffset
	s.mu.RUnlock()

	if startOffset >= next {
		return nil, fmt.Errorf("%w: offset %d, segment end %d", ErrOffsetOutOfRange, startOffset, next)
	}
	if startOffset < s.baseOffset {
		startOffset = s.baseOffset
	}

	var pos int64
	if entry, err := s.index.Lookup(startOffset); err == nil {
		pos = entry.Position
	}

	msgs := make([]*Message, 0, maxMessages)
	header := make([]byte, HeaderSize)
	for pos < limit && len(msgs) < maxMessages {
		if _, err := s.logFile.ReadAt(header, pos); err != nil {
			break
		}
		msg, err := decodeAt(s.logFile, header, pos)
		if err != nil {
			return nil, fmt.Errorf("segment %d at position %d: %w", s.baseOffset, pos, err)
		}
		if msg.Offset >= startOffset {
			msgs = append(msgs, msg)
		}
		pos += int64(msg.Size())
	}
	return msgs, nil
}

// Seal makes the segment read-only. Called on rollover and on load for all
// but the newest segment.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSegmentClosed
	}
	s.sealed = true
	return s.logFile.Sync()
}

// Truncate drops every record with offset > after, shrinking the log file
// and index to match. The segment becomes writable again so appends can
// resume at after+1.
func (s *Segment) Truncate(after int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSegmentClosed
	}
	if after >= s.nextOffset-1 {
		return nil // nothing past the cut point
	}
	if after < s.baseOffset-1 {
		return fmt.Errorf("%w: truncate after %d, segment base %d", ErrOffsetOutOfRange, after, s.baseOffset)
	}

	// Walk to the first record past the cut point.
	var pos int64
	if entry, err := s.index.Lookup(after); err == nil {
		pos = entry.Position
	}
	header := make([]byte, HeaderSize)
	for pos < s.size {
		if _, err := s.logFile.ReadAt(header, pos); err != nil {
			return err
		}
		msg, err := decodeAt(s.logFile, header, pos)
		if err != nil {
			return err
		}
		if msg.Offset > after {
			break
		}
		pos += int64(msg.Size())
	}

	if err := s.logFile.Truncate(pos); err != nil {
		return fmt.Errorf("truncate segment %d: %w", s.baseOffset, err)
	}
	if _, err := s.logFile.Seek(pos, io.SeekStart); err != nil {
		return fmt.Errorf("seek segment %d: %w", s.baseOffset, err)
	}
	if err := s.index.TruncateTo(after + 1); err != nil {
		return err
	}
	s.size = pos
	s.nextOffset = after + 1
	s.sealed = false
	return s.logFile.Sync()
}

// Sync flushes log and index to disk.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSegmentClosed
	}
	if err := s.logFile.Sync(); err != nil {
		return err
	}
	return s.index.Sync()
}

// Close syncs and closes both files. Idempotent.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.logFile.Sync(); err != nil {
		s.logFile.Close()
		s.index.Close()
		return err
	}
	if err := s.logFile.Close(); err != nil {
		s.index.Close()
		return err
	}
	return s.index.Close()
}

// Delete closes the segment and removes its files.
func (s *Segment) Delete() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, SegmentFileName(s.baseOffset))); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, IndexFileName(s.baseOffset))); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// BaseOffset returns the first offset this segment can hold.
func (s *Segment) BaseOffset() int64 { return s.baseOffset }

// NextOffset returns the offset the next append would receive.
func (s *Segment) NextOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset
}

// Size returns the log file size in bytes.
func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// IsFull reports whether the next append would exceed the size limit.
func (s *Segment) IsFull() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size >= s.maxBytes
}

// IsSealed reports whether the segment is read-only.
func (s *Segment) IsSealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// MessageCount returns how many records the segment holds.
func (s *Segment) MessageCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextOffset - s.baseOffset
}
