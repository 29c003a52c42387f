// =============================================================================
// INDEX - Sparse offset index for a segment
// =============================================================================
//
// WHAT IS THE INDEX?
// A lookup table from record offset to byte position in the segment's log
// file. It is sparse: an entry is written only after indexIntervalBytes of
// log data, so a read seeks to the nearest indexed position at or before the
// target offset and scans forward from there. This keeps the index tiny
// (8 bytes per ~4KB of log) while bounding the scan to one interval.
//
// On-disk entry: relative offset (4 B) + file position (4 B), both
// big-endian. Offsets are stored relative to the segment's base offset so
// 4 bytes is always enough within a single segment.
//
// A missing or corrupt index is never fatal: the segment rebuilds it by
// scanning the log file, which is self-describing (see message.go).
//
// =============================================================================

package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

const (
	// indexEntrySize is relativeOffset(4) + position(4).
	indexEntrySize = 8

	// indexIntervalBytes is how much log data accumulates between index
	// entries. Matches Kafka's index.interval.bytes default.
	indexIntervalBytes = 4096
)

var (
	// ErrIndexCorrupt means the index file length is not a whole number of
	// entries, or an entry is out of order. The caller rebuilds from the log.
	ErrIndexCorrupt = errors.New("index corrupt")

	// ErrOffsetNotIndexed means the target offset precedes the first entry.
	ErrOffsetNotIndexed = errors.New("offset not indexed")
)

// IndexEntry maps an absolute offset to a byte position in the log file.
type IndexEntry struct {
	Offset   int64
	Position int64
}

// Index is the sparse offset index for one segment. Entries are kept in
// memory for binary search and appended to the file as they are added.
type Index struct {
	mu         sync.RWMutex
	file       *os.File
	path       string
	baseOffset int64
	entries    []IndexEntry

	// bytesSinceEntry drives the sparse interval.
	bytesSinceEntry int64
}

// NewIndex creates an empty index file, truncating any existing one.
func NewIndex(path string, baseOffset int64) (*Index, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create index %s: %w", path, err)
	}
	return &Index{
		file:       file,
		path:       path,
		baseOffset: baseOffset,
		// First appended record always gets an entry.
		bytesSinceEntry: indexIntervalBytes,
	}, nil
}

// LoadIndex opens an existing index file and reads all entries into memory.
// Returns ErrIndexCorrupt when the file cannot be trusted.
func LoadIndex(path string, baseOffset int64) (*Index, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat index %s: %w", path, err)
	}
	if info.Size()%indexEntrySize != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: size %d not a multiple of %d", ErrIndexCorrupt, info.Size(), indexEntrySize)
	}

	idx := &Index{
		file:            file,
		path:            path,
		baseOffset:      baseOffset,
		bytesSinceEntry: indexIntervalBytes,
	}

	buf := make([]byte, indexEntrySize)
	for {
		_, err := io.ReadFull(file, buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("read index %s: %w", path, err)
		}
		entry := IndexEntry{
			Offset:   baseOffset + int64(binary.BigEndian.Uint32(buf[0:4])),
			Position: int64(binary.BigEndian.Uint32(buf[4:8])),
		}
		if n := len(idx.entries); n > 0 && entry.Offset <= idx.entries[n-1].Offset {
			file.Close()
			return nil, fmt.Errorf("%w: offsets out of order at entry %d", ErrIndexCorrupt, n)
		}
		idx.entries = append(idx.entries, entry)
	}
	return idx, nil
}

// MaybeAppend records (offset, position) if at least indexIntervalBytes of
// log data accumulated since the last entry. size is the encoded length of
// the record at this position. Reports whether an entry was written.
func (idx *Index) MaybeAppend(offset, position, size int64) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.bytesSinceEntry < indexIntervalBytes {
		idx.bytesSinceEntry += size
		return false, nil
	}
	if err := idx.append(offset, position); err != nil {
		return false, err
	}
	idx.bytesSinceEntry = size
	return true, nil
}

func (idx *Index) append(offset, position int64) error {
	var buf [indexEntrySize]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(offset-idx.baseOffset))
	binary.BigEndian.PutUint32(buf[4:8], uint32(position))
	if _, err := idx.file.Write(buf[:]); err != nil {
		return fmt.Errorf("append index entry: %w", err)
	}
	idx.entries = append(idx.entries, IndexEntry{Offset: offset, Position: position})
	return nil
}

// Lookup returns the entry with the greatest offset <= target, the starting
// point for a forward scan. ErrOffsetNotIndexed when the index is empty or
// target precedes the first entry; the caller then scans from position 0.
func (idx *Index) Lookup(target int64) (IndexEntry, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 || target < idx.entries[0].Offset {
		return IndexEntry{}, ErrOffsetNotIndexed
	}
	// First entry strictly greater than target, then step back one.
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Offset > target
	})
	return idx.entries[i-1], nil
}

// EntryCount returns the number of in-memory entries.
func (idx *Index) EntryCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Sync flushes the index file to disk.
func (idx *Index) Sync() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.file.Sync()
}

// Close syncs and closes the index file.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if err := idx.file.Sync(); err != nil {
		idx.file.Close()
		return err
	}
	return idx.file.Close()
}

// TruncateTo drops all entries at or after offset, shrinking the file to
// match. Used when the log truncates after an unclean shutdown.
func (idx *Index) TruncateTo(offset int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	keep := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Offset >= offset
	})
	idx.entries = idx.entries[:keep]
	if err := idx.file.Truncate(int64(keep) * indexEntrySize); err != nil {
		return fmt.Errorf("truncate index: %w", err)
	}
	if _, err := idx.file.Seek(int64(keep)*indexEntrySize, io.SeekStart); err != nil {
		return fmt.Errorf("seek index: %w", err)
	}
	return nil
}
