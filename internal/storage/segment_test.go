// =============================================================================
// SEGMENT TESTS
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
// 1. Append assigns contiguous offsets starting at the base offset
// 2. Read/ReadFrom return the right records, and out-of-range fails
// 3. ErrSegmentFull once the size limit is reached
// 4. Sealed segments reject appends
// 5. LoadSegment recovers offsets and truncates a torn tail
// 6. A lost index is rebuilt from the log file
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newTestSegment(t *testing.T, baseOffset int64, maxBytes int64) *Segment {
	t.Helper()
	seg, err := NewSegment(t.TempDir(), baseOffset, maxBytes)
	if err != nil {
		t.Fatalf("NewSegment() error = %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return seg
}

func TestSegmentAppendAssignsContiguousOffsets(t *testing.T) {
	seg := newTestSegment(t, 100, 0)

	for i := 0; i < 10; i++ {
		offset, err := seg.Append(NewMessage(nil, []byte(fmt.Sprintf("msg-%d", i))))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if want := int64(100 + i); offset != want {
			t.Errorf("Append() offset = %d, want %d", offset, want)
		}
	}
	if got := seg.NextOffset(); got != 110 {
		t.Errorf("NextOffset() = %d, want 110", got)
	}
	if got := seg.MessageCount(); got != 10 {
		t.Errorf("MessageCount() = %d, want 10", got)
	}
}

func TestSegmentReadFrom(t *testing.T) {
	seg := newTestSegment(t, 0, 0)
	for i := 0; i < 20; i++ {
		if _, err := seg.Append(NewMessage(nil, []byte(fmt.Sprintf("msg-%d", i)))); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	msgs, err := seg.ReadFrom(5, 3)
	if err != nil {
		t.Fatalf("ReadFrom(5, 3) error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("ReadFrom(5, 3) returned %d messages, want 3", len(msgs))
	}
	for i, msg := range msgs {
		if want := int64(5 + i); msg.Offset != want {
			t.Errorf("messages[%d].Offset = %d, want %d", i, msg.Offset, want)
		}
	}

	single, err := seg.Read(7)
	if err != nil {
		t.Fatalf("Read(7) error = %v", err)
	}
	if string(single.Value) != "msg-7" {
		t.Errorf("Read(7).Value = %q, want %q", single.Value, "msg-7")
	}

	if _, err := seg.ReadFrom(20, 1); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("ReadFrom(past end) error = %v, want ErrOffsetOutOfRange", err)
	}
}

func TestSegmentFull(t *testing.T) {
	// Tiny limit: a couple of records fill it.
	seg := newTestSegment(t, 0, 100)

	var err error
	for i := 0; i < 10; i++ {
		_, err = seg.Append(NewMessage(nil, []byte("0123456789012345678901234567890123456789")))
		if err != nil {
			break
		}
	}
	if !errors.Is(err, ErrSegmentFull) {
		t.Fatalf("expected ErrSegmentFull, got %v", err)
	}
	if !seg.IsFull() {
		t.Error("IsFull() = false after ErrSegmentFull")
	}
}

func TestSegmentSealRejectsAppend(t *testing.T) {
	seg := newTestSegment(t, 0, 0)
	if _, err := seg.Append(NewMessage(nil, []byte("a"))); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := seg.Seal(); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := seg.Append(NewMessage(nil, []byte("b"))); !errors.Is(err, ErrSegmentSealed) {
		t.Errorf("Append() after Seal error = %v, want ErrSegmentSealed", err)
	}
	// Reads still work.
	if _, err := seg.Read(0); err != nil {
		t.Errorf("Read() after Seal error = %v", err)
	}
}

func TestLoadSegmentRecoversState(t *testing.T) {
	dir := t.TempDir()
	seg, err := NewSegment(dir, 50, 0)
	if err != nil {
		t.Fatalf("NewSegment() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := seg.Append(NewMessage([]byte("k"), []byte(fmt.Sprintf("v-%d", i)))); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	loaded, err := LoadSegment(dir, 50, 0)
	if err != nil {
		t.Fatalf("LoadSegment() error = %v", err)
	}
	defer loaded.Close()

	if got := loaded.NextOffset(); got != 55 {
		t.Errorf("NextOffset() after load = %d, want 55", got)
	}
	msg, err := loaded.Read(52)
	if err != nil {
		t.Fatalf("Read(52) error = %v", err)
	}
	if string(msg.Value) != "v-2" {
		t.Errorf("Read(52).Value = %q, want %q", msg.Value, "v-2")
	}

	// Appends continue where the previous process stopped.
	offset, err := loaded.Append(NewMessage(nil, []byte("v-5")))
	if err != nil {
		t.Fatalf("Append() after load error = %v", err)
	}
	if offset != 55 {
		t.Errorf("Append() after load offset = %d, want 55", offset)
	}
}

func TestLoadSegmentTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("NewSegment() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := seg.Append(NewMessage(nil, []byte("payload"))); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Simulate a crash mid-write: garbage half-record at the end.
	logPath := filepath.Join(dir, SegmentFileName(0))
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.Write([]byte{MagicByte1, MagicByte2, FormatVersion, 0, 1, 2, 3}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	loaded, err := LoadSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("LoadSegment() error = %v", err)
	}
	defer loaded.Close()

	if got := loaded.NextOffset(); got != 3 {
		t.Errorf("NextOffset() after torn tail = %d, want 3", got)
	}
	offset, err := loaded.Append(NewMessage(nil, []byte("after-recovery")))
	if err != nil {
		t.Fatalf("Append() after recovery error = %v", err)
	}
	if offset != 3 {
		t.Errorf("Append() after recovery offset = %d, want 3", offset)
	}
	msg, err := loaded.Read(3)
	if err != nil {
		t.Fatalf("Read(3) error = %v", err)
	}
	if string(msg.Value) != "after-recovery" {
		t.Errorf("Read(3).Value = %q, want %q", msg.Value, "after-recovery")
	}
}

func TestLoadSegmentRebuildsMissingIndex(t *testing.T) {
	dir := t.TempDir()
	seg, err := NewSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("NewSegment() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := seg.Append(NewMessage(nil, []byte(fmt.Sprintf("v-%d", i)))); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := os.Remove(filepath.Join(dir, IndexFileName(0))); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	loaded, err := LoadSegment(dir, 0, 0)
	if err != nil {
		t.Fatalf("LoadSegment() without index error = %v", err)
	}
	defer loaded.Close()

	msg, err := loaded.Read(6)
	if err != nil {
		t.Fatalf("Read(6) after rebuild error = %v", err)
	}
	if string(msg.Value) != "v-6" {
		t.Errorf("Read(6).Value = %q, want %q", msg.Value, "v-6")
	}
}
