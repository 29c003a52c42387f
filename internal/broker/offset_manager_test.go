// =============================================================================
// OFFSET MANAGER TESTS - Commits survive a restart
// =============================================================================

package broker

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOffsetsPersistAcrossReload(t *testing.T) {
	dir := t.TempDir()

	om, err := NewOffsetManager(dir)
	if err != nil {
		t.Fatalf("NewOffsetManager() error = %v", err)
	}
	if err := om.Commit("readers", "events", 0, 42, "ckpt"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := om.Commit("readers", "events", 1, 7, ""); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := om.Commit("writers", "audit", 0, 3, ""); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// Fresh manager over the same directory sees everything.
	om2, err := NewOffsetManager(dir)
	if err != nil {
		t.Fatalf("reload NewOffsetManager() error = %v", err)
	}
	co, ok := om2.Fetch("readers", "events", 0)
	if !ok || co.Offset != 42 || co.Metadata != "ckpt" {
		t.Errorf("Fetch after reload = %+v, %v; want offset 42 metadata ckpt", co, ok)
	}
	if co, ok := om2.Fetch("readers", "events", 1); !ok || co.Offset != 7 {
		t.Errorf("Fetch partition 1 after reload = %+v, %v; want offset 7", co, ok)
	}
	if got := len(om2.Groups()); got != 2 {
		t.Errorf("Groups() after reload = %d, want 2", got)
	}
}

func TestCommitOverwritesPrevious(t *testing.T) {
	om, err := NewOffsetManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewOffsetManager() error = %v", err)
	}
	for _, off := range []int64{5, 10, 8} {
		if err := om.Commit("readers", "events", 0, off, ""); err != nil {
			t.Fatalf("Commit(%d) error = %v", off, err)
		}
	}
	// Last write wins, even when it moves backwards.
	if co, _ := om.Fetch("readers", "events", 0); co.Offset != 8 {
		t.Errorf("Fetch() offset = %d, want 8", co.Offset)
	}
}

func TestDeleteGroupRemovesFile(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOffsetManager(dir)
	if err != nil {
		t.Fatalf("NewOffsetManager() error = %v", err)
	}
	if err := om.Commit("readers", "events", 0, 1, ""); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	path := filepath.Join(dir, offsetsDirName, "readers.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("group file missing before delete: %v", err)
	}

	if err := om.DeleteGroup("readers"); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("group file still present after delete")
	}
	if _, ok := om.Fetch("readers", "events", 0); ok {
		t.Error("Fetch() after delete still returns a commit")
	}

	// Deleting a group that was never committed is not an error.
	if err := om.DeleteGroup("ghost"); err != nil {
		t.Errorf("DeleteGroup(ghost) error = %v", err)
	}
}

func TestDeleteTopicDropsCommitsEverywhere(t *testing.T) {
	om, err := NewOffsetManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewOffsetManager() error = %v", err)
	}
	om.Commit("a", "events", 0, 1, "")
	om.Commit("b", "events", 0, 2, "")
	om.Commit("b", "audit", 0, 3, "")

	if err := om.DeleteTopic("events"); err != nil {
		t.Fatalf("DeleteTopic() error = %v", err)
	}
	if _, ok := om.Fetch("a", "events", 0); ok {
		t.Error("group a still holds a commit for the deleted topic")
	}
	if _, ok := om.Fetch("b", "events", 0); ok {
		t.Error("group b still holds a commit for the deleted topic")
	}
	if co, ok := om.Fetch("b", "audit", 0); !ok || co.Offset != 3 {
		t.Errorf("unrelated topic commit = %+v, %v; want offset 3", co, ok)
	}
}

func TestGroupIDSanitizedInPath(t *testing.T) {
	dir := t.TempDir()
	om, err := NewOffsetManager(dir)
	if err != nil {
		t.Fatalf("NewOffsetManager() error = %v", err)
	}
	if err := om.Commit("../evil/group", "events", 0, 1, ""); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, offsetsDirName))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("offsets dir has %d entries, want 1", len(entries))
	}
	if name := entries[0].Name(); name != ".._evil_group.json" {
		t.Errorf("sanitized file name = %q", name)
	}
}
