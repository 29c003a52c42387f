// =============================================================================
// OFFSET MANAGER - Durable committed offsets per consumer group
// =============================================================================
//
// Committed offsets are the one piece of consumer state that must survive a
// broker restart: losing them forces every group back to auto-offset-reset.
// Each group persists as one JSON file under {dataDir}/_offsets/{group}.json,
// rewritten atomically (tmp + rename) on every commit. Group commit volume
// is low enough that a rewrite per commit is simpler and safer than an
// append format with compaction.
//
// =============================================================================

package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const offsetsDirName = "_offsets"

// CommittedOffset is one (topic, partition) commit within a group.
type CommittedOffset struct {
	Offset      int64     `json:"offset"`
	Metadata    string    `json:"metadata,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

// groupOffsets is the persisted per-group file.
type groupOffsets struct {
	GroupID   string                               `json:"group_id"`
	Topics    map[string]map[int]*CommittedOffset  `json:"topics"`
	UpdatedAt time.Time                            `json:"updated_at"`
}

// OffsetManager stores committed offsets for every group.
type OffsetManager struct {
	mu sync.RWMutex

	dir    string
	groups map[string]*groupOffsets
}

// NewOffsetManager loads any persisted group files from dataDir.
func NewOffsetManager(dataDir string) (*OffsetManager, error) {
	dir := filepath.Join(dataDir, offsetsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create offsets dir: %w", err)
	}

	om := &OffsetManager{dir: dir, groups: make(map[string]*groupOffsets)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read offsets dir: %w", err)
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read group offsets %s: %w", e.Name(), err)
		}
		var g groupOffsets
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, fmt.Errorf("parse group offsets %s: %w", e.Name(), err)
		}
		om.groups[g.GroupID] = &g
	}
	return om, nil
}

// Commit records offset for (group, topic, partition) and persists.
func (om *OffsetManager) Commit(groupID, topic string, partition int, offset int64, metadata string) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	g, ok := om.groups[groupID]
	if !ok {
		g = &groupOffsets{GroupID: groupID, Topics: make(map[string]map[int]*CommittedOffset)}
		om.groups[groupID] = g
	}
	parts, ok := g.Topics[topic]
	if !ok {
		parts = make(map[int]*CommittedOffset)
		g.Topics[topic] = parts
	}
	parts[partition] = &CommittedOffset{
		Offset:      offset,
		Metadata:    metadata,
		CommittedAt: time.Now(),
	}
	g.UpdatedAt = time.Now()
	return om.persistLocked(g)
}

// Fetch returns the committed offset, or ok=false when nothing was
// committed for that (group, topic, partition).
func (om *OffsetManager) Fetch(groupID, topic string, partition int) (CommittedOffset, bool) {
	om.mu.RLock()
	defer om.mu.RUnlock()

	g, ok := om.groups[groupID]
	if !ok {
		return CommittedOffset{}, false
	}
	co, ok := g.Topics[topic][partition]
	if !ok {
		return CommittedOffset{}, false
	}
	return *co, true
}

// GroupCommits returns every commit a group holds, keyed by topic then
// partition. The maps are copies.
func (om *OffsetManager) GroupCommits(groupID string) map[string]map[int]CommittedOffset {
	om.mu.RLock()
	defer om.mu.RUnlock()

	out := make(map[string]map[int]CommittedOffset)
	g, ok := om.groups[groupID]
	if !ok {
		return out
	}
	for topic, parts := range g.Topics {
		out[topic] = make(map[int]CommittedOffset, len(parts))
		for p, co := range parts {
			out[topic][p] = *co
		}
	}
	return out
}

// Groups returns every group id with at least one commit.
func (om *OffsetManager) Groups() []string {
	om.mu.RLock()
	defer om.mu.RUnlock()
	out := make([]string, 0, len(om.groups))
	for id := range om.groups {
		out = append(out, id)
	}
	return out
}

// DeleteGroup forgets a group's commits and removes its file.
func (om *OffsetManager) DeleteGroup(groupID string) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	delete(om.groups, groupID)
	path := om.groupPath(groupID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove group offsets %s: %w", groupID, err)
	}
	return nil
}

// DeleteTopic drops all commits for a topic across every group. Called when
// the topic is deleted so stale offsets do not outlive it.
func (om *OffsetManager) DeleteTopic(topic string) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	for _, g := range om.groups {
		if _, ok := g.Topics[topic]; !ok {
			continue
		}
		delete(g.Topics, topic)
		g.UpdatedAt = time.Now()
		if err := om.persistLocked(g); err != nil {
			return err
		}
	}
	return nil
}

func (om *OffsetManager) groupPath(groupID string) string {
	// Group ids come from clients; keep the file name safe.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, groupID)
	return filepath.Join(om.dir, safe+".json")
}

func (om *OffsetManager) persistLocked(g *groupOffsets) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	path := om.groupPath(g.GroupID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write group offsets: %w", err)
	}
	return os.Rename(tmp, path)
}
