// =============================================================================
// GROUP COORDINATOR - Join/Sync/Heartbeat/Commit for every group
// =============================================================================
//
// One coordinator per broker. It owns the group table, runs the session
// sweep, and is the only writer of group state. Locking is two-level: the
// coordinator lock guards the table, a per-group lock serializes that
// group's mutations, so independent groups never contend.
//
// The join/sync flow is the classic two-step:
//
//   1. Every member calls JoinGroup. The group moves to PreparingRebalance,
//      collects the member, bumps the generation, and answers with the new
//      generation, the member's id, and (for the leader) the full roster.
//   2. The leader computes assignments and calls SyncGroup with them;
//      followers call SyncGroup with none. The coordinator distributes each
//      member its slice and the group settles into Stable. When the leader
//      sends no assignments the coordinator computes them itself from the
//      group's protocol, so thin clients work without leader-side logic.
//
// The coordinator never writes to partition logs. It reads high-water marks
// through the metadata provider only to validate commits and compute lag.
//
// =============================================================================

package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MetadataProvider is the slice of broker state the coordinator needs.
type MetadataProvider interface {
	PartitionCount(topic string) (int, bool)
	PartitionHighWaterMark(topic string, partition int) (int64, error)
}

// GroupConfig tunes session handling.
type GroupConfig struct {
	// SessionTimeout evicts members that miss heartbeats for this long.
	// Joins may request their own timeout; this is the default and cap.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// EmptyGroupTTL moves an Empty group to Dead after this long with no
	// members. Defaults to SessionTimeout when zero.
	EmptyGroupTTL time.Duration `yaml:"empty_group_ttl"`

	// SweepInterval is how often expiry is checked.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultGroupConfig returns production defaults.
func DefaultGroupConfig() GroupConfig {
	return GroupConfig{
		SessionTimeout: 30 * time.Second,
		EmptyGroupTTL:  30 * time.Second,
		SweepInterval:  time.Second,
	}
}

// GroupCoordinator manages all consumer groups on the broker.
type GroupCoordinator struct {
	mu sync.RWMutex

	config   GroupConfig
	groups   map[string]*Group
	locks    map[string]*sync.Mutex
	offsets  *OffsetManager
	metadata MetadataProvider
	logger   *zap.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewGroupCoordinator wires the coordinator. Call Start to run the session
// sweep and Stop on shutdown.
func NewGroupCoordinator(config GroupConfig, offsets *OffsetManager, metadata MetadataProvider, logger *zap.Logger) *GroupCoordinator {
	if config.EmptyGroupTTL == 0 {
		config.EmptyGroupTTL = config.SessionTimeout
	}
	return &GroupCoordinator{
		config:   config,
		groups:   make(map[string]*Group),
		locks:    make(map[string]*sync.Mutex),
		offsets:  offsets,
		metadata: metadata,
		logger:   logger.Named("coordinator"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the session sweep.
func (gc *GroupCoordinator) Start() {
	gc.wg.Add(1)
	go gc.sweepLoop()
}

// Stop halts the sweep.
func (gc *GroupCoordinator) Stop() {
	close(gc.stopCh)
	gc.wg.Wait()
}

// groupLock returns the mutex serializing one group id, creating it on
// first use. Lock order is always group lock before any offset access.
func (gc *GroupCoordinator) groupLock(groupID string) *sync.Mutex {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	l, ok := gc.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		gc.locks[groupID] = l
	}
	return l
}

func (gc *GroupCoordinator) getGroup(groupID string) (*Group, bool) {
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	g, ok := gc.groups[groupID]
	return g, ok
}

// JoinGroupRequest carries one member's join.
type JoinGroupRequest struct {
	GroupID        string
	MemberID       string // empty on first join
	ClientID       string
	ClientHost     string
	Protocol       string // "range" (default) or "roundrobin"
	Subscriptions  []string
	SessionTimeout time.Duration // 0 means the broker default
}

// JoinGroupMember is roster info returned to the leader.
type JoinGroupMember struct {
	MemberID      string
	ClientID      string
	Subscriptions []string
}

// JoinGroupResponse answers a join.
type JoinGroupResponse struct {
	Generation int
	MemberID   string
	LeaderID   string
	Protocol   string
	// Members is populated only for the leader.
	Members []JoinGroupMember
}

// JoinGroup adds or refreshes a member and starts a rebalance. A Dead group
// is resurrected as a fresh group under the same id.
func (gc *GroupCoordinator) JoinGroup(req JoinGroupRequest) (JoinGroupResponse, error) {
	if req.GroupID == "" {
		return JoinGroupResponse{}, fmt.Errorf("group id required")
	}
	lock := gc.groupLock(req.GroupID)
	lock.Lock()
	defer lock.Unlock()

	gc.mu.Lock()
	g, ok := gc.groups[req.GroupID]
	if !ok || g.State == GroupStateDead {
		g = newGroup(req.GroupID)
		gc.groups[req.GroupID] = g
	}
	gc.mu.Unlock()

	memberID := req.MemberID
	if memberID == "" {
		memberID = req.ClientID + "-" + uuid.NewString()
	} else if _, ok := g.Members[memberID]; !ok {
		// A rejoin with an id the coordinator no longer knows: the session
		// already expired. The member must rejoin without an id.
		return JoinGroupResponse{}, fmt.Errorf("%w: %s", ErrUnknownMember, memberID)
	}

	sessionTimeout := req.SessionTimeout
	if sessionTimeout <= 0 || sessionTimeout > gc.config.SessionTimeout {
		sessionTimeout = gc.config.SessionTimeout
	}

	now := time.Now()
	m, ok := g.Members[memberID]
	if !ok {
		m = &Member{ID: memberID, JoinedAt: now}
		g.Members[memberID] = m
	}
	m.ClientID = req.ClientID
	m.ClientHost = req.ClientHost
	m.Subscriptions = append([]string(nil), req.Subscriptions...)
	m.SessionTimeout = sessionTimeout
	m.LastHeartbeat = now

	if req.Protocol != "" {
		g.Protocol = req.Protocol
	}
	if g.Protocol == "" {
		g.Protocol = "range"
	}

	// Every join starts a new generation; assignments are invalid until the
	// leader syncs.
	g.resetRebalance()
	g.electLeader()

	resp := JoinGroupResponse{
		Generation: g.Generation,
		MemberID:   memberID,
		LeaderID:   g.LeaderID,
		Protocol:   g.Protocol,
	}
	if memberID == g.LeaderID {
		for _, id := range g.memberIDs() {
			mm := g.Members[id]
			resp.Members = append(resp.Members, JoinGroupMember{
				MemberID:      mm.ID,
				ClientID:      mm.ClientID,
				Subscriptions: append([]string(nil), mm.Subscriptions...),
			})
		}
	}

	gc.logger.Info("member joined group",
		zap.String("group", g.ID),
		zap.String("member", memberID),
		zap.Int("generation", g.Generation),
		zap.Int("members", len(g.Members)))
	return resp, nil
}

// SyncGroupRequest distributes (or requests) assignments after a join.
// Assignments is non-nil only from the leader; nil asks the coordinator to
// compute server-side.
type SyncGroupRequest struct {
	GroupID     string
	MemberID    string
	Generation  int
	Assignments map[string]map[string][]int // member -> topic -> partitions
}

// SyncGroup completes a rebalance. Returns the caller's assignment.
func (gc *GroupCoordinator) SyncGroup(req SyncGroupRequest) (map[string][]int, error) {
	lock := gc.groupLock(req.GroupID)
	lock.Lock()
	defer lock.Unlock()

	g, ok := gc.getGroup(req.GroupID)
	if !ok || g.State == GroupStateDead {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, req.GroupID)
	}
	m, ok := g.Members[req.MemberID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, req.MemberID)
	}
	if req.Generation != g.Generation {
		return nil, fmt.Errorf("%w: have %d, group at %d", ErrIllegalGeneration, req.Generation, g.Generation)
	}

	if !g.assignmentsReady {
		// Only the leader (with explicit assignments or by asking the
		// coordinator to compute them) can finish the round.
		if req.MemberID != g.LeaderID {
			m.LastHeartbeat = time.Now()
			return nil, fmt.Errorf("%w: group %s", ErrRebalanceInProgress, g.ID)
		}
		assignments := req.Assignments
		if assignments == nil {
			assignments = gc.computeAssignments(g)
		}
		for id, member := range g.Members {
			member.Assignment = assignments[id]
		}
		g.assignmentsReady = true
		g.State = GroupStateCompletingRebalance
	}

	m.LastHeartbeat = time.Now()
	g.synced[req.MemberID] = struct{}{}
	if len(g.synced) == len(g.Members) {
		g.State = GroupStateStable
		gc.logger.Info("group stabilized",
			zap.String("group", g.ID),
			zap.Int("generation", g.Generation),
			zap.String("protocol", g.Protocol))
	}
	return m.Assignment, nil
}

// computeAssignments runs the group's strategy over live topic metadata.
func (gc *GroupCoordinator) computeAssignments(g *Group) map[string]map[string][]int {
	topics := g.subscribedTopics()
	counts := make(map[string]int, len(topics))
	known := topics[:0]
	for _, t := range topics {
		if n, ok := gc.metadata.PartitionCount(t); ok {
			counts[t] = n
			known = append(known, t)
		}
	}
	if g.Protocol == "roundrobin" {
		return assignRoundRobin(g.memberIDs(), known, counts)
	}
	return assignRange(g.memberIDs(), known, counts)
}

// Heartbeat refreshes a member's session. ErrRebalanceInProgress tells the
// member to rejoin.
func (gc *GroupCoordinator) Heartbeat(groupID, memberID string, generation int) error {
	lock := gc.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	g, ok := gc.getGroup(groupID)
	if !ok || g.State == GroupStateDead {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	m, ok := g.Members[memberID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, memberID)
	}
	if generation != g.Generation {
		return fmt.Errorf("%w: have %d, group at %d", ErrIllegalGeneration, generation, g.Generation)
	}
	m.LastHeartbeat = time.Now()
	if g.State == GroupStatePreparingRebalance || g.State == GroupStateCompletingRebalance {
		return fmt.Errorf("%w: group %s", ErrRebalanceInProgress, groupID)
	}
	return nil
}

// LeaveGroup removes a member voluntarily.
func (gc *GroupCoordinator) LeaveGroup(groupID, memberID string) error {
	lock := gc.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	g, ok := gc.getGroup(groupID)
	if !ok || g.State == GroupStateDead {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	if _, ok := g.Members[memberID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMember, memberID)
	}
	if g.removeMember(memberID) {
		g.resetRebalance()
	}
	gc.logger.Info("member left group",
		zap.String("group", groupID),
		zap.String("member", memberID),
		zap.Int("members", len(g.Members)))
	return nil
}

// CommitOffset records a committed offset. generation < 0 skips the
// generation check for standalone consumers that never joined.
func (gc *GroupCoordinator) CommitOffset(groupID string, generation int, topic string, partition int, offset int64, metadata string) error {
	lock := gc.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	if g, ok := gc.getGroup(groupID); ok {
		if g.State == GroupStateDead {
			return fmt.Errorf("%w: %s", ErrGroupDead, groupID)
		}
		if generation >= 0 && generation != g.Generation {
			return fmt.Errorf("%w: have %d, group at %d", ErrIllegalGeneration, generation, g.Generation)
		}
	} else if generation >= 0 {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}

	hwm, err := gc.metadata.PartitionHighWaterMark(topic, partition)
	if err != nil {
		return err
	}
	if offset < 0 || offset > hwm {
		return fmt.Errorf("%w: commit %d, high-water mark %d", ErrOffsetOutOfRange, offset, hwm)
	}
	return gc.offsets.Commit(groupID, topic, partition, offset, metadata)
}

// FetchCommitted returns the last committed offset, ok=false when none.
func (gc *GroupCoordinator) FetchCommitted(groupID, topic string, partition int) (CommittedOffset, bool) {
	return gc.offsets.Fetch(groupID, topic, partition)
}

// GroupSummary is list-level group info.
type GroupSummary struct {
	GroupID string
	State   GroupState
	Members int
}

// ListGroups returns a summary of every known group, including groups that
// exist only as persisted offsets (standalone committers).
func (gc *GroupCoordinator) ListGroups() []GroupSummary {
	gc.mu.RLock()
	summaries := make(map[string]GroupSummary, len(gc.groups))
	for id, g := range gc.groups {
		summaries[id] = GroupSummary{GroupID: id, State: g.State, Members: len(g.Members)}
	}
	gc.mu.RUnlock()

	for _, id := range gc.offsets.Groups() {
		if _, ok := summaries[id]; !ok {
			summaries[id] = GroupSummary{GroupID: id, State: GroupStateEmpty}
		}
	}

	out := make([]GroupSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// MemberDetail is describe-level member info.
type MemberDetail struct {
	MemberID   string
	ClientID   string
	ClientHost string
	Partitions map[string][]int
}

// OffsetCommitDetail is describe-level commit info with lag.
type OffsetCommitDetail struct {
	Topic         string
	Partition     int
	Offset        int64
	HighWaterMark int64
	Lag           int64
	Metadata      string
}

// GroupDetail is the full describe payload.
type GroupDetail struct {
	GroupID       string
	State         GroupState
	Generation    int
	ProtocolType  string
	Protocol      string
	Members       []MemberDetail
	OffsetCommits []OffsetCommitDetail
}

// DescribeGroup returns detailed state for one group. A group with commits
// but no live membership is reported Empty.
func (gc *GroupCoordinator) DescribeGroup(groupID string) (GroupDetail, error) {
	lock := gc.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	detail := GroupDetail{GroupID: groupID, State: GroupStateEmpty, ProtocolType: "consumer"}

	g, live := gc.getGroup(groupID)
	commits := gc.offsets.GroupCommits(groupID)
	if !live && len(commits) == 0 {
		return GroupDetail{}, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	if live {
		detail.State = g.State
		detail.Generation = g.Generation
		detail.ProtocolType = g.ProtocolType
		detail.Protocol = g.Protocol
		for _, id := range g.memberIDs() {
			m := g.Members[id]
			detail.Members = append(detail.Members, MemberDetail{
				MemberID:   m.ID,
				ClientID:   m.ClientID,
				ClientHost: m.ClientHost,
				Partitions: m.Assignment,
			})
		}
	}

	topics := make([]string, 0, len(commits))
	for t := range commits {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		parts := make([]int, 0, len(commits[topic]))
		for p := range commits[topic] {
			parts = append(parts, p)
		}
		sort.Ints(parts)
		for _, p := range parts {
			co := commits[topic][p]
			hwm, err := gc.metadata.PartitionHighWaterMark(topic, p)
			if err != nil {
				continue // topic deleted after the commit
			}
			detail.OffsetCommits = append(detail.OffsetCommits, OffsetCommitDetail{
				Topic:         topic,
				Partition:     p,
				Offset:        co.Offset,
				HighWaterMark: hwm,
				Lag:           hwm - co.Offset,
				Metadata:      co.Metadata,
			})
		}
	}
	return detail, nil
}

// DeleteGroup removes a group and its commits.
func (gc *GroupCoordinator) DeleteGroup(groupID string) error {
	lock := gc.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	gc.mu.Lock()
	g, ok := gc.groups[groupID]
	if ok {
		g.State = GroupStateDead
		g.Members = make(map[string]*Member)
	}
	gc.mu.Unlock()

	if err := gc.offsets.DeleteGroup(groupID); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	return nil
}

// sweepLoop evicts expired members and retires empty groups.
func (gc *GroupCoordinator) sweepLoop() {
	defer gc.wg.Done()
	ticker := time.NewTicker(gc.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gc.stopCh:
			return
		case <-ticker.C:
			gc.sweep(time.Now())
		}
	}
}

// sweep runs one expiry pass against the given clock reading.
func (gc *GroupCoordinator) sweep(now time.Time) {
	gc.mu.RLock()
	ids := make([]string, 0, len(gc.groups))
	for id := range gc.groups {
		ids = append(ids, id)
	}
	gc.mu.RUnlock()

	for _, id := range ids {
		lock := gc.groupLock(id)
		lock.Lock()
		g, ok := gc.getGroup(id)
		if !ok {
			lock.Unlock()
			continue
		}
		for _, memberID := range g.expiredMembers(now) {
			gc.logger.Warn("evicting expired member",
				zap.String("group", id),
				zap.String("member", memberID))
			if g.removeMember(memberID) {
				g.resetRebalance()
			}
		}
		if g.State == GroupStateEmpty && now.Sub(g.EmptySince) > gc.config.EmptyGroupTTL {
			gc.logger.Info("retiring empty group", zap.String("group", id))
			g.State = GroupStateDead
		}
		lock.Unlock()
	}
}
