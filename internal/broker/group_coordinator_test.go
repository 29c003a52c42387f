// =============================================================================
// GROUP COORDINATOR TESTS - Membership, rebalancing, offset commits
// =============================================================================
//
// KEY BEHAVIORS TO TEST:
// 1. Join starts a rebalance: PreparingRebalance, generation bumped
// 2. Sync settles the group into Stable with a full, disjoint assignment
// 3. Followers syncing before the leader are told to wait
// 4. Stale generations are fenced on heartbeat and commit
// 5. Expired members are evicted and the remainder rebalances
// 6. Empty groups die after the TTL and a join resurrects them
// 7. Commits beyond the high-water mark are rejected
//
// The session sweep is driven by hand with fabricated clock readings, so no
// test sleeps its way through a timeout.
//
// =============================================================================

package broker

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeMetadata is a canned MetadataProvider.
type fakeMetadata struct {
	partitions map[string]int
	hwm        map[string]int64
}

func (f *fakeMetadata) PartitionCount(topic string) (int, bool) {
	n, ok := f.partitions[topic]
	return n, ok
}

func (f *fakeMetadata) PartitionHighWaterMark(topic string, partition int) (int64, error) {
	if _, ok := f.partitions[topic]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
	}
	return f.hwm[topic], nil
}

func newTestCoordinator(t *testing.T, cfg GroupConfig) (*GroupCoordinator, *fakeMetadata) {
	t.Helper()
	offsets, err := NewOffsetManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewOffsetManager() error = %v", err)
	}
	md := &fakeMetadata{
		partitions: map[string]int{"events": 4},
		hwm:        map[string]int64{"events": 100},
	}
	return NewGroupCoordinator(cfg, offsets, md, zap.NewNop()), md
}

func joinMember(t *testing.T, gc *GroupCoordinator, group, client string, timeout time.Duration) JoinGroupResponse {
	t.Helper()
	resp, err := gc.JoinGroup(JoinGroupRequest{
		GroupID:        group,
		ClientID:       client,
		ClientHost:     "127.0.0.1",
		Subscriptions:  []string{"events"},
		SessionTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("JoinGroup(%s) error = %v", client, err)
	}
	return resp
}

func TestJoinGroupStartsRebalance(t *testing.T) {
	gc, _ := newTestCoordinator(t, DefaultGroupConfig())

	resp := joinMember(t, gc, "readers", "client-a", 0)

	if resp.Generation != 1 {
		t.Errorf("generation = %d, want 1", resp.Generation)
	}
	if resp.MemberID == "" {
		t.Error("member id is empty")
	}
	if resp.LeaderID != resp.MemberID {
		t.Errorf("sole member is not leader: leader = %s, member = %s", resp.LeaderID, resp.MemberID)
	}
	if len(resp.Members) != 1 {
		t.Errorf("leader roster has %d members, want 1", len(resp.Members))
	}

	g, ok := gc.getGroup("readers")
	if !ok {
		t.Fatal("group not registered")
	}
	if g.State != GroupStatePreparingRebalance {
		t.Errorf("state after join = %s, want PreparingRebalance", g.State)
	}
}

func TestSyncGroupStabilizes(t *testing.T) {
	gc, _ := newTestCoordinator(t, DefaultGroupConfig())
	resp := joinMember(t, gc, "readers", "client-a", 0)

	// nil assignments asks the coordinator to compute server-side.
	assignment, err := gc.SyncGroup(SyncGroupRequest{
		GroupID: "readers", MemberID: resp.MemberID, Generation: resp.Generation,
	})
	if err != nil {
		t.Fatalf("SyncGroup() error = %v", err)
	}
	if got := len(assignment["events"]); got != 4 {
		t.Errorf("sole member owns %d partitions, want all 4", got)
	}

	g, _ := gc.getGroup("readers")
	if g.State != GroupStateStable {
		t.Errorf("state after sync = %s, want Stable", g.State)
	}
}

func TestTwoMemberAssignmentIsDisjoint(t *testing.T) {
	gc, _ := newTestCoordinator(t, DefaultGroupConfig())
	a := joinMember(t, gc, "readers", "client-a", 0)
	b := joinMember(t, gc, "readers", "client-b", 0)

	// The second join bumped the generation; both sync at it.
	gen := b.Generation
	leader, follower := a.MemberID, b.MemberID
	if b.LeaderID != leader {
		leader, follower = b.MemberID, a.MemberID
	}

	// Follower syncing before the leader must wait out the round.
	if _, err := gc.SyncGroup(SyncGroupRequest{GroupID: "readers", MemberID: follower, Generation: gen}); !errors.Is(err, ErrRebalanceInProgress) {
		t.Errorf("early follower sync error = %v, want ErrRebalanceInProgress", err)
	}

	leaderAssign, err := gc.SyncGroup(SyncGroupRequest{GroupID: "readers", MemberID: leader, Generation: gen})
	if err != nil {
		t.Fatalf("leader SyncGroup() error = %v", err)
	}
	followerAssign, err := gc.SyncGroup(SyncGroupRequest{GroupID: "readers", MemberID: follower, Generation: gen})
	if err != nil {
		t.Fatalf("follower SyncGroup() error = %v", err)
	}

	seen := make(map[int]int)
	for _, p := range leaderAssign["events"] {
		seen[p]++
	}
	for _, p := range followerAssign["events"] {
		seen[p]++
	}
	if len(seen) != 4 {
		t.Errorf("assignment covers %d partitions, want 4", len(seen))
	}
	for p, n := range seen {
		if n != 1 {
			t.Errorf("partition %d assigned %d times", p, n)
		}
	}
	if len(leaderAssign["events"]) != 2 || len(followerAssign["events"]) != 2 {
		t.Errorf("split = %d/%d, want 2/2",
			len(leaderAssign["events"]), len(followerAssign["events"]))
	}

	g, _ := gc.getGroup("readers")
	if g.State != GroupStateStable {
		t.Errorf("state = %s, want Stable", g.State)
	}
}

func TestSyncGroupStaleGeneration(t *testing.T) {
	gc, _ := newTestCoordinator(t, DefaultGroupConfig())
	resp := joinMember(t, gc, "readers", "client-a", 0)

	_, err := gc.SyncGroup(SyncGroupRequest{
		GroupID: "readers", MemberID: resp.MemberID, Generation: resp.Generation - 1,
	})
	if !errors.Is(err, ErrIllegalGeneration) {
		t.Errorf("stale sync error = %v, want ErrIllegalGeneration", err)
	}
}

func TestHeartbeat(t *testing.T) {
	gc, _ := newTestCoordinator(t, DefaultGroupConfig())
	resp := joinMember(t, gc, "readers", "client-a", 0)

	// Mid-rebalance heartbeats tell the member to finish joining.
	if err := gc.Heartbeat("readers", resp.MemberID, resp.Generation); !errors.Is(err, ErrRebalanceInProgress) {
		t.Errorf("heartbeat during rebalance error = %v, want ErrRebalanceInProgress", err)
	}

	if _, err := gc.SyncGroup(SyncGroupRequest{GroupID: "readers", MemberID: resp.MemberID, Generation: resp.Generation}); err != nil {
		t.Fatalf("SyncGroup() error = %v", err)
	}

	if err := gc.Heartbeat("readers", resp.MemberID, resp.Generation); err != nil {
		t.Errorf("stable heartbeat error = %v", err)
	}
	if err := gc.Heartbeat("readers", resp.MemberID, resp.Generation+1); !errors.Is(err, ErrIllegalGeneration) {
		t.Errorf("wrong-generation heartbeat error = %v, want ErrIllegalGeneration", err)
	}
	if err := gc.Heartbeat("readers", "ghost", resp.Generation); !errors.Is(err, ErrUnknownMember) {
		t.Errorf("unknown member heartbeat error = %v, want ErrUnknownMember", err)
	}
}

func TestRejoinWithForgottenIDRejected(t *testing.T) {
	gc, _ := newTestCoordinator(t, DefaultGroupConfig())
	joinMember(t, gc, "readers", "client-a", 0)

	_, err := gc.JoinGroup(JoinGroupRequest{
		GroupID:  "readers",
		MemberID: "client-b-0000",
		ClientID: "client-b",
	})
	if !errors.Is(err, ErrUnknownMember) {
		t.Errorf("rejoin with unknown id error = %v, want ErrUnknownMember", err)
	}
}

func TestExpiredMemberEvicted(t *testing.T) {
	cfg := DefaultGroupConfig()
	gc, _ := newTestCoordinator(t, cfg)

	// Two members with very different session windows.
	a := joinMember(t, gc, "readers", "client-a", 25*time.Second)
	b := joinMember(t, gc, "readers", "client-b", 5*time.Second)
	gen := b.Generation

	leader := a.MemberID
	if b.LeaderID != leader {
		leader = b.MemberID
	}
	if _, err := gc.SyncGroup(SyncGroupRequest{GroupID: "readers", MemberID: leader, Generation: gen}); err != nil {
		t.Fatalf("SyncGroup() error = %v", err)
	}

	// Ten seconds of silence: b's window lapses, a's does not.
	gc.sweep(time.Now().Add(10 * time.Second))

	g, _ := gc.getGroup("readers")
	if len(g.Members) != 1 {
		t.Fatalf("members after sweep = %d, want 1", len(g.Members))
	}
	if _, ok := g.Members[a.MemberID]; !ok {
		t.Error("surviving member should be client-a")
	}
	if g.State != GroupStatePreparingRebalance {
		t.Errorf("state after eviction = %s, want PreparingRebalance", g.State)
	}
	if g.Generation <= gen {
		t.Errorf("generation after eviction = %d, want > %d", g.Generation, gen)
	}
	if g.LeaderID != a.MemberID {
		t.Errorf("leader after eviction = %s, want %s", g.LeaderID, a.MemberID)
	}
}

func TestEmptyGroupDiesAndResurrects(t *testing.T) {
	cfg := DefaultGroupConfig()
	gc, _ := newTestCoordinator(t, cfg)

	resp := joinMember(t, gc, "readers", "client-a", 0)
	if err := gc.LeaveGroup("readers", resp.MemberID); err != nil {
		t.Fatalf("LeaveGroup() error = %v", err)
	}

	g, _ := gc.getGroup("readers")
	if g.State != GroupStateEmpty {
		t.Fatalf("state after last leave = %s, want Empty", g.State)
	}

	// Within the TTL the group survives.
	gc.sweep(time.Now().Add(cfg.EmptyGroupTTL / 2))
	if g.State != GroupStateEmpty {
		t.Errorf("state before TTL = %s, want Empty", g.State)
	}

	// Past it, it is retired.
	gc.sweep(time.Now().Add(cfg.EmptyGroupTTL + time.Second))
	if g.State != GroupStateDead {
		t.Fatalf("state past TTL = %s, want Dead", g.State)
	}
	if err := gc.Heartbeat("readers", resp.MemberID, 1); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("heartbeat against dead group error = %v, want ErrGroupNotFound", err)
	}

	// A fresh join resurrects the id as a brand new group.
	fresh := joinMember(t, gc, "readers", "client-a", 0)
	if fresh.Generation != 1 {
		t.Errorf("resurrected generation = %d, want 1", fresh.Generation)
	}
	g2, _ := gc.getGroup("readers")
	if g2.State != GroupStatePreparingRebalance {
		t.Errorf("resurrected state = %s, want PreparingRebalance", g2.State)
	}
}

func TestCommitOffsetBounds(t *testing.T) {
	gc, md := newTestCoordinator(t, DefaultGroupConfig())
	md.hwm["events"] = 50

	// Standalone consumers commit with generation -1 and no membership.
	if err := gc.CommitOffset("standalone", -1, "events", 0, 50, ""); err != nil {
		t.Fatalf("commit at hwm error = %v", err)
	}
	if err := gc.CommitOffset("standalone", -1, "events", 0, 51, ""); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("commit past hwm error = %v, want ErrOffsetOutOfRange", err)
	}
	if err := gc.CommitOffset("standalone", -1, "events", 0, -1, ""); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("negative commit error = %v, want ErrOffsetOutOfRange", err)
	}
	if err := gc.CommitOffset("standalone", -1, "missing", 0, 0, ""); !errors.Is(err, ErrTopicNotFound) {
		t.Errorf("commit to missing topic error = %v, want ErrTopicNotFound", err)
	}

	co, ok := gc.FetchCommitted("standalone", "events", 0)
	if !ok || co.Offset != 50 {
		t.Errorf("FetchCommitted = %v, %v; want offset 50", co, ok)
	}
	if _, ok := gc.FetchCommitted("standalone", "events", 3); ok {
		t.Error("FetchCommitted for uncommitted partition = ok, want none")
	}
}

func TestCommitOffsetGenerationFencing(t *testing.T) {
	gc, _ := newTestCoordinator(t, DefaultGroupConfig())
	resp := joinMember(t, gc, "readers", "client-a", 0)
	if _, err := gc.SyncGroup(SyncGroupRequest{GroupID: "readers", MemberID: resp.MemberID, Generation: resp.Generation}); err != nil {
		t.Fatalf("SyncGroup() error = %v", err)
	}

	if err := gc.CommitOffset("readers", resp.Generation, "events", 0, 10, ""); err != nil {
		t.Errorf("current-generation commit error = %v", err)
	}
	if err := gc.CommitOffset("readers", resp.Generation-1, "events", 0, 10, ""); !errors.Is(err, ErrIllegalGeneration) {
		t.Errorf("stale-generation commit error = %v, want ErrIllegalGeneration", err)
	}
	if err := gc.CommitOffset("ghost-group", 3, "events", 0, 10, ""); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("commit to unknown live group error = %v, want ErrGroupNotFound", err)
	}
}

func TestListGroupsIncludesOffsetOnlyGroups(t *testing.T) {
	gc, _ := newTestCoordinator(t, DefaultGroupConfig())

	joinMember(t, gc, "live-group", "client-a", 0)
	if err := gc.CommitOffset("offsets-only", -1, "events", 0, 1, ""); err != nil {
		t.Fatalf("CommitOffset() error = %v", err)
	}

	groups := gc.ListGroups()
	if len(groups) != 2 {
		t.Fatalf("ListGroups() = %d groups, want 2", len(groups))
	}
	// Sorted by id: live-group then offsets-only.
	if groups[0].GroupID != "live-group" || groups[0].State != GroupStatePreparingRebalance {
		t.Errorf("groups[0] = %+v, want live-group in PreparingRebalance", groups[0])
	}
	if groups[1].GroupID != "offsets-only" || groups[1].State != GroupStateEmpty {
		t.Errorf("groups[1] = %+v, want offsets-only reported Empty", groups[1])
	}
}

func TestDescribeGroupLag(t *testing.T) {
	gc, md := newTestCoordinator(t, DefaultGroupConfig())
	md.hwm["events"] = 100

	resp := joinMember(t, gc, "readers", "client-a", 0)
	if _, err := gc.SyncGroup(SyncGroupRequest{GroupID: "readers", MemberID: resp.MemberID, Generation: resp.Generation}); err != nil {
		t.Fatalf("SyncGroup() error = %v", err)
	}
	if err := gc.CommitOffset("readers", resp.Generation, "events", 2, 60, "checkpoint"); err != nil {
		t.Fatalf("CommitOffset() error = %v", err)
	}

	detail, err := gc.DescribeGroup("readers")
	if err != nil {
		t.Fatalf("DescribeGroup() error = %v", err)
	}
	if detail.State != GroupStateStable || detail.ProtocolType != "consumer" {
		t.Errorf("detail = state %s, protocolType %s; want Stable consumer", detail.State, detail.ProtocolType)
	}
	if len(detail.Members) != 1 || detail.Members[0].ClientID != "client-a" {
		t.Errorf("members = %+v, want one client-a", detail.Members)
	}
	if len(detail.OffsetCommits) != 1 {
		t.Fatalf("offset commits = %d, want 1", len(detail.OffsetCommits))
	}
	oc := detail.OffsetCommits[0]
	if oc.Topic != "events" || oc.Partition != 2 || oc.Offset != 60 || oc.HighWaterMark != 100 || oc.Lag != 40 || oc.Metadata != "checkpoint" {
		t.Errorf("commit = %+v, want events/2 offset 60 hwm 100 lag 40", oc)
	}

	if _, err := gc.DescribeGroup("nowhere"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("DescribeGroup(unknown) error = %v, want ErrGroupNotFound", err)
	}
}

func TestDeleteGroup(t *testing.T) {
	gc, _ := newTestCoordinator(t, DefaultGroupConfig())
	resp := joinMember(t, gc, "readers", "client-a", 0)
	if err := gc.CommitOffset("readers", resp.Generation, "events", 0, 1, ""); err != nil {
		t.Fatalf("CommitOffset() error = %v", err)
	}

	if err := gc.DeleteGroup("readers"); err != nil {
		t.Fatalf("DeleteGroup() error = %v", err)
	}
	if _, ok := gc.FetchCommitted("readers", "events", 0); ok {
		t.Error("commits survive group deletion")
	}
	g, _ := gc.getGroup("readers")
	if g.State != GroupStateDead {
		t.Errorf("state after delete = %s, want Dead", g.State)
	}
}
