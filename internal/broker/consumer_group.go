// =============================================================================
// CONSUMER GROUP - Membership state machine
// =============================================================================
//
// STATES:
//
//   Empty ---join---> PreparingRebalance ---all joined---> CompletingRebalance
//     ^                       ^                                    |
//     |                       |  join/leave/eviction               | leader syncs
//     |                       +------------- Stable <--------------+
//     |                                        |
//     +------ last member leaves --------------+
//
//   Empty --(no members past session window)--> Dead
//
// A Dead group is a tombstone: its id is known but every operation except a
// fresh join fails. The join resurrects it through PreparingRebalance with
// a new generation, which is what lets a fully departed group come back
// without operator involvement.
//
// The generation counter bumps on every rebalance. Commits and heartbeats
// carrying an older generation are rejected (IllegalGeneration), which
// fences consumers still operating on a pre-rebalance assignment.
//
// All mutation of a Group happens under the coordinator's per-group lock;
// the Group itself has no lock of its own.
//
// =============================================================================

package broker

import (
	"sort"
	"time"
)

// GroupState is the lifecycle state of a consumer group. String-valued so
// it serializes directly into REST and protocol responses.
type GroupState string

const (
	GroupStateEmpty               GroupState = "Empty"
	GroupStatePreparingRebalance  GroupState = "PreparingRebalance"
	GroupStateCompletingRebalance GroupState = "CompletingRebalance"
	GroupStateStable              GroupState = "Stable"
	GroupStateDead                GroupState = "Dead"
)

// Member is one consumer in a group.
type Member struct {
	ID             string
	ClientID       string
	ClientHost     string
	Subscriptions  []string
	Assignment     map[string][]int
	SessionTimeout time.Duration
	JoinedAt       time.Time
	LastHeartbeat  time.Time
}

// Group is the coordinator's record for one group id.
type Group struct {
	ID           string
	State        GroupState
	Generation   int
	ProtocolType string // "consumer" for regular groups
	Protocol     string // assignment strategy name: "range" or "roundrobin"
	LeaderID     string
	Members      map[string]*Member

	// EmptySince is set when the last member departs; drives Empty -> Dead.
	EmptySince time.Time

	// assignmentsReady flips when the leader's assignment for the current
	// generation has been applied; synced tracks which members fetched
	// theirs. Both reset whenever membership changes.
	assignmentsReady bool
	synced           map[string]struct{}
}

// resetRebalance invalidates the current assignment round.
func (g *Group) resetRebalance() {
	g.Generation++
	g.State = GroupStatePreparingRebalance
	g.assignmentsReady = false
	g.synced = make(map[string]struct{})
}

// newGroup returns an Empty group.
func newGroup(id string) *Group {
	return &Group{
		ID:           id,
		State:        GroupStateEmpty,
		ProtocolType: "consumer",
		Members:      make(map[string]*Member),
		EmptySince:   time.Now(),
		synced:       make(map[string]struct{}),
	}
}

// memberIDs returns member ids sorted for deterministic assignment.
func (g *Group) memberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for id := range g.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// subscribedTopics is the union of all members' subscriptions, sorted.
func (g *Group) subscribedTopics() []string {
	seen := make(map[string]struct{})
	for _, m := range g.Members {
		for _, t := range m.Subscriptions {
			seen[t] = struct{}{}
		}
	}
	topics := make([]string, 0, len(seen))
	for t := range seen {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// electLeader picks the lexically-first member as leader. Deterministic and
// stable across coordinators, which keeps describe output from flapping.
func (g *Group) electLeader() {
	ids := g.memberIDs()
	if len(ids) == 0 {
		g.LeaderID = ""
		return
	}
	if _, ok := g.Members[g.LeaderID]; !ok {
		g.LeaderID = ids[0]
	}
}

// removeMember deletes a member and fixes up leadership and state fallout.
// Returns true when the removal requires a rebalance of the remainder.
func (g *Group) removeMember(memberID string) bool {
	delete(g.Members, memberID)
	if len(g.Members) == 0 {
		g.State = GroupStateEmpty
		g.Generation++
		g.LeaderID = ""
		g.EmptySince = time.Now()
		g.assignmentsReady = false
		g.synced = make(map[string]struct{})
		return false
	}
	g.electLeader()
	return true
}

// expiredMembers returns ids whose session window lapsed at now.
func (g *Group) expiredMembers(now time.Time) []string {
	var out []string
	for id, m := range g.Members {
		if now.Sub(m.LastHeartbeat) > m.SessionTimeout {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
