// =============================================================================
// ASSIGNORS - Partition assignment strategies
// =============================================================================
//
// Two strategies, selected by the group's protocol name:
//
//   range:       per topic, split the partition list into contiguous chunks,
//                one chunk per member. Members earlier in sort order absorb
//                the remainder. Keeps co-partitioned topics aligned.
//
//   roundrobin:  deal every (topic, partition) across members one at a time.
//                Flattest distribution when subscriptions are uniform.
//
// Both take members in sorted id order so the same inputs always produce
// the same assignment.
//
// =============================================================================

package broker

// assignRange implements the range strategy. partitionCounts maps each
// subscribed topic to its partition count.
func assignRange(memberIDs []string, topics []string, partitionCounts map[string]int) map[string]map[string][]int {
	out := make(map[string]map[string][]int, len(memberIDs))
	for _, id := range memberIDs {
		out[id] = make(map[string][]int)
	}
	if len(memberIDs) == 0 {
		return out
	}

	for _, topic := range topics {
		n := partitionCounts[topic]
		if n == 0 {
			continue
		}
		per := n / len(memberIDs)
		extra := n % len(memberIDs)

		next := 0
		for i, id := range memberIDs {
			count := per
			if i < extra {
				count++
			}
			for j := 0; j < count; j++ {
				out[id][topic] = append(out[id][topic], next)
				next++
			}
		}
	}
	return out
}

// assignRoundRobin implements the roundrobin strategy.
func assignRoundRobin(memberIDs []string, topics []string, partitionCounts map[string]int) map[string]map[string][]int {
	out := make(map[string]map[string][]int, len(memberIDs))
	for _, id := range memberIDs {
		out[id] = make(map[string][]int)
	}
	if len(memberIDs) == 0 {
		return out
	}

	i := 0
	for _, topic := range topics {
		for p := 0; p < partitionCounts[topic]; p++ {
			id := memberIDs[i%len(memberIDs)]
			out[id][topic] = append(out[id][topic], p)
			i++
		}
	}
	return out
}
