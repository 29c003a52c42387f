package broker

import (
	"reflect"
	"testing"
)

func TestAssignRange(t *testing.T) {
	members := []string{"a", "b", "c"}
	got := assignRange(members, []string{"events"}, map[string]int{"events": 7})

	want := map[string]map[string][]int{
		"a": {"events": {0, 1, 2}},
		"b": {"events": {3, 4}},
		"c": {"events": {5, 6}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("assignRange() = %v, want %v", got, want)
	}
}

func TestAssignRangeMoreMembersThanPartitions(t *testing.T) {
	got := assignRange([]string{"a", "b", "c"}, []string{"events"}, map[string]int{"events": 2})

	if !reflect.DeepEqual(got["a"]["events"], []int{0}) || !reflect.DeepEqual(got["b"]["events"], []int{1}) {
		t.Errorf("first two members = %v / %v, want [0] / [1]", got["a"], got["b"])
	}
	if len(got["c"]["events"]) != 0 {
		t.Errorf("third member = %v, want empty", got["c"])
	}
}

func TestAssignRangeKeepsTopicsAligned(t *testing.T) {
	// Co-partitioned topics land on the same members under range.
	got := assignRange([]string{"a", "b"}, []string{"left", "right"}, map[string]int{"left": 4, "right": 4})

	for _, id := range []string{"a", "b"} {
		if !reflect.DeepEqual(got[id]["left"], got[id]["right"]) {
			t.Errorf("member %s: left %v != right %v", id, got[id]["left"], got[id]["right"])
		}
	}
}

func TestAssignRoundRobin(t *testing.T) {
	got := assignRoundRobin([]string{"a", "b"}, []string{"events"}, map[string]int{"events": 5})

	want := map[string]map[string][]int{
		"a": {"events": {0, 2, 4}},
		"b": {"events": {1, 3}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("assignRoundRobin() = %v, want %v", got, want)
	}
}

func TestAssignRoundRobinCarriesAcrossTopics(t *testing.T) {
	// The deal continues into the next topic instead of restarting, so odd
	// partition counts do not pile onto the first member.
	got := assignRoundRobin([]string{"a", "b"}, []string{"x", "y"}, map[string]int{"x": 3, "y": 3})

	total := func(id string) int {
		n := 0
		for _, ps := range got[id] {
			n += len(ps)
		}
		return n
	}
	if total("a") != 3 || total("b") != 3 {
		t.Errorf("totals = %d/%d, want 3/3", total("a"), total("b"))
	}
}

func TestAssignorsWithNoMembers(t *testing.T) {
	if got := assignRange(nil, []string{"events"}, map[string]int{"events": 3}); len(got) != 0 {
		t.Errorf("assignRange(no members) = %v, want empty", got)
	}
	if got := assignRoundRobin(nil, []string{"events"}, map[string]int{"events": 3}); len(got) != 0 {
		t.Errorf("assignRoundRobin(no members) = %v, want empty", got)
	}
}
