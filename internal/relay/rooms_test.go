package relay

import (
	"slices"
	"testing"
)

func TestRooms_JoinLeave(t *testing.T) {
	rooms := NewRooms()

	rooms.Join("ride42", "c1")
	rooms.Join("ride42", "c1") // idempotent
	rooms.Join("ride42", "c2")

	members := rooms.MembersOf("ride42")
	slices.Sort(members)
	if !slices.Equal(members, []string{"c1", "c2"}) {
		t.Fatalf("members = %v, want [c1 c2]", members)
	}

	rooms.Leave("ride42", "c1")
	if rooms.IsMember("ride42", "c1") {
		t.Error("c1 still a member after leave")
	}
	if slices.Contains(rooms.MembersOf("ride42"), "c1") {
		t.Error("MembersOf still lists c1 after leave")
	}
	if len(rooms.RoomsOf("c1")) != 0 {
		t.Errorf("RoomsOf(c1) = %v, want empty", rooms.RoomsOf("c1"))
	}
}

func TestRooms_LeaveUnknownIsNoop(t *testing.T) {
	rooms := NewRooms()
	rooms.Leave("nope", "c1")
	if rooms.Len() != 0 {
		t.Errorf("Len = %d, want 0", rooms.Len())
	}
}

func TestRooms_LeaveAll(t *testing.T) {
	rooms := NewRooms()
	rooms.Join("r1", "c1")
	rooms.Join("r2", "c1")
	rooms.Join("r2", "c2")

	left := rooms.LeaveAll("c1")
	slices.Sort(left)
	if !slices.Equal(left, []string{"r1", "r2"}) {
		t.Fatalf("LeaveAll = %v, want [r1 r2]", left)
	}
	for _, r := range []string{"r1", "r2"} {
		if rooms.IsMember(r, "c1") {
			t.Errorf("c1 still in %s", r)
		}
	}
	if !rooms.IsMember("r2", "c2") {
		t.Error("c2 lost membership of r2")
	}
}

func TestRooms_SweepDropsOnlyInertRooms(t *testing.T) {
	rooms := NewRooms()
	rooms.Join("busy", "c1")
	rooms.Join("quiet", "c2")
	rooms.Leave("quiet", "c2")

	// Inert until swept.
	if rooms.Len() != 2 {
		t.Fatalf("Len before sweep = %d, want 2", rooms.Len())
	}
	if n := rooms.Sweep(); n != 1 {
		t.Errorf("Sweep reclaimed %d, want 1", n)
	}
	if rooms.Len() != 1 || !rooms.IsMember("busy", "c1") {
		t.Error("sweep touched a non-empty room")
	}

	// A swept room comes back lazily.
	rooms.Join("quiet", "c3")
	if !rooms.IsMember("quiet", "c3") {
		t.Error("rejoin after sweep failed")
	}
}
