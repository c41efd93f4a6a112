package relay

import (
	"errors"
	"slices"
	"testing"
)

func TestRegistry_IdentifyAndMultiDevice(t *testing.T) {
	reg := NewRegistry(NewRooms())
	reg.Register("phone", &fakeSink{})
	reg.Register("tablet", &fakeSink{})

	if err := reg.Identify("phone", "user1"); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if err := reg.Identify("phone", "user1"); err != nil {
		t.Fatalf("repeat Identify: %v", err)
	}
	if err := reg.Identify("tablet", "user1"); err != nil {
		t.Fatalf("Identify tablet: %v", err)
	}

	conns := reg.ConnectionsFor("user1")
	slices.Sort(conns)
	if !slices.Equal(conns, []string{"phone", "tablet"}) {
		t.Errorf("ConnectionsFor(user1) = %v", conns)
	}
}

func TestRegistry_IdentifyLastWriteWins(t *testing.T) {
	reg := NewRegistry(NewRooms())
	reg.Register("c1", &fakeSink{})
	reg.Identify("c1", "alice")
	reg.Identify("c1", "bob")

	if got := reg.ConnectionsFor("alice"); len(got) != 0 {
		t.Errorf("alice still mapped to %v", got)
	}
	if got := reg.ConnectionsFor("bob"); !slices.Equal(got, []string{"c1"}) {
		t.Errorf("ConnectionsFor(bob) = %v", got)
	}
	conn, _ := reg.Get("c1")
	if conn.UserID != "bob" {
		t.Errorf("UserID = %q, want bob", conn.UserID)
	}
}

func TestRegistry_IdentifyClosedConnection(t *testing.T) {
	reg := NewRegistry(NewRooms())
	reg.Register("c1", &fakeSink{})
	reg.Unregister("c1")

	err := reg.Identify("c1", "user1")
	if !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("Identify after unregister = %v, want UnknownConnection", err)
	}
}

func TestRegistry_UnregisterCleansRooms(t *testing.T) {
	rooms := NewRooms()
	reg := NewRegistry(rooms)
	reg.Register("c1", &fakeSink{})
	reg.Identify("c1", "user1")
	rooms.Join("ride42", "c1")
	rooms.Join("ride7", "c1")

	left := reg.Unregister("c1")
	if len(left) != 2 {
		t.Errorf("Unregister returned rooms %v, want 2", left)
	}
	for _, r := range []string{"ride42", "ride7"} {
		if slices.Contains(rooms.MembersOf(r), "c1") {
			t.Errorf("c1 still in %s", r)
		}
	}
	if len(reg.ConnectionsFor("user1")) != 0 {
		t.Error("user1 still has connections")
	}
	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0", reg.Len())
	}
	if reg.Unregister("c1") != nil {
		t.Error("second Unregister should be a no-op")
	}
}
