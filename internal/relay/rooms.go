package relay

type set map[string]struct{}

// Rooms maps ride ids to the connections subscribed to them.
// It is owned by the Hub loop and is not safe for concurrent use.
type Rooms struct {
	members map[string]set // roomID -> connIDs
	joined  map[string]set // connID -> roomIDs
}

func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]set),
		joined:  make(map[string]set),
	}
}

// Join adds connID to roomID, creating the room lazily. Joining twice is a no-op.
func (r *Rooms) Join(roomID, connID string) {
	room, ok := r.members[roomID]
	if !ok {
		room = make(set)
		r.members[roomID] = room
	}
	room[connID] = struct{}{}

	rooms, ok := r.joined[connID]
	if !ok {
		rooms = make(set)
		r.joined[connID] = rooms
	}
	rooms[roomID] = struct{}{}
}

// Leave removes connID from roomID. An emptied room stays in place, inert,
// until the next Sweep.
func (r *Rooms) Leave(roomID, connID string) {
	if room, ok := r.members[roomID]; ok {
		delete(room, connID)
	}
	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
}

// LeaveAll removes connID from every room it belongs to and returns them.
func (r *Rooms) LeaveAll(connID string) []string {
	rooms := r.joined[connID]
	left := make([]string, 0, len(rooms))
	for roomID := range rooms {
		if room, ok := r.members[roomID]; ok {
			delete(room, connID)
		}
		left = append(left, roomID)
	}
	delete(r.joined, connID)
	return left
}

// IsMember reports whether connID currently belongs to roomID.
func (r *Rooms) IsMember(roomID, connID string) bool {
	_, ok := r.members[roomID][connID]
	return ok
}

// MembersOf returns a snapshot of the room's member connections.
func (r *Rooms) MembersOf(roomID string) []string {
	room := r.members[roomID]
	out := make([]string, 0, len(room))
	for connID := range room {
		out = append(out, connID)
	}
	return out
}

// RoomsOf returns the rooms connID has joined.
func (r *Rooms) RoomsOf(connID string) []string {
	rooms := r.joined[connID]
	out := make([]string, 0, len(rooms))
	for roomID := range rooms {
		out = append(out, roomID)
	}
	return out
}

// Len counts rooms, inert ones included.
func (r *Rooms) Len() int {
	return len(r.members)
}

// Sweep drops inert rooms and reports how many were reclaimed.
func (r *Rooms) Sweep() int {
	n := 0
	for roomID, room := range r.members {
		if len(room) == 0 {
			delete(r.members, roomID)
			n++
		}
	}
	return n
}
